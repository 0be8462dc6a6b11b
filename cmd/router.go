package main

import (
	"net/http"

	"github.com/angeloszaimis/fabric-gateway/internal/handler"
	"github.com/angeloszaimis/fabric-gateway/internal/metrics"
)

func setupRouter(gatewayHandler *handler.GatewayHandler, registryHandler *handler.RegistryHandler,
	metricsCollector *metrics.Collector, breakers handler.BreakerStats, strategy string) *http.ServeMux {
	mux := http.NewServeMux()

	registryHandler.Register(mux)

	mux.Handle("GET /metrics", metricsCollector.Handler())
	mux.HandleFunc("GET /metrics/summary", metricsCollector.SummaryHandler(strategy))
	mux.HandleFunc("GET /circuits", handler.Circuits(breakers))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.Handle("/svc/{service}/{path...}", gatewayHandler)
	mux.Handle("/", gatewayHandler)

	return mux
}
