// Instance is a demo service instance for trying the gateway locally. It
// registers itself, sends heartbeats, serves /health and deregisters on
// shutdown.
//
// Usage:
//
//	go run ./scripts/instance -service job-service -port 8081 -gateway http://localhost:8080
//
// POST /toggle-health flips the health endpoint between 200 and 503 so the
// prober and circuit breakers can be watched reacting.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/fabric-gateway/internal/httpserver"
	"github.com/angeloszaimis/fabric-gateway/pkg/logger"
)

type registration struct {
	InstanceID string `json:"instanceId"`
}

func main() {
	var (
		service   = flag.String("service", "job-service", "service name to register under")
		port      = flag.Int("port", 8081, "port to listen on")
		gateway   = flag.String("gateway", "http://localhost:8080", "gateway base URL")
		heartbeat = flag.Duration("heartbeat", 5*time.Second, "heartbeat interval")
		level     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log := logger.New(*level, false, "dev").With(
		slog.String("service", *service),
		slog.Int("port", *port))

	var unhealthy atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /toggle-health", func(w http.ResponseWriter, r *http.Request) {
		now := !unhealthy.Load()
		unhealthy.Store(now)
		log.Info("Health toggled", slog.Bool("unhealthy", now))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		log.Info("Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("caller", r.Header.Get("X-Caller-Service")),
			slog.Int("bytes", len(body)))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"requestId": uuid.NewString(),
			"service":   *service,
			"port":      *port,
			"path":      r.URL.Path,
		})
	})

	srv, err := httpserver.New(fmt.Sprintf(":%d", *port), mux)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Server failed", slog.Any("err", err))
			cancel()
		}
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	address := fmt.Sprintf("http://localhost:%d", *port)

	var reg registration
	if err := post(ctx, client, *gateway+"/registry/register",
		map[string]string{"serviceName": *service, "address": address}, &reg); err != nil {
		log.Error("Registration failed", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("Registered", slog.String("instance", reg.InstanceID))

	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdown(client, *gateway, reg.InstanceID, srv, log)
			return
		case <-ticker.C:
			if err := post(ctx, client, *gateway+"/registry/heartbeat", reg, nil); err != nil {
				log.Warn("Heartbeat failed", slog.Any("err", err))
			}
		}
	}
}

func shutdown(client *http.Client, gateway, id string, srv *httpserver.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := post(ctx, client, gateway+"/registry/deregister", registration{InstanceID: id}, nil); err != nil {
		log.Warn("Deregistration failed", slog.Any("err", err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Error during shutdown", slog.Any("err", err))
	}
	log.Info("Stopped")
}

func post(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(errors.New("decoding response"), err)
	}
	return nil
}
