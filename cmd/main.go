package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/angeloszaimis/fabric-gateway/config"
	"github.com/angeloszaimis/fabric-gateway/internal/backend"
	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/clock"
	"github.com/angeloszaimis/fabric-gateway/internal/dispatcher"
	"github.com/angeloszaimis/fabric-gateway/internal/events"
	"github.com/angeloszaimis/fabric-gateway/internal/handler"
	"github.com/angeloszaimis/fabric-gateway/internal/healthcheck"
	"github.com/angeloszaimis/fabric-gateway/internal/httpserver"
	"github.com/angeloszaimis/fabric-gateway/internal/metrics"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
	"github.com/angeloszaimis/fabric-gateway/internal/router"
	"github.com/angeloszaimis/fabric-gateway/internal/strategy"
	"github.com/angeloszaimis/fabric-gateway/pkg/logger"
)

const subscriptionBuffer = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	publishers, err := createPublishers(cfg, log)
	if err != nil {
		log.Error("Failed to create event publishers", slog.Any("err", err))
		os.Exit(1)
	}

	gw := newGateway(cfg, log, clock.Real(), publishers...)
	gw.start(ctx)

	srv, err := httpserver.New(cfg.Server.Address, gw.handler,
		httpserver.WithWriteTimeout(writeTimeout(cfg)),
	)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		log.Info("Gateway listening",
			slog.String("address", cfg.Server.Address),
			slog.String("strategy", cfg.Router.Strategy))
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting gateway", slog.Any("err", err))
			cancel()
			gw.wait()
			os.Exit(1)
		}
	}

	cancel()
	gw.wait()
}

// gateway holds every long-lived component of the process.
type gateway struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *registry.Registry
	breakers  *circuitbreaker.Set
	transport *backend.HTTPTransport
	prober    *healthcheck.Prober
	collector *metrics.Collector
	bus       *events.Bus
	handler   http.Handler
}

func newGateway(cfg *config.Config, log *slog.Logger, clk clock.Clock, publishers ...events.Publisher) *gateway {
	reg := registry.New(
		registry.WithClock(clk),
		registry.WithGoneRetention(cfg.Registry.GoneRetention),
	)

	collector := metrics.NewCollector(cfg.Events.Buffer, reg, logger.Component(log, "metrics"))
	bus := events.NewBus(cfg.Events.Buffer, logger.Component(log, "events"), publishers...)

	breakers := circuitbreaker.NewSet(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RollingWindow:    cfg.Breaker.RollingWindow,
		Cooldown:         cfg.Breaker.Cooldown,
		CooldownCap:      cfg.Breaker.CooldownCap,
	}, reg, clk, func(sc circuitbreaker.StateChange) {
		collector.ObserveCircuit(sc)
		bus.CircuitChanged(sc)
	})

	transport := backend.NewHTTPTransport(newUpstreamClient(), cfg.Gateway.MaxBodyBytes)

	rt := router.New(reg, breakers, strategy.New(cfg.Router.Strategy, log))
	d := dispatcher.New(rt, breakers, transport, dispatcher.Config{
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		PerAttemptTimeout: cfg.Dispatch.PerAttemptTimeout,
	}, logger.Component(log, "dispatcher"), dispatcher.WithObserver(collector.ObserveAttempt))

	prober := healthcheck.New(reg,
		healthcheck.NewHTTPChecker(&http.Client{}, cfg.Probe.Path),
		healthcheck.Config{
			Interval:           cfg.Probe.Interval,
			Timeout:            cfg.Probe.Timeout,
			UnhealthyThreshold: cfg.Probe.UnhealthyThreshold,
			HealthyThreshold:   cfg.Probe.HealthyThreshold,
			RegistrationGrace:  cfg.Registry.RegistrationGrace,
			Workers:            cfg.Probe.Workers,
		}, clk, logger.Component(log, "prober"))

	gw := &gateway{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		breakers:  breakers,
		transport: transport,
		prober:    prober,
		collector: collector,
		bus:       bus,
	}

	gatewayHandler := handler.NewGatewayHandler(logger.Component(log, "gateway"), d, collector,
		cfg.Gateway.Name, cfg.Gateway.MaxBodyBytes)
	registryHandler := handler.NewRegistryHandler(logger.Component(log, "registry"), reg, transport)

	gw.handler = handler.Logging(log, setupRouter(gatewayHandler, registryHandler, collector, breakers, cfg.Router.Strategy))
	return gw
}

// start launches the background loops. They all stop when ctx is canceled.
func (g *gateway) start(ctx context.Context) {
	breakerEvents, _ := g.registry.Subscribe(subscriptionBuffer)
	metricEvents, _ := g.registry.Subscribe(subscriptionBuffer)
	busEvents, _ := g.registry.Subscribe(subscriptionBuffer)

	go g.breakers.Watch(ctx, breakerEvents)
	go g.collector.Watch(ctx, metricEvents)
	go g.bus.Watch(ctx, busEvents)

	g.collector.Start(ctx)
	g.bus.Start(ctx)

	go g.prober.Run(ctx)
	go g.reconcile(ctx)
}

// wait blocks until queued events reach their publishers.
func (g *gateway) wait() {
	select {
	case <-g.bus.Done():
	case <-time.After(5 * time.Second):
		g.log.Warn("Timed out flushing events")
	}
}

// reconcile drops load figures, selection counts and breakers of instances
// that are no longer registered, whether or not their Gone event arrived.
func (g *gateway) reconcile(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Probe.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.reconcileOnce()
		}
	}
}

func (g *gateway) reconcileOnce() {
	instances := g.registry.Instances()
	addresses := make([]string, 0, len(instances))
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		addresses = append(addresses, inst.Address)
		ids = append(ids, inst.ID)
	}
	g.transport.Retain(addresses)
	g.collector.Retain(ids)

	if removed := g.breakers.Prune(); removed > 0 {
		g.log.Debug("Pruned circuit breakers", slog.Int("count", removed))
	}
}

func createPublishers(cfg *config.Config, log *slog.Logger) ([]events.Publisher, error) {
	publishers := []events.Publisher{events.NewLogPublisher(logger.Component(log, "events"))}

	if cfg.Events.NATSURL == "" {
		return publishers, nil
	}

	nc, err := events.DialNATS(cfg.Events.NATSURL, cfg.Gateway.Name, cfg.Events.SubjectPrefix, log)
	if err != nil {
		return nil, err
	}
	log.Info("Publishing events to NATS",
		slog.String("url", cfg.Events.NATSURL),
		slog.String("prefix", cfg.Events.SubjectPrefix))

	return append(publishers, nc), nil
}

func newUpstreamClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// writeTimeout leaves room for every dispatch attempt to run to its deadline.
func writeTimeout(cfg *config.Config) time.Duration {
	const minimum = 15 * time.Second
	if budget := cfg.DispatchBudget() + 5*time.Second; budget > minimum {
		return budget
	}
	return minimum
}
