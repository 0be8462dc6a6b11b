package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/fabric-gateway/internal/clock"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type Config struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
	// RegistrationGrace is how long a Starting instance may go without
	// becoming healthy or sending a heartbeat. Zero disables the check.
	RegistrationGrace time.Duration
	// Workers bounds the number of concurrent probes.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.UnhealthyThreshold < 1 {
		c.UnhealthyThreshold = 1
	}
	if c.HealthyThreshold < 1 {
		c.HealthyThreshold = 1
	}
	if c.Workers < 1 {
		c.Workers = 8
	}
	return c
}

// Registry is the part of the registry the prober drives.
type Registry interface {
	Instances() []registry.Instance
	Transition(id string, from, to registry.Status) error
	PurgeGone() int
}

type streak struct {
	successes int
	failures  int
}

type Prober struct {
	registry Registry
	checker  Checker
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	mutex   sync.Mutex
	streaks map[string]*streak
}

func New(reg Registry, checker Checker, cfg Config, clk clock.Clock, logger *slog.Logger) *Prober {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		registry: reg,
		checker:  checker,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		logger:   logger,
		streaks:  make(map[string]*streak),
	}
}

// Run sweeps every interval until ctx is cancelled. A sweep in progress is
// allowed to finish its probes before Run returns.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Health prober started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("workers", p.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health prober stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one probing pass over every live instance.
func (p *Prober) Sweep(ctx context.Context) {
	now := p.clock.Now()
	instances := p.registry.Instances()
	live := make(map[string]struct{}, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for _, inst := range instances {
		live[inst.ID] = struct{}{}

		switch {
		case inst.Status == registry.StatusDraining:
			continue
		case p.stuck(inst, now):
			p.demote(inst)
			continue
		}

		g.Go(func() error {
			p.probe(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	if purged := p.registry.PurgeGone(); purged > 0 {
		p.logger.Debug("Purged gone instances", slog.Int("count", purged))
	}
	p.prune(live)
}

func (p *Prober) stuck(inst registry.Instance, now time.Time) bool {
	if p.cfg.RegistrationGrace <= 0 || inst.Status != registry.StatusStarting || inst.EverHealthy {
		return false
	}
	return now.Sub(inst.RegisteredAt) > p.cfg.RegistrationGrace &&
		now.Sub(inst.LastHeartbeat) > p.cfg.RegistrationGrace
}

func (p *Prober) demote(inst registry.Instance) {
	if err := p.registry.Transition(inst.ID, registry.StatusStarting, registry.StatusGone); err != nil {
		p.logger.Debug("Skipped stuck instance removal",
			slog.String("instance", inst.ID),
			slog.Any("err", err))
		return
	}
	p.logger.Warn("Removed instance that never became healthy",
		slog.String("service", inst.ServiceName),
		slog.String("instance", inst.ID),
		slog.String("address", inst.Address))
}

func (p *Prober) probe(ctx context.Context, inst registry.Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.checker.Check(probeCtx, inst)
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutting down: the result says nothing about the instance.
		return
	}
	if err != nil {
		p.logger.Warn("Probe failed",
			slog.String("service", inst.ServiceName),
			slog.String("instance", inst.ID),
			slog.String("address", inst.Address),
			slog.Any("err", err))
	}

	next, ok := p.record(inst, err == nil)
	if !ok {
		return
	}

	if err := p.registry.Transition(inst.ID, inst.Status, next); err != nil {
		p.logger.Debug("Status change lost a race",
			slog.String("instance", inst.ID),
			slog.Any("err", err))
		return
	}

	p.logger.Info("Instance status changed",
		slog.String("service", inst.ServiceName),
		slog.String("instance", inst.ID),
		slog.String("address", inst.Address),
		slog.String("from", inst.Status.String()),
		slog.String("to", next.String()))
}

// record updates the instance's streak and returns the status it should move
// to, if any.
func (p *Prober) record(inst registry.Instance, healthy bool) (registry.Status, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	s, exists := p.streaks[inst.ID]
	if !exists {
		s = &streak{}
		p.streaks[inst.ID] = s
	}

	if healthy {
		s.failures = 0
		s.successes++
		if inst.Status != registry.StatusHealthy && s.successes >= p.cfg.HealthyThreshold {
			return registry.StatusHealthy, true
		}
		return registry.StatusUnknown, false
	}

	s.successes = 0
	s.failures++
	if inst.Status == registry.StatusHealthy && s.failures >= p.cfg.UnhealthyThreshold {
		return registry.StatusUnhealthy, true
	}
	return registry.StatusUnknown, false
}

// prune forgets streaks of instances that are no longer registered.
func (p *Prober) prune(live map[string]struct{}) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id := range p.streaks {
		if _, ok := live[id]; !ok {
			delete(p.streaks, id)
		}
	}
}

// Tracked returns how many instances currently have a probe streak.
func (p *Prober) Tracked() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.streaks)
}
