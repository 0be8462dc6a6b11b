package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/dispatcher"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type EventType string

const (
	EventRequestCompleted EventType = "request_completed"
	EventAttemptCompleted EventType = "attempt_completed"
	EventStatusChanged    EventType = "status_changed"
	EventCircuitChanged   EventType = "circuit_changed"
)

const outcomeSuccess = "success"

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Service    string
	Instance   string
	Caller     string
	Duration   time.Duration
	StatusCode int
	Outcome    string
	From       string
	To         string
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	prom     *promMetrics
	registry *prometheus.Registry
	dropped  atomic.Uint64
	logger   *slog.Logger
}

// NewCollector builds a collector with its own Prometheus registry. source
// may be nil, in which case no instance gauges are exported.
func NewCollector(bufferSize int, source InstanceSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		prom:     newPromMetrics(reg),
		registry: reg,
		logger:   logger,
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_events_dropped_total",
			Help:      "Metric events dropped because the collector buffer was full.",
		}, func() float64 { return float64(c.dropped.Load()) }),
	)
	if source != nil {
		reg.MustRegister(newInstanceCollector(source))
	}
	return c
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking and reports whether it was accepted.
func (c *Collector) Emit(event MetricEvent) bool {
	select {
	case c.eventCh <- event:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Collector) Dropped() uint64 {
	return c.dropped.Load()
}

// ObserveRequest records a finished inbound request.
func (c *Collector) ObserveRequest(service string, statusCode int, duration time.Duration) {
	c.Emit(MetricEvent{
		Type:       EventRequestCompleted,
		Timestamp:  time.Now(),
		Service:    service,
		Duration:   duration,
		StatusCode: statusCode,
	})
}

// ObserveAttempt records one dispatch attempt.
func (c *Collector) ObserveAttempt(o dispatcher.CallOutcome) {
	outcome := outcomeSuccess
	if !o.Success {
		outcome = string(o.ErrorKind)
	}
	c.Emit(MetricEvent{
		Type:      EventAttemptCompleted,
		Timestamp: time.Now(),
		Service:   o.Service,
		Instance:  o.Target,
		Caller:    o.Caller,
		Duration:  o.Latency,
		Outcome:   outcome,
	})
}

func (c *Collector) ObserveStatus(ev registry.Event) {
	c.Emit(MetricEvent{
		Type:      EventStatusChanged,
		Timestamp: ev.At,
		Service:   ev.ServiceName,
		Instance:  ev.InstanceID,
		From:      ev.OldStatus.String(),
		To:        ev.NewStatus.String(),
	})
}

func (c *Collector) ObserveCircuit(sc circuitbreaker.StateChange) {
	c.Emit(MetricEvent{
		Type:      EventCircuitChanged,
		Timestamp: sc.At,
		Instance:  sc.Target,
		Caller:    sc.Caller,
		From:      sc.Old.String(),
		To:        sc.New.String(),
	})
}

// Watch records every event of a registry subscription until ctx is done or
// the channel closes.
func (c *Collector) Watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.ObserveStatus(ev)
		}
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestCompleted:
		c.metrics.RecordRequest(event.Service, event.Duration, event.StatusCode)
		c.prom.requests.WithLabelValues(event.Service, strconv.Itoa(event.StatusCode)).Inc()
		c.prom.requestDuration.WithLabelValues(event.Service).Observe(event.Duration.Seconds())

	case EventAttemptCompleted:
		c.metrics.RecordAttempt(event.Service, event.Instance, event.Outcome)
		c.prom.attempts.WithLabelValues(event.Service, event.Outcome).Inc()
		if event.Duration > 0 {
			c.prom.attemptDuration.WithLabelValues(event.Service).Observe(event.Duration.Seconds())
		}

	case EventStatusChanged:
		c.prom.statusChanges.WithLabelValues(event.Service, event.From, event.To).Inc()
		if event.To == registry.StatusGone.String() {
			c.metrics.Forget(event.Instance)
		}

	case EventCircuitChanged:
		c.prom.circuitChanges.WithLabelValues(event.Caller, event.To).Inc()
		if event.To == circuitbreaker.StateOpen.String() {
			c.metrics.RecordCircuitOpen()
		}
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

// Retain forgets per-instance figures of instances not listed, covering
// Gone events that were dropped.
func (c *Collector) Retain(instances []string) {
	c.metrics.Retain(instances)
}

func (c *Collector) Snapshot(strategy string) Snapshot {
	return c.metrics.Snapshot(strategy)
}

// Registry exposes the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
