package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

const namespace = "fabric_gateway"

type promMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	statusChanges   *prometheus.CounterVec
	circuitChanges  *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests by target service and response code.",
		}, []string{"service", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Dispatch attempts by service and outcome.",
		}, []string{"service", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single dispatch attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_status_changes_total",
			Help:      "Instance status transitions.",
		}, []string{"service", "from", "to"}),
		circuitChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_state_changes_total",
			Help:      "Circuit breaker transitions by caller and new state.",
		}, []string{"caller", "to"}),
	}

	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.attempts,
		m.attemptDuration,
		m.statusChanges,
		m.circuitChanges,
	)
	return m
}

// InstanceSource reports live instance counts per service.
type InstanceSource interface {
	Services() []string
	Counts(serviceName string) registry.Counts
}

// instanceCollector exports the registry's counts at scrape time.
type instanceCollector struct {
	source InstanceSource
	desc   *prometheus.Desc
}

func newInstanceCollector(source InstanceSource) *instanceCollector {
	return &instanceCollector{
		source: source,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances"),
			"Live instances by service and status.",
			[]string{"service", "status"}, nil,
		),
	}
}

func (c *instanceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *instanceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, service := range c.source.Services() {
		counts := c.source.Counts(service)
		for status, n := range map[registry.Status]int{
			registry.StatusStarting:  counts.Starting,
			registry.StatusHealthy:   counts.Healthy,
			registry.StatusUnhealthy: counts.Unhealthy,
			registry.StatusDraining:  counts.Draining,
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), service, status.String())
		}
	}
}
