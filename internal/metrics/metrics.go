package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

// Metrics is the in-memory summary behind the JSON endpoint.
type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	attempts      map[string]map[string]int64
	selections    map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	circuitOpens  int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	Strategy      string                    `json:"strategy"`
	CircuitOpens  int64                     `json:"circuit_opens"`
	Services      map[string]ServiceMetrics `json:"services"`
	Selections    map[string]int64          `json:"selections"`
}

type ServiceMetrics struct {
	Requests    int64            `json:"requests"`
	Attempts    map[string]int64 `json:"attempts"`
	AvgResponse time.Duration    `json:"avg_response"`
	P50Response time.Duration    `json:"p50_response"`
	P95Response time.Duration    `json:"p95_response"`
	P99Response time.Duration    `json:"p99_response"`
	StatusCodes map[int]int64    `json:"status_codes"`
}

func (m *Metrics) RecordRequest(service string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests[service]++
	m.responseTimes[service] = append(m.responseTimes[service], duration)
	if len(m.responseTimes[service]) > maxSamples {
		m.responseTimes[service] = m.responseTimes[service][1:]
	}

	if m.statusCodes[service] == nil {
		m.statusCodes[service] = make(map[int]int64)
	}
	m.statusCodes[service][statusCode]++
}

// RecordAttempt counts one attempt against instance, by outcome.
func (m *Metrics) RecordAttempt(service, instance, outcome string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.attempts[service] == nil {
		m.attempts[service] = make(map[string]int64)
	}
	m.attempts[service][outcome]++
	if instance != "" {
		m.selections[instance]++
	}
}

// Forget drops the selection count of an instance that is Gone.
func (m *Metrics) Forget(instance string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.selections, instance)
}

// Retain drops the selection counts of every instance not listed.
func (m *Metrics) Retain(instances []string) {
	keep := make(map[string]struct{}, len(instances))
	for _, id := range instances {
		keep[id] = struct{}{}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id := range m.selections {
		if _, ok := keep[id]; !ok {
			delete(m.selections, id)
		}
	}
}

func (m *Metrics) RecordCircuitOpen() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.circuitOpens++
}

func (m *Metrics) Snapshot(strategy string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:       time.Since(m.startTime),
		Strategy:     strategy,
		CircuitOpens: m.circuitOpens,
		Services:     make(map[string]ServiceMetrics),
		Selections:   make(map[string]int64, len(m.selections)),
	}
	for instance, n := range m.selections {
		snap.Selections[instance] = n
	}

	services := make(map[string]bool)
	for service := range m.requests {
		services[service] = true
	}
	for service := range m.attempts {
		services[service] = true
	}

	for service := range services {
		snap.TotalRequests += m.requests[service]

		sm := ServiceMetrics{
			Requests:    m.requests[service],
			Attempts:    make(map[string]int64),
			StatusCodes: make(map[int]int64),
		}
		for outcome, n := range m.attempts[service] {
			sm.Attempts[outcome] = n
		}
		for code, n := range m.statusCodes[service] {
			sm.StatusCodes[code] = n
		}

		durations := m.responseTimes[service]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			sm.AvgResponse = average(sorted)
			sm.P50Response = percentile(sorted, 0.50)
			sm.P95Response = percentile(sorted, 0.95)
			sm.P99Response = percentile(sorted, 0.99)
		}

		snap.Services[service] = sm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		attempts:      make(map[string]map[string]int64),
		selections:    make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		startTime:     time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
