package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/clock"
)

var ErrCircuitOpen = errors.New("circuit open")

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Testing with one request
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the externally tuned thresholds of a breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// RollingWindow is how long a failure keeps counting toward the
	// threshold. The window slides with every failure. Zero means failures
	// never age out.
	RollingWindow time.Duration
	// Cooldown is how long the circuit stays open before a probe.
	Cooldown time.Duration
	// CooldownCap bounds the doubling of Cooldown after failed probes.
	CooldownCap time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
	if c.CooldownCap < c.Cooldown {
		c.CooldownCap = c.Cooldown
	}
	return c
}

// Permit is handed out by Allow and must be returned through Done exactly
// once. Only the first Done call for a permit is recorded.
type Permit struct {
	generation uint64
	probe      bool
	done       atomic.Bool
}

// Probe reports whether this permit is the single half-open trial call.
func (p *Permit) Probe() bool {
	return p.probe
}

// Snapshot is a copy of a breaker's bookkeeping.
type Snapshot struct {
	State                 State         `json:"state"`
	ConsecutiveFailures   int           `json:"consecutiveFailures"`
	LastFailureAt         time.Time     `json:"lastFailureAt"`
	OpenedAt              time.Time     `json:"openedAt"`
	Cooldown              time.Duration `json:"cooldown"`
	HalfOpenProbeInFlight bool          `json:"halfOpenProbeInFlight"`
}

// CircuitBreaker isolates one caller from one failing target.
type CircuitBreaker struct {
	mutex               sync.Mutex
	state               State
	generation          uint64
	// failures holds the times of the failures since the last success that
	// are still inside the rolling window, oldest first.
	failures      []time.Time
	lastFailureAt time.Time
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool

	cfg      Config
	clock    clock.Clock
	onChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker. onChange, if not nil, is
// called after every state transition, outside the breaker's lock.
func NewCircuitBreaker(cfg Config, clk clock.Clock, onChange func(from, to State)) *CircuitBreaker {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &CircuitBreaker{
		state:    StateClosed,
		cfg:      cfg,
		cooldown: cfg.Cooldown,
		clock:    clk,
		onChange: onChange,
	}
}

// Allow asks to place a call. It fails with ErrCircuitOpen while the
// circuit is open, or while it is half-open and another probe is running.
func (cb *CircuitBreaker) Allow() (*Permit, error) {
	cb.mutex.Lock()

	var changed []transition
	changed = cb.advance(cb.clock.Now(), changed)

	var (
		permit *Permit
		err    error
	)
	switch cb.state {
	case StateClosed:
		permit = &Permit{generation: cb.generation}
	case StateHalfOpen:
		if cb.probeInFlight {
			err = ErrCircuitOpen
			break
		}
		cb.probeInFlight = true
		permit = &Permit{generation: cb.generation, probe: true}
	default:
		err = ErrCircuitOpen
	}
	cb.mutex.Unlock()

	cb.notify(changed)
	return permit, err
}

// Done records the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Done(p *Permit, success bool) {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}

	cb.mutex.Lock()
	var changed []transition
	if p.generation != cb.generation {
		// Admitted under an earlier state; its outcome no longer applies.
		cb.mutex.Unlock()
		return
	}

	now := cb.clock.Now()
	if success {
		changed = cb.recordSuccess(changed)
	} else {
		changed = cb.recordFailure(now, changed)
	}
	cb.mutex.Unlock()

	cb.notify(changed)
}

func (cb *CircuitBreaker) recordSuccess(changed []transition) []transition {
	cb.failures = cb.failures[:0]
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		cb.cooldown = cb.cfg.Cooldown
		changed = cb.setState(StateClosed, changed)
	}
	return changed
}

func (cb *CircuitBreaker) recordFailure(now time.Time, changed []transition) []transition {
	cb.lastFailureAt = now

	switch cb.state {
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.cooldown *= 2
		if cb.cooldown > cb.cfg.CooldownCap {
			cb.cooldown = cb.cfg.CooldownCap
		}
		cb.openedAt = now
		changed = cb.setState(StateOpen, changed)

	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.slide(now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.openedAt = now
			changed = cb.setState(StateOpen, changed)
		}
	}
	return changed
}

// slide drops failures that fell out of the rolling window ending at now.
func (cb *CircuitBreaker) slide(now time.Time) {
	if cb.cfg.RollingWindow <= 0 {
		return
	}
	drop := 0
	for drop < len(cb.failures) && now.Sub(cb.failures[drop]) > cb.cfg.RollingWindow {
		drop++
	}
	if drop > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[drop:]...)
	}
}

// advance performs the time-driven Open -> HalfOpen transition.
func (cb *CircuitBreaker) advance(now time.Time, changed []transition) []transition {
	if cb.state == StateOpen && !now.Before(cb.openedAt.Add(cb.cooldown)) {
		cb.probeInFlight = false
		changed = cb.setState(StateHalfOpen, changed)
	}
	return changed
}

type transition struct {
	from, to State
}

func (cb *CircuitBreaker) setState(to State, changed []transition) []transition {
	from := cb.state
	if from == to {
		return changed
	}
	cb.state = to
	cb.generation++
	if to == StateClosed {
		cb.failures = cb.failures[:0]
	}
	return append(changed, transition{from: from, to: to})
}

func (cb *CircuitBreaker) notify(changed []transition) {
	if cb.onChange == nil {
		return
	}
	for _, t := range changed {
		cb.onChange(t.from, t.to)
	}
}

// State returns the current state, applying an elapsed cooldown first.
func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

// Available reports whether Allow would currently admit a call.
func (cb *CircuitBreaker) Available() bool {
	snap := cb.Snapshot()
	switch snap.State {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !snap.HalfOpenProbeInFlight
	default:
		return false
	}
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	now := cb.clock.Now()
	changed := cb.advance(now, nil)
	if cb.state == StateClosed {
		cb.slide(now)
	}
	snap := Snapshot{
		State:                 cb.state,
		ConsecutiveFailures:   len(cb.failures),
		LastFailureAt:         cb.lastFailureAt,
		OpenedAt:              cb.openedAt,
		Cooldown:              cb.cooldown,
		HalfOpenProbeInFlight: cb.probeInFlight,
	}
	cb.mutex.Unlock()

	cb.notify(changed)
	return snap
}
