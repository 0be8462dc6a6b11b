package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/clock"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

var ErrUnknownTarget = errors.New("target instance is not registered")

// Key identifies one breaker: calls from Caller to the instance Target.
type Key struct {
	Caller string `json:"caller"`
	Target string `json:"target"`
}

// StateChange is emitted on every breaker transition.
type StateChange struct {
	Caller string    `json:"caller"`
	Target string    `json:"target"`
	Old    State     `json:"oldState"`
	New    State     `json:"newState"`
	At     time.Time `json:"at"`
}

// TargetLookup tells the set which instance IDs are registered and not Gone.
type TargetLookup interface {
	Live(id string) bool
}

// Set owns the breakers of every (caller, target) pair. Breakers are created
// on first use and removed once their target is Gone.
type Set struct {
	mutex    sync.RWMutex
	breakers map[Key]*CircuitBreaker

	cfg      Config
	clock    clock.Clock
	targets  TargetLookup
	onChange func(StateChange)
}

// NewSet creates an empty set. onChange may be nil.
func NewSet(cfg Config, targets TargetLookup, clk clock.Clock, onChange func(StateChange)) *Set {
	if clk == nil {
		clk = clock.Real()
	}
	return &Set{
		breakers: make(map[Key]*CircuitBreaker),
		cfg:      cfg,
		clock:    clk,
		targets:  targets,
		onChange: onChange,
	}
}

// Get returns the breaker for the pair, creating it if needed. Targets that
// are Gone or unknown get no breaker.
func (s *Set) Get(caller, target string) (*CircuitBreaker, error) {
	key := Key{Caller: caller, Target: target}

	s.mutex.RLock()
	cb, exists := s.breakers[key]
	s.mutex.RUnlock()

	if exists {
		return cb, nil
	}

	if s.targets != nil && !s.targets.Live(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = s.breakers[key]; exists {
		return cb, nil
	}

	cb = NewCircuitBreaker(s.cfg, s.clock, s.hook(key))
	s.breakers[key] = cb
	return cb, nil
}

// Available reports whether calls from caller to target would currently be
// admitted. Pairs without a breaker yet are available.
func (s *Set) Available(caller, target string) bool {
	s.mutex.RLock()
	cb, exists := s.breakers[Key{Caller: caller, Target: target}]
	s.mutex.RUnlock()

	if !exists {
		return true
	}
	return cb.Available()
}

// Forget drops every breaker pointing at target and returns how many were
// removed.
func (s *Set) Forget(target string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	for key := range s.breakers {
		if key.Target == target {
			delete(s.breakers, key)
			removed++
		}
	}
	return removed
}

// Watch forgets breakers whose target went Gone, until ctx is done or the
// event channel closes.
func (s *Set) Watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.NewStatus == registry.StatusGone {
				s.Forget(ev.InstanceID)
			}
		}
	}
}

// Prune forgets breakers whose target is no longer live. It catches targets
// whose Gone event was missed or that went Gone while their breaker was
// being created.
func (s *Set) Prune() int {
	if s.targets == nil {
		return 0
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	for key := range s.breakers {
		if !s.targets.Live(key.Target) {
			delete(s.breakers, key)
			removed++
		}
	}
	return removed
}

func (s *Set) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.breakers = make(map[Key]*CircuitBreaker)
}

func (s *Set) Stats() map[Key]Snapshot {
	s.mutex.RLock()
	breakers := make(map[Key]*CircuitBreaker, len(s.breakers))
	for key, cb := range s.breakers {
		breakers[key] = cb
	}
	s.mutex.RUnlock()

	stats := make(map[Key]Snapshot, len(breakers))
	for key, cb := range breakers {
		stats[key] = cb.Snapshot()
	}
	return stats
}

func (s *Set) hook(key Key) func(from, to State) {
	if s.onChange == nil {
		return nil
	}
	return func(from, to State) {
		s.onChange(StateChange{
			Caller: key.Caller,
			Target: key.Target,
			Old:    from,
			New:    to,
			At:     s.clock.Now(),
		})
	}
}
