// Package clock supplies the current time to components whose behavior
// depends on elapsed time (breaker cooldowns, registration grace, purge
// retention). Production code uses Real; tests drive a Manual clock.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mutex sync.Mutex
	now   time.Time
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mutex.Lock()
	m.now = m.now.Add(d)
	m.mutex.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mutex.Lock()
	m.now = t
	m.mutex.Unlock()
}
