package registry

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("instance not found")
	ErrDuplicateAddress  = errors.New("address already registered")
	ErrInvalidInstance   = errors.New("service name and address are required")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrStatusConflict    = errors.New("instance status changed concurrently")
)

type Status int

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusHealthy
	StatusUnhealthy
	StatusDraining
	StatusGone
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusDraining:
		return "draining"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// MarshalText lets Status appear by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for candidate := StatusStarting; candidate <= StatusGone; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	*s = StatusUnknown
	return nil
}

// Statuses only move forward, except Healthy and Unhealthy which may
// alternate. Gone has no outgoing edges.
var transitions = map[Status][]Status{
	StatusStarting:  {StatusHealthy, StatusDraining, StatusGone},
	StatusHealthy:   {StatusUnhealthy, StatusDraining, StatusGone},
	StatusUnhealthy: {StatusHealthy, StatusDraining, StatusGone},
	StatusDraining:  {StatusGone},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Instance is a point-in-time copy of one running process of a service.
type Instance struct {
	ID            string    `json:"instanceId"`
	ServiceName   string    `json:"serviceName"`
	Address       string    `json:"address"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Status        Status    `json:"status"`
	EverHealthy   bool      `json:"everHealthy"`
}

// Snapshot is an immutable, ordered view of a service's live instances.
type Snapshot struct {
	ServiceName string     `json:"serviceName"`
	Instances   []Instance `json:"instances"`
	TakenAt     time.Time  `json:"takenAt"`
}

// Healthy returns the instances currently marked Healthy, preserving order.
func (s Snapshot) Healthy() []Instance {
	healthy := make([]Instance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		if inst.Status == StatusHealthy {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// Counts summarizes a service's live instances by status. These are the
// signals an external scaler consumes.
type Counts struct {
	Starting  int `json:"starting"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Draining  int `json:"draining"`
}

// Event is published on every status change, including registration.
type Event struct {
	InstanceID  string    `json:"instanceId"`
	ServiceName string    `json:"serviceName"`
	Address     string    `json:"address"`
	OldStatus   Status    `json:"oldStatus"`
	NewStatus   Status    `json:"newStatus"`
	At          time.Time `json:"at"`
}
