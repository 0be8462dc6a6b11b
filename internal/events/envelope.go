package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type Type string

const (
	TypeInstanceStatus Type = "instance.status"
	TypeCircuitState   Type = "circuit.state"
)

// Envelope is the serialized form of every outbound event.
type Envelope struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

func newEnvelope(t Type, at time.Time, payload any) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Type:    t,
		At:      at,
		Payload: payload,
	}
}

// InstanceStatus wraps a registry status change.
func InstanceStatus(ev registry.Event) Envelope {
	return newEnvelope(TypeInstanceStatus, ev.At, ev)
}

// CircuitState wraps a breaker transition.
func CircuitState(sc circuitbreaker.StateChange) Envelope {
	return newEnvelope(TypeCircuitState, sc.At, sc)
}
