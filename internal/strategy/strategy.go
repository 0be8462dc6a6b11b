package strategy

import (
	"log/slog"
	"strings"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

const (
	RoundRobin = "round-robin"
	Random     = "random"
)

// Strategy picks one instance out of the eligible candidates of a service.
// Candidates are never empty when the router calls Select.
type Strategy interface {
	Select(service string, candidates []registry.Instance) (registry.Instance, bool)
}

// New returns the strategy registered under name, falling back to
// round-robin for unknown names.
func New(name string, logger *slog.Logger) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case RoundRobin:
		return NewRoundRobinStrategy()
	case Random:
		return NewRandomStrategy()
	default:
		if logger != nil {
			logger.Warn("Unknown strategy, defaulting to round-robin", slog.String("requested", name))
		}
		return NewRoundRobinStrategy()
	}
}
