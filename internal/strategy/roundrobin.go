package strategy

import (
	"sync"
	"sync/atomic"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type roundRobinStrategy struct {
	cursors sync.Map // service name -> *atomic.Uint64
}

// Select advances the service's cursor and picks the candidate it lands on.
// Taking the cursor modulo the current candidate count keeps it in range
// when instances come and go between calls.
func (rr *roundRobinStrategy) Select(service string, candidates []registry.Instance) (registry.Instance, bool) {
	if len(candidates) == 0 {
		return registry.Instance{}, false
	}

	n := rr.cursor(service).Add(1)
	index := (n - 1) % uint64(len(candidates))

	return candidates[index], true
}

func (rr *roundRobinStrategy) cursor(service string) *atomic.Uint64 {
	if c, ok := rr.cursors.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := rr.cursors.LoadOrStore(service, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}
