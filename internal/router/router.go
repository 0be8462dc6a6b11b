package router

import (
	"errors"
	"fmt"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
	"github.com/angeloszaimis/fabric-gateway/internal/strategy"
)

var ErrNoHealthyTarget = errors.New("no healthy target")

// Snapshotter is the read side of the registry the router needs.
type Snapshotter interface {
	Snapshot(serviceName string) registry.Snapshot
}

// Breakers reports whether a (caller, target) circuit would admit a call.
type Breakers interface {
	Available(caller, target string) bool
}

// Exclude is the set of instance IDs already tried for one request.
type Exclude map[string]struct{}

func (e Exclude) Add(id string) {
	e[id] = struct{}{}
}

func (e Exclude) Has(id string) bool {
	_, ok := e[id]
	return ok
}

type Router struct {
	registry Snapshotter
	breakers Breakers
	strategy strategy.Strategy
}

func New(reg Snapshotter, breakers Breakers, strat strategy.Strategy) *Router {
	if strat == nil {
		strat = strategy.NewRoundRobinStrategy()
	}
	return &Router{
		registry: reg,
		breakers: breakers,
		strategy: strat,
	}
}

// SelectTarget picks a Healthy instance of service whose circuit from caller
// is not open and which is not in exclude.
func (r *Router) SelectTarget(caller, service string, exclude Exclude) (registry.Instance, error) {
	candidates := r.eligible(caller, r.registry.Snapshot(service), exclude)
	if len(candidates) == 0 {
		return registry.Instance{}, fmt.Errorf("%w for %s", ErrNoHealthyTarget, service)
	}

	chosen, ok := r.strategy.Select(service, candidates)
	if !ok {
		return registry.Instance{}, fmt.Errorf("%w for %s", ErrNoHealthyTarget, service)
	}
	return chosen, nil
}

func (r *Router) eligible(caller string, snap registry.Snapshot, exclude Exclude) []registry.Instance {
	candidates := make([]registry.Instance, 0, len(snap.Instances))

	for _, inst := range snap.Healthy() {
		if exclude.Has(inst.ID) {
			continue
		}
		if r.breakers != nil && !r.breakers.Available(caller, inst.ID) {
			continue
		}
		candidates = append(candidates, inst)
	}

	return candidates
}

func (r *Router) Strategy() strategy.Strategy {
	return r.strategy
}
