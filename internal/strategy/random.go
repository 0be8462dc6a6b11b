package strategy

import (
	"math/rand/v2"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type randomStrategy struct{}

func (r *randomStrategy) Select(_ string, candidates []registry.Instance) (registry.Instance, bool) {
	if len(candidates) == 0 {
		return registry.Instance{}, false
	}

	index := rand.IntN(len(candidates))
	return candidates[index], true
}

func NewRandomStrategy() Strategy {
	return &randomStrategy{}
}
