package handler

import (
	"net/http"
	"sort"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
)

type BreakerStats interface {
	Stats() map[circuitbreaker.Key]circuitbreaker.Snapshot
}

type CircuitView struct {
	circuitbreaker.Key
	circuitbreaker.Snapshot
}

// Circuits lists every breaker with its current state.
func Circuits(stats BreakerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		all := stats.Stats()
		out := make([]CircuitView, 0, len(all))
		for key, snap := range all {
			out = append(out, CircuitView{Key: key, Snapshot: snap})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Caller != out[j].Caller {
				return out[i].Caller < out[j].Caller
			}
			return out[i].Target < out[j].Target
		})
		writeJSON(w, http.StatusOK, map[string]any{"circuits": out})
	}
}
