// Package circuitbreaker isolates callers from failing service instances.
//
// Every (caller, target instance) pair gets its own breaker with three
// states:
//
//   - CLOSED: calls pass through, consecutive failures are counted
//   - OPEN: calls are rejected with ErrCircuitOpen until the cooldown elapses
//   - HALF-OPEN: exactly one probe call is let through
//
// A failed probe reopens the circuit and doubles the cooldown, up to
// Config.CooldownCap. A successful probe closes it and restores the base
// cooldown.
//
// Usage:
//
//	set := circuitbreaker.NewSet(cfg, reg, clock.Real(), nil)
//	cb, err := set.Get("gateway", instanceID)
//	if err != nil {
//	    return err
//	}
//	permit, err := cb.Allow()
//	if err != nil {
//	    // circuit open, try another instance
//	}
//	resp, err := call()
//	cb.Done(permit, err == nil)
package circuitbreaker
