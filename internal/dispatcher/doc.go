// Package dispatcher sends gateway requests to service instances.
//
// A dispatch is a bounded loop: ask the router for a target that has not
// been tried yet, take a permit from the (caller, target) circuit breaker,
// run the attempt under its own timeout and report the outcome to the
// breaker exactly once. Failed targets are excluded for the rest of the
// request. The loop ends on the first success, when no target is left
// (ErrServiceUnavailable) or when the attempt budget or the caller's context
// runs out (ErrRetriesExhausted).
package dispatcher
