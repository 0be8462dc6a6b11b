// Package events forwards registry and circuit breaker changes to outside
// systems.
//
// Producers hand envelopes to a Bus without blocking; when its buffer is
// full the envelope is dropped and counted. A single goroutine delivers each
// envelope to every configured Publisher. Delivery is fire-and-forget and a
// failing publisher never affects routing.
package events
