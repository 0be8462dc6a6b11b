// Package registry tracks the instances of every service behind the gateway.
//
// Instances register themselves, send heartbeats and deregister on shutdown;
// the health prober moves them between Healthy and Unhealthy. Every status
// change is published to subscribers as an Event so that the circuit breaker
// set, the metrics collector and the outbound event bus can react.
//
// Lifecycle:
//
//	Starting -> Healthy <-> Unhealthy
//	    \          |            |
//	     +------> Draining -----+--> Gone
//
// Gone is terminal. Gone instances disappear from snapshots immediately but
// stay resolvable by ID until PurgeGone drops them, so late call outcomes and
// breaker cleanup can still refer to them.
package registry
