// Package healthcheck probes registered instances and moves them between
// Healthy and Unhealthy.
//
// A Prober sweeps the registry every interval. Status changes need several
// consecutive results in the same direction, so a single slow response does
// not take an instance out of rotation. Instances that registered but never
// became healthy or sent a heartbeat within the registration grace are
// removed. Probe failures are logged, never returned.
package healthcheck
