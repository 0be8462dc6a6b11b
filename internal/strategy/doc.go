// Package strategy implements the algorithms the router uses to pick one
// eligible instance of a service:
//
//   - Round Robin: sequential distribution with one cursor per service
//   - Random: uniform random choice
//
// Strategies only see instances that already passed the router's health,
// breaker and exclusion filters.
package strategy
