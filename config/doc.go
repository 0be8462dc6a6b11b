// Package config loads gateway settings from config.yaml and environment
// variables. It covers the listener, logging, the registry and health prober,
// circuit breakers, dispatch retries, routing strategy and event publishing.
package config
