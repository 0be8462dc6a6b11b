// Package metrics collects gateway metrics off the request path.
//
// Producers send MetricEvents through a buffered channel with non-blocking
// semantics; when the buffer is full the event is dropped and counted. A
// single goroutine folds events into Prometheus collectors and into an
// in-memory per-service summary with response time percentiles.
//
// Instance counts per service and status are read from the registry at
// scrape time. They are the signals an external scaler consumes.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, reg, logger)
//	collector.Start(ctx)
//
//	collector.ObserveRequest("job-service", 200, 150*time.Millisecond)
//
//	mux.Handle("/metrics", collector.Handler())
//	mux.Handle("/metrics/summary", collector.SummaryHandler("round-robin"))
package metrics
