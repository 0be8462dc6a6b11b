// Package backend issues single attempts against service instances over
// HTTP. It tracks active connections and a moving average of response times
// per instance address.
package backend
