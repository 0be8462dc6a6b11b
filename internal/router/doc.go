// Package router chooses the instance that serves a request.
//
// Selection works on a fresh registry snapshot each time, so an instance that
// deregisters is never routed to after its removal. Instances must be
// Healthy, have a circuit from the caller that would admit a call, and not
// have been tried already for the same request. The configured strategy
// picks among what is left.
package router
