package dispatcher

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

var (
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRetriesExhausted   = errors.New("retries exhausted")
)

// ErrorKind classifies a failed attempt.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindTimeout        ErrorKind = "timeout"
	KindConnection     ErrorKind = "connection"
	KindUpstreamStatus ErrorKind = "upstream_status"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindCanceled       ErrorKind = "canceled"
)

// Request is a buffered inbound request. The body is held in memory so it
// can be replayed on retry.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	// RemoteAddr is the client address, forwarded to upstreams.
	RemoteAddr string
	Host       string
	TLS        bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Instance served the response.
	Instance registry.Instance
}

// Call is one inbound request addressed to a service.
type Call struct {
	Caller  string
	Service string
	Request *Request
}

// CallOutcome describes one attempt, including short-circuited ones.
type CallOutcome struct {
	Caller    string
	Service   string
	Target    string
	Address   string
	Attempt   int
	Success   bool
	Latency   time.Duration
	ErrorKind ErrorKind
}

// StatusError reports an upstream response that counts as a failed attempt.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Error is the only error type Dispatch returns. Kind is either
// ErrServiceUnavailable or ErrRetriesExhausted; Cause is the last concrete
// failure seen.
type Error struct {
	Kind     error
	Service  string
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %v after %d attempt(s)", e.Service, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %v after %d attempt(s): %v", e.Service, e.Kind, e.Attempts, e.Cause)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
