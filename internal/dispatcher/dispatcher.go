package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
	"github.com/angeloszaimis/fabric-gateway/internal/router"
)

// Selector picks the next instance to try.
type Selector interface {
	SelectTarget(caller, service string, exclude router.Exclude) (registry.Instance, error)
}

// Breakers hands out the circuit breaker of a (caller, target) pair.
type Breakers interface {
	Get(caller, target string) (*circuitbreaker.CircuitBreaker, error)
}

// Transport performs a single attempt against an instance address.
type Transport interface {
	Do(ctx context.Context, address string, req *Request) (*Response, error)
}

type Config struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
}

type Dispatcher struct {
	selector  Selector
	breakers  Breakers
	transport Transport
	cfg       Config
	logger    *slog.Logger
	observe   func(CallOutcome)
}

type Option func(*Dispatcher)

// WithObserver registers a callback receiving every attempt outcome.
func WithObserver(observe func(CallOutcome)) Option {
	return func(d *Dispatcher) { d.observe = observe }
}

func New(selector Selector, breakers Breakers, transport Transport, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		selector:  selector,
		breakers:  breakers,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the request to an instance of call.Service, retrying other
// instances until one succeeds or MaxAttempts is reached. Every attempt is
// assumed safe to repeat; callers must not dispatch requests that cannot be
// retried.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*Response, error) {
	tried := router.Exclude{}
	attempts := 0
	var lastErr error

	for attempts < d.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, d.fail(ErrRetriesExhausted, call, attempts, err)
		}

		target, err := d.selector.SelectTarget(call.Caller, call.Service, tried)
		if err != nil {
			if lastErr != nil {
				err = fmt.Errorf("%w (last attempt: %w)", err, lastErr)
			}
			return nil, d.fail(ErrServiceUnavailable, call, attempts, err)
		}
		attempts++
		tried.Add(target.ID)

		resp, err := d.attempt(ctx, call, target, attempts)
		if err == nil {
			resp.Instance = target
			return resp, nil
		}
		lastErr = err

		d.logger.Debug("Attempt failed",
			slog.String("service", call.Service),
			slog.String("instance", target.ID),
			slog.String("address", target.Address),
			slog.Int("attempt", attempts),
			slog.Any("err", err))

		if ctx.Err() != nil {
			return nil, d.fail(ErrRetriesExhausted, call, attempts, err)
		}
	}

	return nil, d.fail(ErrRetriesExhausted, call, attempts, lastErr)
}

// attempt runs one breaker-guarded call. The breaker learns the outcome of
// every call it admitted exactly once, including canceled ones.
func (d *Dispatcher) attempt(ctx context.Context, call Call, target registry.Instance, n int) (*Response, error) {
	outcome := CallOutcome{
		Caller:  call.Caller,
		Service: call.Service,
		Target:  target.ID,
		Address: target.Address,
		Attempt: n,
	}

	cb, err := d.breakers.Get(call.Caller, target.ID)
	if err != nil {
		outcome.ErrorKind = KindCircuitOpen
		d.emit(outcome)
		return nil, err
	}

	permit, err := cb.Allow()
	if err != nil {
		outcome.ErrorKind = KindCircuitOpen
		d.emit(outcome)
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.PerAttemptTimeout)
	start := time.Now()
	resp, err := d.transport.Do(attemptCtx, target.Address, call.Request)
	outcome.Latency = time.Since(start)
	kind, err := classify(ctx, attemptCtx, resp, err)
	cancel()

	cb.Done(permit, err == nil)

	outcome.Success = err == nil
	outcome.ErrorKind = kind
	d.emit(outcome)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func classify(parent, attemptCtx context.Context, resp *Response, err error) (ErrorKind, error) {
	switch {
	case err != nil && parent.Err() != nil:
		return KindCanceled, fmt.Errorf("attempt canceled: %w", parent.Err())
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded)):
		return KindTimeout, fmt.Errorf("attempt timed out: %w", err)
	case err != nil:
		return KindConnection, err
	case resp == nil:
		return KindConnection, errors.New("transport returned no response")
	case isUnavailableStatus(resp.StatusCode):
		return KindUpstreamStatus, &StatusError{StatusCode: resp.StatusCode}
	default:
		return KindNone, nil
	}
}

func isUnavailableStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func (d *Dispatcher) emit(outcome CallOutcome) {
	if d.observe != nil {
		d.observe(outcome)
	}
}

func (d *Dispatcher) fail(kind error, call Call, attempts int, cause error) error {
	d.logger.Warn("Dispatch failed",
		slog.String("service", call.Service),
		slog.String("caller", call.Caller),
		slog.Int("attempts", attempts),
		slog.String("kind", kind.Error()),
		slog.Any("err", cause))

	return &Error{
		Kind:     kind,
		Service:  call.Service,
		Attempts: attempts,
		Cause:    cause,
	}
}
