package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

const publishTimeout = 2 * time.Second

// Publisher delivers envelopes to one destination.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

type Bus struct {
	eventCh    chan Envelope
	publishers []Publisher
	logger     *slog.Logger
	dropped    atomic.Uint64
	done       chan struct{}
}

func NewBus(bufferSize int, logger *slog.Logger, publishers ...Publisher) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		eventCh:    make(chan Envelope, bufferSize),
		publishers: publishers,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Emit queues env for delivery. It never blocks; false means the buffer was
// full and env was dropped.
func (b *Bus) Emit(env Envelope) bool {
	select {
	case b.eventCh <- env:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// InstanceChanged emits a registry status change.
func (b *Bus) InstanceChanged(ev registry.Event) {
	b.Emit(InstanceStatus(ev))
}

// CircuitChanged emits a breaker transition.
func (b *Bus) CircuitChanged(sc circuitbreaker.StateChange) {
	b.Emit(CircuitState(sc))
}

// Watch emits every event read from a registry subscription until ctx is
// done or the channel closes.
func (b *Bus) Watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.InstanceChanged(ev)
		}
	}
}

func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Start delivers queued envelopes until ctx is cancelled. Envelopes still
// buffered at that point are delivered before the publishers are closed.
func (b *Bus) Start(ctx context.Context) {
	go b.run(ctx)
}

// Done is closed once the bus has drained and closed its publishers.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) run(ctx context.Context) {
	b.logger.Info("Event bus started", slog.Int("publishers", len(b.publishers)))
	defer close(b.done)
	defer b.logger.Info("Event bus stopped")

	for {
		select {
		case env := <-b.eventCh:
			b.deliver(env)
		case <-ctx.Done():
			b.drain()
			b.closePublishers()
			return
		}
	}
}

func (b *Bus) deliver(env Envelope) {
	for _, p := range b.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.Publish(ctx, env)
		cancel()
		if err != nil {
			b.logger.Warn("Failed to publish event",
				slog.String("type", string(env.Type)),
				slog.String("id", env.ID),
				slog.Any("err", err))
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case env := <-b.eventCh:
			b.deliver(env)
		default:
			return
		}
	}
}

func (b *Bus) closePublishers() {
	for _, p := range b.publishers {
		if err := p.Close(); err != nil {
			b.logger.Warn("Failed to close publisher", slog.Any("err", err))
		}
	}
}
