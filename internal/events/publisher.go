package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// LogPublisher writes every envelope to the log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, env Envelope) error {
	p.logger.Info("Event",
		slog.String("id", env.ID),
		slog.String("type", string(env.Type)),
		slog.Time("at", env.At),
		slog.Any("payload", env.Payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes envelopes as JSON to core NATS subjects
// <prefix>.registry and <prefix>.circuit.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

func NewNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "fabric"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// DialNATS connects to url and returns a publisher on that connection.
func DialNATS(url, name, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewNATSPublisher(conn, prefix), nil
}

// Subject returns the subject envelopes of type t are published on.
func (p *NATSPublisher) Subject(t Type) string {
	switch t {
	case TypeInstanceStatus:
		return p.prefix + ".registry"
	case TypeCircuitState:
		return p.prefix + ".circuit"
	default:
		return p.prefix + ".other"
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", env.ID, err)
	}
	if err := p.conn.Publish(p.Subject(env.Type), data); err != nil {
		return fmt.Errorf("publishing event %s: %w", env.ID, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
