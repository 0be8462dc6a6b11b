package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/events"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []message
	drained  bool
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, message{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

var _ = Describe("Publishers", func() {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	Describe("NATSPublisher", func() {
		var (
			conn      *fakeConn
			publisher *events.NATSPublisher
		)

		BeforeEach(func() {
			conn = &fakeConn{}
			publisher = events.NewNATSPublisher(conn, "fabric")
		})

		It("should publish instance changes on the registry subject as JSON", func() {
			env := events.InstanceStatus(registry.Event{
				InstanceID:  "inst-1",
				ServiceName: "job-service",
				OldStatus:   registry.StatusHealthy,
				NewStatus:   registry.StatusUnhealthy,
				At:          at,
			})
			Expect(publisher.Publish(context.Background(), env)).To(Succeed())

			Expect(conn.messages).To(HaveLen(1))
			Expect(conn.messages[0].subject).To(Equal("fabric.registry"))

			var decoded map[string]any
			Expect(json.Unmarshal(conn.messages[0].data, &decoded)).To(Succeed())
			Expect(decoded["type"]).To(Equal("instance.status"))
			Expect(decoded["id"]).To(Equal(env.ID))
			payload := decoded["payload"].(map[string]any)
			Expect(payload["instanceId"]).To(Equal("inst-1"))
			Expect(payload["newStatus"]).To(Equal("unhealthy"))
		})

		It("should publish breaker changes on the circuit subject", func() {
			env := events.CircuitState(circuitbreaker.StateChange{
				Caller: "gateway", Target: "inst-1",
				Old: circuitbreaker.StateClosed, New: circuitbreaker.StateOpen, At: at,
			})
			Expect(publisher.Publish(context.Background(), env)).To(Succeed())
			Expect(conn.messages[0].subject).To(Equal("fabric.circuit"))
			Expect(string(conn.messages[0].data)).To(ContainSubstring(`"newState":"OPEN"`))
		})

		It("should default the subject prefix", func() {
			Expect(events.NewNATSPublisher(conn, "").Subject(events.TypeCircuitState)).To(Equal("fabric.circuit"))
		})

		It("should not publish once the context is done", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(publisher.Publish(ctx, events.InstanceStatus(registry.Event{}))).To(MatchError(context.Canceled))
			Expect(conn.messages).To(BeEmpty())
		})

		It("should wrap connection errors", func() {
			conn.err = errors.New("nats: connection closed")
			err := publisher.Publish(context.Background(), events.InstanceStatus(registry.Event{}))
			Expect(err).To(MatchError(conn.err))
		})

		It("should drain the connection on close", func() {
			Expect(publisher.Close()).To(Succeed())
			Expect(conn.drained).To(BeTrue())
		})
	})

	Describe("LogPublisher", func() {
		It("should log the envelope", func() {
			var buf bytes.Buffer
			publisher := events.NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

			env := events.InstanceStatus(registry.Event{InstanceID: "inst-1", At: at})
			Expect(publisher.Publish(context.Background(), env)).To(Succeed())
			Expect(buf.String()).To(ContainSubstring(`"type":"instance.status"`))
			Expect(buf.String()).To(ContainSubstring(env.ID))
		})
	})
})
