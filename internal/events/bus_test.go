package events_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/events"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

type recordingPublisher struct {
	mutex    sync.Mutex
	received []events.Envelope
	closed   bool
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.received = append(p.received, env)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) Received() []events.Envelope {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]events.Envelope(nil), p.received...)
}

func (p *recordingPublisher) Closed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

var _ = Describe("Bus", func() {
	var (
		publisher *recordingPublisher
		bus       *events.Bus
		logger    *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
		at        time.Time
	)

	BeforeEach(func() {
		publisher = &recordingPublisher{}
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx, cancel = context.WithCancel(context.Background())
		at = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		cancel()
	})

	statusEvent := func(id string) registry.Event {
		return registry.Event{
			InstanceID:  id,
			ServiceName: "job-service",
			Address:     "http://10.0.0.1:8080",
			OldStatus:   registry.StatusStarting,
			NewStatus:   registry.StatusHealthy,
			At:          at,
		}
	}

	It("should deliver envelopes to every publisher", func() {
		other := &recordingPublisher{}
		bus = events.NewBus(10, logger, publisher, other)
		bus.Start(ctx)

		bus.InstanceChanged(statusEvent("inst-1"))
		bus.CircuitChanged(circuitbreaker.StateChange{
			Caller: "gateway", Target: "inst-1",
			Old: circuitbreaker.StateClosed, New: circuitbreaker.StateOpen, At: at,
		})

		Eventually(publisher.Received).Should(HaveLen(2))
		Eventually(other.Received).Should(HaveLen(2))

		got := publisher.Received()
		Expect(got[0].Type).To(Equal(events.TypeInstanceStatus))
		Expect(got[0].At).To(Equal(at))
		Expect(got[0].ID).NotTo(BeEmpty())
		Expect(got[1].Type).To(Equal(events.TypeCircuitState))
		Expect(got[0].ID).NotTo(Equal(got[1].ID))
	})

	It("should drop and count envelopes when the buffer is full", func() {
		bus = events.NewBus(1, logger, publisher)

		Expect(bus.Emit(events.InstanceStatus(statusEvent("inst-1")))).To(BeTrue())
		Expect(bus.Emit(events.InstanceStatus(statusEvent("inst-2")))).To(BeFalse())
		Expect(bus.Dropped()).To(Equal(uint64(1)))
	})

	It("should keep delivering when a publisher fails", func() {
		publisher.err = errors.New("broker down")
		bus = events.NewBus(10, logger, publisher)
		bus.Start(ctx)

		bus.InstanceChanged(statusEvent("inst-1"))
		bus.InstanceChanged(statusEvent("inst-2"))

		Eventually(publisher.Received).Should(HaveLen(2))
	})

	It("should drain buffered envelopes and close publishers on shutdown", func() {
		bus = events.NewBus(10, logger, publisher)
		for i := 0; i < 3; i++ {
			bus.InstanceChanged(statusEvent("inst-1"))
		}

		bus.Start(ctx)
		cancel()

		Eventually(bus.Done()).Should(BeClosed())
		Expect(publisher.Received()).To(HaveLen(3))
		Expect(publisher.Closed()).To(BeTrue())
	})

	It("should forward a registry subscription", func() {
		reg := registry.New()
		sub, unsubscribe := reg.Subscribe(16)
		defer unsubscribe()

		bus = events.NewBus(10, logger, publisher)
		bus.Start(ctx)
		go bus.Watch(ctx, sub)

		inst, err := reg.Register("job-service", "http://10.0.0.1:8080")
		Expect(err).NotTo(HaveOccurred())

		Eventually(publisher.Received).Should(HaveLen(1))
		payload, ok := publisher.Received()[0].Payload.(registry.Event)
		Expect(ok).To(BeTrue())
		Expect(payload.InstanceID).To(Equal(inst.ID))
		Expect(payload.NewStatus).To(Equal(registry.StatusStarting))
	})
})
