package circuitbreaker_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fabric-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/fabric-gateway/internal/clock"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

var _ = Describe("Set", func() {
	var (
		clk     *clock.Manual
		reg     *registry.Registry
		set     *circuitbreaker.Set
		changes chan circuitbreaker.StateChange
		a, b    registry.Instance
	)

	BeforeEach(func() {
		clk = clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		reg = registry.New(registry.WithClock(clk))
		changes = make(chan circuitbreaker.StateChange, 16)
		set = circuitbreaker.NewSet(circuitbreaker.Config{
			FailureThreshold: 2,
			Cooldown:         time.Second,
			CooldownCap:      time.Minute,
		}, reg, clk, func(sc circuitbreaker.StateChange) {
			changes <- sc
		})

		a, _ = reg.Register("job-service", "http://10.0.0.1:8080")
		b, _ = reg.Register("job-service", "http://10.0.0.2:8080")
	})

	Describe("Get", func() {
		It("should return the same breaker for the same pair", func() {
			cb1, err := set.Get("gateway", a.ID)
			Expect(err).NotTo(HaveOccurred())
			cb2, err := set.Get("gateway", a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cb1).To(BeIdenticalTo(cb2))
		})

		It("should keep callers isolated from each other", func() {
			cb1, _ := set.Get("gateway", a.ID)
			cb2, _ := set.Get("billing", a.ID)
			Expect(cb1).NotTo(BeIdenticalTo(cb2))

			record(cb1, false)
			record(cb1, false)
			Expect(set.Available("gateway", a.ID)).To(BeFalse())
			Expect(set.Available("billing", a.ID)).To(BeTrue())
		})

		It("should refuse targets the registry has never seen", func() {
			_, err := set.Get("gateway", "ghost")
			Expect(err).To(MatchError(circuitbreaker.ErrUnknownTarget))
			Expect(set.Stats()).To(BeEmpty())
		})

		It("should refuse targets that already went Gone", func() {
			Expect(reg.Deregister(a.ID)).To(Succeed())
			Expect(reg.Known(a.ID)).To(BeTrue())

			_, err := set.Get("gateway", a.ID)
			Expect(err).To(MatchError(circuitbreaker.ErrUnknownTarget))
			Expect(set.Stats()).To(BeEmpty())
		})

		It("should create one breaker under concurrent access", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					cb, err := set.Get("gateway", a.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(cb).NotTo(BeNil())
				}()
			}
			wg.Wait()
			Expect(set.Stats()).To(HaveLen(1))
		})
	})

	Describe("Available", func() {
		It("should treat pairs without a breaker as available", func() {
			Expect(set.Available("gateway", b.ID)).To(BeTrue())
		})
	})

	Describe("state changes", func() {
		It("should report transitions with caller and target", func() {
			cb, _ := set.Get("gateway", a.ID)
			record(cb, false)
			record(cb, false)

			var sc circuitbreaker.StateChange
			Eventually(changes).Should(Receive(&sc))
			Expect(sc.Caller).To(Equal("gateway"))
			Expect(sc.Target).To(Equal(a.ID))
			Expect(sc.Old).To(Equal(circuitbreaker.StateClosed))
			Expect(sc.New).To(Equal(circuitbreaker.StateOpen))
			Expect(sc.At).To(Equal(clk.Now()))
		})
	})

	Describe("Forget and Watch", func() {
		It("should drop every breaker of a target", func() {
			_, _ = set.Get("gateway", a.ID)
			_, _ = set.Get("billing", a.ID)
			_, _ = set.Get("gateway", b.ID)

			Expect(set.Forget(a.ID)).To(Equal(2))
			Expect(set.Stats()).To(HaveLen(1))
		})

		It("should forget targets once they go Gone", func() {
			events, cancel := reg.Subscribe(16)
			defer cancel()

			ctx, stop := context.WithCancel(context.Background())
			defer stop()
			go set.Watch(ctx, events)

			_, _ = set.Get("gateway", a.ID)
			_, _ = set.Get("gateway", b.ID)
			Expect(reg.Deregister(a.ID)).To(Succeed())

			Eventually(func() int { return len(set.Stats()) }).Should(Equal(1))
			Expect(set.Stats()).To(HaveKey(circuitbreaker.Key{Caller: "gateway", Target: b.ID}))
		})

		It("should stop watching when the channel closes", func() {
			events := make(chan registry.Event)
			done := make(chan struct{})
			go func() {
				set.Watch(context.Background(), events)
				close(done)
			}()
			close(events)
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("Prune", func() {
		It("should drop breakers whose Gone event was never seen", func() {
			_, _ = set.Get("gateway", a.ID)
			_, _ = set.Get("billing", a.ID)
			_, _ = set.Get("gateway", b.ID)
			Expect(reg.Deregister(a.ID)).To(Succeed())

			Expect(set.Prune()).To(Equal(2))
			Expect(set.Stats()).To(HaveLen(1))
			Expect(set.Stats()).To(HaveKey(circuitbreaker.Key{Caller: "gateway", Target: b.ID}))
		})

		It("should drop breakers of purged targets", func() {
			_, _ = set.Get("gateway", a.ID)
			Expect(reg.Deregister(a.ID)).To(Succeed())
			clk.Advance(time.Hour)
			Expect(reg.PurgeGone()).To(Equal(1))

			Expect(set.Prune()).To(Equal(1))
			Expect(set.Stats()).To(BeEmpty())
		})

		It("should keep breakers of live targets", func() {
			_, _ = set.Get("gateway", a.ID)
			Expect(set.Prune()).To(BeZero())
			Expect(set.Stats()).To(HaveLen(1))
		})
	})

	Describe("Reset", func() {
		It("should clear all breakers", func() {
			_, _ = set.Get("gateway", a.ID)
			_, _ = set.Get("gateway", b.ID)
			set.Reset()
			Expect(set.Stats()).To(BeEmpty())
		})
	})

	Describe("Stats", func() {
		It("should return the state of all breakers", func() {
			cbA, _ := set.Get("gateway", a.ID)
			_, _ = set.Get("gateway", b.ID)
			record(cbA, false)
			record(cbA, false)

			stats := set.Stats()
			Expect(stats[circuitbreaker.Key{Caller: "gateway", Target: a.ID}].State).To(Equal(circuitbreaker.StateOpen))
			Expect(stats[circuitbreaker.Key{Caller: "gateway", Target: b.ID}].State).To(Equal(circuitbreaker.StateClosed))
		})
	})
})
