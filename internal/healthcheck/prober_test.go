package healthcheck_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fabric-gateway/internal/clock"
	"github.com/angeloszaimis/fabric-gateway/internal/healthcheck"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

var errDown = errors.New("down")

type fakeChecker struct {
	mutex   sync.Mutex
	results map[string]error
	calls   atomic.Int64
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{results: make(map[string]error)}
}

func (f *fakeChecker) Set(address string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.results[address] = err
}

func (f *fakeChecker) Check(_ context.Context, inst registry.Instance) error {
	f.calls.Add(1)
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.results[inst.Address]
}

var _ = Describe("Prober", func() {
	var (
		clk     *clock.Manual
		reg     *registry.Registry
		checker *fakeChecker
		prober  *healthcheck.Prober
		cfg     healthcheck.Config
		logger  *slog.Logger
	)

	status := func(id string) registry.Status {
		inst, err := reg.Get(id)
		Expect(err).NotTo(HaveOccurred())
		return inst.Status
	}

	BeforeEach(func() {
		clk = clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		reg = registry.New(registry.WithClock(clk), registry.WithGoneRetention(time.Minute))
		checker = newFakeChecker()
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		cfg = healthcheck.Config{
			Interval:           10 * time.Millisecond,
			Timeout:            time.Second,
			UnhealthyThreshold: 2,
			HealthyThreshold:   2,
			RegistrationGrace:  30 * time.Second,
			Workers:            4,
		}
	})

	JustBeforeEach(func() {
		prober = healthcheck.New(reg, checker, cfg, clk, logger)
	})

	Describe("Sweep", func() {
		It("should promote a Starting instance after HealthyThreshold successes", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")

			prober.Sweep(context.Background())
			Expect(status(inst.ID)).To(Equal(registry.StatusStarting))

			prober.Sweep(context.Background())
			Expect(status(inst.ID)).To(Equal(registry.StatusHealthy))
		})

		It("should mark a Healthy instance Unhealthy after UnhealthyThreshold failures", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
			Expect(reg.Transition(inst.ID, registry.StatusStarting, registry.StatusHealthy)).To(Succeed())
			checker.Set(inst.Address, errDown)

			prober.Sweep(context.Background())
			Expect(status(inst.ID)).To(Equal(registry.StatusHealthy))

			prober.Sweep(context.Background())
			Expect(status(inst.ID)).To(Equal(registry.StatusUnhealthy))
		})

		It("should need consecutive results to change status", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
			Expect(reg.Transition(inst.ID, registry.StatusStarting, registry.StatusHealthy)).To(Succeed())

			for i := 0; i < 4; i++ {
				if i%2 == 0 {
					checker.Set(inst.Address, errDown)
				} else {
					checker.Set(inst.Address, nil)
				}
				prober.Sweep(context.Background())
				Expect(status(inst.ID)).To(Equal(registry.StatusHealthy))
			}
		})

		It("should bring an Unhealthy instance back after HealthyThreshold successes", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
			Expect(reg.Transition(inst.ID, registry.StatusStarting, registry.StatusHealthy)).To(Succeed())
			Expect(reg.Transition(inst.ID, registry.StatusHealthy, registry.StatusUnhealthy)).To(Succeed())

			prober.Sweep(context.Background())
			prober.Sweep(context.Background())
			Expect(status(inst.ID)).To(Equal(registry.StatusHealthy))
		})

		It("should keep a failing Starting instance in Starting", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
			checker.Set(inst.Address, errDown)

			for i := 0; i < 3; i++ {
				prober.Sweep(context.Background())
			}
			Expect(status(inst.ID)).To(Equal(registry.StatusStarting))
		})

		It("should not probe Draining instances", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
			Expect(reg.Drain(inst.ID)).To(Succeed())

			prober.Sweep(context.Background())
			Expect(checker.calls.Load()).To(BeZero())
			Expect(status(inst.ID)).To(Equal(registry.StatusDraining))
		})

		Context("with instances stuck in Starting", func() {
			It("should remove them once the grace period passes without heartbeat", func() {
				inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
				checker.Set(inst.Address, errDown)

				clk.Advance(31 * time.Second)
				prober.Sweep(context.Background())

				Expect(status(inst.ID)).To(Equal(registry.StatusGone))
				Expect(reg.Snapshot("job-service").Instances).To(BeEmpty())
			})

			It("should keep them while heartbeats arrive", func() {
				inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
				checker.Set(inst.Address, errDown)

				clk.Advance(20 * time.Second)
				Expect(reg.Heartbeat(inst.ID)).To(Succeed())
				clk.Advance(20 * time.Second)
				prober.Sweep(context.Background())

				Expect(status(inst.ID)).To(Equal(registry.StatusStarting))
			})

			It("should never remove instances that were healthy once", func() {
				inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
				Expect(reg.Transition(inst.ID, registry.StatusStarting, registry.StatusHealthy)).To(Succeed())
				checker.Set(inst.Address, errDown)

				clk.Advance(time.Hour)
				prober.Sweep(context.Background())
				prober.Sweep(context.Background())

				Expect(status(inst.ID)).To(Equal(registry.StatusUnhealthy))
			})
		})

		It("should purge Gone instances after retention and forget their streaks", func() {
			inst, _ := reg.Register("job-service", "http://10.0.0.1:8080")
			prober.Sweep(context.Background())
			Expect(prober.Tracked()).To(Equal(1))

			Expect(reg.Deregister(inst.ID)).To(Succeed())
			clk.Advance(2 * time.Minute)
			prober.Sweep(context.Background())

			Expect(reg.Known(inst.ID)).To(BeFalse())
			Expect(prober.Tracked()).To(BeZero())
		})

		It("should probe many instances with bounded workers", func() {
			for i := 0; i < 20; i++ {
				_, err := reg.Register("job-service", fmt.Sprintf("http://10.0.1.%d:8080", i+1))
				Expect(err).NotTo(HaveOccurred())
			}

			prober.Sweep(context.Background())
			prober.Sweep(context.Background())

			Expect(checker.calls.Load()).To(Equal(int64(40)))
			Expect(reg.Counts("job-service").Healthy).To(Equal(20))
		})
	})

	Describe("Run", func() {
		It("should sweep on every tick until the context is cancelled", func() {
			_, _ = reg.Register("job-service", "http://10.0.0.1:8080")

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				prober.Run(ctx)
				close(done)
			}()

			Eventually(func() int64 { return checker.calls.Load() }).Should(BeNumerically(">=", 2))
			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})
