package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/fabric-gateway/internal/clock"
)

const defaultGoneRetention = 30 * time.Second

type entry struct {
	mutex  sync.Mutex
	inst   Instance
	seq    uint64
	goneAt time.Time
}

// bucket holds the live entries of one service in registration order.
type bucket struct {
	mutex   sync.RWMutex
	entries []*entry
}

// Registry is the authoritative store of service instances.
//
// Reads of one service only lock that service's bucket. Status changes are
// serialized per instance, so two writers can never leave an instance in a
// status neither of them asked for.
type Registry struct {
	clock         clock.Clock
	goneRetention time.Duration

	services  sync.Map // service name -> *bucket
	instances sync.Map // instance id -> *entry, Gone entries kept until purged
	seq       atomic.Uint64

	addrMutex sync.Mutex
	addresses map[string]string // address -> id of the active holder

	subMutex    sync.RWMutex
	subscribers map[uint64]chan Event
	nextSub     uint64
	dropped     atomic.Uint64
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithGoneRetention sets how long Gone instances stay resolvable by ID
// before PurgeGone drops them.
func WithGoneRetention(d time.Duration) Option {
	return func(r *Registry) { r.goneRetention = d }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock:         clock.Real(),
		goneRetention: defaultGoneRetention,
		addresses:     make(map[string]string),
		subscribers:   make(map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an instance in Starting status. Registering the same
// service and address again returns the existing instance.
func (r *Registry) Register(serviceName, address string) (Instance, error) {
	serviceName = strings.TrimSpace(serviceName)
	address = strings.TrimSpace(address)
	if serviceName == "" || address == "" {
		return Instance{}, ErrInvalidInstance
	}

	r.addrMutex.Lock()
	defer r.addrMutex.Unlock()

	if id, ok := r.addresses[address]; ok {
		if existing, err := r.Get(id); err == nil && existing.Status != StatusGone {
			if existing.ServiceName == serviceName {
				return existing, nil
			}
			return Instance{}, fmt.Errorf("%w: %s is held by %s/%s",
				ErrDuplicateAddress, address, existing.ServiceName, existing.ID)
		}
	}

	b := r.bucketFor(serviceName)
	b.mutex.Lock()
	now := r.clock.Now()
	e := &entry{
		seq: r.seq.Add(1),
		inst: Instance{
			ID:            uuid.NewString(),
			ServiceName:   serviceName,
			Address:       address,
			RegisteredAt:  now,
			LastHeartbeat: now,
			Status:        StatusStarting,
		},
	}
	// Held until Starting is published so no transition of this instance
	// can be announced before it.
	e.mutex.Lock()
	r.instances.Store(e.inst.ID, e)
	b.entries = append(b.entries, e)
	b.mutex.Unlock()

	r.addresses[address] = e.inst.ID

	inst := e.inst
	r.publish(Event{
		InstanceID:  inst.ID,
		ServiceName: inst.ServiceName,
		Address:     inst.Address,
		OldStatus:   StatusUnknown,
		NewStatus:   StatusStarting,
		At:          now,
	})
	e.mutex.Unlock()

	return inst, nil
}

// Deregister moves an instance to Gone.
func (r *Registry) Deregister(id string) error {
	return r.update(id, func(Status) (Status, error) {
		return StatusGone, nil
	})
}

// Drain stops new traffic to an instance while it finishes in-flight work.
// Draining an already draining instance is a no-op.
func (r *Registry) Drain(id string) error {
	return r.update(id, func(current Status) (Status, error) {
		return StatusDraining, nil
	})
}

// Transition moves an instance from one status to another, failing with
// ErrStatusConflict if the instance is no longer in from.
func (r *Registry) Transition(id string, from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.update(id, func(current Status) (Status, error) {
		if current != from {
			return current, fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, current)
		}
		return to, nil
	})
}

// Heartbeat records that the instance is still alive.
func (r *Registry) Heartbeat(id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.inst.Status == StatusGone {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.inst.LastHeartbeat = r.clock.Now()
	return nil
}

// update applies next to the instance's current status under the instance
// lock. Gone instances are reported as not found.
func (r *Registry) update(id string, next func(current Status) (Status, error)) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mutex.Lock()
	current := e.inst.Status
	if current == StatusGone {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	to, err := next(current)
	if err != nil {
		e.mutex.Unlock()
		return err
	}
	if to == current {
		e.mutex.Unlock()
		return nil
	}
	if !current.CanTransition(to) {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	now := r.clock.Now()
	e.inst.Status = to
	if to == StatusHealthy {
		e.inst.EverHealthy = true
	}
	if to == StatusGone {
		e.goneAt = now
	}
	inst := e.inst
	r.publish(Event{
		InstanceID:  inst.ID,
		ServiceName: inst.ServiceName,
		Address:     inst.Address,
		OldStatus:   current,
		NewStatus:   to,
		At:          now,
	})
	e.mutex.Unlock()

	if to == StatusGone {
		r.retire(e, inst)
	}
	return nil
}

// retire unlinks a Gone entry from its bucket and the address index. The
// entry itself stays resolvable by ID until PurgeGone.
func (r *Registry) retire(e *entry, inst Instance) {
	if v, ok := r.services.Load(inst.ServiceName); ok {
		b := v.(*bucket)
		b.mutex.Lock()
		for i, candidate := range b.entries {
			if candidate == e {
				b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
				break
			}
		}
		b.mutex.Unlock()
	}

	r.addrMutex.Lock()
	if r.addresses[inst.Address] == inst.ID {
		delete(r.addresses, inst.Address)
	}
	r.addrMutex.Unlock()
}

// Snapshot returns the non-Gone instances of a service ordered by
// registration time.
func (r *Registry) Snapshot(serviceName string) Snapshot {
	snap := Snapshot{ServiceName: serviceName, TakenAt: r.clock.Now()}

	v, ok := r.services.Load(serviceName)
	if !ok {
		snap.Instances = []Instance{}
		return snap
	}
	snap.Instances = v.(*bucket).copyLive()
	return snap
}

func (b *bucket) copyLive() []Instance {
	b.mutex.RLock()
	type ordered struct {
		inst Instance
		seq  uint64
	}
	live := make([]ordered, 0, len(b.entries))
	for _, e := range b.entries {
		e.mutex.Lock()
		if e.inst.Status != StatusGone {
			live = append(live, ordered{inst: e.inst, seq: e.seq})
		}
		e.mutex.Unlock()
	}
	b.mutex.RUnlock()

	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].inst.RegisteredAt.Equal(live[j].inst.RegisteredAt) {
			return live[i].inst.RegisteredAt.Before(live[j].inst.RegisteredAt)
		}
		return live[i].seq < live[j].seq
	})

	out := make([]Instance, len(live))
	for i, o := range live {
		out[i] = o.inst
	}
	return out
}

// Instances returns every non-Gone instance across all services.
func (r *Registry) Instances() []Instance {
	var all []Instance
	for _, name := range r.Services() {
		all = append(all, r.Snapshot(name).Instances...)
	}
	return all
}

// Services lists the names of services with at least one live instance.
func (r *Registry) Services() []string {
	var names []string
	r.services.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mutex.RLock()
		if len(b.entries) > 0 {
			names = append(names, key.(string))
		}
		b.mutex.RUnlock()
		return true
	})
	sort.Strings(names)
	return names
}

func (r *Registry) Counts(serviceName string) Counts {
	var c Counts
	for _, inst := range r.Snapshot(serviceName).Instances {
		switch inst.Status {
		case StatusStarting:
			c.Starting++
		case StatusHealthy:
			c.Healthy++
		case StatusUnhealthy:
			c.Unhealthy++
		case StatusDraining:
			c.Draining++
		}
	}
	return c
}

// Get returns a copy of the instance, including retained Gone instances.
func (r *Registry) Get(id string) (Instance, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.inst, nil
}

// Known reports whether the ID is, or recently was, registered.
func (r *Registry) Known(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// Live reports whether the ID belongs to an instance that is not Gone.
func (r *Registry) Live(id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.inst.Status != StatusGone
}

// PurgeGone forgets Gone instances older than the retention period and
// returns how many were removed.
func (r *Registry) PurgeGone() int {
	now := r.clock.Now()
	purged := 0
	r.instances.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mutex.Lock()
		expired := e.inst.Status == StatusGone && now.Sub(e.goneAt) >= r.goneRetention
		e.mutex.Unlock()
		if expired {
			r.instances.Delete(key)
			purged++
		}
		return true
	})
	return purged
}

// Subscribe returns a channel receiving every subsequent status change and a
// function that ends the subscription. Events are dropped, never queued
// without bound, when the subscriber falls behind.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	r.subMutex.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.subMutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMutex.Lock()
			delete(r.subscribers, id)
			r.subMutex.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many events were discarded because a subscriber's
// buffer was full.
func (r *Registry) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Registry) publish(event Event) {
	r.subMutex.RLock()
	defer r.subMutex.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			r.dropped.Add(1)
		}
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	v, ok := r.instances.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *Registry) bucketFor(serviceName string) *bucket {
	if v, ok := r.services.Load(serviceName); ok {
		return v.(*bucket)
	}
	v, _ := r.services.LoadOrStore(serviceName, &bucket{})
	return v.(*bucket)
}
