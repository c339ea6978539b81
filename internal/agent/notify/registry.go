package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an idle, unwatched entry survives before it is swept.
const DefaultTTL = 30 * time.Minute

type entry struct {
	ev      *Event
	touched time.Time
	waiters int
}

// Registry maps keys to lazily created events. Entries untouched for longer
// than the TTL with no active waiter are dropped on a later access, which
// bounds memory without a background goroutine.
type Registry[K comparable] struct {
	mu        sync.Mutex
	entries   map[K]*entry
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRegistry returns an empty registry. A non-positive ttl uses DefaultTTL.
func NewRegistry[K comparable](ttl time.Duration) *Registry[K] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry[K]{
		entries: make(map[K]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry[K]) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	r.lastSweep = now()
}

// Watch returns the event for key, creating it if needed. Watching before the
// producer signals guarantees the signal is observed by the next Wait.
func (r *Registry[K]) Watch(key K) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(key).ev
}

// Notify sets the event for key, creating it if nobody watches yet.
func (r *Registry[K]) Notify(key K) {
	r.mu.Lock()
	e := r.getOrCreateLocked(key)
	r.mu.Unlock()
	e.ev.Set()
}

// NotifyWatched sets the event for key only when it is already watched.
func (r *Registry[K]) NotifyWatched(key K) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.touched = r.now()
	}
	r.maybeSweepLocked()
	r.mu.Unlock()
	if ok {
		e.ev.Set()
	}
	return ok
}

// Wait blocks until key is notified, timeout elapses or ctx is done, then
// clears the event. It reports true when woken by a notification and false on
// timeout; a timeout is not an error. A non-positive timeout waits without bound.
func (r *Registry[K]) Wait(ctx context.Context, key K, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	e := r.getOrCreateLocked(key)
	e.waiters++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		e.waiters--
		e.touched = r.now()
		r.mu.Unlock()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-e.ev.C():
		e.ev.Clear()
		return true, nil
	case <-timer:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Forget drops key regardless of age.
func (r *Registry[K]) Forget(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Len returns the number of tracked keys.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops every idle entry older than the TTL and returns how many it removed.
func (r *Registry[K]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

func (r *Registry[K]) getOrCreateLocked(key K) *entry {
	r.maybeSweepLocked()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{ev: NewEvent()}
		r.entries[key] = e
	}
	e.touched = r.now()
	return e
}

func (r *Registry[K]) maybeSweepLocked() {
	if r.now().Sub(r.lastSweep) < r.ttl/4 {
		return
	}
	r.sweepLocked()
}

func (r *Registry[K]) sweepLocked() int {
	now := r.now()
	r.lastSweep = now
	removed := 0
	for k, e := range r.entries {
		if e.waiters == 0 && now.Sub(e.touched) > r.ttl {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}
