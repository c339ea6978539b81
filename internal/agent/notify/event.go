// Package notify provides the in-process wake-up primitives used by the stores
// and the query runner: a resettable Event and a keyed Registry of events.
//
// Events are level triggered. A Set that happens before anyone waits is not
// lost; the next Wait returns immediately.
package notify

import (
	"context"
	"sync"
)

// Event is a resettable signal, safe for concurrent use.
// The zero value is not usable; call NewEvent.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent returns a cleared event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// NewSetEvent returns an event that starts in the set state.
func NewSetEvent() *Event {
	e := NewEvent()
	e.Set()
	return e
}

// Set wakes every current and future waiter until Clear is called. Idempotent.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear resets the event. Idempotent.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// C returns a channel closed when the event is set. The channel is replaced on
// Clear, so callers must re-read it after clearing.
func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAndClear waits for the event and clears it, so each Set is consumed once.
func (e *Event) WaitAndClear(ctx context.Context) error {
	if err := e.Wait(ctx); err != nil {
		return err
	}
	e.Clear()
	return nil
}
