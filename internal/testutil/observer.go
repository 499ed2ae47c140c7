package testutil

import (
	"slices"
	"sync"

	"github.com/roach88/reshape/internal/engine"
)

// Observations collects every state an engine notifies.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Observations[T any] struct {
	mu     sync.Mutex
	states []T
}

// NewObservations creates an empty collector.
func NewObservations[T any]() *Observations[T] {
	return &Observations[T]{}
}

// Observer returns a registrable observer appending to o. Each call
// returns a distinct registration.
func (o *Observations[T]) Observer() *engine.Observer[T] {
	return engine.NewObserver(func(state T) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.states = append(o.states, state)
	})
}

// Count returns the number of notifications so far.
func (o *Observations[T]) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

// States returns a copy of the notified states in order.
func (o *Observations[T]) States() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.states)
}

// Last returns the newest notified state. ok is false before the first
// notification.
func (o *Observations[T]) Last() (state T, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.states) == 0 {
		return state, false
	}
	return o.states[len(o.states)-1], true
}

// Reset forgets all notifications, for reuse across runs.
func (o *Observations[T]) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = nil
}
