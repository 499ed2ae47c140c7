package engine

import (
	"fmt"
	"slices"
)

// Task is one element of a dispatch call: an Action or an InlineHandler.
// The interface is sealed; other implementations cannot be declared
// outside this package.
type Task interface {
	isTask()
}

// Action is an externally dispatched intent. ID selects handlers; it is a
// string, an integer, or nil for the settle action.
type Action struct {
	ID      any
	Payload any
}

// SettleAction is passed to handlers on every settle pass. It has a nil ID
// and no payload.
var SettleAction = Action{}

func (Action) isTask() {}

// IsSettle reports whether a is the settle action.
func (a Action) IsSettle() bool {
	return a.ID == nil
}

// Label renders the ID for logs and records.
func (a Action) Label() string {
	if a.ID == nil {
		return "settle"
	}
	return fmt.Sprint(a.ID)
}

// InlineHandler is a one-off transition supplied directly to Dispatch. It
// bypasses the registered handlers. The returned state is adopted only when
// the second result is true.
type InlineHandler[T any] func(state T) (T, bool)

func (InlineHandler[T]) isTask() {}

// Dispatcher submits a new dispatch call. Handlers receive one so they can
// schedule follow-up work; the call returns immediately.
type Dispatcher func(tasks ...Task)

// HandlerFunc reacts to an action. Returning false as the second result
// leaves the state untouched regardless of the returned value.
type HandlerFunc[T any] func(state T, action Action, dispatch Dispatcher) (T, bool)

// ActionHandler is a named, registrable HandlerFunc. Registration is keyed
// by pointer identity.
type ActionHandler[T any] struct {
	name string
	fn   HandlerFunc[T]
}

// NewActionHandler wraps fn for registration with AddHandlers.
func NewActionHandler[T any](name string, fn HandlerFunc[T]) *ActionHandler[T] {
	return &ActionHandler[T]{name: name, fn: fn}
}

// Name returns the name given to NewActionHandler.
func (h *ActionHandler[T]) Name() string { return h.name }

// Observer is notified with the final state of every dispatch call that
// changed state.
type Observer[T any] struct {
	fn func(T)
}

// NewObserver wraps fn for registration with AddOnChange.
func NewObserver[T any](fn func(T)) *Observer[T] {
	return &Observer[T]{fn: fn}
}

// StateAccessor supplies the authoritative current state.
type StateAccessor[T any] func() T

// registry is an insertion-ordered set keyed by identity.
type registry[E comparable] struct {
	items []E
}

func (r *registry[E]) add(e E) bool {
	if slices.Contains(r.items, e) {
		return false
	}
	r.items = append(r.items, e)
	return true
}

func (r *registry[E]) remove(e E) bool {
	i := slices.Index(r.items, e)
	if i < 0 {
		return false
	}
	r.items = slices.Delete(r.items, i, i+1)
	return true
}

// snapshot returns a copy that later add/remove calls cannot affect.
func (r *registry[E]) snapshot() []E {
	return slices.Clone(r.items)
}

func validActionID(id any) bool {
	switch id.(type) {
	case nil, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}

func taskLabel(t Task) string {
	switch t := t.(type) {
	case Action:
		return t.Label()
	case nil:
		return "<nil>"
	default:
		return "inline"
	}
}

func taskLabels(tasks []Task) []string {
	labels := make([]string, len(tasks))
	for i, t := range tasks {
		labels[i] = taskLabel(t)
	}
	return labels
}
