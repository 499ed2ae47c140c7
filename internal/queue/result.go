package queue

import (
	"errors"
	"fmt"

	"github.com/roach88/reshape/internal/metrics"
)

// Status is the outcome tag of a queue unit.
type Status int

const (
	// StatusPending means the unit has not settled yet.
	StatusPending Status = iota
	// StatusSucceeded means the unit returned a value.
	StatusSucceeded
	// StatusCancelled means the handle was cancelled before the unit settled.
	StatusCancelled
	// StatusFailed means the unit returned an error or panicked.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return metrics.StatusSucceeded
	case StatusCancelled:
		return metrics.StatusCancelled
	case StatusFailed:
		return metrics.StatusFailed
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the three-way outcome of a unit. Exactly one of Value (on
// StatusSucceeded) or Err (on StatusFailed) is meaningful; a cancelled
// result carries neither.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

func (r Result[T]) Succeeded() bool { return r.Status == StatusSucceeded }
func (r Result[T]) Cancelled() bool { return r.Status == StatusCancelled }
func (r Result[T]) Failed() bool    { return r.Status == StatusFailed }

// ErrClosed is the error of units submitted after Close.
var ErrClosed = errors.New("queue: closed")

// PanicError wraps a value recovered from a panicking unit.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("queue: unit panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsPanic reports whether err came from a recovered panic.
// Uses errors.As to handle wrapped errors.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
