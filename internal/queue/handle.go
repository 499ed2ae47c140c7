package queue

import (
	"context"
	"sync"

	"github.com/roach88/reshape/internal/metrics"
)

// Handle is the caller's view of a submitted unit: an awaitable result
// plus a cancel control.
//
// The handle settles exactly once. Whichever of completion, failure or
// Cancel gets there first determines the Result; later attempts are no-ops.
type Handle[T any] struct {
	q    *Queue[T]
	seq  int64
	unit Unit[T]

	ctx     context.Context
	release context.CancelFunc

	started bool // guarded by q.mu

	mu      sync.Mutex
	settled bool
	result  Result[T]
	done    chan struct{}
}

func newHandle[T any](q *Queue[T], seq int64, unit Unit[T]) *Handle[T] {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), seqKey{}, seq))
	return &Handle[T]{
		q:       q,
		seq:     seq,
		unit:    unit,
		ctx:     ctx,
		release: cancel,
		done:    make(chan struct{}),
	}
}

type seqKey struct{}

// SeqFrom returns the sequence number of the unit running with ctx, or 0
// when ctx does not belong to a queue unit.
func SeqFrom(ctx context.Context) int64 {
	seq, _ := ctx.Value(seqKey{}).(int64)
	return seq
}

// settle records r if the handle has not settled yet.
// Returns true if r became the handle's result.
func (h *Handle[T]) settle(r Result[T]) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.settled {
		return false
	}
	h.settled = true
	h.result = r
	close(h.done)
	return true
}

// Seq returns the submission sequence number. Lower runs first.
func (h *Handle[T]) Seq() int64 {
	return h.seq
}

// Done returns a channel closed once the handle settles.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Result returns the settled result, or a StatusPending result if the
// handle has not settled yet.
func (h *Handle[T]) Result() Result[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.settled {
		return Result[T]{Status: StatusPending}
	}
	return h.result
}

// Wait blocks until the handle settles or ctx is done. Giving up on the
// wait does not cancel the unit.
func (h *Handle[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case <-ctx.Done():
		return Result[T]{Status: StatusPending}, ctx.Err()
	case <-h.done:
		return h.Result(), nil
	}
}

// Cancel settles the handle as cancelled.
//
// A unit that has not started is removed from the queue and never runs.
// A unit that is running has its context cancelled; whatever it returns is
// discarded. Returns false when the handle had already settled, which makes
// repeated calls harmless.
func (h *Handle[T]) Cancel() bool {
	removed := h.q.remove(h)

	if !h.settle(Result[T]{Status: StatusCancelled}) {
		return false
	}
	h.release()

	h.q.metrics.ObserveUnit(h.q.name, metrics.StatusCancelled, 0)
	h.q.logger.Debug("unit cancelled",
		"queue", h.q.name,
		"seq", h.seq,
		"was_pending", removed,
	)
	return true
}
