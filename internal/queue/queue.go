package queue

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/roach88/reshape/internal/metrics"
)

// Unit is one piece of work. It may block; the queue waits for it to return
// before starting the next unit.
type Unit[T any] func(ctx context.Context) (T, error)

// Queue runs submitted units strictly one at a time in FIFO order.
//
// Thread-safety model:
//   - Submit, Len, Idle, Drain, Close: safe from any goroutine
//   - Units run on the queue's worker goroutine, never on the caller's
//
// INVARIANTS:
//   - At most one unit is active at any instant
//   - pending order NEVER changes except by removal (cancel or dequeue)
//   - active is true iff a worker goroutine is running
type Queue[T any] struct {
	mu      sync.Mutex
	pending []*Handle[T]
	active  bool
	closed  bool
	idle    chan struct{} // closed when the worker exits

	clock   *Clock
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   *Clock
}

// WithName labels log lines and metrics emitted by the queue.
// Default: "default".
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus instruments. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock supplies the clock stamping submitted units.
// Use NewClockAt to resume a sequence persisted elsewhere.
func WithClock(c *Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// New creates an idle queue. No goroutine is started until the first Submit.
func New[T any](opts ...Option) *Queue[T] {
	o := options{
		name:   "default",
		logger: slog.Default(),
		clock:  NewClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue[T]{
		pending: make([]*Handle[T], 0, 16),
		idle:    idle,
		clock:   o.clock,
		name:    o.name,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Submit appends unit to the tail of the queue and returns its handle
// without waiting for it to run.
//
// After Close, the returned handle is already settled with ErrClosed and
// carries seq 0.
func (q *Queue[T]) Submit(unit Unit[T]) *Handle[T] {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h := newHandle(q, 0, unit)
		h.settle(Result[T]{Status: StatusFailed, Err: ErrClosed})
		h.release()
		return h
	}

	// Stamped under q.mu so seq order is append order, and so run order.
	h := newHandle(q, q.clock.Next(), unit)
	q.pending = append(q.pending, h)
	depth := len(q.pending)

	start := !q.active
	if start {
		q.active = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, depth)
	q.logger.Debug("unit submitted",
		"queue", q.name,
		"seq", h.seq,
		"depth", depth,
	)

	if start {
		go q.run()
	}
	return h
}

// run is the worker loop. It exits as soon as the pending list is empty;
// the next Submit starts a fresh worker.
func (q *Queue[T]) run() {
	for {
		h, ok := q.next()
		if !ok {
			return
		}

		q.execute(h)

		// Yield between units so other goroutines (submitters, waiters,
		// observers of the previous result) get scheduled before the
		// next unit starts.
		if q.Len() > 0 {
			runtime.Gosched()
		}
	}
}

// next pops the head unit, or marks the queue idle when nothing is pending.
func (q *Queue[T]) next() (*Handle[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		q.active = false
		close(q.idle)
		return nil, false
	}

	h := q.pending[0]

	// Nil out the slot so the backing array does not retain the handle.
	q.pending[0] = nil
	if len(q.pending) == 1 {
		q.pending = q.pending[:0]
	} else {
		q.pending = q.pending[1:]
	}
	h.started = true

	q.metrics.SetQueueDepth(q.name, len(q.pending))
	return h, true
}

func (q *Queue[T]) execute(h *Handle[T]) {
	defer h.release()

	start := time.Now()
	val, err := q.call(h)
	elapsed := time.Since(start)

	r := Result[T]{Status: StatusSucceeded, Value: val}
	if err != nil {
		r = Result[T]{Status: StatusFailed, Err: err}
	}

	if !h.settle(r) {
		q.logger.Debug("unit result discarded, handle already cancelled",
			"queue", q.name,
			"seq", h.seq,
		)
		return
	}

	q.metrics.ObserveUnit(q.name, r.Status.String(), elapsed)
	if err != nil {
		q.logger.Error("unit failed",
			"queue", q.name,
			"seq", h.seq,
			"error", err,
		)
	}
}

// call runs the unit, converting a panic into a *PanicError so that a
// misbehaving unit cannot kill the worker.
func (q *Queue[T]) call(h *Handle[T]) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.unit(h.ctx)
}

// remove deletes h from the pending list. Returns false if h already
// started or was never pending.
func (q *Queue[T]) remove(h *Handle[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h.started {
		return false
	}
	for i, p := range q.pending {
		if p == h {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.metrics.SetQueueDepth(q.name, len(q.pending))
			return true
		}
	}
	return false
}

// Len returns the number of units waiting to start. The active unit, if
// any, is not counted.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Idle reports whether no unit is running and none is pending.
func (q *Queue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.active
}

// Drain blocks until the queue is idle, including units submitted while
// draining, or until ctx is done.
func (q *Queue[T]) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.active {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close stops accepting units and cancels every unit that has not started.
// A unit already running completes normally. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, 0)
	for _, h := range dropped {
		if h.settle(Result[T]{Status: StatusCancelled}) {
			q.metrics.ObserveUnit(q.name, metrics.StatusCancelled, 0)
		}
		h.release()
	}

	q.logger.Debug("queue closed", "queue", q.name, "cancelled", len(dropped))
}
