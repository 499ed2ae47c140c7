package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/roach88/reshape/internal/metrics"
	"github.com/roach88/reshape/internal/queue"
)

// DispatchResult is the success value of a dispatch unit.
type DispatchResult[T any] struct {
	State   T    // final state, changed or not
	Changed bool // true if any task or settle pass changed state
	Passes  int  // handler passes run, settle passes included
	Tasks   int
}

// Engine applies ordered handlers to state, one dispatch call at a time.
//
// Thread-safety model:
//   - Every exported method is safe from any goroutine
//   - Handlers, inline handlers, observers and the accessor run on the
//     queue worker, never concurrently with each other
//
// INVARIANTS:
//   - Exactly one queue unit per Dispatch/Submit call
//   - Registration order NEVER changes except by removal
type Engine[T any] struct {
	queue *queue.Queue[DispatchResult[T]]

	mu        sync.Mutex
	handlers  registry[*ActionHandler[T]]
	observers registry[*Observer[T]]
	accessor  StateAccessor[T]
	warned    bool // missing-accessor warning already logged

	loopUntilSettled bool
	maxSettlePasses  int
	logger           *slog.Logger
	metrics          *metrics.Metrics
	recorder         Recorder
	ids              IDGenerator

	dispatch Dispatcher
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	loopUntilSettled bool
	maxSettlePasses  int
	logger           *slog.Logger
	metrics          *metrics.Metrics
	recorder         Recorder
	ids              IDGenerator
	clock            *queue.Clock
}

// WithLoopUntilSettled re-runs each task's pass with SettleAction until a
// pass changes nothing. Default: false (one pass per task).
func WithLoopUntilSettled(on bool) Option {
	return func(c *config) {
		c.loopUntilSettled = on
	}
}

// WithMaxSettlePasses bounds the passes per task under the settle loop.
//
// Default: 1000 passes (DefaultMaxSettlePasses).
// Use WithMaxSettlePasses(0) to disable the bound.
func WithMaxSettlePasses(n int) Option {
	return func(c *config) {
		c.maxSettlePasses = n
	}
}

// WithLogger sets the logger for the engine and its queue.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus instruments for the engine and its queue.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithRecorder receives a Record after every executed unit.
func WithRecorder(r Recorder) Option {
	return func(c *config) {
		c.recorder = r
	}
}

// WithIDGenerator sets the dispatch ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *config) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithClock sets the clock stamping queue units, e.g. one resumed from a
// journal with queue.NewClockAt.
func WithClock(clock *queue.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// New creates an Engine with no handlers, no observers and no accessor.
func New[T any](opts ...Option) *Engine[T] {
	c := config{
		maxSettlePasses: DefaultMaxSettlePasses,
		logger:          slog.Default(),
		ids:             UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&c)
	}

	e := &Engine[T]{
		queue: queue.New[DispatchResult[T]](
			queue.WithName("dispatch"),
			queue.WithLogger(c.logger),
			queue.WithMetrics(c.metrics),
			queue.WithClock(c.clock),
		),
		loopUntilSettled: c.loopUntilSettled,
		maxSettlePasses:  c.maxSettlePasses,
		logger:           c.logger,
		metrics:          c.metrics,
		recorder:         c.recorder,
		ids:              c.ids,
	}
	e.dispatch = func(tasks ...Task) { e.Dispatch(tasks...) }
	return e
}

// Dispatch submits tasks as one unit and returns without waiting.
func (e *Engine[T]) Dispatch(tasks ...Task) *Engine[T] {
	e.Submit(tasks...)
	return e
}

// Submit is Dispatch with the unit's handle surfaced, for callers that
// need to await or cancel it.
func (e *Engine[T]) Submit(tasks ...Task) *queue.Handle[DispatchResult[T]] {
	tasks = slices.Clone(tasks)
	id := e.ids.Generate()

	e.logger.Debug("dispatch submitted",
		"dispatch_id", id,
		"tasks", taskLabels(tasks),
	)
	return e.queue.Submit(e.unit(id, tasks))
}

// AddHandlers appends handlers in order. Already registered handlers and
// nil pointers are skipped.
func (e *Engine[T]) AddHandlers(hs ...*ActionHandler[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			e.handlers.add(h)
		}
	}
	return e
}

// RemoveHandlers unregisters handlers. Unknown handlers are ignored.
func (e *Engine[T]) RemoveHandlers(hs ...*ActionHandler[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range hs {
		e.handlers.remove(h)
	}
	return e
}

// AddOnChange appends an observer. Registering the same observer twice is a
// no-op.
func (e *Engine[T]) AddOnChange(o *Observer[T]) *Engine[T] {
	if o == nil {
		return e
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers.add(o)
	return e
}

// RemoveOnChange unregisters an observer. Unknown observers are ignored.
func (e *Engine[T]) RemoveOnChange(o *Observer[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers.remove(o)
	return e
}

// SetStateAccessor replaces the accessor. The unit in flight keeps the
// state it already read; the change applies from the next unit. Passing
// nil clears the accessor.
func (e *Engine[T]) SetStateAccessor(fn StateAccessor[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessor = fn
	if fn != nil {
		e.warned = false
	}
	return e
}

// Handlers returns the registered handlers in invocation order.
func (e *Engine[T]) Handlers() []*ActionHandler[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers.snapshot()
}

// Observers returns the registered observers in notification order.
func (e *Engine[T]) Observers() []*Observer[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observers.snapshot()
}

// QueueLen returns the number of dispatch units waiting to start.
func (e *Engine[T]) QueueLen() int {
	return e.queue.Len()
}

// Drain waits until every submitted unit, including ones submitted by
// handlers while draining, has finished.
func (e *Engine[T]) Drain(ctx context.Context) error {
	return e.queue.Drain(ctx)
}

// Close cancels pending units and rejects new ones.
func (e *Engine[T]) Close() {
	e.queue.Close()
}

func (e *Engine[T]) unit(id string, tasks []Task) queue.Unit[DispatchResult[T]] {
	return func(ctx context.Context) (res DispatchResult[T], err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &queue.PanicError{Value: r, Stack: debug.Stack()}
			}
			if err != nil {
				res = DispatchResult[T]{Passes: res.Passes, Tasks: res.Tasks}
			}
			e.record(ctx, id, tasks, res, err)
		}()
		return e.run(id, tasks)
	}
}

// run executes one dispatch unit on the queue worker.
func (e *Engine[T]) run(id string, tasks []Task) (DispatchResult[T], error) {
	e.mu.Lock()
	accessor := e.accessor
	warn := accessor == nil && !e.warned
	if accessor == nil {
		e.warned = true
	}
	e.mu.Unlock()

	if accessor == nil {
		if warn {
			e.logger.Warn("dispatch without a state accessor; call SetStateAccessor first",
				"dispatch_id", id,
			)
		}
		return DispatchResult[T]{}, ErrMissingStateAccessor
	}

	for i, task := range tasks {
		if err := e.validate(i, task); err != nil {
			e.metrics.IncContractViolations()
			return DispatchResult[T]{}, err
		}
	}

	state := accessor()
	res := DispatchResult[T]{Tasks: len(tasks)}

	for i, task := range tasks {
		next, changed, passes, err := e.runTask(i, state, task)
		res.Passes += passes
		if err != nil {
			if IsContractError(err) {
				e.metrics.IncContractViolations()
			}
			return DispatchResult[T]{Passes: res.Passes, Tasks: res.Tasks}, err
		}
		if changed {
			state = next
			res.Changed = true
		}
	}
	res.State = state

	if res.Changed {
		e.notify(id, state)
	}

	e.logger.Debug("dispatch complete",
		"dispatch_id", id,
		"changed", res.Changed,
		"passes", res.Passes,
	)
	return res, nil
}

// runTask runs a task's first pass and, when enabled, its settle passes.
func (e *Engine[T]) runTask(index int, state T, task Task) (T, bool, int, error) {
	label := taskLabel(task)
	limit := e.maxSettlePasses
	if !e.loopUntilSettled {
		limit = 0
	}
	quota := newSettleQuota(limit)

	if err := quota.Check(label); err != nil {
		return state, false, 0, err
	}
	next, changed, err := e.pass(index, state, task)
	if err != nil || !changed || !e.loopUntilSettled {
		return next, changed, quota.Passes(), err
	}

	settle := task
	if _, ok := task.(Action); ok {
		settle = SettleAction
	}

	for {
		if err := quota.Check(label); err != nil {
			return state, false, quota.Passes() - 1, err
		}
		var more bool
		next, more, err = e.pass(index, next, settle)
		if err != nil {
			return state, false, quota.Passes(), err
		}
		if !more {
			return next, true, quota.Passes(), nil
		}
	}
}

// pass runs one inline handler, or every registered handler against one
// action, threading state and adopting only reported changes.
func (e *Engine[T]) pass(index int, state T, task Task) (T, bool, error) {
	e.metrics.IncPasses()

	switch t := task.(type) {
	case InlineHandler[T]:
		next, changed := t(state)
		if !changed {
			return state, false, nil
		}
		return next, true, nil

	case Action:
		changed := false
		for _, h := range e.Handlers() {
			if h.fn == nil {
				return state, false, &ContractError{
					Index:   index,
					Task:    t.Label(),
					Handler: h.name,
					Message: "handler has no function",
				}
			}
			next, c := h.fn(state, t, e.dispatch)
			if c {
				state = next
				changed = true
			}
		}
		e.logger.Debug("pass complete",
			"action", t.Label(),
			"changed", changed,
		)
		return state, changed, nil

	default:
		// validate rejects everything else before the first pass.
		return state, false, fmt.Errorf("engine: unexpected task %T", task)
	}
}

func (e *Engine[T]) validate(index int, task Task) error {
	switch t := task.(type) {
	case nil:
		return &ContractError{Index: index, Task: taskLabel(task), Message: "task is nil"}
	case InlineHandler[T]:
		if t == nil {
			return &ContractError{Index: index, Task: taskLabel(task), Message: "inline handler is nil"}
		}
	case Action:
		if !validActionID(t.ID) {
			return &ContractError{
				Index:   index,
				Task:    t.Label(),
				Message: fmt.Sprintf("action id must be a string, an integer or nil, got %T", t.ID),
			}
		}
	default:
		var zero T
		return &ContractError{
			Index:   index,
			Task:    taskLabel(task),
			Message: fmt.Sprintf("task %T does not operate on state type %T", task, zero),
		}
	}
	return nil
}

// notify hands state to every observer. A panicking observer is logged and
// skipped; the observers after it are still notified.
func (e *Engine[T]) notify(id string, state T) {
	observers := e.Observers()
	for i, o := range observers {
		if o.fn != nil {
			e.callObserver(id, i, o, state)
		}
	}
	e.metrics.IncNotifications()
}

func (e *Engine[T]) callObserver(id string, index int, o *Observer[T], state T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("observer panicked",
				"dispatch_id", id,
				"observer", index,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	o.fn(state)
}

func (e *Engine[T]) record(ctx context.Context, id string, tasks []Task, res DispatchResult[T], err error) {
	if e.recorder == nil {
		return
	}

	rec := Record{
		Seq:        queue.SeqFrom(ctx),
		DispatchID: id,
		Tasks:      taskLabels(tasks),
		Status:     RecordSucceeded,
		Changed:    res.Changed,
		Passes:     res.Passes,
		State:      res.State,
	}
	if err != nil {
		rec.Status = RecordFailed
		rec.State = nil
		rec.Error = err.Error()
	}

	// A cancelled handle still records what the unit did.
	if rerr := e.recorder.Record(context.WithoutCancel(ctx), rec); rerr != nil {
		e.logger.Error("recorder failed",
			"dispatch_id", id,
			"seq", rec.Seq,
			"error", rerr,
		)
	}
}
