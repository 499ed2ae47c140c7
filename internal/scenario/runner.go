package scenario

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/reshape/internal/engine"
	"github.com/roach88/reshape/internal/metrics"
	"github.com/roach88/reshape/internal/rules"
	"github.com/roach88/reshape/internal/testutil"
	"github.com/roach88/reshape/internal/value"
)

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	logger   *slog.Logger
	recorder engine.Recorder
	metrics  *metrics.Metrics
}

// WithLogger routes engine logs somewhere. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder receives every unit's record in addition to the trace.
func WithRecorder(r engine.Recorder) Option {
	return func(c *runConfig) {
		c.recorder = r
	}
}

// WithMetrics instruments the run's engine.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *runConfig) {
		c.metrics = m
	}
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Compile the rule files and register their handlers in order
//  2. Seed the state from initial_state
//  3. Submit each dispatch call and drain the engine after it
//  4. Check the expect clauses against the final state and trace
//
// A returned error means the scenario could not run at all; failed
// expectations are reported through Result.Pass and Result.Errors.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	set, err := rules.LoadFiles(s.Rules...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	state, err := value.ObjectFromGo(s.InitialState)
	if err != nil {
		return nil, fmt.Errorf("initial_state: %w", err)
	}

	batches, err := buildDispatches(s.Dispatches)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	var mu sync.Mutex
	trace := engine.RecorderFunc(func(ctx context.Context, rec engine.Record) error {
		ev := TraceEvent{
			Seq:        rec.Seq,
			DispatchID: rec.DispatchID,
			Tasks:      rec.Tasks,
			Status:     rec.Status,
			Changed:    rec.Changed,
			Passes:     rec.Passes,
			Error:      rec.Error,
		}
		if rec.State != nil {
			v, err := value.FromGo(rec.State)
			if err != nil {
				return err
			}
			ev.State = v
		}
		mu.Lock()
		result.AddTrace(ev)
		mu.Unlock()

		if cfg.recorder != nil {
			return cfg.recorder.Record(ctx, rec)
		}
		return nil
	})

	engOpts := []engine.Option{
		engine.WithLoopUntilSettled(s.LoopUntilSettled),
		engine.WithLogger(cfg.logger),
		engine.WithIDGenerator(testutil.NewSequentialIDs("d")),
		engine.WithRecorder(trace),
		engine.WithMetrics(cfg.metrics),
	}
	if s.MaxSettlePasses > 0 {
		engOpts = append(engOpts, engine.WithMaxSettlePasses(s.MaxSettlePasses))
	}
	eng := engine.New[value.Object](engOpts...)
	defer eng.Close()

	observed := testutil.NewObservations[value.Object]()
	eng.SetStateAccessor(func() value.Object { return state }).
		AddOnChange(engine.NewObserver(func(next value.Object) { state = next })).
		AddOnChange(observed.Observer()).
		AddHandlers(rules.Handlers(set.Rules)...)

	for i, tasks := range batches {
		eng.Dispatch(tasks...)
		if err := eng.Drain(ctx); err != nil {
			return nil, fmt.Errorf("dispatches[%d]: %w", i, err)
		}
		cfg.logger.Debug("scenario dispatch drained",
			"scenario", s.Name,
			"dispatch", i,
		)
	}

	mu.Lock()
	defer mu.Unlock()
	result.FinalState = state
	result.Notifications = observed.Count()
	checkExpect(s.Expect, result)
	return result, nil
}

func buildDispatches(ds []Dispatch) ([][]engine.Task, error) {
	batches := make([][]engine.Task, len(ds))
	for i, d := range ds {
		tasks := make([]engine.Task, len(d.Actions))
		for j, a := range d.Actions {
			action := engine.Action{ID: a.ID}
			if a.Payload != nil {
				p, err := value.FromGo(a.Payload)
				if err != nil {
					return nil, fmt.Errorf("dispatches[%d].actions[%d].payload: %w", i, j, err)
				}
				action.Payload = p
			}
			tasks[j] = action
		}
		batches[i] = tasks
	}
	return batches, nil
}

func checkExpect(want Expect, r *Result) {
	if want.FinalState != nil {
		expected, err := value.ObjectFromGo(want.FinalState)
		switch {
		case err != nil:
			r.AddError(fmt.Sprintf("expect.final_state: %v", err))
		case !value.Equal(expected, r.FinalState):
			r.AddError(fmt.Sprintf("final_state: expected %s, got %s",
				canonical(expected), canonical(r.FinalState)))
		}
	}
	if want.Notifications != nil && *want.Notifications != r.Notifications {
		r.AddError(fmt.Sprintf("notifications: expected %d, got %d", *want.Notifications, r.Notifications))
	}
	if want.Failures != nil && *want.Failures != r.Failures {
		r.AddError(fmt.Sprintf("failures: expected %d, got %d", *want.Failures, r.Failures))
	}
	if want.Dispatches != nil && *want.Dispatches != len(r.Trace) {
		r.AddError(fmt.Sprintf("dispatches: expected %d, got %d", *want.Dispatches, len(r.Trace)))
	}
}

func canonical(v value.Value) string {
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}
