package scenario

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/reshape/internal/value"
)

// Snapshot converts a result into plain data for canonical JSON
// serialization. Only deterministic fields are included.
func Snapshot(name string, r *Result) map[string]any {
	trace := make([]any, len(r.Trace))
	for i, ev := range r.Trace {
		tasks := make([]any, len(ev.Tasks))
		for j, task := range ev.Tasks {
			tasks[j] = task
		}
		m := map[string]any{
			"seq":         ev.Seq,
			"dispatch_id": ev.DispatchID,
			"tasks":       tasks,
			"status":      ev.Status,
			"changed":     ev.Changed,
			"passes":      ev.Passes,
		}
		if ev.State != nil {
			m["state"] = ev.State
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		trace[i] = m
	}

	return map[string]any{
		"scenario_name": name,
		"final_state":   r.FinalState,
		"notifications": r.Notifications,
		"trace":         trace,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/scenario -update
//
// Returns error if the scenario cannot run. A trace mismatch fails t via
// goldie.
func RunWithGolden(t *testing.T, s *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), s, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, s.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := value.MarshalCanonicalAny(Snapshot(name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
