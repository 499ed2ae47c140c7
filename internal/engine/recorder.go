package engine

import "context"

// Record status values.
const (
	RecordSucceeded = "succeeded"
	RecordFailed    = "failed"
)

// Record describes one executed dispatch unit. Units cancelled before they
// started never produce a Record.
type Record struct {
	Seq        int64    // queue sequence number of the unit
	DispatchID string   // from the engine's IDGenerator
	Tasks      []string // task labels in dispatch order
	Status     string   // RecordSucceeded or RecordFailed
	Changed    bool
	Passes     int
	State      any    // final state; nil when the unit failed
	Error      string // error text; empty when the unit succeeded
}

// Recorder receives a Record after every executed unit. It runs on the
// queue worker, so a slow Recorder delays the next dispatch. Errors are
// logged and never fail the dispatch.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, rec Record) error

func (f RecorderFunc) Record(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}
