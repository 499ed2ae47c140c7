package scenario

import "github.com/roach88/reshape/internal/value"

// TraceEvent is one executed dispatch unit.
type TraceEvent struct {
	Seq        int64       `json:"seq"`
	DispatchID string      `json:"dispatch_id"`
	Tasks      []string    `json:"tasks"`
	Status     string      `json:"status"`
	Changed    bool        `json:"changed"`
	Passes     int         `json:"passes"`
	State      value.Value `json:"state,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause matched.
	Pass bool `json:"pass"`

	// Trace holds every executed unit in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation mismatches. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	FinalState    value.Object `json:"final_state"`
	Notifications int          `json:"notifications"`
	Failures      int          `json:"failures"`
}

// NewResult creates a passing result with no trace.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		FinalState: value.Object{},
	}
}

// AddError records a mismatch and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends one executed unit, counting failures.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
	if ev.Status != "succeeded" {
		r.Failures++
	}
}
