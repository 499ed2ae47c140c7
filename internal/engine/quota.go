package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxSettlePasses bounds the passes a single task may run with the
// settle loop enabled. A handler set that never stops reporting changes
// would otherwise hold the queue forever.
const DefaultMaxSettlePasses = 1000

// settleQuota counts the passes of one task and enforces the limit.
// A limit <= 0 disables the check.
type settleQuota struct {
	limit   int
	current int
}

func newSettleQuota(limit int) *settleQuota {
	return &settleQuota{limit: limit}
}

// Check counts one more pass and fails once the count exceeds the limit.
// Call it before running each pass, the first one included.
func (q *settleQuota) Check(task string) error {
	q.current++
	if q.limit > 0 && q.current > q.limit {
		return &SettleQuotaError{
			Task:   task,
			Passes: q.current - 1,
			Limit:  q.limit,
		}
	}
	return nil
}

// Passes returns the number of passes counted so far.
func (q *settleQuota) Passes() int {
	return q.current
}

// SettleQuotaError is returned when a task's settle loop keeps reporting
// changes past the pass limit. The whole dispatch call fails and no
// observer is notified.
type SettleQuotaError struct {
	Task   string // Label of the task that did not settle
	Passes int    // Passes completed, all of which changed state
	Limit  int    // Configured maximum
}

// Error implements the error interface.
func (e *SettleQuotaError) Error() string {
	return fmt.Sprintf("task %s did not settle: %d passes changed state, limit %d",
		e.Task, e.Passes, e.Limit)
}

// IsSettleQuotaError returns true if err is a SettleQuotaError.
// Uses errors.As to handle wrapped errors.
func IsSettleQuotaError(err error) bool {
	var se *SettleQuotaError
	return errors.As(err, &se)
}
