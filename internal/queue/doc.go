// Package queue implements the serial task queue underneath the dispatch
// engine.
//
// ARCHITECTURE:
//
// Single Worker, Started On Demand:
// Submit appends a unit to the tail of the pending list and returns a Handle
// immediately. If no worker goroutine is active, one is started; it drains
// units one at a time and exits when the list is empty. The submitting
// goroutine never executes a unit, so a unit that submits more units cannot
// recurse on its own stack.
//
// Unit Processing Flow:
//  1. Worker dequeues the head unit
//  2. Unit runs with a per-unit context
//  3. Returned errors and recovered panics become StatusFailed
//  4. The handle settles (first settle wins, see Cancel)
//  5. If more units are pending the worker yields, then continues
//
// GUARANTEES:
//   - At most one unit executes at any instant per Queue
//   - Units execute in submission order; no priority, no reordering
//   - Errors never escape the worker loop
//
// Cancellation is two-phase. A unit that has not started is removed and
// never runs. A unit that already started keeps running (its context is
// cancelled as a cooperative hint) but its own result is discarded because
// the handle already settled as cancelled.
package queue
