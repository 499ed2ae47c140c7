// Package engine implements the reshape dispatch engine.
//
// The engine owns an ordered set of action handlers, an ordered set of
// change observers and a pluggable state accessor. Every Dispatch call
// becomes exactly one unit on a serial queue.Queue, so no two dispatch
// calls ever interleave their handler passes.
//
// ARCHITECTURE:
//
// One Dispatch, One Unit:
// When the unit's turn arrives it reads the current state from the accessor
// once, threads it through the tasks left to right and, if anything changed,
// notifies every observer once with the final state.
//
// Dispatch Unit Flow:
//  1. Abort with ErrMissingStateAccessor if no accessor is set
//  2. Reject malformed tasks with a ContractError before any handler runs
//  3. For each task run one pass (inline handler, or every registered handler)
//  4. With WithLoopUntilSettled, repeat the pass using SettleAction until a
//     pass changes nothing
//  5. Notify observers if the aggregate changed flag is set
//  6. Hand a Record to the Recorder, if one is configured
//
// Re-entrant dispatch from a handler goes through the same queue and lands
// at the tail. It never runs inside the current unit.
//
// INVARIANTS:
//   - Handler invocation order is registration order
//   - A pass sees a snapshot of the handler set taken when the pass starts
//   - Observers never see intermediate per-task states
//   - A failed unit notifies no observer
package engine
