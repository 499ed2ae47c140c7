// Package journal provides SQLite-backed durable storage for dispatch
// outcomes.
//
// The journal is an append-only log with one row per executed dispatch
// unit. It implements engine.Recorder, so wiring it into an engine is a
// single option:
//
//	j, _ := journal.Open("reshape.db")
//	e := engine.New[value.Object](engine.WithRecorder(j))
//
// # Ordering
//
// Rows are keyed by the queue's logical sequence number. Every read orders
// by seq ASC, so history is identical however often it is read.
//
// # Restore
//
// LatestState returns the state of the newest successful unit, letting a
// new process pick up where the previous one stopped. LastSeq lets the
// next engine continue the sequence via queue.NewClockAt.
//
// States are stored as canonical JSON (value.MarshalCanonical) alongside
// their value.StateHash.
package journal
