// Package rules compiles declarative CUE handler files into engine action
// handlers over value.Object state.
//
// A rule file declares handlers under a top-level "handler" struct:
//
//	handler: merge_update: { on: "update", op: "merge" }
//	handler: bump:         { on: "*", op: "increment", field: "count", max: 3 }
//	handler: follow:       { on: "person", op: "emit", emit: "person-received" }
//
// Declaration order is registration order. A rule reports a change only
// when the state it produces differs from its input.
package rules
