// Package scenario runs YAML-described dispatch scenarios against the
// engine and compiled CUE rules.
//
// # Scenario Format
//
//	name: merge_two_updates
//	description: "two actions in one dispatch call notify once"
//	rules:
//	  - rules/merge.cue
//	loop_until_settled: false
//	initial_state: {}
//	dispatches:
//	  - actions:
//	      - {id: update, payload: {x: 1}}
//	      - {id: update, payload: {y: 2}}
//	expect:
//	  final_state: {x: 1, y: 2}
//	  notifications: 1
//	  failures: 0
//
// Rule paths are relative to the scenario file. Each entry of dispatches
// is one dispatch call; its actions run as one unit. Every expect field is
// optional and only the fields present are checked.
//
// # Deterministic Runs
//
// Runs use sequential dispatch IDs (d-1, d-2, ...) and a fresh logical
// clock, so the same scenario always produces the same trace. Each
// dispatch call drains, follow-ups emitted by its handlers included, before
// the next one is submitted.
//
// # Golden Traces
//
// RunWithGolden compares the canonical JSON of a run against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/scenario -update
package scenario
