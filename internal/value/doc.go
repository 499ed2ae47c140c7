// Package value provides the JSON-like state values used by the declarative
// rules, the journal and the scenario runner.
//
// The engine itself is generic over its state type; this package is the
// concrete state model the rest of the repository agrees on. Values are
// treated as immutable: every helper that "modifies" an Object returns a new
// one and leaves the receiver untouched, so a handler that returns an
// unchanged state can never have mutated the previous one in place.
//
// Key constraints:
//   - NO float types (numbers are int64) so hashing is deterministic
//   - Object keys serialize in RFC 8785 order (UTF-16 code units)
//   - Strings are NFC normalized at the canonical serialization boundary
package value
