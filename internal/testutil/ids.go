package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialIDs generates "<prefix>-1", "<prefix>-2", ... without end.
//
// Unlike engine.FixedGenerator it never runs out, so it suits runs whose
// dispatch count is not known up front (handlers that emit follow-ups).
// The same run with a fresh SequentialIDs produces byte-identical traces.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "d".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "d"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate implements engine.IDGenerator.
func (g *SequentialIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}

// Issued returns how many IDs have been generated.
func (g *SequentialIDs) Issued() int64 {
	return g.n.Load()
}
