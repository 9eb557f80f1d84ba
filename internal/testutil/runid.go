package testutil

import (
	"fmt"
	"sync"
)

// FixedRunID generates predictable run IDs for tests: the prefix followed
// by a counter, "test-run-1", "test-run-2", ...
//
// The same scenario with a fresh FixedRunID produces byte-identical run
// records and golden snapshots.
//
// Thread-safety: FixedRunID is safe for concurrent use.
type FixedRunID struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedRunID creates a run ID generator. An empty prefix means
// "test-run".
func NewFixedRunID(prefix string) *FixedRunID {
	if prefix == "" {
		prefix = "test-run"
	}
	return &FixedRunID{prefix: prefix}
}

// Generate returns the next run ID.
//
// Implements engine.RunIDGenerator.
func (g *FixedRunID) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
