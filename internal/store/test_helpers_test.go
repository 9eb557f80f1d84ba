package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

var testTime = time.Date(2025, 3, 4, 5, 6, 7, 891011, time.UTC)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord builds a finalized genesis record for content with the
// given worker edges.
func createTestRecord(path, content string, workers ...string) ir.ProvenanceRecord {
	payload := ir.MustPayloadHash(map[string]any{"content": content})
	rev := ir.MustRevisionHash("", payload)

	rec := ir.ProvenanceRecord{
		Revision: ir.Revision{
			RevisionHash: rev,
			PayloadHash:  payload,
			Path:         path,
			Timestamp:    testTime,
		},
		Paths: []string{path},
		Edges: []ir.Edge{},
	}
	leaves := make([]string, 0, len(workers))
	for _, w := range workers {
		edge := ir.MustEdgeHash(rev, payload, w, "")
		rec.Edges = append(rec.Edges, ir.Edge{
			EdgeHash:     edge,
			RevisionHash: rev,
			PayloadHash:  payload,
			WorkerID:     w,
		})
		leaves = append(leaves, edge)
	}
	root, err := ir.FanoutRootHash(leaves)
	if err != nil {
		panic(err)
	}
	rec.FanoutRoot = root
	return rec
}
