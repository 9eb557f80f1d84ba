package ledger

import (
	"errors"
	"fmt"

	"github.com/swarmauri/peagen/internal/ir"
)

// VerifyError describes a record whose stored hashes do not match the
// hashes recomputed from its fields.
type VerifyError struct {
	RevisionHash string
	Field        string
	Want, Got    string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("revision %s: %s mismatch: stored %s, computed %s", e.RevisionHash, e.Field, e.Got, e.Want)
}

// Verify recomputes the revision hash, every edge hash and the fanout root
// of rec and reports each mismatch. Edge chains are checked per worker: an
// edge's parent must be the same worker's previous edge.
func Verify(rec ir.ProvenanceRecord) error {
	var errs []error
	mismatch := func(field, want, got string) {
		errs = append(errs, &VerifyError{RevisionHash: rec.RevisionHash, Field: field, Want: want, Got: got})
	}

	rev, err := ir.RevisionHash(rec.ParentHash, rec.PayloadHash)
	if err != nil {
		return fmt.Errorf("revision %s: %w", rec.RevisionHash, err)
	}
	if rev != rec.RevisionHash {
		mismatch("revision_hash", rev, rec.RevisionHash)
	}

	last := make(map[string]string)
	hashes := make([]string, 0, len(rec.Edges))
	for i, e := range rec.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if e.RevisionHash != "" && e.RevisionHash != rec.RevisionHash {
			mismatch(field+".revision_hash", rec.RevisionHash, e.RevisionHash)
		}
		if e.ParentEdgeHash != last[e.WorkerID] {
			mismatch(field+".parent_edge_hash", last[e.WorkerID], e.ParentEdgeHash)
		}
		eh, err := ir.EdgeHash(rec.RevisionHash, e.PayloadHash, e.WorkerID, e.ParentEdgeHash)
		if err != nil {
			errs = append(errs, fmt.Errorf("revision %s: %s: %w", rec.RevisionHash, field, err))
			continue
		}
		if eh != e.EdgeHash {
			mismatch(field+".edge_hash", eh, e.EdgeHash)
		}
		last[e.WorkerID] = e.EdgeHash
		hashes = append(hashes, e.EdgeHash)
	}

	if rec.Finalized() {
		root, err := ir.FanoutRootHash(hashes)
		if err != nil {
			errs = append(errs, fmt.Errorf("revision %s: %w", rec.RevisionHash, err))
		} else if root != rec.FanoutRoot {
			mismatch("fanout_root", root, rec.FanoutRoot)
		}
	}
	return errors.Join(errs...)
}

// VerifyAll verifies each record and additionally checks that every
// non-empty parent refers to a record in the set.
func VerifyAll(recs []ir.ProvenanceRecord) error {
	present := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		present[rec.RevisionHash] = struct{}{}
	}
	var errs []error
	for _, rec := range recs {
		if err := Verify(rec); err != nil {
			errs = append(errs, err)
		}
		if rec.ParentHash == "" {
			continue
		}
		if _, ok := present[rec.ParentHash]; !ok {
			errs = append(errs, fmt.Errorf("revision %s: parent %s: %w", rec.RevisionHash, rec.ParentHash, ErrUnknownRevision))
		}
	}
	return errors.Join(errs...)
}
