package engine

import (
	"fmt"
	"slices"

	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
)

// prefixHashes returns one hash per checkpoint position: hashes[k] chains
// seq[:k] together with the sorted prerequisites of each of those records.
// Records outside the prefix do not contribute.
func prefixHashes(g *graph.Graph, seq []string) ([]string, error) {
	hashes := make([]string, len(seq)+1)
	h, err := ir.PayloadHash(ir.IRObject{"prefix": ir.IRArray{}})
	if err != nil {
		return nil, err
	}
	hashes[0] = h
	for k, p := range seq {
		deps := slices.Clone(g.Dependencies(p))
		slices.Sort(deps)
		arr := make(ir.IRArray, len(deps))
		for i, d := range deps {
			arr[i] = ir.IRString(d)
		}
		h, err = ir.PayloadHash(ir.IRObject{
			"prev": ir.IRString(h),
			"path": ir.IRString(p),
			"deps": arr,
		})
		if err != nil {
			return nil, fmt.Errorf("prefix hash at %d: %w", k+1, err)
		}
		hashes[k+1] = h
	}
	return hashes, nil
}

// alignCheckpoint checks that cp still describes a completed prefix of seq.
// The position must lie within the order, the record before it must be
// the one the checkpoint names, and the records of the prefix must keep
// their prerequisites. prefixes comes from prefixHashes(g, seq).
func alignCheckpoint(scope string, seq, prefixes []string, cp ir.Checkpoint) error {
	mismatch := func(reason MismatchReason, found, prefix string) error {
		return &CheckpointMismatchError{
			Reason:     reason,
			Scope:      scope,
			Checkpoint: cp,
			OrderLen:   len(seq),
			Found:      found,
			PrefixHash: prefix,
		}
	}

	if cp.Position < 0 || cp.Position > len(seq) {
		return mismatch(MismatchPosition, "", "")
	}
	if cp.Position == 0 {
		if cp.Path != "" {
			return mismatch(MismatchPath, "", "")
		}
	} else if found := seq[cp.Position-1]; found != cp.Path {
		return mismatch(MismatchPath, found, "")
	}
	// Checkpoints written before prefix hashes existed carry none.
	if cp.PrefixHash != "" && cp.PrefixHash != prefixes[cp.Position] {
		return mismatch(MismatchGraph, "", prefixes[cp.Position])
	}
	return nil
}
