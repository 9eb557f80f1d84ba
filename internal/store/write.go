package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

// ErrFanoutConflict is returned when a revision already carries a fanout
// root different from the one being written.
var ErrFanoutConflict = errors.New("fanout root conflict")

// WriteProvenance upserts a provenance record: the revision row, every path
// alias and every edge. It satisfies ledger.Sink.
//
// Writing the same record twice is a no-op. Writing a record with more
// edges appends the new ones. The fanout root is set the first time a
// finalized record is written; a later write with a different root returns
// ErrFanoutConflict and leaves the store unchanged.
func (s *Store) WriteProvenance(ctx context.Context, rec ir.ProvenanceRecord) error {
	if !ir.ValidHash(rec.RevisionHash) {
		return fmt.Errorf("write provenance: invalid revision hash %q", rec.RevisionHash)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write provenance: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions
		(revision_hash, parent_hash, payload_hash, path, created_at, fanout_root)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(revision_hash) DO UPDATE
		SET fanout_root = excluded.fanout_root
		WHERE revisions.fanout_root IS NULL
	`,
		rec.RevisionHash,
		nullString(rec.ParentHash),
		rec.PayloadHash,
		rec.Path,
		formatTime(rec.Timestamp),
		nullString(rec.FanoutRoot),
	)
	if err != nil {
		return fmt.Errorf("write provenance: revision: %w", err)
	}

	if rec.FanoutRoot != "" {
		var stored sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT fanout_root FROM revisions WHERE revision_hash = ?`,
			rec.RevisionHash,
		).Scan(&stored)
		if err != nil {
			return fmt.Errorf("write provenance: read fanout root: %w", err)
		}
		if stored.String != rec.FanoutRoot {
			return fmt.Errorf("write provenance: revision %s has root %s, got %s: %w",
				rec.RevisionHash, stored.String, rec.FanoutRoot, ErrFanoutConflict)
		}
	}

	paths := rec.Paths
	if len(paths) == 0 && rec.Path != "" {
		paths = []string{rec.Path}
	}
	for i, p := range paths {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO revision_paths (revision_hash, path, seq)
			VALUES (?, ?, (SELECT COUNT(*) FROM revision_paths WHERE revision_hash = ?) + ?)
			ON CONFLICT(revision_hash, path) DO NOTHING
		`, rec.RevisionHash, p, rec.RevisionHash, i)
		if err != nil {
			return fmt.Errorf("write provenance: path %s: %w", p, err)
		}
	}

	for i, e := range rec.Edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges
			(edge_hash, revision_hash, payload_hash, worker_id, parent_edge_hash, seq)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(edge_hash) DO NOTHING
		`,
			e.EdgeHash,
			rec.RevisionHash,
			e.PayloadHash,
			e.WorkerID,
			nullString(e.ParentEdgeHash),
			i,
		)
		if err != nil {
			return fmt.Errorf("write provenance: edge %s: %w", e.EdgeHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write provenance: commit: %w", err)
	}
	return nil
}

// SetHead records revisionHash as the latest revision of path, together
// with the fingerprint of the artifact bytes written for it. The revision
// must already be stored. An empty fingerprint is stored as NULL.
func (s *Store) SetHead(ctx context.Context, path, revisionHash, fingerprint string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heads (path, revision_hash, updated_at, fingerprint)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE
		SET revision_hash = excluded.revision_hash,
			updated_at = excluded.updated_at,
			fingerprint = excluded.fingerprint
	`, path, revisionHash, formatTime(at), nullString(fingerprint))
	if err != nil {
		return fmt.Errorf("set head %s: %w", path, err)
	}
	return nil
}
