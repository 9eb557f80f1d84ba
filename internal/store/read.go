package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/swarmauri/peagen/internal/ir"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// LoadRevision returns the provenance record for revisionHash, including
// its path aliases and edges in append order.
func (s *Store) LoadRevision(ctx context.Context, revisionHash string) (ir.ProvenanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT revision_hash, parent_hash, payload_hash, path, created_at, fanout_root
		FROM revisions
		WHERE revision_hash = ?
	`, revisionHash)

	rec, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ProvenanceRecord{}, fmt.Errorf("revision %s: %w", revisionHash, ErrNotFound)
	}
	if err != nil {
		return ir.ProvenanceRecord{}, err
	}

	if err := s.fillRecord(ctx, &rec); err != nil {
		return ir.ProvenanceRecord{}, err
	}
	return rec, nil
}

// Records returns every stored provenance record ordered by revision hash.
// Returns an empty slice (not nil) when the store is empty.
func (s *Store) Records(ctx context.Context) ([]ir.ProvenanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision_hash, parent_hash, payload_hash, path, created_at, fanout_root
		FROM revisions
		ORDER BY revision_hash COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}

	records := []ir.ProvenanceRecord{}
	for rows.Next() {
		rec, err := scanRevision(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	rows.Close()

	// Fill after closing the cursor: the pool has a single connection.
	for i := range records {
		if err := s.fillRecord(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// History returns the revisions of path from its head back to the first
// revision, following parent hashes.
func (s *Store) History(ctx context.Context, path string) ([]ir.ProvenanceRecord, error) {
	head, err := s.Head(ctx, path)
	if err != nil {
		return nil, err
	}

	var history []ir.ProvenanceRecord
	seen := make(map[string]struct{})
	for rev := head; rev != ""; {
		if _, ok := seen[rev]; ok {
			return nil, fmt.Errorf("history %s: parent loop at %s", path, rev)
		}
		seen[rev] = struct{}{}

		rec, err := s.LoadRevision(ctx, rev)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", path, err)
		}
		history = append(history, rec)
		rev = rec.ParentHash
	}
	return history, nil
}

// Head returns the latest revision recorded for path.
func (s *Store) Head(ctx context.Context, path string) (string, error) {
	var rev string
	err := s.db.QueryRowContext(ctx,
		`SELECT revision_hash FROM heads WHERE path = ?`, path,
	).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("head %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query head %s: %w", path, err)
	}
	return rev, nil
}

// Heads returns the latest revision of every path.
func (s *Store) Heads(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, revision_hash FROM heads ORDER BY path COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]string)
	for rows.Next() {
		var path, rev string
		if err := rows.Scan(&path, &rev); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		heads[path] = rev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heads: %w", err)
	}
	return heads, nil
}

// Fingerprints returns the artifact fingerprint recorded with each head.
// Heads without a fingerprint are omitted.
func (s *Store) Fingerprints(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, fingerprint FROM heads WHERE fingerprint IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, fp string
		if err := rows.Scan(&path, &fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out[path] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return out, nil
}

func (s *Store) fillRecord(ctx context.Context, rec *ir.ProvenanceRecord) error {
	paths, err := s.revisionPaths(ctx, rec.RevisionHash)
	if err != nil {
		return err
	}
	rec.Paths = paths

	edges, err := s.revisionEdges(ctx, rec.RevisionHash)
	if err != nil {
		return err
	}
	rec.Edges = edges
	return nil
}

func (s *Store) revisionPaths(ctx context.Context, revisionHash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM revision_paths
		WHERE revision_hash = ?
		ORDER BY seq ASC, path COLLATE BINARY ASC
	`, revisionHash)
	if err != nil {
		return nil, fmt.Errorf("query revision paths: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan revision path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revision paths: %w", err)
	}
	return paths, nil
}

func (s *Store) revisionEdges(ctx context.Context, revisionHash string) ([]ir.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_hash, revision_hash, payload_hash, worker_id, parent_edge_hash
		FROM edges
		WHERE revision_hash = ?
		ORDER BY seq ASC, edge_hash COLLATE BINARY ASC
	`, revisionHash)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	edges := []ir.Edge{}
	for rows.Next() {
		var e ir.Edge
		var parent sql.NullString
		if err := rows.Scan(&e.EdgeHash, &e.RevisionHash, &e.PayloadHash, &e.WorkerID, &parent); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.ParentEdgeHash = parent.String
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (ir.ProvenanceRecord, error) {
	var rec ir.ProvenanceRecord
	var parent, root sql.NullString
	var created string

	if err := row.Scan(&rec.RevisionHash, &parent, &rec.PayloadHash, &rec.Path, &created, &root); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan revision: %w", err)
	}

	ts, err := parseTime(created)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = ts
	rec.ParentHash = parent.String
	rec.FanoutRoot = root.String
	return rec, nil
}
