package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is the persisted metadata of one engine invocation.
type Run struct {
	ID          string
	Scope       string
	GraphHash   string
	Mode        string
	Status      RunStatus
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	ResumedFrom int       // checkpoint position the run started from
}

// BeginRun inserts a run in the running state.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	status := run.Status
	if status == "" {
		status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, scope, graph_hash, mode, status, started_at, finished_at, resumed_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Scope,
		run.GraphHash,
		run.Mode,
		string(status),
		formatTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.ResumedFrom,
	)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records a run's terminal status.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Runs returns every run of scope, oldest first. An empty scope returns
// the runs of all scopes.
func (s *Store) Runs(ctx context.Context, scope string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, graph_hash, mode, status, started_at, finished_at, resumed_from
		FROM runs
		WHERE ? = '' OR scope = ?
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, scope, scope)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var status, started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Scope, &r.GraphHash, &r.Mode, &status, &started, &finished, &r.ResumedFrom); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = RunStatus(status)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// FindIncompleteRuns returns runs still marked running, which indicates a
// crash or kill before the engine recorded a terminal status.
func (s *Store) FindIncompleteRuns(ctx context.Context) ([]Run, error) {
	all, err := s.Runs(ctx, "")
	if err != nil {
		return nil, err
	}
	var incomplete []Run
	for _, r := range all {
		if r.Status == RunRunning {
			incomplete = append(incomplete, r)
		}
	}
	return incomplete, nil
}

// PutCheckpoint persists the checkpoint of scope, replacing any previous one.
func (s *Store) PutCheckpoint(ctx context.Context, scope string, cp ir.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (scope, position, path, revision_hash, graph_hash, prefix_hash, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			position = excluded.position,
			path = excluded.path,
			revision_hash = excluded.revision_hash,
			graph_hash = excluded.graph_hash,
			prefix_hash = excluded.prefix_hash,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`,
		scope,
		cp.Position,
		nullString(cp.Path),
		nullString(cp.RevisionHash),
		cp.GraphHash,
		nullString(cp.PrefixHash),
		cp.RunID,
		formatTime(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", scope, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint of scope, or ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, scope string) (ir.Checkpoint, error) {
	var cp ir.Checkpoint
	var path, rev, prefix sql.NullString
	var updated string

	err := s.db.QueryRowContext(ctx, `
		SELECT position, path, revision_hash, graph_hash, prefix_hash, run_id, updated_at
		FROM checkpoints
		WHERE scope = ?
	`, scope).Scan(&cp.Position, &path, &rev, &cp.GraphHash, &prefix, &cp.RunID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", scope, err)
	}

	cp.Path = path.String
	cp.RevisionHash = rev.String
	cp.PrefixHash = prefix.String
	if cp.UpdatedAt, err = parseTime(updated); err != nil {
		return ir.Checkpoint{}, err
	}
	return cp, nil
}

// DeleteCheckpoint removes the checkpoint of scope. Deleting a missing
// checkpoint is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", scope, err)
	}
	return nil
}
