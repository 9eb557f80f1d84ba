// Package store provides SQLite-backed durable storage for peagen runs.
//
// The store holds:
//   - Revisions: content-addressed artifact versions and their fanout roots
//   - Revision paths: every rendered path that produced a revision
//   - Edges: worker contributions to a revision, in append order
//   - Heads: the latest revision of each path, used as the next parent
//   - Checkpoints: the completed prefix of a scope's ordered sequence
//   - Runs: run metadata (graph hash, mode, status)
//
// # Idempotency
//
// WriteProvenance may be called repeatedly for the same revision as edges
// and the fanout root are added. Revision, path and edge inserts use
// ON CONFLICT DO NOTHING; the fanout root is written once and never
// overwritten with a different value.
//
// # Deterministic Reads
//
// Queries that return lists order by a content key (revision hash, path)
// or by the append sequence within a revision, never by wall time.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
