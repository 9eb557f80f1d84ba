// Package ledger holds the provenance ledger for one run.
//
// The ledger is an append-only, content-addressed store of revisions and
// the edges that workers contribute to them. It lives in memory for the
// duration of a run, is passed explicitly to the engine and is flushed to a
// Sink (normally the SQLite store) as revisions complete.
//
// Concurrency: the revision map is guarded by an RWMutex; each revision has
// its own mutex serializing edge appends, so workers touching different
// revisions never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

var (
	// ErrRevisionClosed is returned when appending to a finalized revision.
	ErrRevisionClosed = errors.New("revision closed")

	// ErrUnknownRevision is returned for a revision or parent the ledger
	// has never seen.
	ErrUnknownRevision = errors.New("unknown revision")
)

// DuplicateRevisionError reports a revision hash already recorded with
// different fields.
type DuplicateRevisionError struct {
	RevisionHash string
	Existing     ir.Revision
	ParentHash   string
	PayloadHash  string
}

func (e *DuplicateRevisionError) Error() string {
	return fmt.Sprintf("duplicate revision %s: recorded with parent=%q payload=%q, got parent=%q payload=%q",
		e.RevisionHash, e.Existing.ParentHash, e.Existing.PayloadHash, e.ParentHash, e.PayloadHash)
}

// Sink receives provenance records. Writes must be idempotent: the same
// record may be written more than once as edges and the fanout root are
// added.
type Sink interface {
	WriteProvenance(ctx context.Context, rec ir.ProvenanceRecord) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the timestamp source for new revisions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger is the in-memory provenance ledger.
type Ledger struct {
	now func() time.Time

	mu        sync.RWMutex
	revisions map[string]*entry
	heads     map[string]string   // path -> latest revision hash
	known     map[string]struct{} // persisted revisions usable as parents
}

type entry struct {
	mu           sync.Mutex
	rev          ir.Revision
	paths        []string
	edges        []ir.Edge
	lastByWorker map[string]string
	root         string
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:       func() time.Time { return time.Now().UTC() },
		revisions: make(map[string]*entry),
		heads:     make(map[string]string),
		known:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SeedHeads registers the latest persisted revision of each path. Seeded
// revisions are accepted as parents and returned by Head.
func (l *Ledger) SeedHeads(heads map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, rev := range heads {
		l.heads[path] = rev
		l.known[rev] = struct{}{}
	}
}

// Seed loads previously persisted records. A finalized record stays
// finalized: further RecordEdge calls return ErrRevisionClosed.
func (l *Ledger) Seed(recs ...ir.ProvenanceRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range recs {
		if existing, ok := l.revisions[rec.RevisionHash]; ok {
			if !sameFields(existing.rev, rec.ParentHash, rec.PayloadHash) {
				return &DuplicateRevisionError{
					RevisionHash: rec.RevisionHash,
					Existing:     existing.rev,
					ParentHash:   rec.ParentHash,
					PayloadHash:  rec.PayloadHash,
				}
			}
			continue
		}
		e := &entry{
			rev:          rec.Revision,
			paths:        slices.Clone(rec.Paths),
			edges:        slices.Clone(rec.Edges),
			lastByWorker: make(map[string]string),
			root:         rec.FanoutRoot,
		}
		if len(e.paths) == 0 && rec.Path != "" {
			e.paths = []string{rec.Path}
		}
		for _, edge := range e.edges {
			e.lastByWorker[edge.WorkerID] = edge.EdgeHash
		}
		l.revisions[rec.RevisionHash] = e
	}
	return nil
}

// Has reports whether revisionHash is recorded in this ledger.
func (l *Ledger) Has(revisionHash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.revisions[revisionHash]
	return ok
}

// Head returns the latest revision recorded for path.
func (l *Ledger) Head(path string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rev, ok := l.heads[path]
	return rev, ok
}

// RecordRevision records a revision of path and makes it the path's head.
//
// Recording the same parent and payload again is idempotent and returns
// the same hash; the path is added to the revision's path list. A non-empty
// parent must be a recorded revision or a seeded head.
func (l *Ledger) RecordRevision(parentHash, payloadHash, path string) (string, error) {
	revHash, err := ir.RevisionHash(parentHash, payloadHash)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if parentHash != "" {
		_, recorded := l.revisions[parentHash]
		_, known := l.known[parentHash]
		if !recorded && !known {
			return "", fmt.Errorf("parent %s: %w", parentHash, ErrUnknownRevision)
		}
	}

	if existing, ok := l.revisions[revHash]; ok {
		if !sameFields(existing.rev, parentHash, payloadHash) {
			return "", &DuplicateRevisionError{
				RevisionHash: revHash,
				Existing:     existing.rev,
				ParentHash:   parentHash,
				PayloadHash:  payloadHash,
			}
		}
		existing.mu.Lock()
		if path != "" && !slices.Contains(existing.paths, path) {
			existing.paths = append(existing.paths, path)
		}
		existing.mu.Unlock()
		if path != "" {
			l.heads[path] = revHash
		}
		return revHash, nil
	}

	e := &entry{
		rev: ir.Revision{
			RevisionHash: revHash,
			ParentHash:   parentHash,
			PayloadHash:  payloadHash,
			Path:         path,
			Timestamp:    l.now(),
		},
		lastByWorker: make(map[string]string),
	}
	if path != "" {
		e.paths = []string{path}
		l.heads[path] = revHash
	}
	l.revisions[revHash] = e
	return revHash, nil
}

// RecordEdge appends workerID's contribution to a revision and returns the
// edge hash. The edge chains onto the same worker's previous edge on this
// revision, so the edge set does not depend on how workers interleave.
func (l *Ledger) RecordEdge(revisionHash, payloadHash, workerID string) (string, error) {
	e, err := l.lookup(revisionHash)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.root != "" {
		return "", fmt.Errorf("revision %s: %w", revisionHash, ErrRevisionClosed)
	}

	parent := e.lastByWorker[workerID]
	edgeHash, err := ir.EdgeHash(revisionHash, payloadHash, workerID, parent)
	if err != nil {
		return "", err
	}
	e.edges = append(e.edges, ir.Edge{
		EdgeHash:       edgeHash,
		RevisionHash:   revisionHash,
		PayloadHash:    payloadHash,
		WorkerID:       workerID,
		ParentEdgeHash: parent,
	})
	e.lastByWorker[workerID] = edgeHash
	return edgeHash, nil
}

// Finalize closes a revision to further edges and returns its fanout root.
// Finalizing again returns the cached root.
func (l *Ledger) Finalize(revisionHash string) (string, error) {
	e, err := l.lookup(revisionHash)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.root != "" {
		return e.root, nil
	}
	hashes := make([]string, len(e.edges))
	for i, edge := range e.edges {
		hashes[i] = edge.EdgeHash
	}
	root, err := ir.FanoutRootHash(hashes)
	if err != nil {
		return "", err
	}
	e.root = root
	return root, nil
}

// Record returns the audit view of a revision.
func (l *Ledger) Record(revisionHash string) (ir.ProvenanceRecord, bool) {
	l.mu.RLock()
	e, ok := l.revisions[revisionHash]
	l.mu.RUnlock()
	if !ok {
		return ir.ProvenanceRecord{}, false
	}
	return e.snapshot(), true
}

// Records returns every revision sorted by revision hash.
func (l *Ledger) Records() []ir.ProvenanceRecord {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.revisions))
	for _, e := range l.revisions {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]ir.ProvenanceRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	slices.SortFunc(out, func(a, b ir.ProvenanceRecord) int {
		switch {
		case a.RevisionHash < b.RevisionHash:
			return -1
		case a.RevisionHash > b.RevisionHash:
			return 1
		}
		return 0
	})
	return out
}

// FinalizeAll finalizes every open revision.
func (l *Ledger) FinalizeAll() error {
	var errs []error
	for _, rec := range l.Records() {
		if rec.Finalized() {
			continue
		}
		if _, err := l.Finalize(rec.RevisionHash); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush writes every finalized record to sink, in revision hash order.
func (l *Ledger) Flush(ctx context.Context, sink Sink) error {
	for _, rec := range l.Records() {
		if !rec.Finalized() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.WriteProvenance(ctx, rec); err != nil {
			return fmt.Errorf("flush revision %s: %w", rec.RevisionHash, err)
		}
	}
	return nil
}

func (l *Ledger) lookup(revisionHash string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.revisions[revisionHash]
	if !ok {
		return nil, fmt.Errorf("revision %s: %w", revisionHash, ErrUnknownRevision)
	}
	return e, nil
}

func (e *entry) snapshot() ir.ProvenanceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ir.ProvenanceRecord{
		Revision:   e.rev,
		Paths:      slices.Clone(e.paths),
		Edges:      slices.Clone(e.edges),
		FanoutRoot: e.root,
	}
}

func sameFields(rev ir.Revision, parentHash, payloadHash string) bool {
	return rev.ParentHash == parentHash && rev.PayloadHash == payloadHash
}
