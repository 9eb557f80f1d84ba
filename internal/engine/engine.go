package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmauri/peagen/internal/artifact"
	"github.com/swarmauri/peagen/internal/collab"
	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/ledger"
	"github.com/swarmauri/peagen/internal/order"
	"github.com/swarmauri/peagen/internal/store"
)

const (
	// DefaultScope keys the checkpoint when Config.Scope is empty.
	DefaultScope = "default"

	// DefaultWorkerPrefix prefixes worker IDs: worker-1, worker-2, ...
	DefaultWorkerPrefix = "worker"
)

// Store is the durable state the engine reads and writes.
// *store.Store implements it.
type Store interface {
	ledger.Sink
	LoadRevision(ctx context.Context, revisionHash string) (ir.ProvenanceRecord, error)
	Heads(ctx context.Context) (map[string]string, error)
	Fingerprints(ctx context.Context) (map[string]string, error)
	SetHead(ctx context.Context, path, revisionHash, fingerprint string, at time.Time) error
	PutCheckpoint(ctx context.Context, scope string, cp ir.Checkpoint) error
	LoadCheckpoint(ctx context.Context, scope string) (ir.Checkpoint, error)
	BeginRun(ctx context.Context, run store.Run) error
	FinishRun(ctx context.Context, id string, status store.RunStatus, at time.Time) error
}

// Collaborators produce record output. A nil collaborator fails every
// record that needs it.
type Collaborators struct {
	Renderer  collab.Renderer
	Generator collab.Generator
	Scripts   collab.ScriptRunner
}

// Config configures an Engine.
type Config struct {
	// Workers bounds concurrent dispatches. Values below 1 mean 1.
	Workers int

	// FailFast stops dispatching at the first failed record.
	FailFast bool

	// Mode selects the ordering. Both modes give the same order over a
	// whole graph; Transitive is recorded with the run for auditing.
	Mode order.Mode

	// DispatchTimeout bounds each collaborator call. Zero means no limit.
	DispatchTimeout time.Duration

	// Scope keys the checkpoint, normally the project name.
	Scope string

	// WorkerPrefix names worker slots in provenance edges.
	WorkerPrefix string

	Logger *slog.Logger
	Now    func() time.Time
	RunIDs RunIDGenerator
}

// Engine runs and resumes record sequences.
//
// An Engine holds no per-run state; each Run or Resume builds a fresh
// ledger and scheduler, so one Engine may serve many runs.
type Engine struct {
	store     Store
	artifacts artifact.Store
	collab    Collaborators
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine. Zero Config fields take their defaults.
func New(s Store, artifacts artifact.Store, c Collaborators, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = DefaultWorkerPrefix
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.RunIDs == nil {
		cfg.RunIDs = UUIDv7Generator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		artifacts: artifacts,
		collab:    c,
		cfg:       cfg,
		logger:    logger,
	}
}

// Result describes a finished run.
type Result struct {
	RunID  string
	Status store.RunStatus

	// Order is the full ordered sequence.
	Order []string

	// Start is the checkpoint position the run started from.
	Start int

	// States holds the final state of every record. Records before Start
	// are Completed.
	States map[string]State

	// Revisions maps each record completed by this run to its revision.
	Revisions map[string]string

	// Completed, Failed and Blocked list this run's records in sequence
	// order.
	Completed []string
	Failed    []string
	Blocked   []string

	// Unchanged lists the completed records whose artifact already held
	// the produced bytes. Drifted lists the completed records whose
	// artifact had been edited since the previous run wrote it; the edit
	// was overwritten.
	Unchanged []string
	Drifted   []string

	// Checkpoint is the last persisted checkpoint.
	Checkpoint ir.Checkpoint

	// Errors holds the error of every Failed or Blocked record.
	Errors map[string]error
}

// Run executes the whole order from the beginning, replacing any stored
// checkpoint for the scope.
//
// Graph errors (cycles) abort before anything is written. A run whose
// records do not all complete returns the Result together with an error:
// the first failure under FailFast, every failure joined otherwise, or the
// context error when cancelled.
func (e *Engine) Run(ctx context.Context, g *graph.Graph) (*Result, error) {
	return e.execute(ctx, g, nil)
}

// Resume continues from the stored checkpoint of the scope. The order is
// recomputed and must still line up with the checkpoint; otherwise Resume
// returns a *CheckpointMismatchError without running anything. With no
// stored checkpoint Resume behaves like Run.
func (e *Engine) Resume(ctx context.Context, g *graph.Graph) (*Result, error) {
	cp, err := e.store.LoadCheckpoint(ctx, e.cfg.Scope)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("no checkpoint to resume, starting from the beginning", "scope", e.cfg.Scope)
		return e.execute(ctx, g, nil)
	}
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, g, &cp)
}

// Plan returns the order and the position a Resume would start from,
// without running anything.
func (e *Engine) Plan(ctx context.Context, g *graph.Graph) ([]string, int, error) {
	seq, err := order.Sort(g, order.Options{Mode: e.cfg.Mode})
	if err != nil {
		return nil, 0, err
	}
	cp, err := e.store.LoadCheckpoint(ctx, e.cfg.Scope)
	if errors.Is(err, store.ErrNotFound) {
		return seq, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	prefixes, err := prefixHashes(g, seq)
	if err != nil {
		return nil, 0, err
	}
	if err := alignCheckpoint(e.cfg.Scope, seq, prefixes, cp); err != nil {
		return nil, 0, err
	}
	return seq, cp.Position, nil
}

func (e *Engine) execute(ctx context.Context, g *graph.Graph, cp *ir.Checkpoint) (*Result, error) {
	seq, err := order.Sort(g, order.Options{Mode: e.cfg.Mode})
	if err != nil {
		return nil, err
	}
	closure, err := order.NewClosure(g)
	if err != nil {
		return nil, err
	}
	graphHash, err := g.Hash()
	if err != nil {
		return nil, err
	}
	prefixes, err := prefixHashes(g, seq)
	if err != nil {
		return nil, err
	}

	start := 0
	if cp != nil {
		if err := alignCheckpoint(e.cfg.Scope, seq, prefixes, *cp); err != nil {
			return nil, err
		}
		start = cp.Position
	}

	heads, err := e.store.Heads(ctx)
	if err != nil {
		return nil, fmt.Errorf("load heads: %w", err)
	}
	fingerprints, err := e.store.Fingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}
	led := ledger.New(ledger.WithClock(e.cfg.Now))
	led.SeedHeads(heads)

	r := newRun(e, g, closure, led, seq, start)
	r.id = e.cfg.RunIDs.Generate()
	r.graphHash = graphHash
	r.prefixes = prefixes
	r.fingerprints = fingerprints
	logger := e.logger.With("run_id", r.id, "scope", e.cfg.Scope)
	r.logger = logger

	// Writes after this point must land even if ctx is cancelled, so the
	// checkpoint and provenance describe what actually happened.
	persist := context.WithoutCancel(ctx)

	if err := e.store.BeginRun(persist, store.Run{
		ID:          r.id,
		Scope:       e.cfg.Scope,
		GraphHash:   graphHash,
		Mode:        e.cfg.Mode.String(),
		Status:      store.RunRunning,
		StartedAt:   e.cfg.Now(),
		ResumedFrom: start,
	}); err != nil {
		return nil, err
	}

	if cp != nil {
		r.checkpoint = *cp
	} else {
		r.checkpoint = ir.Checkpoint{
			GraphHash:  graphHash,
			PrefixHash: prefixes[0],
			RunID:      r.id,
			UpdatedAt:  e.cfg.Now(),
		}
		if err := e.store.PutCheckpoint(persist, e.cfg.Scope, r.checkpoint); err != nil {
			e.finish(persist, r.id, store.RunFailed, logger)
			return nil, err
		}
	}

	logger.Info("run starting",
		"records", len(seq),
		"position", start,
		"workers", e.cfg.Workers,
		"mode", e.cfg.Mode.String(),
	)

	r.loop(ctx, persist)

	// Revisions stay open while the run can still add edges to them, so
	// their edge sets do not depend on completion order.
	if err := led.FinalizeAll(); err != nil && r.fatal == nil {
		r.fatal = fmt.Errorf("finalize ledger: %w", err)
	}
	if err := led.Flush(persist, e.store); err != nil && r.fatal == nil {
		r.fatal = err
	}

	res := r.result()
	var runErr error
	switch {
	case r.fatal != nil:
		res.Status = store.RunFailed
		runErr = r.fatal
	case len(res.Completed) == len(seq)-start:
		res.Status = store.RunSucceeded
	case ctx.Err() != nil:
		res.Status = store.RunCancelled
		runErr = fmt.Errorf("run %s cancelled at position %d: %w", r.id, res.Checkpoint.Position, ctx.Err())
	case e.cfg.FailFast && r.firstFailure != nil:
		res.Status = store.RunFailed
		runErr = r.firstFailure
	default:
		res.Status = store.RunFailed
		errs := make([]error, 0, len(res.Failed))
		for _, p := range res.Failed {
			errs = append(errs, res.Errors[p])
		}
		runErr = errors.Join(errs...)
	}

	e.finish(persist, r.id, res.Status, logger)
	logger.Info("run finished",
		"status", string(res.Status),
		"completed", len(res.Completed),
		"failed", len(res.Failed),
		"blocked", len(res.Blocked),
		"unchanged", len(res.Unchanged),
		"position", res.Checkpoint.Position,
	)
	return res, runErr
}

func (e *Engine) finish(ctx context.Context, id string, status store.RunStatus, logger *slog.Logger) {
	if err := e.store.FinishRun(ctx, id, status, e.cfg.Now()); err != nil {
		logger.Error("failed to record run status", "status", string(status), "error", err)
	}
}

// run is the scheduler state of one execution. Every field is owned by the
// scheduler goroutine except inbox and pool.
type run struct {
	e       *Engine
	g       *graph.Graph
	closure *order.Closure
	led     *ledger.Ledger
	logger  *slog.Logger

	id           string
	graphHash    string
	prefixes     []string          // prefix hash per checkpoint position
	fingerprints map[string]string // artifact fingerprints stored with heads; read-only
	seq          []string
	pos          map[string]int // path -> sequence index
	start        int

	states    states
	waiting   map[string]int // direct prerequisites not yet Completed
	ready     intMinHeap     // sequence indices of ready records
	outputs   map[string][]byte
	revisions map[string]string
	unchanged map[string]bool
	drifted   map[string]bool
	errs      map[string]error
	inFlight  map[string]int // path -> worker slot
	slots     []bool

	checkpoint   ir.Checkpoint
	firstFailure error
	fatal        error
	stopped      bool

	inbox *mailbox
	pool  errgroup.Group
}

func newRun(e *Engine, g *graph.Graph, closure *order.Closure, led *ledger.Ledger, seq []string, start int) *run {
	r := &run{
		e:         e,
		g:         g,
		closure:   closure,
		led:       led,
		seq:       seq,
		pos:       make(map[string]int, len(seq)),
		start:     start,
		states:    make(states, len(seq)),
		waiting:   make(map[string]int, len(seq)),
		outputs:   make(map[string][]byte),
		revisions: make(map[string]string),
		unchanged: make(map[string]bool),
		drifted:   make(map[string]bool),
		errs:      make(map[string]error),
		inFlight:  make(map[string]int),
		slots:     make([]bool, e.cfg.Workers),
		inbox:     newMailbox(),
	}
	r.pool.SetLimit(e.cfg.Workers)

	for i, p := range seq {
		r.pos[p] = i
		if i < start {
			r.states[p] = StateCompleted
		} else {
			r.states[p] = StatePending
		}
	}
	for i := start; i < len(seq); i++ {
		p := seq[i]
		n := 0
		for _, d := range g.Dependencies(p) {
			if r.states[d] != StateCompleted {
				n++
			}
		}
		r.waiting[p] = n
		if n == 0 {
			heap.Push(&r.ready, i)
		}
	}
	return r
}

// loop is the single-writer scheduler. It returns once nothing is in
// flight and nothing more can be dispatched.
func (r *run) loop(ctx, persist context.Context) {
	done := ctx.Done()
	for {
		for _, ev := range r.inbox.take() {
			r.handle(persist, ev)
		}

		r.dispatchReady(ctx)

		if len(r.inFlight) == 0 {
			break
		}

		select {
		case <-r.inbox.ready():
		case <-done:
			done = nil
			if !r.stopped {
				r.logger.Warn("run cancelled, draining in-flight dispatches", "in_flight", len(r.inFlight))
				r.stopped = true
			}
		}
	}
	_ = r.pool.Wait()
	r.inbox.seal()
}

func (r *run) dispatchReady(ctx context.Context) {
	if !r.stopped && ctx.Err() != nil {
		r.stopped = true
	}
	for !r.stopped && len(r.inFlight) < len(r.slots) && r.ready.Len() > 0 {
		i := heap.Pop(&r.ready).(int)
		p := r.seq[i]
		if r.states[p] != StatePending {
			continue
		}
		for q := range r.inFlight {
			if !r.closure.Independent(p, q) {
				r.stop(fmt.Errorf("scheduler invariant violated: %s dispatched while dependent record %s is in flight", p, q))
				return
			}
		}
		if err := r.states.transition(p, StatePending, StateDispatched); err != nil {
			r.stop(err)
			return
		}

		rec, _ := r.g.Record(p)
		j := job{
			rec:      rec,
			slot:     r.claimSlot(),
			deps:     make(map[string][]byte),
			depPaths: r.g.Dependencies(p),
		}
		j.workerID = fmt.Sprintf("%s-%d", r.e.cfg.WorkerPrefix, j.slot+1)
		for _, d := range j.depPaths {
			if out, ok := r.outputs[d]; ok {
				j.deps[d] = out
			}
		}
		r.inFlight[p] = j.slot

		r.logger.Debug("dispatching record",
			"path", p,
			"index", i,
			"process", rec.ProcessType.String(),
			"worker", j.workerID,
		)
		r.pool.Go(func() error {
			r.inbox.post(r.work(ctx, j))
			return nil
		})
	}
}

func (r *run) handle(ctx context.Context, ev Event) {
	delete(r.inFlight, ev.Path)
	r.slots[ev.Slot] = false

	switch ev.Type {
	case EventCompleted:
		if err := r.states.transition(ev.Path, StateDispatched, StateCompleted); err != nil {
			r.stop(err)
			return
		}
		r.outputs[ev.Path] = ev.Output
		r.revisions[ev.Path] = ev.RevisionHash
		if ev.Unchanged {
			r.unchanged[ev.Path] = true
		}
		if ev.Drifted {
			r.drifted[ev.Path] = true
		}
		r.logger.Debug("record completed",
			"path", ev.Path,
			"revision", shortHash(ev.RevisionHash),
			"unchanged", ev.Unchanged,
		)

		for _, d := range r.g.Dependents(ev.Path) {
			if r.states[d] != StatePending {
				continue
			}
			r.waiting[d]--
			if r.waiting[d] == 0 {
				heap.Push(&r.ready, r.pos[d])
			}
		}
		r.advanceCheckpoint(ctx)

	case EventFailed:
		if err := r.states.transition(ev.Path, StateDispatched, StateFailed); err != nil {
			r.stop(err)
			return
		}
		r.errs[ev.Path] = ev.Err
		r.logger.Warn("record failed", "path", ev.Path, "error", ev.Err)
		if r.firstFailure == nil {
			r.firstFailure = ev.Err
		}

		for _, d := range r.g.Descendants(ev.Path) {
			if r.states[d] != StatePending {
				continue
			}
			if err := r.states.transition(d, StatePending, StateBlocked); err != nil {
				r.stop(err)
				return
			}
			r.errs[d] = &BlockedError{Path: d, Cause: ev.Path}
			r.logger.Debug("record blocked", "path", d, "cause", ev.Path)
		}
		if r.e.cfg.FailFast && !r.stopped {
			r.logger.Warn("fail-fast: stopping dispatch", "path", ev.Path)
			r.stopped = true
		}
	}
}

// advanceCheckpoint moves the checkpoint over the contiguous completed
// prefix of the order and persists it.
func (r *run) advanceCheckpoint(ctx context.Context) {
	pos := r.checkpoint.Position
	for pos < len(r.seq) && r.states[r.seq[pos]] == StateCompleted {
		pos++
	}
	if pos == r.checkpoint.Position {
		return
	}
	last := r.seq[pos-1]
	cp := ir.Checkpoint{
		Position:     pos,
		Path:         last,
		RevisionHash: r.revisions[last],
		GraphHash:    r.graphHash,
		PrefixHash:   r.prefixes[pos],
		RunID:        r.id,
		UpdatedAt:    r.e.cfg.Now(),
	}
	if err := r.e.store.PutCheckpoint(ctx, r.e.cfg.Scope, cp); err != nil {
		r.stop(fmt.Errorf("persist checkpoint: %w", err))
		return
	}
	r.checkpoint = cp
}

func (r *run) stop(err error) {
	if r.fatal == nil {
		r.fatal = err
		r.logger.Error("run aborted", "error", err)
	}
	r.stopped = true
}

func (r *run) claimSlot() int {
	for i, busy := range r.slots {
		if !busy {
			r.slots[i] = true
			return i
		}
	}
	// dispatchReady never exceeds the slot count.
	panic("engine: no free worker slot")
}

func (r *run) result() *Result {
	res := &Result{
		RunID:      r.id,
		Order:      r.seq,
		Start:      r.start,
		States:     make(map[string]State, len(r.states)),
		Revisions:  r.revisions,
		Checkpoint: r.checkpoint,
		Errors:     r.errs,
	}
	for p, s := range r.states {
		res.States[p] = s
	}
	for _, p := range r.seq[r.start:] {
		switch r.states[p] {
		case StateCompleted:
			res.Completed = append(res.Completed, p)
			if r.unchanged[p] {
				res.Unchanged = append(res.Unchanged, p)
			}
			if r.drifted[p] {
				res.Drifted = append(res.Drifted, p)
			}
		case StateFailed:
			res.Failed = append(res.Failed, p)
		case StateBlocked:
			res.Blocked = append(res.Blocked, p)
		}
	}
	return res
}

// intMinHeap orders ready records by sequence index, so ties between
// ready records break in sequence order.
type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
