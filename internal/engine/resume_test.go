package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmauri/peagen/internal/artifact"
	"github.com/swarmauri/peagen/internal/collab"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/ledger"
	"github.com/swarmauri/peagen/internal/store"
)

func TestResume_ContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	g := chainGraph(t, 10)

	// Reference: one uninterrupted run.
	refStore := setupTestStore(t)
	refArts := artifact.NewMemory()
	ref, err := newTestEngine(refStore, refArts, collab.NewFake(), Config{}).Run(ctx, g)
	require.NoError(t, err)
	require.Len(t, ref.Completed, 10)

	// Interrupted: n05 fails, everything after it is blocked.
	s := setupTestStore(t)
	arts := artifact.NewMemory()
	failing := collab.NewFake()
	failing.Fail["n05.txt"] = errors.New("model unavailable")
	first, err := newTestEngine(s, arts, failing, Config{}).Run(ctx, g)
	require.Error(t, err)
	assert.Len(t, first.Completed, 5)
	assert.Equal(t, []string{"n05.txt"}, first.Failed)
	assert.Len(t, first.Blocked, 4)

	cp, err := s.LoadCheckpoint(ctx, DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, 5, cp.Position)
	assert.Equal(t, "n04.txt", cp.Path)

	// Resume runs exactly the remaining records.
	healthy := collab.NewFake()
	second, err := newTestEngine(s, arts, healthy, Config{}).Resume(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 5, second.Start)
	assert.Equal(t, store.RunSucceeded, second.Status)
	assert.Equal(t, []string{"n05.txt", "n06.txt", "n07.txt", "n08.txt", "n09.txt"}, second.Completed)
	assert.Equal(t, second.Completed, healthy.Paths())
	assert.Equal(t, StateCompleted, second.States["n00.txt"])
	assert.Equal(t, 10, second.Checkpoint.Position)

	// n05 reads its prerequisite's output back from the artifact store, so
	// the resumed bytes equal those of the uninterrupted run.
	for _, p := range g.Paths() {
		want, err := refArts.Get(ctx, p)
		require.NoError(t, err)
		got, err := arts.Get(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), p)
	}
	for _, p := range g.Paths() {
		assert.Equal(t, ref.Revisions[p], revisionOf(first, second, p), p)
	}

	runs, err := s.Runs(ctx, DefaultScope)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, store.RunFailed, runs[0].Status)
	assert.Equal(t, store.RunSucceeded, runs[1].Status)
	assert.Equal(t, 5, runs[1].ResumedFrom)

	all, err := s.Records(ctx)
	require.NoError(t, err)
	require.NoError(t, ledger.VerifyAll(all))
}

func revisionOf(first, second *Result, p string) string {
	if rev, ok := second.Revisions[p]; ok {
		return rev
	}
	return first.Revisions[p]
}

func TestResume_WithoutCheckpointRunsEverything(t *testing.T) {
	s := setupTestStore(t)
	fake := collab.NewFake()
	res, err := newTestEngine(s, artifact.NewMemory(), fake, Config{}).Resume(context.Background(), abcd(t))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Start)
	assert.Len(t, fake.Calls(), 4)
}

func TestResume_CompletedCheckpointIsNoop(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	g := abcd(t)
	_, err := newTestEngine(s, artifact.NewMemory(), collab.NewFake(), Config{}).Run(ctx, g)
	require.NoError(t, err)

	fake := collab.NewFake()
	res, err := newTestEngine(s, artifact.NewMemory(), fake, Config{}).Resume(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Start)
	assert.Empty(t, res.Completed)
	assert.Empty(t, fake.Calls())
	assert.Equal(t, store.RunSucceeded, res.Status)
}

func TestResume_RefusesMisalignedCheckpoint(t *testing.T) {
	tests := []struct {
		name   string
		cp     ir.Checkpoint
		reason MismatchReason
	}{
		{
			name:   "position past end",
			cp:     ir.Checkpoint{Position: 7, Path: "x.txt"},
			reason: MismatchPosition,
		},
		{
			name:   "negative position",
			cp:     ir.Checkpoint{Position: -1},
			reason: MismatchPosition,
		},
		{
			name:   "different record at position",
			cp:     ir.Checkpoint{Position: 2, Path: "c.txt"},
			reason: MismatchPath,
		},
		{
			name:   "path at position zero",
			cp:     ir.Checkpoint{Position: 0, Path: "a.txt"},
			reason: MismatchPath,
		},
		{
			name:   "prefix changed",
			cp:     ir.Checkpoint{Position: 2, Path: "b.txt", PrefixHash: ir.MustPayloadHash("another prefix")},
			reason: MismatchGraph,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()
			require.NoError(t, s.PutCheckpoint(ctx, DefaultScope, tt.cp))

			fake := collab.NewFake()
			e := newTestEngine(s, artifact.NewMemory(), fake, Config{})
			res, err := e.Resume(ctx, abcd(t))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, IsCheckpointMismatch(err))

			var me *CheckpointMismatchError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.reason, me.Reason)
			assert.Contains(t, err.Error(), string(tt.reason))
			assert.Empty(t, fake.Calls(), "nothing runs on a misaligned checkpoint")

			runs, err := s.Runs(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, runs)

			_, _, err = e.Plan(ctx, abcd(t))
			assert.True(t, IsCheckpointMismatch(err))
		})
	}
}

func TestResume_ToleratesRecordsOutsidePrefix(t *testing.T) {
	s := setupTestStore(t)
	arts := artifact.NewMemory()
	ctx := context.Background()

	failing := collab.NewFake()
	failing.Fail["c.txt"] = errors.New("boom")
	_, err := newTestEngine(s, arts, failing, Config{}).Run(ctx,
		buildGraph(t, copyRec("a.txt"), copyRec("b.txt", "a.txt"), copyRec("c.txt", "b.txt")))
	require.Error(t, err)

	cp, err := s.LoadCheckpoint(ctx, DefaultScope)
	require.NoError(t, err)
	require.Equal(t, 2, cp.Position)
	require.Equal(t, "b.txt", cp.Path)
	require.NotEmpty(t, cp.PrefixHash)

	// z.txt is new and depends on nothing in the completed prefix.
	grown := buildGraph(t, copyRec("a.txt"), copyRec("b.txt", "a.txt"), copyRec("c.txt", "b.txt"), copyRec("z.txt"))
	healthy := collab.NewFake()
	res, err := newTestEngine(s, arts, healthy, Config{}).Resume(ctx, grown)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Start)
	assert.Equal(t, []string{"c.txt", "z.txt"}, res.Completed)
	assert.Equal(t, []string{"c.txt", "z.txt"}, healthy.Paths())
	assert.Equal(t, 4, res.Checkpoint.Position)
	assert.NotEqual(t, cp.GraphHash, res.Checkpoint.GraphHash)
}

func TestResume_RefusesChangedPrefix(t *testing.T) {
	tests := []struct {
		name  string
		graph []ir.FileRecord
	}{
		{
			name:  "record replaced inside the prefix",
			graph: []ir.FileRecord{copyRec("x.txt"), copyRec("b.txt", "x.txt"), copyRec("c.txt", "b.txt")},
		},
		{
			name:  "prefix record lost a prerequisite",
			graph: []ir.FileRecord{copyRec("a.txt"), copyRec("b.txt"), copyRec("c.txt", "b.txt")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()
			failing := collab.NewFake()
			failing.Fail["c.txt"] = errors.New("boom")
			_, err := newTestEngine(s, artifact.NewMemory(), failing, Config{}).Run(ctx,
				buildGraph(t, copyRec("a.txt"), copyRec("b.txt", "a.txt"), copyRec("c.txt", "b.txt")))
			require.Error(t, err)

			g := buildGraph(t, tt.graph...)
			fake := collab.NewFake()
			e := newTestEngine(s, artifact.NewMemory(), fake, Config{})
			_, err = e.Resume(ctx, g)
			var me *CheckpointMismatchError
			require.True(t, errors.As(err, &me), "got %v", err)
			assert.Equal(t, MismatchGraph, me.Reason, "b.txt still sits at position 2")
			assert.Empty(t, fake.Calls())

			_, _, err = e.Plan(ctx, g)
			assert.True(t, IsCheckpointMismatch(err))
		})
	}
}

func TestResume_AfterCancellation(t *testing.T) {
	s := setupTestStore(t)
	arts := artifact.NewMemory()
	g := buildGraph(t, copyRec("a.txt"), copyRec("b.txt", "a.txt"), copyRec("c.txt", "b.txt"))

	fake := collab.NewFake()
	fake.Block["b.txt"] = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := newTestEngine(s, arts, fake, Config{}).Run(ctx, g)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		calls := fake.Calls()
		return len(calls) == 2 && calls[1] == "render:b.txt"
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, store.RunCancelled, out.res.Status)
	assert.Equal(t, []string{"a.txt"}, out.res.Completed)
	assert.Equal(t, []string{"b.txt"}, out.res.Failed, "the in-flight record fails with the cancellation")
	assert.Equal(t, StateBlocked, out.res.States["c.txt"])

	cp, err := s.LoadCheckpoint(context.Background(), DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Position)
	assert.Equal(t, "a.txt", cp.Path)

	runs, err := s.Runs(context.Background(), DefaultScope)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunCancelled, runs[0].Status)

	healthy := collab.NewFake()
	res, err := newTestEngine(s, arts, healthy, Config{}).Resume(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "c.txt"}, res.Completed)
	assert.Equal(t, []string{"b.txt", "c.txt"}, healthy.Paths())
}

func TestResume_ScopeIsolation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	g := abcd(t)

	_, err := newTestEngine(s, artifact.NewMemory(), collab.NewFake(), Config{Scope: "alpha"}).Run(ctx, g)
	require.NoError(t, err)

	fake := collab.NewFake()
	res, err := newTestEngine(s, artifact.NewMemory(), fake, Config{Scope: "beta"}).Resume(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Start, "beta has no checkpoint of its own")
	assert.Len(t, fake.Calls(), 4)
}

func TestPlan(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	g := chainGraph(t, 4)
	e := newTestEngine(s, artifact.NewMemory(), collab.NewFake(), Config{})

	seq, start, err := e.Plan(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, []string{"n00.txt", "n01.txt", "n02.txt", "n03.txt"}, seq)
	assert.Equal(t, 0, start)

	fake := collab.NewFake()
	fake.Fail["n02.txt"] = errors.New("boom")
	_, err = newTestEngine(s, artifact.NewMemory(), fake, Config{}).Run(ctx, g)
	require.Error(t, err)

	_, start, err = e.Plan(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 2, start)
}

func TestAlignCheckpoint(t *testing.T) {
	seq := []string{"a", "b", "c"}
	prefixes := []string{
		ir.MustPayloadHash("p0"),
		ir.MustPayloadHash("p1"),
		ir.MustPayloadHash("p2"),
		ir.MustPayloadHash("p3"),
	}

	tests := []struct {
		name   string
		cp     ir.Checkpoint
		reason MismatchReason
		found  string
	}{
		{name: "start", cp: ir.Checkpoint{PrefixHash: prefixes[0]}},
		{name: "middle", cp: ir.Checkpoint{Position: 2, Path: "b", PrefixHash: prefixes[2]}},
		{name: "end", cp: ir.Checkpoint{Position: 3, Path: "c", PrefixHash: prefixes[3]}},
		{name: "without prefix hash", cp: ir.Checkpoint{Position: 1, Path: "a"}},
		{name: "graph hash is not compared", cp: ir.Checkpoint{Position: 1, Path: "a", GraphHash: ir.MustPayloadHash("old")}},
		{name: "beyond end", cp: ir.Checkpoint{Position: 4, Path: "d"}, reason: MismatchPosition},
		{name: "wrong path", cp: ir.Checkpoint{Position: 2, Path: "c"}, reason: MismatchPath, found: "b"},
		{name: "path at zero", cp: ir.Checkpoint{Path: "a"}, reason: MismatchPath},
		{name: "prefix hash differs", cp: ir.Checkpoint{Position: 1, Path: "a", PrefixHash: prefixes[2]}, reason: MismatchGraph},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := alignCheckpoint("proj", seq, prefixes, tt.cp)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var me *CheckpointMismatchError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.reason, me.Reason)
			assert.Equal(t, "proj", me.Scope)
			assert.Equal(t, tt.found, me.Found)
			assert.Equal(t, 3, me.OrderLen)
			if tt.reason == MismatchGraph {
				assert.Equal(t, prefixes[tt.cp.Position], me.PrefixHash)
			}
		})
	}
}

func TestPrefixHashes(t *testing.T) {
	abc := buildGraph(t, copyRec("a.txt"), copyRec("b.txt", "a.txt"), copyRec("c.txt", "b.txt"))
	withZ := buildGraph(t, copyRec("a.txt"), copyRec("b.txt", "a.txt"), copyRec("c.txt", "b.txt"), copyRec("z.txt"))
	looseB := buildGraph(t, copyRec("a.txt"), copyRec("b.txt"), copyRec("c.txt", "b.txt"))

	seqABC := []string{"a.txt", "b.txt", "c.txt"}
	base, err := prefixHashes(abc, seqABC)
	require.NoError(t, err)
	require.Len(t, base, 4)
	assert.Len(t, slices.Compact(slices.Sorted(slices.Values(base))), 4, "every position hashes differently")

	grown, err := prefixHashes(withZ, []string{"a.txt", "b.txt", "c.txt", "z.txt"})
	require.NoError(t, err)
	assert.Equal(t, base, grown[:4], "a record after the prefix leaves it unchanged")

	loose, err := prefixHashes(looseB, seqABC)
	require.NoError(t, err)
	assert.Equal(t, base[1], loose[1])
	assert.NotEqual(t, base[2], loose[2], "b lost a prerequisite")
	assert.NotEqual(t, base[3], loose[3], "the chain carries the change forward")

	empty, err := prefixHashes(buildGraph(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{base[0]}, empty)
}

func TestCheckpointMismatchError_Messages(t *testing.T) {
	cp := ir.Checkpoint{Position: 2, Path: "b", PrefixHash: ir.MustPayloadHash("old")}
	tests := []struct {
		err  *CheckpointMismatchError
		want string
	}{
		{
			err:  &CheckpointMismatchError{Reason: MismatchPosition, Scope: "p", Checkpoint: cp, OrderLen: 1},
			want: "POSITION_OUT_OF_RANGE: checkpoint p position 2 is outside the order of 1 records",
		},
		{
			err:  &CheckpointMismatchError{Reason: MismatchPath, Scope: "p", Checkpoint: cp, Found: "x"},
			want: `PATH_MISMATCH: checkpoint p expects "b" at position 2, order has "x"`,
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}

	graphErr := &CheckpointMismatchError{Reason: MismatchGraph, Scope: "p", Checkpoint: cp, PrefixHash: ir.MustPayloadHash("new")}
	assert.Contains(t, graphErr.Error(), "GRAPH_CHANGED: checkpoint p covers 2 records hashed as "+cp.PrefixHash[:12])
}

func TestDispatchErrorFormat(t *testing.T) {
	err := &DispatchError{Path: "a.txt", ProcessType: ir.ProcessGenerate, WorkerID: "worker-2", Err: fmt.Errorf("boom")}
	assert.Equal(t, "generate a.txt (worker worker-2): boom", err.Error())
	assert.Equal(t, "b.txt blocked by failed dependency a.txt", (&BlockedError{Path: "b.txt", Cause: "a.txt"}).Error())
}
