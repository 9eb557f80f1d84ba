package order

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
)

func rec(path string, deps ...string) ir.FileRecord {
	return ir.FileRecord{Path: path, ProcessType: ir.ProcessCopy, Dependencies: deps}
}

func build(t *testing.T, records ...ir.FileRecord) *graph.Graph {
	t.Helper()
	g, err := graph.Build(records, graph.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	return g
}

func TestChainWithIndependentNode(t *testing.T) {
	// C depends on B depends on A; D is independent.
	g := build(t, rec("C", "B"), rec("D"), rec("B", "A"), rec("A"))

	strict, err := StrictOrder(g)
	require.NoError(t, err)
	transitive, err := TransitiveOrder(g)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, strict)
	assert.Equal(t, strict, transitive)
}

func TestLexicalTieBreak(t *testing.T) {
	g := build(t, rec("b.py"), rec("c.py"), rec("a.py"), rec("d.py", "c.py"))
	seq, err := StrictOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py", "c.py", "d.py"}, seq)

	// a sorts first but must wait for z.
	g = build(t, rec("z"), rec("a", "z"), rec("m"))
	seq, err = StrictOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "z", "a"}, seq)
}

func TestEmptyGraph(t *testing.T) {
	g := build(t)
	seq, err := StrictOrder(g)
	require.NoError(t, err)
	assert.Empty(t, seq)
}

func TestCycleAbortsBothModes(t *testing.T) {
	g := build(t, rec("a", "b"), rec("b", "a"), rec("c"))

	for _, mode := range []Mode{Strict, Transitive} {
		seq, err := Sort(g, Options{Mode: mode})
		require.Error(t, err, mode.String())
		assert.True(t, graph.IsCycle(err))
		assert.Nil(t, seq)
	}

	// A cycle outside the requested subset still aborts.
	_, err := Sort(g, Options{Mode: Transitive, Subset: []string{"c"}})
	require.Error(t, err)
	assert.True(t, graph.IsCycle(err))
}

func TestSubsetStrictMissesIndirectEdge(t *testing.T) {
	// c -> b -> z. With b excluded, only the closure knows z precedes c.
	g := build(t, rec("c", "b"), rec("b", "z"), rec("z"))
	subset := []string{"c", "z"}

	strict, err := Sort(g, Options{Mode: Strict, Subset: subset})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "z"}, strict)

	transitive, err := Sort(g, Options{Mode: Transitive, Subset: subset})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "c"}, transitive)
}

func TestSubsetValidation(t *testing.T) {
	g := build(t, rec("a"), rec("b", "a"))

	_, err := Sort(g, Options{Subset: []string{"nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the record set")

	seq, err := Sort(g, Options{Subset: []string{"b", "./b", "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seq)

	seq, err = Sort(g, Options{Subset: []string{}})
	require.NoError(t, err)
	assert.Empty(t, seq)
}

func TestWithAncestors(t *testing.T) {
	g := build(t,
		rec("app.py", "util.py", "models.py"),
		rec("util.py", "base.py"),
		rec("models.py", "base.py"),
		rec("base.py"),
		rec("docs.md"),
	)

	subset, err := WithAncestors(g, "util.py")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"base.py", "util.py"}, subset)

	seq, err := Sort(g, Options{Mode: Transitive, Subset: subset})
	require.NoError(t, err)
	assert.Equal(t, []string{"base.py", "util.py"}, seq)

	_, err = WithAncestors(g, "missing.py")
	require.Error(t, err)
}

func TestSkip(t *testing.T) {
	seq := []string{"a", "b", "c", "d", "e"}

	tests := []struct {
		name      string
		startIdx  int
		startFile string
		want      []string
		next      int
	}{
		{"no skip", 0, "", seq, 5},
		{"index", 2, "", []string{"c", "d", "e"}, 5},
		{"index past end", 9, "", nil, 9},
		{"file", 0, "c", []string{"c", "d", "e"}, 3},
		{"file then index", 1, "c", []string{"d", "e"}, 3},
		{"missing file ignored", 1, "zz", []string{"b", "c", "d", "e"}, 5},
		{"file cleaned", 0, "./d", []string{"d", "e"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next, err := Skip(seq, tt.startIdx, tt.startFile)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, tt.next, next)
		})
	}

	_, _, err := Skip(seq, -1, "")
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Strict, m)

	m, err = ParseMode("Transitive")
	require.NoError(t, err)
	assert.Equal(t, Transitive, m)

	_, err = ParseMode("random")
	require.Error(t, err)
	assert.Equal(t, "Mode(7)", Mode(7).String())
}

func TestClosure(t *testing.T) {
	g := build(t, rec("d", "b", "c"), rec("b", "a"), rec("c", "a"), rec("a"), rec("x"))
	c, err := NewClosure(g)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, c.Ancestors("d"))
	assert.True(t, c.IsAncestor("a", "d"))
	assert.False(t, c.IsAncestor("d", "a"))
	assert.True(t, c.Independent("b", "c"))
	assert.True(t, c.Independent("x", "d"))
	assert.False(t, c.Independent("a", "d"))
	assert.False(t, c.Independent("a", "a"))

	_, err = NewClosure(build(t, rec("p", "p")))
	require.Error(t, err)
}

// randomDAG builds a DAG whose edges only point from higher to lower
// index, with shuffled names so lexical order and topology disagree.
func randomDAG(rng *rand.Rand, n int) []ir.FileRecord {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("n%03d", i)
	}
	rng.Shuffle(n, func(a, b int) { names[a], names[b] = names[b], names[a] })

	records := make([]ir.FileRecord, n)
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < i; j++ {
			if rng.Intn(4) == 0 {
				deps = append(deps, names[j])
			}
		}
		records[i] = rec(names[i], deps...)
	}
	rng.Shuffle(n, func(a, b int) { records[a], records[b] = records[b], records[a] })
	return records
}

func TestRandomGraphsRespectDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 200; iter++ {
		records := randomDAG(rng, 2+rng.Intn(25))
		g := build(t, records...)

		strict, err := StrictOrder(g)
		require.NoError(t, err)
		transitive, err := TransitiveOrder(g)
		require.NoError(t, err)
		require.Equal(t, strict, transitive, "whole-graph orders must agree")
		require.Len(t, strict, g.Len())

		pos := make(map[string]int, len(strict))
		for i, p := range strict {
			pos[p] = i
		}
		for _, p := range strict {
			for _, a := range g.Ancestors(p) {
				require.Less(t, pos[a], pos[p], "%s must follow ancestor %s", p, a)
			}
		}

		// Rebuilding from a different load order yields the same sequence.
		shuffled := append([]ir.FileRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		again, err := StrictOrder(build(t, shuffled...))
		require.NoError(t, err)
		require.Equal(t, strict, again)

		// Transitive subset orders never violate an indirect dependency.
		var subset []string
		for _, p := range g.Paths() {
			if rng.Intn(2) == 0 {
				subset = append(subset, p)
			}
		}
		sub, err := Sort(g, Options{Mode: Transitive, Subset: subset})
		require.NoError(t, err)
		subPos := make(map[string]int, len(sub))
		for i, p := range sub {
			subPos[p] = i
		}
		for _, p := range sub {
			for _, a := range g.Ancestors(p) {
				if i, ok := subPos[a]; ok {
					require.Less(t, i, subPos[p])
				}
			}
		}
	}
}
