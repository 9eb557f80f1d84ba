package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmauri/peagen/internal/ir"
)

func cycleOf(t *testing.T, records ...ir.FileRecord) []string {
	t.Helper()
	g, err := Build(records, quiet())
	require.NoError(t, err)
	err = g.Validate()
	if err == nil {
		return nil
	}
	var ce *CyclicDependencyError
	require.True(t, errors.As(err, &ce))
	return ce.Cycle
}

func TestValidateAcyclic(t *testing.T) {
	assert.Nil(t, cycleOf(t))
	assert.Nil(t, cycleOf(t, rec("a")))
	assert.Nil(t, cycleOf(t, rec("a", "b"), rec("b", "c"), rec("c")))
	// diamond
	assert.Nil(t, cycleOf(t, rec("d", "b", "c"), rec("b", "a"), rec("c", "a"), rec("a")))
}

func TestValidateSelfLoop(t *testing.T) {
	assert.Equal(t, []string{"a", "a"}, cycleOf(t, rec("a", "a")))
}

func TestValidateTwoNodeCycle(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "a"}, cycleOf(t, rec("b", "a"), rec("a", "b")))
}

func TestValidateReportsShortestCycle(t *testing.T) {
	// a -> b -> c -> d -> a is long; c -> e -> c is the short one.
	cycle := cycleOf(t,
		rec("a", "b"),
		rec("b", "c"),
		rec("c", "d", "e"),
		rec("d", "a"),
		rec("e", "c"),
	)
	assert.Equal(t, []string{"c", "e", "c"}, cycle)
}

func TestValidateLexicalTieBreak(t *testing.T) {
	// Two disjoint 3-cycles; the one containing the smallest path wins.
	cycle := cycleOf(t,
		rec("m", "n"), rec("n", "o"), rec("o", "m"),
		rec("x", "z"), rec("z", "y"), rec("y", "x"),
		rec("b", "c"), rec("c", "a"), rec("a", "b"),
	)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle)
}

func TestValidateTieBreakWithinComponent(t *testing.T) {
	// a depends on both c and b; both close a 3-cycle back to a.
	cycle := cycleOf(t,
		rec("a", "c", "b"),
		rec("b", "d"),
		rec("c", "d"),
		rec("d", "a"),
	)
	assert.Equal(t, []string{"a", "b", "d", "a"}, cycle)
}

func TestValidateCycleWithTail(t *testing.T) {
	// root is outside the cycle and must not appear in the report.
	cycle := cycleOf(t,
		rec("root", "p"),
		rec("p", "q"),
		rec("q", "p"),
	)
	assert.Equal(t, []string{"p", "q", "p"}, cycle)
}

func TestValidateErrorMessage(t *testing.T) {
	g, err := Build([]ir.FileRecord{rec("a", "b"), rec("b", "a")}, quiet())
	require.NoError(t, err)
	err = g.Validate()
	require.Error(t, err)
	assert.True(t, IsCycle(err))
	assert.Equal(t, "cyclic dependency: a -> b -> a", err.Error())
	assert.True(t, IsCycle(fmt.Errorf("wrapped: %w", err)))
}

func TestValidateLongChainNoStackIssues(t *testing.T) {
	var records []ir.FileRecord
	for i := 0; i < 5000; i++ {
		p := fmt.Sprintf("f%05d", i)
		if i == 0 {
			records = append(records, rec(p))
			continue
		}
		records = append(records, rec(p, fmt.Sprintf("f%05d", i-1)))
	}
	assert.Nil(t, cycleOf(t, records...))
}

func TestTarjanSCC(t *testing.T) {
	adj := map[string][]string{
		"a": {"b"},
		"b": {"a", "c"},
		"c": {},
	}
	sccs := tarjanSCC([]string{"a", "b", "c"}, adj)
	require.Len(t, sccs, 2)

	sizes := map[int]int{}
	for _, scc := range sccs {
		sizes[len(scc)]++
	}
	assert.Equal(t, map[int]int{1: 1, 2: 1}, sizes)
}
