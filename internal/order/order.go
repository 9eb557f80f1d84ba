// Package order computes deterministic execution orders over a dependency
// graph.
//
// Both modes run Kahn's algorithm with a min-heap keyed on path, so ties
// between ready records always break lexically and the same graph always
// yields the same sequence. Strict mode follows direct edges only;
// Transitive mode follows every edge of the transitive closure. On a whole
// graph the two produce the same sequence; they differ when ordering a
// subset, where only the closure sees prerequisites routed through records
// outside the subset.
package order

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/swarmauri/peagen/internal/graph"
)

// Mode selects which edges constrain the order.
type Mode int

const (
	// Strict orders by direct dependency edges.
	Strict Mode = iota
	// Transitive orders by the transitive closure of the dependency edges.
	Transitive
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Transitive:
		return "transitive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "strict" or "transitive". Empty means strict.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "transitive":
		return Transitive, nil
	default:
		return Strict, fmt.Errorf("unknown order mode %q (want strict or transitive)", s)
	}
}

// Options configures Sort.
type Options struct {
	Mode Mode

	// Subset restricts the order to these paths. Nil orders every record.
	// In Strict mode only direct edges between subset members constrain
	// the order; in Transitive mode closure edges do.
	Subset []string
}

// Sort returns the ordered sequence of record paths.
//
// The whole graph is validated first: any cycle aborts with
// *graph.CyclicDependencyError and no partial order is returned, even when
// the cycle lies outside Subset.
func Sort(g *graph.Graph, opts Options) ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	nodes, err := selectNodes(g, opts.Subset)
	if err != nil {
		return nil, err
	}

	switch opts.Mode {
	case Strict:
		return kahn(nodes, g.Dependencies), nil
	case Transitive:
		c := closureOf(g)
		return kahn(nodes, c.Ancestors), nil
	default:
		return nil, fmt.Errorf("unknown order mode %v", opts.Mode)
	}
}

// StrictOrder is Sort over the whole graph in Strict mode.
func StrictOrder(g *graph.Graph) ([]string, error) {
	return Sort(g, Options{Mode: Strict})
}

// TransitiveOrder is Sort over the whole graph in Transitive mode.
func TransitiveOrder(g *graph.Graph) ([]string, error) {
	return Sort(g, Options{Mode: Transitive})
}

// WithAncestors returns target together with every transitive prerequisite,
// suitable as Options.Subset when resuming from a single file.
func WithAncestors(g *graph.Graph, target string) ([]string, error) {
	target = graph.CleanPath(target)
	if !g.Has(target) {
		return nil, fmt.Errorf("start file %q is not in the record set", target)
	}
	return append(g.Ancestors(target), target), nil
}

// Skip applies positional skipping to an ordered sequence. A non-empty
// startFile drops everything before its first occurrence (nothing is
// dropped if it does not occur); startIdx then drops that many more
// entries. The returned next index is startIdx plus the number of entries
// kept.
func Skip(seq []string, startIdx int, startFile string) ([]string, int, error) {
	if startIdx < 0 {
		return nil, 0, fmt.Errorf("start index %d is negative", startIdx)
	}
	out := seq
	if startFile != "" {
		if i := slices.Index(out, graph.CleanPath(startFile)); i >= 0 {
			out = out[i:]
		}
	}
	if startIdx >= len(out) {
		out = nil
	} else {
		out = out[startIdx:]
	}
	return slices.Clone(out), startIdx + len(out), nil
}

func selectNodes(g *graph.Graph, subset []string) ([]string, error) {
	if subset == nil {
		return g.Paths(), nil
	}
	nodes := make([]string, 0, len(subset))
	seen := make(map[string]struct{}, len(subset))
	for _, p := range subset {
		p = graph.CleanPath(p)
		if !g.Has(p) {
			return nil, fmt.Errorf("subset path %q is not in the record set", p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		nodes = append(nodes, p)
	}
	return nodes, nil
}

// kahn orders nodes so each comes after every prerequisite that is also
// in nodes. prereqs must describe an acyclic relation.
func kahn(nodes []string, prereqs func(string) []string) []string {
	in := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		in[n] = struct{}{}
	}

	indeg := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, p := range prereqs(n) {
			if _, ok := in[p]; !ok {
				continue
			}
			indeg[n]++
			dependents[p] = append(dependents[p], n)
		}
	}

	ready := &pathMinHeap{}
	for _, n := range nodes {
		if indeg[n] == 0 {
			*ready = append(*ready, n)
		}
	}
	heap.Init(ready)

	out := make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(string)
		out = append(out, n)
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

type pathMinHeap []string

func (h pathMinHeap) Len() int           { return len(h) }
func (h pathMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h pathMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pathMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *pathMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
