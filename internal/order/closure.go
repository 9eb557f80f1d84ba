package order

import (
	"slices"

	"github.com/swarmauri/peagen/internal/graph"
)

// Closure is the transitive closure of a graph's dependency relation.
// It answers ancestry queries in constant time, which the engine uses to
// decide whether two records may run concurrently.
type Closure struct {
	ancestors map[string]map[string]struct{}
	sorted    map[string][]string
}

// NewClosure computes the closure of g. g must be acyclic.
func NewClosure(g *graph.Graph) (*Closure, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return closureOf(g), nil
}

func closureOf(g *graph.Graph) *Closure {
	c := &Closure{
		ancestors: make(map[string]map[string]struct{}, g.Len()),
		sorted:    make(map[string][]string, g.Len()),
	}

	// Visiting in strict order guarantees every prerequisite's set is
	// complete before its dependents read it.
	seq := kahn(g.Paths(), g.Dependencies)
	for _, p := range seq {
		set := make(map[string]struct{})
		for _, d := range g.Dependencies(p) {
			set[d] = struct{}{}
			for a := range c.ancestors[d] {
				set[a] = struct{}{}
			}
		}
		c.ancestors[p] = set

		list := make([]string, 0, len(set))
		for a := range set {
			list = append(list, a)
		}
		slices.Sort(list)
		c.sorted[p] = list
	}
	return c
}

// Ancestors returns every transitive prerequisite of path, sorted.
func (c *Closure) Ancestors(path string) []string {
	return slices.Clone(c.sorted[path])
}

// IsAncestor reports whether a is a transitive prerequisite of b.
func (c *Closure) IsAncestor(a, b string) bool {
	_, ok := c.ancestors[b][a]
	return ok
}

// Independent reports whether neither path is an ancestor of the other,
// meaning the two records may run concurrently.
func (c *Closure) Independent(a, b string) bool {
	return a != b && !c.IsAncestor(a, b) && !c.IsAncestor(b, a)
}
