package graph

import "slices"

// Validate checks that the graph is acyclic.
//
// Cycles are found in two passes:
//  1. Tarjan's algorithm finds strongly connected components
//  2. Inside each cyclic component, a breadth-first search finds the
//     shortest cycle through every member
//
// The shortest cycle overall is reported; among cycles of equal length the
// lexically smallest sequence wins, so the report is stable across runs.
func (g *Graph) Validate() error {
	if cycle := g.ShortestCycle(); cycle != nil {
		return &CyclicDependencyError{Cycle: cycle}
	}
	return nil
}

// ShortestCycle returns the minimal cycle as [a, ..., a], or nil if the
// graph is acyclic.
func (g *Graph) ShortestCycle() []string {
	var best []string
	for _, scc := range tarjanSCC(g.paths, g.deps) {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}
		members := make(map[string]struct{}, len(scc))
		for _, n := range scc {
			members[n] = struct{}{}
		}
		slices.Sort(scc)
		for _, start := range scc {
			c := g.shortestCycleFrom(start, members)
			if c != nil && betterCycle(c, best) {
				best = c
			}
		}
	}
	return best
}

func betterCycle(c, best []string) bool {
	if best == nil || len(c) < len(best) {
		return true
	}
	return len(c) == len(best) && slices.Compare(c, best) < 0
}

func (g *Graph) hasSelfLoop(node string) bool {
	_, found := slices.BinarySearch(g.deps[node], node)
	return found
}

// shortestCycleFrom returns the lexically smallest shortest cycle through
// start that stays inside members.
func (g *Graph) shortestCycleFrom(start string, members map[string]struct{}) []string {
	// distBack[v] is the edge count of the shortest path v -> start.
	distBack := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, u := range g.dependents[v] {
			if _, in := members[u]; !in {
				continue
			}
			if _, seen := distBack[u]; seen {
				continue
			}
			distBack[u] = distBack[v] + 1
			queue = append(queue, u)
		}
	}

	length := -1
	for _, w := range g.deps[start] {
		d, ok := distBack[w]
		if !ok {
			continue
		}
		if _, in := members[w]; !in {
			continue
		}
		if length < 0 || d+1 < length {
			length = d + 1
		}
	}
	if length < 0 {
		return nil
	}

	// Walk forward choosing the smallest successor that stays on a
	// shortest path. g.deps is sorted, so the first match is smallest.
	cycle := []string{start}
	cur := start
	for remaining := length; remaining > 0; remaining-- {
		for _, w := range g.deps[cur] {
			if _, in := members[w]; !in {
				continue
			}
			if d, ok := distBack[w]; ok && d == remaining-1 {
				cur = w
				break
			}
		}
		cycle = append(cycle, cur)
	}
	return cycle
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in the given order so the result is deterministic.
// Single-node components without self-loops are not cycles.
func tarjanSCC(nodes []string, adj map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack to form an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}
