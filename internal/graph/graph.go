// Package graph builds the dependency graph over file records.
//
// Nodes are records keyed by rendered path; an edge points from a record to
// a prerequisite it depends on. References are parsed with ParseRef and
// resolved against the record set. Unresolved references are kept as
// External entries unless strict resolution is requested.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/swarmauri/peagen/internal/ir"
)

// Options configures Build.
type Options struct {
	// Strict turns unresolved references into DanglingDependencyErrors.
	Strict bool

	// ColonPattern maps colon references to paths. Empty means
	// DefaultColonPattern.
	ColonPattern string

	// Logger receives warnings for external references. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// External is a dependency reference that did not resolve to a record.
type External struct {
	Path     string `json:"path"`
	Ref      string `json:"ref"`
	Resolved string `json:"resolved,omitempty"`
	Reason   string `json:"reason"`
}

// Graph is an immutable dependency graph.
type Graph struct {
	records    map[string]ir.FileRecord
	paths      []string
	deps       map[string][]string
	dependents map[string][]string
	external   []External
}

// Build constructs the graph for records. Paths are cleaned before use.
//
// Errors: *DuplicateRecordError when two records render to the same path;
// in strict mode, the joined *DanglingDependencyErrors for every unresolved
// reference. Build does not check for cycles; call Validate.
func Build(records []ir.FileRecord, opts Options) (*Graph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Graph{
		records:    make(map[string]ir.FileRecord, len(records)),
		paths:      make([]string, 0, len(records)),
		deps:       make(map[string][]string, len(records)),
		dependents: make(map[string][]string, len(records)),
	}

	for _, rec := range records {
		p := CleanPath(rec.Path)
		if p == "" {
			return nil, fmt.Errorf("record with empty rendered path (template %q)", rec.TemplateRef)
		}
		if _, dup := g.records[p]; dup {
			return nil, &DuplicateRecordError{Path: p}
		}
		rec.Path = p
		g.records[p] = rec
		g.paths = append(g.paths, p)
	}
	slices.Sort(g.paths)

	var dangling []error
	for _, p := range g.paths {
		rec := g.records[p]
		seen := make(map[string]struct{}, len(rec.Dependencies))
		for _, raw := range rec.Dependencies {
			ref, err := ParseRef(raw)
			if err != nil {
				if opts.Strict {
					dangling = append(dangling, &DanglingDependencyError{Path: p, Ref: raw, Cause: err})
					continue
				}
				g.external = append(g.external, External{Path: p, Ref: raw, Reason: err.Error()})
				continue
			}

			target := ref.Resolve(opts.ColonPattern)
			if _, ok := g.records[target]; !ok {
				if opts.Strict {
					dangling = append(dangling, &DanglingDependencyError{Path: p, Ref: raw, Resolved: target})
					continue
				}
				g.external = append(g.external, External{
					Path: p, Ref: raw, Resolved: target, Reason: "no record renders to this path",
				})
				continue
			}

			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
			g.deps[p] = append(g.deps[p], target)
			g.dependents[target] = append(g.dependents[target], p)
		}
		slices.Sort(g.deps[p])
	}
	if len(dangling) > 0 {
		return nil, errors.Join(dangling...)
	}
	for _, p := range g.paths {
		slices.Sort(g.dependents[p])
	}

	for _, ext := range g.external {
		logger.Warn("unresolved dependency treated as external",
			"path", ext.Path,
			"ref", ext.Ref,
			"resolved", ext.Resolved,
			"reason", ext.Reason,
		)
	}

	return g, nil
}

// Len returns the number of records.
func (g *Graph) Len() int { return len(g.paths) }

// Paths returns every record path in lexical order.
func (g *Graph) Paths() []string { return slices.Clone(g.paths) }

// Has reports whether a record renders to path.
func (g *Graph) Has(path string) bool {
	_, ok := g.records[path]
	return ok
}

// Record returns the record for path.
func (g *Graph) Record(path string) (ir.FileRecord, bool) {
	rec, ok := g.records[path]
	return rec, ok
}

// Dependencies returns the direct prerequisites of path, sorted.
func (g *Graph) Dependencies(path string) []string {
	return slices.Clone(g.deps[path])
}

// Dependents returns the records that directly depend on path, sorted.
func (g *Graph) Dependents(path string) []string {
	return slices.Clone(g.dependents[path])
}

// External returns the unresolved references, grouped by record path.
func (g *Graph) External() []External {
	return slices.Clone(g.external)
}

// Ancestors returns every transitive prerequisite of path, sorted.
// path itself is excluded unless it sits on a cycle.
func (g *Graph) Ancestors(path string) []string {
	return g.reach(path, g.deps)
}

// Descendants returns every record that transitively depends on path, sorted.
func (g *Graph) Descendants(path string) []string {
	return g.reach(path, g.dependents)
}

func (g *Graph) reach(start string, adj map[string][]string) []string {
	visited := make(map[string]struct{})
	stack := slices.Clone(adj[start])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		stack = append(stack, adj[n]...)
	}
	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Hash returns the canonical hash of the graph structure: every path and
// its sorted prerequisites. Two graphs with the same nodes and edges hash
// identically regardless of record load order.
func (g *Graph) Hash() (string, error) {
	nodes := make(ir.IRObject, len(g.paths))
	for _, p := range g.paths {
		deps := make(ir.IRArray, 0, len(g.deps[p]))
		for _, d := range g.deps[p] {
			deps = append(deps, ir.IRString(d))
		}
		nodes[p] = deps
	}
	h, err := ir.PayloadHash(ir.IRObject{"nodes": nodes})
	if err != nil {
		return "", fmt.Errorf("graph hash: %w", err)
	}
	return h, nil
}
