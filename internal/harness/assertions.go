package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/swarmauri/peagen/internal/artifact"
	"github.com/swarmauri/peagen/internal/engine"
	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ledger"
	"github.com/swarmauri/peagen/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext provides the final state assertions read.
type AssertionContext struct {
	Ctx       context.Context
	Store     *store.Store
	Artifacts artifact.Store
	Order     []string
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertOrder:
		return assertOrder(actx.Order, cleanPaths(a.Paths))
	case AssertCheckpoint:
		return assertCheckpoint(actx, a)
	case AssertHistory:
		return assertHistory(actx, a)
	case AssertSharedRevision:
		return assertSharedRevision(actx, cleanPaths(a.Paths))
	case AssertArtifact:
		return assertArtifact(actx, a)
	case AssertProvenanceValid:
		return assertProvenanceValid(actx)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertOrder(got, want []string) error {
	if slices.Equal(got, want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOrder,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", got),
	}
}

func assertCheckpoint(actx *AssertionContext, a Assertion) error {
	cp, err := actx.Store.LoadCheckpoint(actx.Ctx, engine.DefaultScope)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if cp.Position != *a.Position {
		return &AssertionError{
			Type:     AssertCheckpoint,
			Expected: fmt.Sprintf("position %d", *a.Position),
			Actual:   fmt.Sprintf("position %d", cp.Position),
		}
	}
	if a.Path != "" && cp.Path != graph.CleanPath(a.Path) {
		return &AssertionError{
			Type:     AssertCheckpoint,
			Expected: fmt.Sprintf("path %s", a.Path),
			Actual:   fmt.Sprintf("path %s", cp.Path),
		}
	}
	return nil
}

func assertHistory(actx *AssertionContext, a Assertion) error {
	history, err := actx.Store.History(actx.Ctx, graph.CleanPath(a.Path))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("history %s: %w", a.Path, err)
	}
	if len(history) != a.Count {
		return &AssertionError{
			Type:     AssertHistory,
			Expected: fmt.Sprintf("%d revisions of %s", a.Count, a.Path),
			Actual:   fmt.Sprintf("%d", len(history)),
		}
	}
	return nil
}

func assertSharedRevision(actx *AssertionContext, paths []string) error {
	heads, err := actx.Store.Heads(actx.Ctx)
	if err != nil {
		return err
	}
	first, ok := heads[paths[0]]
	if !ok {
		return &AssertionError{Type: AssertSharedRevision, Expected: "a head for " + paths[0], Actual: "none"}
	}
	for _, p := range paths[1:] {
		if heads[p] != first {
			return &AssertionError{
				Type:     AssertSharedRevision,
				Expected: fmt.Sprintf("%s at revision %s", p, first),
				Actual:   fmt.Sprintf("revision %q", heads[p]),
			}
		}
	}
	return nil
}

func assertArtifact(actx *AssertionContext, a Assertion) error {
	data, err := actx.Artifacts.Get(actx.Ctx, graph.CleanPath(a.Path))
	if err != nil {
		return &AssertionError{Type: AssertArtifact, Expected: "artifact " + a.Path, Actual: err.Error()}
	}
	if !strings.Contains(string(data), a.Contains) {
		return &AssertionError{
			Type:     AssertArtifact,
			Expected: fmt.Sprintf("%s to contain %q", a.Path, a.Contains),
			Actual:   fmt.Sprintf("%q", data),
		}
	}
	return nil
}

func assertProvenanceValid(actx *AssertionContext) error {
	recs, err := actx.Store.Records(actx.Ctx)
	if err != nil {
		return err
	}
	if err := ledger.VerifyAll(recs); err != nil {
		return &AssertionError{Type: AssertProvenanceValid, Expected: "valid provenance", Actual: err.Error()}
	}
	return nil
}

// checkExpect compares a step outcome with its expect clause.
func checkExpect(i int, want Expect, got stepOutcome) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("steps[%d]: ", i)+fmt.Sprintf(format, args...))
	}

	if want.Status != "" && want.Status != got.Status {
		fail("status: expected %s, got %s", want.Status, got.Status)
	}
	if want.Start != nil && *want.Start != got.Start {
		fail("start: expected %d, got %d", *want.Start, got.Start)
	}
	if want.Position != nil && *want.Position != got.Position {
		fail("position: expected %d, got %d", *want.Position, got.Position)
	}
	for _, c := range []struct {
		name      string
		want, got []string
	}{
		{"completed", want.Completed, got.Completed},
		{"failed", want.Failed, got.Failed},
		{"blocked", want.Blocked, got.Blocked},
		{"unchanged", want.Unchanged, got.unchanged},
	} {
		if c.want == nil {
			continue
		}
		if w := cleanPaths(c.want); !slices.Equal(w, nonNil(c.got)) {
			fail("%s: expected %v, got %v", c.name, w, c.got)
		}
	}
	if want.Error != "" {
		switch {
		case got.err == nil:
			fail("error: expected %q, got none", want.Error)
		case !strings.Contains(got.err.Error(), want.Error):
			fail("error: expected %q in %q", want.Error, got.err.Error())
		}
	}
	return errs
}

func cleanPaths(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = graph.CleanPath(p)
	}
	return out
}
