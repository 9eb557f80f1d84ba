package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/swarmauri/peagen/internal/artifact"
	"github.com/swarmauri/peagen/internal/collab"
	"github.com/swarmauri/peagen/internal/engine"
	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/manifest"
	"github.com/swarmauri/peagen/internal/order"
	"github.com/swarmauri/peagen/internal/store"
	"github.com/swarmauri/peagen/internal/testutil"
)

// errInjected is returned by records a step lists in Fail.
var errInjected = errors.New("injected failure")

// Harness holds the state shared by the steps of one scenario.
type Harness struct {
	scenario  *Scenario
	graph     *graph.Graph
	mode      order.Mode
	store     *store.Store
	artifacts *artifact.Memory
	clock     *testutil.DeterministicClock
	runIDs    *testutil.FixedRunID
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
//  1. Load the record set and build the graph
//  2. Execute steps in order, validating each step's expect clause
//  3. Evaluate assertions against the final store state
//
// Returns an error only when the scenario cannot be set up; expectation
// and assertion failures are reported in the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	g, err := buildGraph(ctx, scenario, logger)
	if err != nil {
		return nil, err
	}
	mode, err := order.ParseMode(scenario.Mode)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		scenario:  scenario,
		graph:     g,
		mode:      mode,
		store:     st,
		artifacts: artifact.NewMemory(),
		clock:     testutil.NewDeterministicClock(),
		runIDs:    testutil.NewFixedRunID(scenario.RunIDPrefix),
		logger:    logger,
	}

	result := NewResult()
	if seq, err := order.Sort(g, order.Options{Mode: mode}); err == nil {
		result.Order = seq
	} else {
		result.Order = []string{}
	}

	for i, step := range scenario.Steps {
		trace := h.executeStep(ctx, i, step)
		result.Trace = append(result.Trace, trace.StepTrace)
		if step.Expect != nil {
			for _, msg := range checkExpect(i, *step.Expect, trace) {
				result.AddError(msg)
			}
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Artifacts: h.artifacts, Order: result.Order}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func buildGraph(ctx context.Context, s *Scenario, logger *slog.Logger) (*graph.Graph, error) {
	var (
		rs  ir.RecordSet
		err error
	)
	if s.Manifest != "" {
		loader := manifest.Loader{TemplateDirs: []string{filepath.Dir(s.Manifest)}, Logger: logger}
		rs, err = loader.Load(ctx, s.Manifest)
	} else {
		rs, err = manifest.FromPayload(s.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	g, err := graph.Build(rs.ForProject(s.Project), graph.Options{Strict: s.Strict, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}
	return g, nil
}

// stepOutcome is a step trace plus the full error, which the trace only
// carries when the step aborted.
type stepOutcome struct {
	StepTrace
	unchanged []string
	err       error
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step) stepOutcome {
	fake := collab.NewFake()
	for p, out := range h.scenario.Outputs {
		fake.Outputs[p] = []byte(out)
	}
	for _, p := range step.Fail {
		fake.Fail[graph.CleanPath(p)] = errInjected
	}

	eng := engine.New(h.store, h.artifacts,
		engine.Collaborators{Renderer: fake, Generator: fake, Scripts: fake},
		engine.Config{
			Workers:  h.scenario.Workers,
			FailFast: h.scenario.FailFast,
			Mode:     h.mode,
			Logger:   h.logger,
			Now:      h.clock.Now,
			RunIDs:   h.runIDs,
		})

	var (
		res *engine.Result
		err error
	)
	switch step.Action {
	case ActionResume:
		res, err = eng.Resume(ctx, h.graph)
	default:
		res, err = eng.Run(ctx, h.graph)
	}

	out := stepOutcome{StepTrace: StepTrace{Step: i, Action: step.Action}, err: err}
	if res == nil {
		out.Status = "aborted"
		out.Error = err.Error()
		return out
	}
	out.RunID = res.RunID
	out.Status = string(res.Status)
	out.Start = res.Start
	out.Position = res.Checkpoint.Position
	out.Completed = nonNil(res.Completed)
	out.Failed = nonNil(res.Failed)
	out.Blocked = nonNil(res.Blocked)
	out.unchanged = nonNil(res.Unchanged)
	return out
}
