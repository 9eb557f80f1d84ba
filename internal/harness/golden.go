package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/swarmauri/peagen/internal/ir"
)

// TraceSnapshot captures the step trace of a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Order        []string
	Trace        []StepTrace
}

// NewSnapshot builds the snapshot of a scenario result.
func NewSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{ScenarioName: name, Order: result.Order, Trace: result.Trace}
}

// Canonical returns the canonical JSON of the snapshot.
func (s TraceSnapshot) Canonical() ([]byte, error) {
	steps := make([]any, len(s.Trace))
	for i, st := range s.Trace {
		steps[i] = st.canonical()
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": s.ScenarioName,
		"order":         nonNil(s.Order),
		"trace":         steps,
	})
}

// RunWithGolden executes a scenario and compares its step trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass. Test failure (via
// goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}

	data, err := NewSnapshot(scenario.Name, result).Canonical()
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result, nil
}
