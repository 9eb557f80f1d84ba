package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/swarmauri/peagen/internal/order"
)

// Scenario defines a conformance test scenario: a record set and a
// sequence of engine runs against one store.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Manifest is a projects payload file, relative to the scenario file.
	// Exactly one of Manifest and Payload is set.
	Manifest string `yaml:"manifest,omitempty"`

	// Payload is an inline projects payload.
	Payload any `yaml:"payload,omitempty"`

	// Project selects one project of the payload. Empty selects all.
	Project string `yaml:"project,omitempty"`

	// Strict makes unresolved dependencies fatal.
	Strict bool `yaml:"strict,omitempty"`

	// Mode is "strict" (default) or "transitive".
	Mode string `yaml:"mode,omitempty"`

	// Workers bounds concurrent dispatches. Zero means 1.
	Workers int `yaml:"workers,omitempty"`

	// FailFast applies to every step.
	FailFast bool `yaml:"fail_fast,omitempty"`

	// Outputs are canned record outputs keyed by rendered path. Records
	// without one get the fake collaborator's default output.
	Outputs map[string]string `yaml:"outputs,omitempty"`

	// RunIDPrefix prefixes the deterministic run IDs. Empty means
	// "test-run".
	RunIDPrefix string `yaml:"run_id_prefix,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one engine invocation.
type Step struct {
	// Action is "run" or "resume".
	Action string `yaml:"action"`

	// Fail lists records whose dispatch fails in this step.
	Fail []string `yaml:"fail,omitempty"`

	// Expect validates the step outcome. Nil skips validation.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step. Unset fields are not
// checked; an empty list checks that nothing is in that state.
type Expect struct {
	Status    string   `yaml:"status,omitempty"`
	Start     *int     `yaml:"start,omitempty"`
	Position  *int     `yaml:"position,omitempty"`
	Completed []string `yaml:"completed,omitempty"`
	Failed    []string `yaml:"failed,omitempty"`
	Blocked   []string `yaml:"blocked,omitempty"`

	// Unchanged lists the completed records whose artifact already held
	// the produced bytes.
	Unchanged []string `yaml:"unchanged,omitempty"`

	// Error is a substring the step's error must contain.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final store state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Path     string   `yaml:"path,omitempty"`
	Paths    []string `yaml:"paths,omitempty"`
	Position *int     `yaml:"position,omitempty"`
	Count    int      `yaml:"count,omitempty"`
	Contains string   `yaml:"contains,omitempty"`
}

// Step actions.
const (
	ActionRun    = "run"
	ActionResume = "resume"
)

// Assertion type constants.
const (
	AssertOrder           = "order"
	AssertCheckpoint      = "checkpoint"
	AssertHistory         = "history"
	AssertSharedRevision  = "shared_revision"
	AssertArtifact        = "artifact"
	AssertProvenanceValid = "provenance_valid"
)

// LoadScenario reads and parses a scenario YAML file. A relative Manifest
// path is resolved against the scenario file's directory.
//
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Manifest != "" && !filepath.IsAbs(scenario.Manifest) {
		scenario.Manifest = filepath.Join(filepath.Dir(path), scenario.Manifest)
	}
	if scenario.Manifest != "" {
		if _, err := os.Stat(scenario.Manifest); err != nil {
			return nil, fmt.Errorf("invalid scenario: manifest not found: %s", scenario.Manifest)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML. Manifest paths are left as written.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Manifest == "" && s.Payload == nil:
		return fmt.Errorf("one of manifest or payload is required")
	case s.Manifest != "" && s.Payload != nil:
		return fmt.Errorf("manifest and payload are mutually exclusive")
	}

	if s.Mode != "" {
		if _, err := order.ParseMode(s.Mode); err != nil {
			return err
		}
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		switch step.Action {
		case ActionRun, ActionResume:
		case "":
			return fmt.Errorf("steps[%d]: action is required", i)
		default:
			return fmt.Errorf("steps[%d]: unknown action %q (want run or resume)", i, step.Action)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertOrder, AssertSharedRevision:
		if len(a.Paths) == 0 {
			return fmt.Errorf("%s requires paths", a.Type)
		}
	case AssertCheckpoint:
		if a.Position == nil {
			return fmt.Errorf("checkpoint requires position")
		}
	case AssertHistory:
		if a.Path == "" {
			return fmt.Errorf("history requires path")
		}
	case AssertArtifact:
		if a.Path == "" {
			return fmt.Errorf("artifact requires path")
		}
	case AssertProvenanceValid:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
