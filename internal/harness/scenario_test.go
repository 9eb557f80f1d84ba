package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalPayload = `
payload:
  FILES:
    - RENDERED_FILE_NAME: a.txt
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: minimal
description: one record, one run
mode: transitive
workers: 2
outputs:
  a.txt: hello
` + minimalPayload + `
steps:
  - action: run
    expect:
      status: succeeded
      position: 1
assertions:
  - type: checkpoint
    position: 1
    path: a.txt
`))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "transitive", s.Mode)
	assert.Equal(t, 2, s.Workers)
	assert.Equal(t, "hello", s.Outputs["a.txt"])
	require.Len(t, s.Steps, 1)
	require.NotNil(t, s.Steps[0].Expect)
	require.NotNil(t, s.Steps[0].Expect.Position)
	assert.Equal(t, 1, *s.Steps[0].Expect.Position)
	assert.Nil(t, s.Steps[0].Expect.Start)
	assert.Nil(t, s.Steps[0].Expect.Completed, "unset lists are not checked")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\n" + minimalPayload + "steps:\n  - action: run\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\n" + minimalPayload + "steps:\n  - action: run\n",
			wantErr: "description is required",
		},
		{
			name:    "no records",
			yaml:    "name: n\ndescription: d\nsteps:\n  - action: run\n",
			wantErr: "one of manifest or payload is required",
		},
		{
			name:    "manifest and payload",
			yaml:    "name: n\ndescription: d\nmanifest: x.yaml\n" + minimalPayload + "steps:\n  - action: run\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\n" + minimalPayload,
			wantErr: "steps list is required",
		},
		{
			name:    "bad action",
			yaml:    "name: n\ndescription: d\n" + minimalPayload + "steps:\n  - action: replay\n",
			wantErr: `steps[0]: unknown action "replay"`,
		},
		{
			name:    "missing action",
			yaml:    "name: n\ndescription: d\n" + minimalPayload + "steps:\n  - fail: [a.txt]\n",
			wantErr: "steps[0]: action is required",
		},
		{
			name:    "bad mode",
			yaml:    "name: n\ndescription: d\nmode: loose\n" + minimalPayload + "steps:\n  - action: run\n",
			wantErr: "loose",
		},
		{
			name:    "negative workers",
			yaml:    "name: n\ndescription: d\nworkers: -1\n" + minimalPayload + "steps:\n  - action: run\n",
			wantErr: "workers must not be negative",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\n" + minimalPayload +
				"steps:\n  - action: run\nassertions:\n  - type: trace_contains\n",
			wantErr: `assertions[0]: unknown assertion type "trace_contains"`,
		},
		{
			name: "checkpoint without position",
			yaml: "name: n\ndescription: d\n" + minimalPayload +
				"steps:\n  - action: run\nassertions:\n  - type: checkpoint\n",
			wantErr: "checkpoint requires position",
		},
		{
			name: "order without paths",
			yaml: "name: n\ndescription: d\n" + minimalPayload +
				"steps:\n  - action: run\nassertions:\n  - type: order\n",
			wantErr: "order requires paths",
		},
		{
			name:    "unknown field",
			yaml:    "name: n\ndescription: d\nassertion: []\n" + minimalPayload + "steps:\n  - action: run\n",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_ResolvesManifestPath(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/chain_resume.yaml")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("testdata", "manifests", "demo.yaml"), s.Manifest)
	_, err = os.Stat(s.Manifest)
	assert.NoError(t, err)
}

func TestLoadScenario_Errors(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/does_not_exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")

	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"name: n\ndescription: d\nmanifest: missing.yaml\nsteps:\n  - action: run\n"), 0o644))
	_, err = LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest not found")
}

func TestTraceSnapshot_Canonical(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "snap",
		Trace: []StepTrace{{
			Step:      0,
			Action:    ActionRun,
			RunID:     "test-run-1",
			Status:    "succeeded",
			Position:  1,
			Completed: []string{"a.txt"},
		}},
	}

	data, err := snap.Canonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"order":[],"scenario_name":"snap","trace":[{"action":"run","blocked":[],"completed":["a.txt"],"failed":[],"position":1,"run_id":"test-run-1","start":0,"status":"succeeded","step":0}]}`,
		string(data))
}
