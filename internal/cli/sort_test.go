package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortJSON(t *testing.T, args ...string) SortResult {
	t.Helper()
	out, err := execute(NewSortCommand(&RootOptions{Format: "json"}), args...)
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   SortResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestSortProject(t *testing.T) {
	payload := writeFile(t, t.TempDir(), "projects.yaml", demoPayload)

	tests := []struct {
		name string
		args []string
		want SortResult
	}{
		{
			name: "whole project",
			args: []string{"--project", "demo"},
			want: SortResult{
				Sorted:    []string{"0) README.md", "1) src/config.py", "2) src/api.py"},
				NextIndex: 3,
			},
		},
		{
			name: "start index",
			args: []string{"--project", "demo", "--start-idx", "1"},
			want: SortResult{
				Sorted:    []string{"1) src/config.py", "2) src/api.py"},
				NextIndex: 3,
			},
		},
		{
			name: "start index past the end",
			args: []string{"--project", "demo", "--start-idx", "7"},
			want: SortResult{Sorted: []string{}, NextIndex: 7},
		},
		{
			name: "start file",
			args: []string{"--project", "demo", "--start-file", "src/config.py"},
			want: SortResult{
				Sorted:    []string{"0) src/config.py", "1) src/api.py"},
				NextIndex: 2,
			},
		},
		{
			name: "transitive start file orders its prerequisites",
			args: []string{"--project", "demo", "--start-file", "src/api.py", "--transitive"},
			want: SortResult{
				Sorted:    []string{"0) src/config.py", "1) src/api.py"},
				NextIndex: 2,
			},
		},
		{
			name: "show deps",
			args: []string{"--project", "demo", "--show-deps"},
			want: SortResult{
				Sorted: []string{
					"0) README.md   (deps: None)",
					"1) src/config.py   (deps: None)",
					"2) src/api.py   (deps: src/config.py)",
				},
				NextIndex: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sortJSON(t, append([]string{payload}, tt.args...)...)
			if len(tt.want.Sorted) == 0 {
				assert.Empty(t, got.Sorted)
			} else {
				assert.Equal(t, tt.want.Sorted, got.Sorted)
			}
			assert.Equal(t, tt.want.NextIndex, got.NextIndex)
		})
	}
}

func TestSortProjectText(t *testing.T) {
	payload := writeFile(t, t.TempDir(), "projects.yaml", demoPayload)

	out, err := execute(NewSortCommand(&RootOptions{Format: "text"}), payload, "--project", "demo")
	require.NoError(t, err)
	assert.Equal(t, "0) README.md\n1) src/config.py\n2) src/api.py\n", out)
}

func TestSortAllProjects(t *testing.T) {
	payload := writeFile(t, t.TempDir(), "projects.yaml", demoPayload)

	out, err := execute(NewSortCommand(&RootOptions{Format: "json"}), payload)
	require.NoError(t, err, out)

	var resp struct {
		Data SortAllResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, map[string][]string{
		"demo": {"0) README.md", "1) src/config.py", "2) src/api.py"},
		"loop": {"ERROR: cyclic dependency: a.txt -> b.txt -> a.txt"},
	}, resp.Data.SortedAllProjects)
}

func TestSortAllProjectsText(t *testing.T) {
	payload := writeFile(t, t.TempDir(), "projects.yaml", demoPayload)

	out, err := execute(NewSortCommand(&RootOptions{Format: "text"}), payload)
	require.NoError(t, err)
	assert.Contains(t, out, "demo:\n  0) README.md\n")
	assert.Contains(t, out, "loop:\n")
	assert.Contains(t, out, "  ERROR: cyclic dependency: a.txt -> b.txt -> a.txt")
}

func TestSortProjectErrors(t *testing.T) {
	payload := writeFile(t, t.TempDir(), "projects.yaml", demoPayload)

	tests := []struct {
		name     string
		args     []string
		exitCode int
		code     string
	}{
		{"cycle", []string{"--project", "loop"}, ExitFailure, ErrCodeCycle},
		{"unknown project", []string{"--project", "nope"}, ExitFailure, ErrCodeNotFound},
		{"unknown transitive start file", []string{"--project", "demo", "--start-file", "nope.py", "--transitive"}, ExitFailure, ErrCodeStartFile},
		{"negative start index", []string{"--project", "demo", "--start-idx=-1"}, ExitCommandError, ErrCodeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(NewSortCommand(&RootOptions{Format: "text"}), append([]string{payload}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestSortStrictDependencies(t *testing.T) {
	payload := writeFile(t, t.TempDir(), "projects.yaml", `
PROJECTS:
  - NAME: demo
    FILES:
      - RENDERED_FILE_NAME: a.txt
        FILE_NAME: a.tmpl
        EXTRAS:
          DEPENDENCIES: [missing.txt]
`)

	got := sortJSON(t, payload, "--project", "demo")
	assert.Equal(t, []string{"0) a.txt"}, got.Sorted)

	_, err := execute(NewSortCommand(&RootOptions{Format: "text"}), payload, "--project", "demo", "--strict-deps")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeDangling)
}
