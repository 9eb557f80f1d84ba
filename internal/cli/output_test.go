package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResponse(t *testing.T, b []byte) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(b, &resp))
	return resp
}

func TestOutputFormatterJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(ValidationResult{Valid: true}))
	resp := decodeResponse(t, buf.Bytes())
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Data)

	buf.Reset()
	cycle := []string{"a.txt", "b.txt", "a.txt"}
	require.NoError(t, f.Error(ErrCodeCycle, "cyclic dependency", cycle))
	resp = decodeResponse(t, buf.Bytes())
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeCycle, resp.Error.Code)
	assert.Equal(t, "cyclic dependency", resp.Error.Message)
	assert.Equal(t, []any{"a.txt", "b.txt", "a.txt"}, resp.Error.Details)
	assert.Nil(t, resp.Data)
}

func TestOutputFormatterJSONOmitsEmptyFields(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Error(ErrCodeNotFound, "payload not found", nil))
	assert.JSONEq(t, `{"status":"error","error":{"code":"E005","message":"payload not found"}}`, buf.String())
}

func TestOutputFormatterText(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		write   func(*OutputFormatter) error
		want    []string
		notWant []string
	}{
		{
			name:  "success prints the value",
			write: func(f *OutputFormatter) error { return f.Success("✓ Payload valid") },
			want:  []string{"✓ Payload valid\n"},
		},
		{
			name:    "error hides details by default",
			write:   func(f *OutputFormatter) error { return f.Error(ErrCodeDangling, "dangling dependency", "src/api.py -> missing.py") },
			want:    []string{"Error [E102]:", "dangling dependency"},
			notWant: []string{"Details:"},
		},
		{
			name:    "verbose error shows details",
			verbose: true,
			write:   func(f *OutputFormatter) error { return f.Error(ErrCodeDangling, "dangling dependency", "src/api.py -> missing.py") },
			want:    []string{"Error [E102]:", "Details: src/api.py -> missing.py"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}
			require.NoError(t, tt.write(f))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, buf.String(), w)
			}
		})
	}
}

func TestOutputFormatterVerboseLog(t *testing.T) {
	t.Run("quiet", func(t *testing.T) {
		buf := &bytes.Buffer{}
		(&OutputFormatter{Format: "text", Writer: buf}).VerboseLog("sorting %s", "demo")
		assert.Empty(t, buf.String())
	})

	t.Run("falls back to Writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		(&OutputFormatter{Format: "text", Writer: buf, Verbose: true}).VerboseLog("sorting %s", "demo")
		assert.Equal(t, "sorting demo\n", buf.String())
	})

	t.Run("keeps JSON stdout clean", func(t *testing.T) {
		out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}
		f.VerboseLog("loaded %d records", 4)
		assert.Empty(t, out.String())
		assert.Equal(t, "loaded 4 records\n", errOut.String())
	})
}

func TestOutputFormatterFail(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	err := f.Fail(ExitCommandError, ErrCodeNotFound, "payload not found: x.yaml", nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "E005: payload not found: x.yaml", err.Error())
	assert.Contains(t, buf.String(), "Error [E005]")
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("plain"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "run failed", errors.New("boom"))), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := WrapExitError(ExitFailure, "run failed", cause)
	assert.Equal(t, "run failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
}
