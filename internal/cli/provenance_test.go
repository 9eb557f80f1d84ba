package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmauri/peagen/internal/ir"
)

// populatedDB runs the chain project once and returns the database path.
func populatedDB(t *testing.T) string {
	t.Helper()
	payload := writeChainProject(t)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "peagen.db")

	out, err := execute(NewRunCommand(&RootOptions{Format: "text"}), payload,
		"--project", "demo", "--db", dbPath, "--out", filepath.Join(tmpDir, "out"))
	require.NoError(t, err, out)
	return dbPath
}

func provenance(format string, args ...string) (string, error) {
	return execute(NewProvenanceCommand(&RootOptions{Format: format}), args...)
}

func TestProvenanceShowHeads(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("json", "show", "--db", dbPath)
	require.NoError(t, err, out)

	var resp struct {
		Data ShowResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Heads, 3)
	for _, p := range []string{"README.md", "src/config.py", "src/api.py"} {
		assert.Len(t, resp.Data.Heads[p], 64, p)
	}

	out, err = provenance("text", "show", "--db", dbPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "  README.md"), lines[0])
}

func TestProvenanceShowHistory(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("json", "show", "--db", dbPath, "--path", "src/api.py")
	require.NoError(t, err, out)

	var resp struct {
		Data ShowResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "src/api.py", resp.Data.Path)
	require.Len(t, resp.Data.History, 1)

	rev := resp.Data.History[0]
	assert.Empty(t, rev.ParentHash)
	assert.Equal(t, ir.MustPayloadHash([]byte("from config import DEBUG\n")), rev.PayloadHash)
	assert.Equal(t, []string{"src/api.py"}, rev.Paths)
	require.Len(t, rev.Edges, 1)
	assert.Equal(t, "worker-1", rev.Edges[0].WorkerID)
	assert.NotEmpty(t, rev.FanoutRoot)
}

func TestProvenanceShowUnknownPath(t *testing.T) {
	dbPath := populatedDB(t)

	_, err := provenance("text", "show", "--db", dbPath, "--path", "nope.txt")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no provenance for nope.txt")
}

func TestProvenanceMissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.db")

	for _, sub := range []string{"show", "runs", "checkpoint", "export", "verify"} {
		t.Run(sub, func(t *testing.T) {
			_, err := provenance("text", sub, "--db", missing)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "database not found")
		})
	}
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "a missing database must not be created")
}

func TestProvenanceRuns(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("json", "runs", "--db", dbPath)
	require.NoError(t, err, out)

	var resp struct {
		Data []RunView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	run := resp.Data[0]
	assert.Equal(t, "demo", run.Scope)
	assert.Equal(t, "succeeded", run.Status)
	assert.Equal(t, "strict", run.Mode)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 0, run.ResumedFrom)

	out, err = provenance("json", "runs", "--db", dbPath, "--scope", "other")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Empty(t, resp.Data)
}

func TestProvenanceCheckpoint(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("json", "checkpoint", "--db", dbPath, "--scope", "demo")
	require.NoError(t, err, out)

	var resp struct {
		Data ir.Checkpoint `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 3, resp.Data.Position)
	assert.Equal(t, "src/api.py", resp.Data.Path)
	assert.NotEmpty(t, resp.Data.GraphHash)

	_, err = provenance("text", "checkpoint", "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no checkpoint for scope default")
}

func TestProvenanceExportJSONL(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("text", "export", "--db", dbPath)
	require.NoError(t, err)

	var paths []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		paths = append(paths, rec["path"].(string))
	}
	assert.ElementsMatch(t, []string{"README.md", "src/config.py", "src/api.py"}, paths)
}

func TestProvenanceExportAndVerifyFile(t *testing.T) {
	dbPath := populatedDB(t)
	auditPath := filepath.Join(t.TempDir(), "audit.cbor.zst")

	out, err := provenance("text", "export", "--db", dbPath,
		"--encoding", "cbor", "--zstd", "--output", auditPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Exported 3 revision(s)")

	out, err = provenance("text", "verify", "--input", auditPath, "--encoding", "cbor", "--zstd")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ 3 revision(s) verified")
}

func TestProvenanceVerifyDatabase(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("json", "verify", "--db", dbPath)
	require.NoError(t, err, out)

	var resp struct {
		Data VerifyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 3, resp.Data.Revisions)
}

func TestProvenanceVerifyDetectsTampering(t *testing.T) {
	dbPath := populatedDB(t)

	out, err := provenance("text", "export", "--db", dbPath)
	require.NoError(t, err)

	// Rewrite the payload hash of the first record.
	var lines []string
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if i == 0 {
			var rec map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &rec))
			rec["payload_hash"] = strings.Repeat("0", 64)
			b, err := json.Marshal(rec)
			require.NoError(t, err)
			line = string(b)
		}
		lines = append(lines, line)
	}
	auditPath := writeFile(t, t.TempDir(), "audit.jsonl", strings.Join(lines, "\n")+"\n")

	out, err = provenance("text", "verify", "--input", auditPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeProvenance)
	assert.Contains(t, out, "✗ Provenance does not verify")
}

func TestProvenanceExportRejectsUnknownEncoding(t *testing.T) {
	dbPath := populatedDB(t)

	buf := &bytes.Buffer{}
	cmd := NewProvenanceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"export", "--db", dbPath, "--encoding", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
