package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

// maxStderr bounds the stderr excerpt kept in a ScriptError.
const maxStderr = 4096

// ExecScriptRunner runs scripts with "sh -c" in Dir. The script's stdout is
// the record's output.
//
// The record context is passed as canonical JSON on stdin and in
// PEAGEN_CONTEXT; the rendered path is in PEAGEN_FILE.
type ExecScriptRunner struct {
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// WaitDelay bounds how long Run waits for I/O after cancellation.
	WaitDelay time.Duration
}

// Run executes req.Script.
func (r *ExecScriptRunner) Run(ctx context.Context, req ScriptRequest) ([]byte, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, &ScriptError{Path: req.Path, ExitCode: -1, Err: errors.New("script is empty")}
	}

	ctxObj := req.Context
	if ctxObj == nil {
		ctxObj = ir.IRObject{}
	}
	payload, err := ir.MarshalCanonical(ctxObj)
	if err != nil {
		return nil, &ScriptError{Path: req.Path, Script: req.Script, ExitCode: -1, Err: fmt.Errorf("encode context: %w", err)}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Script)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"PEAGEN_FILE="+req.Path,
		"PEAGEN_CONTEXT="+string(payload),
	)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ScriptError{Path: req.Path, Script: req.Script, ExitCode: -1, Err: ctxErr}
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ScriptError{
			Path:     req.Path,
			Script:   req.Script,
			ExitCode: exitCode,
			Stderr:   tail(stderr.String(), maxStderr),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
