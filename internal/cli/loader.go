package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/manifest"
)

// LoadError is a payload loading or graph building error with a stable
// code for JSON output.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// GraphOptions selects how a payload becomes a graph.
type GraphOptions struct {
	Project      string
	Strict       bool
	ColonPattern string
	Logger       *slog.Logger

	// TemplateDirs are searched for the template sets that expand
	// PACKAGES entries.
	TemplateDirs []string
}

// LoadRecords reads a projects payload (YAML, JSON or CUE), expanding
// packages through the template sets found in dirs.
func LoadRecords(ctx context.Context, path string, dirs []string, logger *slog.Logger) (ir.RecordSet, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ir.RecordSet{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("payload not found: %s", path), Err: err}
	}
	loader := manifest.Loader{TemplateDirs: dirs, Logger: logger}
	rs, err := loader.Load(ctx, path)
	if err != nil {
		return ir.RecordSet{}, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Err: err}
	}
	if len(rs.Records) == 0 {
		return ir.RecordSet{}, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no file records in %s", path)}
	}
	return rs, nil
}

// BuildGraph builds the graph of one project, or of every record when
// opts.Project is empty.
func BuildGraph(rs ir.RecordSet, opts GraphOptions) (*graph.Graph, error) {
	records := rs.ForProject(opts.Project)
	if opts.Project != "" && len(records) == 0 {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("project %q not found", opts.Project)}
	}
	g, err := graph.Build(records, graph.Options{
		Strict:       opts.Strict,
		ColonPattern: opts.ColonPattern,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, &LoadError{Code: graphErrorCode(err), Message: err.Error(), Err: err}
	}
	return g, nil
}

// LoadGraph is LoadRecords followed by BuildGraph.
func LoadGraph(ctx context.Context, path string, opts GraphOptions) (*graph.Graph, error) {
	rs, err := LoadRecords(ctx, path, opts.TemplateDirs, opts.Logger)
	if err != nil {
		return nil, err
	}
	return BuildGraph(rs, opts)
}

// graphErrorCode maps graph and ordering errors to error codes.
func graphErrorCode(err error) string {
	switch {
	case graph.IsCycle(err):
		return ErrCodeCycle
	case graph.IsDangling(err):
		return ErrCodeDangling
	case graph.IsDuplicate(err):
		return ErrCodeDuplicate
	default:
		return ErrCodeBuildFailed
	}
}

// errorCode returns the code carried by err, or ErrCodeGeneric.
func errorCode(err error) string {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code
	}
	return ErrCodeGeneric
}

// errorMessage strips the code prefix of a LoadError.
func errorMessage(err error) string {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Message
	}
	return err.Error()
}

// templateDirs lists the template directories of a payload: the given
// ones, then the payload's own directory.
func templateDirs(dirs []string, payload string) []string {
	out := append([]string{}, dirs...)
	return append(out, filepath.Dir(payload))
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
