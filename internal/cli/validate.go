package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/order"
)

// ValidationIssue is one problem found in a payload.
type ValidationIssue struct {
	Project string `json:"project"`
	Path    string `json:"path,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results. Warnings never fail
// validation unless --strict-deps turns them into errors.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Projects int               `json:"projects"`
	Records  int               `json:"records"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Warning codes.
const (
	WarnExternalDependency = "W001" // Dependency resolves to no record
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Strict       bool
	ColonPattern string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <payload>",
		Short: "Check a payload without running it",
		Long: `Check a projects payload without running anything.

Every project is loaded, its dependency graph built and ordered. Duplicate
rendered paths, cycles and records that cannot be dispatched are errors.
Dependencies that resolve to no record are warnings, or errors with
--strict-deps.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("strict-deps") {
				opts.Strict = opts.Config.StrictDependencies
			}
			if !cmd.Flags().Changed("colon-pattern") {
				opts.ColonPattern = opts.Config.ColonPattern
			}
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict-deps", false, "treat unresolved dependencies as errors")
	cmd.Flags().StringVar(&opts.ColonPattern, "colon-pattern", "", "path pattern for colon references")

	return cmd
}

func runValidate(opts *ValidateOptions, payload string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	rs, err := LoadRecords(commandContext(cmd), payload, templateDirs(nil, payload), slog.New(slog.DiscardHandler))
	if err != nil {
		// Load errors are command-level errors (exit code 2)
		return formatter.Fail(ExitCommandError, errorCode(err), errorMessage(err), nil)
	}

	result := ValidatePayload(rs, opts.Strict, opts.ColonPattern, formatter)
	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// ValidatePayload checks every project of rs.
func ValidatePayload(rs ir.RecordSet, strict bool, colonPattern string, formatter *OutputFormatter) ValidationResult {
	result := ValidationResult{Projects: len(rs.Projects), Records: len(rs.Records)}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, project := range rs.Projects {
		formatter.VerboseLog("Validating project: %s", project)

		for _, rec := range rs.ForProject(project) {
			if msg := dispatchProblem(rec); msg != "" {
				result.Errors = append(result.Errors, ValidationIssue{
					Project: project, Path: rec.Path, Code: ErrCodeBuildFailed, Message: msg,
				})
			}
		}

		g, err := BuildGraph(rs, GraphOptions{Project: project, Strict: strict, ColonPattern: colonPattern, Logger: quiet})
		if err != nil {
			result.Errors = append(result.Errors, graphIssues(project, err)...)
			continue
		}
		for _, ext := range g.External() {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Project: project,
				Path:    ext.Path,
				Code:    WarnExternalDependency,
				Message: fmt.Sprintf("dependency %q is external: %s", ext.Ref, ext.Reason),
			})
		}

		if _, err := order.StrictOrder(g); err != nil {
			result.Errors = append(result.Errors, graphIssues(project, err)...)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// dispatchProblem reports a record the engine could never dispatch.
func dispatchProblem(rec ir.FileRecord) string {
	if rec.ProcessType == ir.ProcessCopy && rec.TemplateRef == "" {
		return "copy record has no template (FILE_NAME)"
	}
	return ""
}

// graphIssues splits joined graph errors into one issue each.
func graphIssues(project string, err error) []ValidationIssue {
	var loadErr *LoadError
	if errors.As(err, &loadErr) && loadErr.Err != nil {
		err = loadErr.Err
	}

	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		issue := ValidationIssue{Project: project, Code: graphErrorCode(e), Message: e.Error()}
		var dangling *graph.DanglingDependencyError
		var dup *graph.DuplicateRecordError
		switch {
		case errors.As(e, &dangling):
			issue.Path = dangling.Path
		case errors.As(e, &dup):
			issue.Path = dup.Path
		}
		issues = append(issues, issue)
	}
	return issues
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(formatter.Writer, "%s %s: %s: %s\n", warnStyle.Render(w.Code), w.Project, w.Path, w.Message)
	}
	fmt.Fprintln(formatter.Writer, okStyle.Render(fmt.Sprintf("✓ Payload valid (%d projects, %d records)", result.Projects, result.Records)))
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, failStyle.Render("✗ Validation failed"))
	fmt.Fprintln(formatter.Writer)

	for _, e := range errs {
		where := e.Project
		if e.Path != "" {
			where += ": " + e.Path
		}
		fmt.Fprintln(formatter.Writer, where)
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Code, e.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(formatter.Writer, "%s %s: %s: %s\n", warnStyle.Render(w.Code), w.Project, w.Path, w.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
