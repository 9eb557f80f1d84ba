package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swarmauri/peagen/internal/artifact"
	"github.com/swarmauri/peagen/internal/collab"
	"github.com/swarmauri/peagen/internal/engine"
	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/order"
	"github.com/swarmauri/peagen/internal/store"
)

// RunOptions holds flags for the run and resume commands.
type RunOptions struct {
	*RootOptions
	execFlags
	Project string

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator

	// Collaborators replaces the default collaborators (for testing).
	Collaborators *engine.Collaborators
}

// RunSummary is the JSON result of run and resume.
type RunSummary struct {
	RunID     string            `json:"run_id"`
	Scope     string            `json:"scope"`
	Status    string            `json:"status"`
	Start     int               `json:"start"`
	Position  int               `json:"position"`
	Total     int               `json:"total"`
	Completed []string          `json:"completed"`
	Failed    []string          `json:"failed"`
	Blocked   []string          `json:"blocked"`
	Unchanged []string          `json:"unchanged"`
	Drifted   []string          `json:"drifted"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newExecCommand(rootOpts, false)
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return newExecCommand(rootOpts, true)
}

func newExecCommand(rootOpts *RootOptions, resume bool) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <payload>",
		Short: "Process every record in dependency order",
		Long: `Process every record of the payload in dependency order.

COPY records are rendered from their template, GENERATE records are sent
to the content generator with their prompt and the output of their direct
dependencies, and SCRIPT records run their script. Artifacts are written
under --out, provenance and checkpoints go to the --db SQLite database.

Templates are looked up in --templates, then next to the payload.

Example:
  peagen run projects.yaml --project demo --db ./peagen.db --out ./build
  peagen run projects.yaml --workers 4 --generator-url http://localhost:8080/generate`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.merge(cmd.Flags(), opts.Config)
			return runEngine(opts, args[0], resume, cmd)
		},
	}
	if resume {
		cmd.Use = "resume <payload>"
		cmd.Short = "Continue a run from its last checkpoint"
		cmd.Long = `Continue from the last checkpoint of the project.

The order is recomputed and must still line up with the checkpoint: same
length or longer, same path at the checkpoint position, same dependency
graph. Otherwise nothing runs and the mismatch is reported. Without a
checkpoint, resume behaves like run.

Example:
  peagen resume projects.yaml --project demo --db ./peagen.db --out ./build`
	}

	opts.register(cmd.Flags())
	cmd.Flags().StringVarP(&opts.Project, "project", "p", "", "process only this project (also the checkpoint scope)")

	return cmd
}

func runEngine(opts *RunOptions, payload string, resume bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	mode, err := order.ParseMode(opts.Mode)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	g, err := LoadGraph(commandContext(cmd), payload, GraphOptions{
		Project:      opts.Project,
		Strict:       opts.Strict,
		ColonPattern: opts.ColonPattern,
		Logger:       logger,
		TemplateDirs: templateDirs(opts.Templates, payload),
	})
	if err != nil {
		exit := ExitFailure
		if code := errorCode(err); code == ErrCodeNotFound || code == ErrCodeLoadFailed {
			exit = ExitCommandError
		}
		return formatter.Fail(exit, errorCode(err), errorMessage(err), nil)
	}
	logger.Info("graph built", "records", g.Len(), "external", len(g.External()))

	// Open database (create if not exists)
	logger.Debug("opening database", "path", opts.DB)
	st, err := store.Open(opts.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("failed to open database: %v", err), nil)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	arts, err := artifact.NewFS(opts.Out)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("failed to open output directory: %v", err), nil)
	}

	collabs := defaultCollaborators(opts, payload)
	if opts.Collaborators != nil {
		collabs = *opts.Collaborators
	}

	scope := opts.Project
	if scope == "" {
		scope = engine.DefaultScope
	}
	eng := engine.New(st, arts, collabs, engine.Config{
		Workers:         opts.Workers,
		FailFast:        opts.FailFast,
		Mode:            mode,
		DispatchTimeout: opts.DispatchTimeout,
		Scope:           scope,
		Logger:          logger,
		RunIDs:          opts.RunIDs,
	})

	ctx, stop := withSignals(commandContext(cmd), logger)
	defer stop()

	var res *engine.Result
	if resume {
		res, err = eng.Resume(ctx, g)
	} else {
		res, err = eng.Run(ctx, g)
	}
	if res == nil {
		return abortError(formatter, err)
	}

	summary := summarize(res, scope)
	if opts.Format == "json" {
		if err := writeRunJSON(formatter.Writer, summary, err); err != nil {
			return err
		}
	} else {
		printRunText(formatter.Writer, g, res, summary)
	}

	switch {
	case err == nil:
		return nil
	case res.Status == store.RunCancelled:
		return WrapExitError(ExitFailure, ErrCodeCancelled+": run cancelled", err)
	default:
		return WrapExitError(ExitFailure, fmt.Sprintf("%s: %d record(s) failed", ErrCodeRunFailed, len(res.Failed)), err)
	}
}

// defaultCollaborators wires the real renderer, generator and script
// runner from the command flags.
func defaultCollaborators(opts *RunOptions, payload string) engine.Collaborators {
	c := engine.Collaborators{
		Renderer: collab.NewTemplateRenderer(templateDirs(opts.Templates, payload)...),
		Scripts:  &collab.ExecScriptRunner{Dir: opts.Out},
	}
	if opts.GeneratorURL != "" {
		c.Generator = collab.NewHTTPGenerator(opts.GeneratorURL, opts.DispatchTimeout)
	}
	return c
}

// withSignals cancels the returned context on SIGINT or SIGTERM.
func withSignals(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, cancelling run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}

// abortError reports an error that stopped the run before any record was
// dispatched.
func abortError(formatter *OutputFormatter, err error) error {
	var mismatch *engine.CheckpointMismatchError
	switch {
	case errors.As(err, &mismatch):
		return formatter.Fail(ExitCommandError, ErrCodeCheckpointMismatch, err.Error(), map[string]any{
			"reason":   string(mismatch.Reason),
			"position": mismatch.Checkpoint.Position,
			"path":     mismatch.Checkpoint.Path,
		})
	case graph.IsCycle(err):
		return formatter.Fail(ExitFailure, ErrCodeCycle, err.Error(), nil)
	default:
		return formatter.Fail(ExitFailure, ErrCodeGeneric, err.Error(), nil)
	}
}

func summarize(res *engine.Result, scope string) RunSummary {
	s := RunSummary{
		RunID:     res.RunID,
		Scope:     scope,
		Status:    string(res.Status),
		Start:     res.Start,
		Position:  res.Checkpoint.Position,
		Total:     len(res.Order),
		Completed: nonNilStrings(res.Completed),
		Failed:    nonNilStrings(res.Failed),
		Blocked:   nonNilStrings(res.Blocked),
		Unchanged: nonNilStrings(res.Unchanged),
		Drifted:   nonNilStrings(res.Drifted),
	}
	if len(res.Errors) > 0 {
		s.Errors = make(map[string]string, len(res.Errors))
		for p, e := range res.Errors {
			s.Errors[p] = e.Error()
		}
	}
	return s
}

func writeRunJSON(w io.Writer, summary RunSummary, runErr error) error {
	f := &OutputFormatter{Format: "json", Writer: w}
	if runErr == nil {
		return f.Success(summary)
	}
	code := ErrCodeRunFailed
	if summary.Status == string(store.RunCancelled) {
		code = ErrCodeCancelled
	}
	return f.Error(code, runErr.Error(), summary)
}

func printRunText(w io.Writer, g *graph.Graph, res *engine.Result, s RunSummary) {
	unchanged := make(map[string]bool, len(s.Unchanged))
	for _, p := range s.Unchanged {
		unchanged[p] = true
	}
	for i, p := range res.Order {
		if i < res.Start {
			continue
		}
		switch res.States[p] {
		case engine.StateCompleted:
			if unchanged[p] {
				fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("✓"), p, dimStyle.Render("(unchanged)"))
				continue
			}
			fmt.Fprintf(w, "%s %s\n", okStyle.Render("✓"), p)
		case engine.StateFailed:
			fmt.Fprintf(w, "%s %s\n", failStyle.Render("✗"), p)
			if e := res.Errors[p]; e != nil {
				fmt.Fprintf(w, "  %s\n", dimStyle.Render(e.Error()))
			}
		case engine.StateBlocked:
			fmt.Fprintf(w, "%s %s %s\n", warnStyle.Render("-"), p, dimStyle.Render("(blocked)"))
		default:
			fmt.Fprintf(w, "%s %s %s\n", dimStyle.Render("·"), p, dimStyle.Render("(not run)"))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s %s: %d completed, %d failed, %d blocked; checkpoint %d/%d\n",
		headerStyle.Render("Run"), s.RunID, s.Status,
		len(s.Completed), len(s.Failed), len(s.Blocked), s.Position, s.Total)
	for _, p := range s.Drifted {
		fmt.Fprintf(w, "%s %s was edited since the last run and has been overwritten\n", warnStyle.Render("!"), p)
	}
	if ext := g.External(); len(ext) > 0 {
		refs := make([]string, 0, len(ext))
		for _, e := range ext {
			refs = append(refs, e.Path+" -> "+e.Ref)
		}
		sort.Strings(refs)
		for _, r := range refs {
			fmt.Fprintf(w, "%s external dependency %s\n", warnStyle.Render("!"), r)
		}
	}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
