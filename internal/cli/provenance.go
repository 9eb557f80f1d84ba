package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmauri/peagen/internal/engine"
	"github.com/swarmauri/peagen/internal/export"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/ledger"
	"github.com/swarmauri/peagen/internal/store"
)

// ProvenanceOptions holds flags shared by the provenance subcommands.
type ProvenanceOptions struct {
	*RootOptions
	Database string
}

// RevisionView is one revision in show output.
type RevisionView struct {
	RevisionHash string    `json:"revision_hash"`
	ParentHash   string    `json:"parent_hash,omitempty"`
	PayloadHash  string    `json:"payload_hash"`
	Paths        []string  `json:"paths"`
	Timestamp    time.Time `json:"timestamp"`
	Edges        []ir.Edge `json:"edges"`
	FanoutRoot   string    `json:"fanout_root,omitempty"`
}

// ShowResult is the output of provenance show.
type ShowResult struct {
	// Heads maps every path to its head revision when no path was given.
	Heads map[string]string `json:"heads,omitempty"`
	// History lists a path's revisions, head first.
	Path    string         `json:"path,omitempty"`
	History []RevisionView `json:"history,omitempty"`
}

// RunView is one run in runs output.
type RunView struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Status      string     `json:"status"`
	Mode        string     `json:"mode"`
	GraphHash   string     `json:"graph_hash"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ResumedFrom int        `json:"resumed_from"`
}

// VerifyResult is the output of provenance verify.
type VerifyResult struct {
	Revisions int      `json:"revisions"`
	Valid     bool     `json:"valid"`
	Problems  []string `json:"problems,omitempty"`
}

// NewProvenanceCommand creates the provenance command group.
func NewProvenanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProvenanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Inspect, export and verify recorded provenance",
		Long: `Inspect the provenance recorded by run and resume.

Every artifact version is a content-addressed revision chained to its
predecessor; every worker contribution is an edge chained to the same
worker's previous edge; finalized revisions carry a fanout root over
their edges.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "peagen.db", "path to SQLite database")

	cmd.AddCommand(newProvenanceShowCommand(opts))
	cmd.AddCommand(newProvenanceRunsCommand(opts))
	cmd.AddCommand(newProvenanceCheckpointCommand(opts))
	cmd.AddCommand(newProvenanceExportCommand(opts))
	cmd.AddCommand(newProvenanceVerifyCommand(opts))

	return cmd
}

// openStore opens the --db database, falling back to the config file's
// db. A missing database is an error rather than created.
func (o *ProvenanceOptions) openStore(cmd *cobra.Command) (*store.Store, error) {
	path := o.Database
	if f := cmd.Flags().Lookup("db"); (f == nil || !f.Changed) && o.Config.DB != "" {
		path = o.Config.DB
	}
	return openExistingStore(path)
}

func openExistingStore(path string) (*store.Store, error) {
	st, err := store.OpenExisting(path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	return st, err
}

func newProvenanceShowCommand(opts *ProvenanceOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show head revisions, or the history of one path",
		Long: `Show the head revision of every path, or with --path the full
revision history of one path, newest first.

Examples:
  peagen provenance show --db ./peagen.db
  peagen provenance show --db ./peagen.db --path src/api.py --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
			ctx := commandContext(cmd)

			st, err := opts.openStore(cmd)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
			}
			defer st.Close()

			if path == "" {
				heads, err := st.Heads(ctx)
				if err != nil {
					return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
				}
				return outputHeads(formatter, heads)
			}

			history, err := st.History(ctx, path)
			if errors.Is(err, store.ErrNotFound) {
				return formatter.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no provenance for %s", path), nil)
			}
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
			}
			return outputHistory(formatter, path, history)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "show the history of this rendered path")
	return cmd
}

func outputHeads(formatter *OutputFormatter, heads map[string]string) error {
	if formatter.Format == "json" {
		return formatter.Success(ShowResult{Heads: heads})
	}
	if len(heads) == 0 {
		fmt.Fprintln(formatter.Writer, "No provenance recorded.")
		return nil
	}
	paths := make([]string, 0, len(heads))
	for p := range heads {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(formatter.Writer, "%s  %s\n", dimStyle.Render(shortHash(heads[p])), p)
	}
	return nil
}

func outputHistory(formatter *OutputFormatter, path string, history []ir.ProvenanceRecord) error {
	views := make([]RevisionView, len(history))
	for i, rec := range history {
		views[i] = RevisionView{
			RevisionHash: rec.RevisionHash,
			ParentHash:   rec.ParentHash,
			PayloadHash:  rec.PayloadHash,
			Paths:        rec.Paths,
			Timestamp:    rec.Timestamp,
			Edges:        rec.Edges,
			FanoutRoot:   rec.FanoutRoot,
		}
	}
	if formatter.Format == "json" {
		return formatter.Success(ShowResult{Path: path, History: views})
	}

	fmt.Fprintln(formatter.Writer, headerStyle.Render(path))
	for _, v := range views {
		fmt.Fprintf(formatter.Writer, "  %s  %s  %d edge(s)",
			shortHash(v.RevisionHash), v.Timestamp.UTC().Format(time.RFC3339), len(v.Edges))
		if v.FanoutRoot != "" {
			fmt.Fprintf(formatter.Writer, "  root %s", shortHash(v.FanoutRoot))
		}
		fmt.Fprintln(formatter.Writer)
		for _, e := range v.Edges {
			fmt.Fprintf(formatter.Writer, "    %s %s\n", dimStyle.Render(e.WorkerID), shortHash(e.EdgeHash))
		}
	}
	return nil
}

func newProvenanceRunsCommand(opts *ProvenanceOptions) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:           "runs",
		Short:         "List recorded runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

			st, err := opts.openStore(cmd)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
			}
			defer st.Close()

			runs, err := st.Runs(commandContext(cmd), scope)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
			}

			views := make([]RunView, len(runs))
			for i, r := range runs {
				views[i] = RunView{
					ID:          r.ID,
					Scope:       r.Scope,
					Status:      string(r.Status),
					Mode:        r.Mode,
					GraphHash:   r.GraphHash,
					StartedAt:   r.StartedAt,
					ResumedFrom: r.ResumedFrom,
				}
				if !r.FinishedAt.IsZero() {
					finished := r.FinishedAt
					views[i].FinishedAt = &finished
				}
			}
			if formatter.Format == "json" {
				return formatter.Success(views)
			}
			if len(views) == 0 {
				fmt.Fprintln(formatter.Writer, "No runs recorded.")
				return nil
			}
			for _, v := range views {
				status := v.Status
				switch store.RunStatus(v.Status) {
				case store.RunSucceeded:
					status = okStyle.Render(status)
				case store.RunFailed, store.RunCancelled:
					status = failStyle.Render(status)
				}
				fmt.Fprintf(formatter.Writer, "%s  %-10s %s  %s  from %d\n",
					v.ID, v.Scope, status, v.StartedAt.UTC().Format(time.RFC3339), v.ResumedFrom)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "only runs of this scope (project)")
	return cmd
}

func newProvenanceCheckpointCommand(opts *ProvenanceOptions) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:           "checkpoint",
		Short:         "Show the stored checkpoint of a scope",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

			st, err := opts.openStore(cmd)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
			}
			defer st.Close()

			cp, err := st.LoadCheckpoint(commandContext(cmd), scope)
			if errors.Is(err, store.ErrNotFound) {
				return formatter.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no checkpoint for scope %s", scope), nil)
			}
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
			}
			if formatter.Format == "json" {
				return formatter.Success(cp)
			}
			fmt.Fprintf(formatter.Writer, "%s position %d", headerStyle.Render(scope), cp.Position)
			if cp.Path != "" {
				fmt.Fprintf(formatter.Writer, " after %s (%s)", cp.Path, shortHash(cp.RevisionHash))
			}
			fmt.Fprintf(formatter.Writer, "\n  run %s, graph %s, %s\n",
				cp.RunID, shortHash(cp.GraphHash), cp.UpdatedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", engine.DefaultScope, "checkpoint scope (project)")
	return cmd
}

// exportFlags select the export encoding.
type exportFlags struct {
	Encoding string
	Zstd     bool
}

func (f *exportFlags) options() (export.Options, error) {
	format, err := export.ParseFormat(f.Encoding)
	if err != nil {
		return export.Options{}, err
	}
	return export.Options{Format: format, Compress: f.Zstd}, nil
}

func newProvenanceExportCommand(opts *ProvenanceOptions) *cobra.Command {
	var (
		ef     exportFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every revision as audit records",
		Long: `Export every revision, sorted by revision hash, as JSON Lines or
deterministic CBOR, optionally zstd-compressed.

Examples:
  peagen provenance export --db ./peagen.db -o audit.jsonl
  peagen provenance export --db ./peagen.db --encoding cbor --zstd -o audit.cbor.zst`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

			exportOpts, err := ef.options()
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
			}

			st, err := opts.openStore(cmd)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
			}
			defer st.Close()

			recs, err := st.Records(commandContext(cmd))
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
			}

			if output == "" || output == "-" {
				return export.Write(cmd.OutOrStdout(), recs, exportOpts)
			}
			if err := writeExportFile(output, recs, exportOpts); err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, err.Error(), nil)
			}
			formatter.VerboseLog("Exported %d revision(s) to %s", len(recs), output)
			if formatter.Format == "json" {
				return formatter.Success(map[string]any{"revisions": len(recs), "output": output})
			}
			fmt.Fprintf(formatter.Writer, "%s Exported %d revision(s) to %s\n", okStyle.Render("✓"), len(recs), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&ef.Encoding, "encoding", "jsonl", "record encoding (jsonl|cbor)")
	cmd.Flags().BoolVar(&ef.Zstd, "zstd", false, "compress with zstd")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file (- for stdout)")
	return cmd
}

func writeExportFile(path string, recs []ir.ProvenanceRecord, opts export.Options) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return export.Write(f, recs, opts)
}

func newProvenanceVerifyCommand(opts *ProvenanceOptions) *cobra.Command {
	var (
		ef    exportFlags
		input string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute and check every provenance hash",
		Long: `Recompute every revision hash, edge hash and fanout root and check
that every parent revision is present.

Reads the database, or with --input an exported audit file.

Exit codes:
  0 - All records verified
  1 - One or more records do not verify
  2 - Command error (database or file not found, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

			var (
				recs []ir.ProvenanceRecord
				err  error
			)
			if input != "" {
				recs, err = readExportFile(input, ef)
			} else {
				recs, err = readStoreRecords(cmd, opts)
			}
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
			}

			result := VerifyResult{Revisions: len(recs), Valid: true}
			if verr := ledger.VerifyAll(recs); verr != nil {
				result.Valid = false
				result.Problems = splitErrors(verr)
			}

			if !result.Valid {
				if formatter.Format == "json" {
					_ = formatter.Error(ErrCodeProvenance, fmt.Sprintf("%d problem(s) found", len(result.Problems)), result)
				} else {
					fmt.Fprintln(formatter.Writer, failStyle.Render("✗ Provenance does not verify"))
					for _, p := range result.Problems {
						fmt.Fprintf(formatter.Writer, "  %s\n", p)
					}
				}
				return NewExitError(ExitFailure, fmt.Sprintf("%s: %d problem(s) found", ErrCodeProvenance, len(result.Problems)))
			}

			if formatter.Format == "json" {
				return formatter.Success(result)
			}
			fmt.Fprintln(formatter.Writer, okStyle.Render(fmt.Sprintf("✓ %d revision(s) verified", result.Revisions)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "verify an exported audit file instead of the database")
	cmd.Flags().StringVar(&ef.Encoding, "encoding", "jsonl", "encoding of --input (jsonl|cbor)")
	cmd.Flags().BoolVar(&ef.Zstd, "zstd", false, "--input is zstd-compressed")
	return cmd
}

func readStoreRecords(cmd *cobra.Command, opts *ProvenanceOptions) ([]ir.ProvenanceRecord, error) {
	st, err := opts.openStore(cmd)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Records(commandContext(cmd))
}

func readExportFile(path string, ef exportFlags) ([]ir.ProvenanceRecord, error) {
	exportOpts, err := ef.options()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export file not found: %s", path)
	}
	defer f.Close()
	return export.Read(f, exportOpts)
}

// splitErrors flattens joined errors into one message each.
func splitErrors(err error) []string {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range joined.Unwrap() {
		out = append(out, splitErrors(e)...)
	}
	return out
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
