package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/order"
)

// SortOptions holds flags for the sort command.
type SortOptions struct {
	*RootOptions
	Project      string
	StartIdx     int
	StartFile    string
	Transitive   bool
	ShowDeps     bool
	Strict       bool
	ColonPattern string
}

// SortResult is the order of one project.
type SortResult struct {
	Sorted    []string `json:"sorted"`
	NextIndex int      `json:"next_index"`
}

// SortAllResult holds the order of every project. A project that cannot be
// sorted holds a single "ERROR: ..." line instead.
type SortAllResult struct {
	SortedAllProjects map[string][]string `json:"sorted_all_projects"`
}

// NewSortCommand creates the sort command.
func NewSortCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SortOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sort <payload>",
		Short: "Print the execution order without running anything",
		Long: `Print the order records would be processed in.

Without --project every project in the payload is sorted; a project that
fails to sort is reported in place and does not stop the others.

--start-file skips everything before that file. With --transitive it
instead orders only the file and its transitive prerequisites.

Examples:
  peagen sort projects.yaml
  peagen sort projects.yaml --project demo --show-deps
  peagen sort projects.yaml --project demo --start-file src/api.py --transitive`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("strict-deps") {
				opts.Strict = opts.Config.StrictDependencies
			}
			if !cmd.Flags().Changed("colon-pattern") {
				opts.ColonPattern = opts.Config.ColonPattern
			}
			return runSort(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Project, "project", "p", "", "sort only this project")
	cmd.Flags().IntVar(&opts.StartIdx, "start-idx", 0, "skip this many records")
	cmd.Flags().StringVar(&opts.StartFile, "start-file", "", "start from this rendered file")
	cmd.Flags().BoolVar(&opts.Transitive, "transitive", false, "with --start-file, order the file and its prerequisites only")
	cmd.Flags().BoolVar(&opts.ShowDeps, "show-deps", false, "list each record's direct dependencies")
	cmd.Flags().BoolVar(&opts.Strict, "strict-deps", false, "treat unresolved dependencies as errors")
	cmd.Flags().StringVar(&opts.ColonPattern, "colon-pattern", "", "path pattern for colon references")

	return cmd
}

func runSort(opts *SortOptions, payload string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	if opts.StartIdx < 0 {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "--start-idx must not be negative", nil)
	}

	rs, err := LoadRecords(commandContext(cmd), payload, templateDirs(nil, payload), logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), errorMessage(err), nil)
	}

	if opts.Project != "" {
		res, err := sortProject(rs, opts, logger)
		if err != nil {
			return formatter.Fail(ExitFailure, errorCode(err), errorMessage(err), nil)
		}
		if opts.Format == "json" {
			return formatter.Success(res)
		}
		printLines(formatter.Writer, res.Sorted, "")
		return nil
	}

	all := SortAllResult{SortedAllProjects: make(map[string][]string, len(rs.Projects))}
	for _, name := range rs.Projects {
		formatter.VerboseLog("Sorting project %s", name)
		popts := *opts
		popts.Project = name
		res, err := sortProject(rs, &popts, logger)
		if err != nil {
			logger.Warn("project could not be sorted", "project", name, "error", err)
			all.SortedAllProjects[name] = []string{"ERROR: " + errorMessage(err)}
			continue
		}
		all.SortedAllProjects[name] = res.Sorted
	}

	if opts.Format == "json" {
		return formatter.Success(all)
	}
	for _, name := range rs.Projects {
		fmt.Fprintln(formatter.Writer, headerStyle.Render(name+":"))
		printLines(formatter.Writer, all.SortedAllProjects[name], "  ")
	}
	return nil
}

// sortProject orders one project and formats its lines as
// "{idx}) {path}", optionally followed by its dependencies.
func sortProject(rs ir.RecordSet, opts *SortOptions, logger *slog.Logger) (SortResult, error) {
	g, err := BuildGraph(rs, GraphOptions{
		Project:      opts.Project,
		Strict:       opts.Strict,
		ColonPattern: opts.ColonPattern,
		Logger:       logger,
	})
	if err != nil {
		return SortResult{}, err
	}

	seq, err := orderFor(g, opts)
	if err != nil {
		return SortResult{}, err
	}

	lines := make([]string, len(seq.paths))
	for i, p := range seq.paths {
		line := fmt.Sprintf("%d) %s", opts.StartIdx+i, p)
		if opts.ShowDeps {
			deps := "None"
			if d := g.Dependencies(p); len(d) > 0 {
				deps = strings.Join(d, ", ")
			}
			line += fmt.Sprintf("   (deps: %s)", deps)
		}
		lines[i] = line
	}
	return SortResult{Sorted: lines, NextIndex: seq.next}, nil
}

type sortedSeq struct {
	paths []string
	next  int
}

func orderFor(g *graph.Graph, opts *SortOptions) (sortedSeq, error) {
	var (
		seq []string
		err error
	)
	startFile := opts.StartFile
	if opts.Transitive && startFile != "" {
		subset, serr := order.WithAncestors(g, startFile)
		if serr != nil {
			return sortedSeq{}, &LoadError{Code: ErrCodeStartFile, Message: serr.Error(), Err: serr}
		}
		seq, err = order.Sort(g, order.Options{Mode: order.Transitive, Subset: subset})
		startFile = ""
	} else {
		mode := order.Strict
		if opts.Transitive {
			mode = order.Transitive
		}
		seq, err = order.Sort(g, order.Options{Mode: mode})
	}
	if err != nil {
		return sortedSeq{}, &LoadError{Code: graphErrorCode(err), Message: err.Error(), Err: err}
	}

	kept, next, err := order.Skip(seq, opts.StartIdx, startFile)
	if err != nil {
		return sortedSeq{}, err
	}
	return sortedSeq{paths: kept, next: next}, nil
}

func printLines(w io.Writer, lines []string, indent string) {
	for _, l := range lines {
		if strings.HasPrefix(l, "ERROR: ") {
			fmt.Fprintln(w, indent+failStyle.Render(l))
			continue
		}
		fmt.Fprintln(w, indent+l)
	}
}
