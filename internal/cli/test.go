package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/harness"
)

// TestSummary aggregates scenario results for output.
type TestSummary struct {
	Total   int               `json:"total"`
	Passed  int               `json:"passed"`
	Failed  int               `json:"failed"`
	Results []*harness.Result `json:"results"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <scenario.yaml|dir>...",
		Short: "Run scenario files",
		Long: `Run one or more scenario files against fresh in-process engines.
Directories are walked for *.yaml files. Exits non-zero when any
scenario fails.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(rootOpts, args, cmd)
		},
	}
}

func runTest(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	paths, err := collectScenarioFiles(args)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "collect scenarios", Err: err}
	}
	if len(paths) == 0 {
		return &ExitError{Code: ExitCommandError, Message: "no scenario files found"}
	}

	log := newLogger("error", opts.Verbose)
	summary := &TestSummary{}
	var lines []string
	for _, path := range paths {
		scenario, err := harness.LoadScenario(path)
		if err != nil {
			return &ExitError{Code: ExitCommandError, Message: path, Err: err}
		}
		formatter.VerboseLog("running %s", scenario.Name)

		res, err := harness.Run(cmd.Context(), scenario, log)
		if err != nil {
			return &ExitError{Code: ExitCommandError, Message: scenario.Name, Err: err}
		}

		summary.Total++
		summary.Results = append(summary.Results, res)
		if res.Passed {
			summary.Passed++
			lines = append(lines, "PASS "+res.Scenario)
		} else {
			summary.Failed++
			lines = append(lines, "FAIL "+res.Scenario)
			for _, f := range res.Failures {
				lines = append(lines, fmt.Sprintf("  assertion %d: %s", f.Index, f.Message))
			}
		}
	}

	lines = append(lines, fmt.Sprintf("%d scenario(s): %d passed, %d failed",
		summary.Total, summary.Passed, summary.Failed))
	if err := formatter.Success(summary, lines...); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d scenario(s) failed", summary.Failed)}
	}
	return nil
}

// collectScenarioFiles expands directory arguments into their *.yaml
// files, sorted for a stable run order.
func collectScenarioFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}
