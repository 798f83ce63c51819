package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/compiler"
)

// ValidateResult holds the validation outcome for one definitions dir.
type ValidateResult struct {
	Valid      bool   `json:"valid"`
	Workspace  string `json:"workspace,omitempty"`
	Segments   int    `json:"segments"`
	Journeys   int    `json:"journeys"`
	Broadcasts int    `json:"broadcasts"`
	Error      string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definitions-dir>",
		Short: "Compile definitions without applying them",
		Long: `Compile a CUE definitions directory and report errors.

Runs the same compilation apply and run use, so whatever validates
cleanly will also load. Nothing is written.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	bundle, err := compiler.CompileDir(dir)
	if err != nil {
		var cerr *compiler.CompileError
		if errors.As(err, &cerr) {
			formatter.VerboseLog("compile error at %s", cerr.Field)
		}
		if ferr := formatter.Failure(err.Error()); ferr != nil {
			return ferr
		}
		return &ExitError{Code: ExitFailure, Message: "validation failed", Err: err}
	}

	result := ValidateResult{
		Valid:      true,
		Workspace:  bundle.Workspace.ID,
		Segments:   len(bundle.Segments),
		Journeys:   len(bundle.Journeys),
		Broadcasts: len(bundle.Broadcasts),
	}
	return formatter.Success(result,
		"valid: workspace "+bundle.Workspace.ID,
		countLine("segments", result.Segments),
		countLine("journeys", result.Journeys),
		countLine("broadcasts", result.Broadcasts),
	)
}
