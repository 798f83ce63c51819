package cli

import (
	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/compute"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/store"
)

// NewComputeCommand creates the compute command.
func NewComputeCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "compute <workspace-id>",
		Short: "Run one segment assignment pass",
		Long: `Evaluate every non-keyed segment definition in the workspace against
the event log and reconcile the stored assignments. The same pass the
run command executes periodically.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompute(rootOpts, args[0], dbPath, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	return cmd
}

func runCompute(opts *RootOptions, workspaceID, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if dbPath == "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
		}
		dbPath = cfg.Storage.Path
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "open database", Err: err}
	}
	defer db.Close()

	log := newLogger("info", opts.Verbose)
	passes := compute.New(db, period.New(db, log), nil, log)
	if err := passes.ComputeAssignments(cmd.Context(), workspaceID); err != nil {
		return &ExitError{Code: ExitFailure, Message: "compute pass", Err: err}
	}

	return formatter.Success(
		map[string]string{"workspace": workspaceID},
		"assignments computed for workspace "+workspaceID,
	)
}
