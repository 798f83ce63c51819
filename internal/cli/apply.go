package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/compiler"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/store"
)

// ApplyResult reports what an apply wrote.
type ApplyResult struct {
	Workspace  string `json:"workspace"`
	Segments   int    `json:"segments"`
	Journeys   int    `json:"journeys"`
	Broadcasts int    `json:"broadcasts"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "apply <definitions-dir>",
		Short: "Compile definitions and upsert them into the catalog",
		Long: `Compile a CUE definitions directory and write the workspace, segments,
journeys and broadcasts to the database. Existing rows are updated in
place; rows absent from the directory are left untouched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, args[0], dbPath, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	return cmd
}

func runApply(opts *RootOptions, dir, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	bundle, err := compiler.CompileDir(dir)
	if err != nil {
		if ferr := formatter.Failure(err.Error()); ferr != nil {
			return ferr
		}
		return &ExitError{Code: ExitFailure, Message: "compile failed", Err: err}
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

	if err := applyBundle(cmd.Context(), db, bundle); err != nil {
		return &ExitError{Code: ExitCommandError, Message: "apply definitions", Err: err}
	}

	result := ApplyResult{
		Workspace:  bundle.Workspace.ID,
		Segments:   len(bundle.Segments),
		Journeys:   len(bundle.Journeys),
		Broadcasts: len(bundle.Broadcasts),
	}
	return formatter.Success(result,
		"applied workspace "+bundle.Workspace.ID,
		countLine("segments", result.Segments),
		countLine("journeys", result.Journeys),
		countLine("broadcasts", result.Broadcasts),
	)
}

// applyBundle upserts every compiled row. Workspace first so catalog
// rows never reference a workspace that does not exist yet.
func applyBundle(ctx context.Context, db *store.Store, b *compiler.Bundle) error {
	if err := db.UpsertWorkspace(ctx, b.Workspace); err != nil {
		return err
	}
	for _, seg := range b.Segments {
		if err := db.UpsertSegment(ctx, seg); err != nil {
			return err
		}
	}
	for _, j := range b.Journeys {
		if err := db.UpsertJourney(ctx, j); err != nil {
			return err
		}
	}
	for _, bc := range b.Broadcasts {
		if err := db.UpsertBroadcast(ctx, bc); err != nil {
			return err
		}
	}
	return nil
}
