package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/broadcast"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/store"
)

// NewBroadcastCommand creates the broadcast command group.
func NewBroadcastCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Run or cancel broadcasts",
	}
	cmd.AddCommand(newBroadcastRunCommand(rootOpts))
	cmd.AddCommand(newBroadcastCancelCommand(rootOpts))
	return cmd
}

func newBroadcastRunCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <broadcast-id>",
		Short: "Execute one broadcast to completion",
		Long: `Run a broadcast in-process until it completes, is cancelled, or pauses
on an error. The delivery ledger makes re-running a previously
interrupted broadcast safe: recipients already attempted are skipped.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(rootOpts, args[0], dbPath, dryRun, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record messages instead of dispatching them")
	return cmd
}

func newBroadcastCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "cancel <broadcast-id>",
		Short:         "Mark a broadcast cancelled",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcastCancel(rootOpts, args[0], dbPath, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	return cmd
}

func runBroadcast(opts *RootOptions, id, dbPath string, dryRun bool, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	db, err := openDB(opts, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	log := newLogger("info", opts.Verbose)
	var dispatcher dispatch.Dispatcher
	var fake *dispatch.Fake
	if dryRun {
		fake = dispatch.NewFake()
		dispatcher = fake
	} else {
		dispatcher = dispatch.NewLogDispatcher(log)
	}

	runner := broadcast.NewRunner(broadcast.Deps{
		Store:      db,
		Dispatcher: dispatcher,
		Log:        log,
	}, id)
	if err := runner.Run(cmd.Context()); err != nil {
		return &ExitError{Code: ExitFailure, Message: "broadcast " + id, Err: err}
	}

	b, err := db.Broadcast(cmd.Context(), id)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "read broadcast", Err: err}
	}

	data := map[string]any{"broadcast": id, "status": string(b.Status)}
	lines := []string{fmt.Sprintf("broadcast %s finished with status %s", id, b.Status)}
	if fake != nil {
		data["messages"] = len(fake.Requests)
		lines = append(lines, fmt.Sprintf("  messages recorded: %d", len(fake.Requests)))
	}
	return formatter.Success(data, lines...)
}

func runBroadcastCancel(opts *RootOptions, id, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	db, err := openDB(opts, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetBroadcastStatus(cmd.Context(), id, store.BroadcastCancelled); err != nil {
		return &ExitError{Code: ExitCommandError, Message: "cancel broadcast", Err: err}
	}
	return formatter.Success(
		map[string]string{"broadcast": id, "status": string(store.BroadcastCancelled)},
		"broadcast "+id+" cancelled",
	)
}

// openDB resolves the database path (flag, then config) and opens it.
func openDB(opts *RootOptions, dbPath string) (*store.Store, error) {
	if dbPath == "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return nil, &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
		}
		dbPath = cfg.Storage.Path
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "open database", Err: err}
	}
	return db, nil
}
