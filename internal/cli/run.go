package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/broadcast"
	"github.com/driftline/driftline/internal/compiler"
	"github.com/driftline/driftline/internal/compute"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/server"
	"github.com/driftline/driftline/internal/store"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var computeInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the API server and execution engine",
		Long: `Start the HTTP API, the journey engine, the broadcast registry and a
periodic assignment compute loop. If the configured definitions
directory exists it is compiled and applied at startup.

Shuts down cleanly on SIGINT/SIGTERM: the listener stops first, then
live journey and broadcast runners drain.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, computeInterval, cmd)
		},
	}
	cmd.Flags().DurationVar(&computeInterval, "compute-interval", 30*time.Second,
		"how often assignment compute passes run (0 disables)")
	return cmd
}

func runServe(opts *RootOptions, computeInterval time.Duration, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
	}

	log := newLogger(cfg.Log.Level, opts.Verbose)

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "open database", Err: err}
	}
	defer db.Close()

	ctx := cmd.Context()
	workspaces, err := applyDefinitionsDir(ctx, db, cfg.Definitions.Dir, log)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "apply definitions", Err: err}
	}

	dispatcher := dispatch.NewLogDispatcher(log)
	periods := period.New(db, log)
	eng := engine.New(engine.Deps{
		Store:      db,
		Resolver:   segment.NewResolver(db, log),
		Periods:    periods,
		Dispatcher: dispatcher,
		Log:        log,
	})
	defer eng.Close()

	registry := broadcast.NewRegistry(broadcast.Deps{
		Store:      db,
		Dispatcher: dispatcher,
		Log:        log,
	})
	defer registry.Close()

	passes := compute.New(db, periods, nil, log)
	if computeInterval > 0 && len(workspaces) > 0 {
		go computeLoop(ctx, passes, eng, workspaces, computeInterval, log)
	}

	api := server.New(server.Deps{
		Engine:     eng,
		Broadcasts: registry,
		Compute:    passes,
		Log:        log,
	})

	httpSrv := &http.Server{Addr: cfg.Server.Listen, Handler: api}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &ExitError{Code: ExitCommandError, Message: "serve", Err: err}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
	return nil
}

// applyDefinitionsDir compiles and applies the configured definitions
// dir when present. Returns the workspace ids the compute loop should
// cover. A missing directory is not an error; the catalog may be
// populated via apply instead.
func applyDefinitionsDir(ctx context.Context, db *store.Store, dir string, log *slog.Logger) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Info("definitions dir absent, skipping", "dir", dir)
		return nil, nil
	}

	bundle, err := compiler.CompileDir(dir)
	if err != nil {
		return nil, err
	}
	if err := applyBundle(ctx, db, bundle); err != nil {
		return nil, err
	}
	log.Info("definitions applied",
		"workspace_id", bundle.Workspace.ID,
		"segments", len(bundle.Segments),
		"journeys", len(bundle.Journeys),
		"broadcasts", len(bundle.Broadcasts),
	)
	return []string{bundle.Workspace.ID}, nil
}

// computeLoop runs assignment passes on a fixed interval and feeds the
// resulting membership changes into the engine as signals.
func computeLoop(ctx context.Context, passes *compute.Runner, eng *engine.Engine, workspaces []string, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, ws := range workspaces {
			err := passes.ComputeAndSignal(ctx, ws, func(workspaceID, segmentID, userID string, in bool, version int64) {
				eng.SignalSegmentUpdate(workspaceID, segmentID, userID, in, version)
			})
			if err != nil {
				log.Error("compute pass failed", "workspace_id", ws, "error", err)
			}
		}
	}
}

// newLogger builds the process logger. Verbose forces debug level.
func newLogger(level string, verbose bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
