package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
)

// TriggerEvent is one event in a trigger file.
type TriggerEvent struct {
	ID         string         `yaml:"id,omitempty"`
	Workspace  string         `yaml:"workspace"`
	User       string         `yaml:"user"`
	Name       string         `yaml:"name"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// TriggerResult reports what a trigger run did.
type TriggerResult struct {
	Events   int `json:"events"`
	Messages int `json:"messages"`
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "trigger <events.yaml>",
		Short: "Ingest events from a file and run matching journeys to completion",
		Long: `Read a YAML list of events, ingest them through an in-process engine,
and wait for every started journey instance to finish. With --dry-run,
messages are recorded instead of dispatched and a count is reported.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(rootOpts, args[0], dbPath, dryRun, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record messages instead of dispatching them")
	return cmd
}

func runTrigger(opts *RootOptions, path, dbPath string, dryRun bool, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	events, err := loadTriggerFile(path)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "load events", Err: err}
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
	var dispatcher dispatch.Dispatcher
	var fake *dispatch.Fake
	if dryRun {
		fake = dispatch.NewFake()
		dispatcher = fake
	} else {
		dispatcher = dispatch.NewLogDispatcher(log)
	}

	eng := engine.New(engine.Deps{
		Store:      db,
		Resolver:   segment.NewResolver(db, log),
		Periods:    period.New(db, log),
		Dispatcher: dispatcher,
		Log:        log,
	})

	tokens := ids.UUIDv7Generator{}
	ctx := cmd.Context()
	for i, te := range events {
		ev := store.Event{
			ID:          te.ID,
			WorkspaceID: te.Workspace,
			UserID:      te.User,
			Name:        te.Name,
			Timestamp:   eventTimestamp(),
		}
		if ev.ID == "" {
			ev.ID = tokens.NewToken()
		}
		if len(te.Properties) > 0 {
			props, err := marshalJSON(te.Properties)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("events[%d]", i), Err: err}
			}
			ev.Properties = props
		}
		formatter.VerboseLog("ingesting %s for %s", ev.Name, ev.UserID)
		if err := eng.HandleEvent(ctx, ev); err != nil {
			eng.Close()
			return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("events[%d]", i), Err: err}
		}
	}

	// Close waits for every started instance to drain.
	eng.Close()

	result := TriggerResult{Events: len(events)}
	lines := []string{fmt.Sprintf("ingested %d event(s)", len(events))}
	if fake != nil {
		result.Messages = len(fake.Requests)
		lines = append(lines, fmt.Sprintf("  messages recorded: %d", result.Messages))
	}
	return formatter.Success(result, lines...)
}

func marshalJSON(v map[string]any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return data, nil
}

func eventTimestamp() time.Time {
	return time.Now().UTC()
}

// loadTriggerFile parses a YAML event list with strict fields.
func loadTriggerFile(path string) ([]TriggerEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []TriggerEvent
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&events); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%s contains no events", path)
	}
	for i, ev := range events {
		if ev.Workspace == "" || ev.User == "" || ev.Name == "" {
			return nil, fmt.Errorf("events[%d]: workspace, user and name are required", i)
		}
	}
	return events, nil
}
