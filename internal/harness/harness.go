// Package harness runs scenario files: YAML-described flows that compile
// a definitions directory, drive events through a fresh engine on a
// logical clock, and assert on the messages and state left behind. The
// test command and package tests share it.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/driftline/driftline/internal/compiler"
	"github.com/driftline/driftline/internal/compute"
	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/testutil"
)

// settleTimeout bounds how long a settle step waits in wall-clock time
// for the engine to quiesce.
const settleTimeout = 10 * time.Second

// scenarioEpoch is the fixed logical start instant every scenario runs
// from. 2026-01-01T00:00:00Z.
var scenarioEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Failure is one failed assertion.
type Failure struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string    `json:"scenario"`
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures,omitempty"`
	Messages int       `json:"messages"`
}

// Run executes one scenario against a fresh store and engine.
// Returns an error only for defects in the scenario itself; assertion
// failures land in the result.
func Run(ctx context.Context, s *Scenario, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}

	dir, err := os.MkdirTemp("", "driftline-scenario-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	db, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	bundle, err := compiler.CompileDir(s.Definitions)
	if err != nil {
		return nil, fmt.Errorf("compile definitions: %w", err)
	}
	if err := applyBundle(ctx, db, bundle); err != nil {
		return nil, err
	}

	rt := testutil.NewRuntime(scenarioEpoch)
	if len(s.Randoms) > 0 {
		rt.SetRandoms(s.Randoms...)
	}
	fake := dispatch.NewFake()
	periods := period.New(db, log)
	passes := compute.New(db, periods, rt, log)
	eng := engine.New(engine.Deps{
		Store:      db,
		Resolver:   segment.NewResolver(db, log),
		Periods:    periods,
		Dispatcher: fake,
		Runtime:    rt,
		Log:        log,
	})
	defer eng.Close()

	nextEventID := 0
	for i, step := range s.Steps {
		switch {
		case step.Event != nil:
			nextEventID++
			ev := store.Event{
				ID:          step.Event.ID,
				WorkspaceID: bundle.Workspace.ID,
				UserID:      step.Event.User,
				Name:        step.Event.Name,
				Timestamp:   rt.Now(),
			}
			if ev.ID == "" {
				ev.ID = fmt.Sprintf("scenario-ev-%d", nextEventID)
			}
			if len(step.Event.Properties) > 0 {
				ev.Properties, err = marshalProperties(step.Event.Properties)
				if err != nil {
					return nil, fmt.Errorf("steps[%d]: %w", i, err)
				}
			}
			if err := eng.HandleEvent(ctx, ev); err != nil {
				return nil, fmt.Errorf("steps[%d]: ingest event: %w", i, err)
			}

		case step.Compute:
			err := passes.ComputeAndSignal(ctx, bundle.Workspace.ID, func(ws, segmentID, userID string, in bool, version int64) {
				eng.SignalSegmentUpdate(ws, segmentID, userID, in, version)
			})
			if err != nil {
				return nil, fmt.Errorf("steps[%d]: compute: %w", i, err)
			}

		case step.Advance != "":
			d, _ := time.ParseDuration(step.Advance)
			rt.Advance(d)

		case step.Settle:
			if err := settle(eng, rt); err != nil {
				return nil, fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	}

	if err := settle(eng, rt); err != nil {
		return nil, err
	}

	res := &Result{Scenario: s.Name, Messages: len(fake.Requests)}
	for i, a := range s.Assertions {
		if msg := check(ctx, a, db, fake, bundle.Workspace.ID); msg != "" {
			res.Failures = append(res.Failures, Failure{Index: i, Message: msg})
		}
	}
	res.Passed = len(res.Failures) == 0
	return res, nil
}

// settle drives the logical clock until no instance is live. Suspended
// runners are woken by advancing past their timers.
func settle(eng *engine.Engine, rt *testutil.Runtime) error {
	deadline := time.Now().Add(settleTimeout)
	for eng.Live() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("engine did not settle: %d instances still live", eng.Live())
		}
		if rt.PendingTimers() > 0 {
			rt.Advance(366 * 24 * time.Hour)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func marshalProperties(props map[string]any) ([]byte, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode event properties: %w", err)
	}
	return data, nil
}

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

func check(ctx context.Context, a Assertion, db *store.Store, fake *dispatch.Fake, workspaceID string) string {
	switch a.Type {
	case AssertMessageSent:
		for _, req := range fake.Requests {
			if req.UserID != a.User || req.TemplateID != a.Template {
				continue
			}
			if a.Name != "" && req.Name != a.Name {
				continue
			}
			return ""
		}
		return fmt.Sprintf("no message with template %s sent to %s", a.Template, a.User)

	case AssertMessageCount:
		n := 0
		for _, req := range fake.Requests {
			if a.User == "" || req.UserID == a.User {
				n++
			}
		}
		if n != a.Count {
			return fmt.Sprintf("expected %d messages, got %d", a.Count, n)
		}
		return ""

	case AssertInSegment:
		in, found, err := db.FindSegmentAssignment(ctx, workspaceID, a.Segment, a.User)
		if err != nil {
			return err.Error()
		}
		want := !a.Out
		got := found && in
		if got != want {
			return fmt.Sprintf("user %s in segment %s: got %t, want %t", a.User, a.Segment, got, want)
		}
		return ""

	case AssertJourneyExited:
		// Any instance counts, whatever entry key it derived.
		rows, err := db.Query(ctx, `
			SELECT COUNT(*) FROM node_processed
			WHERE journey_id = ? AND user_id = ? AND node_type = 'ExitNode'
		`, a.Journey, a.User)
		if err != nil {
			return err.Error()
		}
		defer rows.Close()
		var count int
		if rows.Next() {
			if err := rows.Scan(&count); err != nil {
				return err.Error()
			}
		}
		if count == 0 {
			return fmt.Sprintf("journey %s has not exited for user %s", a.Journey, a.User)
		}
		return ""
	}
	return fmt.Sprintf("unknown assertion type %q", a.Type)
}
