// Package broadcast runs the audience-wide fan-out state machine: select
// the audience, throttle, dispatch per recipient, and apply the
// configured error policy. Pause, resume, and cancel arrive as control
// signals; the delivery ledger makes resumption exact.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/exec"
	"github.com/driftline/driftline/internal/graph"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/store"
)

// DefaultBatchSize bounds how many recipients are processed between
// throttle and control checkpoints when the config does not say.
const DefaultBatchSize = 100

// ErrorHandling selects what a failing send does to the broadcast.
type ErrorHandling string

const (
	// PauseOnError halts further dispatch on the first failure; the
	// broadcast persists as Paused and is resumable.
	PauseOnError ErrorHandling = "PauseOnError"
	// SkipOnError records the failing recipient as skipped and continues.
	SkipOnError ErrorHandling = "SkipOnError"
)

// Message is the broadcast's message spec, shared by every recipient.
type Message struct {
	Name                string               `json:"name"`
	Channel             graph.MessageChannel `json:"channel"`
	TemplateID          string               `json:"templateId"`
	SubscriptionGroupID string               `json:"subscriptionGroupId,omitempty"`
}

// Config is the stored broadcast configuration.
type Config struct {
	Message   Message `json:"message"`
	BatchSize int     `json:"batchSize,omitempty"`

	// RateLimit caps throughput in messages per second. Zero disables
	// throttling.
	RateLimit float64 `json:"rateLimit,omitempty"`

	ErrorHandling ErrorHandling `json:"errorHandling"`

	// ScheduledAt defers dispatch: either an RFC 3339 instant, or a zoneless
	// wall time ("2006-01-02T15:04") interpreted in DefaultTimezone (UTC
	// when unset).
	ScheduledAt     string `json:"scheduledAt,omitempty"`
	DefaultTimezone string `json:"defaultTimezone,omitempty"`
}

// DecodeConfig parses a stored broadcast config and applies defaults.
func DecodeConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode broadcast config: %w", err)
	}
	if cfg.Message.TemplateID == "" {
		return Config{}, fmt.Errorf("broadcast config: message templateId is required")
	}
	if cfg.Message.Channel == "" {
		cfg.Message.Channel = graph.ChannelEmail
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	switch cfg.ErrorHandling {
	case PauseOnError, SkipOnError:
	case "":
		cfg.ErrorHandling = SkipOnError
	default:
		return Config{}, fmt.Errorf("broadcast config: unknown error handling %q", cfg.ErrorHandling)
	}
	return cfg, nil
}

// ControlSignal is an inbound broadcast control command.
type ControlSignal string

const (
	SignalPause  ControlSignal = "Pause"
	SignalResume ControlSignal = "Resume"
	SignalCancel ControlSignal = "Cancel"
)

// Deps bundles the collaborators a broadcast Runner needs.
type Deps struct {
	Store      *store.Store
	Dispatcher dispatch.Dispatcher
	Runtime    exec.Runtime
	Log        *slog.Logger
}

// Runner executes one broadcast. Control signals are posted from any
// goroutine; the runner drains them at batch checkpoints and while
// paused.
type Runner struct {
	deps    Deps
	id      string
	mailbox *exec.Mailbox[ControlSignal]
	log     *slog.Logger
}

// NewRunner creates a Runner for one broadcast id.
func NewRunner(deps Deps, id string) *Runner {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		deps:    deps,
		id:      id,
		mailbox: exec.NewMailbox[ControlSignal](),
		log:     log.With("broadcast_id", id),
	}
}

// Signal delivers a control command. Safe from any goroutine.
func (r *Runner) Signal(sig ControlSignal) bool {
	return r.mailbox.Post(sig)
}

// Close rejects further signals and wakes the runner if suspended.
func (r *Runner) Close() {
	r.mailbox.Close()
}

// Run executes the broadcast to a terminal status. Blocks the calling
// goroutine.
func (r *Runner) Run(ctx context.Context) error {
	defer r.mailbox.Close()

	b, err := r.deps.Store.Broadcast(ctx, r.id)
	if err != nil {
		return err
	}
	cfg, err := DecodeConfig(b.Config)
	if err != nil {
		if serr := r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastFailed); serr != nil {
			return serr
		}
		r.log.Error("broadcast config invalid, failing", "error", err)
		return nil
	}

	if halt, err := r.deferUntilScheduled(ctx, cfg); err != nil || halt {
		return err
	}

	if err := r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastRunning); err != nil {
		return err
	}

	audience, err := r.audience(ctx, b)
	if err != nil {
		return err
	}
	r.log.Info("broadcast started",
		"workspace_id", b.WorkspaceID,
		"recipients", len(audience),
		"batch_size", cfg.BatchSize,
	)

	var interBatchDelay time.Duration
	if cfg.RateLimit > 0 {
		// batchSize messages per checkpoint at rateLimit messages/second.
		interBatchDelay = time.Duration(float64(cfg.BatchSize) / cfg.RateLimit * float64(time.Second))
	}

	for start := 0; start < len(audience); start += cfg.BatchSize {
		proceed, err := r.checkpoint(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}

		end := min(start+cfg.BatchSize, len(audience))
		for _, userID := range audience[start:end] {
			cont, err := r.sendTo(ctx, b, cfg, userID)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}

		if interBatchDelay > 0 && end < len(audience) {
			if err := exec.Sleep(ctx, r.deps.Runtime, interBatchDelay); err != nil {
				return err
			}
		}
	}

	r.log.Info("broadcast completed")
	return r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastCompleted)
}

// audience is the union of the target segment's current members and the
// explicitly appended recipients, deduplicated, ordered by user id.
func (r *Runner) audience(ctx context.Context, b store.Broadcast) ([]string, error) {
	var members []string
	if b.SegmentID != "" {
		var err error
		members, err = r.deps.Store.SegmentMembers(ctx, b.WorkspaceID, b.SegmentID)
		if err != nil {
			return nil, err
		}
	}
	appended, err := r.deps.Store.BroadcastRecipients(ctx, r.id)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(members)+len(appended))
	out := make([]string, 0, len(members)+len(appended))
	for _, lists := range [][]string{members, appended} {
		for _, u := range lists {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// sendTo dispatches to one recipient and ledgers the attempt. Returns
// cont=false when the error policy halts the broadcast.
func (r *Runner) sendTo(ctx context.Context, b store.Broadcast, cfg Config, userID string) (cont bool, err error) {
	// Resume path: a recipient already in the ledger was attempted by a
	// previous run and is never re-sent.
	attempted, err := r.deps.Store.HasDelivery(ctx, r.id, userID)
	if err != nil {
		return false, err
	}
	if attempted {
		return true, nil
	}

	props, err := r.deps.Store.UserProperties(ctx, b.WorkspaceID, userID)
	if err != nil {
		return false, err
	}
	var subscribed *bool
	if cfg.Message.SubscriptionGroupID != "" {
		in, found, err := r.deps.Store.FindSegmentAssignment(ctx, b.WorkspaceID, cfg.Message.SubscriptionGroupID, userID)
		if err != nil {
			return false, err
		}
		if found {
			subscribed = &in
		}
	}

	res, err := r.deps.Dispatcher.Send(ctx, dispatch.Request{
		WorkspaceID:    b.WorkspaceID,
		UserID:         userID,
		Name:           cfg.Message.Name,
		Channel:        cfg.Message.Channel,
		TemplateID:     cfg.Message.TemplateID,
		UserProperties: props,
		Subscribed:     subscribed,
	})
	if err != nil {
		res = dispatch.Result{
			Status:  dispatch.StatusFailed,
			Failure: dispatch.FailureProviderRejected,
			Reason:  err.Error(),
		}
	}

	if err := r.ledger(ctx, userID, res, cfg.ErrorHandling); err != nil {
		return false, err
	}

	if res.Status == dispatch.StatusFailed && cfg.ErrorHandling == PauseOnError {
		r.log.Warn("send failed, pausing broadcast",
			"user_id", userID,
			"failure", string(res.Failure),
			"reason", res.Reason,
		)
		if err := r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastPaused); err != nil {
			return false, err
		}
		return r.awaitResume(ctx)
	}
	return true, nil
}

// ledger records one attempt. Under SkipOnError a failed send is
// recorded as skipped, matching the error policy's reporting contract.
func (r *Runner) ledger(ctx context.Context, userID string, res dispatch.Result, policy ErrorHandling) error {
	id, err := ids.DeliveryID(r.id, userID)
	if err != nil {
		return err
	}

	status := store.DeliverySent
	failure := ""
	switch res.Status {
	case dispatch.StatusSkipped:
		status = store.DeliverySkipped
		failure = res.Reason
	case dispatch.StatusFailed:
		failure = string(res.Failure)
		if res.Reason != "" {
			failure = fmt.Sprintf("%s: %s", res.Failure, res.Reason)
		}
		status = store.DeliveryFailed
		if policy == SkipOnError {
			status = store.DeliverySkipped
		}
	}

	_, err = r.deps.Store.RecordDelivery(ctx, id, r.id, userID, status, failure)
	return err
}

// checkpoint drains control signals before a batch. Returns
// proceed=false when the broadcast reached a terminal or halted state.
func (r *Runner) checkpoint(ctx context.Context) (proceed bool, err error) {
	paused := false
	for {
		sig, ok := r.mailbox.TryRecv()
		if !ok {
			break
		}
		switch sig {
		case SignalPause:
			paused = true
		case SignalResume:
			paused = false
		case SignalCancel:
			return false, r.cancel(ctx)
		}
	}
	if !paused {
		return true, nil
	}

	if err := r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastPaused); err != nil {
		return false, err
	}
	r.log.Info("broadcast paused")
	return r.awaitResume(ctx)
}

// awaitResume suspends a paused broadcast until a resume or cancel
// signal arrives.
func (r *Runner) awaitResume(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.mailbox.Wait():
			if r.mailbox.Closed() && r.mailbox.Len() == 0 {
				return false, nil
			}
			for {
				sig, ok := r.mailbox.TryRecv()
				if !ok {
					break
				}
				switch sig {
				case SignalResume:
					if err := r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastRunning); err != nil {
						return false, err
					}
					r.log.Info("broadcast resumed")
					return true, nil
				case SignalCancel:
					return false, r.cancel(ctx)
				}
			}
		}
	}
}

func (r *Runner) cancel(ctx context.Context) error {
	r.log.Info("broadcast cancelled")
	return r.deps.Store.SetBroadcastStatus(ctx, r.id, store.BroadcastCancelled)
}

// deferUntilScheduled sleeps until the configured schedule instant.
// halt=true means the context or the mailbox ended the wait.
func (r *Runner) deferUntilScheduled(ctx context.Context, cfg Config) (halt bool, err error) {
	if cfg.ScheduledAt == "" {
		return false, nil
	}
	target, err := resolveSchedule(cfg.ScheduledAt, cfg.DefaultTimezone)
	if err != nil {
		r.log.Error("broadcast schedule invalid, dispatching now", "error", err)
		return false, nil
	}

	d := target.Sub(r.deps.Runtime.Now())
	if d <= 0 {
		return false, nil
	}
	r.log.Info("broadcast deferred", "until", target.Format(time.RFC3339))
	if err := exec.Sleep(ctx, r.deps.Runtime, d); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// resolveSchedule parses a schedule string: RFC 3339 instants pass
// through; zoneless wall times localize to tz (UTC when unset).
func resolveSchedule(raw, tz string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %q: %w", raw, err)
	}
	return t, nil
}
