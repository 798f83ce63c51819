// Package dispatch sends messages to delivery channels. The engine and
// broadcast runners depend only on the Dispatcher interface; provider
// integrations live behind it.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/driftline/driftline/internal/graph"
)

// Status is the terminal outcome of one send attempt.
type Status string

const (
	StatusSent    Status = "Sent"
	StatusSkipped Status = "Skipped"
	StatusFailed  Status = "Failed"
)

// FailureKind classifies a failed send. BadTemplate and BadConfiguration
// are permanent; ProviderRejected may be transient but is not retried
// here, retry policy belongs to the caller.
type FailureKind string

const (
	FailureProviderRejected FailureKind = "ProviderRejected"
	FailureBadTemplate      FailureKind = "BadTemplate"
	FailureBadConfiguration FailureKind = "BadConfiguration"
)

// Request carries everything a channel provider needs for one send.
type Request struct {
	WorkspaceID string
	UserID      string
	Name        string
	Channel     graph.MessageChannel
	TemplateID  string

	// UserProperties are the computed properties available to the
	// template at send time.
	UserProperties map[string]string

	// Subscribed is the user's subscription-group membership when the
	// message targets a group; nil means the message is not gated.
	Subscribed *bool
}

// Result reports the outcome of one send.
type Result struct {
	Status  Status
	Failure FailureKind
	Reason  string
}

// Dispatcher sends one message. Implementations must be safe for
// concurrent use; journey runners for different users share one
// Dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, req Request) (Result, error)
}

// LogDispatcher is the built-in provider: it honors subscription gating
// and logs the send instead of calling an external service. Useful for
// local development and as the default until a real provider is
// configured.
type LogDispatcher struct {
	log *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &LogDispatcher{log: log}
}

// Send logs the message. A user unsubscribed from the targeted group is
// skipped, never failed.
func (d *LogDispatcher) Send(_ context.Context, req Request) (Result, error) {
	if req.Subscribed != nil && !*req.Subscribed {
		d.log.Info("message skipped, user not subscribed",
			"workspace_id", req.WorkspaceID,
			"user_id", req.UserID,
			"message", req.Name,
		)
		return Result{Status: StatusSkipped, Reason: "user not subscribed"}, nil
	}

	d.log.Info("message sent",
		"workspace_id", req.WorkspaceID,
		"user_id", req.UserID,
		"message", req.Name,
		"channel", string(req.Channel),
		"template_id", req.TemplateID,
	)
	return Result{Status: StatusSent}, nil
}

// Fake is a scripted Dispatcher for tests and dry runs. Results are
// keyed by user id; unscripted users succeed. Every request is recorded
// in order.
//
// Fake is intentionally in the production package: dry-run mode wires it
// in place of a real provider.
type Fake struct {
	results  map[string]Result
	Requests []Request
}

// NewFake creates a Fake with no scripted results.
func NewFake() *Fake {
	return &Fake{results: make(map[string]Result)}
}

// Script sets the result returned for a user id.
func (f *Fake) Script(userID string, res Result) {
	f.results[userID] = res
}

// Send records the request and returns the scripted result, honoring
// subscription gating the same way LogDispatcher does.
func (f *Fake) Send(_ context.Context, req Request) (Result, error) {
	f.Requests = append(f.Requests, req)

	if req.Subscribed != nil && !*req.Subscribed {
		return Result{Status: StatusSkipped, Reason: "user not subscribed"}, nil
	}
	if res, ok := f.results[req.UserID]; ok {
		return res, nil
	}
	return Result{Status: StatusSent}, nil
}
