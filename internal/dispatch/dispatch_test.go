package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/graph"
)

func TestLogDispatcher_SubscriptionGating(t *testing.T) {
	d := NewLogDispatcher(nil)
	ctx := context.Background()

	subscribed := true
	res, err := d.Send(ctx, Request{UserID: "user-a", Channel: graph.ChannelEmail, Subscribed: &subscribed})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)

	unsubscribed := false
	res, err = d.Send(ctx, Request{UserID: "user-a", Channel: graph.ChannelEmail, Subscribed: &unsubscribed})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status, "unsubscribed is a skip, not a failure")

	res, err = d.Send(ctx, Request{UserID: "user-a", Channel: graph.ChannelEmail})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status, "ungated messages always send")
}

func TestFake_ScriptedResults(t *testing.T) {
	f := NewFake()
	f.Script("user-b", Result{Status: StatusFailed, Failure: FailureProviderRejected, Reason: "bounce"})
	ctx := context.Background()

	res, err := f.Send(ctx, Request{UserID: "user-a"})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status, "unscripted users succeed")

	res, err = f.Send(ctx, Request{UserID: "user-b"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureProviderRejected, res.Failure)

	require.Len(t, f.Requests, 2)
	assert.Equal(t, "user-a", f.Requests[0].UserID)
	assert.Equal(t, "user-b", f.Requests[1].UserID)
}
