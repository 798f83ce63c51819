package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/testutil"
)

type harness struct {
	store   *store.Store
	runtime *testutil.Runtime
	fake    *dispatch.Fake
	deps    Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rt := testutil.NewRuntime(time.UnixMilli(1_000_000))
	fake := dispatch.NewFake()
	return &harness{
		store:   s,
		runtime: rt,
		fake:    fake,
		deps:    Deps{Store: s, Dispatcher: fake, Runtime: rt},
	}
}

func (h *harness) putBroadcast(t *testing.T, id, config string, members ...string) {
	t.Helper()
	ctx := context.Background()
	for i, u := range members {
		require.NoError(t, h.store.PutSegmentAssignment(ctx, "ws-1", "seg-audience", u, true, int64(i+1)))
	}
	require.NoError(t, h.store.UpsertBroadcast(ctx, store.Broadcast{
		ID: id, WorkspaceID: "ws-1", SegmentID: "seg-audience",
		Config: []byte(config), Status: store.BroadcastScheduled,
	}))
}

func (h *harness) status(t *testing.T, id string) store.BroadcastStatus {
	t.Helper()
	b, err := h.store.Broadcast(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func (h *harness) sentCount(t *testing.T, id string) int {
	t.Helper()
	n, err := h.store.DeliveryCount(context.Background(), id, store.DeliverySent)
	require.NoError(t, err)
	return n
}

const basicConfig = `{"message":{"name":"promo","channel":"Email","templateId":"tpl-1"},"errorHandling":"SkipOnError"}`

func TestRunner_PauseResumeExactness(t *testing.T) {
	h := newHarness(t)
	h.putBroadcast(t, "b-1",
		`{"message":{"name":"promo","channel":"Email","templateId":"tpl-1"},"batchSize":1,"rateLimit":1,"errorHandling":"SkipOnError"}`,
		"user-a", "user-b", "user-c")

	r := NewRunner(h.deps, "b-1")
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	// batchSize=1 at 1 msg/s: the runner parks on the throttle timer after
	// the first send.
	require.Eventually(t, func() bool { return h.runtime.PendingTimers() > 0 },
		time.Second, time.Millisecond)
	require.Equal(t, 1, h.sentCount(t, "b-1"))

	r.Signal(SignalPause)
	h.runtime.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return h.status(t, "b-1") == store.BroadcastPaused },
		time.Second, time.Millisecond)
	assert.Equal(t, 1, h.sentCount(t, "b-1"), "pause halts after the in-flight batch")

	r.Signal(SignalResume)
	require.Eventually(t, func() bool {
		if h.runtime.PendingTimers() > 0 {
			h.runtime.Advance(2 * time.Second)
		}
		return h.status(t, "b-1") == store.BroadcastCompleted
	}, time.Second, time.Millisecond)
	require.NoError(t, <-done)

	assert.Equal(t, 3, h.sentCount(t, "b-1"), "exactly totalRecipients sends in total")
	var users []string
	for _, req := range h.fake.Requests {
		users = append(users, req.UserID)
	}
	assert.Equal(t, []string{"user-a", "user-b", "user-c"}, users, "no recipient sent twice")
}

func TestRunner_PauseOnErrorHaltsDispatch(t *testing.T) {
	h := newHarness(t)
	h.putBroadcast(t, "b-1",
		`{"message":{"name":"promo","channel":"Email","templateId":"tpl-1"},"batchSize":1,"errorHandling":"PauseOnError"}`,
		"user-a", "user-b", "user-c")
	h.fake.Script("user-b", dispatch.Result{
		Status: dispatch.StatusFailed, Failure: dispatch.FailureProviderRejected, Reason: "bounce",
	})

	r := NewRunner(h.deps, "b-1")
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.status(t, "b-1") == store.BroadcastPaused },
		time.Second, time.Millisecond)
	assert.Equal(t, 1, h.sentCount(t, "b-1"), "no sends past the failure")
	assert.Len(t, h.fake.Requests, 2, "user-c was never attempted")

	r.Signal(SignalCancel)
	require.NoError(t, <-done)
	assert.Equal(t, store.BroadcastCancelled, h.status(t, "b-1"))
}

func TestRunner_SkipOnErrorContinues(t *testing.T) {
	h := newHarness(t)
	h.putBroadcast(t, "b-1",
		`{"message":{"name":"promo","channel":"Email","templateId":"tpl-1"},"batchSize":1,"errorHandling":"SkipOnError"}`,
		"user-a", "user-b", "user-c")
	h.fake.Script("user-b", dispatch.Result{
		Status: dispatch.StatusFailed, Failure: dispatch.FailureProviderRejected, Reason: "bounce",
	})

	r := NewRunner(h.deps, "b-1")
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, store.BroadcastCompleted, h.status(t, "b-1"))
	assert.Equal(t, 2, h.sentCount(t, "b-1"), "failing recipient absent from the sent count")

	skipped, err := h.store.DeliveryCount(context.Background(), "b-1", store.DeliverySkipped)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
}

func TestRunner_ResumeSkipsLedgeredRecipients(t *testing.T) {
	h := newHarness(t)
	h.putBroadcast(t, "b-1", basicConfig, "user-a", "user-b", "user-c")
	ctx := context.Background()

	// Simulate a previous run that sent user-a before the process died.
	id, err := ids.DeliveryID("b-1", "user-a")
	require.NoError(t, err)
	_, err = h.store.RecordDelivery(ctx, id, "b-1", "user-a", store.DeliverySent, "")
	require.NoError(t, err)

	r := NewRunner(h.deps, "b-1")
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, store.BroadcastCompleted, h.status(t, "b-1"))
	assert.Len(t, h.fake.Requests, 2)
	assert.Equal(t, "user-b", h.fake.Requests[0].UserID)
	assert.Equal(t, "user-c", h.fake.Requests[1].UserID)
}

func TestRunner_AudienceUnionWithAppendedRecipients(t *testing.T) {
	h := newHarness(t)
	h.putBroadcast(t, "b-1", basicConfig, "user-a", "user-b")
	ctx := context.Background()
	require.NoError(t, h.store.AppendBroadcastRecipient(ctx, "b-1", "user-b"))
	require.NoError(t, h.store.AppendBroadcastRecipient(ctx, "b-1", "user-c"))

	r := NewRunner(h.deps, "b-1")
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, 3, h.sentCount(t, "b-1"), "union is deduplicated")
}

func TestRunner_ScheduleDefersDispatch(t *testing.T) {
	h := newHarness(t)
	scheduled := h.runtime.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	h.putBroadcast(t, "b-1",
		`{"message":{"name":"promo","channel":"Email","templateId":"tpl-1"},"scheduledAt":"`+scheduled+`","errorHandling":"SkipOnError"}`,
		"user-a")

	r := NewRunner(h.deps, "b-1")
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.runtime.PendingTimers() > 0 },
		time.Second, time.Millisecond)
	assert.Empty(t, h.fake.Requests, "nothing dispatched before the schedule")

	h.runtime.Advance(2 * time.Hour)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.sentCount(t, "b-1"))
}

func TestResolveSchedule_LocalizesWallTime(t *testing.T) {
	instant, err := resolveSchedule("2026-01-02T15:04:05Z", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), instant.UTC())

	wall, err := resolveSchedule("2026-01-02T09:00", "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 14, 0, 0, 0, time.UTC), wall.UTC(),
		"zoneless wall time localizes to the default timezone")

	utc, err := resolveSchedule("2026-01-02T09:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), utc.UTC())

	_, err = resolveSchedule("2026-01-02T09:00", "Nowhere/Invalid")
	assert.Error(t, err)
}

func TestDecodeConfig_Defaults(t *testing.T) {
	cfg, err := DecodeConfig([]byte(`{"message":{"templateId":"tpl-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, SkipOnError, cfg.ErrorHandling)

	_, err = DecodeConfig([]byte(`{"message":{}}`))
	assert.Error(t, err, "templateId is required")

	_, err = DecodeConfig([]byte(`{"message":{"templateId":"t"},"errorHandling":"Explode"}`))
	assert.Error(t, err)
}
