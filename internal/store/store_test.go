package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir + "/test.db")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir + "/test.db")
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestWorkspaceRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWorkspace(ctx, Workspace{ID: "ws-1", Name: "acme", Status: WorkspaceActive}))

	status, err := s.WorkspaceStatus(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, WorkspaceActive, status)

	require.NoError(t, s.SetWorkspaceStatus(ctx, "ws-1", WorkspacePaused))
	status, err = s.WorkspaceStatus(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, WorkspacePaused, status)

	_, err = s.WorkspaceStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSegmentAssignment_MonotonicVersion(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-1", true, 100))

	in, found, err := s.FindSegmentAssignment(ctx, "ws-1", "seg-1", "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, in)

	// Stale write (version 50 < 100) must not change stored state.
	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-1", false, 50))
	in, _, err = s.FindSegmentAssignment(ctx, "ws-1", "seg-1", "user-1")
	require.NoError(t, err)
	assert.True(t, in, "stale version must be dropped")

	// Equal version is also rejected (strictly greater required).
	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-1", false, 100))
	in, _, err = s.FindSegmentAssignment(ctx, "ws-1", "seg-1", "user-1")
	require.NoError(t, err)
	assert.True(t, in, "equal version must be dropped")

	// Newer version wins.
	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-1", false, 101))
	in, _, err = s.FindSegmentAssignment(ctx, "ws-1", "seg-1", "user-1")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestFindSegmentAssignment_AbsentIsNotFound(t *testing.T) {
	s := setupStore(t)

	_, found, err := s.FindSegmentAssignment(context.Background(), "ws-1", "seg-1", "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSegmentMembers_Ordered(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-c", true, 1))
	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-a", true, 1))
	require.NoError(t, s.PutSegmentAssignment(ctx, "ws-1", "seg-1", "user-b", false, 1))

	members, err := s.SegmentMembers(ctx, "ws-1", "seg-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a", "user-c"}, members)
}

func TestWriteEvent_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	ev := Event{
		ID: "ev-1", WorkspaceID: "ws-1", UserID: "user-1",
		Name: "ORDER_PLACED", Properties: []byte(`{"orderId":"o-1"}`),
		Timestamp: time.UnixMilli(1000),
	}
	require.NoError(t, s.WriteEvent(ctx, ev))
	require.NoError(t, s.WriteEvent(ctx, ev))

	got, err := s.EventsByID(ctx, "ws-1", []string{"ev-1", "ev-1", "ev-missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ORDER_PLACED", got[0].Name)
}

func TestEventsForUser_OrderedByTimestamp(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteEvent(ctx, Event{ID: "ev-2", WorkspaceID: "ws-1", UserID: "u", Name: "E", Timestamp: time.UnixMilli(2000)}))
	require.NoError(t, s.WriteEvent(ctx, Event{ID: "ev-1", WorkspaceID: "ws-1", UserID: "u", Name: "E", Timestamp: time.UnixMilli(1000)}))

	got, err := s.EventsForUser(ctx, "ws-1", "u", "E")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].ID)
	assert.Equal(t, "ev-2", got[1].ID)
}

func TestRecordNodeProcessed_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := NodeRecord{
		JourneyID: "j-1", UserID: "u-1", NodeID: "n-1", NodeType: "DelayNode",
		JourneyStartedAt: time.UnixMilli(5000),
	}

	inserted, err := s.RecordNodeProcessed(ctx, "key-1", rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordNodeProcessed(ctx, "key-1", rec)
	require.NoError(t, err)
	assert.False(t, inserted, "replay must not duplicate the record")

	count, err := s.NodeRecordCount(ctx, "j-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHasJourneyExited_MatchesKeyTuple(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.RecordNodeProcessed(ctx, "key-exit", NodeRecord{
		JourneyID: "j-1", UserID: "u-1", NodeID: "__exit__", NodeType: "ExitNode",
		JourneyStartedAt: time.UnixMilli(5000), EventKey: "order-1", EventKeyName: "orderId",
	})
	require.NoError(t, err)

	exited, err := s.HasJourneyExited(ctx, "j-1", "u-1", "order-1", "orderId")
	require.NoError(t, err)
	assert.True(t, exited)

	exited, err = s.HasJourneyExited(ctx, "j-1", "u-1", "order-2", "orderId")
	require.NoError(t, err)
	assert.False(t, exited, "different event key is a different instance scope")
}

func TestRecordDelivery_OnePerRecipient(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inserted, err := s.RecordDelivery(ctx, "d-1", "b-1", "u-1", DeliverySent, "")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordDelivery(ctx, "d-1", "b-1", "u-1", DeliveryFailed, "ProviderRejected")
	require.NoError(t, err)
	assert.False(t, inserted, "second attempt for same recipient is dropped")

	sent, err := s.DeliveryCount(ctx, "b-1", DeliverySent)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	failed, err := s.DeliveryCount(ctx, "b-1", DeliveryFailed)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestPeriods_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, found, err := s.LastPeriodTo(ctx, "ws-1", PropertyTypeSegment, "seg-1", "v1", StepComputeAssignments)
	require.NoError(t, err)
	assert.False(t, found)

	to := time.UnixMilli(10_000)
	require.NoError(t, s.InsertPeriod(ctx, Period{
		WorkspaceID: "ws-1", Type: PropertyTypeSegment, ComputedPropertyID: "seg-1",
		Version: "v1", Step: StepComputeAssignments, To: to, CreatedAt: to,
	}))

	last, found, err := s.LastPeriodTo(ctx, "ws-1", PropertyTypeSegment, "seg-1", "v1", StepComputeAssignments)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, to.UnixMilli(), last.UnixMilli())
}

func TestEarliestCurrentPeriodTo_MinAcrossProperties(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, found, err := s.EarliestCurrentPeriodTo(ctx, "ws-1", StepComputeAssignments)
	require.NoError(t, err)
	assert.False(t, found, "no periods yet")

	now := time.UnixMilli(100_000)
	for _, p := range []Period{
		{ComputedPropertyID: "seg-1", To: time.UnixMilli(50_000)},
		{ComputedPropertyID: "seg-1", To: time.UnixMilli(90_000)},
		{ComputedPropertyID: "seg-2", To: time.UnixMilli(70_000)},
	} {
		p.WorkspaceID = "ws-1"
		p.Type = PropertyTypeSegment
		p.Version = "v1"
		p.Step = StepComputeAssignments
		p.CreatedAt = now
		require.NoError(t, s.InsertPeriod(ctx, p))
	}

	earliest, found, err := s.EarliestCurrentPeriodTo(ctx, "ws-1", StepComputeAssignments)
	require.NoError(t, err)
	require.True(t, found)
	// seg-1 caught up to 90s, seg-2 only to 70s: the laggard bounds it.
	assert.Equal(t, int64(70_000), earliest.UnixMilli())
}

func TestDeletePeriodsBefore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	old := Period{
		WorkspaceID: "ws-1", Type: PropertyTypeSegment, ComputedPropertyID: "seg-1",
		Version: "v1", Step: StepComputeAssignments,
		To: time.UnixMilli(1000), CreatedAt: time.UnixMilli(1000),
	}
	fresh := old
	fresh.To = time.UnixMilli(900_000)
	fresh.CreatedAt = time.UnixMilli(900_000)

	require.NoError(t, s.InsertPeriod(ctx, old))
	require.NoError(t, s.InsertPeriod(ctx, fresh))

	require.NoError(t, s.DeletePeriodsBefore(ctx, "ws-1", StepComputeAssignments, time.UnixMilli(500_000)))

	periods, err := s.PeriodsFor(ctx, "ws-1", PropertyTypeSegment, "seg-1", "v1", StepComputeAssignments)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, int64(900_000), periods[0].To.UnixMilli())
}

func TestJourneyRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWorkspace(ctx, Workspace{ID: "ws-1", Name: "acme", Status: WorkspaceActive}))
	require.NoError(t, s.UpsertJourney(ctx, Journey{
		ID: "j-1", WorkspaceID: "ws-1", Name: "welcome",
		Status: JourneyRunning, CanRunMultiple: true, Definition: []byte(`{"version":3}`),
	}))

	j, err := s.Journey(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, JourneyRunning, j.Status)
	assert.True(t, j.CanRunMultiple)
	assert.JSONEq(t, `{"version":3}`, string(j.Definition))
}
