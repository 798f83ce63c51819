package compute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/testutil"
)

func setup(t *testing.T) (*Runner, *store.Store, *testutil.Runtime) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.UpsertWorkspace(context.Background(),
		store.Workspace{ID: "ws-1", Name: "acme", Status: store.WorkspaceActive}))

	rt := testutil.NewRuntime(time.UnixMilli(1_000_000))
	return New(s, period.New(s, nil), rt, nil), s, rt
}

func writeEvent(t *testing.T, s *store.Store, id, userID, name string) {
	t.Helper()
	require.NoError(t, s.WriteEvent(context.Background(), store.Event{
		ID: id, WorkspaceID: "ws-1", UserID: userID, Name: name,
		Properties: []byte(`{}`), Timestamp: time.UnixMilli(500),
	}))
}

func putSegment(t *testing.T, s *store.Store, id, definition string) {
	t.Helper()
	require.NoError(t, s.UpsertSegment(context.Background(), store.Segment{
		ID: id, WorkspaceID: "ws-1", Name: id, Definition: []byte(definition),
	}))
}

func TestComputeAssignments_AddsAndRemovesMembers(t *testing.T) {
	r, s, rt := setup(t)
	ctx := context.Background()

	putSegment(t, s, "seg-buyers",
		`{"id":"seg-buyers","kind":"Performed","event":"ORDER_PLACED","version":"v1"}`)
	writeEvent(t, s, "ev-1", "user-a", "ORDER_PLACED")
	writeEvent(t, s, "ev-2", "user-b", "PAGE_VIEW")

	require.NoError(t, r.ComputeAssignments(ctx, "ws-1"))

	members, err := s.SegmentMembers(ctx, "ws-1", "seg-buyers")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a"}, members)

	// Tighten the definition so user-a no longer matches; the next pass
	// must retract the assignment.
	putSegment(t, s, "seg-buyers",
		`{"id":"seg-buyers","kind":"Performed","event":"ORDER_PLACED","times":2,"version":"v2"}`)
	rt.Advance(time.Minute)

	require.NoError(t, r.ComputeAssignments(ctx, "ws-1"))

	members, err = s.SegmentMembers(ctx, "ws-1", "seg-buyers")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestComputeAssignments_RecordsPeriod(t *testing.T) {
	r, s, rt := setup(t)
	ctx := context.Background()

	putSegment(t, s, "seg-buyers",
		`{"id":"seg-buyers","kind":"Performed","event":"ORDER_PLACED","version":"v1"}`)

	require.NoError(t, r.ComputeAssignments(ctx, "ws-1"))

	periods, err := s.PeriodsFor(ctx, "ws-1", store.PropertyTypeSegment, "seg-buyers", "v1", store.StepComputeAssignments)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, rt.Now().UnixMilli(), periods[0].To.UnixMilli())
}

func TestComputeAssignments_SkipsKeyedSegments(t *testing.T) {
	r, s, _ := setup(t)
	ctx := context.Background()

	putSegment(t, s, "seg-keyed",
		`{"id":"seg-keyed","kind":"KeyedPerformed","event":"ORDER_SHIPPED","key":"orderId","version":"v1"}`)
	writeEvent(t, s, "ev-1", "user-a", "ORDER_SHIPPED")

	require.NoError(t, r.ComputeAssignments(ctx, "ws-1"))

	members, err := s.SegmentMembers(ctx, "ws-1", "seg-keyed")
	require.NoError(t, err)
	assert.Empty(t, members, "keyed segments have no durable membership")

	periods, err := s.PeriodsFor(ctx, "ws-1", store.PropertyTypeSegment, "seg-keyed", "v1", store.StepComputeAssignments)
	require.NoError(t, err)
	assert.Empty(t, periods)
}

func TestComputeAndSignal_ReportsChanges(t *testing.T) {
	r, s, _ := setup(t)
	ctx := context.Background()

	putSegment(t, s, "seg-buyers",
		`{"id":"seg-buyers","kind":"Performed","event":"ORDER_PLACED","version":"v1"}`)
	writeEvent(t, s, "ev-1", "user-a", "ORDER_PLACED")

	type change struct {
		segmentID string
		userID    string
		in        bool
	}
	var got []change
	require.NoError(t, r.ComputeAndSignal(ctx, "ws-1", func(_, segmentID, userID string, in bool, _ int64) {
		got = append(got, change{segmentID, userID, in})
	}))

	require.Len(t, got, 1)
	assert.Equal(t, change{"seg-buyers", "user-a", true}, got[0])
}
