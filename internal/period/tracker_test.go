package period

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func segProp(version string) ComputedProperty {
	return ComputedProperty{ID: "seg-1", Type: store.PropertyTypeSegment, Version: version}
}

func TestCreatePeriods_Chaining(t *testing.T) {
	tr, s := setup(t)
	ctx := context.Background()

	t1 := time.UnixMilli(10_000)
	t2 := time.UnixMilli(20_000)

	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{segProp("v1")}, t1, store.StepComputeAssignments))
	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{segProp("v1")}, t2, store.StepComputeAssignments))

	periods, err := s.PeriodsFor(ctx, "ws-1", store.PropertyTypeSegment, "seg-1", "v1", store.StepComputeAssignments)
	require.NoError(t, err)
	require.Len(t, periods, 2)

	assert.Nil(t, periods[0].From, "first period of a chain has no from")
	assert.Equal(t, t1.UnixMilli(), periods[0].To.UnixMilli())

	require.NotNil(t, periods[1].From, "second period chains")
	assert.Equal(t, t1.UnixMilli(), periods[1].From.UnixMilli(), "from equals previous to")
	assert.Equal(t, t2.UnixMilli(), periods[1].To.UnixMilli())
}

func TestCreatePeriods_VersionChangeResetsChain(t *testing.T) {
	tr, s := setup(t)
	ctx := context.Background()

	t1 := time.UnixMilli(10_000)
	t2 := time.UnixMilli(20_000)

	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{segProp("v1")}, t1, store.StepComputeAssignments))
	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{segProp("v2")}, t2, store.StepComputeAssignments))

	periods, err := s.PeriodsFor(ctx, "ws-1", store.PropertyTypeSegment, "seg-1", "v2", store.StepComputeAssignments)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Nil(t, periods[0].From, "a version change starts an unrelated timeline")
}

func TestCreatePeriods_PrunesStalePeriods(t *testing.T) {
	tr, s := setup(t)
	ctx := context.Background()

	t1 := time.UnixMilli(0)
	t2 := t1.Add(10 * time.Minute) // beyond the 5 minute retention

	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{segProp("v1")}, t1, store.StepComputeAssignments))
	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{segProp("v1")}, t2, store.StepComputeAssignments))

	periods, err := s.PeriodsFor(ctx, "ws-1", store.PropertyTypeSegment, "seg-1", "v1", store.StepComputeAssignments)
	require.NoError(t, err)
	require.Len(t, periods, 1, "stale period pruned")
	assert.Equal(t, t2.UnixMilli(), periods[0].To.UnixMilli())
}

func TestEarliestComputePropertyPeriod_LaggardBounds(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	t1 := time.UnixMilli(10_000)
	t2 := time.UnixMilli(20_000)

	fast := ComputedProperty{ID: "seg-fast", Type: store.PropertyTypeSegment, Version: "v1"}
	slow := ComputedProperty{ID: "up-slow", Type: store.PropertyTypeUserProperty, Version: "v1"}

	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{fast, slow}, t1, store.StepComputeAssignments))
	require.NoError(t, tr.CreatePeriods(ctx, "ws-1", []ComputedProperty{fast}, t2, store.StepComputeAssignments))

	earliest, err := tr.EarliestComputePropertyPeriod(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, t1.UnixMilli(), earliest.UnixMilli(), "slowest property bounds the answer")
}

func TestEarliestComputePropertyPeriod_NoPeriodsIsZero(t *testing.T) {
	tr, _ := setup(t)

	earliest, err := tr.EarliestComputePropertyPeriod(context.Background(), "ws-empty")
	require.NoError(t, err)
	assert.True(t, earliest.IsZero())
}
