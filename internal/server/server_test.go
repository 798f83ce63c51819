package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/broadcast"
	"github.com/driftline/driftline/internal/compute"
	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/period"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/testutil"
)

type harness struct {
	store   *store.Store
	runtime *testutil.Runtime
	fake    *dispatch.Fake
	engine  *engine.Engine
	server  *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertWorkspace(ctx, store.Workspace{
		ID: "ws-1", Name: "test", Status: store.WorkspaceActive,
	}))

	rt := testutil.NewRuntime(time.UnixMilli(1_000_000))
	fake := dispatch.NewFake()
	periods := period.New(s, nil)
	eng := engine.New(engine.Deps{
		Store:      s,
		Resolver:   segment.NewResolver(s, nil),
		Periods:    periods,
		Dispatcher: fake,
		Runtime:    rt,
	})
	t.Cleanup(eng.Close)

	reg := broadcast.NewRegistry(broadcast.Deps{Store: s, Dispatcher: fake, Runtime: rt})
	t.Cleanup(reg.Close)

	srv := New(Deps{
		Engine:     eng,
		Broadcasts: reg,
		Compute:    compute.New(s, periods, rt, nil),
		Tokens:     ids.NewFixedGenerator("ev-minted-1"),
		Runtime:    rt,
	})
	return &harness{store: s, runtime: rt, fake: fake, engine: eng, server: srv}
}

func (h *harness) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	return w
}

func TestIngestEvent_PersistsAndMintsID(t *testing.T) {
	h := newHarness(t)

	w := h.post(t, "/v1/events", map[string]any{
		"workspaceId": "ws-1",
		"userId":      "user-a",
		"name":        "signed_up",
		"properties":  map[string]any{"plan": "pro"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ev-minted-1", resp["id"])

	events, err := h.store.EventsForUser(context.Background(), "ws-1", "user-a", "signed_up")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-minted-1", events[0].ID)
	assert.JSONEq(t, `{"plan":"pro"}`, string(events[0].Properties))
}

func TestIngestEvent_ClientIDWinsAndRetriesAreIdempotent(t *testing.T) {
	h := newHarness(t)

	body := map[string]any{
		"id":          "ev-client-1",
		"workspaceId": "ws-1",
		"userId":      "user-a",
		"name":        "signed_up",
	}
	require.Equal(t, http.StatusAccepted, h.post(t, "/v1/events", body).Code)
	require.Equal(t, http.StatusAccepted, h.post(t, "/v1/events", body).Code)

	events, err := h.store.EventsForUser(context.Background(), "ws-1", "user-a", "signed_up")
	require.NoError(t, err)
	assert.Len(t, events, 1, "retry with the same id does not duplicate the log")
}

func TestIngestEvent_RejectsIncompleteBody(t *testing.T) {
	h := newHarness(t)
	w := h.post(t, "/v1/events", map[string]any{"workspaceId": "ws-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSegmentUpdate_Accepted(t *testing.T) {
	h := newHarness(t)
	w := h.post(t, "/v1/signals/segment-update", map[string]any{
		"workspaceId": "ws-1",
		"segmentId":   "seg-a",
		"userId":      "user-a",
		"inSegment":   true,
		"version":     int64(5),
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCompute_ReconcilesSegment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertSegment(ctx, store.Segment{
		ID: "seg-signed-up", WorkspaceID: "ws-1", Name: "Signed up",
		Definition: []byte(`{"name":"Signed up","kind":"Performed","event":"signed_up","version":"v1"}`),
	}))
	require.NoError(t, h.store.WriteEvent(ctx, store.Event{
		ID: "ev-1", WorkspaceID: "ws-1", UserID: "user-a",
		Name: "signed_up", Timestamp: h.runtime.Now(),
	}))

	w := h.post(t, "/v1/workspaces/ws-1/compute", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	in, found, err := h.store.FindSegmentAssignment(ctx, "ws-1", "seg-signed-up", "user-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, in)
}

func TestBroadcastLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutSegmentAssignment(ctx, "ws-1", "seg-a", "user-a", true, 1))
	require.NoError(t, h.store.UpsertBroadcast(ctx, store.Broadcast{
		ID: "b-1", WorkspaceID: "ws-1", SegmentID: "seg-a",
		Config: []byte(`{"message":{"name":"promo","channel":"Email","templateId":"tpl-1"}}`),
		Status: store.BroadcastScheduled,
	}))

	require.Equal(t, http.StatusAccepted, h.post(t, "/v1/broadcasts/b-1/start", nil).Code)
	require.Eventually(t, func() bool {
		b, err := h.store.Broadcast(ctx, "b-1")
		return err == nil && b.Status == store.BroadcastCompleted
	}, time.Second, time.Millisecond)
	assert.Len(t, h.fake.Requests, 1)

	w := h.post(t, "/v1/broadcasts/b-1/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "pausing a finished broadcast fails")

	require.Equal(t, http.StatusAccepted, h.post(t, "/v1/broadcasts/b-1/cancel", nil).Code)
	b, err := h.store.Broadcast(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.BroadcastCancelled, b.Status)
}

func TestStatus_ReportsLiveCounts(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp["liveJourneys"])
	assert.Equal(t, 0, resp["liveBroadcasts"])
}
