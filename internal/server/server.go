// Package server exposes the ingestion and control API over HTTP. It is
// a thin translation layer: request bodies decode to the same types the
// engine and broadcast registry consume, and every state change happens
// behind those components, never here.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftline/driftline/internal/broadcast"
	"github.com/driftline/driftline/internal/compute"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/exec"
	"github.com/driftline/driftline/internal/ids"
	"github.com/driftline/driftline/internal/store"
)

// Deps carries the components the API fronts.
type Deps struct {
	Engine     *engine.Engine
	Broadcasts *broadcast.Registry
	Compute    *compute.Runner
	Tokens     ids.TokenGenerator
	Runtime    exec.Runtime
	Log        *slog.Logger
}

// Server is the HTTP API. It implements http.Handler.
type Server struct {
	deps   Deps
	router *chi.Mux
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Tokens == nil {
		deps.Tokens = ids.UUIDv7Generator{}
	}
	if deps.Runtime == nil {
		deps.Runtime = exec.SystemRuntime{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Post("/v1/events", s.handleIngestEvent)
	s.router.Post("/v1/signals/segment-update", s.handleSegmentUpdate)
	s.router.Post("/v1/workspaces/{workspaceID}/compute", s.handleCompute)

	s.router.Post("/v1/broadcasts/{broadcastID}/start", s.handleBroadcastStart)
	s.router.Post("/v1/broadcasts/{broadcastID}/pause", s.handleBroadcastPause)
	s.router.Post("/v1/broadcasts/{broadcastID}/resume", s.handleBroadcastResume)
	s.router.Post("/v1/broadcasts/{broadcastID}/cancel", s.handleBroadcastCancel)

	s.router.Get("/v1/status", s.handleStatus)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// ingestEventRequest is the POST /v1/events body. ID and Timestamp are
// optional; missing ids are minted server-side so at-least-once clients
// can retry safely only when they supply their own.
type ingestEventRequest struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId"`
	Name        string          `json:"name"`
	Properties  json.RawMessage `json:"properties"`
	Timestamp   *time.Time      `json:"timestamp"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.WorkspaceID == "" || req.UserID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("workspaceId, userId and name are required"))
		return
	}

	ev := store.Event{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		Name:        req.Name,
		Properties:  req.Properties,
		Timestamp:   s.deps.Runtime.Now(),
	}
	if ev.ID == "" {
		ev.ID = s.deps.Tokens.NewToken()
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	if err := s.deps.Engine.HandleEvent(r.Context(), ev); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

type segmentUpdateRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SegmentID   string `json:"segmentId"`
	UserID      string `json:"userId"`
	InSegment   bool   `json:"inSegment"`
	Version     int64  `json:"version"`
}

func (s *Server) handleSegmentUpdate(w http.ResponseWriter, r *http.Request) {
	var req segmentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.WorkspaceID == "" || req.SegmentID == "" || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("workspaceId, segmentId and userId are required"))
		return
	}

	s.deps.Engine.SignalSegmentUpdate(req.WorkspaceID, req.SegmentID, req.UserID, req.InSegment, req.Version)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	err := s.deps.Compute.ComputeAndSignal(r.Context(), workspaceID,
		func(ws, segmentID, userID string, inSegment bool, version int64) {
			s.deps.Engine.SignalSegmentUpdate(ws, segmentID, userID, inSegment, version)
		})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBroadcastStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Broadcasts.Start(r.Context(), chi.URLParam(r, "broadcastID")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBroadcastPause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Broadcasts.Pause(chi.URLParam(r, "broadcastID")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBroadcastResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Broadcasts.Resume(r.Context(), chi.URLParam(r, "broadcastID")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Broadcasts.Cancel(r.Context(), chi.URLParam(r, "broadcastID")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{
		"liveJourneys":   s.deps.Engine.Live(),
		"liveBroadcasts": s.deps.Broadcasts.Live(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.deps.Log.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
