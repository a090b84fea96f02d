package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/sensai"
)

// RegisterRoutes registers the session and engine routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions/{serverID}/{sessionID}", func(r chi.Router) {
		r.Post("/init", h.InitSession)
		r.Get("/", h.GetSession)
		r.Patch("/config", h.UpdateConfig)
		r.Delete("/", h.CleanupSession)
		r.Post("/output", h.AppendOutput)
		r.Post("/command", h.UserCommand)
		r.Get("/recommendations", h.ListRecommendations)
		r.Post("/recommendations", h.ReportRecommendation)
		r.Post("/recommendations/{recID}/approve", h.ApproveRecommendation)
		r.Post("/recommendations/{recID}/deny", h.DenyRecommendation)
	})
	r.Route("/api/engine", func(r chi.Router) {
		r.Get("/debounce", h.GetDebounce)
		r.Put("/debounce", h.SetDebounce)
	})
}

// InitSession creates or reconfigures a session and returns its snapshot.
func (h *Handler) InitSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var patch domain.ConfigPatch
	if !h.readJSON(w, r, &patch) {
		return
	}

	snap, err := h.engine.Initialize(r.Context(), key, patch)
	if err != nil {
		slog.Error("Failed to initialize session", "error", err, "server_id", key.ServerID, "session_id", key.SessionID)
		Error(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	slog.Info("Session initialized", "server_id", key.ServerID, "session_id", key.SessionID)
	JSON(w, http.StatusOK, snap)
}

// GetSession returns the session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	snap := h.engine.Snapshot(key)
	if snap == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, snap)
}

// UpdateConfig applies a config patch to a session and returns the merged
// config.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var patch domain.ConfigPatch
	if !h.readJSON(w, r, &patch) {
		return
	}

	cfg, err := h.engine.UpdateConfig(r.Context(), key, patch)
	if err != nil {
		slog.Error("Failed to update session config", "error", err, "server_id", key.ServerID, "session_id", key.SessionID)
		Error(w, http.StatusInternalServerError, "failed to update session config")
		return
	}

	JSON(w, http.StatusOK, cfg)
}

// CleanupSession drops a session and its stored config.
func (h *Handler) CleanupSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	if err := h.engine.Cleanup(r.Context(), key); err != nil {
		slog.Error("Failed to clean up session", "error", err, "server_id", key.ServerID, "session_id", key.SessionID)
		Error(w, http.StatusInternalServerError, "failed to clean up session")
		return
	}

	slog.Info("Session cleaned up", "server_id", key.ServerID, "session_id", key.SessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

// outputRequest is the body of POST .../output.
type outputRequest struct {
	Text      string `json:"text"`
	Immediate bool   `json:"immediate"`
}

// AppendOutput feeds a chunk of terminal output into the session.
func (h *Handler) AppendOutput(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var req outputRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	h.engine.AppendOutput(r.Context(), key, req.Text, req.Immediate)
	JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// commandRequest is the body of POST .../command.
type commandRequest struct {
	Command string `json:"command"`
}

// UserCommand signals that the user issued a new command, which hard-resets
// any generation episode in progress.
func (h *Handler) UserCommand(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var req commandRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	h.engine.HandleUserCommand(key, req.Command)
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ListRecommendations returns the session's recommendation list.
func (h *Handler) ListRecommendations(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	recs, ok := h.engine.Recommendations(key)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
	})
}

// ReportRecommendation records an externally produced recommendation.
func (h *Handler) ReportRecommendation(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var in sensai.ReportInput
	if !h.readJSON(w, r, &in) {
		return
	}
	if in.Text == "" {
		Error(w, http.StatusBadRequest, "recommendation is required")
		return
	}

	rec := h.engine.Report(r.Context(), key, in)
	JSON(w, http.StatusOK, rec)
}

// ApproveRecommendation marks a recommendation as manually executed.
func (h *Handler) ApproveRecommendation(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	recID := chi.URLParam(r, "recID")

	rec, err := h.engine.Approve(key, recID)
	if err != nil {
		recommendationError(w, err)
		return
	}

	JSON(w, http.StatusOK, rec)
}

// DenyRecommendation marks a recommendation as rejected.
func (h *Handler) DenyRecommendation(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	recID := chi.URLParam(r, "recID")

	rec, err := h.engine.Deny(key, recID)
	if err != nil {
		recommendationError(w, err)
		return
	}

	JSON(w, http.StatusOK, rec)
}

// recommendationError maps engine lookup failures to HTTP status codes.
func recommendationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sensai.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, sensai.ErrRecommendationNotFound):
		Error(w, http.StatusNotFound, "recommendation not found")
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// debounceRequest is the body of PUT /api/engine/debounce.
type debounceRequest struct {
	IntervalMs int64 `json:"interval_ms"`
}

// GetDebounce returns the engine-wide debounce interval.
func (h *Handler) GetDebounce(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]int64{
		"interval_ms": h.engine.DebounceInterval().Milliseconds(),
	})
}

// SetDebounce adjusts the engine-wide debounce interval. Out-of-range values
// are clamped; the applied value is returned.
func (h *Handler) SetDebounce(w http.ResponseWriter, r *http.Request) {
	var req debounceRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if req.IntervalMs <= 0 {
		Error(w, http.StatusBadRequest, "interval_ms must be positive")
		return
	}

	applied := h.engine.SetDebounceInterval(time.Duration(req.IntervalMs) * time.Millisecond)

	slog.Info("Debounce interval updated", "interval_ms", applied.Milliseconds())
	JSON(w, http.StatusOK, map[string]int64{
		"interval_ms": applied.Milliseconds(),
	})
}
