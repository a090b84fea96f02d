// Package api provides the HTTP, SSE and WebSocket surface of the sensai
// engine.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ninjasquad/sensai/internal/config"
	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/sensai"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler provides common handler utilities shared by the session, stream
// and socket surfaces.
type Handler struct {
	engine *sensai.Engine
	cfg    *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(engine *sensai.Engine, cfg *config.Config) *Handler {
	return &Handler{
		engine: engine,
		cfg:    cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// maxBodySize returns the configured request body cap.
func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

// readJSON decodes a JSON request body into v, enforcing the body size cap.
// An empty body leaves v untouched so patch-style endpoints accept bodyless
// requests. On failure the error response has already been written.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// sessionKey extracts the session key from the request URL.
func sessionKey(r *http.Request) domain.SessionKey {
	return domain.SessionKey{
		ServerID:  chi.URLParam(r, "serverID"),
		SessionID: chi.URLParam(r, "sessionID"),
	}
}
