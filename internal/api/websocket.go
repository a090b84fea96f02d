package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ninjasquad/sensai/internal/sensai"
)

// WSHandler ingests terminal output over a WebSocket. Each session's process
// manager holds one long-lived connection and pushes chunks as they arrive,
// which avoids per-chunk HTTP overhead on busy streams.
type WSHandler struct {
	engine        *sensai.Engine
	allowedOrigin string
	isDev         bool
}

// NewWSHandler creates a new WebSocket ingest handler.
func NewWSHandler(engine *sensai.Engine, allowedOrigin string, isDev bool) *WSHandler {
	return &WSHandler{
		engine:        engine,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the WebSocket ingest route.
func (h *WSHandler) RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/ws/sessions/{serverID}/{sessionID}/output", h)
}

// wsMessage represents the WebSocket message structure.
type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Immediate bool   `json:"immediate,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	slog.Info("WebSocket connection request",
		"server_id", key.ServerID,
		"session_id", key.SessionID,
		"ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "server_id", key.ServerID, "session_id", key.SessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", key.SessionID)
		}
	}()

	ctx := r.Context()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", key.SessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", key.SessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Fallback: treat the whole frame as a raw output chunk.
			h.engine.AppendOutput(ctx, key, string(message), false)
			continue
		}

		switch msg.Type {
		case "output":
			h.engine.AppendOutput(ctx, key, msg.Content, msg.Immediate)
		case "command":
			h.engine.HandleUserCommand(key, msg.Content)
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			slog.Debug("Unknown WebSocket message type", "type", msg.Type, "session_id", key.SessionID)
		}
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WSHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
