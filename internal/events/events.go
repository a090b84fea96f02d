// Package events publishes session-scoped engine lifecycle events to
// in-process subscribers (UI streams, the command executor).
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/ninjasquad/sensai/internal/domain"
)

// Type names an engine lifecycle event.
type Type string

// Event types emitted by the engine.
const (
	TypeAnalyzingStarted        Type = "analyzing-started"
	TypeAnalyzingEnded          Type = "analyzing-ended"
	TypeRecommendationAvailable Type = "recommendation-available"
	TypeApproved                Type = "approved"
	TypePendingCountChanged     Type = "pending-count-changed"
)

// Event is a single session-scoped notification.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ServerID  string    `json:"server_id"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event for the given session key.
func New(eventType Type, key domain.SessionKey, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ServerID:  key.ServerID,
		SessionID: key.SessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Key returns the session key the event belongs to.
func (e Event) Key() domain.SessionKey {
	return domain.SessionKey{ServerID: e.ServerID, SessionID: e.SessionID}
}

// ApprovedPayload rides on "approved" events. It carries everything the
// external executor needs to deliver the action to the live agent process.
type ApprovedPayload struct {
	RecommendationID string  `json:"recommendation_id"`
	Recommendation   string  `json:"recommendation"`
	Command          string  `json:"command,omitempty"`
	Confidence       float64 `json:"confidence"`
	AutoApproved     bool    `json:"auto_approved"`
}

// PendingCountPayload rides on "pending-count-changed" events so badge
// subscribers need no follow-up query.
type PendingCountPayload struct {
	Pending int `json:"pending"`
}
