package domain

import (
	"time"
)

// Recommendation is a single proposed next action for a monitored session.
type Recommendation struct {
	ID           string    `json:"id"`
	ServerID     string    `json:"server_id"`
	SessionID    string    `json:"session_id"`
	Source       string    `json:"source"`
	Input        string    `json:"input,omitempty"`
	Text         string    `json:"recommendation"`
	Command      string    `json:"command,omitempty"`
	Confidence   float64   `json:"confidence"`
	Executed     bool      `json:"executed"`
	AutoApproved bool      `json:"auto_approved"`
	Denied       bool      `json:"denied"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the owning session key.
func (r *Recommendation) Key() SessionKey {
	return SessionKey{ServerID: r.ServerID, SessionID: r.SessionID}
}

// Pending reports whether the recommendation still awaits an approval
// decision. Executed and denied records are settled.
func (r *Recommendation) Pending() bool {
	return !r.Executed && !r.Denied
}
