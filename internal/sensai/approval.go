package sensai

import (
	"errors"
	"strings"

	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/events"
)

var (
	// ErrSessionNotFound reports an operation against an unknown session key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRecommendationNotFound reports an unknown recommendation id.
	ErrRecommendationNotFound = errors.New("recommendation not found")
)

// decideAutoApprove is the pure approval gate. Auto-approval requires the
// session to opt in, the confidence to clear the threshold, and the
// unsupervised streak to sit below the cap. Diagnostics and already settled
// recommendations never qualify.
func decideAutoApprove(cfg domain.SessionConfig, rec *domain.Recommendation, consecutive int) bool {
	if !cfg.AutoApprove {
		return false
	}
	if !rec.Pending() {
		return false
	}
	if strings.HasPrefix(rec.Text, ErrorPrefix) {
		return false
	}
	if rec.Confidence < cfg.ConfidenceThreshold {
		return false
	}
	if consecutive >= cfg.MaxConsecutiveAutoApprovals {
		return false
	}
	return true
}

// maybeAutoApproveLocked applies the policy to a fresh recommendation and,
// on approval, increments the unsupervised streak. Caller holds s.mu.
func (e *Engine) maybeAutoApproveLocked(s *Session, rec *domain.Recommendation) {
	if !decideAutoApprove(s.config, rec, s.consecutiveAuto) {
		return
	}

	rec.Executed = true
	rec.AutoApproved = true
	s.consecutiveAuto++

	e.emit(events.New(events.TypeApproved, rec.Key(), events.ApprovedPayload{
		RecommendationID: rec.ID,
		Recommendation:   rec.Text,
		Command:          rec.Command,
		Confidence:       rec.Confidence,
		AutoApproved:     true,
	}))
	e.emit(events.New(events.TypePendingCountChanged, rec.Key(),
		events.PendingCountPayload{Pending: s.pendingCountLocked()}))

	e.logger.Info("[SENSAI] Recommendation auto-approved",
		"server_id", rec.ServerID,
		"session_id", rec.SessionID,
		"recommendation_id", rec.ID,
		"confidence", rec.Confidence,
		"consecutive", s.consecutiveAuto)
}

// Approve marks a recommendation as manually executed. Manual action always
// resets the unsupervised streak, so the next eligible recommendation may
// auto-approve again. Settled recommendations are returned unchanged.
func (e *Engine) Approve(key domain.SessionKey, recID string) (*domain.Recommendation, error) {
	s := e.get(key)
	if s == nil {
		e.logger.Warn("[SENSAI] Approve on unknown session",
			"server_id", key.ServerID,
			"session_id", key.SessionID)
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findRecommendationLocked(recID)
	if rec == nil {
		e.logger.Warn("[SENSAI] Approve on unknown recommendation",
			"server_id", key.ServerID,
			"session_id", key.SessionID,
			"recommendation_id", recID)
		return nil, ErrRecommendationNotFound
	}

	if rec.Pending() {
		rec.Executed = true
		rec.AutoApproved = false
		s.consecutiveAuto = 0

		e.emit(events.New(events.TypeApproved, key, events.ApprovedPayload{
			RecommendationID: rec.ID,
			Recommendation:   rec.Text,
			Command:          rec.Command,
			Confidence:       rec.Confidence,
			AutoApproved:     false,
		}))
		e.emit(events.New(events.TypePendingCountChanged, key,
			events.PendingCountPayload{Pending: s.pendingCountLocked()}))

		e.logger.Info("[SENSAI] Recommendation approved",
			"server_id", key.ServerID,
			"session_id", key.SessionID,
			"recommendation_id", recID)
	}

	snapshot := *rec
	return &snapshot, nil
}

// Deny marks a recommendation as rejected. Like manual approval, denial
// resets the unsupervised streak: human intervention clears it either way.
// Settled recommendations are returned unchanged.
func (e *Engine) Deny(key domain.SessionKey, recID string) (*domain.Recommendation, error) {
	s := e.get(key)
	if s == nil {
		e.logger.Warn("[SENSAI] Deny on unknown session",
			"server_id", key.ServerID,
			"session_id", key.SessionID)
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findRecommendationLocked(recID)
	if rec == nil {
		e.logger.Warn("[SENSAI] Deny on unknown recommendation",
			"server_id", key.ServerID,
			"session_id", key.SessionID,
			"recommendation_id", recID)
		return nil, ErrRecommendationNotFound
	}

	if rec.Pending() {
		rec.Denied = true
		s.consecutiveAuto = 0

		e.emit(events.New(events.TypePendingCountChanged, key,
			events.PendingCountPayload{Pending: s.pendingCountLocked()}))

		e.logger.Info("[SENSAI] Recommendation denied",
			"server_id", key.ServerID,
			"session_id", key.SessionID,
			"recommendation_id", recID)
	}

	snapshot := *rec
	return &snapshot, nil
}
