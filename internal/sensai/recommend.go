package sensai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ninjasquad/sensai/internal/analysis"
	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/events"
)

const (
	// EngineSource tags recommendations produced by the engine's own
	// analysis flow. External agents report under their own source names.
	EngineSource = "sensai"

	// ErrorPrefix marks diagnostic recommendations synthesized from analysis
	// failures. The approval policy never auto-approves these.
	ErrorPrefix = "[sensai] analysis unavailable: "

	// fallbackConfidence applies when a reply carries no parsable confidence.
	fallbackConfidence = 0.5
)

// parsedReply is the structured object the analysis service is prompted to
// return.
type parsedReply struct {
	Recommendation string   `json:"recommendation"`
	Command        string   `json:"command"`
	Confidence     *float64 `json:"confidence"`
}

// processAnalysisJob runs one captured analysis: it brackets the remote call
// with the analyzing lifecycle events and turns the reply, or the failure,
// into a recommendation. The busy events fire even when the call fails so
// subscribers can render their indicator deterministically.
func (e *Engine) processAnalysisJob(job analysisJob) {
	e.emit(events.New(events.TypeAnalyzingStarted, job.key, nil))
	defer e.emit(events.New(events.TypeAnalyzingEnded, job.key, nil))

	job.session.mu.Lock()
	cfg := job.session.config
	job.session.mu.Unlock()

	req := analysis.Request{
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Text:         job.text,
	}

	// Workers are detached from whatever request triggered the job; the
	// client enforces the per-call timeout budget.
	resp, err := e.analyzer.Analyze(context.Background(), req)

	rec := &domain.Recommendation{
		ID:        uuid.NewString(),
		ServerID:  job.key.ServerID,
		SessionID: job.key.SessionID,
		Source:    EngineSource,
		Input:     job.text,
		CreatedAt: time.Now().UTC(),
	}

	if err != nil {
		rec.Text = failureText(err)
		rec.Confidence = 0
		e.logger.Warn("[SENSAI] Analysis failed",
			"server_id", job.key.ServerID,
			"session_id", job.key.SessionID,
			"trigger", job.trigger,
			"error", err)
	} else {
		rec.Text, rec.Command, rec.Confidence = parseReply(resp.Text)
		if resp.Usage != nil {
			job.session.mu.Lock()
			job.session.usage.Add(domain.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
				Requests:         1,
			})
			job.session.mu.Unlock()
		}
	}

	e.attachRecommendation(job.session, rec)
}

// attachRecommendation records an analysis result on its session and runs
// the auto-approval policy. Results for sessions cleaned up while analysis
// was in flight are dropped.
func (e *Engine) attachRecommendation(s *Session, rec *domain.Recommendation) {
	if e.get(rec.Key()) != s {
		e.logger.Debug("[SENSAI] Session gone, dropping analysis result",
			"server_id", rec.ServerID,
			"session_id", rec.SessionID)
		return
	}

	s.mu.Lock()
	e.appendRecommendationLocked(s, rec)
	e.maybeAutoApproveLocked(s, rec)
	s.mu.Unlock()

	e.logger.Info("[SENSAI] Recommendation recorded",
		"server_id", rec.ServerID,
		"session_id", rec.SessionID,
		"recommendation_id", rec.ID,
		"source", rec.Source,
		"confidence", rec.Confidence)
}

// appendRecommendationLocked adds rec to the session list, enforcing the
// cap, and emits availability events. Caller holds s.mu.
func (e *Engine) appendRecommendationLocked(s *Session, rec *domain.Recommendation) {
	s.recommendations = append(s.recommendations, rec)
	if len(s.recommendations) > maxRecommendations {
		s.recommendations = s.recommendations[len(s.recommendations)-maxRecommendations:]
	}

	e.emit(events.New(events.TypeRecommendationAvailable, rec.Key(), *rec))
	e.emit(events.New(events.TypePendingCountChanged, rec.Key(),
		events.PendingCountPayload{Pending: s.pendingCountLocked()}))
}

// parseReply extracts the structured recommendation from a reply. Models
// routinely wrap the requested JSON object in prose or code fences, so the
// outermost brace pair is tried first. When no parsable object is found the
// whole reply becomes the recommendation at a conservative confidence.
func parseReply(text string) (recommendation, command string, confidence float64) {
	trimmed := strings.TrimSpace(text)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		var reply parsedReply
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &reply); err == nil && reply.Recommendation != "" {
			confidence = fallbackConfidence
			if reply.Confidence != nil {
				confidence = clamp01(*reply.Confidence)
			}
			return reply.Recommendation, reply.Command, confidence
		}
	}

	return trimmed, "", fallbackConfidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// failureText renders an analysis failure as user-visible diagnostic text.
func failureText(err error) string {
	switch {
	case errors.Is(err, analysis.ErrMissingAPIKey):
		return ErrorPrefix + "no valid API key configured"
	case errors.Is(err, analysis.ErrRateLimited):
		return ErrorPrefix + "analysis service is rate limiting requests"
	default:
		return ErrorPrefix + err.Error()
	}
}

// ReportInput is a recommendation produced outside the engine's own analysis
// flow, e.g. by an agent plugin watching its own process.
type ReportInput struct {
	ID         string  `json:"id,omitempty"`
	Source     string  `json:"source,omitempty"`
	Input      string  `json:"input,omitempty"`
	Text       string  `json:"recommendation"`
	Command    string  `json:"command,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Report records an externally sourced recommendation. A caller-supplied ID
// matching a still-pending recommendation replaces it in place, which lets
// streaming callers deliver incremental updates under one ID; settled
// recommendations are never overwritten. The auto-approval policy runs on
// every report.
func (e *Engine) Report(ctx context.Context, key domain.SessionKey, in ReportInput) *domain.Recommendation {
	s := e.getOrCreate(ctx, key)

	source := in.Source
	if source == "" {
		source = "external"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID != "" {
		if existing := s.findRecommendationLocked(in.ID); existing != nil {
			if !existing.Pending() {
				e.logger.Warn("[SENSAI] Ignoring update to settled recommendation",
					"server_id", key.ServerID,
					"session_id", key.SessionID,
					"recommendation_id", in.ID)
				snapshot := *existing
				return &snapshot
			}

			existing.Source = source
			existing.Input = in.Input
			existing.Text = in.Text
			existing.Command = in.Command
			existing.Confidence = clamp01(in.Confidence)

			e.emit(events.New(events.TypeRecommendationAvailable, key, *existing))
			e.maybeAutoApproveLocked(s, existing)

			snapshot := *existing
			return &snapshot
		}
	}

	rec := &domain.Recommendation{
		ID:         in.ID,
		ServerID:   key.ServerID,
		SessionID:  key.SessionID,
		Source:     source,
		Input:      in.Input,
		Text:       in.Text,
		Command:    in.Command,
		Confidence: clamp01(in.Confidence),
		CreatedAt:  time.Now().UTC(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	e.appendRecommendationLocked(s, rec)
	e.maybeAutoApproveLocked(s, rec)

	e.logger.Info("[SENSAI] External recommendation reported",
		"server_id", key.ServerID,
		"session_id", key.SessionID,
		"recommendation_id", rec.ID,
		"source", source,
		"confidence", rec.Confidence)

	snapshot := *rec
	return &snapshot
}
