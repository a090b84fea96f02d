// Package sensai implements the terminal-output recommendation engine: it
// watches live coding-agent output, detects generation boundaries with a
// debounced state machine, deduplicates streamed lines, and turns the
// consolidated output into confidence-gated recommendations.
package sensai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ninjasquad/sensai/internal/analysis"
	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/events"
	"github.com/ninjasquad/sensai/internal/store"
)

const (
	// analysisThrottle bounds how often streaming output may trigger the
	// analysis service per session.
	analysisThrottle = 500 * time.Millisecond

	// analysisWindowSize is the rolling line window offered to analysis.
	// Freshness wins over completeness: the oldest lines are evicted first.
	analysisWindowSize = 50

	// maxRecommendations caps the per-session recommendation list.
	maxRecommendations = 100

	defaultDebounceInterval = 2 * time.Second
	minDebounceInterval     = 1 * time.Second
	maxDebounceInterval     = 15 * time.Second

	jobQueueSize   = 100
	workerPoolSize = 10
)

// Analyzer produces a reply for consolidated agent output.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Response, error)
}

// analysisJob carries output captured under the session lock to the worker
// pool.
type analysisJob struct {
	key     domain.SessionKey
	session *Session
	text    string
	trigger string // "stream", "immediate" or "episode"
}

// SessionSnapshot is a point-in-time public view of a session.
type SessionSnapshot struct {
	ServerID        string                  `json:"server_id"`
	SessionID       string                  `json:"session_id"`
	Status          string                  `json:"status"`
	Config          domain.SessionConfig    `json:"config"`
	PendingCount    int                     `json:"pending_count"`
	ConsecutiveAuto int                     `json:"consecutive_auto_approvals"`
	Usage           domain.TokenUsage       `json:"usage"`
	Recommendations []domain.Recommendation `json:"recommendations"`
}

// Engine owns all monitored sessions and the analysis worker pool.
type Engine struct {
	analyzer Analyzer
	repo     store.Repository
	emitter  *events.Emitter
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	debounceInterval atomic.Int64 // nanoseconds, clamped

	jobChan  chan analysisJob
	workerWg sync.WaitGroup

	stopMu  sync.RWMutex
	stopped bool
}

// New creates an engine and starts its analysis worker pool.
func New(analyzer Analyzer, repo store.Repository, emitter *events.Emitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		analyzer: analyzer,
		repo:     repo,
		emitter:  emitter,
		logger:   logger,
		sessions: make(map[string]*Session),
		jobChan:  make(chan analysisJob, jobQueueSize),
	}
	e.debounceInterval.Store(int64(defaultDebounceInterval))

	for i := 0; i < workerPoolSize; i++ {
		e.workerWg.Add(1)
		go e.analysisWorker()
	}

	return e
}

// analysisWorker drains analysis jobs until the engine stops.
func (e *Engine) analysisWorker() {
	defer e.workerWg.Done()

	for job := range e.jobChan {
		e.processAnalysisJob(job)
	}
}

// Stop shuts down the worker pool and cancels all pending debounce timers.
func (e *Engine) Stop() {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return
	}
	e.stopped = true
	e.stopMu.Unlock()

	close(e.jobChan)
	e.workerWg.Wait()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.sessions {
		s.mu.Lock()
		s.cancelDebounceLocked()
		s.mu.Unlock()
	}
}

// enqueue hands a job to the worker pool without blocking the caller. Jobs
// are dropped when the queue is full or the engine has stopped.
func (e *Engine) enqueue(job analysisJob) {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()

	if e.stopped {
		e.logger.Warn("[SENSAI] Engine stopped, dropping analysis job",
			"server_id", job.key.ServerID,
			"session_id", job.key.SessionID)
		return
	}

	select {
	case e.jobChan <- job:
		e.logger.Info("[SENSAI] Analysis job enqueued",
			"server_id", job.key.ServerID,
			"session_id", job.key.SessionID,
			"trigger", job.trigger,
			"text_len", len(job.text))
	default:
		e.logger.Warn("[SENSAI] Analysis job queue full, dropping job",
			"server_id", job.key.ServerID,
			"session_id", job.key.SessionID)
	}
}

// emit publishes an event if an emitter is attached. Emission never blocks,
// so it is safe to call while holding a session lock, which keeps per-session
// event order aligned with state changes.
func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// get returns the live session for key, or nil.
func (e *Engine) get(key domain.SessionKey) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[key.String()]
}

// getOrCreate returns the live session for key, creating it from stored or
// default config on first reference. The store read happens outside the
// registry lock.
func (e *Engine) getOrCreate(ctx context.Context, key domain.SessionKey) *Session {
	if s := e.get(key); s != nil {
		return s
	}

	cfg := domain.DefaultSessionConfig()
	if e.repo != nil {
		stored, err := e.repo.GetSessionConfig(ctx, key)
		if err != nil {
			e.logger.Warn("[SENSAI] Failed to load stored config, using defaults",
				"server_id", key.ServerID,
				"session_id", key.SessionID,
				"error", err)
		} else if stored != nil {
			cfg = *stored
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[key.String()]; ok {
		return s
	}

	s := newSession(key, cfg)
	e.sessions[key.String()] = s
	e.logger.Info("[SENSAI] Session created",
		"server_id", key.ServerID,
		"session_id", key.SessionID,
		"enabled", cfg.Enabled)
	return s
}

// Initialize creates or updates a session, merging the patch over stored or
// default config, and persists the merged result. Idempotent.
func (e *Engine) Initialize(ctx context.Context, key domain.SessionKey, patch domain.ConfigPatch) (*SessionSnapshot, error) {
	s := e.getOrCreate(ctx, key)

	s.mu.Lock()
	s.config = patch.ApplyTo(s.config)
	cfg := s.config
	s.mu.Unlock()

	if err := e.persistConfig(ctx, key, cfg); err != nil {
		return nil, err
	}

	e.logger.Info("[SENSAI] Session initialized",
		"server_id", key.ServerID,
		"session_id", key.SessionID,
		"enabled", cfg.Enabled,
		"auto_approve", cfg.AutoApprove)

	return e.Snapshot(key), nil
}

// UpdateConfig merges the patch into the session's config and persists it
// immediately. The session is created lazily if missing. An empty patch
// returns the current config without touching the store.
func (e *Engine) UpdateConfig(ctx context.Context, key domain.SessionKey, patch domain.ConfigPatch) (domain.SessionConfig, error) {
	s := e.getOrCreate(ctx, key)

	s.mu.Lock()
	if patch.IsZero() {
		cfg := s.config
		s.mu.Unlock()
		return cfg, nil
	}
	s.config = patch.ApplyTo(s.config)
	cfg := s.config
	s.mu.Unlock()

	return cfg, e.persistConfig(ctx, key, cfg)
}

func (e *Engine) persistConfig(ctx context.Context, key domain.SessionKey, cfg domain.SessionConfig) error {
	if e.repo == nil {
		return nil
	}
	if err := e.repo.UpsertSessionConfig(ctx, key, cfg); err != nil {
		return fmt.Errorf("persist session config: %w", err)
	}
	return nil
}

// Cleanup cancels the session's timers, drops its live state and removes the
// stored config. Results of analysis still in flight for the session are
// discarded when they arrive.
func (e *Engine) Cleanup(ctx context.Context, key domain.SessionKey) error {
	e.mu.Lock()
	s, ok := e.sessions[key.String()]
	delete(e.sessions, key.String())
	e.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.cancelDebounceLocked()
		s.mu.Unlock()
		e.logger.Info("[SENSAI] Session cleaned up",
			"server_id", key.ServerID,
			"session_id", key.SessionID)
	}

	if e.repo != nil {
		if err := e.repo.DeleteSessionConfig(ctx, key); err != nil {
			return fmt.Errorf("delete session config: %w", err)
		}
	}
	return nil
}

// Restore recreates sessions for every stored config. Only configuration
// survives a restart; buffers, counters and episodes start fresh.
func (e *Engine) Restore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}

	records, err := e.repo.ListSessionConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list session configs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	restored := 0
	for _, rec := range records {
		k := rec.Key.String()
		if _, ok := e.sessions[k]; ok {
			continue
		}
		e.sessions[k] = newSession(rec.Key, rec.Config)
		restored++
	}

	e.logger.Info("[SENSAI] Sessions restored from store", "count", restored)
	return nil
}

// SetDebounceInterval tunes how long the boundary detector waits after the
// working indicator disappears before finalizing an episode. Clamped to
// [1s, 15s]; returns the applied value.
func (e *Engine) SetDebounceInterval(d time.Duration) time.Duration {
	if d < minDebounceInterval {
		d = minDebounceInterval
	}
	if d > maxDebounceInterval {
		d = maxDebounceInterval
	}
	e.debounceInterval.Store(int64(d))

	e.logger.Info("[SENSAI] Debounce interval updated", "interval", d)
	return d
}

// DebounceInterval returns the current episode debounce length.
func (e *Engine) DebounceInterval() time.Duration {
	return time.Duration(e.debounceInterval.Load())
}

// Snapshot returns a point-in-time view of a session, or nil when unknown.
func (e *Engine) Snapshot(key domain.SessionKey) *SessionSnapshot {
	s := e.get(key)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]domain.Recommendation, 0, len(s.recommendations))
	for _, rec := range s.recommendations {
		recs = append(recs, *rec)
	}

	return &SessionSnapshot{
		ServerID:        s.key.ServerID,
		SessionID:       s.key.SessionID,
		Status:          s.statusLocked(),
		Config:          s.config,
		PendingCount:    s.pendingCountLocked(),
		ConsecutiveAuto: s.consecutiveAuto,
		Usage:           s.usage,
		Recommendations: recs,
	}
}

// Recommendations returns a copy of the session's recommendation list in
// arrival order. The second return reports whether the session exists.
func (e *Engine) Recommendations(key domain.SessionKey) ([]domain.Recommendation, bool) {
	s := e.get(key)
	if s == nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Recommendation, 0, len(s.recommendations))
	for _, rec := range s.recommendations {
		out = append(out, *rec)
	}
	return out, true
}
