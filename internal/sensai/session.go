package sensai

import (
	"sync"
	"time"

	"github.com/ninjasquad/sensai/internal/domain"
)

// phase tracks where a session's generation episode stands.
type phase int

const (
	phaseIdle       phase = iota // no generation markers observed
	phaseGenerating              // working indicator present in recent output
	phaseDebouncing              // indicator gone, waiting out the quiet period
)

func (p phase) String() string {
	switch p {
	case phaseGenerating:
		return "generating"
	case phaseDebouncing:
		return "debouncing"
	default:
		return "idle"
	}
}

// Session holds the live state for one monitored agent session. Config is
// durable; everything else is transient and resets on process restart.
type Session struct {
	key    domain.SessionKey
	config domain.SessionConfig

	// Rolling analysis window: the freshest lines offered to the analysis
	// service, plus the mark up to which they have been captured.
	window       *lineRing
	analyzedMark int64
	lastAnalysis time.Time

	// Unbounded transcript log consumed by the boundary detector. The
	// episode start offset never rewinds except on hard reset.
	log          []string
	episodeStart int

	// Generation episode.
	phase       phase
	acc         accumulator
	debounce    *time.Timer
	debounceGen uint64 // invalidates callbacks from cancelled timers

	recommendations []*domain.Recommendation
	consecutiveAuto int
	usage           domain.TokenUsage

	mu sync.Mutex
}

func newSession(key domain.SessionKey, cfg domain.SessionConfig) *Session {
	return &Session{
		key:    key,
		config: cfg,
		window: newLineRing(analysisWindowSize),
	}
}

// Key returns the session's composite identity.
func (s *Session) Key() domain.SessionKey {
	return s.key
}

// statusLocked reports the observer-facing status string. Caller holds s.mu.
func (s *Session) statusLocked() string {
	if s.phase == phaseIdle {
		return "idle"
	}
	return "working"
}

// pendingCountLocked counts recommendations awaiting action. Caller holds s.mu.
func (s *Session) pendingCountLocked() int {
	n := 0
	for _, rec := range s.recommendations {
		if rec.Pending() {
			n++
		}
	}
	return n
}

// findRecommendationLocked returns the recommendation with the given id, or
// nil. Caller holds s.mu.
func (s *Session) findRecommendationLocked(recID string) *domain.Recommendation {
	for _, rec := range s.recommendations {
		if rec.ID == recID {
			return rec
		}
	}
	return nil
}

// cancelDebounceLocked stops a pending debounce timer and invalidates its
// callback. Caller holds s.mu.
func (s *Session) cancelDebounceLocked() {
	s.debounceGen++
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// resetEpisodeLocked clears the generation episode without finalizing it and
// moves the episode start offset to the current log length. Caller holds s.mu.
func (s *Session) resetEpisodeLocked() {
	s.cancelDebounceLocked()
	s.phase = phaseIdle
	s.acc.Reset()
	s.episodeStart = len(s.log)
}
