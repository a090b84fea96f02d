package sensai

import (
	"regexp"
	"time"

	"github.com/ninjasquad/sensai/internal/domain"
)

// markerPattern detects a working/generating indicator anywhere in a line,
// regardless of spinner decoration or trailing progress punctuation.
var markerPattern = regexp.MustCompile(`(?i)(working|generating)`)

// observeLinesLocked advances the generation boundary state machine with the
// lines of one appended chunk. A chunk with no surviving lines carries no
// signal and leaves the phase untouched. Caller holds s.mu.
func (e *Engine) observeLinesLocked(s *Session, lines []string) {
	if len(lines) == 0 {
		return
	}

	marker := false
	for _, line := range lines {
		if markerPattern.MatchString(line) {
			marker = true
			break
		}
	}

	switch s.phase {
	case phaseIdle:
		if marker {
			s.phase = phaseGenerating
			s.acc.Reset()
			s.episodeStart = len(s.log)
			e.logger.Info("[SENSAI] Generation started",
				"server_id", s.key.ServerID,
				"session_id", s.key.SessionID,
				"log_len", len(s.log))
		}

	case phaseGenerating:
		e.accumulateLocked(s, lines)
		if !marker {
			s.phase = phaseDebouncing
			e.startDebounceLocked(s)
		}

	case phaseDebouncing:
		e.accumulateLocked(s, lines)
		if marker {
			// Indicator flickered back before the timer fired: the episode
			// is still running.
			s.cancelDebounceLocked()
			s.phase = phaseGenerating
			e.logger.Debug("[SENSAI] Working indicator reappeared, debounce cancelled",
				"server_id", s.key.ServerID,
				"session_id", s.key.SessionID)
		}
	}
}

// accumulateLocked merges chunk lines into the episode accumulator. Caller
// holds s.mu.
func (e *Engine) accumulateLocked(s *Session, lines []string) {
	for _, line := range lines {
		s.acc.Add(line)
	}
}

// startDebounceLocked arms the episode finalization timer. Caller holds s.mu.
func (e *Engine) startDebounceLocked(s *Session) {
	s.cancelDebounceLocked()

	gen := s.debounceGen
	interval := e.DebounceInterval()
	s.debounce = time.AfterFunc(interval, func() {
		e.finalizeEpisode(s, gen)
	})

	e.logger.Debug("[SENSAI] Debounce started",
		"server_id", s.key.ServerID,
		"session_id", s.key.SessionID,
		"interval", interval)
}

// finalizeEpisode runs when a debounce timer fires: the quiet period held,
// so the accumulated episode output is complete. The generation check
// discards callbacks from timers cancelled after firing.
func (e *Engine) finalizeEpisode(s *Session, gen uint64) {
	s.mu.Lock()
	if s.phase != phaseDebouncing || gen != s.debounceGen {
		s.mu.Unlock()
		return
	}

	text := s.acc.Join()
	episodeLines := s.acc.Len()
	span := len(s.log) - s.episodeStart

	s.debounce = nil
	s.phase = phaseIdle
	s.acc.Reset()
	s.episodeStart = len(s.log)

	var job analysisJob
	analyze := text != ""
	if analyze {
		// The episode text supersedes whatever the stream throttle would
		// have captured; advance the window mark so the same lines are not
		// analyzed twice.
		s.analyzedMark = s.window.Total()
		s.lastAnalysis = time.Now()
		job = analysisJob{
			key:     s.key,
			session: s,
			text:    text,
			trigger: "episode",
		}
	}
	s.mu.Unlock()

	e.logger.Info("[SENSAI] Generation episode finalized",
		"server_id", s.key.ServerID,
		"session_id", s.key.SessionID,
		"lines", episodeLines,
		"span", span,
		"analyzed", analyze)

	if analyze {
		e.enqueue(job)
	}
}

// HandleUserCommand performs the hard reset: a fresh user command makes any
// in-progress episode moot, so it is cleared without finalizing. Unknown
// sessions are ignored.
func (e *Engine) HandleUserCommand(key domain.SessionKey, command string) {
	s := e.get(key)
	if s == nil {
		e.logger.Debug("[SENSAI] User command for unknown session",
			"server_id", key.ServerID,
			"session_id", key.SessionID)
		return
	}

	s.mu.Lock()
	s.resetEpisodeLocked()
	s.mu.Unlock()

	e.logger.Info("[SENSAI] Episode reset by user command",
		"server_id", key.ServerID,
		"session_id", key.SessionID,
		"command_len", len(command))
}
