package sensai

import (
	"context"
	"strings"
	"time"

	"github.com/ninjasquad/sensai/internal/domain"
)

// AppendOutput feeds one raw chunk of agent output into a session. The chunk
// is split into lines, appended to the rolling analysis window and the
// transcript log, and run through the boundary detector. Analysis triggers
// unconditionally when immediate is set, otherwise at most once per throttle
// interval; either way the captured text is the full unanalyzed window tail,
// so later triggers cover everything earlier throttled calls skipped.
// Disabled sessions ignore output entirely.
func (e *Engine) AppendOutput(ctx context.Context, key domain.SessionKey, text string, immediate bool) {
	s := e.getOrCreate(ctx, key)

	s.mu.Lock()
	if !s.config.Enabled {
		s.mu.Unlock()
		return
	}

	lines := splitLines(text)
	for _, line := range lines {
		s.window.Append(line)
		s.log = append(s.log, line)
	}

	e.observeLinesLocked(s, lines)

	job, ok := e.captureAnalysisLocked(s, immediate)
	s.mu.Unlock()

	if ok {
		e.enqueue(job)
	}
}

// splitLines splits a chunk on newlines, trims carriage returns and drops
// blank lines.
func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// captureAnalysisLocked decides whether this append triggers analysis and,
// if so, captures the unanalyzed window tail. Capturing under the session
// lock keeps capture order equal to arrival order. Caller holds s.mu.
func (e *Engine) captureAnalysisLocked(s *Session, immediate bool) (analysisJob, bool) {
	if !immediate && time.Since(s.lastAnalysis) < analysisThrottle {
		return analysisJob{}, false
	}

	tail := s.window.Since(s.analyzedMark)
	if len(tail) == 0 {
		return analysisJob{}, false
	}

	s.analyzedMark = s.window.Total()
	s.lastAnalysis = time.Now()

	trigger := "stream"
	if immediate {
		trigger = "immediate"
	}

	return analysisJob{
		key:     s.key,
		session: s,
		text:    strings.Join(tail, "\n"),
		trigger: trigger,
	}, true
}
