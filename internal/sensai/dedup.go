package sensai

import (
	"regexp"
	"strings"
)

// statusLinePattern matches pure working/generating indicator lines such as
// "⠸ Working…" or "* Generating... (3s · esc to interrupt)". Content lines
// that merely mention the words do not match.
var statusLinePattern = regexp.MustCompile(`(?i)^\W*(working|generating)\b[.·…\s]*(\([^)]*\))?\W*$`)

// promptEchoPattern matches a timestamped user prompt echoed back into the
// transcript, e.g. "[12:04:55] > make the tests pass".
var promptEchoPattern = regexp.MustCompile(`^\[?\d{1,2}:\d{2}(:\d{2})?\]?\s*>`)

// controlNoisePattern matches lines with no letters or digits at all: box
// drawing, separators, spinner frames and other TUI chrome.
var controlNoisePattern = regexp.MustCompile(`^[^\p{L}\p{N}]*$`)

// headerStartPattern matches markdown headers, bullets and path-like starts.
var headerStartPattern = regexp.MustCompile(`^(#{1,6}\s|[-*•]\s|\.{0,2}/|~/)`)

// numberedListPattern matches a numbered-list marker such as "1. " or "2) ".
var numberedListPattern = regexp.MustCompile(`^\d+[.)]\s`)

// filterRule rejects a candidate line before it reaches the accumulator.
type filterRule struct {
	name   string
	reject func(line string) bool
}

// lineFilters discards transcript noise. Rules run in order; first match
// wins.
var lineFilters = []filterRule{
	{"blank", func(line string) bool {
		return strings.TrimSpace(line) == ""
	}},
	{"status-indicator", func(line string) bool {
		return statusLinePattern.MatchString(line)
	}},
	{"prompt-echo", func(line string) bool {
		return promptEchoPattern.MatchString(line)
	}},
	{"control-noise", func(line string) bool {
		return controlNoisePattern.MatchString(line)
	}},
}

// rejectLine returns the name of the first filter rule matching line, if any.
func rejectLine(line string) (string, bool) {
	for _, rule := range lineFilters {
		if rule.reject(line) {
			return rule.name, true
		}
	}
	return "", false
}

// noveltyRule marks a candidate line as complete enough to stand on its own.
type noveltyRule struct {
	name  string
	match func(line string) bool
}

// noveltyRules decide whether a line that extends no existing entry gets
// appended. Lines matching none are held back, on the assumption that a
// longer version arrives with a later capture.
var noveltyRules = []noveltyRule{
	{"sentence-end", func(line string) bool {
		return endsWithAny(line, ".", "!", "?", ":", ";")
	}},
	{"closing-paren", func(line string) bool {
		return strings.HasSuffix(line, ")")
	}},
	{"header-start", func(line string) bool {
		return headerStartPattern.MatchString(line)
	}},
	{"long-line", func(line string) bool {
		return len(line) > 60
	}},
	{"path-separator", func(line string) bool {
		return strings.Contains(line, "/")
	}},
	{"numbered-list", func(line string) bool {
		return numberedListPattern.MatchString(line)
	}},
}

// noveltyMatch returns the name of the first novelty rule matching line, or
// "" when the line looks partial.
func noveltyMatch(line string) string {
	for _, rule := range noveltyRules {
		if rule.match(line) {
			return rule.name
		}
	}
	return ""
}

func endsWithAny(line string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(line, s) {
			return true
		}
	}
	return false
}

// accumulator merges successive captures of streamed output into a stable,
// deduplicated line list. A logical line typically arrives several times as
// it streams (prefix, longer prefix, final form); merging keeps exactly one
// entry per logical line, in its most complete observed form.
type accumulator struct {
	lines []string
}

// Add merges one candidate line into the accumulator.
func (a *accumulator) Add(line string) {
	line = strings.TrimSpace(line)
	if _, rejected := rejectLine(line); rejected {
		return
	}

	// Extension: the candidate is a completed version of a line seen
	// mid-stream.
	for i, existing := range a.lines {
		if strings.HasPrefix(line, existing) && len(line) > len(existing) {
			a.lines[i] = line
			return
		}
	}

	// Containment: an existing entry is a fragment of the candidate. Exact
	// duplicates land here too and replace themselves in place.
	for i, existing := range a.lines {
		if strings.Contains(line, existing) {
			a.lines[i] = line
			return
		}
	}

	// Novelty: append only lines that look complete; partials wait for a
	// later capture to extend them.
	if noveltyMatch(line) != "" {
		a.lines = append(a.lines, line)
	}
}

// Lines returns a copy of the accumulated lines in order.
func (a *accumulator) Lines() []string {
	return append([]string(nil), a.lines...)
}

// Len returns the number of accumulated lines.
func (a *accumulator) Len() int {
	return len(a.lines)
}

// Join returns the accumulated lines as a single newline-joined string.
func (a *accumulator) Join() string {
	return strings.Join(a.lines, "\n")
}

// Reset discards all accumulated lines.
func (a *accumulator) Reset() {
	a.lines = a.lines[:0]
}
