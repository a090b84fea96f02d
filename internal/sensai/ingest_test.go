package sensai

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ninjasquad/sensai/internal/domain"
)

func TestAppendThrottlesAnalysis(t *testing.T) {
	fa := &fakeAnalyzer{}
	engine, _ := newTestEngine(t, fa, nil)
	key := testKey("throttle")

	engine.AppendOutput(context.Background(), key, "line one.", false)
	engine.AppendOutput(context.Background(), key, "line two.", false)
	engine.AppendOutput(context.Background(), key, "line three.", false)

	waitFor(t, time.Second, func() bool { return fa.CallCount() == 1 })
	if got := fa.Requests()[0].Text; got != "line one." {
		t.Errorf("Expected first call to carry the first line, got %q", got)
	}

	// Age the throttle stamp so the next append qualifies again.
	s := engine.get(key)
	s.mu.Lock()
	s.lastAnalysis = time.Now().Add(-time.Second)
	s.mu.Unlock()

	engine.AppendOutput(context.Background(), key, "line four.", false)

	waitFor(t, time.Second, func() bool { return fa.CallCount() == 2 })
	want := "line two.\nline three.\nline four."
	if got := fa.Requests()[1].Text; got != want {
		t.Errorf("Expected second call to cover the throttled tail, got %q", got)
	}
}

func TestAppendImmediateBypassesThrottle(t *testing.T) {
	fa := &fakeAnalyzer{}
	engine, _ := newTestEngine(t, fa, nil)
	key := testKey("immediate")

	engine.AppendOutput(context.Background(), key, "alpha line.", false)
	engine.AppendOutput(context.Background(), key, "beta line.", true)

	waitFor(t, time.Second, func() bool { return fa.CallCount() == 2 })

	texts := make([]string, 0, 2)
	for _, req := range fa.Requests() {
		texts = append(texts, req.Text)
	}
	found := false
	for _, text := range texts {
		if text == "beta line." {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected immediate append analyzed on its own, got %v", texts)
	}
}

func TestAppendOnDisabledSessionIsNoOp(t *testing.T) {
	fa := &fakeAnalyzer{}
	engine, _ := newTestEngine(t, fa, newFakeRepo())
	key := testKey("disabled")

	enabled := false
	if _, err := engine.Initialize(context.Background(), key, domain.ConfigPatch{Enabled: &enabled}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	engine.AppendOutput(context.Background(), key, "should be ignored.", true)

	time.Sleep(50 * time.Millisecond)
	if got := fa.CallCount(); got != 0 {
		t.Errorf("Expected no analysis for disabled session, got %d calls", got)
	}

	s := engine.get(key)
	s.mu.Lock()
	windowLen := s.window.Len()
	logLen := len(s.log)
	s.mu.Unlock()
	if windowLen != 0 || logLen != 0 {
		t.Errorf("Expected no lines recorded, got window %d log %d", windowLen, logLen)
	}
}

func TestAppendBoundsAnalysisWindow(t *testing.T) {
	fa := &fakeAnalyzer{}
	engine, _ := newTestEngine(t, fa, nil)
	key := testKey("window")

	var sb strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&sb, "item %d.\n", i)
	}
	engine.AppendOutput(context.Background(), key, sb.String(), false)

	s := engine.get(key)
	s.mu.Lock()
	windowLen := s.window.Len()
	oldest := s.window.Lines()[0]
	logLen := len(s.log)
	s.mu.Unlock()

	if windowLen != analysisWindowSize {
		t.Errorf("Expected window capped at %d, got %d", analysisWindowSize, windowLen)
	}
	if oldest != "item 10." {
		t.Errorf("Expected oldest window line to be item 10., got %q", oldest)
	}
	if logLen != 60 {
		t.Errorf("Expected full transcript kept, got %d lines", logLen)
	}

	// The capture covers at most the window, not the full transcript.
	waitFor(t, time.Second, func() bool { return fa.CallCount() == 1 })
	captured := strings.Split(fa.Requests()[0].Text, "\n")
	if len(captured) != analysisWindowSize {
		t.Errorf("Expected capture of %d lines, got %d", analysisWindowSize, len(captured))
	}
}

func TestAppendConfigForwardedToAnalysis(t *testing.T) {
	fa := &fakeAnalyzer{}
	engine, _ := newTestEngine(t, fa, newFakeRepo())
	key := testKey("config-forward")

	model := "advisor-small"
	temperature := 0.7
	maxTokens := 256
	if _, err := engine.Initialize(context.Background(), key, domain.ConfigPatch{
		Model:       &model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	engine.AppendOutput(context.Background(), key, "one complete line.", true)

	waitFor(t, time.Second, func() bool { return fa.CallCount() == 1 })
	req := fa.Requests()[0]
	if req.Model != "advisor-small" {
		t.Errorf("Expected model forwarded, got %q", req.Model)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Expected temperature forwarded, got %v", req.Temperature)
	}
	if req.MaxTokens != 256 {
		t.Errorf("Expected max tokens forwarded, got %d", req.MaxTokens)
	}
	if req.SystemPrompt == "" {
		t.Error("Expected system prompt forwarded")
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a\r\nb\n\nc\n", []string{"a", "b", "c"}},
		{"single", []string{"single"}},
		{"", nil},
		{"   \n\t\n", nil},
		{"trailing\r", []string{"trailing"}},
	}

	for _, tt := range tests {
		got := splitLines(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitLines(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}
