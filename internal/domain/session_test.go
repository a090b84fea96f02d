package domain

import (
	"encoding/json"
	"testing"
)

func TestSessionKeyString(t *testing.T) {
	key := SessionKey{ServerID: "srv-1", SessionID: "sess-a"}
	if got := key.String(); got != "srv-1:sess-a" {
		t.Errorf("Expected srv-1:sess-a, got %q", got)
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()

	if !cfg.Enabled {
		t.Error("Expected default config to be enabled")
	}
	if cfg.AutoApprove {
		t.Error("Expected auto-approve to default off")
	}
	if cfg.ConfidenceThreshold != 0.8 {
		t.Errorf("Expected confidence threshold 0.8, got %v", cfg.ConfidenceThreshold)
	}
	if cfg.MaxConsecutiveAutoApprovals != 5 {
		t.Errorf("Expected max consecutive auto-approvals 5, got %d", cfg.MaxConsecutiveAutoApprovals)
	}
	if cfg.SystemPrompt == "" {
		t.Error("Expected a default system prompt")
	}
}

func TestConfigPatchApplyTo(t *testing.T) {
	cfg := DefaultSessionConfig()

	autoApprove := true
	threshold := 0.95
	model := "opencode/default"
	patch := ConfigPatch{
		AutoApprove:         &autoApprove,
		ConfidenceThreshold: &threshold,
		Model:               &model,
	}

	merged := patch.ApplyTo(cfg)

	if !merged.AutoApprove {
		t.Error("Expected auto-approve to be set by patch")
	}
	if merged.ConfidenceThreshold != 0.95 {
		t.Errorf("Expected threshold 0.95, got %v", merged.ConfidenceThreshold)
	}
	if merged.Model != "opencode/default" {
		t.Errorf("Expected model from patch, got %q", merged.Model)
	}
	// Untouched fields keep their previous values.
	if merged.MaxTokens != cfg.MaxTokens {
		t.Errorf("Expected max tokens unchanged, got %d", merged.MaxTokens)
	}
	if merged.SystemPrompt != cfg.SystemPrompt {
		t.Error("Expected system prompt unchanged")
	}
}

func TestConfigPatchApplyToEmptyPatch(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Model = "custom"

	merged := ConfigPatch{}.ApplyTo(cfg)

	if merged != cfg {
		t.Errorf("Expected empty patch to leave config unchanged, got %+v", merged)
	}
	if !(ConfigPatch{}).IsZero() {
		t.Error("Expected empty patch to report IsZero")
	}
}

func TestConfigPatchJSONRoundTrip(t *testing.T) {
	// A PATCH body that only flips one flag must not zero the rest.
	var patch ConfigPatch
	if err := json.Unmarshal([]byte(`{"enabled": false}`), &patch); err != nil {
		t.Fatalf("Failed to unmarshal patch: %v", err)
	}

	if patch.Enabled == nil || *patch.Enabled {
		t.Error("Expected enabled=false to be set")
	}
	if patch.ConfidenceThreshold != nil {
		t.Error("Expected absent fields to stay nil")
	}

	merged := patch.ApplyTo(DefaultSessionConfig())
	if merged.Enabled {
		t.Error("Expected merged config to be disabled")
	}
	if merged.ConfidenceThreshold != 0.8 {
		t.Errorf("Expected threshold preserved, got %v", merged.ConfidenceThreshold)
	}
}

func TestTokenUsageAdd(t *testing.T) {
	var usage TokenUsage
	usage.Add(TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Requests: 1})
	usage.Add(TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5, Requests: 1})

	if usage.PromptTokens != 13 || usage.CompletionTokens != 7 || usage.TotalTokens != 20 {
		t.Errorf("Unexpected accumulated usage: %+v", usage)
	}
	if usage.Requests != 2 {
		t.Errorf("Expected 2 requests, got %d", usage.Requests)
	}
}

func TestRecommendationPending(t *testing.T) {
	rec := &Recommendation{ID: "r1"}
	if !rec.Pending() {
		t.Error("Expected new recommendation to be pending")
	}

	rec.Executed = true
	if rec.Pending() {
		t.Error("Expected executed recommendation to not be pending")
	}

	denied := &Recommendation{ID: "r2", Denied: true}
	if denied.Pending() {
		t.Error("Expected denied recommendation to not be pending")
	}
}
