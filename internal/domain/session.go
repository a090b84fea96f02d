// Package domain contains core domain types for the SensAI engine.
package domain

// SessionKey identifies a monitored agent session by the composite of the
// agent-server id and the session id within that server.
type SessionKey struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
}

// String returns the canonical "serverID:sessionID" form used as a map key.
func (k SessionKey) String() string {
	return k.ServerID + ":" + k.SessionID
}

// DefaultSystemPrompt instructs the analysis model to answer in the
// structured form the engine parses. Sessions may override it per workload.
const DefaultSystemPrompt = `You are SensAI, a senior engineer watching a coding agent's terminal output. ` +
	`Given the latest output, suggest the single most useful next action for the operator. ` +
	`Reply with JSON only: {"recommendation": "<what to do and why>", "command": "<exact command to send to the agent, if any>", "confidence": <0.0-1.0>}`

// SessionConfig holds the per-session settings that survive restarts.
type SessionConfig struct {
	Enabled                     bool    `json:"enabled"`
	Model                       string  `json:"model"`
	SystemPrompt                string  `json:"system_prompt"`
	AutoApprove                 bool    `json:"auto_approve"`
	Temperature                 float64 `json:"temperature"`
	MaxTokens                   int     `json:"max_tokens"`
	ConfidenceThreshold         float64 `json:"confidence_threshold"`
	MaxConsecutiveAutoApprovals int     `json:"max_consecutive_auto_approvals"`
}

// DefaultSessionConfig returns the config applied to sessions created without
// an explicit one. Auto-approval starts off; everything else is ready to run.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Enabled:                     true,
		Model:                       "",
		SystemPrompt:                DefaultSystemPrompt,
		AutoApprove:                 false,
		Temperature:                 0.3,
		MaxTokens:                   1024,
		ConfidenceThreshold:         0.8,
		MaxConsecutiveAutoApprovals: 5,
	}
}

// ConfigPatch is a partial SessionConfig. Nil fields leave the current value
// untouched, so callers can update a single setting without knowing the rest.
type ConfigPatch struct {
	Enabled                     *bool    `json:"enabled,omitempty"`
	Model                       *string  `json:"model,omitempty"`
	SystemPrompt                *string  `json:"system_prompt,omitempty"`
	AutoApprove                 *bool    `json:"auto_approve,omitempty"`
	Temperature                 *float64 `json:"temperature,omitempty"`
	MaxTokens                   *int     `json:"max_tokens,omitempty"`
	ConfidenceThreshold         *float64 `json:"confidence_threshold,omitempty"`
	MaxConsecutiveAutoApprovals *int     `json:"max_consecutive_auto_approvals,omitempty"`
}

// ApplyTo merges the patch over cfg and returns the result.
func (p ConfigPatch) ApplyTo(cfg SessionConfig) SessionConfig {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		cfg.SystemPrompt = *p.SystemPrompt
	}
	if p.AutoApprove != nil {
		cfg.AutoApprove = *p.AutoApprove
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	if p.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.MaxConsecutiveAutoApprovals != nil {
		cfg.MaxConsecutiveAutoApprovals = *p.MaxConsecutiveAutoApprovals
	}
	return cfg
}

// IsZero reports whether the patch sets nothing.
func (p ConfigPatch) IsZero() bool {
	return p.Enabled == nil && p.Model == nil && p.SystemPrompt == nil &&
		p.AutoApprove == nil && p.Temperature == nil && p.MaxTokens == nil &&
		p.ConfidenceThreshold == nil && p.MaxConsecutiveAutoApprovals == nil
}

// TokenUsage accumulates token counts reported by the analysis service.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Requests         int `json:"requests"`
}

// Add accumulates another usage report into u.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.PromptTokens += delta.PromptTokens
	u.CompletionTokens += delta.CompletionTokens
	u.TotalTokens += delta.TotalTokens
	u.Requests += delta.Requests
}
