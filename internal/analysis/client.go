// Package analysis provides the HTTP client for the external text-analysis
// service consumed by the recommendation engine.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrMissingAPIKey marks calls rejected for a missing or invalid credential.
	ErrMissingAPIKey = errors.New("analysis API key missing or invalid")
	// ErrRateLimited marks calls rejected by upstream rate limiting.
	ErrRateLimited = errors.New("analysis service rate limited")
	// ErrUpstreamUnavailable marks transient 5xx failures.
	ErrUpstreamUnavailable = errors.New("analysis service unavailable")
	// ErrUnexpectedStatus wraps non-retryable upstream HTTP failures.
	ErrUnexpectedStatus = errors.New("analysis service returned unexpected status")
)

// Request is one analysis call. Text carries the consolidated terminal
// output; the remaining fields come from the session's config.
type Request struct {
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Text         string  `json:"text"`
}

// Usage reports token counts for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the analysis service's reply. Text is free-form; callers parse
// any structured content out of it themselves.
type Response struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// ClientConfig holds configuration for the analysis client.
type ClientConfig struct {
	AnalyzeURL     string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		AnalyzeURL:     "http://localhost:4096/analyze",
		RequestTimeout: 120 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

// Client calls the analysis service over HTTP.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an analysis client. Zero config fields fall back to
// defaults.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.AnalyzeURL == "" {
		cfg.AnalyzeURL = def.AnalyzeURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		// Per-attempt timeout; the overall budget is enforced by the
		// context in Analyze.
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Analyze sends one analysis request, retrying transient failures up to the
// configured budget. Credential failures surface as ErrMissingAPIKey and are
// never retried; upstream throttling surfaces as ErrRateLimited.
func (c *Client) Analyze(ctx context.Context, req Request) (*Response, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff between attempts: base, 2x, 4x.
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("Retrying analysis call",
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("analysis retry cancelled: %w", ctx.Err())
			}
		}

		resp, err := c.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("analysis failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AnalyzeURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close analysis response body", "error", closeErr)
		}
	}()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (status %d)", ErrMissingAPIKey, httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w (status %d)", ErrRateLimited, httpResp.StatusCode)
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, httpResp.StatusCode)
	default:
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, httpResp.StatusCode, bytes.TrimSpace(detail))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return &resp, nil
}

// retryable reports whether the failure is worth another attempt. Credential
// errors and 4xx rejections are permanent; network failures, throttling and
// 5xx responses are transient.
func retryable(err error) bool {
	if errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrUnexpectedStatus) {
		return false
	}
	return true
}
