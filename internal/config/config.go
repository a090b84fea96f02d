// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	DebounceInterval time.Duration
	Analysis         AnalysisConfig
	SSE              SSEConfig
	Timeout          TimeoutConfig
}

// AnalysisConfig controls the external analysis service client.
type AnalysisConfig struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
}

// SSEConfig controls the server-sent event stream behavior.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// TimeoutConfig holds operational timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/sensai.db"),
		DebounceInterval: getEnvDurationMs("SENSAI_DEBOUNCE_MS", 2000*time.Millisecond),
		Analysis: AnalysisConfig{
			URL:            getEnv("SENSAI_ANALYZE_URL", "http://localhost:4096/analyze"),
			APIKey:         getEnv("SENSAI_API_KEY", ""),
			RequestTimeout: getEnvDurationMs("SENSAI_ANALYZE_TIMEOUT_MS", 120*time.Second),
			MaxRetries:     getEnvInt("SENSAI_ANALYZE_MAX_RETRIES", 3),
		},
		SSE: SSEConfig{
			RetryDelay:         getEnvDurationMs("SSE_RETRY_DELAY_MS", 5*time.Second),
			KeepaliveInterval:  getEnvDurationMs("SSE_KEEPALIVE_INTERVAL_MS", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			Shutdown:    10 * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Analysis.URL == "" {
		return fmt.Errorf("SENSAI_ANALYZE_URL cannot be empty")
	}
	if c.Analysis.MaxRetries <= 0 {
		return fmt.Errorf("SENSAI_ANALYZE_MAX_RETRIES must be > 0")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("SENSAI_DEBOUNCE_MS must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDurationMs reads a millisecond count from the environment.
func getEnvDurationMs(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
