package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ninjasquad/sensai/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	configMu sync.Mutex // Mutex for session config writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_configs (
		server_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		model TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		auto_approve INTEGER NOT NULL DEFAULT 0,
		temperature REAL NOT NULL,
		max_tokens INTEGER NOT NULL,
		confidence_threshold REAL NOT NULL,
		max_consecutive_auto_approvals INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (server_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_session_configs_updated ON session_configs(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSessionConfig retrieves the stored config for a session.
func (s *SQLiteStore) GetSessionConfig(ctx context.Context, key domain.SessionKey) (*domain.SessionConfig, error) {
	query := `
		SELECT enabled, model, system_prompt, auto_approve,
		       temperature, max_tokens, confidence_threshold, max_consecutive_auto_approvals
		FROM session_configs WHERE server_id = ? AND session_id = ?`

	row := s.db.QueryRowContext(ctx, query, key.ServerID, key.SessionID)

	var cfg domain.SessionConfig
	err := row.Scan(
		&cfg.Enabled, &cfg.Model, &cfg.SystemPrompt, &cfg.AutoApprove,
		&cfg.Temperature, &cfg.MaxTokens, &cfg.ConfidenceThreshold,
		&cfg.MaxConsecutiveAutoApprovals,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session config row: %w", err)
	}

	return &cfg, nil
}

// UpsertSessionConfig creates or updates the stored config for a session.
// The original created_at survives updates.
func (s *SQLiteStore) UpsertSessionConfig(ctx context.Context, key domain.SessionKey, cfg domain.SessionConfig) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	query := `
		INSERT INTO session_configs (
			server_id, session_id, enabled, model, system_prompt, auto_approve,
			temperature, max_tokens, confidence_threshold, max_consecutive_auto_approvals,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, session_id) DO UPDATE SET
			enabled = excluded.enabled,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			auto_approve = excluded.auto_approve,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			confidence_threshold = excluded.confidence_threshold,
			max_consecutive_auto_approvals = excluded.max_consecutive_auto_approvals,
			updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		key.ServerID, key.SessionID, cfg.Enabled, cfg.Model, cfg.SystemPrompt, cfg.AutoApprove,
		cfg.Temperature, cfg.MaxTokens, cfg.ConfidenceThreshold, cfg.MaxConsecutiveAutoApprovals,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert session config: %w", err)
	}
	return nil
}

// DeleteSessionConfig removes the stored config for a session.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteSessionConfig(ctx context.Context, key domain.SessionKey) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteSessionConfigOnce(ctx, key)
		if err == nil {
			return nil
		}

		if isSQLiteConflict(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("DeleteSessionConfig failed with SQLITE_BUSY, retrying",
					"session", key.String(),
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		// Non-retryable error or max retries exceeded
		return fmt.Errorf("failed to delete session config for %s after %d attempts: %w", key.String(), maxRetries, err)
	}

	return nil
}

// deleteSessionConfigOnce performs a single delete attempt.
func (s *SQLiteStore) deleteSessionConfigOnce(ctx context.Context, key domain.SessionKey) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	query := `DELETE FROM session_configs WHERE server_id = ? AND session_id = ?`
	_, err := s.db.ExecContext(ctx, query, key.ServerID, key.SessionID)
	if err != nil {
		return fmt.Errorf("delete session config: %w", err)
	}
	return nil
}

// isSQLiteConflict reports whether err is a SQLITE_BUSY or "database is
// locked" concurrency error that warrants a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")
}

// ListSessionConfigs retrieves every stored session config.
func (s *SQLiteStore) ListSessionConfigs(ctx context.Context) ([]SessionConfigRecord, error) {
	query := `
		SELECT server_id, session_id, enabled, model, system_prompt, auto_approve,
		       temperature, max_tokens, confidence_threshold, max_consecutive_auto_approvals,
		       updated_at
		FROM session_configs ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query session configs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session config rows", "error", closeErr)
		}
	}()

	var records []SessionConfigRecord
	for rows.Next() {
		var rec SessionConfigRecord
		var updatedAt int64

		if err := rows.Scan(
			&rec.Key.ServerID, &rec.Key.SessionID,
			&rec.Config.Enabled, &rec.Config.Model, &rec.Config.SystemPrompt, &rec.Config.AutoApprove,
			&rec.Config.Temperature, &rec.Config.MaxTokens, &rec.Config.ConfidenceThreshold,
			&rec.Config.MaxConsecutiveAutoApprovals,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session config row: %w", err)
		}

		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session configs: %w", err)
	}

	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
