// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ninjasquad/sensai/internal/domain"
)

// SessionConfigRecord pairs a persisted session config with its identity
// and last-write timestamp.
type SessionConfigRecord struct {
	Key       domain.SessionKey
	Config    domain.SessionConfig
	UpdatedAt time.Time
}

// Repository defines the interface for persisting session configuration.
type Repository interface {
	// GetSessionConfig retrieves the stored config for a session.
	// Returns (nil, nil) when no config has been stored.
	GetSessionConfig(ctx context.Context, key domain.SessionKey) (*domain.SessionConfig, error)

	// UpsertSessionConfig creates or updates the stored config for a session.
	UpsertSessionConfig(ctx context.Context, key domain.SessionKey, cfg domain.SessionConfig) error

	// DeleteSessionConfig removes the stored config for a session.
	DeleteSessionConfig(ctx context.Context, key domain.SessionKey) error

	// ListSessionConfigs retrieves every stored session config, oldest write first.
	ListSessionConfigs(ctx context.Context) ([]SessionConfigRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
