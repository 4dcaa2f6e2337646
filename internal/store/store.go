// Package store defines the persistence interface for broker session state
// and provides SQLite and PostgreSQL implementations.
//
// The broker itself is state-light; the store carries session credential
// blobs across restarts, the small KV the popup coordinator persists its
// window name into, and an audit trail of auth transitions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/iblai/iblai-web-mentor/internal/config"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is one persisted credential blob, keyed by tenant.
type SessionRecord struct {
	Tenant      string    `json:"tenant"`
	UserID      int64     `json:"user_id"`
	Credentials string    `json:"credentials"` // serialized session.Credentials
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuthEvent records one auth state transition for the audit trail.
type AuthEvent struct {
	ID        int64     `json:"id"`
	Tenant    string    `json:"tenant"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"` // e.g. "refresh", "redirect", "user_switch"
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface for the broker.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, tenant string) (*SessionRecord, error)
	PutSession(ctx context.Context, rec *SessionRecord) error
	DeleteSession(ctx context.Context, tenant string) error

	// Generic KV (popup coordinator state)
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Audit
	LogAuthEvent(ctx context.Context, ev *AuthEvent) error
	ListAuthEvents(ctx context.Context, tenant string, limit int) ([]AuthEvent, error)

	Close() error
}

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, errors.New("store: unsupported storage driver: " + cfg.Driver)
	}
}
