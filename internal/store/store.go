// Package store provides storage backends for the lead router.
//
// Thread state, contact bindings, inbound dedup records and delivery outcomes
// are persisted in SQLite (default) or PostgreSQL. An in-memory store is
// provided for tests and ephemeral runs.
package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN:
// "postgres" for URLs or key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// ThreadRepo persists conversation state keyed by thread id.
type ThreadRepo interface {
	// GetThread returns nil, nil when the thread does not exist.
	GetThread(threadID string) (*models.ConversationState, error)
	// SaveThread upserts a thread. The stored lead score never decreases.
	SaveThread(state *models.ConversationState) error
	// GetThreadIDForContact returns "" when the contact has no bound thread.
	GetThreadIDForContact(contactID string) (string, error)
	// BindContactThread binds contactID to threadID unless a binding already
	// exists, and returns the thread id that is bound after the call.
	BindContactThread(contactID, threadID string) (string, error)
}

// DeliveryRepo records responder outcomes.
type DeliveryRepo interface {
	AddDelivery(d models.Delivery) error
	ListDeliveries(threadID string) ([]models.Delivery, error)
}

// Store is the full persistence surface used by the router process.
type Store interface {
	ThreadRepo
	DedupRepo
	DeliveryRepo
	Close() error
}

// NewStore opens the backend matching the DSN type.
func NewStore(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("store.NewStore: using Postgres backend")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("store.NewStore: using SQLite backend", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
