package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetThread loads a thread by id.
func (s *PostgresStore) GetThread(threadID string) (*models.ConversationState, error) {
	var stateJSON string
	var score int
	err := s.db.QueryRow(`SELECT state_json, lead_score FROM thread_states WHERE thread_id = $1`, threadID).Scan(&stateJSON, &score)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetThread not found", "threadID", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetThread failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	return decodeState(stateJSON, score)
}

// SaveThread upserts a thread; lead_score is merged with GREATEST so a stale
// writer can never lower it.
func (s *PostgresStore) SaveThread(state *models.ConversationState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	stateJSON, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO thread_states (thread_id, contact_id, conversation_id, lead_score, current_agent, state_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id) DO UPDATE SET
			contact_id = CASE WHEN thread_states.contact_id = '' THEN EXCLUDED.contact_id ELSE thread_states.contact_id END,
			conversation_id = EXCLUDED.conversation_id,
			lead_score = GREATEST(thread_states.lead_score, EXCLUDED.lead_score),
			current_agent = EXCLUDED.current_agent,
			state_json = EXCLUDED.state_json,
			updated_at = EXCLUDED.updated_at`,
		state.ThreadID, state.ContactID, state.ConversationID, models.ClampScore(state.LeadScore),
		string(state.CurrentAgent), stateJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveThread failed", "error", err, "threadID", state.ThreadID)
		return fmt.Errorf("failed to save thread %s: %w", state.ThreadID, err)
	}
	slog.Debug("PostgresStore SaveThread succeeded", "threadID", state.ThreadID, "score", state.LeadScore)
	return nil
}

// GetThreadIDForContact returns the thread bound to a contact.
func (s *PostgresStore) GetThreadIDForContact(contactID string) (string, error) {
	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM contact_threads WHERE contact_id = $1`, contactID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up thread for contact %s: %w", contactID, err)
	}
	return threadID, nil
}

// BindContactThread binds a contact to a thread; the first binding wins.
func (s *PostgresStore) BindContactThread(contactID, threadID string) (string, error) {
	_, err := s.db.Exec(`INSERT INTO contact_threads (contact_id, thread_id, created_at) VALUES ($1, $2, $3) ON CONFLICT (contact_id) DO NOTHING`,
		contactID, threadID, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to bind contact %s: %w", contactID, err)
	}
	return s.GetThreadIDForContact(contactID)
}

// AddDelivery stores a responder outcome.
func (s *PostgresStore) AddDelivery(d models.Delivery) error {
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, thread_id, contact_id, persona, body, status, attempts, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ThreadID, d.ContactID, nilIfEmpty(string(d.Persona)), nilIfEmpty(d.Body),
		string(d.Status), d.Attempts, nilIfEmpty(d.Error), d.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddDelivery failed", "error", err, "threadID", d.ThreadID)
		return fmt.Errorf("failed to insert delivery for %s: %w", d.ThreadID, err)
	}
	return nil
}

// ListDeliveries returns a thread's deliveries, oldest first.
func (s *PostgresStore) ListDeliveries(threadID string) ([]models.Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, contact_id, persona, body, status, attempts, error, created_at
		FROM deliveries WHERE thread_id = $1 ORDER BY created_at, id`, threadID)
	if err != nil {
		slog.Error("PostgresStore ListDeliveries query failed", "error", err)
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery rows: %w", err)
	}
	return out, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
