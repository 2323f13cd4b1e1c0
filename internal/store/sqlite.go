package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// GetThread loads a thread by id.
func (s *SQLiteStore) GetThread(threadID string) (*models.ConversationState, error) {
	var stateJSON string
	var score int
	err := s.db.QueryRow(`SELECT state_json, lead_score FROM thread_states WHERE thread_id = ?`, threadID).Scan(&stateJSON, &score)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetThread not found", "threadID", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetThread failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	return decodeState(stateJSON, score)
}

// SaveThread upserts a thread; lead_score is merged with MAX so a stale
// writer can never lower it.
func (s *SQLiteStore) SaveThread(state *models.ConversationState) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			contact_id = CASE WHEN thread_states.contact_id = '' THEN excluded.contact_id ELSE thread_states.contact_id END,
			conversation_id = excluded.conversation_id,
			lead_score = MAX(thread_states.lead_score, excluded.lead_score),
			current_agent = excluded.current_agent,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		state.ThreadID, state.ContactID, state.ConversationID, models.ClampScore(state.LeadScore),
		string(state.CurrentAgent), stateJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveThread failed", "error", err, "threadID", state.ThreadID)
		return fmt.Errorf("failed to save thread %s: %w", state.ThreadID, err)
	}
	slog.Debug("SQLiteStore SaveThread succeeded", "threadID", state.ThreadID, "score", state.LeadScore, "messages", len(state.Messages))
	return nil
}

// GetThreadIDForContact returns the thread bound to a contact.
func (s *SQLiteStore) GetThreadIDForContact(contactID string) (string, error) {
	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM contact_threads WHERE contact_id = ?`, contactID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up thread for contact %s: %w", contactID, err)
	}
	return threadID, nil
}

// BindContactThread binds a contact to a thread; the first binding wins.
func (s *SQLiteStore) BindContactThread(contactID, threadID string) (string, error) {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO contact_threads (contact_id, thread_id, created_at) VALUES (?, ?, ?)`,
		contactID, threadID, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to bind contact %s: %w", contactID, err)
	}
	return s.GetThreadIDForContact(contactID)
}

// AddDelivery stores a responder outcome.
func (s *SQLiteStore) AddDelivery(d models.Delivery) error {
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, thread_id, contact_id, persona, body, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ThreadID, d.ContactID, nilIfEmpty(string(d.Persona)), nilIfEmpty(d.Body),
		string(d.Status), d.Attempts, nilIfEmpty(d.Error), d.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddDelivery failed", "error", err, "threadID", d.ThreadID)
		return fmt.Errorf("failed to insert delivery for %s: %w", d.ThreadID, err)
	}
	slog.Debug("SQLiteStore AddDelivery succeeded", "threadID", d.ThreadID, "status", d.Status)
	return nil
}

// ListDeliveries returns a thread's deliveries, oldest first.
func (s *SQLiteStore) ListDeliveries(threadID string) ([]models.Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, contact_id, persona, body, status, attempts, error, created_at
		FROM deliveries WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		slog.Error("SQLiteStore ListDeliveries query failed", "error", err)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
