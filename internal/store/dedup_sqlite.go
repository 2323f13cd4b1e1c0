package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(messageID, threadID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, thread_id, received_at) VALUES (?, ?, ?)`,
		messageID, threadID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.RecordInbound: duplicate message", "messageID", messageID, "threadID", threadID)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		now, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUnprocessed() ([]DedupRecord, error) {
	rows, err := s.db.Query(
		`SELECT message_id, thread_id, received_at FROM inbound_dedup WHERE processed_at IS NULL ORDER BY received_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed failed: %w", err)
	}
	defer rows.Close()

	var records []DedupRecord
	for rows.Next() {
		var rec DedupRecord
		if err := rows.Scan(&rec.MessageID, &rec.ThreadID, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan unprocessed failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
