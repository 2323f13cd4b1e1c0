package store

import (
	"time"
)

// DedupRecord represents an inbound webhook deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ThreadID    string     `json:"thread_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// The CRM retries webhooks, so the same provider message id can arrive more
// than once.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, threadID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// ListUnprocessed returns recorded messages that were never marked
	// processed, oldest first.
	ListUnprocessed() ([]DedupRecord, error)
}
