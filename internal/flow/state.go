// Package flow owns per-thread conversation state and runs the
// Router → Dispatcher → Responder pipeline for each inbound event.
package flow

import (
	"context"
	"errors"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/agent"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

var (
	// ErrNoThreadIdentity is returned when an event has neither a
	// conversation id nor a contact id. A thread id is never invented.
	ErrNoThreadIdentity = errors.New("no stable thread identity")
	// ErrThreadNotFound is returned by Get for unknown thread ids.
	ErrThreadNotFound = errors.New("thread not found")
)

// HistorySource supplies what a new thread needs from the CRM.
type HistorySource interface {
	GetContact(ctx context.Context, contactID string) (models.ContactProfile, error)
	GetHistory(ctx context.Context, contactID string, limit int) ([]models.HistoryEntry, error)
}

// FieldSyncer pushes extracted fields and the score back to the CRM contact.
type FieldSyncer interface {
	UpdateContactFields(ctx context.Context, contactID string, fields map[string]string) error
}

// Dispatcher runs one persona for a thread.
type Dispatcher interface {
	Dispatch(ctx context.Context, persona models.Persona, state *models.ConversationState, task string) (agent.Result, error)
}

// Responder sends the turn's customer-facing message.
type Responder interface {
	Respond(ctx context.Context, threadID, contactID string, persona models.Persona, messages []models.Message) models.Delivery
}
