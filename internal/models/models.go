// Package models defines the core data structures for the lead router.
//
// It includes the per-thread conversation state, the normalized message
// representation, inbound events and delivery records, which are shared
// across modules.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Persona names one of the three conversational roles a thread can be routed to.
type Persona string

const (
	// PersonaCold handles new, unqualified leads (score 1-4).
	PersonaCold Persona = "cold"
	// PersonaWarm handles leads that are qualifying (score 5-7).
	PersonaWarm Persona = "warm"
	// PersonaHot handles qualified leads and books appointments (score 8-10).
	PersonaHot Persona = "hot"
)

// Personas lists every persona in escalation order.
var Personas = []Persona{PersonaCold, PersonaWarm, PersonaHot}

// Valid reports whether p is one of the known personas.
func (p Persona) Valid() bool {
	switch p {
	case PersonaCold, PersonaWarm, PersonaHot:
		return true
	default:
		return false
	}
}

// ParsePersona converts a free-form name into a Persona.
func ParsePersona(s string) (Persona, error) {
	p := Persona(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", ErrInvalidPersona
	}
	return p, nil
}

// Role identifies who authored a message from the conversation's point of view.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Source distinguishes messages received during this session from messages
// imported from the CRM when the thread was created.
type Source string

const (
	SourceLive       Source = "live"
	SourceHistorical Source = "historical"
)

// Provenance records which pipeline stage produced a message. The responder
// selects outbound text by provenance, never by content.
type Provenance string

const (
	ProvenanceCustomer   Provenance = "customer"
	ProvenanceRouter     Provenance = "router"
	ProvenanceStateStore Provenance = "state_store"
	ProvenanceCRM        Provenance = "crm_history"
)

// PersonaProvenance returns the provenance tag for messages written by a persona.
func PersonaProvenance(p Persona) Provenance {
	return Provenance("persona:" + string(p))
}

// Message is the single normalized message shape used by every stage.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     Source     `json:"source"`
	Provenance Provenance `json:"provenance"`
	// ExternalID is the provider's message id when known.
	ExternalID string `json:"external_id,omitempty"`
}

// NewCustomerMessage builds a live customer message.
func NewCustomerMessage(content string, at time.Time, externalID string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleCustomer,
		Content:    content,
		Timestamp:  at,
		Source:     SourceLive,
		Provenance: ProvenanceCustomer,
		ExternalID: externalID,
	}
}

// NewPersonaMessage builds a live agent message attributed to a persona.
func NewPersonaMessage(p Persona, content string, at time.Time) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleAgent,
		Content:    content,
		Timestamp:  at,
		Source:     SourceLive,
		Provenance: PersonaProvenance(p),
	}
}

// NewHistoricalMessage builds a message imported from CRM history.
func NewHistoricalMessage(entry HistoryEntry) Message {
	role := entry.Role
	if role == "" {
		role = RoleCustomer
	}
	return Message{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    entry.Text,
		Timestamp:  entry.Timestamp,
		Source:     SourceHistorical,
		Provenance: ProvenanceCRM,
		ExternalID: entry.ExternalID,
	}
}

// HistoryEntry is one message from the CRM's conversation history.
type HistoryEntry struct {
	ExternalID string    `json:"external_id,omitempty"`
	Text       string    `json:"text"`
	Role       Role      `json:"role"`
	Timestamp  time.Time `json:"timestamp"`
}

// Field names one of the structured fields extracted from customer messages.
type Field string

const (
	FieldName         Field = "name"
	FieldBusinessType Field = "business_type"
	FieldBudget       Field = "budget"
	FieldGoal         Field = "goal"
	FieldEmail        Field = "email"
)

// Fields lists every extracted field in collection order.
var Fields = []Field{FieldName, FieldBusinessType, FieldGoal, FieldBudget, FieldEmail}

// ExtractedData maps a field to its accepted value. An absent key means the
// field is unknown; values are never stored empty.
type ExtractedData map[Field]string

// Has reports whether f holds a non-empty value.
func (d ExtractedData) Has(f Field) bool {
	return strings.TrimSpace(d[f]) != ""
}

// Clone returns an independent copy.
func (d ExtractedData) Clone() ExtractedData {
	out := make(ExtractedData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Known returns the populated fields in collection order.
func (d ExtractedData) Known() []Field {
	var out []Field
	for _, f := range Fields {
		if d.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Coalesce applies patch field by field: a non-empty value replaces the
// stored one, an empty or absent value leaves it alone. It returns the
// fields whose value changed, in collection order.
func (d ExtractedData) Coalesce(patch ExtractedData) []Field {
	var changed []Field
	for _, f := range Fields {
		v := strings.TrimSpace(patch[f])
		if v == "" || d[f] == v {
			continue
		}
		d[f] = v
		changed = append(changed, f)
	}
	return changed
}

// Missing returns the unpopulated fields in collection order.
func (d ExtractedData) Missing() []Field {
	var out []Field
	for _, f := range Fields {
		if !d.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Error variables for better error handling and testability
var (
	ErrInvalidPersona  = errors.New("invalid persona")
	ErrEmptyMessage    = errors.New("message text cannot be empty")
	ErrMissingIdentity = errors.New("event has neither a conversation id nor a contact id")
)
