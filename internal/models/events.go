package models

import (
	"strings"
	"time"
)

// ContactProfile is the CRM's view of a contact.
type ContactProfile struct {
	Name         string            `json:"name,omitempty"`
	Email        string            `json:"email,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// InboundEvent is one customer message delivered by the webhook layer.
type InboundEvent struct {
	// ConversationID is the thread hint from the provider; may be empty.
	ConversationID string         `json:"conversation_id,omitempty"`
	ContactID      string         `json:"contact_id"`
	MessageID      string         `json:"message_id,omitempty"`
	Text           string         `json:"text"`
	Profile        ContactProfile `json:"profile"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// Validate checks the event carries text and at least one identity key.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.Text) == "" {
		return ErrEmptyMessage
	}
	if strings.TrimSpace(e.ConversationID) == "" && strings.TrimSpace(e.ContactID) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// AppointmentStatus is the CRM-side status of a booked appointment.
type AppointmentStatus string

const (
	AppointmentProposed  AppointmentStatus = "proposed"
	AppointmentConfirmed AppointmentStatus = "confirmed"
)

// Appointment is the result of a successful create-appointment call.
type Appointment struct {
	ID        string            `json:"id"`
	ContactID string            `json:"contact_id"`
	Slot      Slot              `json:"slot"`
	Status    AppointmentStatus `json:"status"`
}

// DeliveryStatus is the outcome of one responder run.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryNoop   DeliveryStatus = "noop"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records what the responder did for one turn.
type Delivery struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	ContactID string         `json:"contact_id"`
	Persona   Persona        `json:"persona,omitempty"`
	Body      string         `json:"body,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
