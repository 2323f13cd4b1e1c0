// Package messaging provides the outbound message channel used by the responder.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// ErrSendFailed wraps every failure to hand a message to the channel.
var ErrSendFailed = errors.New("send failed")

// Sender delivers one text to a CRM contact.
type Sender interface {
	SendMessage(ctx context.Context, contactID, body string) error
}

// ContactMessenger is the CRM capability used by GHLSender.
type ContactMessenger interface {
	SendMessage(ctx context.Context, contactID, body string) error
}

// ContactLookup resolves a contact to its profile.
type ContactLookup interface {
	GetContact(ctx context.Context, contactID string) (models.ContactProfile, error)
}

// PhoneSender sends to an E.164 phone number (Twilio or a linked WhatsApp account).
type PhoneSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// GHLSender sends through the CRM's own conversation channel.
type GHLSender struct {
	crm ContactMessenger
}

var _ Sender = (*GHLSender)(nil)

// NewGHLSender creates a GHLSender.
func NewGHLSender(crm ContactMessenger) *GHLSender {
	return &GHLSender{crm: crm}
}

// SendMessage sends body to contactID via the CRM.
func (s *GHLSender) SendMessage(ctx context.Context, contactID, body string) error {
	if err := s.crm.SendMessage(ctx, contactID, body); err != nil {
		return fmt.Errorf("%w: ghl: %w", ErrSendFailed, err)
	}
	slog.Debug("GHLSender.SendMessage: sent", "contactID", contactID)
	return nil
}

// ContactPhoneSender looks up the contact's phone in the CRM and sends over
// a phone-addressed channel.
type ContactPhoneSender struct {
	contacts ContactLookup
	phone    PhoneSender
	channel  string
}

var _ Sender = (*ContactPhoneSender)(nil)

// NewContactPhoneSender creates a ContactPhoneSender. channel names the
// transport in errors and logs.
func NewContactPhoneSender(contacts ContactLookup, phone PhoneSender, channel string) *ContactPhoneSender {
	return &ContactPhoneSender{contacts: contacts, phone: phone, channel: channel}
}

// SendMessage resolves contactID to a phone number and sends body to it.
func (s *ContactPhoneSender) SendMessage(ctx context.Context, contactID, body string) error {
	profile, err := s.contacts.GetContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("%w: lookup contact %s: %w", ErrSendFailed, contactID, err)
	}
	phone, err := CanonicalizePhone(profile.Phone)
	if err != nil {
		return fmt.Errorf("%w: contact %s: %w", ErrSendFailed, contactID, err)
	}
	if err := s.phone.SendMessage(ctx, "+"+phone, body); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, s.channel, err)
	}
	slog.Debug("ContactPhoneSender.SendMessage: sent", "contactID", contactID, "channel", s.channel)
	return nil
}

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone strips everything but digits and requires at least 6.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigitRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalizePhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
