// Package responder delivers the one customer-facing message of a turn.
package responder

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/messaging"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/retry"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

// DefaultPolicy gives each send three attempts.
var DefaultPolicy = retry.Policy{
	Attempts:  3,
	Timeout:   15 * time.Second,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  4 * time.Second,
}

// Opts holds responder configuration.
type Opts struct {
	Policy retry.Policy
	Now    func() time.Time
}

// Option configures a Responder.
type Option func(*Opts)

// WithRetryPolicy overrides the send retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Responder selects and sends replies and records every outcome.
type Responder struct {
	sender     messaging.Sender
	deliveries store.DeliveryRepo
	policy     retry.Policy
	now        func() time.Time
}

// New creates a Responder.
func New(sender messaging.Sender, deliveries store.DeliveryRepo, opts ...Option) *Responder {
	cfg := Opts{Policy: DefaultPolicy, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Responder{sender: sender, deliveries: deliveries, policy: cfg.Policy, now: cfg.Now}
}

// Select returns the newest message written by persona. Selection is by
// provenance only; content is never inspected.
func Select(persona models.Persona, messages []models.Message) (models.Message, bool) {
	want := models.PersonaProvenance(persona)
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == models.RoleAgent && m.Source == models.SourceLive && m.Provenance == want {
			return m, true
		}
	}
	return models.Message{}, false
}

// Respond sends the persona's message from messages to the thread's contact.
// It never fails the turn: the outcome is returned and recorded as a
// Delivery whose status is sent, noop or failed.
func (r *Responder) Respond(ctx context.Context, threadID, contactID string, persona models.Persona, messages []models.Message) models.Delivery {
	d := models.Delivery{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ContactID: contactID,
		Persona:   persona,
		CreatedAt: r.now(),
	}

	msg, ok := Select(persona, messages)
	switch {
	case !ok:
		d.Status = models.DeliveryNoop
		slog.Info("Responder.Respond: no persona message this turn", "threadID", threadID, "persona", persona)
	case contactID == "":
		d.Body = msg.Content
		d.Status = models.DeliveryFailed
		d.Error = "thread has no contact id"
		slog.Error("Responder.Respond: cannot send without contact id", "threadID", threadID)
	default:
		d.Body = msg.Content
		attempts, err := retry.Do(ctx, r.policy, "responder.send", func(ctx context.Context) error {
			return r.sender.SendMessage(ctx, contactID, msg.Content)
		})
		d.Attempts = attempts
		if err != nil {
			d.Status = models.DeliveryFailed
			d.Error = err.Error()
			slog.Error("Responder.Respond: delivery failed", "threadID", threadID, "contactID", contactID, "attempts", attempts, "error", err)
		} else {
			d.Status = models.DeliverySent
			slog.Info("Responder.Respond: delivered", "threadID", threadID, "contactID", contactID, "persona", persona, "attempts", attempts)
		}
	}

	if r.deliveries != nil {
		if err := r.deliveries.AddDelivery(d); err != nil {
			slog.Error("Responder.Respond: failed to record delivery", "threadID", threadID, "deliveryID", d.ID, "error", err)
		}
	}
	return d
}
