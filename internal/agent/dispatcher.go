// Package agent runs the cold, warm and hot personas.
//
// A Dispatcher gives one persona a filtered view of the thread, lets the
// model call CRM and calendar tools, and turns the outcome into exactly one
// customer-facing message attributed to that persona. Booking confirmations
// are produced here from real create-appointment results, never taken from
// model text.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/config"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/genai"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/router"
)

// DefaultMaxToolRounds bounds model round trips per dispatch.
const DefaultMaxToolRounds = 4

// CRM is the set of collaborator calls tools may make.
type CRM interface {
	UpdateContactFields(ctx context.Context, contactID string, fields map[string]string) error
	AddNote(ctx context.Context, contactID, text string) error
	CheckAvailability(ctx context.Context, from, to time.Time) ([]models.Slot, error)
	CreateAppointment(ctx context.Context, contactID string, slot models.Slot) (models.Appointment, error)
}

// Rerouter accepts handoff requests from personas.
type Rerouter interface {
	RequestReroute(state *models.ConversationState, target models.Persona, reason string) (router.Decision, error)
}

// Effect is the outcome of one tool call.
type Effect struct {
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Result is what one dispatch produced.
type Result struct {
	Persona models.Persona
	// Messages holds the new persona messages; empty only when Rerouted.
	Messages []models.Message
	Effects  []Effect
	// Rerouted is set when the persona handed the turn off; Next describes
	// where it should go.
	Rerouted bool
	Next     router.Decision
	// Degraded is set when a fixed template replaced model output.
	Degraded bool
}

// Opts holds dispatcher configuration.
type Opts struct {
	MaxToolRounds int
	Now           func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithMaxToolRounds bounds model round trips per dispatch.
func WithMaxToolRounds(n int) Option {
	return func(o *Opts) { o.MaxToolRounds = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Dispatcher runs one persona per call.
type Dispatcher struct {
	gen           genai.ClientInterface
	crm           CRM
	router        Rerouter
	business      *config.Business
	maxToolRounds int
	now           func() time.Time
}

// NewDispatcher creates a Dispatcher. business is read-only for its lifetime.
func NewDispatcher(gen genai.ClientInterface, crm CRM, rr Rerouter, business *config.Business, opts ...Option) *Dispatcher {
	cfg := Opts{MaxToolRounds: DefaultMaxToolRounds, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if business == nil {
		business = config.Default()
	}
	return &Dispatcher{
		gen:           gen,
		crm:           crm,
		router:        rr,
		business:      business,
		maxToolRounds: cfg.MaxToolRounds,
		now:           cfg.Now,
	}
}

// Dispatch runs persona against state. It mutates state's booking and
// routing fields but never appends messages; the caller persists
// Result.Messages. Collaborator failures degrade to template replies, so
// the only errors are programming errors.
func (d *Dispatcher) Dispatch(ctx context.Context, persona models.Persona, state *models.ConversationState, task string) (Result, error) {
	if !persona.Valid() {
		return Result{}, fmt.Errorf("dispatch %q: %w", persona, models.ErrInvalidPersona)
	}
	if state == nil {
		return Result{}, fmt.Errorf("dispatch %s: nil state", persona)
	}
	t := &turn{persona: persona}
	if state.ShouldEnd {
		t.exhausted = true
		return d.finish(state, t, ""), nil
	}

	msgs := chatMessages(d.business, Project(state, persona), task)
	tools := toolsFor(persona)
	content := ""
	for round := 1; round <= d.maxToolRounds; round++ {
		slog.Debug("Dispatcher.Dispatch: round start", "threadID", state.ThreadID, "persona", persona, "round", round, "messageCount", len(msgs))
		resp, err := d.gen.GenerateWithTools(ctx, msgs, tools)
		if err != nil {
			slog.Error("Dispatcher.Dispatch: generation failed", "threadID", state.ThreadID, "persona", persona, "round", round, "error", err)
			break
		}
		if len(resp.ToolCalls) == 0 {
			content = resp.Content
			break
		}
		msgs = d.executeTools(ctx, state, resp, msgs, t)
		if t.rerouted || t.exhausted {
			break
		}
		if resp.Content != "" {
			content = resp.Content
			break
		}
		if round == d.maxToolRounds {
			slog.Warn("Dispatcher.Dispatch: hit maximum tool rounds", "threadID", state.ThreadID, "persona", persona, "maxRounds", d.maxToolRounds)
		}
	}
	return d.finish(state, t, content), nil
}

// finish picks the single reply for the turn.
func (d *Dispatcher) finish(state *models.ConversationState, t *turn, content string) Result {
	res := Result{Persona: t.persona, Effects: t.effects}
	if t.rerouted && !t.exhausted && t.booked == nil {
		res.Rerouted = true
		res.Next = t.next
		return res
	}

	msgs := d.business.Messages
	var reply string
	switch {
	case t.exhausted:
		reply = msgs.RerouteExhausted
		res.Degraded = true
	case t.booked != nil:
		reply = d.business.ConfirmationText(t.booked.Slot)
	case t.bookErr != nil:
		reply = msgs.BookingFailed
		res.Degraded = true
	case content == "":
		reply = msgs.Fallback
		res.Degraded = true
	case claimsBooking(content) && state.Booking.Stage != models.BookingConfirmed:
		slog.Warn("Dispatcher.finish: replaced unverified booking claim", "threadID", state.ThreadID, "persona", t.persona)
		if len(state.Booking.ProposedSlots) > 0 {
			reply = slotsReply(d.business, state.Booking.ProposedSlots)
		} else {
			reply = msgs.Fallback
		}
		res.Degraded = true
	default:
		reply = content
	}

	res.Messages = []models.Message{models.NewPersonaMessage(t.persona, reply, d.now())}
	slog.Info("Dispatcher.finish: reply ready", "threadID", state.ThreadID, "persona", t.persona,
		"degraded", res.Degraded, "toolCalls", len(t.effects), "replyLength", len(reply))
	return res
}

// assistantWithToolCalls echoes the model's tool-call turn back into the
// conversation so tool results can reference it.
func assistantWithToolCalls(resp *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	msg := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: calls,
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}
