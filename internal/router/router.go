// Package router picks the persona that answers each customer turn.
//
// The router only ever writes routing metadata (score, next agent, task,
// reroute counters) onto the conversation state. It never produces text for
// the customer.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/lead"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

const (
	// WarmFloor is the lowest warm score; lower scores are cold.
	WarmFloor = 5
	// HotFloor is the lowest hot score.
	HotFloor = 8
	// EscalationFloor is the lowest warm score the soft override may promote.
	EscalationFloor = 7
	// MaxRoutingAttempts is how many consecutive reroutes end the turn.
	MaxRoutingAttempts = 2
)

var (
	// ErrRerouteExhausted is returned once a turn has been rerouted MaxRoutingAttempts times.
	ErrRerouteExhausted = errors.New("reroute attempts exhausted")
	// ErrNotCustomerMessage is returned when Route is given anything other
	// than a live customer message.
	ErrNotCustomerMessage = errors.New("route requires a live customer message")
)

// Opts holds router configuration.
type Opts struct {
	MinBudget int
}

// Option configures a Router.
type Option func(*Opts)

// WithMinBudget sets the monthly budget that earns budget points.
func WithMinBudget(n int) Option {
	return func(o *Opts) { o.MinBudget = n }
}

// Router scores a thread and selects its next persona.
type Router struct {
	minBudget int
}

// New creates a Router.
func New(opts ...Option) *Router {
	cfg := Opts{MinBudget: lead.DefaultMinBudget}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MinBudget <= 0 {
		cfg.MinBudget = lead.DefaultMinBudget
	}
	return &Router{minBudget: cfg.MinBudget}
}

// Decision is the routing outcome of one turn.
type Decision struct {
	Persona   models.Persona
	Task      string
	Score     int
	Reasoning string
	// Escalated is true when EscalateWarmToHot promoted a warm score.
	Escalated bool
	// Changed lists extracted fields whose stored value changed this turn.
	Changed []models.Field
}

// Route runs extraction on msg alone, merges the result into state, rescores
// and selects the next persona. msg must already be appended to state.
func (r *Router) Route(state *models.ConversationState, msg models.Message) (Decision, error) {
	if msg.Role != models.RoleCustomer || msg.Source != models.SourceLive {
		return Decision{}, ErrNotCustomerMessage
	}
	if state.ExtractedData == nil {
		state.ExtractedData = models.ExtractedData{}
	}

	extraction := lead.Extract(msg.Content, state.ExtractedData)
	changed := state.ExtractedData.Coalesce(extraction.Values())

	var prevAgent string
	if m, ok := state.PreviousAgentMessage(); ok {
		prevAgent = m.Content
	}
	res := lead.Score(lead.ScoreInput{
		Data:              state.ExtractedData,
		PreviousScore:     state.LeadScore,
		CustomerText:      msg.Content,
		PreviousAgentText: prevAgent,
		MinBudget:         r.minBudget,
	})
	if res.BudgetConfirmed {
		state.BudgetConfirmed = true
		changed = append(changed, state.ExtractedData.Coalesce(models.ExtractedData{models.FieldBudget: res.ConfirmedBudget})...)
	}
	if res.Score > state.LeadScore {
		state.LeadScore = res.Score
	}
	state.ScoreReasoning = res.Reasoning

	persona := PersonaForScore(state.LeadScore)
	escalated := false
	if persona == models.PersonaWarm && EscalateWarmToHot(state, msg.Content) {
		persona = models.PersonaHot
		escalated = true
	}

	state.CurrentAgent = state.NextAgent
	state.NextAgent = persona
	state.AgentTask = SynthesizeTask(persona, state)
	state.RoutingAttempts = 0
	state.ShouldEnd = false

	slog.Debug("Router.Route: routed", "threadID", state.ThreadID, "score", state.LeadScore,
		"persona", persona, "escalated", escalated, "changed", changed)
	return Decision{
		Persona:   persona,
		Task:      state.AgentTask,
		Score:     state.LeadScore,
		Reasoning: state.ScoreReasoning,
		Escalated: escalated,
		Changed:   changed,
	}, nil
}

// RequestReroute records an agent's request to hand the turn to target. An
// invalid or identical target falls back to the score-based persona. Once
// MaxRoutingAttempts is reached the state is marked to end and
// ErrRerouteExhausted is returned.
func (r *Router) RequestReroute(state *models.ConversationState, target models.Persona, reason string) (Decision, error) {
	state.RoutingAttempts++
	if state.RoutingAttempts >= MaxRoutingAttempts {
		state.ShouldEnd = true
		slog.Warn("Router.RequestReroute: reroute attempts exhausted", "threadID", state.ThreadID,
			"attempts", state.RoutingAttempts, "reason", reason)
		return Decision{Persona: state.NextAgent, Score: state.LeadScore, Reasoning: state.ScoreReasoning},
			fmt.Errorf("thread %s: %w", state.ThreadID, ErrRerouteExhausted)
	}

	if !target.Valid() || target == state.NextAgent {
		target = PersonaForScore(state.LeadScore)
	}
	state.CurrentAgent = state.NextAgent
	state.NextAgent = target
	state.AgentTask = SynthesizeTask(target, state)
	slog.Info("Router.RequestReroute: rerouted", "threadID", state.ThreadID, "from", state.CurrentAgent,
		"to", target, "attempt", state.RoutingAttempts, "reason", reason)
	return Decision{
		Persona:   target,
		Task:      state.AgentTask,
		Score:     state.LeadScore,
		Reasoning: state.ScoreReasoning,
	}, nil
}

// PersonaForScore maps a score to a persona; bounds are inclusive.
func PersonaForScore(score int) models.Persona {
	switch {
	case score >= HotFloor:
		return models.PersonaHot
	case score >= WarmFloor:
		return models.PersonaWarm
	default:
		return models.PersonaCold
	}
}

var interestCues = []string{
	"agendar", "agenda", "cita", "reunión", "reunion", "llamada", "demo",
	"contratar", "comprar", "empezar", "comenzar", "cuándo podemos", "cuando podemos",
	"book", "schedule", "appointment", "meeting", "call", "sign up", "buy", "purchase",
	"get started", "start", "when can we", "let's do it", "lets do it", "hagámoslo", "hagamoslo",
}

// HasStrongInterest reports whether text carries an explicit scheduling or
// buying cue.
func HasStrongInterest(text string) bool {
	padded := " " + strings.Join(strings.FieldsFunc(strings.ToLower(text), isSeparator), " ") + " "
	for _, cue := range interestCues {
		if strings.Contains(padded, " "+cue+" ") {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', ',', '.', '!', '?', '¿', '¡', ';', ':':
		return true
	}
	return false
}

// EscalateWarmToHot is the soft override that promotes a warm lead: score at
// least EscalationFloor, email on file, and a strong interest cue in text.
func EscalateWarmToHot(state *models.ConversationState, text string) bool {
	if state.LeadScore < EscalationFloor || state.LeadScore >= HotFloor {
		return false
	}
	return state.ExtractedData.Has(models.FieldEmail) && HasStrongInterest(text)
}

var fieldPhrases = map[models.Field]string{
	models.FieldName:         "their name",
	models.FieldBusinessType: "their type of business",
	models.FieldGoal:         "their main goal",
	models.FieldBudget:       "budget confirmation",
	models.FieldEmail:        "their email",
}

// personaFields lists, per persona, which missing fields it should pursue.
var personaFields = map[models.Persona][]models.Field{
	models.PersonaCold: {models.FieldName, models.FieldBusinessType, models.FieldGoal},
	models.PersonaWarm: {models.FieldBudget, models.FieldGoal, models.FieldEmail, models.FieldName, models.FieldBusinessType},
	models.PersonaHot:  {models.FieldEmail},
}

// SynthesizeTask writes the directive for persona. It only ever names
// fields that are still missing.
func SynthesizeTask(persona models.Persona, state *models.ConversationState) string {
	var wanted []string
	for _, f := range personaFields[persona] {
		if !state.ExtractedData.Has(f) {
			wanted = append(wanted, fieldPhrases[f])
		}
	}
	collect := ""
	if len(wanted) > 0 {
		collect = "collect " + joinList(wanted)
	}

	switch persona {
	case models.PersonaHot:
		var step string
		switch state.Booking.Stage {
		case models.BookingConfirmed:
			step = "appointment already confirmed; answer follow-up questions"
		case models.BookingProposed:
			step = "get the customer's choice among the proposed times and book it"
		default:
			step = "offer available appointment times"
		}
		if collect != "" {
			return step + "; " + collect
		}
		return step
	case models.PersonaWarm:
		if collect == "" {
			return "explain how the service fits their goal and invite them to book a call"
		}
		return collect
	default:
		if collect == "" {
			return "build rapport and ask what they want to achieve"
		}
		return "build rapport and " + collect
	}
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
