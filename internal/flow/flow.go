package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/agent"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/ghl"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/router"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

// OutcomeStatus summarizes what HandleInbound did with an event.
type OutcomeStatus string

const (
	// OutcomeProcessed means the event ran through the whole pipeline.
	OutcomeProcessed OutcomeStatus = "processed"
	// OutcomeDuplicate means the event was already handled and was skipped.
	OutcomeDuplicate OutcomeStatus = "duplicate"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	ThreadID string          `json:"thread_id"`
	Status   OutcomeStatus   `json:"status"`
	Persona  models.Persona  `json:"persona,omitempty"`
	Score    int             `json:"score,omitempty"`
	Effects  []agent.Effect  `json:"effects,omitempty"`
	Delivery models.Delivery `json:"delivery"`
}

// PipelineOpts holds pipeline configuration.
type PipelineOpts struct {
	ScoreFieldKey string
	Now           func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*PipelineOpts)

// WithScoreFieldKey names the CRM custom field that receives the score.
// An empty key disables score sync.
func WithScoreFieldKey(key string) PipelineOption {
	return func(o *PipelineOpts) { o.ScoreFieldKey = key }
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(o *PipelineOpts) { o.Now = now }
}

// Pipeline runs Router → Dispatcher → Responder for inbound events.
type Pipeline struct {
	threads    *ThreadStore
	dedup      store.DedupRepo
	router     *router.Router
	dispatcher Dispatcher
	responder  Responder
	sync       FieldSyncer
	scoreKey   string
	now        func() time.Time
}

// NewPipeline wires a Pipeline. dedup and sync may be nil.
func NewPipeline(threads *ThreadStore, dedup store.DedupRepo, rt *router.Router, d Dispatcher, r Responder, sync FieldSyncer, opts ...PipelineOption) *Pipeline {
	cfg := PipelineOpts{ScoreFieldKey: ghl.ScoreFieldKey, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		threads:    threads,
		dedup:      dedup,
		router:     rt,
		dispatcher: d,
		responder:  r,
		sync:       sync,
		scoreKey:   cfg.ScoreFieldKey,
		now:        cfg.Now,
	}
}

// Threads returns the pipeline's thread store.
func (p *Pipeline) Threads() *ThreadStore {
	return p.threads
}

// HandleInbound processes one customer message end to end while holding the
// thread's lock. Collaborator failures degrade inside the stages; errors are
// returned only for invalid events and persistence failures.
func (p *Pipeline) HandleInbound(ctx context.Context, ev models.InboundEvent) (Outcome, error) {
	if strings.TrimSpace(ev.Text) == "" {
		return Outcome{}, models.ErrEmptyMessage
	}
	threadID, err := p.threads.Resolve(ev)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ThreadID: threadID, Status: OutcomeProcessed}

	if ev.MessageID != "" && p.dedup != nil {
		fresh, err := p.dedup.RecordInbound(ev.MessageID, threadID)
		if err != nil {
			return out, fmt.Errorf("record inbound %s: %w", ev.MessageID, err)
		}
		if !fresh {
			slog.Info("Pipeline.HandleInbound: duplicate webhook skipped", "threadID", threadID, "messageID", ev.MessageID)
			out.Status = OutcomeDuplicate
			return out, nil
		}
	}

	unlock := p.threads.Lock(threadID)
	defer unlock()

	state, created, err := p.threads.LoadOrCreate(ctx, threadID, ev)
	if err != nil {
		return out, err
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}
	msg, dup := p.threads.AppendMessage(state, models.NewCustomerMessage(strings.TrimSpace(ev.Text), received, ev.MessageID))
	if dup {
		out.Status = OutcomeDuplicate
		out.Score = state.LeadScore
		p.markProcessed(ev.MessageID)
		return out, nil
	}

	if err := p.runTurn(ctx, state, msg, created, &out); err != nil {
		return out, err
	}
	p.markProcessed(ev.MessageID)
	return out, nil
}

// ResumeTurn finishes a turn whose inbound message was recorded but never
// marked processed, typically because the process stopped mid-turn. A
// message that never reached the thread, or that already has a reply, is
// only marked processed.
func (p *Pipeline) ResumeTurn(ctx context.Context, threadID, messageID string) (Outcome, error) {
	out := Outcome{ThreadID: threadID, Status: OutcomeDuplicate}
	unlock := p.threads.Lock(threadID)
	defer unlock()

	state, err := p.threads.Get(threadID)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			slog.Warn("Pipeline.ResumeTurn: thread never created, message dropped", "threadID", threadID, "messageID", messageID)
			p.markProcessed(messageID)
			return out, nil
		}
		return out, err
	}
	out.Score = state.LeadScore

	msg, answered, found := pendingCustomerMessage(state, messageID)
	switch {
	case !found:
		slog.Warn("Pipeline.ResumeTurn: message not in thread, marking processed", "threadID", threadID, "messageID", messageID)
	case answered:
		slog.Info("Pipeline.ResumeTurn: turn already answered", "threadID", threadID, "messageID", messageID)
	default:
		out.Status = OutcomeProcessed
		if err := p.runTurn(ctx, state, msg, false, &out); err != nil {
			return out, err
		}
		slog.Info("Pipeline.ResumeTurn: interrupted turn completed", "threadID", threadID, "messageID", messageID,
			"persona", out.Persona, "delivery", out.Delivery.Status)
	}
	p.markProcessed(messageID)
	return out, nil
}

// pendingCustomerMessage finds the live customer message carrying
// messageID and reports whether a live agent reply follows it.
func pendingCustomerMessage(state *models.ConversationState, messageID string) (models.Message, bool, bool) {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Source != models.SourceLive || m.Role != models.RoleCustomer || m.ExternalID != messageID {
			continue
		}
		for _, later := range state.Messages[i+1:] {
			if later.Source == models.SourceLive && later.Role == models.RoleAgent {
				return m, true, true
			}
		}
		return m, false, true
	}
	return models.Message{}, false, false
}

// runTurn routes msg, dispatches the chosen persona and delivers its reply.
// msg must already be appended to state.
func (p *Pipeline) runTurn(ctx context.Context, state *models.ConversationState, msg models.Message, created bool, out *Outcome) error {
	threadID := state.ThreadID
	decision, err := p.router.Route(state, msg)
	if err != nil {
		return fmt.Errorf("route thread %s: %w", threadID, err)
	}
	if err := p.threads.Persist(state); err != nil {
		return err
	}
	slog.Info("Pipeline.runTurn: routed", "threadID", threadID, "created", created,
		"persona", decision.Persona, "score", decision.Score, "escalated", decision.Escalated)
	p.syncFields(ctx, state, decision)

	res, err := p.dispatch(ctx, state, decision)
	if err != nil {
		return err
	}
	state.Messages = append(state.Messages, res.Messages...)
	if err := p.threads.Persist(state); err != nil {
		return err
	}

	out.Persona = res.Persona
	out.Score = state.LeadScore
	out.Effects = res.Effects
	out.Delivery = p.responder.Respond(ctx, threadID, state.ContactID, res.Persona, res.Messages)
	return nil
}

// dispatch runs the routed persona, following reroutes until a persona
// answers. The router bounds the number of reroutes.
func (p *Pipeline) dispatch(ctx context.Context, state *models.ConversationState, decision router.Decision) (agent.Result, error) {
	persona, task := decision.Persona, decision.Task
	var effects []agent.Effect
	for hop := 0; hop <= router.MaxRoutingAttempts; hop++ {
		res, err := p.dispatcher.Dispatch(ctx, persona, state, task)
		if err != nil {
			return agent.Result{}, fmt.Errorf("dispatch thread %s: %w", state.ThreadID, err)
		}
		effects = append(effects, res.Effects...)
		if !res.Rerouted {
			res.Effects = effects
			return res, nil
		}
		slog.Info("Pipeline.dispatch: persona handed off", "threadID", state.ThreadID,
			"from", persona, "to", res.Next.Persona, "attempts", state.RoutingAttempts)
		persona, task = res.Next.Persona, res.Next.Task
	}
	return agent.Result{}, fmt.Errorf("dispatch thread %s: %w", state.ThreadID, router.ErrRerouteExhausted)
}

// syncFields pushes changed extracted fields and the score to the CRM. It
// is best effort: failures are logged and never block the reply.
func (p *Pipeline) syncFields(ctx context.Context, state *models.ConversationState, decision router.Decision) {
	if p.sync == nil || state.ContactID == "" {
		return
	}
	fields := make(map[string]string, len(decision.Changed)+1)
	for _, f := range decision.Changed {
		if v := state.ExtractedData[f]; v != "" {
			fields[string(f)] = v
		}
	}
	if p.scoreKey != "" {
		fields[p.scoreKey] = strconv.Itoa(state.LeadScore)
	}
	if len(fields) == 0 {
		return
	}
	if err := p.sync.UpdateContactFields(ctx, state.ContactID, fields); err != nil {
		var apiErr *ghl.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("Pipeline.syncFields: CRM rejected field update", "threadID", state.ThreadID,
				"status", apiErr.StatusCode, "error", err)
			return
		}
		slog.Warn("Pipeline.syncFields: CRM field update failed", "threadID", state.ThreadID, "error", err)
	}
}

func (p *Pipeline) markProcessed(messageID string) {
	if messageID == "" || p.dedup == nil {
		return
	}
	if err := p.dedup.MarkProcessed(messageID); err != nil {
		slog.Error("Pipeline.markProcessed: failed to mark message processed", "messageID", messageID, "error", err)
	}
}
