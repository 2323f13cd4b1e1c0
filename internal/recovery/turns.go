package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/flow"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

// DefaultMaxAge bounds how old an interrupted turn may be and still get a
// reply. Older turns are closed without answering.
const DefaultMaxAge = 30 * time.Minute

// PendingSource lists inbound messages that were never marked processed.
type PendingSource interface {
	ListUnprocessed() ([]store.DedupRecord, error)
	MarkProcessed(messageID string) error
}

// TurnResumer finishes one interrupted turn.
type TurnResumer interface {
	ResumeTurn(ctx context.Context, threadID, messageID string) (flow.Outcome, error)
}

// TurnOpts configures TurnRecovery.
type TurnOpts struct {
	MinAge time.Duration
	MaxAge time.Duration
	Now    func() time.Time
}

// TurnOption configures TurnRecovery.
type TurnOption func(*TurnOpts)

// WithMaxAge sets how old a pending turn may be and still be resumed.
func WithMaxAge(d time.Duration) TurnOption {
	return func(o *TurnOpts) { o.MaxAge = d }
}

// WithMinAge leaves turns younger than d alone. Periodic sweeps set it to
// the turn timeout so in-flight turns are not resumed twice.
func WithMinAge(d time.Duration) TurnOption {
	return func(o *TurnOpts) { o.MinAge = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TurnOption {
	return func(o *TurnOpts) { o.Now = now }
}

// TurnRecovery resumes customer turns that were accepted but not finished
// before the previous process stopped.
type TurnRecovery struct {
	pending PendingSource
	resumer TurnResumer
	minAge  time.Duration
	maxAge  time.Duration
	now     func() time.Time
}

var _ Recoverable = (*TurnRecovery)(nil)

// NewTurnRecovery creates a TurnRecovery.
func NewTurnRecovery(pending PendingSource, resumer TurnResumer, opts ...TurnOption) *TurnRecovery {
	cfg := TurnOpts{MaxAge: DefaultMaxAge, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TurnRecovery{pending: pending, resumer: resumer, minAge: cfg.MinAge, maxAge: cfg.MaxAge, now: cfg.Now}
}

// Name implements Recoverable.
func (r *TurnRecovery) Name() string { return "turns" }

// Sweep runs RecoverState as a scheduled job, logging failures.
func (r *TurnRecovery) Sweep(ctx context.Context) {
	if err := r.RecoverState(ctx); err != nil {
		slog.Warn("TurnRecovery.Sweep: sweep finished with errors", "error", err)
	}
}

// RecoverState resumes each pending turn in arrival order. Turns older than
// the max age are marked processed without a reply so a stale question is
// not answered hours later.
func (r *TurnRecovery) RecoverState(ctx context.Context) error {
	records, err := r.pending.ListUnprocessed()
	if err != nil {
		return fmt.Errorf("list pending turns: %w", err)
	}
	if len(records) == 0 {
		slog.Debug("TurnRecovery.RecoverState: no pending turns")
		return nil
	}

	var errs []error
	resumed, expired, skipped := 0, 0, 0
	now := r.now()
	cutoff := now.Add(-r.maxAge)
	for _, rec := range records {
		if r.minAge > 0 && rec.ReceivedAt.After(now.Add(-r.minAge)) {
			skipped++
			continue
		}
		if rec.ThreadID == "" || rec.ReceivedAt.Before(cutoff) {
			slog.Warn("TurnRecovery.RecoverState: closing stale turn", "messageID", rec.MessageID,
				"threadID", rec.ThreadID, "receivedAt", rec.ReceivedAt)
			if err := r.pending.MarkProcessed(rec.MessageID); err != nil {
				errs = append(errs, fmt.Errorf("mark %s: %w", rec.MessageID, err))
			}
			expired++
			continue
		}
		out, err := r.resumer.ResumeTurn(ctx, rec.ThreadID, rec.MessageID)
		if err != nil {
			slog.Error("TurnRecovery.RecoverState: resume failed", "messageID", rec.MessageID,
				"threadID", rec.ThreadID, "error", err)
			errs = append(errs, fmt.Errorf("resume %s: %w", rec.MessageID, err))
			continue
		}
		if out.Status == flow.OutcomeProcessed {
			resumed++
		}
	}
	slog.Info("TurnRecovery.RecoverState: pending turns handled", "pending", len(records),
		"resumed", resumed, "expired", expired, "skipped", skipped, "errors", len(errs))
	return errors.Join(errs...)
}
