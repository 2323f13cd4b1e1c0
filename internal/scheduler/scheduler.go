// Package scheduler runs periodic maintenance jobs for the lead router.
//
// Jobs are registered with cron expressions and run until the context
// passed to Run is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule re-checks unfinished turns every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// Job is a unit of scheduled work.
type Job func(ctx context.Context)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	jobs int
}

// NewScheduler creates a scheduler with the standard 5-field parser. A
// job still running when its next tick arrives is skipped for that tick.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, ctx: context.Background()}
}

// AddJob schedules job using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler: running job", "job", name)
		job(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	s.jobs++
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish. Jobs receive ctx. Jobs must be added before
// Run is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	slog.Info("Scheduler.Run: started", "jobs", s.jobs)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
