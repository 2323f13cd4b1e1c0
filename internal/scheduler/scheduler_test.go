package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("sweep", DefaultSweepSchedule, func(context.Context) {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("bad", "every minute", func(context.Context) {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	// Seconds field is not accepted by the 5-field parser.
	if err := s.AddJob("bad", "0 * * * * *", func(context.Context) {}); err == nil {
		t.Error("expected error for 6-field expression")
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	if err := s.AddJob("noop", "* * * * *", func(context.Context) { runs.Add(1) }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSlogLoggerDoesNotPanic(t *testing.T) {
	l := slogLogger{}
	l.Info("tick", "job", "sweep")
	l.Error(context.Canceled, "job failed", "job", "sweep")
}
