package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubRecoverable struct {
	name   string
	err    error
	called int
}

func (s *stubRecoverable) Name() string { return s.name }

func (s *stubRecoverable) RecoverState(ctx context.Context) error {
	s.called++
	return s.err
}

func TestRecoverAllRunsEveryComponent(t *testing.T) {
	m := NewManager()
	a := &stubRecoverable{name: "a"}
	b := &stubRecoverable{name: "b", err: errors.New("boom")}
	c := &stubRecoverable{name: "c"}
	m.Register(a)
	m.Register(b)
	m.Register(c)

	err := m.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected error when a component fails")
	}
	if !strings.Contains(err.Error(), "1 errors out of 3") {
		t.Errorf("error = %v", err)
	}
	for _, s := range []*stubRecoverable{a, b, c} {
		if s.called != 1 {
			t.Errorf("component %s called %d times, want 1", s.name, s.called)
		}
	}
}

func TestRecoverAllEmpty(t *testing.T) {
	if err := NewManager().RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll with no components: %v", err)
	}
}

func TestRecoverAllStopsOnCancelledContext(t *testing.T) {
	m := NewManager()
	s := &stubRecoverable{name: "a"}
	m.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RecoverAll = %v, want context.Canceled", err)
	}
	if s.called != 0 {
		t.Errorf("component should not run after cancellation")
	}
}
