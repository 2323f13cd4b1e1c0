package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/flow"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

var fixedNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type fakePending struct {
	mu      sync.Mutex
	records []store.DedupRecord
	listErr error
	marked  []string
}

func (f *fakePending) ListUnprocessed() ([]store.DedupRecord, error) {
	return f.records, f.listErr
}

func (f *fakePending) MarkProcessed(messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return nil
}

type fakeResumer struct {
	calls []string
	errs  map[string]error
}

func (f *fakeResumer) ResumeTurn(ctx context.Context, threadID, messageID string) (flow.Outcome, error) {
	f.calls = append(f.calls, threadID+"/"+messageID)
	if err := f.errs[messageID]; err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{ThreadID: threadID, Status: flow.OutcomeProcessed}, nil
}

func record(id, thread string, age time.Duration) store.DedupRecord {
	return store.DedupRecord{MessageID: id, ThreadID: thread, ReceivedAt: fixedNow.Add(-age)}
}

func TestTurnRecoveryResumesFreshTurns(t *testing.T) {
	pending := &fakePending{records: []store.DedupRecord{
		record("m-1", "conv-1", 2*time.Minute),
		record("m-2", "conv-2", time.Minute),
	}}
	resumer := &fakeResumer{}
	r := NewTurnRecovery(pending, resumer, WithClock(func() time.Time { return fixedNow }))

	if err := r.RecoverState(context.Background()); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	want := []string{"conv-1/m-1", "conv-2/m-2"}
	if len(resumer.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", resumer.calls, want)
	}
	for i := range want {
		if resumer.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, resumer.calls[i], want[i])
		}
	}
	if len(pending.marked) != 0 {
		t.Errorf("resumed turns are marked by the pipeline, got %v", pending.marked)
	}
}

func TestTurnRecoveryClosesStaleTurns(t *testing.T) {
	pending := &fakePending{records: []store.DedupRecord{
		record("old", "conv-1", 2*time.Hour),
		record("orphan", "", time.Minute),
		record("new", "conv-2", time.Minute),
	}}
	resumer := &fakeResumer{}
	r := NewTurnRecovery(pending, resumer, WithMaxAge(time.Hour), WithClock(func() time.Time { return fixedNow }))

	if err := r.RecoverState(context.Background()); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if len(resumer.calls) != 1 || resumer.calls[0] != "conv-2/new" {
		t.Errorf("calls = %v, want only conv-2/new", resumer.calls)
	}
	if len(pending.marked) != 2 || pending.marked[0] != "old" || pending.marked[1] != "orphan" {
		t.Errorf("marked = %v, want [old orphan]", pending.marked)
	}
}

func TestTurnRecoveryContinuesAfterFailure(t *testing.T) {
	boom := errors.New("store down")
	pending := &fakePending{records: []store.DedupRecord{
		record("m-1", "conv-1", time.Minute),
		record("m-2", "conv-2", time.Minute),
	}}
	resumer := &fakeResumer{errs: map[string]error{"m-1": boom}}
	r := NewTurnRecovery(pending, resumer, WithClock(func() time.Time { return fixedNow }))

	err := r.RecoverState(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("RecoverState = %v, want wrapped store error", err)
	}
	if len(resumer.calls) != 2 {
		t.Errorf("second turn should still be resumed, calls = %v", resumer.calls)
	}
}

func TestTurnRecoveryListError(t *testing.T) {
	pending := &fakePending{listErr: errors.New("no db")}
	r := NewTurnRecovery(pending, &fakeResumer{})
	if err := r.RecoverState(context.Background()); err == nil {
		t.Error("expected list error")
	}
}

func TestTurnRecoveryWithPipeline(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.RecordInbound("m-1", "conv-1"); err != nil {
		t.Fatal(err)
	}
	// A thread that was never created cannot be answered; the record is closed.
	rt := NewTurnRecovery(st, pipelineFor(st))
	if err := rt.RecoverState(context.Background()); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	pending, err := st.ListUnprocessed()
	if err != nil || len(pending) != 0 {
		t.Errorf("pending = %v, %v; want none", pending, err)
	}
}

func pipelineFor(st *store.InMemoryStore) *flow.Pipeline {
	threads := flow.NewThreadStore(st, nil)
	return flow.NewPipeline(threads, st, nil, nil, nil, nil)
}

func TestTurnRecoverySkipsInFlightTurns(t *testing.T) {
	pending := &fakePending{records: []store.DedupRecord{
		record("settled", "conv-1", 10*time.Minute),
		record("in-flight", "conv-2", 30*time.Second),
	}}
	resumer := &fakeResumer{}
	r := NewTurnRecovery(pending, resumer, WithMinAge(2*time.Minute), WithClock(func() time.Time { return fixedNow }))

	r.Sweep(context.Background())
	if len(resumer.calls) != 1 || resumer.calls[0] != "conv-1/settled" {
		t.Errorf("calls = %v, want only conv-1/settled", resumer.calls)
	}
	if len(pending.marked) != 0 {
		t.Errorf("in-flight turn must stay pending, marked = %v", pending.marked)
	}
}
