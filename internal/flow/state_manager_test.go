package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/testutil"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

func newThreadStore(crm *testutil.FakeCRM) (*ThreadStore, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	var src HistorySource
	if crm != nil {
		src = crm
	}
	return NewThreadStore(st, src, WithStoreClock(clock)), st
}

func TestResolveThreadID(t *testing.T) {
	tests := []struct {
		name    string
		ev      models.InboundEvent
		want    string
		wantErr error
	}{
		{"conversation id wins", models.InboundEvent{ConversationID: "conv-9", ContactID: "c-1"}, "conv-9", nil},
		{"contact fallback", models.InboundEvent{ContactID: "c-1"}, "contact-c-1", nil},
		{"whitespace conversation id ignored", models.InboundEvent{ConversationID: "  ", ContactID: "c-1"}, "contact-c-1", nil},
		{"no identity", models.InboundEvent{Text: "hola"}, "", ErrNoThreadIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveThreadID(tt.ev)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_IsDeterministic(t *testing.T) {
	ts, _ := newThreadStore(nil)
	ev := models.InboundEvent{ContactID: "c-1"}
	first, err := ts.Resolve(ev)
	require.NoError(t, err)
	second, err := ts.Resolve(ev)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_ContactBindingJoinsExistingThread(t *testing.T) {
	ts, _ := newThreadStore(nil)
	a, err := ts.Resolve(models.InboundEvent{ConversationID: "conv-A", ContactID: "c-1"})
	require.NoError(t, err)
	b, err := ts.Resolve(models.InboundEvent{ConversationID: "conv-B", ContactID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "conv-A", a)
	assert.Equal(t, "conv-A", b)

	other, err := ts.Resolve(models.InboundEvent{ConversationID: "conv-C", ContactID: "c-2"})
	require.NoError(t, err)
	assert.Equal(t, "conv-C", other)
}

func TestResolve_NoIdentityIsCounted(t *testing.T) {
	ts, _ := newThreadStore(nil)
	_, err := ts.Resolve(models.InboundEvent{Text: "hola"})
	assert.ErrorIs(t, err, ErrNoThreadIdentity)
	_, err = ts.Resolve(models.InboundEvent{Text: "hola otra vez"})
	assert.ErrorIs(t, err, ErrNoThreadIdentity)
	assert.EqualValues(t, 2, ts.UnresolvedCount())
}

func TestLoadOrCreate_ImportsBoundedHistory(t *testing.T) {
	crm := testutil.NewFakeCRM()
	crm.Contacts["c-1"] = models.ContactProfile{Name: "Ana López", Phone: "+15551234567"}
	for i := 0; i < 60; i++ {
		role := models.RoleCustomer
		if i%2 == 1 {
			role = models.RoleAgent
		}
		crm.History["c-1"] = append(crm.History["c-1"], models.HistoryEntry{
			Text:      fmt.Sprintf("mensaje %d", i),
			Role:      role,
			Timestamp: t0.Add(time.Duration(i-100) * time.Hour),
		})
	}
	ts, st := newThreadStore(crm)
	ev := models.InboundEvent{ConversationID: "conv-1", ContactID: "c-1", Profile: models.ContactProfile{Email: "ana@example.com"}}

	state, created, err := ts.LoadOrCreate(context.Background(), "conv-1", ev)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, state.Messages, DefaultHistoryLimit)
	assert.Equal(t, "mensaje 10", state.Messages[0].Content)
	for _, m := range state.Messages {
		assert.Equal(t, models.SourceHistorical, m.Source)
		assert.Equal(t, models.ProvenanceCRM, m.Provenance)
	}
	assert.Equal(t, "Ana López", state.Profile.Name)
	assert.Equal(t, "ana@example.com", state.Profile.Email)
	assert.Equal(t, models.MinScore, state.LeadScore)

	saved, err := st.GetThread("conv-1")
	require.NoError(t, err)
	require.NotNil(t, saved)

	again, created, err := ts.LoadOrCreate(context.Background(), "conv-1", ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, again.Messages, DefaultHistoryLimit)
	assert.Equal(t, 1, crm.HistoryCalls, "history is imported once")
}

func TestLoadOrCreate_CRMFailureStillCreates(t *testing.T) {
	crm := testutil.NewFakeCRM()
	crm.HistoryErr = errors.New("ghl 500")
	crm.ContactErr = errors.New("ghl 500")
	ts, _ := newThreadStore(crm)

	state, created, err := ts.LoadOrCreate(context.Background(), "contact-c-1", models.InboundEvent{ContactID: "c-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, state.Messages)
	assert.Equal(t, "c-1", state.ContactID)
}

func TestLoadOrCreate_ConcurrentCreationImportsOnce(t *testing.T) {
	crm := testutil.NewFakeCRM()
	crm.HistoryDelay = 20 * time.Millisecond
	crm.History["c-1"] = []models.HistoryEntry{{Text: "hola", Role: models.RoleCustomer, Timestamp: t0.Add(-time.Hour)}}
	ts, _ := newThreadStore(crm)
	ev := models.InboundEvent{ContactID: "c-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, _, err := ts.LoadOrCreate(context.Background(), "contact-c-1", ev)
			assert.NoError(t, err)
			assert.Len(t, state.Messages, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, crm.HistoryCalls)
}

func TestAppendMessage_Dedup(t *testing.T) {
	ts, _ := newThreadStore(nil)

	t.Run("case and whitespace insensitive", func(t *testing.T) {
		s := models.NewConversationState("conv-1", "c-1", t0)
		_, dup := ts.AppendMessage(s, models.NewCustomerMessage("Hola, quiero info", t0, ""))
		assert.False(t, dup)
		_, dup = ts.AppendMessage(s, models.NewCustomerMessage("  hola,   QUIERO info ", t0.Add(time.Minute), ""))
		assert.True(t, dup)
		assert.Len(t, s.Messages, 1)
	})

	t.Run("different role is not a duplicate", func(t *testing.T) {
		s := models.NewConversationState("conv-1", "c-1", t0)
		ts.AppendMessage(s, models.NewCustomerMessage("gracias", t0, ""))
		_, dup := ts.AppendMessage(s, models.NewPersonaMessage(models.PersonaCold, "Gracias", t0))
		assert.False(t, dup)
		assert.Len(t, s.Messages, 2)
	})

	t.Run("same text much later is a new message", func(t *testing.T) {
		s := models.NewConversationState("conv-1", "c-1", t0)
		ts.AppendMessage(s, models.NewCustomerMessage("sí", t0, ""))
		_, dup := ts.AppendMessage(s, models.NewCustomerMessage("sí", t0.Add(time.Hour), ""))
		assert.False(t, dup)
		assert.Len(t, s.Messages, 2)
	})

	t.Run("external ids decide when both are known", func(t *testing.T) {
		s := models.NewConversationState("conv-1", "c-1", t0)
		ts.AppendMessage(s, models.NewCustomerMessage("sí", t0, "m1"))
		_, dup := ts.AppendMessage(s, models.NewCustomerMessage("sí", t0.Add(time.Second), "m2"))
		assert.False(t, dup)
		_, dup = ts.AppendMessage(s, models.NewCustomerMessage("SÍ", t0.Add(2*time.Hour), "m1"))
		assert.True(t, dup)
	})

	t.Run("historical copy is promoted to live", func(t *testing.T) {
		s := models.NewConversationState("conv-1", "c-1", t0)
		s.Messages = append(s.Messages, models.NewHistoricalMessage(models.HistoryEntry{
			Text: "Hola, quiero info", Role: models.RoleCustomer, Timestamp: t0.Add(-30 * time.Second),
		}))
		stored, dup := ts.AppendMessage(s, models.NewCustomerMessage("hola, quiero info", t0, "m1"))
		assert.False(t, dup)
		require.Len(t, s.Messages, 1)
		assert.Equal(t, models.SourceLive, stored.Source)
		assert.Equal(t, models.ProvenanceCustomer, s.Messages[0].Provenance)
		assert.Equal(t, "m1", s.Messages[0].ExternalID)
	})
}

func TestAppendMessage_PastDedupWindowIsNewTurn(t *testing.T) {
	ts, _ := newThreadStore(nil)
	s := models.NewConversationState("conv-1", "c-1", t0)
	ts.AppendMessage(s, models.NewCustomerMessage("hola", t0, ""))

	_, dup := ts.AppendMessage(s, models.NewCustomerMessage("hola", t0.Add(DefaultDedupWindow), ""))
	assert.True(t, dup, "a repeat at the window edge is still the same delivery")
	_, dup = ts.AppendMessage(s, models.NewCustomerMessage("hola", t0.Add(6*time.Minute), ""))
	assert.False(t, dup, "a repeat past the window is a new message")
	assert.Len(t, s.Messages, 2)
}

func TestAppendMessage_OrdersLiveByTimestamp(t *testing.T) {
	ts, _ := newThreadStore(nil)
	s := models.NewConversationState("conv-1", "c-1", t0)
	s.Messages = append(s.Messages, models.NewHistoricalMessage(models.HistoryEntry{
		Text: "mensaje viejo", Role: models.RoleCustomer, Timestamp: t0.Add(time.Hour),
	}))
	ts.AppendMessage(s, models.NewCustomerMessage("Me llamo Ana", t0.Add(time.Minute), "m2"))
	ts.AppendMessage(s, models.NewPersonaMessage(models.PersonaCold, "¡Hola Ana!", t0.Add(2*time.Minute)))
	ts.AppendMessage(s, models.NewCustomerMessage("Hola", t0, "m1"))
	ts.AppendMessage(s, models.NewCustomerMessage("tengo un restaurante", t0.Add(time.Minute), "m3"))

	var got []string
	for _, m := range s.Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"mensaje viejo", "Hola", "Me llamo Ana", "tengo un restaurante", "¡Hola Ana!"}, got,
		"historical messages stay first; equal timestamps keep arrival order")
}

func TestMergeExtracted_CoalescesPerField(t *testing.T) {
	ts, _ := newThreadStore(nil)
	s := models.NewConversationState("conv-1", "c-1", t0)
	s.ExtractedData[models.FieldName] = "Ana"
	s.ExtractedData[models.FieldBusinessType] = "restaurante"

	changed := ts.MergeExtracted(s, models.ExtractedData{models.FieldBudget: "500", models.FieldName: ""})
	assert.Equal(t, []models.Field{models.FieldBudget}, changed)
	assert.Equal(t, "Ana", s.ExtractedData[models.FieldName])
	assert.Equal(t, "restaurante", s.ExtractedData[models.FieldBusinessType])
	assert.Equal(t, "500", s.ExtractedData[models.FieldBudget])
}

func TestCompareAndSetScore(t *testing.T) {
	s := models.NewConversationState("conv-1", "c-1", t0)
	s.LeadScore = 5
	assert.False(t, CompareAndSetScore(s, 4, 8), "stale expectation")
	assert.Equal(t, 5, s.LeadScore)
	assert.True(t, CompareAndSetScore(s, 5, 3))
	assert.Equal(t, 5, s.LeadScore, "never lowers")
	assert.True(t, CompareAndSetScore(s, 5, 12))
	assert.Equal(t, models.MaxScore, s.LeadScore)
}

func TestPersist_StaleSnapshotCannotLowerScore(t *testing.T) {
	ts, st := newThreadStore(nil)
	s := models.NewConversationState("conv-1", "c-1", t0)
	s.LeadScore = 7
	require.NoError(t, ts.Persist(s))

	stale := models.NewConversationState("conv-1", "c-1", t0)
	stale.LeadScore = 3
	require.NoError(t, ts.Persist(stale))
	assert.Equal(t, 7, stale.LeadScore)

	saved, err := st.GetThread("conv-1")
	require.NoError(t, err)
	assert.Equal(t, 7, saved.LeadScore)
}

func TestGet_UnknownThread(t *testing.T) {
	ts, _ := newThreadStore(nil)
	_, err := ts.Get("nope")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestLock_SerializesSameThread(t *testing.T) {
	ts, _ := newThreadStore(nil)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := ts.Lock("conv-1")
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())

	ts.mu.Lock()
	assert.Empty(t, ts.locks, "idle locks are released")
	ts.mu.Unlock()
}

func TestLock_DifferentThreadsDoNotContend(t *testing.T) {
	ts, _ := newThreadStore(nil)
	unlockA := ts.Lock("conv-A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := ts.Lock("conv-B")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on conv-B blocked behind conv-A")
	}
}
