package responder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/ghl"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/messaging"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/retry"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	t0         = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	fastPolicy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
)

func newResponder(crm *testutil.FakeCRM) (*Responder, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	return New(messaging.NewGHLSender(crm), st, WithRetryPolicy(fastPolicy), WithClock(func() time.Time { return t0 })), st
}

func TestSelect_ByProvenanceOnly(t *testing.T) {
	router := models.NewPersonaMessage(models.PersonaWarm, "Router: score 6", t0)
	router.Provenance = models.ProvenanceRouter
	msgs := []models.Message{
		models.NewPersonaMessage(models.PersonaWarm, "first", t0),
		models.NewPersonaMessage(models.PersonaCold, "from cold", t0),
		models.NewPersonaMessage(models.PersonaWarm, "second", t0),
		router,
	}
	m, ok := Select(models.PersonaWarm, msgs)
	require.True(t, ok)
	assert.Equal(t, "second", m.Content)

	_, ok = Select(models.PersonaHot, msgs)
	assert.False(t, ok)
}

func TestRespond_Sent(t *testing.T) {
	crm := testutil.NewFakeCRM()
	r, st := newResponder(crm)
	msgs := []models.Message{models.NewPersonaMessage(models.PersonaCold, "¡Hola!", t0)}

	d := r.Respond(context.Background(), "conv-1", "c-1", models.PersonaCold, msgs)
	assert.Equal(t, models.DeliverySent, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, []string{"¡Hola!"}, crm.SentMessages())

	logged, err := st.ListDeliveries("conv-1")
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, models.DeliverySent, logged[0].Status)
}

func TestRespond_NoopIsNotFailure(t *testing.T) {
	crm := testutil.NewFakeCRM()
	r, st := newResponder(crm)
	d := r.Respond(context.Background(), "conv-1", "c-1", models.PersonaHot, nil)
	assert.Equal(t, models.DeliveryNoop, d.Status)
	assert.Empty(t, d.Error)
	assert.Zero(t, crm.SendCalls)

	logged, err := st.ListDeliveries("conv-1")
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, models.DeliveryNoop, logged[0].Status)
}

func TestRespond_RetriesThenSucceeds(t *testing.T) {
	crm := testutil.NewFakeCRM()
	crm.SendFailures = 2
	r, _ := newResponder(crm)
	msgs := []models.Message{models.NewPersonaMessage(models.PersonaWarm, "hola", t0)}
	d := r.Respond(context.Background(), "conv-1", "c-1", models.PersonaWarm, msgs)
	assert.Equal(t, models.DeliverySent, d.Status)
	assert.Equal(t, 3, d.Attempts)
}

func TestRespond_FailsAfterThreeAttempts(t *testing.T) {
	crm := testutil.NewFakeCRM()
	crm.SendFailures = 10
	r, st := newResponder(crm)
	msgs := []models.Message{models.NewPersonaMessage(models.PersonaWarm, "hola", t0)}

	d := r.Respond(context.Background(), "conv-1", "c-1", models.PersonaWarm, msgs)
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, 3, crm.SendCalls)
	assert.Contains(t, d.Error, "send failed")

	logged, err := st.ListDeliveries("conv-1")
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, models.DeliveryFailed, logged[0].Status)
}

func TestRespond_RetriesClientErrorFromGHL(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"message":"rate window"}`, http.StatusUnprocessableEntity)
			return
		}
		_, _ = w.Write([]byte(`{"messageId":"out-1"}`))
	}))
	defer srv.Close()
	transport := &http.Transport{}
	defer transport.CloseIdleConnections()

	crm, err := ghl.NewClient(ghl.WithBaseURL(srv.URL), ghl.WithAPIKey("pit-test"), ghl.WithLocationID("loc-1"),
		ghl.WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)
	r := New(messaging.NewGHLSender(crm), nil, WithRetryPolicy(fastPolicy))

	d := r.Respond(context.Background(), "conv-1", "c-1", models.PersonaCold,
		[]models.Message{models.NewPersonaMessage(models.PersonaCold, "¡Hola!", t0)})
	assert.Equal(t, models.DeliverySent, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRespond_MissingContact(t *testing.T) {
	crm := testutil.NewFakeCRM()
	r, _ := newResponder(crm)
	msgs := []models.Message{models.NewPersonaMessage(models.PersonaWarm, "hola", t0)}
	d := r.Respond(context.Background(), "conv-1", "", models.PersonaWarm, msgs)
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Zero(t, crm.SendCalls)
}
