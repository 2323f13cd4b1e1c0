package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/store"
)

const (
	// DefaultHistoryLimit bounds the CRM messages imported into a new thread.
	DefaultHistoryLimit = 50
	// DefaultDedupWindow is how close in time two identical messages of the
	// same role must be to count as one.
	DefaultDedupWindow = 5 * time.Minute
	// contactThreadPrefix prefixes thread ids derived from a contact id.
	contactThreadPrefix = "contact-"
)

// ThreadStoreOpts holds ThreadStore configuration.
type ThreadStoreOpts struct {
	HistoryLimit int
	DedupWindow  time.Duration
	Now          func() time.Time
}

// ThreadStoreOption configures a ThreadStore.
type ThreadStoreOption func(*ThreadStoreOpts)

// WithHistoryLimit bounds the history import on thread creation.
func WithHistoryLimit(n int) ThreadStoreOption {
	return func(o *ThreadStoreOpts) { o.HistoryLimit = n }
}

// WithDedupWindow sets the window for content-based message dedup.
func WithDedupWindow(d time.Duration) ThreadStoreOption {
	return func(o *ThreadStoreOpts) { o.DedupWindow = d }
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) ThreadStoreOption {
	return func(o *ThreadStoreOpts) { o.Now = now }
}

// ThreadStore resolves, loads, mutates and persists conversation threads.
// Callers hold Lock(threadID) across a load → mutate → Persist cycle.
type ThreadStore struct {
	repo         store.ThreadRepo
	crm          HistorySource
	historyLimit int
	dedupWindow  time.Duration
	now          func() time.Time

	creating   singleflight.Group
	mu         sync.Mutex
	locks      map[string]*threadLock
	unresolved atomic.Int64
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// NewThreadStore creates a ThreadStore over repo. crm may be nil, in which
// case new threads start without history.
func NewThreadStore(repo store.ThreadRepo, crm HistorySource, opts ...ThreadStoreOption) *ThreadStore {
	cfg := ThreadStoreOpts{HistoryLimit: DefaultHistoryLimit, DedupWindow: DefaultDedupWindow, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &ThreadStore{
		repo:         repo,
		crm:          crm,
		historyLimit: cfg.HistoryLimit,
		dedupWindow:  cfg.DedupWindow,
		now:          cfg.Now,
		locks:        make(map[string]*threadLock),
	}
}

// ResolveThreadID derives the thread id from the event's stable keys: the
// conversation id when present, otherwise "contact-" plus the contact id.
func ResolveThreadID(ev models.InboundEvent) (string, error) {
	if id := strings.TrimSpace(ev.ConversationID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(ev.ContactID); id != "" {
		return contactThreadPrefix + id, nil
	}
	return "", ErrNoThreadIdentity
}

// Resolve returns the thread an event belongs to. A contact stays bound to
// the first thread it was seen on, so a later event carrying a different
// conversation id for the same contact joins the existing thread.
func (s *ThreadStore) Resolve(ev models.InboundEvent) (string, error) {
	candidate, err := ResolveThreadID(ev)
	if err != nil {
		s.unresolved.Add(1)
		slog.Error("ThreadStore.Resolve: event has no stable identity", "messageID", ev.MessageID,
			"unresolvedTotal", s.unresolved.Load())
		return "", err
	}
	contactID := strings.TrimSpace(ev.ContactID)
	if contactID == "" {
		return candidate, nil
	}
	bound, err := s.repo.BindContactThread(contactID, candidate)
	if err != nil {
		return "", fmt.Errorf("bind contact %s: %w", contactID, err)
	}
	if bound != candidate {
		slog.Info("ThreadStore.Resolve: contact already bound, joining existing thread",
			"contactID", contactID, "candidate", candidate, "threadID", bound)
	}
	return bound, nil
}

// UnresolvedCount reports how many events were rejected for lack of identity.
func (s *ThreadStore) UnresolvedCount() int64 {
	return s.unresolved.Load()
}

// Lock serializes work on one thread and returns the unlock function.
// Different threads never contend.
func (s *ThreadStore) Lock(threadID string) func() {
	s.mu.Lock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &threadLock{}
		s.locks[threadID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, threadID)
		}
		s.mu.Unlock()
	}
}

// Get returns a snapshot of a persisted thread.
func (s *ThreadStore) Get(threadID string) (*models.ConversationState, error) {
	st, err := s.repo.GetThread(threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if st == nil {
		return nil, ErrThreadNotFound
	}
	return st, nil
}

// LoadOrCreate returns the thread's state, creating it on first use. Creation
// imports the contact profile and the most recent CRM history, marked
// historical; CRM failures leave the new thread without them. Concurrent
// creations of one thread share a single import. The boolean reports
// whether this call observed the thread being created.
func (s *ThreadStore) LoadOrCreate(ctx context.Context, threadID string, ev models.InboundEvent) (*models.ConversationState, bool, error) {
	st, err := s.repo.GetThread(threadID)
	if err != nil {
		return nil, false, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if st != nil {
		if st.ContactID == "" && ev.ContactID != "" {
			st.ContactID = ev.ContactID
		}
		return st, false, nil
	}

	v, err, _ := s.creating.Do(threadID, func() (interface{}, error) {
		// Re-check inside the flight: a previous flight may have just saved it.
		if existing, err := s.repo.GetThread(threadID); err != nil || existing != nil {
			return existing, err
		}
		created := s.create(ctx, threadID, ev)
		if err := s.repo.SaveThread(created); err != nil {
			return nil, err
		}
		slog.Info("ThreadStore.LoadOrCreate: thread created", "threadID", threadID,
			"contactID", created.ContactID, "historical", created.CountBySource(models.SourceHistorical))
		return created, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create thread %s: %w", threadID, err)
	}
	return v.(*models.ConversationState).Clone(), true, nil
}

func (s *ThreadStore) create(ctx context.Context, threadID string, ev models.InboundEvent) *models.ConversationState {
	state := models.NewConversationState(threadID, ev.ContactID, s.now())
	state.ConversationID = ev.ConversationID
	state.Profile = ev.Profile
	if s.crm == nil || ev.ContactID == "" {
		return state
	}

	var (
		profile models.ContactProfile
		history []models.HistoryEntry
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		p, err := s.crm.GetContact(egCtx, ev.ContactID)
		if err != nil {
			slog.Warn("ThreadStore.create: contact lookup failed", "threadID", threadID, "contactID", ev.ContactID, "error", err)
			return nil
		}
		profile = p
		return nil
	})
	eg.Go(func() error {
		h, err := s.crm.GetHistory(egCtx, ev.ContactID, s.historyLimit)
		if err != nil {
			slog.Warn("ThreadStore.create: history import failed", "threadID", threadID, "contactID", ev.ContactID, "error", err)
			return nil
		}
		history = h
		return nil
	})
	_ = eg.Wait()

	state.Profile = mergeProfile(profile, ev.Profile)
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	for _, entry := range history {
		if strings.TrimSpace(entry.Text) == "" {
			continue
		}
		state.Messages = append(state.Messages, models.NewHistoricalMessage(entry))
	}
	return state
}

// mergeProfile overlays the non-empty fields of the event's profile on the
// CRM's.
func mergeProfile(crm, event models.ContactProfile) models.ContactProfile {
	out := crm
	if event.Name != "" {
		out.Name = event.Name
	}
	if event.Email != "" {
		out.Email = event.Email
	}
	if event.Phone != "" {
		out.Phone = event.Phone
	}
	if len(event.CustomFields) > 0 {
		merged := make(map[string]string, len(crm.CustomFields)+len(event.CustomFields))
		for k, v := range crm.CustomFields {
			merged[k] = v
		}
		for k, v := range event.CustomFields {
			merged[k] = v
		}
		out.CustomFields = merged
	}
	return out
}

// normalizeContent lowercases and collapses whitespace for dedup.
func normalizeContent(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// AppendMessage adds msg to state unless an equivalent message of the same
// role is already present. Content is compared case-insensitively with
// whitespace collapsed; equivalence also requires the same external id or
// timestamps within the dedup window. A historical copy of a live message
// is promoted to live in place. A new live message is placed after every
// live message with an equal or earlier timestamp, so events delivered out
// of order still read in the order they were sent. It returns the stored
// message and whether msg was a duplicate.
func (s *ThreadStore) AppendMessage(state *models.ConversationState, msg models.Message) (models.Message, bool) {
	want := normalizeContent(msg.Content)
	for i := range state.Messages {
		existing := &state.Messages[i]
		if existing.Role != msg.Role || normalizeContent(existing.Content) != want {
			continue
		}
		if !s.sameDelivery(*existing, msg) {
			continue
		}
		if existing.Source == models.SourceHistorical && msg.Source == models.SourceLive {
			existing.Source = models.SourceLive
			existing.Provenance = msg.Provenance
			existing.Timestamp = msg.Timestamp
			if existing.ExternalID == "" {
				existing.ExternalID = msg.ExternalID
			}
			slog.Debug("ThreadStore.AppendMessage: promoted historical copy", "threadID", state.ThreadID, "messageID", existing.ID)
			return *existing, false
		}
		slog.Info("ThreadStore.AppendMessage: duplicate message dropped", "threadID", state.ThreadID,
			"role", msg.Role, "externalID", msg.ExternalID)
		return *existing, true
	}
	insertByTimestamp(state, msg)
	return msg, false
}

func insertByTimestamp(state *models.ConversationState, msg models.Message) {
	i := len(state.Messages)
	if msg.Source == models.SourceLive {
		for i > 0 && state.Messages[i-1].Source == models.SourceLive && state.Messages[i-1].Timestamp.After(msg.Timestamp) {
			i--
		}
	}
	if i < len(state.Messages) {
		slog.Info("ThreadStore.AppendMessage: out-of-order message placed by timestamp", "threadID", state.ThreadID,
			"externalID", msg.ExternalID, "position", i, "total", len(state.Messages)+1)
	}
	state.Messages = append(state.Messages, models.Message{})
	copy(state.Messages[i+1:], state.Messages[i:])
	state.Messages[i] = msg
}

func (s *ThreadStore) sameDelivery(a, b models.Message) bool {
	if a.ExternalID != "" && b.ExternalID != "" {
		return a.ExternalID == b.ExternalID
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= s.dedupWindow
}

// MergeExtracted coalesces patch into the state's extracted data field by
// field and returns the fields whose value changed.
func (s *ThreadStore) MergeExtracted(state *models.ConversationState, patch models.ExtractedData) []models.Field {
	if state.ExtractedData == nil {
		state.ExtractedData = models.ExtractedData{}
	}
	return state.ExtractedData.Coalesce(patch)
}

// CompareAndSetScore sets the score to next when it still equals expected.
// The score never decreases: a lower next leaves it unchanged.
func CompareAndSetScore(state *models.ConversationState, expected, next int) bool {
	if state.LeadScore != expected {
		return false
	}
	if next > state.LeadScore {
		state.LeadScore = models.ClampScore(next)
	}
	return true
}

// Persist saves state. If the stored score is higher than state's, state is
// raised to it first so a stale snapshot can never lower the score.
func (s *ThreadStore) Persist(state *models.ConversationState) error {
	stored, err := s.repo.GetThread(state.ThreadID)
	if err != nil {
		return fmt.Errorf("persist thread %s: %w", state.ThreadID, err)
	}
	if stored != nil && stored.LeadScore > state.LeadScore {
		slog.Warn("ThreadStore.Persist: stale score raised to stored value", "threadID", state.ThreadID,
			"score", state.LeadScore, "stored", stored.LeadScore)
		CompareAndSetScore(state, state.LeadScore, stored.LeadScore)
	}
	state.UpdatedAt = s.now()
	if err := s.repo.SaveThread(state); err != nil {
		return fmt.Errorf("persist thread %s: %w", state.ThreadID, err)
	}
	return nil
}
