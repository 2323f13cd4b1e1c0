package store

import (
	"sort"
	"sync"
	"time"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used in tests and
// when no DSN is configured; state does not survive a restart.
type InMemoryStore struct {
	mu         sync.RWMutex
	threads    map[string]*models.ConversationState
	contacts   map[string]string
	dedup      map[string]*DedupRecord
	deliveries map[string][]models.Delivery
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:    make(map[string]*models.ConversationState),
		contacts:   make(map[string]string),
		dedup:      make(map[string]*DedupRecord),
		deliveries: make(map[string][]models.Delivery),
	}
}

func (s *InMemoryStore) GetThread(threadID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) SaveThread(state *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	cp := state.Clone()
	cp.LeadScore = models.ClampScore(cp.LeadScore)
	if old, ok := s.threads[state.ThreadID]; ok {
		if old.LeadScore > cp.LeadScore {
			cp.LeadScore = old.LeadScore
		}
		if old.ContactID != "" {
			cp.ContactID = old.ContactID
		}
	}
	s.threads[state.ThreadID] = cp
	return nil
}

func (s *InMemoryStore) GetThreadIDForContact(contactID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contacts[contactID], nil
}

func (s *InMemoryStore) BindContactThread(contactID, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bound, ok := s.contacts[contactID]; ok {
		return bound, nil
	}
	s.contacts[contactID] = threadID
	return threadID, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ThreadID: threadID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ListUnprocessed() ([]DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []DedupRecord
	for _, rec := range s.dedup {
		if rec.ProcessedAt == nil {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ReceivedAt.Before(records[j].ReceivedAt) })
	return records, nil
}

func (s *InMemoryStore) AddDelivery(d models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ThreadID] = append(s.deliveries[d.ThreadID], d)
	return nil
}

func (s *InMemoryStore) ListDeliveries(threadID string) ([]models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.Delivery(nil), s.deliveries[threadID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
