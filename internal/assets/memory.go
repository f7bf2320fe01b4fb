package assets

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps assets in-process. Default backend for local/dev use.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	records map[string]*Record
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, records: make(map[string]*Record)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte, contentType, sessionID string) (string, error) {
	now := time.Now().UTC()
	r := &Record{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
	return r.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if r.Expired(now) {
		// Lazy delete so expired records are unreachable before the sweep.
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.records {
		if r.Expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
