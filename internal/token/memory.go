package token

import (
	"context"
	"sync"
)

// MemoryStore implements Store with in-process concurrency safety. Used in
// tests and single-node development; production deployments use the
// Postgres store.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*AccessToken
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*AccessToken)}
}

func (s *MemoryStore) Create(ctx context.Context, t *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, id string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy
	cp := *t
	return &cp, nil
}

// Consume transitions issued → consumed under the store lock, so exactly
// one of any number of concurrent callers observes true.
func (s *MemoryStore) Consume(ctx context.Context, id string) (bool, error) {
	return s.transition(id, StatusConsumed)
}

func (s *MemoryStore) Revoke(ctx context.Context, id string) (bool, error) {
	return s.transition(id, StatusRevoked)
}

func (s *MemoryStore) transition(id string, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != StatusIssued {
		return false, nil
	}
	t.Status = to
	return true, nil
}
