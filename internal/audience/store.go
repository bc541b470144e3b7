package audience

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when an audience definition does not exist.
var ErrNotFound = errors.New("audience not found")

// Store is the audience catalog: the system of record for definitions,
// platform IDs, and last-known device counts.
type Store interface {
	// Get fetches an audience definition by ID.
	Get(ctx context.Context, id string) (*Audience, error)

	// Put creates or replaces an audience definition.
	Put(ctx context.Context, a *Audience) error

	// SaveCount persists the last-known unique device count.
	SaveCount(ctx context.Context, id string, count int64) error

	// SaveMetaAudienceID persists a newly created Meta custom audience ID.
	SaveMetaAudienceID(ctx context.Context, id, metaAudienceID string) error

	// Close releases any resources.
	Close() error
}

// MemoryStore is an in-memory catalog used in tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	audiences map[string]*Audience
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{audiences: make(map[string]*Audience)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Audience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.audiences[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	copied.Processes = append([]ProcessingStep(nil), a.Processes...)
	copied.Tags = append([]string(nil), a.Tags...)
	return &copied, nil
}

func (s *MemoryStore) Put(ctx context.Context, a *Audience) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.audiences[a.ID] = &copied
	return nil
}

func (s *MemoryStore) SaveCount(ctx context.Context, id string, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audiences[id]
	if !ok {
		return ErrNotFound
	}
	a.Count = count
	return nil
}

func (s *MemoryStore) SaveMetaAudienceID(ctx context.Context, id, metaAudienceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audiences[id]
	if !ok {
		return ErrNotFound
	}
	a.MetaAudienceID = metaAudienceID
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
