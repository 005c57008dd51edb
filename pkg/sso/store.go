package sso

import (
	"context"
	"sort"
	"sync"
)

// Store persists providers of a single kind. Reads return copies the caller
// may mutate freely.
type Store[P Provider] interface {
	// Insert stores a new provider and returns it with its assigned id.
	Insert(ctx context.Context, p P) (P, error)

	// Get retrieves a provider by id.
	Get(ctx context.Context, id int64) (P, error)

	// GetByScheme retrieves a provider by scheme name.
	GetByScheme(ctx context.Context, scheme string) (P, error)

	// List returns every provider ordered by id.
	List(ctx context.Context) ([]P, error)

	// ListByEnabled returns the providers whose enabled flag matches.
	ListByEnabled(ctx context.Context, enabled bool) ([]P, error)

	// Replace overwrites the stored provider with the same id.
	Replace(ctx context.Context, p P) error

	// Delete removes a provider and reports how many rows were affected.
	Delete(ctx context.Context, id int64) (int64, error)
}

// MemoryStore is an in-memory Store used by tests and the memory driver.
type MemoryStore[P Provider] struct {
	mu          sync.RWMutex
	nextID      int64
	providers   map[int64]P
	schemeIndex map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore[P Provider]() *MemoryStore[P] {
	return &MemoryStore[P]{
		providers:   make(map[int64]P),
		schemeIndex: make(map[string]int64),
	}
}

func (s *MemoryStore[P]) Insert(_ context.Context, p P) (P, error) {
	var zero P
	s.mu.Lock()
	defer s.mu.Unlock()

	b := p.Base()
	if _, taken := s.schemeIndex[b.Scheme]; taken {
		return zero, ErrConflict
	}

	s.nextID++
	stored := cloneProvider(p)
	stored.Base().ID = s.nextID
	s.providers[s.nextID] = stored
	s.schemeIndex[b.Scheme] = s.nextID
	return cloneProvider(stored), nil
}

func (s *MemoryStore[P]) Get(_ context.Context, id int64) (P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.providers[id]
	if !exists {
		var zero P
		return zero, ErrNotFound
	}
	return cloneProvider(p), nil
}

func (s *MemoryStore[P]) GetByScheme(_ context.Context, scheme string) (P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.schemeIndex[scheme]
	if !exists {
		var zero P
		return zero, ErrNotFound
	}
	return cloneProvider(s.providers[id]), nil
}

func (s *MemoryStore[P]) List(ctx context.Context) ([]P, error) {
	return s.list(func(P) bool { return true }), nil
}

func (s *MemoryStore[P]) ListByEnabled(_ context.Context, enabled bool) ([]P, error) {
	return s.list(func(p P) bool { return p.Base().Enabled == enabled }), nil
}

func (s *MemoryStore[P]) list(keep func(P) bool) []P {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]P, 0, len(s.providers))
	for _, p := range s.providers {
		if keep(p) {
			result = append(result, cloneProvider(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Base().ID < result[j].Base().ID })
	return result
}

func (s *MemoryStore[P]) Replace(_ context.Context, p P) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := p.Base()
	existing, exists := s.providers[b.ID]
	if !exists {
		return ErrNotFound
	}

	oldScheme := existing.Base().Scheme
	if oldScheme != b.Scheme {
		if _, taken := s.schemeIndex[b.Scheme]; taken {
			return ErrConflict
		}
		delete(s.schemeIndex, oldScheme)
		s.schemeIndex[b.Scheme] = b.ID
	}

	stored := cloneProvider(p)
	// Kind and creation time never change after insert.
	stored.Base().ProviderType = existing.Base().ProviderType
	stored.Base().Created = existing.Base().Created
	s.providers[b.ID] = stored
	return nil
}

func (s *MemoryStore[P]) Delete(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.providers[id]
	if !exists {
		return 0, nil
	}
	delete(s.schemeIndex, p.Base().Scheme)
	delete(s.providers, id)
	return 1, nil
}
