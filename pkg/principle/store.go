// Package principle supplies read-only principle snapshots to the conflict
// pipeline. Persistence of principles is owned elsewhere; this package only
// defines the lookup contract, an in-memory implementation and a validated
// document loader.
package principle

import (
	"context"
	"sort"
	"sync"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Store is the read-only principle lookup the pipeline consumes.
type Store interface {
	// GetPrinciplesByIDs returns the principles in the order requested.
	// Unknown ids produce a NotFound error.
	GetPrinciplesByIDs(ctx context.Context, ids []string) ([]contracts.Principle, error)
	// List returns every known principle ordered by id.
	List(ctx context.Context) ([]contracts.Principle, error)
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	principles map[string]contracts.Principle
}

// NewMemoryStore creates a store seeded with the given principles.
func NewMemoryStore(principles ...contracts.Principle) *MemoryStore {
	s := &MemoryStore{principles: make(map[string]contracts.Principle, len(principles))}
	for _, p := range principles {
		s.principles[p.ID] = p
	}
	return s
}

// Put inserts or replaces a principle.
func (s *MemoryStore) Put(p contracts.Principle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principles[p.ID] = p
}

func (s *MemoryStore) GetPrinciplesByIDs(ctx context.Context, ids []string) ([]contracts.Principle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Principle, 0, len(ids))
	for _, id := range ids {
		p, ok := s.principles[id]
		if !ok {
			return nil, contracts.E(contracts.KindNotFound, "principle.Get", "principle %q not found", id)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]contracts.Principle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Principle, 0, len(s.principles))
	for _, p := range s.principles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
