// Package store persists ConflictRecords with optimistic concurrency.
//
// Every successful write increments Version. Update takes the version the
// caller read; a stale version fails with VersionConflict and writes nothing.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses []contracts.ConflictStatus
	Type     contracts.ConflictType
	Limit    int
}

func (f Filter) matches(r contracts.ConflictRecord) bool {
	if f.Type != "" && r.ConflictType != f.Type {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// ConflictStore is the persistence contract the orchestrator writes through.
type ConflictStore interface {
	// Create stores a new record at Version 1.
	Create(ctx context.Context, rec contracts.ConflictRecord) (contracts.ConflictRecord, error)
	// Update replaces the record if its stored version equals expectedVersion
	// and returns it at the next version.
	Update(ctx context.Context, rec contracts.ConflictRecord, expectedVersion int64) (contracts.ConflictRecord, error)
	Get(ctx context.Context, conflictID string) (contracts.ConflictRecord, error)
	// List returns matching records ordered by creation time, then id.
	List(ctx context.Context, filter Filter) ([]contracts.ConflictRecord, error)
	Delete(ctx context.Context, conflictID string) error
}

func validateNew(op string, rec contracts.ConflictRecord) error {
	if rec.ConflictID == "" {
		return contracts.E(contracts.KindValidationFailure, op, "conflict id is required")
	}
	if len(rec.PrincipleIDs) < 2 {
		return contracts.E(contracts.KindValidationFailure, op, "conflict %s needs at least two principles", rec.ConflictID)
	}
	ids := uniqueIDs(rec.PrincipleIDs)
	if _, blank := ids[""]; blank || len(ids) != len(rec.PrincipleIDs) {
		return contracts.E(contracts.KindValidationFailure, op, "conflict %s has blank or duplicate principle ids", rec.ConflictID)
	}
	if rec.Status == "" {
		return contracts.E(contracts.KindValidationFailure, op, "conflict %s has no status", rec.ConflictID)
	}
	return nil
}

func uniqueIDs(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func samePrinciples(a, b []string) bool {
	return contracts.PrincipleSetKey(a) == contracts.PrincipleSetKey(b)
}

// MemoryStore is a ConflictStore guarded by a mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]contracts.ConflictRecord
	clock   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]contracts.ConflictRecord), clock: time.Now}
}

// WithClock sets the clock used for CreatedAt and UpdatedAt.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Create implements ConflictStore.
func (s *MemoryStore) Create(_ context.Context, rec contracts.ConflictRecord) (contracts.ConflictRecord, error) {
	const op = "store.Create"
	if err := validateNew(op, rec); err != nil {
		return contracts.ConflictRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ConflictID]; exists {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindValidationFailure, op, "conflict %s already exists", rec.ConflictID)
	}
	now := s.clock().UTC()
	rec = rec.Clone()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ConflictID] = rec
	return rec.Clone(), nil
}

// Update implements ConflictStore.
func (s *MemoryStore) Update(_ context.Context, rec contracts.ConflictRecord, expectedVersion int64) (contracts.ConflictRecord, error) {
	const op = "store.Update"
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ConflictID]
	if !ok {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindNotFound, op, "conflict %s", rec.ConflictID)
	}
	if current.Version != expectedVersion {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindVersionConflict, op,
			"conflict %s is at version %d, caller expected %d", rec.ConflictID, current.Version, expectedVersion)
	}
	if !samePrinciples(current.PrincipleIDs, rec.PrincipleIDs) {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindValidationFailure, op, "principle ids of conflict %s are immutable", rec.ConflictID)
	}

	next := rec.Clone()
	next.PrincipleIDs = append([]string(nil), current.PrincipleIDs...)
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock().UTC()
	s.records[rec.ConflictID] = next
	return next.Clone(), nil
}

// Get implements ConflictStore.
func (s *MemoryStore) Get(_ context.Context, conflictID string) (contracts.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[conflictID]
	if !ok {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindNotFound, "store.Get", "conflict %s", conflictID)
	}
	return rec.Clone(), nil
}

// List implements ConflictStore.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]contracts.ConflictRecord, error) {
	s.mu.RLock()
	out := make([]contracts.ConflictRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ConflictID < out[j].ConflictID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete implements ConflictStore.
func (s *MemoryStore) Delete(_ context.Context, conflictID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[conflictID]; !ok {
		return contracts.E(contracts.KindNotFound, "store.Delete", "conflict %s", conflictID)
	}
	delete(s.records, conflictID)
	return nil
}
