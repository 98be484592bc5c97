package audit

import (
	"context"
	"sync"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Log is an append-only, sequence-ordered entry store. Implementations must
// reject an entry whose sequence already exists.
type Log interface {
	Append(ctx context.Context, entry contracts.AuditEntry) error
	// Iterate calls fn for every entry with Sequence >= from, in order.
	Iterate(ctx context.Context, from uint64, fn func(contracts.AuditEntry) error) error
	// Head returns the last entry, or ok=false for an empty log.
	Head(ctx context.Context) (entry contracts.AuditEntry, ok bool, err error)
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []contracts.AuditEntry
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, entry contracts.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 && entry.Sequence <= l.entries[n-1].Sequence {
		return contracts.E(contracts.KindChainIntegrityViolation, "audit.MemoryLog.Append",
			"sequence %d not after head %d", entry.Sequence, l.entries[n-1].Sequence)
	}
	l.entries = append(l.entries, cloneEntry(entry))
	return nil
}

// Iterate implements Log.
func (l *MemoryLog) Iterate(ctx context.Context, from uint64, fn func(contracts.AuditEntry) error) error {
	l.mu.RLock()
	snapshot := make([]contracts.AuditEntry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	for _, e := range snapshot {
		if e.Sequence < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(cloneEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

// Head implements Log.
func (l *MemoryLog) Head(_ context.Context) (contracts.AuditEntry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return contracts.AuditEntry{}, false, nil
	}
	return cloneEntry(l.entries[len(l.entries)-1]), true, nil
}

// Tamper overwrites the stored event data of the entry at sequence seq.
// It exists so integrity checks can be exercised.
func (l *MemoryLog) Tamper(seq uint64, data map[string]any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].Sequence == seq {
			l.entries[i].EventData = data
			return true
		}
	}
	return false
}

func cloneEntry(e contracts.AuditEntry) contracts.AuditEntry {
	if e.EventData != nil {
		data := make(map[string]any, len(e.EventData))
		for k, v := range e.EventData {
			data[k] = v
		}
		e.EventData = data
	}
	return e
}

// ReadAll collects every entry in the log.
func ReadAll(ctx context.Context, log Log) ([]contracts.AuditEntry, error) {
	var out []contracts.AuditEntry
	err := log.Iterate(ctx, 0, func(e contracts.AuditEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}
