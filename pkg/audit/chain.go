// Package audit implements the tamper-evident audit log of the conflict
// resolution pipeline.
//
// Entries form one global hash chain: each entry's hash covers the canonical
// (RFC 8785) encoding of its event type, conflict id, actor, event data and
// the previous entry's hash. Appends are linearized through a single writer
// goroutine. Traces and performance figures are derived by replaying the log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// hashable is the hashed projection of an entry.
type hashable struct {
	EventType    contracts.AuditEventType `json:"event_type"`
	ConflictID   string                   `json:"conflict_id"`
	ActorID      string                   `json:"actor_id"`
	EventData    map[string]any           `json:"event_data"`
	PreviousHash string                   `json:"previous_hash"`
}

// ComputeEntryHash returns the hex SHA-256 of the entry's canonical form.
func ComputeEntryHash(e contracts.AuditEntry) (string, error) {
	data := e.EventData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(hashable{
		EventType:    e.EventType,
		ConflictID:   e.ConflictID,
		ActorID:      e.ActorID,
		EventData:    data,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain recomputes every hash in order and checks linkage from the
// genesis hash. It returns a ChainIntegrityViolation naming the first bad entry.
func VerifyChain(entries []contracts.AuditEntry) error {
	return verifyFrom(contracts.GenesisHash, entries)
}

// Valid reports whether VerifyChain succeeds.
func Valid(entries []contracts.AuditEntry) bool {
	return VerifyChain(entries) == nil
}

func verifyFrom(expectedPrev string, entries []contracts.AuditEntry) error {
	for i, entry := range entries {
		if entry.PreviousHash != expectedPrev {
			return contracts.E(contracts.KindChainIntegrityViolation, "audit.VerifyChain",
				"entry %d (seq %d) has previous_hash %s but expected %s", i, entry.Sequence, entry.PreviousHash, expectedPrev)
		}
		computed, err := ComputeEntryHash(entry)
		if err != nil {
			return contracts.Wrap(contracts.KindChainIntegrityViolation, "audit.VerifyChain",
				fmt.Errorf("entry %d hash computation failed: %w", i, err))
		}
		if computed != entry.EntryHash {
			return contracts.E(contracts.KindChainIntegrityViolation, "audit.VerifyChain",
				"entry %d (seq %d) hash mismatch (computed %s, stored %s)", i, entry.Sequence, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
