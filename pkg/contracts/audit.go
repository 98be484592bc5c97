package contracts

import "time"

// AuditEventType categorizes pipeline audit entries.
type AuditEventType string

const (
	EventConflictDetected    AuditEventType = "CONFLICT_DETECTED"
	EventStatusChanged       AuditEventType = "STATUS_CHANGED"
	EventResolutionAttempted AuditEventType = "RESOLUTION_ATTEMPTED"
	EventEscalationTriggered AuditEventType = "ESCALATION_TRIGGERED"
	EventHumanIntervention   AuditEventType = "HUMAN_INTERVENTION"
	EventIntegrityCheck      AuditEventType = "INTEGRITY_CHECK"
	EventRecordDeleted       AuditEventType = "RECORD_DELETED"
)

// GenesisHash is the previous hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is one link in the global hash chain. Entries are append-only.
type AuditEntry struct {
	EntryID      string         `json:"entry_id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    AuditEventType `json:"event_type"`
	ConflictID   string         `json:"conflict_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	EventData    map[string]any `json:"event_data,omitempty"`
	EntryHash    string         `json:"entry_hash"`
	PreviousHash string         `json:"previous_hash"`
}
