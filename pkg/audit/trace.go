package audit

import (
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Event data keys shared by the orchestrator (writer side) and replay.
const (
	KeyFrom             = "from"
	KeyTo               = "to"
	KeyReason           = "reason"
	KeyCandidateID      = "candidate_id"
	KeyConflictType     = "conflict_type"
	KeySeverity         = "severity"
	KeyConfidence       = "confidence"
	KeyPriorityScore    = "priority_score"
	KeyPrincipleIDs     = "principle_ids"
	KeyAttempt          = "attempt"
	KeyStrategy         = "strategy"
	KeySuccess          = "success"
	KeyExpectedSuccess  = "expected_success"
	KeyValidation       = "validation_passed"
	KeyEscalationNeeded = "escalation_required"
	KeyEscalationReason = "escalation_reason"
	KeyProcessingTimeMs = "processing_time_ms"
	KeyError            = "error"
	KeyEscalationID     = "escalation_id"
	KeyLevel            = "level"
	KeyRuleID           = "rule_id"
	KeyUrgency          = "urgency_score"
	KeyTimeoutMinutes   = "timeout_minutes"
	KeyDeadline         = "deadline"
	KeyDecision         = "decision"
	KeyRequiredRoles    = "required_roles"
	KeyChannels         = "notification_channels"
)

// Detection is the trace view of a CONFLICT_DETECTED entry.
type Detection struct {
	Sequence      uint64                 `json:"sequence"`
	Timestamp     time.Time              `json:"timestamp"`
	ActorID       string                 `json:"actor_id,omitempty"`
	CandidateID   string                 `json:"candidate_id"`
	ConflictType  contracts.ConflictType `json:"conflict_type"`
	Severity      contracts.Severity     `json:"severity"`
	Confidence    float64                `json:"confidence"`
	PriorityScore float64                `json:"priority_score"`
	PrincipleIDs  []string               `json:"principle_ids"`
}

// Attempt is the trace view of a RESOLUTION_ATTEMPTED entry.
type Attempt struct {
	Sequence           uint64                 `json:"sequence"`
	Timestamp          time.Time              `json:"timestamp"`
	Attempt            int                    `json:"attempt"`
	Strategy           contracts.StrategyName `json:"strategy,omitempty"`
	Success            bool                   `json:"success"`
	Confidence         float64                `json:"confidence"`
	ExpectedSuccess    float64                `json:"expected_success"`
	ValidationPassed   bool                   `json:"validation_passed"`
	EscalationRequired bool                   `json:"escalation_required"`
	EscalationReason   string                 `json:"escalation_reason,omitempty"`
	ProcessingTimeMs   int64                  `json:"processing_time_ms"`
	Error              string                 `json:"error,omitempty"`
}

// Escalation is the trace view of an ESCALATION_TRIGGERED entry.
type Escalation struct {
	Sequence       uint64    `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
	EscalationID   string    `json:"escalation_id"`
	Level          string    `json:"level"`
	RuleID         string    `json:"rule_id"`
	Reason         string    `json:"reason"`
	Attempt        int       `json:"attempt"`
	UrgencyScore   float64   `json:"urgency_score"`
	TimeoutMinutes int       `json:"timeout_minutes"`
	Deadline       string    `json:"deadline,omitempty"`
	RequiredRoles  []string  `json:"required_roles,omitempty"`
	Channels       []string  `json:"notification_channels,omitempty"`
}

// Intervention is the trace view of a HUMAN_INTERVENTION entry.
type Intervention struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Decision  string    `json:"decision"`
}

// Transition is one status change recorded in the log.
type Transition struct {
	Sequence  uint64                   `json:"sequence"`
	Timestamp time.Time                `json:"timestamp"`
	EventType contracts.AuditEventType `json:"event_type"`
	From      contracts.ConflictStatus `json:"from,omitempty"`
	To        contracts.ConflictStatus `json:"to"`
	Reason    string                   `json:"reason,omitempty"`
}

// Trace is the resolution history of one conflict, rebuilt from the log.
type Trace struct {
	ConflictID    string                   `json:"conflict_id"`
	Detection     *Detection               `json:"detection,omitempty"`
	Attempts      []Attempt                `json:"attempts"`
	Escalations   []Escalation             `json:"escalations"`
	Interventions []Intervention           `json:"interventions"`
	Transitions   []Transition             `json:"transitions"`
	FinalStatus   contracts.ConflictStatus `json:"final_status"`
	Deleted       bool                     `json:"deleted"`
	StartedAt     time.Time                `json:"started_at"`
	EndedAt       time.Time                `json:"ended_at"`
	DurationMs    int64                    `json:"duration_ms"`
	EntryCount    int                      `json:"entry_count"`
}

// GenerateTrace replays entries in order and keeps those of conflictID.
// It returns NotFound when the log holds nothing for the conflict.
func GenerateTrace(entries []contracts.AuditEntry, conflictID string) (Trace, error) {
	t := Trace{
		ConflictID:    conflictID,
		Attempts:      []Attempt{},
		Escalations:   []Escalation{},
		Interventions: []Intervention{},
		Transitions:   []Transition{},
	}

	for _, e := range entries {
		if e.ConflictID != conflictID {
			continue
		}
		if t.EntryCount == 0 {
			t.StartedAt = e.Timestamp
		}
		t.EntryCount++
		t.EndedAt = e.Timestamp
		d := e.EventData

		switch e.EventType {
		case contracts.EventConflictDetected:
			t.Detection = &Detection{
				Sequence:      e.Sequence,
				Timestamp:     e.Timestamp,
				ActorID:       e.ActorID,
				CandidateID:   str(d, KeyCandidateID),
				ConflictType:  contracts.ConflictType(str(d, KeyConflictType)),
				Severity:      contracts.Severity(str(d, KeySeverity)),
				Confidence:    num(d, KeyConfidence),
				PriorityScore: num(d, KeyPriorityScore),
				PrincipleIDs:  strs(d, KeyPrincipleIDs),
			}
		case contracts.EventResolutionAttempted:
			t.Attempts = append(t.Attempts, Attempt{
				Sequence:           e.Sequence,
				Timestamp:          e.Timestamp,
				Attempt:            int(num(d, KeyAttempt)),
				Strategy:           contracts.StrategyName(str(d, KeyStrategy)),
				Success:            flag(d, KeySuccess),
				Confidence:         num(d, KeyConfidence),
				ExpectedSuccess:    num(d, KeyExpectedSuccess),
				ValidationPassed:   flag(d, KeyValidation),
				EscalationRequired: flag(d, KeyEscalationNeeded),
				EscalationReason:   str(d, KeyEscalationReason),
				ProcessingTimeMs:   int64(num(d, KeyProcessingTimeMs)),
				Error:              str(d, KeyError),
			})
		case contracts.EventEscalationTriggered:
			t.Escalations = append(t.Escalations, Escalation{
				Sequence:       e.Sequence,
				Timestamp:      e.Timestamp,
				EscalationID:   str(d, KeyEscalationID),
				Level:          str(d, KeyLevel),
				RuleID:         str(d, KeyRuleID),
				Reason:         str(d, KeyReason),
				Attempt:        int(num(d, KeyAttempt)),
				UrgencyScore:   num(d, KeyUrgency),
				TimeoutMinutes: int(num(d, KeyTimeoutMinutes)),
				Deadline:       str(d, KeyDeadline),
				RequiredRoles:  strs(d, KeyRequiredRoles),
				Channels:       strs(d, KeyChannels),
			})
		case contracts.EventHumanIntervention:
			t.Interventions = append(t.Interventions, Intervention{
				Sequence:  e.Sequence,
				Timestamp: e.Timestamp,
				ActorID:   e.ActorID,
				Decision:  str(d, KeyDecision),
			})
		case contracts.EventRecordDeleted:
			t.Deleted = true
		}

		if to := str(d, KeyTo); to != "" {
			t.Transitions = append(t.Transitions, Transition{
				Sequence:  e.Sequence,
				Timestamp: e.Timestamp,
				EventType: e.EventType,
				From:      contracts.ConflictStatus(str(d, KeyFrom)),
				To:        contracts.ConflictStatus(to),
				Reason:    str(d, KeyReason),
			})
			t.FinalStatus = contracts.ConflictStatus(to)
		}
	}

	if t.EntryCount == 0 {
		return Trace{}, contracts.E(contracts.KindNotFound, "audit.GenerateTrace", "no audit entries for conflict %s", conflictID)
	}
	t.DurationMs = t.EndedAt.Sub(t.StartedAt).Milliseconds()
	return t, nil
}

// Event data decoded from JSON carries float64 numbers and []any lists; the
// accessors below also accept the native Go types so unnormalized data works.

func str(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case interface{ String() string }:
		return v.String()
	}
	return ""
}

func num(d map[string]any, key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return 0
}

func flag(d map[string]any, key string) bool {
	v, _ := d[key].(bool)
	return v
}

func strs(d map[string]any, key string) []string {
	switch v := d[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
