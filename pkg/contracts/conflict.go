// Package contracts defines the data model shared by the conflict resolution
// pipeline: principles, conflict candidates and records, resolution outcomes,
// escalation requests and audit entries.
package contracts

import (
	"sort"
	"strings"
	"time"
)

// ConflictType classifies the kind of tension between principles.
type ConflictType string

const (
	ConflictPrincipleContradiction ConflictType = "PRINCIPLE_CONTRADICTION"
	ConflictPracticalIncompatible  ConflictType = "PRACTICAL_INCOMPATIBILITY"
	ConflictPriority               ConflictType = "PRIORITY_CONFLICT"
	ConflictScopeOverlap           ConflictType = "SCOPE_OVERLAP"
	ConflictSemanticInconsistency  ConflictType = "SEMANTIC_INCONSISTENCY"
	ConflictTemporal               ConflictType = "TEMPORAL_CONFLICT"
	ConflictStakeholder            ConflictType = "STAKEHOLDER_CONFLICT"
)

// AllConflictTypes lists every conflict type in declaration order.
var AllConflictTypes = []ConflictType{
	ConflictPrincipleContradiction,
	ConflictPracticalIncompatible,
	ConflictPriority,
	ConflictScopeOverlap,
	ConflictSemanticInconsistency,
	ConflictTemporal,
	ConflictStakeholder,
}

// Severity of a detected conflict.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityFromConfidence maps a detection confidence onto a severity band.
func SeverityFromConfidence(confidence float64) Severity {
	switch {
	case confidence >= 0.9:
		return SeverityCritical
	case confidence >= 0.8:
		return SeverityHigh
	case confidence >= 0.7:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// StrategyName names a resolution strategy.
type StrategyName string

const (
	StrategyWeightedPriority     StrategyName = "WEIGHTED_PRIORITY"
	StrategyConsensusBased       StrategyName = "CONSENSUS_BASED"
	StrategyPrecedenceBased      StrategyName = "PRECEDENCE_BASED"
	StrategyContextualBalancing  StrategyName = "CONTEXTUAL_BALANCING"
	StrategyMultiObjective       StrategyName = "MULTI_OBJECTIVE_OPTIMIZATION"
	StrategyHierarchicalControl  StrategyName = "HIERARCHICAL_CONTROL"
	StrategyScopePartitioning    StrategyName = "SCOPE_PARTITIONING"
	StrategySemanticReconcile    StrategyName = "SEMANTIC_RECONCILIATION"
	StrategyTemporalSequencing   StrategyName = "TEMPORAL_SEQUENCING"
	StrategyStakeholderMediation StrategyName = "STAKEHOLDER_MEDIATION"
)

// ConflictCandidate is a detector-produced hypothesis that two or more
// principles are in tension. Candidates are never mutated after creation.
type ConflictCandidate struct {
	CandidateID         string         `json:"candidate_id"`
	ConflictType        ConflictType   `json:"conflict_type"`
	Severity            Severity       `json:"severity"`
	PrincipleIDs        []string       `json:"principle_ids"`
	Confidence          float64        `json:"confidence"`
	PriorityScore       float64        `json:"priority_score"`
	RecommendedStrategy StrategyName   `json:"recommended_strategy,omitempty"`
	DetectionMetadata   map[string]any `json:"detection_metadata,omitempty"`
	DetectedAt          time.Time      `json:"detected_at"`
}

// PrincipleSetKey returns an order-independent key for the involved principles.
func (c ConflictCandidate) PrincipleSetKey() string {
	return PrincipleSetKey(c.PrincipleIDs)
}

// PrincipleSetKey returns the sorted, de-duplicated ids joined by '|'.
func PrincipleSetKey(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, "|")
}

// ConflictStatus is the lifecycle state of a ConflictRecord.
type ConflictStatus string

const (
	StatusIdentified ConflictStatus = "IDENTIFIED"
	StatusAnalyzing  ConflictStatus = "ANALYZING"
	StatusResolved   ConflictStatus = "RESOLVED"
	StatusEscalated  ConflictStatus = "ESCALATED"
	StatusFailed     ConflictStatus = "FAILED"
	StatusDeferred   ConflictStatus = "DEFERRED"
)

// Terminal reports whether no further automated transition is allowed.
func (s ConflictStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusFailed, StatusDeferred:
		return true
	}
	return false
}

var allowedTransitions = map[ConflictStatus][]ConflictStatus{
	StatusIdentified: {StatusAnalyzing, StatusEscalated, StatusFailed},
	StatusAnalyzing:  {StatusResolved, StatusEscalated, StatusFailed},
	StatusEscalated:  {StatusResolved, StatusEscalated, StatusFailed, StatusDeferred},
	StatusDeferred:   {StatusEscalated},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to ConflictStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConflictRecord is the persisted, stateful entity tracking a confirmed
// conflict. Only the orchestrator writes records. Version increments on
// every successful write.
type ConflictRecord struct {
	ConflictID        string              `json:"conflict_id"`
	CandidateID       string              `json:"candidate_id"`
	ConflictType      ConflictType        `json:"conflict_type"`
	Severity          Severity            `json:"severity"`
	PrincipleIDs      []string            `json:"principle_ids"`
	Confidence        float64             `json:"confidence"`
	PriorityScore     float64             `json:"priority_score"`
	Status            ConflictStatus      `json:"status"`
	ResolutionDetails map[string]any      `json:"resolution_details,omitempty"`
	Outcomes          []ResolutionOutcome `json:"outcomes,omitempty"`
	DetectionMetadata map[string]any      `json:"detection_metadata,omitempty"`
	Version           int64               `json:"version"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// FailedAttempts counts unsuccessful resolution outcomes on the record.
func (r ConflictRecord) FailedAttempts() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Success {
			n++
		}
	}
	return n
}

// Clone returns a deep-enough copy for safe mutation by a caller.
func (r ConflictRecord) Clone() ConflictRecord {
	out := r
	out.PrincipleIDs = append([]string(nil), r.PrincipleIDs...)
	out.Outcomes = append([]ResolutionOutcome(nil), r.Outcomes...)
	if r.ResolutionDetails != nil {
		out.ResolutionDetails = make(map[string]any, len(r.ResolutionDetails))
		for k, v := range r.ResolutionDetails {
			out.ResolutionDetails[k] = v
		}
	}
	if r.DetectionMetadata != nil {
		out.DetectionMetadata = make(map[string]any, len(r.DetectionMetadata))
		for k, v := range r.DetectionMetadata {
			out.DetectionMetadata[k] = v
		}
	}
	return out
}

// ResolutionOutcome is produced once per resolution attempt.
type ResolutionOutcome struct {
	Attempt            int            `json:"attempt"`
	StrategyUsed       StrategyName   `json:"strategy_used,omitempty"`
	Success            bool           `json:"success"`
	ConfidenceScore    float64        `json:"confidence_score"`
	ExpectedSuccess    float64        `json:"expected_success"`
	ValidationPassed   bool           `json:"validation_passed"`
	EscalationRequired bool           `json:"escalation_required"`
	EscalationReason   string         `json:"escalation_reason,omitempty"`
	Resolution         map[string]any `json:"resolution,omitempty"`
	Error              string         `json:"error,omitempty"`
	ProcessingTimeMs   int64          `json:"processing_time_ms"`
}

// Escalation reasons attached to outcomes.
const (
	ReasonLowConfidence     = "low_confidence"
	ReasonNoApplicable      = "no_applicable_strategy"
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonStrategyFailure   = "strategy_failure"
	ReasonCancelled         = "cancelled"
	ReasonEscalationTimeout = "escalation_timeout"
	ReasonEvaluationFailure = "evaluation_failure"
	ReasonHumanEscalation   = "human_escalate_further"
)

// MetadataStakeholders is the detection metadata key listing the distinct
// stakeholder classes affected by a conflict.
const MetadataStakeholders = "stakeholders"

// StakeholderCount returns the number of distinct stakeholder classes recorded
// under MetadataStakeholders. Metadata read back from JSON holds []any.
func StakeholderCount(meta map[string]any) int {
	seen := map[string]struct{}{}
	switch v := meta[MetadataStakeholders].(type) {
	case []string:
		for _, s := range v {
			seen[s] = struct{}{}
		}
	case []StakeholderClass:
		for _, s := range v {
			seen[string(s)] = struct{}{}
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				seen[str] = struct{}{}
			}
		}
	}
	return len(seen)
}
