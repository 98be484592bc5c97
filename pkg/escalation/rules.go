package escalation

import (
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Facts are the inputs every escalation rule is evaluated against.
type Facts struct {
	Severity           contracts.Severity
	Confidence         float64
	FailedAttempts     int
	PrincipleCount     int
	ConflictType       contracts.ConflictType
	StakeholderCount   int
	PriorityScore      float64
	EscalationRequired bool
}

// FactsFor derives rule facts from a record, its last outcome and the
// candidate that opened it. lastOutcome and candidate may be nil.
func FactsFor(rec contracts.ConflictRecord, lastOutcome *contracts.ResolutionOutcome, candidate *contracts.ConflictCandidate) Facts {
	f := Facts{
		Severity:       rec.Severity,
		Confidence:     rec.Confidence,
		FailedAttempts: rec.FailedAttempts(),
		PrincipleCount: len(rec.PrincipleIDs),
		ConflictType:   rec.ConflictType,
		PriorityScore:  rec.PriorityScore,
	}
	meta := rec.DetectionMetadata
	if candidate != nil {
		if f.Severity == "" {
			f.Severity = candidate.Severity
		}
		if f.ConflictType == "" {
			f.ConflictType = candidate.ConflictType
		}
		if f.PrincipleCount == 0 {
			f.PrincipleCount = len(candidate.PrincipleIDs)
		}
		if meta == nil {
			meta = candidate.DetectionMetadata
		}
	}
	f.StakeholderCount = contracts.StakeholderCount(meta)
	if lastOutcome != nil {
		f.EscalationRequired = lastOutcome.EscalationRequired
	}
	return f
}

// Rule maps a predicate over Facts to an escalation target.
type Rule struct {
	ID             string
	Description    string
	Level          contracts.EscalationLevel
	TimeoutMinutes int
	RequiredRoles  []contracts.Role
	Channels       []contracts.Channel
	PriorityBoost  float64
	Match          func(Facts) (bool, error)
}

// Built-in rule ids.
const (
	RuleCriticalConfident   = "critical_high_confidence"
	RuleHighUncertain       = "high_severity_low_confidence"
	RuleRepeatedFailures    = "repeated_automation_failures"
	RuleBroadHighPriority   = "broad_high_priority"
	RuleStakeholderDispute  = "stakeholder_dispute"
	RuleEscalationRequested = "escalation_requested"
	RuleFailOpen            = "fail_open"
)

// DefaultRules returns the built-in rules in evaluation order. The first
// matching rule wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:             RuleCriticalConfident,
			Description:    "critical severity detected with high confidence",
			Level:          contracts.LevelEmergencyResponse,
			TimeoutMinutes: 2,
			RequiredRoles:  []contracts.Role{contracts.RoleEmergencyResponder, contracts.RoleConstitutionalCouncil},
			Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelPager, contracts.ChannelNATS, contracts.ChannelWebhook},
			PriorityBoost:  0.9,
			Match: func(f Facts) (bool, error) {
				return f.Severity == contracts.SeverityCritical && f.Confidence >= 0.9, nil
			},
		},
		{
			ID:             RuleHighUncertain,
			Description:    "high severity with uncertain detection",
			Level:          contracts.LevelConstitutionalCouncil,
			TimeoutMinutes: 5,
			RequiredRoles:  []contracts.Role{contracts.RoleConstitutionalCouncil},
			Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelEmail, contracts.ChannelNATS},
			PriorityBoost:  0.8,
			Match: func(f Facts) (bool, error) {
				return f.Severity == contracts.SeverityHigh && f.Confidence < 0.7, nil
			},
		},
		{
			ID:             RuleRepeatedFailures,
			Description:    "automated resolution failed repeatedly",
			Level:          contracts.LevelTechnicalReview,
			TimeoutMinutes: 10,
			RequiredRoles:  []contracts.Role{contracts.RoleTechnicalReviewer},
			Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelWebhook},
			PriorityBoost:  0.5,
			Match: func(f Facts) (bool, error) {
				return f.FailedAttempts >= 2, nil
			},
		},
		{
			ID:             RuleBroadHighPriority,
			Description:    "three or more principles in a high-priority conflict",
			Level:          contracts.LevelPolicyManager,
			TimeoutMinutes: 15,
			RequiredRoles:  []contracts.Role{contracts.RolePolicyManager},
			Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelEmail},
			PriorityBoost:  0.6,
			Match: func(f Facts) (bool, error) {
				return f.PrincipleCount >= 3 && f.PriorityScore >= 0.8, nil
			},
		},
		{
			ID:             RuleStakeholderDispute,
			Description:    "stakeholder conflict between distinct groups",
			Level:          contracts.LevelConstitutionalCouncil,
			TimeoutMinutes: 30,
			RequiredRoles:  []contracts.Role{contracts.RoleConstitutionalCouncil, contracts.RoleStakeholderLiaison},
			Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelEmail, contracts.ChannelNATS},
			PriorityBoost:  0.7,
			Match: func(f Facts) (bool, error) {
				return f.ConflictType == contracts.ConflictStakeholder && f.StakeholderCount >= 2, nil
			},
		},
	}
}

// requestedRule catches conflicts the resolution engine flagged for escalation
// when no specific rule matched.
func requestedRule() Rule {
	return Rule{
		ID:             RuleEscalationRequested,
		Description:    "automation requested human review",
		Level:          contracts.LevelTechnicalReview,
		TimeoutMinutes: 10,
		RequiredRoles:  []contracts.Role{contracts.RoleTechnicalReviewer},
		Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelWebhook},
		PriorityBoost:  0.4,
		Match: func(f Facts) (bool, error) {
			return f.EscalationRequired, nil
		},
	}
}

// failOpenRule is used when rule evaluation itself fails.
func failOpenRule() Rule {
	return Rule{
		ID:             RuleFailOpen,
		Description:    "escalation rule evaluation failed",
		Level:          contracts.LevelEmergencyResponse,
		TimeoutMinutes: 2,
		RequiredRoles:  []contracts.Role{contracts.RoleEmergencyResponder},
		Channels:       []contracts.Channel{contracts.ChannelLog, contracts.ChannelPager, contracts.ChannelNATS, contracts.ChannelWebhook},
		PriorityBoost:  1.0,
	}
}
