package contracts

import "time"

// EscalationLevel orders the human authority a conflict is handed to.
type EscalationLevel int

const (
	LevelAutomated EscalationLevel = iota
	LevelTechnicalReview
	LevelPolicyManager
	LevelConstitutionalCouncil
	LevelEmergencyResponse
)

var levelNames = map[EscalationLevel]string{
	LevelAutomated:             "AUTOMATED",
	LevelTechnicalReview:       "TECHNICAL_REVIEW",
	LevelPolicyManager:         "POLICY_MANAGER",
	LevelConstitutionalCouncil: "CONSTITUTIONAL_COUNCIL",
	LevelEmergencyResponse:     "EMERGENCY_RESPONSE",
}

func (l EscalationLevel) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return "UNKNOWN"
}

// Next returns the next level up the ladder, capped at EmergencyResponse.
func (l EscalationLevel) Next() EscalationLevel {
	if l >= LevelEmergencyResponse {
		return LevelEmergencyResponse
	}
	return l + 1
}

// ParseEscalationLevel is the inverse of String.
func ParseEscalationLevel(s string) (EscalationLevel, bool) {
	for l, n := range levelNames {
		if n == s {
			return l, true
		}
	}
	return LevelAutomated, false
}

// Role is a human approver role.
type Role string

const (
	RoleTechnicalReviewer     Role = "technical_reviewer"
	RolePolicyManager         Role = "policy_manager"
	RoleConstitutionalCouncil Role = "constitutional_council"
	RoleEmergencyResponder    Role = "emergency_responder"
	RoleStakeholderLiaison    Role = "stakeholder_liaison"
)

// Channel is a notification channel name.
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
	ChannelNATS    Channel = "nats"
	ChannelEmail   Channel = "email"
	ChannelPager   Channel = "pager"
)

// EscalationStatus tracks whether a request still awaits a human.
type EscalationStatus string

const (
	EscalationActive     EscalationStatus = "ACTIVE"
	EscalationResolved   EscalationStatus = "RESOLVED"
	EscalationSuperseded EscalationStatus = "SUPERSEDED"
)

// EscalationRequest hands a conflict to a human role. At most one active
// request exists per conflict.
type EscalationRequest struct {
	EscalationID         string           `json:"escalation_id"`
	ConflictID           string           `json:"conflict_id"`
	Level                EscalationLevel  `json:"level"`
	Reason               string           `json:"reason"`
	RuleID               string           `json:"rule_id"`
	UrgencyScore         float64          `json:"urgency_score"`
	RequiredRoles        []Role           `json:"required_roles"`
	NotificationChannels []Channel        `json:"notification_channels"`
	TimeoutMinutes       int              `json:"timeout_minutes"`
	TimeoutDeadline      time.Time        `json:"timeout_deadline"`
	Attempt              int              `json:"attempt"`
	Status               EscalationStatus `json:"status"`
	CreatedAt            time.Time        `json:"created_at"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
}

// Expired reports whether the deadline passed without a decision.
func (e EscalationRequest) Expired(now time.Time) bool {
	return e.Status == EscalationActive && now.After(e.TimeoutDeadline)
}

// HumanDecision is the verdict a human records on an escalated conflict.
type HumanDecision string

const (
	DecisionResolve         HumanDecision = "resolve"
	DecisionEscalateFurther HumanDecision = "escalate_further"
	DecisionDefer           HumanDecision = "defer"
)

// Valid reports whether d is a known decision.
func (d HumanDecision) Valid() bool {
	switch d {
	case DecisionResolve, DecisionEscalateFurther, DecisionDefer:
		return true
	}
	return false
}
