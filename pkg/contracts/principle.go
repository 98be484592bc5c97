package contracts

import "time"

// StakeholderClass identifies a group affected by a principle.
type StakeholderClass string

// Principle is a read-only snapshot of a constitutional principle.
// The detector never mutates principles; a detection pass operates on the
// slice it was handed.
type Principle struct {
	ID                  string                       `json:"id" yaml:"id"`
	Text                string                       `json:"text" yaml:"text"`
	Version             string                       `json:"version,omitempty" yaml:"version,omitempty"`
	ScopeKeywords       []string                     `json:"scope_keywords" yaml:"scope_keywords"`
	PriorityWeight      float64                      `json:"priority_weight" yaml:"priority_weight"`
	StakeholderImpact   map[StakeholderClass]float64 `json:"stakeholder_impact,omitempty" yaml:"stakeholder_impact,omitempty"`
	NormativeStatements []string                     `json:"normative_statements,omitempty" yaml:"normative_statements,omitempty"`
	EffectiveFrom       *time.Time                   `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveUntil      *time.Time                   `json:"effective_until,omitempty" yaml:"effective_until,omitempty"`
}

// KeywordSet returns the scope keywords as a set.
func (p Principle) KeywordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.ScopeKeywords))
	for _, k := range p.ScopeKeywords {
		set[k] = struct{}{}
	}
	return set
}

// ActiveAt reports whether the principle's effective window contains t.
// A principle with no window is always active.
func (p Principle) ActiveAt(t time.Time) bool {
	if p.EffectiveFrom != nil && t.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && !t.Before(*p.EffectiveUntil) {
		return false
	}
	return true
}
