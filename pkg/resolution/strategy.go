package resolution

import (
	"context"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Evaluation is a strategy's self-assessment for a conflict.
type Evaluation struct {
	Strategy        contracts.StrategyName `json:"strategy"`
	Applicability   float64                `json:"applicability"`
	ExpectedSuccess float64                `json:"expected_success"`
}

// Rank is the selection score: applicability × expected success.
func (e Evaluation) Rank() float64 { return e.Applicability * e.ExpectedSuccess }

// Proposal is the deterministic output of applying a strategy.
type Proposal struct {
	Resolution map[string]any
	// References lists every principle the proposal accounts for.
	References []string
	Confidence float64
}

// strategy binds a name to its applicability, apply and validate functions.
type strategy struct {
	name contracts.StrategyName
	// applicability refines the static per-type table for this conflict.
	applicability func(base float64, rec contracts.ConflictRecord, ps []contracts.Principle) float64
	apply         func(ctx context.Context, rec contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error)
	// validate runs after the generic reference check. Nil means no extra check.
	validate func(p Proposal, ps []contracts.Principle) error
}

// DefaultSuccessRates are the static historical success rates per strategy.
var DefaultSuccessRates = map[contracts.StrategyName]float64{
	contracts.StrategyPrecedenceBased:      0.90,
	contracts.StrategyScopePartitioning:    0.88,
	contracts.StrategyWeightedPriority:     0.85,
	contracts.StrategyHierarchicalControl:  0.80,
	contracts.StrategyTemporalSequencing:   0.78,
	contracts.StrategyConsensusBased:       0.75,
	contracts.StrategySemanticReconcile:    0.72,
	contracts.StrategyContextualBalancing:  0.70,
	contracts.StrategyMultiObjective:       0.65,
	contracts.StrategyStakeholderMediation: 0.60,
}

// applicabilityTable is the static heuristic keyed on conflict type.
// Missing entries mean the strategy does not apply.
var applicabilityTable = map[contracts.StrategyName]map[contracts.ConflictType]float64{
	contracts.StrategyWeightedPriority: {
		contracts.ConflictPriority:               0.9,
		contracts.ConflictPracticalIncompatible:  0.6,
		contracts.ConflictPrincipleContradiction: 0.5,
		contracts.ConflictScopeOverlap:           0.4,
	},
	contracts.StrategyConsensusBased: {
		contracts.ConflictStakeholder:            0.7,
		contracts.ConflictPracticalIncompatible:  0.6,
		contracts.ConflictPrincipleContradiction: 0.5,
		contracts.ConflictSemanticInconsistency:  0.4,
		contracts.ConflictScopeOverlap:           0.4,
	},
	contracts.StrategyPrecedenceBased: {
		contracts.ConflictPrincipleContradiction: 0.9,
		contracts.ConflictPriority:               0.7,
		contracts.ConflictTemporal:               0.6,
		contracts.ConflictSemanticInconsistency:  0.4,
	},
	contracts.StrategyContextualBalancing: {
		contracts.ConflictPracticalIncompatible: 0.85,
		contracts.ConflictScopeOverlap:          0.6,
		contracts.ConflictStakeholder:           0.6,
		contracts.ConflictSemanticInconsistency: 0.5,
		contracts.ConflictPriority:              0.5,
	},
	contracts.StrategyMultiObjective: {
		contracts.ConflictPracticalIncompatible: 0.7,
		contracts.ConflictStakeholder:           0.6,
		contracts.ConflictScopeOverlap:          0.5,
		contracts.ConflictPriority:              0.5,
	},
	contracts.StrategyHierarchicalControl: {
		contracts.ConflictPriority:               0.8,
		contracts.ConflictPrincipleContradiction: 0.7,
		contracts.ConflictScopeOverlap:           0.5,
	},
	contracts.StrategyScopePartitioning: {
		contracts.ConflictScopeOverlap:          0.95,
		contracts.ConflictPracticalIncompatible: 0.5,
		contracts.ConflictTemporal:              0.4,
		contracts.ConflictPriority:              0.4,
	},
	contracts.StrategySemanticReconcile: {
		contracts.ConflictSemanticInconsistency:  0.95,
		contracts.ConflictPrincipleContradiction: 0.6,
	},
	contracts.StrategyTemporalSequencing: {
		contracts.ConflictTemporal:     0.95,
		contracts.ConflictPriority:     0.4,
		contracts.ConflictScopeOverlap: 0.4,
	},
	contracts.StrategyStakeholderMediation: {
		contracts.ConflictStakeholder:           0.95,
		contracts.ConflictScopeOverlap:          0.5,
		contracts.ConflictPracticalIncompatible: 0.5,
	},
}
