package detector

import (
	"math"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Priority score weights. They sum to 1.
const (
	weightImportance  = 0.30
	weightStakeholder = 0.25
	weightPrecedence  = 0.20
	weightUrgency     = 0.15
	weightBreadth     = 0.10
)

var precedenceByType = map[contracts.ConflictType]float64{
	contracts.ConflictPrincipleContradiction: 1.0,
	contracts.ConflictSemanticInconsistency:  0.9,
	contracts.ConflictPriority:               0.85,
	contracts.ConflictPracticalIncompatible:  0.8,
	contracts.ConflictStakeholder:            0.75,
	contracts.ConflictScopeOverlap:           0.7,
	contracts.ConflictTemporal:               0.6,
}

var urgencyBySeverity = map[contracts.Severity]float64{
	contracts.SeverityCritical: 1.0,
	contracts.SeverityHigh:     0.8,
	contracts.SeverityMedium:   0.6,
	contracts.SeverityLow:      0.3,
}

// PriorityScore ranks a conflict for processing order. Importance is the mean
// priority weight of the involved principles; stakeholder impact is the mean of
// each principle's strongest impact; breadth is min(n/5, 1).
func PriorityScore(t contracts.ConflictType, sev contracts.Severity, involved []contracts.Principle) float64 {
	var importance, impact float64
	for _, p := range involved {
		importance += p.PriorityWeight
		strongest := 0.0
		for _, v := range p.StakeholderImpact {
			strongest = math.Max(strongest, v)
		}
		impact += strongest
	}
	n := float64(len(involved))
	if n > 0 {
		importance /= n
		impact /= n
	}
	breadth := math.Min(n/5, 1)

	score := weightImportance*importance +
		weightStakeholder*impact +
		weightPrecedence*precedenceByType[t] +
		weightUrgency*urgencyBySeverity[sev] +
		weightBreadth*breadth
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
