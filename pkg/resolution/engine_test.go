package resolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

func pair(weightA, weightB float64) []contracts.Principle {
	return []contracts.Principle{
		{ID: "a", Version: "1.0.0", ScopeKeywords: []string{"data", "privacy", "consent"}, PriorityWeight: weightA,
			NormativeStatements: []string{"Data must stay private"},
			StakeholderImpact:   map[contracts.StakeholderClass]float64{"citizens": 0.9, "operators": 0.1}},
		{ID: "b", Version: "2.0.0", ScopeKeywords: []string{"data", "privacy", "logging"}, PriorityWeight: weightB,
			NormativeStatements: []string{"Data must be logged"},
			StakeholderImpact:   map[contracts.StakeholderClass]float64{"citizens": 0.2, "operators": 0.8}},
	}
}

func record(t contracts.ConflictType) contracts.ConflictRecord {
	return contracts.ConflictRecord{ConflictID: "c-1", ConflictType: t, PrincipleIDs: []string{"a", "b"}}
}

func TestResolve_PriorityConflictAutoResolves(t *testing.T) {
	out := NewEngine(Options{}).Resolve(context.Background(), record(contracts.ConflictPriority), pair(0.9, 0.2))

	assert.Equal(t, contracts.StrategyWeightedPriority, out.StrategyUsed)
	assert.True(t, out.Success)
	assert.True(t, out.ValidationPassed)
	assert.False(t, out.EscalationRequired)
	assert.Equal(t, 0.85, out.ExpectedSuccess)
	assert.InDelta(t, 1.0, out.ConfidenceScore, 1e-9)
	assert.Equal(t, "a", out.Resolution["dominant"])
	assert.Equal(t, 1, out.Attempt)
}

func TestResolve_LowExpectedSuccessEscalates(t *testing.T) {
	out := NewEngine(Options{}).Resolve(context.Background(), record(contracts.ConflictStakeholder), pair(0.5, 0.5))

	assert.Equal(t, contracts.StrategyStakeholderMediation, out.StrategyUsed)
	assert.Equal(t, 0.6, out.ExpectedSuccess)
	assert.True(t, out.Success, "strategy executed and validated")
	assert.True(t, out.EscalationRequired)
	assert.Equal(t, contracts.ReasonLowConfidence, out.EscalationReason)
	assert.Equal(t, map[string]string{"citizens": "a", "operators": "b"}, out.Resolution["advocates"])
}

func TestResolve_ScopePartitioningProducesDisjointPartitions(t *testing.T) {
	out := NewEngine(Options{}).Resolve(context.Background(), record(contracts.ConflictScopeOverlap), pair(0.9, 0.2))

	require.True(t, out.Success, out.Error)
	assert.Equal(t, contracts.StrategyScopePartitioning, out.StrategyUsed)
	partitions := out.Resolution["partitions"].(map[string][]string)
	assert.Equal(t, []string{"consent", "data", "privacy"}, partitions["a"])
	assert.Equal(t, []string{"logging"}, partitions["b"])
}

func TestResolve_RetrySkipsFailedStrategy(t *testing.T) {
	rec := record(contracts.ConflictPriority)
	rec.Outcomes = []contracts.ResolutionOutcome{{Attempt: 1, StrategyUsed: contracts.StrategyWeightedPriority}}

	out := NewEngine(Options{}).Resolve(context.Background(), rec, pair(0.9, 0.2))
	assert.Equal(t, contracts.StrategyHierarchicalControl, out.StrategyUsed)
	assert.Equal(t, 2, out.Attempt)
	assert.True(t, out.Success)
}

func TestResolve_StrategyFailureIsAnOutcome(t *testing.T) {
	ps := pair(0.9, 0.2)[:1]
	out := NewEngine(Options{}).Resolve(context.Background(), record(contracts.ConflictPriority), ps)

	assert.False(t, out.Success)
	assert.False(t, out.ValidationPassed)
	assert.Contains(t, out.Error, "at least two principles")
	assert.False(t, out.EscalationRequired)
}

func TestResolve_NoApplicableStrategy(t *testing.T) {
	out := NewEngine(Options{}).Resolve(context.Background(), record("UNKNOWN"), pair(0.9, 0.2))

	assert.False(t, out.Success)
	assert.True(t, out.EscalationRequired)
	assert.Equal(t, contracts.ReasonNoApplicable, out.EscalationReason)
	assert.Empty(t, out.StrategyUsed)
}

func TestResolve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := NewEngine(Options{}).Resolve(ctx, record(contracts.ConflictPriority), pair(0.9, 0.2))

	assert.False(t, out.Success)
	assert.Equal(t, contracts.ReasonCancelled, out.EscalationReason)
}

func TestResolve_ProcessingTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(Options{}).WithClock(func() time.Time {
		now = now.Add(40 * time.Millisecond)
		return now
	})
	out := e.Resolve(context.Background(), record(contracts.ConflictPriority), pair(0.9, 0.2))
	assert.Equal(t, int64(40), out.ProcessingTimeMs)
}

func TestEvaluate_SuccessRateOverride(t *testing.T) {
	e := NewEngine(Options{SuccessRates: map[contracts.StrategyName]float64{contracts.StrategyStakeholderMediation: 0.95}})
	best, ok := e.Select(record(contracts.ConflictStakeholder), pair(0.5, 0.5))
	require.True(t, ok)
	assert.Equal(t, contracts.StrategyStakeholderMediation, best.Strategy)
	assert.Equal(t, 0.95, best.ExpectedSuccess)

	out := e.Resolve(context.Background(), record(contracts.ConflictStakeholder), pair(0.5, 0.5))
	assert.False(t, out.EscalationRequired)
}

func TestEvaluate_CoversEveryStrategy(t *testing.T) {
	evals := NewEngine(Options{}).Evaluate(record(contracts.ConflictScopeOverlap), pair(0.9, 0.2))
	require.Len(t, evals, 10)
	seen := map[contracts.StrategyName]bool{}
	for _, ev := range evals {
		seen[ev.Strategy] = true
		assert.GreaterOrEqual(t, ev.Applicability, 0.0)
		assert.LessOrEqual(t, ev.Applicability, 1.0)
	}
	assert.Len(t, seen, 10)
}

func TestStrategies_AllReferenceEveryPrinciple(t *testing.T) {
	e := NewEngine(Options{})
	ps := pair(0.7, 0.3)
	for _, s := range strategies {
		p, err := s.apply(context.Background(), record(contracts.ConflictScopeOverlap), ps)
		require.NoError(t, err, s.name)
		require.NoError(t, e.validate(s.name, p, ps), s.name)
	}
}
