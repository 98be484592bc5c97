package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/scoring"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDetector(opts Options) *Detector {
	return New(nil, opts).WithClock(func() time.Time { return fixedNow })
}

func scenarioPriority() []contracts.Principle {
	return []contracts.Principle{
		{
			ID:             "p-privacy",
			Text:           "Users decide how their information is used",
			ScopeKeywords:  []string{"data", "privacy", "consent", "retention"},
			PriorityWeight: 0.9,
		},
		{
			ID:             "p-ops",
			Text:           "Operational logs stay available for investigations",
			ScopeKeywords:  []string{"data", "privacy", "security", "logging"},
			PriorityWeight: 0.2,
		},
	}
}

func TestDetect_PriorityConflict(t *testing.T) {
	got, err := newDetector(Options{}).Detect(context.Background(), scenarioPriority())
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, contracts.ConflictPriority, c.ConflictType)
	assert.GreaterOrEqual(t, c.Confidence, 0.7)
	assert.InDelta(t, 0.81, c.Confidence, 1e-9)
	assert.Equal(t, contracts.SeverityHigh, c.Severity)
	assert.Equal(t, []string{"p-ops", "p-privacy"}, c.PrincipleIDs)
	assert.Equal(t, contracts.StrategyWeightedPriority, c.RecommendedStrategy)
	assert.InDelta(t, 0.495, c.PriorityScore, 1e-9)
	assert.Equal(t, fixedNow, c.DetectedAt)
	assert.Equal(t, []string{"data", "privacy"}, c.DetectionMetadata["shared_keywords"])
}

func TestDetect_SemanticInconsistency(t *testing.T) {
	ps := []contracts.Principle{
		{ID: "a", ScopeKeywords: []string{"records"}, PriorityWeight: 0.5,
			NormativeStatements: []string{"Systems must retain user data for audits"}},
		{ID: "b", ScopeKeywords: []string{"archives"}, PriorityWeight: 0.5,
			NormativeStatements: []string{"Systems must not retain user data for audits"}},
	}
	got, err := newDetector(Options{}).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.ConflictSemanticInconsistency, got[0].ConflictType)
	assert.Equal(t, contracts.SeverityCritical, got[0].Severity)
	assert.Greater(t, got[0].DetectionMetadata["similarity"], 0.7)
}

func TestDetect_PatternLibrary(t *testing.T) {
	ps := []contracts.Principle{
		{ID: "a", Text: "We must protect personal information", ScopeKeywords: []string{"privacy"}, PriorityWeight: 0.6},
		{ID: "b", Text: "Security teams monitor all traffic", ScopeKeywords: []string{"security"}, PriorityWeight: 0.6},
	}
	got, err := newDetector(Options{}).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.ConflictPracticalIncompatible, got[0].ConflictType)
	assert.Equal(t, "privacy_vs_security", got[0].DetectionMetadata["pattern"])
}

func TestDetect_CustomPattern(t *testing.T) {
	ps := []contracts.Principle{
		{ID: "a", Text: "Rivers flow freely", ScopeKeywords: []string{"rivers"}, PriorityWeight: 0.5},
		{ID: "b", Text: "Dams flow control", ScopeKeywords: []string{"dams"}, PriorityWeight: 0.5},
	}
	opts := Options{Patterns: []Pattern{{
		Name:           "water_use",
		Keywords:       []string{"rivers", "dams"},
		Phrases:        []string{"flow"},
		BaseConfidence: 0.6,
	}}}
	got, err := newDetector(opts).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "water_use", got[0].DetectionMetadata["pattern"])
	assert.InDelta(t, 0.95, got[0].Confidence, 1e-9)
}

func TestDetect_ScopeOverlap(t *testing.T) {
	ps := []contracts.Principle{
		{ID: "a", ScopeKeywords: []string{"education", "curriculum", "schools"}, PriorityWeight: 0.5,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"students": 0.9, "staff": 0.1}},
		{ID: "b", ScopeKeywords: []string{"education", "curriculum", "schools"}, PriorityWeight: 0.5,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"students": 0.1, "staff": 0.9}},
	}
	got, err := newDetector(Options{}).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.ConflictScopeOverlap, got[0].ConflictType)
	assert.InDelta(t, 0.94, got[0].Confidence, 1e-9)
	assert.Equal(t, 2, contracts.StakeholderCount(got[0].DetectionMetadata))
}

func TestDetect_DedupKeepsEarlierPass(t *testing.T) {
	ps := []contracts.Principle{
		{ID: "a", ScopeKeywords: []string{"education", "curriculum", "schools"}, PriorityWeight: 0.9,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"students": 0.9, "staff": 0.1}},
		{ID: "b", ScopeKeywords: []string{"education", "curriculum", "schools"}, PriorityWeight: 0.1,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"students": 0.1, "staff": 0.9}},
	}
	got, err := newDetector(Options{}).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.ConflictPriority, got[0].ConflictType)
}

func TestDetect_ThresholdAppliedAfterPasses(t *testing.T) {
	got, err := newDetector(Options{Threshold: 0.95}).Detect(context.Background(), scenarioPriority())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetect_ExtendedPasses(t *testing.T) {
	ps := []contracts.Principle{
		{ID: "v1", Version: "1.2.0", ScopeKeywords: []string{"housing", "rent"}, PriorityWeight: 0.5},
		{ID: "v2", Version: "2.0.0", ScopeKeywords: []string{"housing", "rent"}, PriorityWeight: 0.5},
		{ID: "t", ScopeKeywords: []string{"housing", "zoning"}, PriorityWeight: 0.5,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"tenants": 0.9, "landlords": 0.1, "city": 0.8}},
		{ID: "l", ScopeKeywords: []string{"housing", "permits"}, PriorityWeight: 0.5,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"tenants": 0.1, "landlords": 0.9, "city": 0.2}},
	}

	base, err := newDetector(Options{}).Detect(context.Background(), ps)
	require.NoError(t, err)
	assert.Empty(t, base)

	got, err := newDetector(Options{ExtendedPasses: true}).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 2)

	types := map[contracts.ConflictType]contracts.ConflictCandidate{}
	for _, c := range got {
		types[c.ConflictType] = c
	}
	require.Contains(t, types, contracts.ConflictTemporal)
	require.Contains(t, types, contracts.ConflictStakeholder)
	assert.Equal(t, []string{"v1", "v2"}, types[contracts.ConflictTemporal].PrincipleIDs)
	assert.Equal(t, 3, contracts.StakeholderCount(types[contracts.ConflictStakeholder].DetectionMetadata))
}

func TestDetect_TemporalRequiresOverlappingWindows(t *testing.T) {
	end := fixedNow
	start := fixedNow.Add(24 * time.Hour)
	ps := []contracts.Principle{
		{ID: "v1", Version: "1.0.0", ScopeKeywords: []string{"tax"}, PriorityWeight: 0.5, EffectiveUntil: &end},
		{ID: "v2", Version: "2.0.0", ScopeKeywords: []string{"tax"}, PriorityWeight: 0.5, EffectiveFrom: &start},
	}
	got, err := newDetector(Options{ExtendedPasses: true}).Detect(context.Background(), ps)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type failingScorer struct{ panic bool }

func (f failingScorer) Score(context.Context, scoring.Input) (float64, error) {
	if f.panic {
		panic("model crashed")
	}
	return 0, errors.New("model unavailable")
}

func TestDetect_PassFailureIsIsolated(t *testing.T) {
	for _, s := range []failingScorer{{panic: false}, {panic: true}} {
		d := New(s, Options{})
		got, err := d.Detect(context.Background(), scenarioPriority())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, contracts.ConflictPriority, got[0].ConflictType)
	}
}

func TestDetect_SortedByPriorityScore(t *testing.T) {
	ps := append(scenarioPriority(),
		contracts.Principle{ID: "x", ScopeKeywords: []string{"energy", "grid", "storage"}, PriorityWeight: 0.95,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"residents": 1.0, "utilities": 0.0}},
		contracts.Principle{ID: "y", ScopeKeywords: []string{"energy", "grid", "storage"}, PriorityWeight: 0.95,
			StakeholderImpact: map[contracts.StakeholderClass]float64{"residents": 0.0, "utilities": 1.0}},
	)
	got, err := newDetector(Options{}).Detect(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].PriorityScore, got[1].PriorityScore)
	assert.Equal(t, contracts.ConflictScopeOverlap, got[0].ConflictType)
}

func TestDetect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDetector(Options{}).Detect(ctx, scenarioPriority())
	require.ErrorIs(t, err, context.Canceled)
}

func TestPriorityScore_Clamped(t *testing.T) {
	ps := make([]contracts.Principle, 7)
	for i := range ps {
		ps[i] = contracts.Principle{PriorityWeight: 1, StakeholderImpact: map[contracts.StakeholderClass]float64{"all": 1}}
	}
	assert.Equal(t, 1.0, PriorityScore(contracts.ConflictPrincipleContradiction, contracts.SeverityCritical, ps))
}
