package resolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

var errTooFewPrinciples = errors.New("at least two principles are required")

// strategies is the fixed dispatch table, in tie-break order.
var strategies = []strategy{
	{name: contracts.StrategyPrecedenceBased, applicability: identity, apply: applyPrecedence},
	{name: contracts.StrategyScopePartitioning, applicability: needsKeywords, apply: applyScopePartitioning, validate: validatePartitions},
	{name: contracts.StrategyWeightedPriority, applicability: needsWeightSpread, apply: applyWeightedPriority},
	{name: contracts.StrategyHierarchicalControl, applicability: identity, apply: applyHierarchical},
	{name: contracts.StrategyTemporalSequencing, applicability: needsVersions, apply: applyTemporalSequencing},
	{name: contracts.StrategyConsensusBased, applicability: consensusBreadth, apply: applyConsensus},
	{name: contracts.StrategySemanticReconcile, applicability: identity, apply: applySemanticReconcile},
	{name: contracts.StrategyContextualBalancing, applicability: identity, apply: applyContextualBalancing},
	{name: contracts.StrategyMultiObjective, applicability: identity, apply: applyMultiObjective, validate: validateAllocation},
	{name: contracts.StrategyStakeholderMediation, applicability: identity, apply: applyStakeholderMediation},
}

// Applicability refinements.

func identity(base float64, _ contracts.ConflictRecord, _ []contracts.Principle) float64 { return base }

func needsKeywords(base float64, _ contracts.ConflictRecord, ps []contracts.Principle) float64 {
	for _, p := range ps {
		if len(p.ScopeKeywords) == 0 {
			return 0
		}
	}
	return base
}

func needsWeightSpread(base float64, _ contracts.ConflictRecord, ps []contracts.Principle) float64 {
	if len(ps) > 0 && weightSpread(ps) == 0 {
		return base * 0.5
	}
	return base
}

func needsVersions(base float64, _ contracts.ConflictRecord, ps []contracts.Principle) float64 {
	n := 0
	for _, p := range ps {
		if _, err := semver.NewVersion(p.Version); err == nil {
			n++
		}
	}
	if n < 2 {
		return base * 0.5
	}
	return base
}

func consensusBreadth(base float64, _ contracts.ConflictRecord, ps []contracts.Principle) float64 {
	extra := float64(len(ps)-2) * 0.05
	return math.Min(1, base+math.Max(0, extra))
}

// Apply functions.

func applyWeightedPriority(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	ranked := byWeight(ps)
	weights := make(map[string]float64, len(ranked))
	for _, p := range ranked {
		weights[p.ID] = p.PriorityWeight
	}
	return Proposal{
		Resolution: map[string]any{
			"ranking":  ids(ranked),
			"dominant": ranked[0].ID,
			"weights":  weights,
		},
		References: ids(ranked),
		Confidence: clamp01(0.5 + ranked[0].PriorityWeight - ranked[1].PriorityWeight),
	}, nil
}

func applyPrecedence(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	ordered := append([]contracts.Principle(nil), ps...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.PriorityWeight != b.PriorityWeight {
			return a.PriorityWeight > b.PriorityWeight
		}
		if c := compareVersions(a.Version, b.Version); c != 0 {
			return c > 0
		}
		return a.ID < b.ID
	})
	return Proposal{
		Resolution: map[string]any{"precedence": ids(ordered), "prevailing": ordered[0].ID},
		References: ids(ordered),
		Confidence: clamp01(0.7 + 0.3*weightSpread(ps)),
	}, nil
}

func applyHierarchical(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	ranked := byWeight(ps)
	subordinate := ids(ranked[1:])
	return Proposal{
		Resolution: map[string]any{"controller": ranked[0].ID, "subordinate": subordinate},
		References: ids(ranked),
		Confidence: 0.75,
	}, nil
}

func applyScopePartitioning(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	// Each keyword goes to the heaviest principle claiming it.
	owner := map[string]contracts.Principle{}
	for _, p := range byWeight(ps) {
		for _, k := range p.ScopeKeywords {
			if _, ok := owner[k]; !ok {
				owner[k] = p
			}
		}
	}
	partitions := make(map[string][]string, len(ps))
	for _, p := range ps {
		partitions[p.ID] = []string{}
	}
	for k, p := range owner {
		partitions[p.ID] = append(partitions[p.ID], k)
	}
	nonEmpty := 0
	for id := range partitions {
		sort.Strings(partitions[id])
		if len(partitions[id]) > 0 {
			nonEmpty++
		}
	}
	return Proposal{
		Resolution: map[string]any{"partitions": partitions},
		References: sortedIDs(ps),
		Confidence: clamp01(0.6 + 0.4*float64(nonEmpty)/float64(len(ps))),
	}, nil
}

func validatePartitions(p Proposal, _ []contracts.Principle) error {
	partitions, ok := p.Resolution["partitions"].(map[string][]string)
	if !ok {
		return errors.New("missing partitions")
	}
	seen := map[string]string{}
	for id, kws := range partitions {
		for _, k := range kws {
			if other, dup := seen[k]; dup {
				return fmt.Errorf("keyword %q assigned to %s and %s", k, other, id)
			}
			seen[k] = id
		}
	}
	return nil
}

func applyTemporalSequencing(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	ordered := append([]contracts.Principle(nil), ps...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if c := compareVersions(ordered[i].Version, ordered[j].Version); c != 0 {
			return c < 0
		}
		return ordered[i].ID < ordered[j].ID
	})
	return Proposal{
		Resolution: map[string]any{"sequence": ids(ordered), "current": ordered[len(ordered)-1].ID},
		References: ids(ordered),
		Confidence: 0.75,
	}, nil
}

func applyConsensus(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	common := ps[0].KeywordSet()
	union := ps[0].KeywordSet()
	for _, p := range ps[1:] {
		next := map[string]struct{}{}
		for k := range p.KeywordSet() {
			if _, ok := common[k]; ok {
				next[k] = struct{}{}
			}
			union[k] = struct{}{}
		}
		common = next
	}
	agreement := 0.0
	if len(union) > 0 {
		agreement = float64(len(common)) / float64(len(union))
	}
	return Proposal{
		Resolution: map[string]any{"common_scope": setToSlice(common), "participants": sortedIDs(ps)},
		References: sortedIDs(ps),
		Confidence: clamp01(0.5 + 0.5*agreement),
	}, nil
}

func applySemanticReconcile(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	ranked := byWeight(ps)
	qualifications := make(map[string][]string, len(ranked)-1)
	for _, p := range ranked[1:] {
		qualifications[p.ID] = p.NormativeStatements
	}
	return Proposal{
		Resolution: map[string]any{
			"primary_statements": ranked[0].NormativeStatements,
			"primary":            ranked[0].ID,
			"qualifications":     qualifications,
		},
		References: ids(ranked),
		Confidence: 0.7,
	}, nil
}

func applyContextualBalancing(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	count := map[string]int{}
	for _, p := range ps {
		for k := range p.KeywordSet() {
			count[k]++
		}
	}
	contexts := make(map[string][]string, len(ps))
	withContext := 0
	for _, p := range ps {
		var own []string
		for k := range p.KeywordSet() {
			if count[k] == 1 {
				own = append(own, k)
			}
		}
		sort.Strings(own)
		contexts[p.ID] = own
		if len(own) > 0 {
			withContext++
		}
	}
	return Proposal{
		Resolution: map[string]any{"contexts": contexts},
		References: sortedIDs(ps),
		Confidence: clamp01(0.6 + 0.4*float64(withContext)/float64(len(ps))),
	}, nil
}

func applyMultiObjective(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	var total float64
	for _, p := range ps {
		total += p.PriorityWeight
	}
	allocation := make(map[string]float64, len(ps))
	for _, p := range ps {
		share := 1 / float64(len(ps))
		if total > 0 {
			share = p.PriorityWeight / total
		}
		allocation[p.ID] = share
	}
	return Proposal{
		Resolution: map[string]any{"allocation": allocation},
		References: sortedIDs(ps),
		Confidence: 0.65,
	}, nil
}

func validateAllocation(p Proposal, _ []contracts.Principle) error {
	allocation, ok := p.Resolution["allocation"].(map[string]float64)
	if !ok {
		return errors.New("missing allocation")
	}
	var sum float64
	for _, v := range allocation {
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("allocation sums to %f", sum)
	}
	return nil
}

func applyStakeholderMediation(_ context.Context, _ contracts.ConflictRecord, ps []contracts.Principle) (Proposal, error) {
	if len(ps) < 2 {
		return Proposal{}, errTooFewPrinciples
	}
	advocates := map[string]string{}
	strongest := map[string]float64{}
	for _, p := range sortedPrinciples(ps) {
		for c, v := range p.StakeholderImpact {
			if v > strongest[string(c)] {
				strongest[string(c)] = v
				advocates[string(c)] = p.ID
			}
		}
	}
	if len(advocates) == 0 {
		return Proposal{}, errors.New("no stakeholder impact to mediate")
	}
	return Proposal{
		Resolution: map[string]any{"advocates": advocates, "parties": sortedIDs(ps)},
		References: sortedIDs(ps),
		Confidence: 0.6,
	}, nil
}

// Helpers.

func byWeight(ps []contracts.Principle) []contracts.Principle {
	out := sortedPrinciples(ps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PriorityWeight > out[j].PriorityWeight })
	return out
}

func sortedPrinciples(ps []contracts.Principle) []contracts.Principle {
	out := append([]contracts.Principle(nil), ps...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func ids(ps []contracts.Principle) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func sortedIDs(ps []contracts.Principle) []string {
	return ids(sortedPrinciples(ps))
}

func weightSpread(ps []contracts.Principle) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range ps {
		lo = math.Min(lo, p.PriorityWeight)
		hi = math.Max(hi, p.PriorityWeight)
	}
	if len(ps) == 0 {
		return 0
	}
	return hi - lo
}

// compareVersions orders semver strings; unparseable versions sort first.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
