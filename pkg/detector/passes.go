package detector

import (
	"context"
	"sort"
	"strings"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/scoring"
)

// Pass gates.
const (
	semanticSimilarityGate    = 0.7
	semanticContradictionGate = 0.6
	priorityOverlapGate       = 0.3
	priorityWeightGapGate     = 0.5
	scopeJaccardGate          = 0.6
	scopeDisagreementGate     = 0.5
)

// semanticPass compares normative statements pairwise across principles.
// A principle without statements is compared by its text.
func (d *Detector) semanticPass(ctx context.Context, ps []contracts.Principle) ([]finding, error) {
	var out []finding
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			best, sim, contra, err := d.bestStatementPair(ctx, statements(ps[i]), statements(ps[j]))
			if err != nil {
				return out, err
			}
			if best == 0 {
				continue
			}
			out = append(out, finding{
				conflictType: contracts.ConflictSemanticInconsistency,
				principleIDs: []string{ps[i].ID, ps[j].ID},
				confidence:   best,
				metadata: map[string]any{
					"similarity":    sim,
					"contradiction": contra,
				},
			})
		}
	}
	return out, nil
}

func (d *Detector) bestStatementPair(ctx context.Context, left, right []string) (best, bestSim, bestContra float64, err error) {
	for _, l := range left {
		for _, r := range right {
			sim, err := d.scorer.Score(ctx, scoring.Input{Kind: scoring.KindSimilarity, Left: l, Right: r})
			if err != nil {
				return 0, 0, 0, err
			}
			if sim <= semanticSimilarityGate {
				continue
			}
			contra, err := d.scorer.Score(ctx, scoring.Input{Kind: scoring.KindContradiction, Left: l, Right: r})
			if err != nil {
				return 0, 0, 0, err
			}
			if contra <= semanticContradictionGate {
				continue
			}
			if c := (sim + contra) / 2; c > best {
				best, bestSim, bestContra = c, sim, contra
			}
		}
	}
	return best, bestSim, bestContra, nil
}

func statements(p contracts.Principle) []string {
	if len(p.NormativeStatements) > 0 {
		return p.NormativeStatements
	}
	if p.Text != "" {
		return []string{p.Text}
	}
	return nil
}

// patternPass groups principles by pattern and fires when two or more of them
// touch the pattern's keywords and phrasing.
func (d *Detector) patternPass(ctx context.Context, ps []contracts.Principle) ([]finding, error) {
	var out []finding
	for _, pat := range d.patterns {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		keywords := make(map[string]struct{}, len(pat.Keywords))
		for _, k := range pat.Keywords {
			keywords[strings.ToLower(k)] = struct{}{}
		}

		var group []string
		covered := map[string]struct{}{}
		for _, p := range ps {
			hits := intersect(p.KeywordSet(), keywords)
			if len(hits) == 0 || !containsPhrase(p, pat.Phrases) {
				continue
			}
			group = append(group, p.ID)
			for _, h := range hits {
				covered[h] = struct{}{}
			}
		}
		if len(group) < 2 {
			continue
		}

		base := pat.BaseConfidence
		if base <= 0 {
			base = defaultPatternConfidence
		}
		coverage := 0.0
		if len(keywords) > 0 {
			coverage = float64(len(covered)) / float64(len(keywords))
		}
		out = append(out, finding{
			conflictType: contracts.ConflictPracticalIncompatible,
			principleIDs: group,
			confidence:   clamp01(base + 0.35*coverage),
			metadata: map[string]any{
				"pattern":  pat.Name,
				"coverage": coverage,
			},
		})
	}
	return out, nil
}

func containsPhrase(p contracts.Principle, phrases []string) bool {
	text := strings.ToLower(p.Text + " " + strings.Join(p.NormativeStatements, " "))
	for _, ph := range phrases {
		if strings.Contains(text, strings.ToLower(ph)) {
			return true
		}
	}
	return false
}

// priorityPass flags principles that cover the same ground with very
// different weights. Overlap is |A∩B| / max(|A|,|B|).
func priorityPass(ctx context.Context, ps []contracts.Principle) ([]finding, error) {
	var out []finding
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			a, b := ps[i], ps[j]
			shared := intersect(a.KeywordSet(), b.KeywordSet())
			denom := max(len(a.KeywordSet()), len(b.KeywordSet()))
			if denom == 0 {
				continue
			}
			overlap := float64(len(shared)) / float64(denom)
			gap := a.PriorityWeight - b.PriorityWeight
			if gap < 0 {
				gap = -gap
			}
			if overlap <= priorityOverlapGate || gap <= priorityWeightGapGate {
				continue
			}
			out = append(out, finding{
				conflictType: contracts.ConflictPriority,
				principleIDs: []string{a.ID, b.ID},
				confidence:   clamp01(0.5 + 0.3*gap + 0.2*overlap),
				metadata: map[string]any{
					"overlap_ratio":   overlap,
					"weight_gap":      gap,
					"shared_keywords": shared,
				},
			})
		}
	}
	return out, nil
}

// scopePass flags principles with near-identical scope whose stakeholder
// impact profiles disagree.
func scopePass(ctx context.Context, ps []contracts.Principle) ([]finding, error) {
	var out []finding
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			a, b := ps[i], ps[j]
			jac := jaccard(a.KeywordSet(), b.KeywordSet())
			if jac <= scopeJaccardGate {
				continue
			}
			dis := impactDisagreement(a.StakeholderImpact, b.StakeholderImpact)
			if dis <= scopeDisagreementGate {
				continue
			}
			out = append(out, finding{
				conflictType: contracts.ConflictScopeOverlap,
				principleIDs: []string{a.ID, b.ID},
				confidence:   clamp01(0.4 + 0.3*jac + 0.3*dis),
				metadata: map[string]any{
					"jaccard":      jac,
					"disagreement": dis,
				},
			})
		}
	}
	return out, nil
}

// impactDisagreement sums per-class absolute differences over the union of
// classes and divides by the number of classes, giving a value in [0,1].
func impactDisagreement(a, b map[contracts.StakeholderClass]float64) float64 {
	seen := map[contracts.StakeholderClass]struct{}{}
	var classes []contracts.StakeholderClass
	for _, m := range []map[contracts.StakeholderClass]float64{a, b} {
		for c := range m {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				classes = append(classes, c)
			}
		}
	}
	if len(classes) == 0 {
		return 0
	}
	// Fixed order keeps the float sum reproducible.
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	var sum float64
	for _, c := range classes {
		diff := a[c] - b[c]
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return clamp01(sum / float64(len(classes)))
}

func intersect(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := len(intersect(a, b))
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
