package detector

import (
	"context"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

const (
	temporalScopeGate     = 0.5
	stakeholderHighImpact = 0.7
	stakeholderLowImpact  = 0.3
)

// temporalPass flags principles with shared scope, overlapping effective
// windows and different major versions: two generations of a rule in force
// at the same time.
func temporalPass(ctx context.Context, ps []contracts.Principle) ([]finding, error) {
	var out []finding
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			a, b := ps[i], ps[j]
			va, errA := semver.NewVersion(a.Version)
			vb, errB := semver.NewVersion(b.Version)
			if errA != nil || errB != nil || va.Major() == vb.Major() {
				continue
			}
			jac := jaccard(a.KeywordSet(), b.KeywordSet())
			if jac < temporalScopeGate || !windowsOverlap(a, b) {
				continue
			}
			out = append(out, finding{
				conflictType: contracts.ConflictTemporal,
				principleIDs: []string{a.ID, b.ID},
				confidence:   clamp01(0.55 + 0.4*jac),
				metadata: map[string]any{
					"versions": []string{va.String(), vb.String()},
					"jaccard":  jac,
				},
			})
		}
	}
	return out, nil
}

func windowsOverlap(a, b contracts.Principle) bool {
	return before(a.EffectiveFrom, b.EffectiveUntil) && before(b.EffectiveFrom, a.EffectiveUntil)
}

// before reports from < until, treating nil as unbounded.
func before(from, until *time.Time) bool {
	if from == nil || until == nil {
		return true
	}
	return from.Before(*until)
}

// stakeholderPass flags principle pairs that pull at least two stakeholder
// classes in opposite directions (one strongly affects, the other barely).
func stakeholderPass(ctx context.Context, ps []contracts.Principle) ([]finding, error) {
	var out []finding
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			a, b := ps[i], ps[j]
			if len(intersect(a.KeywordSet(), b.KeywordSet())) == 0 {
				continue
			}
			var divergent []string
			for c, va := range a.StakeholderImpact {
				vb, ok := b.StakeholderImpact[c]
				if !ok {
					continue
				}
				if (va >= stakeholderHighImpact && vb <= stakeholderLowImpact) ||
					(vb >= stakeholderHighImpact && va <= stakeholderLowImpact) {
					divergent = append(divergent, string(c))
				}
			}
			if len(divergent) < 2 {
				continue
			}
			sort.Strings(divergent)
			out = append(out, finding{
				conflictType: contracts.ConflictStakeholder,
				principleIDs: []string{a.ID, b.ID},
				confidence:   clamp01(0.5 + 0.1*float64(len(divergent))),
				metadata: map[string]any{
					contracts.MetadataStakeholders: divergent,
				},
			})
		}
	}
	return out, nil
}
