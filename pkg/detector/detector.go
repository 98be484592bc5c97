// Package detector finds conflicts between constitutional principles.
//
// Detection runs independent passes over the principle set concurrently. Each
// pass emits candidates; the detector then drops candidates below the
// configured threshold, de-duplicates by the unordered set of principle ids
// (earlier passes win), scores priority and sorts the result.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/scoring"
)

// DefaultThreshold is the minimum confidence a candidate needs to be returned.
const DefaultThreshold = 0.7

// candidateNamespace seeds deterministic candidate ids.
var candidateNamespace = uuid.MustParse("5d1c9a0e-3b7f-4e63-9a52-6f0b8c2d4e11")

// Options configures a Detector.
type Options struct {
	// Threshold drops candidates with lower confidence. Default: 0.7.
	Threshold float64
	// ExtendedPasses enables the temporal and stakeholder passes.
	ExtendedPasses bool
	// Patterns are appended to the built-in conflict-pattern library.
	Patterns []Pattern
	Logger   *slog.Logger
}

// Detector runs the detection passes. It holds no mutable state between
// calls and is safe for concurrent use.
type Detector struct {
	scorer    scoring.Scorer
	threshold float64
	extended  bool
	patterns  []Pattern
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates a Detector. A nil scorer falls back to the lexical scorer.
func New(scorer scoring.Scorer, opts Options) *Detector {
	if scorer == nil {
		scorer = scoring.NewLexicalScorer()
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	patterns := append(append([]Pattern(nil), DefaultPatterns()...), opts.Patterns...)
	return &Detector{
		scorer:    scorer,
		threshold: threshold,
		extended:  opts.ExtendedPasses,
		patterns:  patterns,
		logger:    logger.With("component", "detector"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock used for DetectedAt (for testing).
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Threshold returns the configured confidence threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// finding is a pass-local candidate before scoring.
type finding struct {
	conflictType contracts.ConflictType
	principleIDs []string
	confidence   float64
	metadata     map[string]any
}

type pass struct {
	name string
	run  func(ctx context.Context, ps []contracts.Principle) ([]finding, error)
}

func (d *Detector) passes() []pass {
	out := []pass{
		{name: "semantic", run: d.semanticPass},
		{name: "pattern", run: d.patternPass},
		{name: "priority", run: priorityPass},
		{name: "scope", run: scopePass},
	}
	if d.extended {
		out = append(out,
			pass{name: "temporal", run: temporalPass},
			pass{name: "stakeholder", run: stakeholderPass},
		)
	}
	return out
}

// Detect runs every pass over principles and returns the accepted candidates,
// sorted by priority score descending. A failing pass is logged and skipped.
func (d *Detector) Detect(ctx context.Context, principles []contracts.Principle) ([]contracts.ConflictCandidate, error) {
	// Work on a sorted copy so pair iteration order is stable.
	ps := append([]contracts.Principle(nil), principles...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	byID := make(map[string]contracts.Principle, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}

	passes := d.passes()
	results := make([][]finding, len(passes))
	var wg sync.WaitGroup
	for i, p := range passes {
		wg.Add(1)
		go func(i int, p pass) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("detection pass panicked", "pass", p.name, "panic", fmt.Sprint(r))
					results[i] = nil
				}
			}()
			found, err := p.run(ctx, ps)
			if err != nil {
				d.logger.Warn("detection pass failed", "pass", p.name, "error", err)
				return
			}
			results[i] = found
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	now := d.clock().UTC()
	seen := make(map[string]struct{})
	var candidates []contracts.ConflictCandidate
	for i, found := range results {
		for _, f := range found {
			// 1. Threshold
			if f.confidence < d.threshold {
				continue
			}
			// 2. Dedup on the unordered principle set
			key := contracts.PrincipleSetKey(f.principleIDs)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			// 3. Score
			candidates = append(candidates, d.candidate(f, passes[i].name, key, byID, now))
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].PriorityScore != candidates[j].PriorityScore {
			return candidates[i].PriorityScore > candidates[j].PriorityScore
		}
		return candidates[i].PrincipleSetKey() < candidates[j].PrincipleSetKey()
	})
	return candidates, nil
}

func (d *Detector) candidate(f finding, passName, key string, byID map[string]contracts.Principle, now time.Time) contracts.ConflictCandidate {
	involved := make([]contracts.Principle, 0, len(f.principleIDs))
	for _, id := range f.principleIDs {
		involved = append(involved, byID[id])
	}
	ids := uniqueSorted(f.principleIDs)
	severity := contracts.SeverityFromConfidence(f.confidence)

	meta := map[string]any{"pass": passName}
	for k, v := range f.metadata {
		meta[k] = v
	}
	if _, ok := meta[contracts.MetadataStakeholders]; !ok {
		meta[contracts.MetadataStakeholders] = stakeholderClasses(involved)
	}

	return contracts.ConflictCandidate{
		CandidateID:         uuid.NewSHA1(candidateNamespace, []byte(string(f.conflictType)+":"+key)).String(),
		ConflictType:        f.conflictType,
		Severity:            severity,
		PrincipleIDs:        ids,
		Confidence:          f.confidence,
		PriorityScore:       PriorityScore(f.conflictType, severity, involved),
		RecommendedStrategy: RecommendedStrategy(f.conflictType),
		DetectionMetadata:   meta,
		DetectedAt:          now,
	}
}

// RecommendedStrategy returns the strategy a conflict type usually calls for.
func RecommendedStrategy(t contracts.ConflictType) contracts.StrategyName {
	switch t {
	case contracts.ConflictPriority:
		return contracts.StrategyWeightedPriority
	case contracts.ConflictScopeOverlap:
		return contracts.StrategyScopePartitioning
	case contracts.ConflictSemanticInconsistency:
		return contracts.StrategySemanticReconcile
	case contracts.ConflictPracticalIncompatible:
		return contracts.StrategyContextualBalancing
	case contracts.ConflictTemporal:
		return contracts.StrategyTemporalSequencing
	case contracts.ConflictStakeholder:
		return contracts.StrategyStakeholderMediation
	case contracts.ConflictPrincipleContradiction:
		return contracts.StrategyPrecedenceBased
	}
	return ""
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// stakeholderClasses lists classes any involved principle affects.
func stakeholderClasses(ps []contracts.Principle) []string {
	set := map[string]struct{}{}
	for _, p := range ps {
		for c, v := range p.StakeholderImpact {
			if v > 0 {
				set[string(c)] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
