// Package resolution selects and applies resolution strategies to conflicts.
//
// The Engine is stateless per call: it evaluates every strategy in a fixed
// table, applies the best one and validates the result. Strategy failures
// are reported as unsuccessful outcomes, never as Go errors.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

const (
	// DefaultAutoResolutionThreshold is the expected success below which an
	// outcome is escalated even if it succeeded.
	DefaultAutoResolutionThreshold = 0.8
	// minApplicability excludes strategies that barely fit.
	minApplicability = 0.3
)

// Options configures an Engine.
type Options struct {
	AutoResolutionThreshold float64
	// SuccessRates overrides entries of DefaultSuccessRates.
	SuccessRates map[contracts.StrategyName]float64
	Logger       *slog.Logger
}

// Engine is the strategy evaluator and resolution engine.
type Engine struct {
	threshold float64
	rates     map[contracts.StrategyName]float64
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	threshold := opts.AutoResolutionThreshold
	if threshold <= 0 {
		threshold = DefaultAutoResolutionThreshold
	}
	rates := make(map[contracts.StrategyName]float64, len(DefaultSuccessRates))
	for k, v := range DefaultSuccessRates {
		rates[k] = v
	}
	for k, v := range opts.SuccessRates {
		rates[k] = clamp01(v)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		threshold: threshold,
		rates:     rates,
		logger:    logger.With("component", "resolution"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock used for processing time (for testing).
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate scores every strategy for the conflict, in table order.
func (e *Engine) Evaluate(rec contracts.ConflictRecord, ps []contracts.Principle) []Evaluation {
	out := make([]Evaluation, 0, len(strategies))
	for _, s := range strategies {
		base := applicabilityTable[s.name][rec.ConflictType]
		out = append(out, Evaluation{
			Strategy:        s.name,
			Applicability:   clamp01(s.applicability(base, rec, ps)),
			ExpectedSuccess: e.rates[s.name],
		})
	}
	return out
}

// Select returns the best applicable strategy. Strategies that already failed
// on this record are skipped so retries try something else.
func (e *Engine) Select(rec contracts.ConflictRecord, ps []contracts.Principle) (Evaluation, bool) {
	failed := map[contracts.StrategyName]bool{}
	for _, o := range rec.Outcomes {
		if !o.Success && o.StrategyUsed != "" {
			failed[o.StrategyUsed] = true
		}
	}

	var best Evaluation
	found := false
	for _, ev := range e.Evaluate(rec, ps) {
		if ev.Applicability <= minApplicability || failed[ev.Strategy] {
			continue
		}
		// Strict comparison keeps the earlier table entry on ties.
		if !found || ev.Rank() > best.Rank() {
			best, found = ev, true
		}
	}
	return best, found
}

// Resolve runs one resolution attempt.
func (e *Engine) Resolve(ctx context.Context, rec contracts.ConflictRecord, ps []contracts.Principle) (outcome contracts.ResolutionOutcome) {
	start := e.clock()
	outcome.Attempt = len(rec.Outcomes) + 1
	defer func() {
		outcome.ProcessingTimeMs = e.clock().Sub(start).Milliseconds()
	}()

	if err := ctx.Err(); err != nil {
		outcome.Error = err.Error()
		outcome.EscalationReason = contracts.ReasonCancelled
		return outcome
	}

	best, ok := e.Select(rec, ps)
	if !ok {
		outcome.EscalationRequired = true
		outcome.EscalationReason = contracts.ReasonNoApplicable
		return outcome
	}
	outcome.StrategyUsed = best.Strategy
	outcome.ExpectedSuccess = best.ExpectedSuccess

	proposal, err := e.apply(ctx, best.Strategy, rec, ps)
	if err == nil {
		err = e.validate(best.Strategy, proposal, ps)
		outcome.ValidationPassed = err == nil
	}
	if err != nil {
		werr := contracts.Wrap(contracts.KindStrategyFailure, string(best.Strategy), err)
		e.logger.Warn("strategy failed", "conflict_id", rec.ConflictID, "strategy", best.Strategy, "error", err)
		outcome.Error = werr.Error()
	} else {
		outcome.Success = true
		outcome.ConfidenceScore = proposal.Confidence
		outcome.Resolution = proposal.Resolution
	}

	if best.ExpectedSuccess < e.threshold {
		outcome.EscalationRequired = true
		outcome.EscalationReason = contracts.ReasonLowConfidence
	}
	return outcome
}

func (e *Engine) apply(ctx context.Context, name contracts.StrategyName, rec contracts.ConflictRecord, ps []contracts.Principle) (p Proposal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	s := lookup(name)
	return s.apply(ctx, rec, ps)
}

// validate checks that every principle is referenced and the confidence is
// in range, then runs the strategy-specific check.
func (e *Engine) validate(name contracts.StrategyName, p Proposal, ps []contracts.Principle) error {
	refs := make(map[string]struct{}, len(p.References))
	for _, id := range p.References {
		refs[id] = struct{}{}
	}
	for _, pr := range ps {
		if _, ok := refs[pr.ID]; !ok {
			return fmt.Errorf("principle %s left unreferenced", pr.ID)
		}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range", p.Confidence)
	}
	if s := lookup(name); s.validate != nil {
		return s.validate(p, ps)
	}
	return nil
}

func lookup(name contracts.StrategyName) strategy {
	for _, s := range strategies {
		if s.name == name {
			return s
		}
	}
	panic("resolution: unknown strategy " + string(name))
}
