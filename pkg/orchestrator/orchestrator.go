// Package orchestrator sequences the conflict pipeline: detection, automated
// resolution, escalation to humans and audit logging.
//
// The Orchestrator is the only writer of conflict records. Every state change
// is appended to the audit chain before it is persisted, mutations of one
// conflict are serialized through a lock.Locker, and record writes use the
// store's optimistic versioning with a bounded retry. If the audit chain
// fails verification the Orchestrator halts and rejects every mutation until
// ResumeAfterIntegrityRepair is called.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dislovemartin/ACGS-sub005/pkg/audit"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/detector"
	"github.com/dislovemartin/ACGS-sub005/pkg/escalation"
	"github.com/dislovemartin/ACGS-sub005/pkg/lock"
	"github.com/dislovemartin/ACGS-sub005/pkg/observability"
	"github.com/dislovemartin/ACGS-sub005/pkg/principle"
	"github.com/dislovemartin/ACGS-sub005/pkg/resolution"
	"github.com/dislovemartin/ACGS-sub005/pkg/retry"
	"github.com/dislovemartin/ACGS-sub005/pkg/store"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultMaxResolutionAttempts = 3
	DefaultPerAttemptTimeout     = 30 * time.Second
	DefaultVersionRetries        = 3
	DefaultAutoResolveConfidence = 0.8
	DefaultWorkers               = 4
	DefaultQueueSize             = 64
	DefaultMonitorInterval       = 30 * time.Second
)

// Reasons recorded on orchestrator-driven transitions.
const (
	ReasonResolutionStarted = "resolution_started"
	ReasonAutoResolved      = "auto_resolved"
	ReasonDeleted           = "deleted"
	ReasonIntegrityRepaired = "integrity_repaired"
)

// SystemActor is recorded on entries the Orchestrator writes on its own.
const SystemActor = "system:orchestrator"

// Options wires the Orchestrator's collaborators. Principles, Store,
// Detector, Engine, Escalation and Audit are required.
type Options struct {
	Principles principle.Store
	Store      store.ConflictStore
	Detector   *detector.Detector
	Engine     *resolution.Engine
	Escalation *escalation.System
	Audit      *audit.Writer
	// Locker defaults to an in-process lock.KeyedMutex.
	Locker    lock.Locker
	Telemetry *observability.Provider
	// Archiver is optional; ArchiveAudit fails without it.
	Archiver *audit.Archiver
	Logger   *slog.Logger

	MaxResolutionAttempts int
	PerAttemptTimeout     time.Duration
	VersionRetries        int
	AutoResolveConfidence float64
	Workers               int
	QueueSize             int
	MonitorInterval       time.Duration
}

// Result is what one ResolveAutomatically call produced.
type Result struct {
	Success    bool                         `json:"success"`
	Outcome    *contracts.ResolutionOutcome `json:"outcome,omitempty"`
	Escalation *contracts.EscalationRequest `json:"escalation,omitempty"`
	Record     contracts.ConflictRecord     `json:"record"`
}

// Orchestrator owns the conflict state machine.
type Orchestrator struct {
	principles principle.Store
	store      store.ConflictStore
	detector   *detector.Detector
	engine     *resolution.Engine
	escalation *escalation.System
	audit      *audit.Writer
	locker     lock.Locker
	telemetry  *observability.Provider
	archiver   *audit.Archiver
	logger     *slog.Logger
	clock      func() time.Time

	maxAttempts       int
	perAttemptTimeout time.Duration
	versionRetries    int
	autoResolveConf   float64
	workers           int
	queueSize         int
	monitorInterval   time.Duration

	halted     atomic.Bool
	haltReason atomic.Value // string

	mu          sync.RWMutex
	running     bool
	queue       chan job
	stopMonitor chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	const op = "orchestrator.New"
	switch {
	case opts.Principles == nil:
		return nil, contracts.E(contracts.KindValidationFailure, op, "principle store is required")
	case opts.Store == nil:
		return nil, contracts.E(contracts.KindValidationFailure, op, "conflict store is required")
	case opts.Detector == nil:
		return nil, contracts.E(contracts.KindValidationFailure, op, "detector is required")
	case opts.Engine == nil:
		return nil, contracts.E(contracts.KindValidationFailure, op, "resolution engine is required")
	case opts.Escalation == nil:
		return nil, contracts.E(contracts.KindValidationFailure, op, "escalation system is required")
	case opts.Audit == nil:
		return nil, contracts.E(contracts.KindValidationFailure, op, "audit writer is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		var err error
		telemetry, err = observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{
		principles:        opts.Principles,
		store:             opts.Store,
		detector:          opts.Detector,
		engine:            opts.Engine,
		escalation:        opts.Escalation,
		audit:             opts.Audit,
		locker:            locker,
		telemetry:         telemetry,
		archiver:          opts.Archiver,
		logger:            logger.With("component", "orchestrator"),
		clock:             time.Now,
		maxAttempts:       positive(opts.MaxResolutionAttempts, DefaultMaxResolutionAttempts),
		perAttemptTimeout: opts.PerAttemptTimeout,
		versionRetries:    opts.VersionRetries,
		autoResolveConf:   opts.AutoResolveConfidence,
		workers:           positive(opts.Workers, DefaultWorkers),
		queueSize:         positive(opts.QueueSize, DefaultQueueSize),
		monitorInterval:   opts.MonitorInterval,
	}
	if o.perAttemptTimeout <= 0 {
		o.perAttemptTimeout = DefaultPerAttemptTimeout
	}
	if o.versionRetries <= 0 {
		o.versionRetries = DefaultVersionRetries
	}
	if o.autoResolveConf <= 0 {
		o.autoResolveConf = DefaultAutoResolveConfidence
	}
	if o.monitorInterval <= 0 {
		o.monitorInterval = DefaultMonitorInterval
	}
	return o, nil
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Halted reports whether mutations are blocked by an integrity violation.
func (o *Orchestrator) Halted() bool {
	return o.halted.Load()
}

func (o *Orchestrator) halt(reason string) {
	if o.halted.CompareAndSwap(false, true) {
		o.haltReason.Store(reason)
		o.logger.Error("audit chain integrity violated, halting conflict mutations", "reason", reason)
	}
}

func (o *Orchestrator) checkHalted(op string) error {
	if !o.halted.Load() {
		return nil
	}
	reason, _ := o.haltReason.Load().(string)
	return contracts.E(contracts.KindChainIntegrityViolation, op, "mutations halted until integrity repair: %s", reason)
}

// RunDetectionScan runs the detector over the given principles (all stored
// principles when ids is empty) and opens an IDENTIFIED record for every new
// candidate. Candidates whose principle set already has an open record are
// not reopened. Candidates at or above the auto-resolve confidence are
// scheduled for automated resolution. All detected candidates are returned.
func (o *Orchestrator) RunDetectionScan(ctx context.Context, principleIDs []string, actorID string) (_ []contracts.ConflictCandidate, err error) {
	const op = "orchestrator.RunDetectionScan"
	ctx, finish := o.telemetry.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	if err := o.checkHalted(op); err != nil {
		return nil, err
	}

	var ps []contracts.Principle
	if len(principleIDs) == 0 {
		ps, err = o.principles.List(ctx)
	} else {
		ps, err = o.principles.GetPrinciplesByIDs(ctx, principleIDs)
	}
	if err != nil {
		return nil, err
	}

	candidates, err := o.detector.Detect(ctx, ps)
	if err != nil {
		return nil, err
	}

	open, err := o.openPrincipleSets(ctx)
	if err != nil {
		return nil, err
	}

	var scheduled []string
	for _, c := range candidates {
		key := c.PrincipleSetKey()
		if open[key] {
			o.logger.Debug("principle set already has an open conflict", "candidate_id", c.CandidateID, "principles", key)
			continue
		}
		rec, err := o.openRecord(ctx, c, actorID)
		if err != nil {
			return candidates, err
		}
		open[key] = true
		if c.Confidence >= o.autoResolveConf {
			scheduled = append(scheduled, rec.ConflictID)
		}
	}

	for _, id := range scheduled {
		o.schedule(ctx, id, actorID)
	}

	o.logger.Info("detection scan complete",
		"principles", len(ps),
		"candidates", len(candidates),
		"scheduled", len(scheduled),
	)
	return candidates, nil
}

func (o *Orchestrator) openPrincipleSets(ctx context.Context) (map[string]bool, error) {
	recs, err := o.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	open := make(map[string]bool, len(recs))
	for _, r := range recs {
		// A deferred conflict still waits on a human, so it blocks a new
		// record for the same principles.
		if !r.Status.Terminal() || r.Status == contracts.StatusDeferred {
			open[contracts.PrincipleSetKey(r.PrincipleIDs)] = true
		}
	}
	return open, nil
}

func (o *Orchestrator) openRecord(ctx context.Context, c contracts.ConflictCandidate, actorID string) (contracts.ConflictRecord, error) {
	rec := contracts.ConflictRecord{
		ConflictID:        uuid.New().String(),
		CandidateID:       c.CandidateID,
		ConflictType:      c.ConflictType,
		Severity:          c.Severity,
		PrincipleIDs:      append([]string(nil), c.PrincipleIDs...),
		Confidence:        c.Confidence,
		PriorityScore:     c.PriorityScore,
		Status:            contracts.StatusIdentified,
		DetectionMetadata: c.DetectionMetadata,
	}

	err := o.record(ctx, contracts.EventConflictDetected, rec.ConflictID, actorID, map[string]any{
		audit.KeyCandidateID:   c.CandidateID,
		audit.KeyConflictType:  string(c.ConflictType),
		audit.KeySeverity:      string(c.Severity),
		audit.KeyConfidence:    c.Confidence,
		audit.KeyPriorityScore: c.PriorityScore,
		audit.KeyPrincipleIDs:  rec.PrincipleIDs,
		audit.KeyStrategy:      string(c.RecommendedStrategy),
		audit.KeyTo:            string(contracts.StatusIdentified),
	}, eventAttrs(rec)...)
	if err != nil {
		return contracts.ConflictRecord{}, err
	}

	created, err := o.store.Create(ctx, rec)
	if err != nil {
		o.logger.Error("conflict audited but not persisted", "conflict_id", rec.ConflictID, "error", err)
		return contracts.ConflictRecord{}, err
	}
	return created, nil
}

func (o *Orchestrator) schedule(ctx context.Context, conflictID, actorID string) {
	if o.Submit(conflictID, actorID) {
		return
	}
	if _, err := o.ResolveAutomatically(ctx, conflictID, actorID); err != nil {
		o.logger.Error("automated resolution failed", "conflict_id", conflictID, "error", err)
	}
}

// ResolveAutomatically runs up to the configured number of resolution
// attempts on an IDENTIFIED or ANALYZING conflict. A successful attempt
// resolves the record. An attempt that requires escalation, or running out
// of attempts, escalates it. If the overall deadline passes the record is
// marked FAILED and the context error is returned.
func (o *Orchestrator) ResolveAutomatically(ctx context.Context, conflictID, actorID string) (res Result, err error) {
	const op = "orchestrator.ResolveAutomatically"
	ctx, finish := o.telemetry.TrackOperation(ctx, op, observability.AttrConflictID.String(conflictID))
	defer func() { finish(err) }()

	if err := o.checkHalted(op); err != nil {
		return Result{}, err
	}
	unlock, err := o.locker.Lock(ctx, conflictID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	rec, err := o.store.Get(ctx, conflictID)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != contracts.StatusIdentified && rec.Status != contracts.StatusAnalyzing {
		return Result{Record: rec}, contracts.E(contracts.KindValidationFailure, op,
			"conflict %s is %s, automated resolution needs %s or %s",
			conflictID, rec.Status, contracts.StatusIdentified, contracts.StatusAnalyzing)
	}
	ps, err := o.principles.GetPrinciplesByIDs(ctx, rec.PrincipleIDs)
	if err != nil {
		return Result{Record: rec}, err
	}

	// Once work starts the outcome is recorded even if the caller goes away.
	durable := context.WithoutCancel(ctx)

	if rec.Status == contracts.StatusIdentified {
		rec, err = o.transition(durable, rec, contracts.StatusAnalyzing, actorID,
			contracts.EventStatusChanged, map[string]any{audit.KeyReason: ReasonResolutionStarted}, nil)
		if err != nil {
			return Result{Record: rec}, err
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(o.maxAttempts)*o.perAttemptTimeout)
	defer cancel()

	var last *contracts.ResolutionOutcome
	if n := len(rec.Outcomes); n > 0 {
		prev := rec.Outcomes[n-1]
		last = &prev
	}

	for len(rec.Outcomes) < o.maxAttempts {
		attemptCtx, cancelAttempt := context.WithTimeout(runCtx, o.perAttemptTimeout)
		outcome := o.engine.Resolve(attemptCtx, rec, ps)
		cancelAttempt()
		last = &outcome

		cause := runCtx.Err()
		if cause == nil && outcome.EscalationReason == contracts.ReasonCancelled {
			cause = context.DeadlineExceeded
		}
		if cause != nil && !outcome.Success {
			outcome.EscalationRequired = false
			outcome.EscalationReason = contracts.ReasonCancelled
			if outcome.Error == "" {
				outcome.Error = cause.Error()
			}
		}

		rec, err = o.recordOutcome(durable, rec, outcome, actorID)
		if err != nil {
			return Result{Outcome: last, Record: rec}, err
		}

		switch {
		case outcome.EscalationReason == contracts.ReasonCancelled:
			rec, err = o.transition(durable, rec, contracts.StatusFailed, actorID,
				contracts.EventStatusChanged, map[string]any{audit.KeyReason: contracts.ReasonCancelled}, nil)
			if err != nil {
				return Result{Outcome: last, Record: rec}, err
			}
			o.logger.Warn("automated resolution cancelled", "conflict_id", conflictID, "attempt", outcome.Attempt, "cause", cause)
			return Result{Outcome: last, Record: rec}, fmt.Errorf("orchestrator: resolve %s: %w", conflictID, cause)

		case outcome.EscalationRequired:
			return o.escalate(durable, rec, last, last, actorID)

		case outcome.Success:
			details := map[string]any{
				"strategy":   string(outcome.StrategyUsed),
				"confidence": outcome.ConfidenceScore,
				"resolution": outcome.Resolution,
				"attempts":   len(rec.Outcomes),
			}
			rec, err = o.transition(durable, rec, contracts.StatusResolved, actorID,
				contracts.EventStatusChanged, map[string]any{
					audit.KeyReason:   ReasonAutoResolved,
					audit.KeyStrategy: string(outcome.StrategyUsed),
				}, func(r *contracts.ConflictRecord) { r.ResolutionDetails = details })
			if err != nil {
				return Result{Outcome: last, Record: rec}, err
			}
			o.logger.Info("conflict auto-resolved", "conflict_id", conflictID, "strategy", outcome.StrategyUsed, "attempt", outcome.Attempt)
			return Result{Success: true, Outcome: last, Record: rec}, nil
		}
	}

	exhausted := contracts.ResolutionOutcome{Attempt: len(rec.Outcomes)}
	if last != nil {
		exhausted = *last
	}
	exhausted.EscalationRequired = true
	exhausted.EscalationReason = contracts.ReasonAttemptsExhausted
	return o.escalate(durable, rec, &exhausted, last, actorID)
}

func (o *Orchestrator) recordOutcome(ctx context.Context, rec contracts.ConflictRecord, outcome contracts.ResolutionOutcome, actorID string) (contracts.ConflictRecord, error) {
	err := o.record(ctx, contracts.EventResolutionAttempted, rec.ConflictID, actorID, map[string]any{
		audit.KeyAttempt:          outcome.Attempt,
		audit.KeyStrategy:         string(outcome.StrategyUsed),
		audit.KeySuccess:          outcome.Success,
		audit.KeyConfidence:       outcome.ConfidenceScore,
		audit.KeyExpectedSuccess:  outcome.ExpectedSuccess,
		audit.KeyValidation:       outcome.ValidationPassed,
		audit.KeyEscalationNeeded: outcome.EscalationRequired,
		audit.KeyEscalationReason: outcome.EscalationReason,
		audit.KeyProcessingTimeMs: outcome.ProcessingTimeMs,
		audit.KeyError:            outcome.Error,
	}, observability.OutcomeAttrs(outcome)...)
	if err != nil {
		return rec, err
	}
	return o.update(ctx, rec, func(r *contracts.ConflictRecord) {
		r.Outcomes = append(r.Outcomes, outcome)
	})
}

// escalate opens an escalation for rec. trigger drives rule evaluation and
// reported is the outcome handed back to the caller.
func (o *Orchestrator) escalate(ctx context.Context, rec contracts.ConflictRecord, trigger, reported *contracts.ResolutionOutcome, actorID string) (Result, error) {
	const op = "orchestrator.escalate"
	req := o.escalation.Evaluate(rec, trigger, nil)
	if req == nil {
		return Result{Outcome: reported, Record: rec}, contracts.E(contracts.KindInternal, op, "no escalation rule matched conflict %s", rec.ConflictID)
	}
	if prev, ok := o.escalation.Active(rec.ConflictID); ok && req.Attempt <= prev.Attempt {
		req.Attempt = prev.Attempt + 1
	}

	data := escalationData(*req)
	rec, err := o.transition(ctx, rec, contracts.StatusEscalated, actorID, contracts.EventEscalationTriggered, data,
		func(r *contracts.ConflictRecord) {
			r.ResolutionDetails = map[string]any{
				"escalation_id":     req.EscalationID,
				"escalation_level":  req.Level.String(),
				"escalation_reason": req.Reason,
			}
		})
	if err != nil {
		return Result{Outcome: reported, Record: rec}, err
	}

	opened := o.escalation.Open(ctx, req)
	o.logger.Info("conflict escalated",
		"conflict_id", rec.ConflictID,
		"level", opened.Level.String(),
		"rule_id", opened.RuleID,
		"reason", opened.Reason,
	)
	return Result{Outcome: reported, Escalation: &opened, Record: rec}, nil
}

func escalationData(req contracts.EscalationRequest) map[string]any {
	roles := make([]string, 0, len(req.RequiredRoles))
	for _, r := range req.RequiredRoles {
		roles = append(roles, string(r))
	}
	channels := make([]string, 0, len(req.NotificationChannels))
	for _, c := range req.NotificationChannels {
		channels = append(channels, string(c))
	}
	return map[string]any{
		audit.KeyEscalationID:   req.EscalationID,
		audit.KeyLevel:          req.Level.String(),
		audit.KeyRuleID:         req.RuleID,
		audit.KeyReason:         req.Reason,
		audit.KeyAttempt:        req.Attempt,
		audit.KeyUrgency:        req.UrgencyScore,
		audit.KeyTimeoutMinutes: req.TimeoutMinutes,
		audit.KeyDeadline:       req.TimeoutDeadline.UTC().Format(time.RFC3339Nano),
		audit.KeyRequiredRoles:  roles,
		audit.KeyChannels:       channels,
	}
}

// reescalate makes next the active request of an ESCALATED conflict. The
// ESCALATION_TRIGGERED entry is appended first and the registry is only
// touched once it is in the chain, so a failed append leaves the previous
// request in place. extra is merged into the audit data.
func (o *Orchestrator) reescalate(ctx context.Context, rec contracts.ConflictRecord, next contracts.EscalationRequest,
	actorID string, extra map[string]any) (contracts.ConflictRecord, contracts.EscalationRequest, error) {
	data := escalationData(next)
	for k, v := range extra {
		data[k] = v
	}
	if err := o.record(ctx, contracts.EventEscalationTriggered, rec.ConflictID, actorID, data,
		observability.EscalationAttrs(next)...); err != nil {
		return rec, contracts.EscalationRequest{}, err
	}

	// The chain now names next, so the registry follows it even if the
	// record write below fails.
	opened := o.escalation.Open(ctx, &next)
	updated, err := o.update(ctx, rec, func(r *contracts.ConflictRecord) {
		details := make(map[string]any, len(r.ResolutionDetails)+3)
		for k, v := range r.ResolutionDetails {
			details[k] = v
		}
		details["escalation_id"] = opened.EscalationID
		details["escalation_level"] = opened.Level.String()
		details["escalation_reason"] = opened.Reason
		r.ResolutionDetails = details
	})
	if err != nil {
		o.logger.Error("re-escalation audited but not persisted", "conflict_id", rec.ConflictID, "escalation_id", opened.EscalationID, "error", err)
		return rec, opened, err
	}
	return updated, opened, nil
}

// HandleHumanIntervention applies a human decision to an ESCALATED (or, for
// escalate_further, DEFERRED) conflict. It is the only way to close an
// escalated conflict.
func (o *Orchestrator) HandleHumanIntervention(ctx context.Context, conflictID string, decision contracts.HumanDecision, actorID string) (ok bool, err error) {
	const op = "orchestrator.HandleHumanIntervention"
	ctx, finish := o.telemetry.TrackOperation(ctx, op,
		observability.AttrConflictID.String(conflictID),
		observability.AttrDecision.String(string(decision)),
	)
	defer func() { finish(err) }()

	if !decision.Valid() {
		return false, contracts.E(contracts.KindValidationFailure, op, "unknown decision %q", decision)
	}
	if actorID == "" {
		return false, contracts.E(contracts.KindValidationFailure, op, "a human decision needs an actor id")
	}
	if err := o.checkHalted(op); err != nil {
		return false, err
	}
	unlock, err := o.locker.Lock(ctx, conflictID)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := o.store.Get(ctx, conflictID)
	if err != nil {
		return false, err
	}

	var to contracts.ConflictStatus
	allowed := rec.Status == contracts.StatusEscalated
	switch decision {
	case contracts.DecisionResolve:
		to = contracts.StatusResolved
	case contracts.DecisionDefer:
		to = contracts.StatusDeferred
	case contracts.DecisionEscalateFurther:
		to = contracts.StatusEscalated
		allowed = allowed || rec.Status == contracts.StatusDeferred
	}
	if !allowed {
		return false, contracts.E(contracts.KindValidationFailure, op,
			"decision %s is not valid for conflict %s in status %s", decision, conflictID, rec.Status)
	}

	durable := context.WithoutCancel(ctx)
	now := o.clock().UTC()
	rec, err = o.transition(durable, rec, to, actorID, contracts.EventHumanIntervention,
		map[string]any{audit.KeyDecision: string(decision)},
		func(r *contracts.ConflictRecord) {
			details := make(map[string]any, len(r.ResolutionDetails)+3)
			for k, v := range r.ResolutionDetails {
				details[k] = v
			}
			details["human_decision"] = string(decision)
			details["decided_by"] = actorID
			details["decided_at"] = now.Format(time.RFC3339Nano)
			r.ResolutionDetails = details
		})
	if err != nil {
		return false, err
	}

	switch decision {
	case contracts.DecisionResolve, contracts.DecisionDefer:
		if _, err := o.escalation.Resolve(conflictID); err != nil {
			o.logger.Warn("no active escalation to close", "conflict_id", conflictID, "error", err)
		}
	case contracts.DecisionEscalateFurther:
		next := o.escalation.PlanFurther(conflictID, contracts.ReasonHumanEscalation)
		if rec, _, err = o.reescalate(durable, rec, next, actorID, nil); err != nil {
			return false, err
		}
	}

	o.logger.Info("human decision applied", "conflict_id", conflictID, "decision", decision, "actor_id", actorID, "status", rec.Status)
	return true, nil
}

// transition moves rec to status to. The audit entry of type ev carries data
// plus the from/to statuses and is appended before the record is written.
func (o *Orchestrator) transition(ctx context.Context, rec contracts.ConflictRecord, to contracts.ConflictStatus, actorID string,
	ev contracts.AuditEventType, data map[string]any, mutate func(*contracts.ConflictRecord)) (contracts.ConflictRecord, error) {
	const op = "orchestrator.transition"
	from := rec.Status
	if !contracts.CanTransition(from, to) {
		return rec, contracts.E(contracts.KindValidationFailure, op, "conflict %s cannot move from %s to %s", rec.ConflictID, from, to)
	}

	entry := make(map[string]any, len(data)+2)
	for k, v := range data {
		entry[k] = v
	}
	entry[audit.KeyFrom] = string(from)
	entry[audit.KeyTo] = string(to)

	attrs := append(eventAttrs(rec), observability.AttrStatus.String(string(to)))
	if err := o.record(ctx, ev, rec.ConflictID, actorID, entry, attrs...); err != nil {
		return rec, err
	}

	updated, err := o.update(ctx, rec, func(r *contracts.ConflictRecord) {
		r.Status = to
		if mutate != nil {
			mutate(r)
		}
	})
	if err != nil {
		o.logger.Error("transition audited but not persisted",
			"conflict_id", rec.ConflictID, "from", from, "to", to, "error", err)
		return rec, err
	}
	return updated, nil
}

var errStatusMoved = errors.New("status changed concurrently")

// update applies mutate to the stored record. Version conflicts are retried
// against a fresh read as long as the status did not change underneath.
func (o *Orchestrator) update(ctx context.Context, rec contracts.ConflictRecord, mutate func(*contracts.ConflictRecord)) (contracts.ConflictRecord, error) {
	const op = "orchestrator.update"
	policy := retry.Policy{BaseMs: 10, MaxMs: 200, MaxJitterMs: 10, MaxAttempts: o.versionRetries + 1}
	retryable := func(err error) bool {
		return errors.Is(err, contracts.ErrVersionConflict) && !errors.Is(err, errStatusMoved)
	}

	cur := rec
	var saved contracts.ConflictRecord
	err := retry.Do(ctx, rec.ConflictID, policy, retryable, func(attempt int) error {
		if attempt > 0 {
			fresh, err := o.store.Get(ctx, rec.ConflictID)
			if err != nil {
				return err
			}
			if fresh.Status != rec.Status {
				return contracts.Wrap(contracts.KindVersionConflict, op,
					fmt.Errorf("conflict %s is now %s: %w", rec.ConflictID, fresh.Status, errStatusMoved))
			}
			cur = fresh
		}
		next := cur.Clone()
		mutate(&next)
		out, err := o.store.Update(ctx, next, cur.Version)
		if err != nil {
			if errors.Is(err, contracts.ErrVersionConflict) {
				o.logger.Warn("stale conflict version, retrying", "conflict_id", rec.ConflictID, "attempt", attempt+1, "error", err)
			}
			return err
		}
		saved = out
		return nil
	})
	if err != nil {
		return rec, err
	}
	return saved, nil
}

// eventAttrs leaves the conflict id out to keep metric cardinality bounded.
func eventAttrs(rec contracts.ConflictRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrConflictType.String(string(rec.ConflictType)),
		observability.AttrSeverity.String(string(rec.Severity)),
	}
}

// record appends one audit entry and counts it. A failed append is always
// returned; a chain violation also halts the Orchestrator.
func (o *Orchestrator) record(ctx context.Context, ev contracts.AuditEventType, conflictID, actorID string, data map[string]any, attrs ...attribute.KeyValue) error {
	if actorID == "" {
		actorID = SystemActor
	}
	if _, err := o.audit.Append(ctx, ev, conflictID, actorID, data); err != nil {
		o.logger.Error("audit append failed", "event_type", ev, "conflict_id", conflictID, "error", err)
		if errors.Is(err, contracts.ErrChainIntegrityViolation) {
			o.halt(err.Error())
		}
		return fmt.Errorf("orchestrator: audit %s for %s: %w", ev, conflictID, err)
	}
	o.telemetry.RecordEvent(ctx, string(ev), attrs...)
	return nil
}
