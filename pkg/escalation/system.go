// Package escalation decides when a conflict needs a human and tracks the
// resulting escalation requests.
//
// The System evaluates an ordered rule list (built-in rules first, then any
// CEL rules), keeps at most one active request per conflict, re-escalates
// requests whose deadline passes and dispatches notifications. If rule
// evaluation fails the System escalates to emergency response instead of
// dropping the conflict.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/notify"
)

// Options configures a System.
type Options struct {
	// ExtraRules are evaluated after the built-in rules.
	ExtraRules []Rule
	Notifier   notify.Notifier
	Logger     *slog.Logger
}

// System is the escalation engine and active-request registry.
type System struct {
	mu       sync.Mutex
	rules    []Rule
	active   map[string]*contracts.EscalationRequest // by conflict id
	notifier notify.Notifier
	logger   *slog.Logger
	clock    func() time.Time
}

// NewSystem creates an escalation System.
func NewSystem(opts Options) *System {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rules := append(DefaultRules(), opts.ExtraRules...)
	rules = append(rules, requestedRule())
	return &System{
		rules:    rules,
		active:   make(map[string]*contracts.EscalationRequest),
		notifier: opts.Notifier,
		logger:   logger.With("component", "escalation"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *System) WithClock(clock func() time.Time) *System {
	s.clock = clock
	return s
}

// Evaluate returns the request the first matching rule produces, or nil if no
// rule matches. A rule that errors or panics yields an emergency request.
func (s *System) Evaluate(rec contracts.ConflictRecord, lastOutcome *contracts.ResolutionOutcome, candidate *contracts.ConflictCandidate) *contracts.EscalationRequest {
	facts := FactsFor(rec, lastOutcome, candidate)

	rule, err := s.match(facts)
	if err != nil {
		s.logger.Error("escalation rule evaluation failed, failing open",
			"conflict_id", rec.ConflictID, "error", err)
		fo := failOpenRule()
		req := s.newRequest(rec.ConflictID, fo, rec.PriorityScore, 1)
		req.Reason = fmt.Sprintf("%s: %v", contracts.ReasonEvaluationFailure, err)
		return req
	}
	if rule == nil {
		return nil
	}

	req := s.newRequest(rec.ConflictID, *rule, facts.PriorityScore, 1)
	req.Reason = reasonFor(*rule, lastOutcome)
	return req
}

func (s *System) match(f Facts) (matched *Rule, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = nil
			err = contracts.E(contracts.KindEvaluationFailure, "escalation.Evaluate", "rule panicked: %v", r)
		}
	}()
	for i := range s.rules {
		rule := &s.rules[i]
		if rule.Match == nil {
			continue
		}
		ok, err := rule.Match(f)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindEvaluationFailure, "escalation.Evaluate", err)
		}
		if ok {
			return rule, nil
		}
	}
	return nil, nil
}

func reasonFor(rule Rule, last *contracts.ResolutionOutcome) string {
	if last != nil && last.EscalationReason != "" {
		return rule.ID + ": " + last.EscalationReason
	}
	return rule.ID
}

func (s *System) newRequest(conflictID string, rule Rule, priorityScore float64, attempt int) *contracts.EscalationRequest {
	now := s.clock().UTC()
	return &contracts.EscalationRequest{
		EscalationID:         uuid.New().String(),
		ConflictID:           conflictID,
		Level:                rule.Level,
		RuleID:               rule.ID,
		UrgencyScore:         urgency(rule.PriorityBoost, priorityScore),
		RequiredRoles:        append([]contracts.Role(nil), rule.RequiredRoles...),
		NotificationChannels: append([]contracts.Channel(nil), rule.Channels...),
		TimeoutMinutes:       rule.TimeoutMinutes,
		TimeoutDeadline:      now.Add(time.Duration(rule.TimeoutMinutes) * time.Minute),
		Attempt:              attempt,
		Status:               contracts.EscalationActive,
		CreatedAt:            now,
	}
}

// urgency raises the rule's boost toward 1 in proportion to the conflict's
// priority score.
func urgency(boost, priorityScore float64) float64 {
	u := boost + (1-boost)*priorityScore
	switch {
	case u < 0:
		return 0
	case u > 1:
		return 1
	}
	return u
}

// Open registers req as the active request for its conflict and dispatches
// notifications. An existing active request for the same conflict is
// superseded and the attempt counter continues from it.
func (s *System) Open(ctx context.Context, req *contracts.EscalationRequest) contracts.EscalationRequest {
	s.mu.Lock()
	if prev, ok := s.active[req.ConflictID]; ok {
		prev.Status = contracts.EscalationSuperseded
		if req.Attempt <= prev.Attempt {
			req.Attempt = prev.Attempt + 1
		}
	}
	req.Status = contracts.EscalationActive
	stored := *req
	s.active[req.ConflictID] = &stored
	s.mu.Unlock()

	s.notify(ctx, stored)
	return stored
}

// Escalate evaluates the rules and opens the resulting request, if any.
func (s *System) Escalate(ctx context.Context, rec contracts.ConflictRecord, lastOutcome *contracts.ResolutionOutcome, candidate *contracts.ConflictCandidate) (*contracts.EscalationRequest, bool) {
	req := s.Evaluate(rec, lastOutcome, candidate)
	if req == nil {
		return nil, false
	}
	opened := s.Open(ctx, req)
	return &opened, true
}

// EscalateFurther moves the active request for a conflict one level up,
// keeping its timeout. If none is active a technical review is opened.
func (s *System) EscalateFurther(ctx context.Context, conflictID, reason string) contracts.EscalationRequest {
	next := s.PlanFurther(conflictID, reason)
	return s.Open(ctx, &next)
}

// PlanFurther returns the request EscalateFurther would open without
// registering it. Pass the result to Open to commit it.
func (s *System) PlanFurther(conflictID, reason string) contracts.EscalationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.active[conflictID]; ok {
		return *s.successor(prev, reason)
	}
	next := s.newRequest(conflictID, requestedRule(), 0, 1)
	next.Level = contracts.LevelTechnicalReview.Next()
	next.RequiredRoles = rolesFor(next.Level)
	next.Reason = reason
	return *next
}

func (s *System) successor(prev *contracts.EscalationRequest, reason string) *contracts.EscalationRequest {
	now := s.clock().UTC()
	next := *prev
	next.EscalationID = uuid.New().String()
	next.Level = prev.Level.Next()
	next.Reason = reason
	next.Attempt = prev.Attempt + 1
	next.CreatedAt = now
	next.TimeoutDeadline = now.Add(time.Duration(prev.TimeoutMinutes) * time.Minute)
	next.RequiredRoles = append(rolesFor(next.Level), prev.RequiredRoles...)
	next.RequiredRoles = dedupRoles(next.RequiredRoles)
	next.NotificationChannels = append([]contracts.Channel(nil), prev.NotificationChannels...)
	next.ResolvedAt = nil
	next.Status = contracts.EscalationActive
	return &next
}

func rolesFor(level contracts.EscalationLevel) []contracts.Role {
	switch level {
	case contracts.LevelTechnicalReview:
		return []contracts.Role{contracts.RoleTechnicalReviewer}
	case contracts.LevelPolicyManager:
		return []contracts.Role{contracts.RolePolicyManager}
	case contracts.LevelConstitutionalCouncil:
		return []contracts.Role{contracts.RoleConstitutionalCouncil}
	case contracts.LevelEmergencyResponse:
		return []contracts.Role{contracts.RoleEmergencyResponder}
	}
	return nil
}

func dedupRoles(roles []contracts.Role) []contracts.Role {
	seen := map[contracts.Role]bool{}
	out := roles[:0]
	for _, r := range roles {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// Resolve closes the active request for a conflict after a human decision.
func (s *System) Resolve(conflictID string) (contracts.EscalationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.active[conflictID]
	if !ok {
		return contracts.EscalationRequest{}, contracts.E(contracts.KindNotFound, "escalation.Resolve", "no active escalation for conflict %q", conflictID)
	}
	now := s.clock().UTC()
	req.Status = contracts.EscalationResolved
	req.ResolvedAt = &now
	delete(s.active, conflictID)
	return *req, nil
}

// Reescalation pairs an expired request with the request replacing it.
type Reescalation struct {
	Previous contracts.EscalationRequest
	Next     contracts.EscalationRequest
}

// Expired returns a copy of every active request whose deadline passed,
// ordered by conflict id. The registry is not changed.
func (s *System) Expired() []contracts.EscalationRequest {
	s.mu.Lock()
	now := s.clock()
	var out []contracts.EscalationRequest
	for _, req := range s.active {
		if req.Expired(now) {
			out = append(out, *req)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConflictID < out[j].ConflictID })
	return out
}

// PlanTimeout returns the re-escalation for a conflict whose active request
// expired. Nothing changes until Next is passed to Open, so a caller that
// fails to record the re-escalation leaves the request expired for the next
// scan.
func (s *System) PlanTimeout(conflictID string) (Reescalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.active[conflictID]
	if !ok || !req.Expired(s.clock()) {
		return Reescalation{}, false
	}
	prev := *req
	prev.Status = contracts.EscalationSuperseded
	return Reescalation{Previous: prev, Next: *s.successor(req, contracts.ReasonEscalationTimeout)}, true
}

// CheckTimeouts re-escalates every active request whose deadline passed.
// Replacements get a fresh deadline, so a repeated scan is a no-op.
func (s *System) CheckTimeouts(ctx context.Context) []Reescalation {
	var out []Reescalation
	for _, expired := range s.Expired() {
		r, ok := s.PlanTimeout(expired.ConflictID)
		if !ok {
			continue
		}
		s.logger.Warn("escalation timed out, re-escalating",
			"conflict_id", r.Next.ConflictID,
			"from_level", r.Previous.Level.String(),
			"to_level", r.Next.Level.String(),
			"attempt", r.Next.Attempt,
		)
		r.Next = s.Open(ctx, &r.Next)
		out = append(out, r)
	}
	return out
}

// Active returns the active request for a conflict.
func (s *System) Active(conflictID string) (contracts.EscalationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.active[conflictID]
	if !ok {
		return contracts.EscalationRequest{}, false
	}
	return *req, true
}

// Restore re-registers an active request loaded from durable state, e.g.
// after a restart. It does not notify.
func (s *System) Restore(req contracts.EscalationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Status = contracts.EscalationActive
	s.active[req.ConflictID] = &req
}

// ActiveCount returns the number of active escalations.
func (s *System) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *System) notify(ctx context.Context, req contracts.EscalationRequest) {
	if s.notifier == nil || len(req.NotificationChannels) == 0 {
		return
	}
	results := s.notifier.Notify(ctx, req.NotificationChannels, notify.PayloadFor(req))
	for ch, ok := range results {
		if !ok {
			s.logger.Warn("escalation notification not delivered", "conflict_id", req.ConflictID, "channel", ch)
		}
	}
}
