package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovemartin/ACGS-sub005/pkg/artifacts"
	"github.com/dislovemartin/ACGS-sub005/pkg/audit"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/detector"
	"github.com/dislovemartin/ACGS-sub005/pkg/escalation"
	"github.com/dislovemartin/ACGS-sub005/pkg/lock"
	"github.com/dislovemartin/ACGS-sub005/pkg/principle"
	"github.com/dislovemartin/ACGS-sub005/pkg/resolution"
	"github.com/dislovemartin/ACGS-sub005/pkg/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Two principles with weights 0.9 and 0.2 sharing {data, privacy}: one
// PRIORITY_CONFLICT at confidence 0.81.
func priorityPrinciples() []contracts.Principle {
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

func uniformRates(rate float64) map[contracts.StrategyName]float64 {
	out := map[contracts.StrategyName]float64{}
	for name := range resolution.DefaultSuccessRates {
		out[name] = rate
	}
	return out
}

type harness struct {
	orch       *Orchestrator
	principles *principle.MemoryStore
	store      *store.MemoryStore
	log        *audit.MemoryLog
	writer     *audit.Writer
	escalation *escalation.System
	clock      *testClock
}

type setup struct {
	opts       Options
	rates      map[contracts.StrategyName]float64
	principles principle.Store
	store      store.ConflictStore
}

func newHarness(t *testing.T, configure ...func(*setup)) *harness {
	t.Helper()
	clock := newTestClock()
	logger := quietLogger()

	ps := principle.NewMemoryStore(priorityPrinciples()...)
	mem := store.NewMemoryStore().WithClock(clock.Now)
	log := audit.NewMemoryLog()
	writer, err := audit.NewWriter(context.Background(), log, audit.WriterOptions{Logger: logger, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(writer.Close)

	s := &setup{
		opts: Options{
			// Scans only open records unless a test lowers this.
			AutoResolveConfidence: 0.99,
			Logger:                logger,
		},
		principles: ps,
		store:      mem,
	}
	for _, fn := range configure {
		fn(s)
	}

	esc := escalation.NewSystem(escalation.Options{Logger: logger}).WithClock(clock.Now)
	s.opts.Principles = s.principles
	s.opts.Store = s.store
	s.opts.Detector = detector.New(nil, detector.Options{Logger: logger}).WithClock(clock.Now)
	s.opts.Engine = resolution.NewEngine(resolution.Options{SuccessRates: s.rates, Logger: logger})
	s.opts.Escalation = esc
	s.opts.Audit = writer

	orch, err := New(s.opts)
	require.NoError(t, err)
	orch.WithClock(clock.Now)
	t.Cleanup(orch.Stop)

	return &harness{orch: orch, principles: ps, store: mem, log: log, writer: writer, escalation: esc, clock: clock}
}

// open runs a scan and returns the single opened conflict.
func (h *harness) open(t *testing.T) contracts.ConflictRecord {
	t.Helper()
	_, err := h.orch.RunDetectionScan(context.Background(), nil, "scanner")
	require.NoError(t, err)
	recs, err := h.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func (h *harness) entries(t *testing.T) []contracts.AuditEntry {
	t.Helper()
	entries, err := audit.ReadAll(context.Background(), h.log)
	require.NoError(t, err)
	return entries
}

func lowConfidence(s *setup) { s.rates = uniformRates(0.6) }

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)
}

func TestRunDetectionScan_OpensIdentifiedRecord(t *testing.T) {
	h := newHarness(t)

	candidates, err := h.orch.RunDetectionScan(context.Background(), []string{"p-privacy", "p-ops"}, "scanner")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, contracts.ConflictPriority, candidates[0].ConflictType)
	assert.GreaterOrEqual(t, candidates[0].Confidence, 0.7)

	recs, err := h.orch.ListConflicts(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, contracts.StatusIdentified, rec.Status)
	assert.Equal(t, candidates[0].CandidateID, rec.CandidateID)
	assert.Equal(t, int64(1), rec.Version)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.EventConflictDetected, entries[0].EventType)
	assert.Equal(t, rec.ConflictID, entries[0].ConflictID)
	assert.Equal(t, "scanner", entries[0].ActorID)
	assert.Equal(t, "IDENTIFIED", entries[0].EventData[audit.KeyTo])
}

func TestRunDetectionScan_DoesNotReopenPrincipleSet(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	candidates, err := h.orch.RunDetectionScan(context.Background(), nil, "scanner")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	recs, err := h.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Len(t, h.entries(t), 1)
}

func TestRunDetectionScan_UnknownPrinciple(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.RunDetectionScan(context.Background(), []string{"missing"}, "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestRunDetectionScan_AutoResolvesConfidentCandidates(t *testing.T) {
	h := newHarness(t, func(s *setup) { s.opts.AutoResolveConfidence = 0.8 })
	rec := h.open(t)

	assert.Equal(t, contracts.StatusResolved, rec.Status)
	require.Len(t, rec.Outcomes, 1)
	assert.Equal(t, contracts.StrategyWeightedPriority, rec.Outcomes[0].StrategyUsed)
	assert.Equal(t, string(contracts.StrategyWeightedPriority), rec.ResolutionDetails["strategy"])

	trace, err := h.orch.GetTrace(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusResolved, trace.FinalStatus)
	require.Len(t, trace.Transitions, 3)
	assert.Equal(t, contracts.StatusIdentified, trace.Transitions[0].To)
	assert.Equal(t, contracts.StatusAnalyzing, trace.Transitions[1].To)
	assert.Equal(t, contracts.StatusResolved, trace.Transitions[2].To)
	assert.Equal(t, ReasonAutoResolved, trace.Transitions[2].Reason)
	require.Len(t, trace.Attempts, 1)
	assert.True(t, trace.Attempts[0].Success)

	report, err := h.orch.GetPerformanceReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoResolved)
	assert.Equal(t, 1.0, report.AutoResolutionRate)
	assert.Equal(t, 0.0, report.EscalationRate)
}

func TestResolveAutomatically_LowConfidenceEscalates(t *testing.T) {
	h := newHarness(t, lowConfidence)
	rec := h.open(t)

	res, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Success, "the strategy ran, escalation still takes precedence")
	assert.True(t, res.Outcome.EscalationRequired)
	assert.Equal(t, contracts.ReasonLowConfidence, res.Outcome.EscalationReason)

	require.NotNil(t, res.Escalation)
	assert.GreaterOrEqual(t, res.Escalation.Level, contracts.LevelTechnicalReview)
	assert.Equal(t, escalation.RuleEscalationRequested, res.Escalation.RuleID)
	assert.Equal(t, contracts.StatusEscalated, res.Record.Status)
	assert.Equal(t, 1, h.escalation.ActiveCount())

	stored, err := h.orch.GetConflict(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusEscalated, stored.Status)
	assert.Equal(t, res.Escalation.EscalationID, stored.ResolutionDetails["escalation_id"])

	trace, err := h.orch.GetTrace(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	require.Len(t, trace.Escalations, 1)
	assert.Equal(t, "TECHNICAL_REVIEW", trace.Escalations[0].Level)
	assert.Equal(t, contracts.StatusEscalated, trace.FinalStatus)
}

func TestResolveAutomatically_RejectsClosedRecord(t *testing.T) {
	h := newHarness(t, lowConfidence)
	rec := h.open(t)
	_, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)

	_, err = h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)
	assert.Equal(t, 1, h.escalation.ActiveCount())
}

func TestResolveAutomatically_UnknownConflict(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ResolveAutomatically(context.Background(), "nope", "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

// firstOnly hands the engine a single principle so every strategy fails.
type firstOnly struct{ principle.Store }

func (f firstOnly) GetPrinciplesByIDs(ctx context.Context, ids []string) ([]contracts.Principle, error) {
	ps, err := f.Store.GetPrinciplesByIDs(ctx, ids)
	if err != nil || len(ps) == 0 {
		return ps, err
	}
	return ps[:1], nil
}

func TestResolveAutomatically_ExhaustedAttemptsEscalate(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.rates = uniformRates(0.9)
		s.opts.MaxResolutionAttempts = 2
		s.principles = firstOnly{s.principles}
	})
	rec := h.open(t)

	res, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Len(t, res.Record.Outcomes, 2)
	for _, o := range res.Record.Outcomes {
		assert.False(t, o.Success)
		assert.False(t, o.EscalationRequired)
	}
	assert.NotEqual(t, res.Record.Outcomes[0].StrategyUsed, res.Record.Outcomes[1].StrategyUsed)

	require.NotNil(t, res.Escalation)
	assert.Equal(t, escalation.RuleRepeatedFailures, res.Escalation.RuleID)
	assert.Contains(t, res.Escalation.Reason, contracts.ReasonAttemptsExhausted)
	assert.Equal(t, contracts.StatusEscalated, res.Record.Status)
}

type freeLocker struct{}

func (freeLocker) Lock(context.Context, string) (lock.Unlock, error) { return func() {}, nil }

func TestResolveAutomatically_CancellationFailsRecord(t *testing.T) {
	h := newHarness(t, func(s *setup) { s.opts.Locker = freeLocker{} })
	rec := h.open(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	res, err := h.orch.ResolveAutomatically(ctx, rec.ConflictID, "engine")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, contracts.StatusFailed, res.Record.Status)
	stored, err := h.store.Get(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, stored.Status)
	require.Len(t, stored.Outcomes, 1)
	assert.Equal(t, contracts.ReasonCancelled, stored.Outcomes[0].EscalationReason)

	trace, err := h.orch.GetTrace(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, trace.FinalStatus)
	assert.Equal(t, contracts.ReasonCancelled, trace.Transitions[len(trace.Transitions)-1].Reason)
	assert.Zero(t, h.escalation.ActiveCount())
}

func TestCheckEscalationTimeouts_Reescalates(t *testing.T) {
	h := newHarness(t, lowConfidence)
	rec := h.open(t)
	res, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	timeout := time.Duration(res.Escalation.TimeoutMinutes) * time.Minute

	h.clock.Advance(timeout - time.Minute)
	next, err := h.orch.CheckEscalationTimeouts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, next)

	h.clock.Advance(2 * time.Minute)
	next, err = h.orch.CheckEscalationTimeouts(context.Background())
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, res.Escalation.Attempt+1, next[0].Attempt)
	assert.Equal(t, res.Escalation.Level.Next(), next[0].Level)

	entries := h.entries(t)
	last := entries[len(entries)-1]
	assert.Equal(t, contracts.EventEscalationTriggered, last.EventType)
	assert.Equal(t, float64(res.Escalation.Attempt+1), last.EventData[audit.KeyAttempt])
	assert.Equal(t, contracts.ReasonEscalationTimeout, last.EventData[audit.KeyReason])
	assert.Equal(t, res.Escalation.EscalationID, last.EventData["previous_escalation_id"])

	again, err := h.orch.CheckEscalationTimeouts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, h.entries(t), len(entries))
	assert.Equal(t, 1, h.escalation.ActiveCount())

	stored, err := h.store.Get(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusEscalated, stored.Status)
	assert.Equal(t, next[0].EscalationID, stored.ResolutionDetails["escalation_id"])
	assert.Equal(t, next[0].Level.String(), stored.ResolutionDetails["escalation_level"])
	assert.Equal(t, contracts.ReasonEscalationTimeout, stored.ResolutionDetails["escalation_reason"])
}

// lockWatcher reports a Lock call to a receiver waiting on calls.
type lockWatcher struct {
	lock.Locker
	calls chan string
}

func (l *lockWatcher) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	select {
	case l.calls <- key:
	default:
	}
	return l.Locker.Lock(ctx, key)
}

// hookStore runs fn once, just before the first update whose record matches
// when is written.
type hookStore struct {
	store.ConflictStore
	when func(contracts.ConflictRecord) bool
	fn   func()
}

func (s *hookStore) Update(ctx context.Context, rec contracts.ConflictRecord, expected int64) (contracts.ConflictRecord, error) {
	if s.fn != nil && s.when(rec) {
		fn := s.fn
		s.fn = nil
		fn()
	}
	return s.ConflictStore.Update(ctx, rec, expected)
}

func withHook(hook *hookStore) func(*setup) {
	return func(s *setup) {
		hook.ConflictStore = s.store
		s.store = hook
	}
}

func TestCheckEscalationTimeouts_WaitsForHumanDecision(t *testing.T) {
	hook := &hookStore{when: func(r contracts.ConflictRecord) bool { return r.Status == contracts.StatusResolved }}
	watcher := &lockWatcher{Locker: lock.NewKeyedMutex(), calls: make(chan string)}
	h := newHarness(t, lowConfidence, withHook(hook), func(s *setup) { s.opts.Locker = watcher })
	ctx := context.Background()
	rec := h.open(t)
	res, err := h.orch.ResolveAutomatically(ctx, rec.ConflictID, "engine")
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	h.clock.Advance(time.Duration(res.Escalation.TimeoutMinutes+1) * time.Minute)

	type scan struct {
		next []contracts.EscalationRequest
		err  error
	}
	done := make(chan scan, 1)
	// The monitor fires while the RESOLVED transition is being written and
	// the expired request is still registered.
	hook.fn = func() {
		go func() {
			next, err := h.orch.CheckEscalationTimeouts(ctx)
			done <- scan{next: next, err: err}
		}()
		select {
		case key := <-watcher.calls:
			assert.Equal(t, rec.ConflictID, key)
		case <-time.After(5 * time.Second):
			t.Error("timeout scan never asked for the conflict lock")
		}
	}

	ok, err := h.orch.HandleHumanIntervention(ctx, rec.ConflictID, contracts.DecisionResolve, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	var got scan
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout scan did not finish")
	}
	require.NoError(t, got.err)
	assert.Empty(t, got.next)
	assert.Zero(t, h.escalation.ActiveCount())

	entries := h.entries(t)
	assert.Equal(t, contracts.EventHumanIntervention, entries[len(entries)-1].EventType)

	trace, err := h.orch.GetTrace(ctx, rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusResolved, trace.FinalStatus)
	assert.Len(t, trace.Escalations, 1)

	stored, err := h.store.Get(ctx, rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusResolved, stored.Status)
}

func TestCheckEscalationTimeouts_AuditFailureKeepsRequest(t *testing.T) {
	h, rec := escalated(t)
	ctx := context.Background()
	before, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)
	logged := len(h.entries(t))

	h.clock.Advance(time.Duration(before.TimeoutMinutes+1) * time.Minute)
	h.writer.Close()

	next, err := h.orch.CheckEscalationTimeouts(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrWriterClosed)
	assert.Empty(t, next)

	after, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)
	assert.Equal(t, before.EscalationID, after.EscalationID)
	assert.Equal(t, before.Level, after.Level)
	assert.Equal(t, before.Attempt, after.Attempt)
	assert.Len(t, h.escalation.Expired(), 1, "the next scan retries the request")
	assert.Len(t, h.entries(t), logged)

	stored, err := h.store.Get(ctx, rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, before.EscalationID, stored.ResolutionDetails["escalation_id"])
}

func escalated(t *testing.T) (*harness, contracts.ConflictRecord) {
	t.Helper()
	h := newHarness(t, lowConfidence)
	rec := h.open(t)
	res, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusEscalated, res.Record.Status)
	return h, res.Record
}

func TestHandleHumanIntervention_Resolve(t *testing.T) {
	h, rec := escalated(t)

	ok, err := h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionResolve, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, h.escalation.ActiveCount())

	stored, err := h.store.Get(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusResolved, stored.Status)
	assert.Equal(t, "alice", stored.ResolutionDetails["decided_by"])

	trace, err := h.orch.GetTrace(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	require.Len(t, trace.Interventions, 1)
	assert.Equal(t, "resolve", trace.Interventions[0].Decision)
	assert.Equal(t, "alice", trace.Interventions[0].ActorID)

	_, err = h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionResolve, "alice")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)

	report, err := h.orch.GetPerformanceReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.HumanResolved)
	assert.Equal(t, 1.0, report.EscalationRate)
}

func TestHandleHumanIntervention_EscalateFurther(t *testing.T) {
	h, rec := escalated(t)
	before, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)

	ok, err := h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionEscalateFurther, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	after, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)
	assert.Equal(t, before.Level.Next(), after.Level)
	assert.Equal(t, before.Attempt+1, after.Attempt)
	assert.Equal(t, 1, h.escalation.ActiveCount())

	trace, err := h.orch.GetTrace(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	require.Len(t, trace.Escalations, 2)
	assert.Equal(t, contracts.ReasonHumanEscalation, trace.Escalations[1].Reason)
	assert.Equal(t, contracts.StatusEscalated, trace.FinalStatus)

	stored, err := h.store.Get(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, after.EscalationID, stored.ResolutionDetails["escalation_id"])
	assert.Equal(t, after.Level.String(), stored.ResolutionDetails["escalation_level"])
	assert.Equal(t, "bob", stored.ResolutionDetails["decided_by"])
}

func TestHandleHumanIntervention_EscalateFurtherAuditFailure(t *testing.T) {
	hook := &hookStore{when: func(r contracts.ConflictRecord) bool {
		return r.ResolutionDetails["human_decision"] == string(contracts.DecisionEscalateFurther)
	}}
	h := newHarness(t, lowConfidence, withHook(hook))
	rec := h.open(t)
	res, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusEscalated, res.Record.Status)
	before, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)

	// The decision is audited and persisted, then the chain stops accepting
	// entries before the new escalation is recorded.
	hook.fn = h.writer.Close

	_, err = h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionEscalateFurther, "bob")
	assert.ErrorIs(t, err, audit.ErrWriterClosed)

	after, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)
	assert.Equal(t, before.EscalationID, after.EscalationID)
	assert.Equal(t, before.Level, after.Level)
}

func TestHandleHumanIntervention_DeferThenReopen(t *testing.T) {
	h, rec := escalated(t)

	_, err := h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionDefer, "carol")
	require.NoError(t, err)
	assert.Zero(t, h.escalation.ActiveCount())

	deferred, err := h.orch.ListConflicts(context.Background(), store.Filter{Statuses: []contracts.ConflictStatus{contracts.StatusDeferred}})
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	_, err = h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionResolve, "carol")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)

	_, err = h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionEscalateFurther, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, h.escalation.ActiveCount())
	stored, err := h.store.Get(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusEscalated, stored.Status)
}

func TestRunDetectionScan_DeferredConflictBlocksReopen(t *testing.T) {
	h, rec := escalated(t)
	ctx := context.Background()
	_, err := h.orch.HandleHumanIntervention(ctx, rec.ConflictID, contracts.DecisionDefer, "carol")
	require.NoError(t, err)

	candidates, err := h.orch.RunDetectionScan(ctx, nil, "scanner")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	recs, err := h.store.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, contracts.StatusDeferred, recs[0].Status)

	_, err = h.orch.HandleHumanIntervention(ctx, rec.ConflictID, contracts.DecisionResolve, "carol")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)
}

func TestHandleHumanIntervention_Validation(t *testing.T) {
	h, rec := escalated(t)

	_, err := h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, "approve", "alice")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)

	_, err = h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionResolve, "")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)

	_, err = h.orch.HandleHumanIntervention(context.Background(), "nope", contracts.DecisionResolve, "alice")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	fresh := newHarness(t)
	open := fresh.open(t)
	_, err = fresh.orch.HandleHumanIntervention(context.Background(), open.ConflictID, contracts.DecisionResolve, "alice")
	assert.ErrorIs(t, err, contracts.ErrValidationFailure, "only escalated conflicts take human decisions")
}

func TestSingleActiveEscalationUnderConcurrency(t *testing.T) {
	h, rec := escalated(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.HandleHumanIntervention(context.Background(), rec.ConflictID, contracts.DecisionEscalateFurther, "ops")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.escalation.ActiveCount())
	stored, err := h.store.Get(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusEscalated, stored.Status)
	assert.NoError(t, h.writer.VerifyIntegrity(context.Background()))
}

// staleStore fails the first n updates with a version conflict.
type staleStore struct {
	store.ConflictStore
	mu sync.Mutex
	n  int
}

func (s *staleStore) Update(ctx context.Context, rec contracts.ConflictRecord, expected int64) (contracts.ConflictRecord, error) {
	s.mu.Lock()
	if s.n > 0 {
		s.n--
		s.mu.Unlock()
		return contracts.ConflictRecord{}, contracts.E(contracts.KindVersionConflict, "store.Update", "stale")
	}
	s.mu.Unlock()
	return s.ConflictStore.Update(ctx, rec, expected)
}

func TestUpdate_RetriesVersionConflicts(t *testing.T) {
	stale := &staleStore{n: 2}
	h := newHarness(t, lowConfidence, func(s *setup) {
		stale.ConflictStore = s.store
		s.store = stale
	})
	rec := h.open(t)

	res, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusEscalated, res.Record.Status)
}

func TestUpdate_SurfacesVersionConflictAfterRetries(t *testing.T) {
	stale := &staleStore{n: 100}
	h := newHarness(t, func(s *setup) {
		s.opts.VersionRetries = 1
		stale.ConflictStore = s.store
		s.store = stale
	})
	rec := h.open(t)

	_, err := h.orch.ResolveAutomatically(context.Background(), rec.ConflictID, "engine")
	assert.ErrorIs(t, err, contracts.ErrVersionConflict)
	assert.Equal(t, 409, contracts.HTTPStatus(err))
}

func TestVerifyIntegrity_HaltsAndResumes(t *testing.T) {
	h, rec := escalated(t)
	ctx := context.Background()
	require.NoError(t, h.orch.VerifyIntegrity(ctx, "auditor"))
	assert.False(t, h.orch.Halted())

	original := h.entries(t)[0]
	require.True(t, h.log.Tamper(original.Sequence, map[string]any{"confidence": 0.1}))

	err := h.orch.VerifyIntegrity(ctx, "auditor")
	require.ErrorIs(t, err, contracts.ErrChainIntegrityViolation)
	assert.True(t, h.orch.Halted())

	_, err = h.orch.RunDetectionScan(ctx, nil, "scanner")
	assert.ErrorIs(t, err, contracts.ErrChainIntegrityViolation)
	_, err = h.orch.HandleHumanIntervention(ctx, rec.ConflictID, contracts.DecisionResolve, "alice")
	assert.ErrorIs(t, err, contracts.ErrChainIntegrityViolation)
	_, err = h.orch.CheckEscalationTimeouts(ctx)
	assert.ErrorIs(t, err, contracts.ErrChainIntegrityViolation)

	assert.ErrorIs(t, h.orch.ResumeAfterIntegrityRepair(ctx, "auditor"), contracts.ErrChainIntegrityViolation)

	require.True(t, h.log.Tamper(original.Sequence, original.EventData))
	require.NoError(t, h.orch.ResumeAfterIntegrityRepair(ctx, "auditor"))
	assert.False(t, h.orch.Halted())

	ok, err := h.orch.HandleHumanIntervention(ctx, rec.ConflictID, contracts.DecisionResolve, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	var checks []contracts.AuditEntry
	for _, e := range h.entries(t) {
		if e.EventType == contracts.EventIntegrityCheck {
			checks = append(checks, e)
		}
	}
	require.Len(t, checks, 3)
	assert.Equal(t, false, checks[1].EventData["valid"])
}

func TestDeleteConflict(t *testing.T) {
	h, rec := escalated(t)

	require.NoError(t, h.orch.DeleteConflict(context.Background(), rec.ConflictID, "admin"))
	assert.Zero(t, h.escalation.ActiveCount())

	_, err := h.orch.GetConflict(context.Background(), rec.ConflictID)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	trace, err := h.orch.GetTrace(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.True(t, trace.Deleted)
}

func TestRecoverEscalations(t *testing.T) {
	h, rec := escalated(t)
	before, ok := h.escalation.Active(rec.ConflictID)
	require.True(t, ok)

	esc := escalation.NewSystem(escalation.Options{Logger: quietLogger()}).WithClock(h.clock.Now)
	restarted, err := New(Options{
		Principles: h.principles,
		Store:      h.store,
		Detector:   detector.New(nil, detector.Options{}),
		Engine:     resolution.NewEngine(resolution.Options{}),
		Escalation: esc,
		Audit:      h.writer,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	n, err := restarted.RecoverEscalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, ok := esc.Active(rec.ConflictID)
	require.True(t, ok)
	assert.Equal(t, before.EscalationID, after.EscalationID)
	assert.Equal(t, before.Level, after.Level)
	assert.Equal(t, before.Attempt, after.Attempt)
	assert.True(t, before.TimeoutDeadline.Equal(after.TimeoutDeadline))
	assert.Equal(t, before.NotificationChannels, after.NotificationChannels)

	n, err = restarted.RecoverEscalations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveAudit(t *testing.T) {
	bundles := artifacts.NewMemoryStore()
	h := newHarness(t, func(s *setup) { s.opts.AutoResolveConfidence = 0.8 })
	_, err := h.orch.ArchiveAudit(context.Background(), 0)
	assert.ErrorIs(t, err, contracts.ErrValidationFailure)

	h.orch.archiver = audit.NewArchiver(h.log, bundles, quietLogger())
	h.open(t)
	res, err := h.orch.ArchiveAudit(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.StartSeq)

	bundle, err := h.orch.archiver.Load(context.Background(), res.Ref)
	require.NoError(t, err)
	assert.Len(t, bundle.Entries, len(h.entries(t)))
}

func TestWorkerPool(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.opts.AutoResolveConfidence = 0.8
		s.opts.Workers = 2
		s.opts.MonitorInterval = time.Hour
	})
	require.NoError(t, h.orch.Start(context.Background()))
	assert.Error(t, h.orch.Start(context.Background()))

	_, err := h.orch.RunDetectionScan(context.Background(), nil, "scanner")
	require.NoError(t, err)
	h.orch.Stop()
	assert.False(t, h.orch.Submit("late", ""))

	recs, err := h.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, contracts.StatusResolved, recs[0].Status)
}
