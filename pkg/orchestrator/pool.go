package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/audit"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

type job struct {
	conflictID string
	actorID    string
}

// Start launches the resolution workers and the escalation timeout monitor.
// Work submitted before Start is resolved inline by the caller.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.queue = make(chan job, o.queueSize)
	o.stopMonitor = make(chan struct{})
	o.cancel = cancel
	o.running = true

	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(runCtx, o.queue)
	}
	o.wg.Add(1)
	go o.monitor(runCtx, o.stopMonitor)

	o.logger.Info("orchestrator started", "workers", o.workers, "queue_size", o.queueSize, "monitor_interval", o.monitorInterval)
	return nil
}

// Stop drains queued work, stops the monitor and waits for both.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.queue)
	close(o.stopMonitor)
	cancel := o.cancel
	o.mu.Unlock()

	o.wg.Wait()
	cancel()
	o.logger.Info("orchestrator stopped")
}

// Submit queues a conflict for automated resolution. It returns false when
// the pool is not running or the queue is full.
func (o *Orchestrator) Submit(conflictID, actorID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.running {
		return false
	}
	select {
	case o.queue <- job{conflictID: conflictID, actorID: actorID}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) worker(ctx context.Context, queue <-chan job) {
	defer o.wg.Done()
	for j := range queue {
		res, err := o.ResolveAutomatically(ctx, j.conflictID, j.actorID)
		if err != nil {
			o.logger.Error("queued resolution failed", "conflict_id", j.conflictID, "error", err)
			continue
		}
		o.logger.Debug("queued resolution finished", "conflict_id", j.conflictID, "status", res.Record.Status)
	}
}

func (o *Orchestrator) monitor(ctx context.Context, stop <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := o.CheckEscalationTimeouts(ctx); err != nil {
				o.logger.Error("escalation timeout scan failed", "error", err)
			}
		}
	}
}

// CheckEscalationTimeouts re-escalates every active escalation whose deadline
// passed and audits each re-escalation. It returns the new requests. A repeat
// call before the fresh deadlines pass does nothing. Each conflict is
// re-checked under its lock, so a request closed by a human decision in the
// meantime is left alone. A request whose re-escalation could not be audited
// stays expired and is retried on the next call.
func (o *Orchestrator) CheckEscalationTimeouts(ctx context.Context) (_ []contracts.EscalationRequest, err error) {
	const op = "orchestrator.CheckEscalationTimeouts"
	if err := o.checkHalted(op); err != nil {
		return nil, err
	}
	ctx, finish := o.telemetry.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	var out []contracts.EscalationRequest
	var errs []error
	for _, expired := range o.escalation.Expired() {
		next, ok, err := o.reescalateExpired(ctx, expired.ConflictID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, next)
		}
	}
	return out, errors.Join(errs...)
}

func (o *Orchestrator) reescalateExpired(ctx context.Context, conflictID string) (contracts.EscalationRequest, bool, error) {
	unlock, err := o.locker.Lock(ctx, conflictID)
	if err != nil {
		return contracts.EscalationRequest{}, false, err
	}
	defer unlock()

	rec, err := o.store.Get(ctx, conflictID)
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		o.logger.Warn("dropping escalation for missing conflict", "conflict_id", conflictID)
		_, _ = o.escalation.Resolve(conflictID)
		return contracts.EscalationRequest{}, false, nil
	case err != nil:
		return contracts.EscalationRequest{}, false, err
	case rec.Status != contracts.StatusEscalated:
		// Decided while this scan waited on the lock.
		if _, err := o.escalation.Resolve(conflictID); err == nil {
			o.logger.Warn("dropped stale escalation", "conflict_id", conflictID, "status", rec.Status)
		}
		return contracts.EscalationRequest{}, false, nil
	}

	r, ok := o.escalation.PlanTimeout(conflictID)
	if !ok {
		return contracts.EscalationRequest{}, false, nil
	}
	o.logger.Warn("escalation timed out, re-escalating",
		"conflict_id", conflictID,
		"from_level", r.Previous.Level.String(),
		"to_level", r.Next.Level.String(),
		"attempt", r.Next.Attempt,
	)
	_, opened, err := o.reescalate(context.WithoutCancel(ctx), rec, r.Next, SystemActor, map[string]any{
		"previous_escalation_id": r.Previous.EscalationID,
		"previous_level":         r.Previous.Level.String(),
	})
	if err != nil {
		return contracts.EscalationRequest{}, false, err
	}
	return opened, true, nil
}

// RecoverEscalations rebuilds the active escalation registry from the audit
// log after a restart: every ESCALATED record gets its last audited request
// back. It returns the number of restored requests.
func (o *Orchestrator) RecoverEscalations(ctx context.Context) (int, error) {
	recs, err := o.store.List(ctx, storeFilter(contracts.StatusEscalated))
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range recs {
		if _, ok := o.escalation.Active(rec.ConflictID); ok {
			continue
		}
		entries, err := audit.EntriesFor(ctx, o.audit.Log(), rec.ConflictID)
		if err != nil {
			return restored, err
		}
		trace, err := audit.GenerateTrace(entries, rec.ConflictID)
		if err != nil {
			o.logger.Warn("escalated conflict has no audit trail", "conflict_id", rec.ConflictID, "error", err)
			continue
		}
		if len(trace.Escalations) == 0 {
			o.logger.Warn("escalated conflict has no audited escalation", "conflict_id", rec.ConflictID)
			continue
		}
		o.escalation.Restore(requestFromTrace(rec.ConflictID, trace.Escalations[len(trace.Escalations)-1]))
		restored++
	}
	if restored > 0 {
		o.logger.Info("active escalations restored", "count", restored)
	}
	return restored, nil
}

func requestFromTrace(conflictID string, e audit.Escalation) contracts.EscalationRequest {
	level, _ := contracts.ParseEscalationLevel(e.Level)
	deadline, err := time.Parse(time.RFC3339Nano, e.Deadline)
	if err != nil {
		deadline = e.Timestamp.Add(time.Duration(e.TimeoutMinutes) * time.Minute)
	}
	req := contracts.EscalationRequest{
		EscalationID:    e.EscalationID,
		ConflictID:      conflictID,
		Level:           level,
		Reason:          e.Reason,
		RuleID:          e.RuleID,
		UrgencyScore:    e.UrgencyScore,
		TimeoutMinutes:  e.TimeoutMinutes,
		TimeoutDeadline: deadline,
		Attempt:         e.Attempt,
		CreatedAt:       e.Timestamp,
	}
	for _, r := range e.RequiredRoles {
		req.RequiredRoles = append(req.RequiredRoles, contracts.Role(r))
	}
	for _, c := range e.Channels {
		req.NotificationChannels = append(req.NotificationChannels, contracts.Channel(c))
	}
	return req
}
