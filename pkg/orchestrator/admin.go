package orchestrator

import (
	"context"
	"errors"

	"github.com/dislovemartin/ACGS-sub005/pkg/audit"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/store"
)

func storeFilter(statuses ...contracts.ConflictStatus) store.Filter {
	return store.Filter{Statuses: statuses}
}

// GetConflict returns one conflict record.
func (o *Orchestrator) GetConflict(ctx context.Context, conflictID string) (contracts.ConflictRecord, error) {
	return o.store.Get(ctx, conflictID)
}

// ListConflicts lists conflict records matching filter.
func (o *Orchestrator) ListConflicts(ctx context.Context, filter store.Filter) ([]contracts.ConflictRecord, error) {
	return o.store.List(ctx, filter)
}

// GetTrace rebuilds the resolution history of one conflict from the audit log.
func (o *Orchestrator) GetTrace(ctx context.Context, conflictID string) (audit.Trace, error) {
	entries, err := audit.EntriesFor(ctx, o.audit.Log(), conflictID)
	if err != nil {
		return audit.Trace{}, err
	}
	return audit.GenerateTrace(entries, conflictID)
}

// GetPerformanceReport replays the whole audit log into a report.
func (o *Orchestrator) GetPerformanceReport(ctx context.Context) (audit.PerformanceReport, error) {
	entries, err := audit.ReadAll(ctx, o.audit.Log())
	if err != nil {
		return audit.PerformanceReport{}, err
	}
	return audit.BuildReport(entries), nil
}

// DeleteConflict removes a record. Deleting a conflict that is still open
// closes its escalation; the deletion is audited either way.
func (o *Orchestrator) DeleteConflict(ctx context.Context, conflictID, actorID string) error {
	const op = "orchestrator.DeleteConflict"
	if err := o.checkHalted(op); err != nil {
		return err
	}
	unlock, err := o.locker.Lock(ctx, conflictID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := o.store.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if err := o.record(ctx, contracts.EventRecordDeleted, conflictID, actorID, map[string]any{
		audit.KeyFrom:   string(rec.Status),
		audit.KeyReason: ReasonDeleted,
	}, eventAttrs(rec)...); err != nil {
		return err
	}
	if _, ok := o.escalation.Active(conflictID); ok {
		_, _ = o.escalation.Resolve(conflictID)
	}
	if err := o.store.Delete(ctx, conflictID); err != nil {
		o.logger.Error("deletion audited but record not removed", "conflict_id", conflictID, "error", err)
		return err
	}
	o.logger.Info("conflict deleted", "conflict_id", conflictID, "status", rec.Status, "actor_id", actorID)
	return nil
}

// VerifyIntegrity checks the whole audit chain and records the result. On a
// violation the Orchestrator halts and the violation is returned.
func (o *Orchestrator) VerifyIntegrity(ctx context.Context, actorID string) (err error) {
	const op = "orchestrator.VerifyIntegrity"
	ctx, finish := o.telemetry.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	verr := o.audit.VerifyIntegrity(ctx)
	if verr != nil && !errors.Is(verr, contracts.ErrChainIntegrityViolation) {
		return verr
	}
	data := map[string]any{"valid": verr == nil}
	if verr != nil {
		o.halt(verr.Error())
		data[audit.KeyError] = verr.Error()
	}
	if err := o.record(ctx, contracts.EventIntegrityCheck, "", actorID, data); err != nil {
		return errors.Join(verr, err)
	}
	return verr
}

// ResumeAfterIntegrityRepair clears halted mode once the chain verifies again.
func (o *Orchestrator) ResumeAfterIntegrityRepair(ctx context.Context, actorID string) error {
	const op = "orchestrator.ResumeAfterIntegrityRepair"
	if actorID == "" {
		return contracts.E(contracts.KindValidationFailure, op, "resuming needs an actor id")
	}
	if err := o.audit.VerifyIntegrity(ctx); err != nil {
		return err
	}
	if err := o.record(ctx, contracts.EventIntegrityCheck, "", actorID, map[string]any{
		"valid":         true,
		audit.KeyReason: ReasonIntegrityRepaired,
	}); err != nil {
		return err
	}
	if o.halted.CompareAndSwap(true, false) {
		o.haltReason.Store("")
		o.logger.Warn("conflict mutations resumed after integrity repair", "actor_id", actorID)
	}
	return nil
}

// ArchiveAudit exports the audit chain from sequence from onward into the
// configured artifact store.
func (o *Orchestrator) ArchiveAudit(ctx context.Context, from uint64) (audit.ArchiveResult, error) {
	if o.archiver == nil {
		return audit.ArchiveResult{}, contracts.E(contracts.KindValidationFailure, "orchestrator.ArchiveAudit", "no archive store configured")
	}
	return o.archiver.Archive(ctx, from)
}
