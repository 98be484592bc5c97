package observability

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// Pipeline semantic convention attributes.
var (
	AttrOperation    = attribute.Key("acgs.operation")
	AttrEvent        = attribute.Key("acgs.event")
	AttrErrorKind    = attribute.Key("acgs.error.kind")
	AttrConflictID   = attribute.Key("acgs.conflict.id")
	AttrConflictType = attribute.Key("acgs.conflict.type")
	AttrSeverity     = attribute.Key("acgs.conflict.severity")
	AttrStatus       = attribute.Key("acgs.conflict.status")
	AttrStrategy     = attribute.Key("acgs.resolution.strategy")
	AttrLevel        = attribute.Key("acgs.escalation.level")
	AttrDecision     = attribute.Key("acgs.human.decision")
)

// ConflictAttrs describes a conflict record on a span or metric.
func ConflictAttrs(rec contracts.ConflictRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConflictID.String(rec.ConflictID),
		AttrConflictType.String(string(rec.ConflictType)),
		AttrSeverity.String(string(rec.Severity)),
	}
}

// OutcomeAttrs describes a resolution attempt. Conflict ids are left out to
// keep metric cardinality bounded.
func OutcomeAttrs(o contracts.ResolutionOutcome) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStrategy.String(string(o.StrategyUsed)),
		attribute.Bool("acgs.resolution.success", o.Success),
		attribute.Bool("acgs.resolution.escalation_required", o.EscalationRequired),
	}
}

// EscalationAttrs describes an escalation request.
func EscalationAttrs(req contracts.EscalationRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLevel.String(req.Level.String()),
		attribute.String("acgs.escalation.rule", req.RuleID),
	}
}

func errorKind(err error) string {
	return string(contracts.KindOf(err))
}
