package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "acgs-conflict-pipeline", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, finish := p.TrackOperation(context.Background(), "orchestrator.resolve")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
	p.RecordEvent(ctx, string(contracts.EventConflictDetected))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)

	ctx := context.Background()
	_, finish := p.TrackOperation(ctx, "orchestrator.resolve", attribute.String("test.key", "v"))
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackOperation(ctx, "orchestrator.resolve")
	finish(contracts.E(contracts.KindVersionConflict, "store.Update", "stale"))

	metrics := collect(t, reader)

	ops, ok := metrics["acgs.operations.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range ops.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	errs, ok := metrics["acgs.errors.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	kind, found := errs.DataPoints[0].Attributes.Value(AttrErrorKind)
	require.True(t, found)
	assert.Equal(t, "VERSION_CONFLICT", kind.AsString())

	hist, ok := metrics["acgs.operation.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.NotEmpty(t, hist.DataPoints)
}

func TestRecordEvent(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordEvent(ctx, string(contracts.EventEscalationTriggered), EscalationAttrs(contracts.EscalationRequest{Level: contracts.LevelPolicyManager, RuleID: "r1"})...)
	p.RecordEvent(ctx, string(contracts.EventEscalationTriggered), EscalationAttrs(contracts.EscalationRequest{Level: contracts.LevelPolicyManager, RuleID: "r1"})...)
	p.RecordEvent(ctx, string(contracts.EventConflictDetected))

	events, ok := collect(t, reader)["acgs.pipeline.events"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byEvent := map[string]int64{}
	for _, dp := range events.DataPoints {
		v, _ := dp.Attributes.Value(AttrEvent)
		byEvent[v.AsString()] += dp.Value
	}
	assert.Equal(t, int64(2), byEvent["ESCALATION_TRIGGERED"])
	assert.Equal(t, int64(1), byEvent["CONFLICT_DETECTED"])
}

func TestConflictAttrs(t *testing.T) {
	attrs := ConflictAttrs(contracts.ConflictRecord{ConflictID: "c-1", ConflictType: contracts.ConflictPriority, Severity: contracts.SeverityHigh})
	require.Len(t, attrs, 3)
	require.Equal(t, "acgs.conflict.id", string(attrs[0].Key))
	require.Equal(t, "PRIORITY_CONFLICT", attrs[1].Value.AsString())

	attrs = OutcomeAttrs(contracts.ResolutionOutcome{StrategyUsed: contracts.StrategyPrecedenceBased, Success: true})
	require.Equal(t, "PRECEDENCE_BASED", attrs[0].Value.AsString())
	require.True(t, attrs[1].Value.AsBool())
}
