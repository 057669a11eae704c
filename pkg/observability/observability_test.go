package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, rec
}

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, agg metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "sanctuary", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.False(t, c.Enabled)
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// instruments are no-ops but safe to use
	p.RecordValidation(context.Background(), "continue")
	_, done := p.TrackOperation(context.Background(), "validate")
	done(nil)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSafetyCounters(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.RecordValidation(ctx, "continue")
	p.RecordValidation(ctx, "block")
	p.RecordValidation(ctx, "block")
	p.RecordViolation(ctx, "boundary")
	p.RecordEmergency(ctx, "safe_word")

	m := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, m["sanctuary.validations.total"], "action", "block"))
	assert.Equal(t, int64(1), sumFor(t, m["sanctuary.validations.total"], "action", "continue"))
	assert.Equal(t, int64(1), sumFor(t, m["sanctuary.violations.total"], "type", "boundary"))
	assert.Equal(t, int64(1), sumFor(t, m["sanctuary.emergencies.total"], "trigger", "safe_word"))
}

func TestObserveSessions(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	open := 3
	require.NoError(t, p.ObserveSessions(func() int { return open }))

	m := collect(t, reader)
	g, ok := m["sanctuary.sessions.active"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, int64(3), g.DataPoints[0].Value)
}

func TestTrackOperation(t *testing.T) {
	p, reader, spans := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "validate_content", attribute.String("session.id", "s1"))
	done(nil)
	_, done = p.TrackOperation(ctx, "validate_content")
	done(errors.New("classifier down"))

	m := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, m["sanctuary.requests.total"], "operation", "validate_content"))
	assert.Equal(t, int64(1), sumFor(t, m["sanctuary.errors.total"], "operation", "validate_content"))
	assert.Equal(t, int64(0), sumFor(t, m["sanctuary.operations.active"], "operation", "validate_content"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "validate_content", ended[0].Name())
	assert.Len(t, ended[1].Events(), 1)
}
