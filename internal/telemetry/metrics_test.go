package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeterProvider(t *testing.T) (*metric.ManualReader, func()) {
	t.Helper()
	saveAndRestoreGlobalProviders(t)
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(mp)
	return reader, func() { _ = mp.Shutdown(context.Background()) }
}

func collect(t *testing.T, reader *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestNewMetrics_CreatesAllInstruments(t *testing.T) {
	_, cleanup := newTestMeterProvider(t)
	defer cleanup()

	m, err := NewMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotNil(t, m.tracer)
}

func TestMetrics_RecordDispatch_Success(t *testing.T) {
	reader, cleanup := newTestMeterProvider(t)
	defer cleanup()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordDispatch(context.Background(), DispatchAttrs{
		Provider:         "deepseek",
		Model:            "deepseek-chat",
		Logical:          "deepseek-chat",
		Status:           "success",
		Duration:         250 * time.Millisecond,
		TokensPrompt:     10,
		TokensCompletion: 20,
		Cost:             0.002,
	})

	rm := collect(t, reader)

	reqTotal, ok := findMetric(rm, "orchestrator.request.total")
	require.True(t, ok, "expected orchestrator.request.total to be recorded")
	sum, ok := reqTotal.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	tokenTotal, ok := findMetric(rm, "orchestrator.token.total")
	require.True(t, ok, "expected orchestrator.token.total to be recorded")
	tokenSum := tokenTotal.Data.(metricdata.Sum[int64])
	require.Len(t, tokenSum.DataPoints, 1)
	assert.Equal(t, int64(30), tokenSum.DataPoints[0].Value)

	costHist, ok := findMetric(rm, "orchestrator.cost.per_request")
	require.True(t, ok, "expected orchestrator.cost.per_request to be recorded")
	hist := costHist.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	_, hasErrors := findMetric(rm, "orchestrator.error.total")
	assert.False(t, hasErrors, "no error should be recorded for a success")
}

func TestMetrics_RecordDispatch_Error(t *testing.T) {
	reader, cleanup := newTestMeterProvider(t)
	defer cleanup()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordDispatch(context.Background(), DispatchAttrs{
		Provider:  "qwen",
		Model:     "qwen-turbo",
		Logical:   "qwen-turbo",
		Status:    "error",
		ErrorCode: "RATE_LIMIT",
		Duration:  50 * time.Millisecond,
	})

	rm := collect(t, reader)

	errTotal, ok := findMetric(rm, "orchestrator.error.total")
	require.True(t, ok, "expected orchestrator.error.total to be recorded")
	sum := errTotal.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	_, hasTokens := findMetric(rm, "orchestrator.token.total")
	assert.False(t, hasTokens, "no tokens recorded when the call produced no usage")
}

func TestMetrics_RecordDispatch_FillsCostFromCalculatorWhenUnset(t *testing.T) {
	reader, cleanup := newTestMeterProvider(t)
	defer cleanup()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.WithCostCalculator(NewCostCalculator())

	m.RecordDispatch(context.Background(), DispatchAttrs{
		Provider:         "deepseek",
		Model:            "deepseek-chat",
		Logical:          "deepseek-chat",
		Status:           "success",
		TokensPrompt:     1000,
		TokensCompletion: 1000,
	})

	rm := collect(t, reader)
	costHist, ok := findMetric(rm, "orchestrator.cost.per_request")
	require.True(t, ok)
	hist := costHist.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 0.00014+0.00028, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetrics_RecordDispatch_ExplicitCostWinsOverCalculator(t *testing.T) {
	reader, cleanup := newTestMeterProvider(t)
	defer cleanup()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.WithCostCalculator(NewCostCalculator())

	m.RecordDispatch(context.Background(), DispatchAttrs{
		Provider: "deepseek",
		Model:    "deepseek-chat",
		Status:   "success",
		Cost:     9.99,
	})

	rm := collect(t, reader)
	costHist, _ := findMetric(rm, "orchestrator.cost.per_request")
	hist := costHist.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 9.99, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetrics_RecordDispatch_CacheHitAndFallback(t *testing.T) {
	reader, cleanup := newTestMeterProvider(t)
	defer cleanup()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordDispatch(context.Background(), DispatchAttrs{
		Provider: "doubao",
		Model:    "doubao-pro",
		Logical:  "doubao-pro",
		Status:   "success",
		Cached:   true,
		Fallback: true,
	})

	rm := collect(t, reader)

	_, hasCacheHit := findMetric(rm, "orchestrator.cache.hit.total")
	assert.True(t, hasCacheHit)
	_, hasFallback := findMetric(rm, "orchestrator.fallback.total")
	assert.True(t, hasFallback)
}

func TestMetrics_StartSpan_ReturnsUsableContext(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	m, err := NewMetrics()
	require.NoError(t, err)

	ctx, span := m.StartSpan(context.Background(), "dispatch")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}
