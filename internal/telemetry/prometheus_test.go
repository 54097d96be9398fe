package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmcore/internal/circuitbreaker"
	"github.com/BaSui01/llmcore/providers"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewPrometheusMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusMetrics(reg)
	require.NotNil(t, p)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["orchestrator_breaker_state"])
	assert.True(t, names["orchestrator_ratelimit_inflight"])
	assert.True(t, names["orchestrator_tokens_total"])
}

func TestPrometheusMetrics_ObserveState(t *testing.T) {
	p := NewPrometheusMetrics(nil)
	p.ObserveState("deepseek-chat", circuitbreaker.Open)
	assert.Equal(t, float64(circuitbreaker.Open), gaugeValue(t, p.breakerState.WithLabelValues("deepseek-chat")))
}

func TestPrometheusMetrics_IncDecInflight(t *testing.T) {
	p := NewPrometheusMetrics(nil)
	p.IncInflight("dashscope_shared")
	p.IncInflight("dashscope_shared")
	p.DecInflight("dashscope_shared")
	assert.Equal(t, float64(1), gaugeValue(t, p.inflight.WithLabelValues("dashscope_shared")))
}

func TestPrometheusMetrics_ObserveUsage(t *testing.T) {
	p := NewPrometheusMetrics(nil)
	p.ObserveUsage("deepseek", "deepseek-chat", providers.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})

	assert.Equal(t, float64(10), counterValue(t, p.tokensTotal.WithLabelValues("deepseek", "deepseek-chat", "prompt")))
	assert.Equal(t, float64(5), counterValue(t, p.tokensTotal.WithLabelValues("deepseek", "deepseek-chat", "completion")))
}
