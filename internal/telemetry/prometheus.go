// =============================================================================
// Prometheus Collectors
// =============================================================================
// A small set of gauges/counters operators scrape alongside the OTel
// pipeline above, covering the three components spec.md calls out for
// dual instrumentation: the circuit breaker's per-model state, the rate
// limiter's inflight concurrency, and raw token throughput.
// =============================================================================

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaSui01/llmcore/internal/circuitbreaker"
	"github.com/BaSui01/llmcore/providers"
)

// PrometheusMetrics implements circuitbreaker.StateObserver,
// ratelimit.InflightObserver, and tokenusage.UsageObserver, so a single
// instance can be attached to all three with each one's WithObserver
// without any of those packages importing prometheus directly.
type PrometheusMetrics struct {
	breakerState    *prometheus.GaugeVec
	inflight        *prometheus.GaugeVec
	tokensTotal     *prometheus.CounterVec
}

// NewPrometheusMetrics builds the collector set and registers it against
// reg. A nil reg skips registration, letting callers register into a
// custom registry (or not at all, in tests) themselves.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	p := &PrometheusMetrics{
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_breaker_state",
			Help: "Circuit breaker state per physical model (0=closed, 1=open, 2=half_open)",
		}, []string{"model"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_ratelimit_inflight",
			Help: "Concurrency slots currently held per rate limiter",
		}, []string{"limiter"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tokens_total",
			Help: "Tokens consumed per provider/model/type",
		}, []string{"provider", "model", "type"}),
	}
	if reg != nil {
		reg.MustRegister(p.breakerState, p.inflight, p.tokensTotal)
	}
	return p
}

// ObserveState satisfies circuitbreaker.StateObserver.
func (p *PrometheusMetrics) ObserveState(physical string, state circuitbreaker.State) {
	p.breakerState.WithLabelValues(physical).Set(float64(state))
}

// IncInflight satisfies ratelimit.InflightObserver.
func (p *PrometheusMetrics) IncInflight(name string) {
	p.inflight.WithLabelValues(name).Inc()
}

// DecInflight satisfies ratelimit.InflightObserver.
func (p *PrometheusMetrics) DecInflight(name string) {
	p.inflight.WithLabelValues(name).Dec()
}

// ObserveUsage satisfies tokenusage.UsageObserver.
func (p *PrometheusMetrics) ObserveUsage(provider, model string, usage providers.Usage) {
	if usage.InputTokens > 0 {
		p.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		p.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(usage.OutputTokens))
	}
}
