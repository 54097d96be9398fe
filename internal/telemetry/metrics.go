// =============================================================================
// Orchestration Core OTel Metrics
// =============================================================================
// Per-dispatch request/token/cost/error instrumentation, built on the
// same meter/tracer the SDK init in telemetry.go wires up.
// =============================================================================

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/llmcore/internal/ctxkeys"
)

const instrumentationName = "github.com/BaSui01/llmcore/orchestrator"

// DispatchAttrs describes one orchestrator dispatch outcome: a single
// model call within chat_with_usage, generate_multi, generate_race, or
// stream_progressive.
type DispatchAttrs struct {
	Provider         string
	Model            string
	Logical          string
	Status           string // "success" or "error"
	ErrorCode        string
	Duration         time.Duration
	TokensPrompt     int
	TokensCompletion int
	Cost             float64
	Cached           bool
	Fallback         bool
}

// Metrics is the orchestration core's OTel instrumentation. The zero
// value is not usable; construct via NewMetrics. Satisfies the
// orchestrator package's MetricsRecorder interface without the
// orchestrator importing OTel directly.
type Metrics struct {
	tracer   trace.Tracer
	costCalc *CostCalculator

	requestTotal    metric.Int64Counter
	tokenTotal      metric.Int64Counter
	errorTotal      metric.Int64Counter
	fallbackTotal   metric.Int64Counter
	cacheHitTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	costPerRequest  metric.Float64Histogram
}

// NewMetrics creates the orchestration core's metric instruments against
// the process's global MeterProvider (noop until telemetry.Init runs).
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{tracer: otel.Tracer(instrumentationName)}

	var err error
	if m.requestTotal, err = meter.Int64Counter("orchestrator.request.total",
		metric.WithDescription("Total dispatched model requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.tokenTotal, err = meter.Int64Counter("orchestrator.token.total",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.errorTotal, err = meter.Int64Counter("orchestrator.error.total",
		metric.WithDescription("Total dispatch errors"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.fallbackTotal, err = meter.Int64Counter("orchestrator.fallback.total",
		metric.WithDescription("Total load-balancer fallbacks"),
		metric.WithUnit("{fallback}")); err != nil {
		return nil, err
	}
	if m.cacheHitTotal, err = meter.Int64Counter("orchestrator.cache.hit.total",
		metric.WithDescription("Total cache hits"),
		metric.WithUnit("{hit}")); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram("orchestrator.request.duration",
		metric.WithDescription("Dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return nil, err
	}
	if m.costPerRequest, err = meter.Float64Histogram("orchestrator.cost.per_request",
		metric.WithDescription("Estimated cost per request in USD"),
		metric.WithUnit("USD"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return nil, err
	}

	return m, nil
}

// WithCostCalculator attaches a rate table so RecordDispatch can fill in
// DispatchAttrs.Cost from token counts when the caller didn't already
// compute one. Returns the receiver for chaining after NewMetrics.
func (m *Metrics) WithCostCalculator(c *CostCalculator) *Metrics {
	m.costCalc = c
	return m
}

// RecordDispatch records one dispatch outcome's counters, histograms,
// and span attributes.
func (m *Metrics) RecordDispatch(ctx context.Context, attrs DispatchAttrs) {
	span := trace.SpanFromContext(ctx)
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		span.SetAttributes(attribute.String("orchestrator.trace_id", traceID))
	}
	if runID, ok := ctxkeys.RunID(ctx); ok {
		span.SetAttributes(attribute.String("orchestrator.run_id", runID))
	}

	common := []attribute.KeyValue{
		attribute.String("provider", attrs.Provider),
		attribute.String("model", attrs.Model),
		attribute.String("logical_model", attrs.Logical),
		attribute.String("status", attrs.Status),
	}

	m.requestTotal.Add(ctx, 1, metric.WithAttributes(common...))
	m.requestDuration.Record(ctx, attrs.Duration.Seconds(), metric.WithAttributes(common...))

	totalTokens := int64(attrs.TokensPrompt + attrs.TokensCompletion)
	if totalTokens > 0 {
		m.tokenTotal.Add(ctx, totalTokens, metric.WithAttributes(
			attribute.String("provider", attrs.Provider),
			attribute.String("model", attrs.Model),
			attribute.String("type", "total")))
	}

	cost := attrs.Cost
	if cost == 0 && m.costCalc != nil {
		cost = m.costCalc.Calculate(attrs.Provider, attrs.Model, attrs.TokensPrompt, attrs.TokensCompletion)
	}
	if cost > 0 {
		m.costPerRequest.Record(ctx, cost, metric.WithAttributes(common...))
	}

	if attrs.ErrorCode != "" {
		m.errorTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", attrs.Provider),
			attribute.String("model", attrs.Model),
			attribute.String("error_code", attrs.ErrorCode)))
		span.SetAttributes(attribute.String("error.code", attrs.ErrorCode))
	}

	if attrs.Fallback {
		m.fallbackTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", attrs.Provider),
			attribute.String("model", attrs.Model)))
	}

	if attrs.Cached {
		m.cacheHitTotal.Add(ctx, 1, metric.WithAttributes(common...))
		span.SetAttributes(attribute.Bool("orchestrator.cache_hit", true))
	}

	span.SetAttributes(
		attribute.String("orchestrator.status", attrs.Status),
		attribute.Int("orchestrator.tokens.prompt", attrs.TokensPrompt),
		attribute.Int("orchestrator.tokens.completion", attrs.TokensCompletion),
		attribute.Float64("orchestrator.duration_ms", float64(attrs.Duration.Milliseconds())),
	)
}

// StartSpan starts a tracing span for one dispatch, returning a context
// callers must pass through to RecordDispatch so span attributes land on
// the right span.
func (m *Metrics) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name)
}
