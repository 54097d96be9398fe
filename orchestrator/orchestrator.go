// Package orchestrator is the public façade every higher layer calls
// into: chat/chat_with_usage/chat_stream/generate_multi/
// generate_progressive/generate_race/stream_progressive/health_check,
// all sharing one dispatch envelope (map model, check breaker, acquire
// limiter, optionally inject RAG context, retry, record metrics).
//
// Grounded on llm/resilience.go's retry-wrapped-call shape (kept the
// same attempt loop style, rehomed onto internal/retry and the errs
// taxonomy) and llm/router.go's provider-registry pattern, generalized
// from a DB-backed multi-provider router into the config-driven
// balancer/breaker/limiter trio this core builds instead.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/llmcore/errs"
	"github.com/BaSui01/llmcore/internal/circuitbreaker"
	"github.com/BaSui01/llmcore/internal/loadbalancer"
	"github.com/BaSui01/llmcore/internal/ratelimit"
	"github.com/BaSui01/llmcore/internal/retry"
	"github.com/BaSui01/llmcore/internal/telemetry"
	"github.com/BaSui01/llmcore/providers"
)

// MetricsRecorder observes per-dispatch outcomes for OTel instrumentation.
// Implementations must not block or panic; a nil recorder disables
// instrumentation entirely. telemetry.Metrics satisfies this interface.
type MetricsRecorder interface {
	RecordDispatch(ctx context.Context, attrs telemetry.DispatchAttrs)
}

// RAGInjector queries an external knowledge base for top-K chunks
// relevant to query and returns text to append to the last user
// message, bounded by maxLen.
type RAGInjector interface {
	InjectContext(ctx context.Context, userID, query string, maxLen int) (string, error)
}

// UsageRecorder receives normalized usage after a successful call.
// Implementations must never block or panic the caller; the
// orchestrator only logs tracking failures, it never surfaces them.
type UsageRecorder interface {
	TrackUsage(ctx context.Context, physicalModel, provider, dimension string, usage providers.Usage)
}

// Config controls defaults applied across every dispatch.
type Config struct {
	RetryPolicy       retry.Policy
	MaxContextLength  int
	HealthCheckTimeout time.Duration
	// FanoutDefaults is the "node palette"-style default model set used
	// when a caller of generate_multi/generate_progressive/stream_progressive
	// omits an explicit model list.
	FanoutDefaults []string
}

func DefaultConfig() Config {
	return Config{
		RetryPolicy:        retry.DefaultPolicy(),
		MaxContextLength:   8000,
		HealthCheckTimeout: 5 * time.Second,
		FanoutDefaults:     []string{"deepseek", "qwen", "doubao"},
	}
}

// Orchestrator is the explicitly-constructed root object every caller
// holds a reference to; no package-level mutable state.
type Orchestrator struct {
	cfg Config

	models    map[string]providers.Provider // physical model -> adapter
	balancer  *loadbalancer.Balancer
	breaker   *circuitbreaker.Breaker
	resolver  *ratelimit.Resolver
	usage     UsageRecorder
	rag       RAGInjector
	metrics   MetricsRecorder
	logger    *zap.Logger
}

// WithMetrics attaches an OTel metrics recorder. Passing nil disables
// instrumentation; returns the receiver for chaining after New.
func (o *Orchestrator) WithMetrics(m MetricsRecorder) *Orchestrator {
	o.metrics = m
	return o
}

func New(cfg Config, balancer *loadbalancer.Balancer, breaker *circuitbreaker.Breaker, resolver *ratelimit.Resolver, usage UsageRecorder, rag RAGInjector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryPolicy.MaxRetries == 0 && cfg.RetryPolicy.InitialDelay == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	return &Orchestrator{
		cfg:      cfg,
		models:   make(map[string]providers.Provider),
		balancer: balancer,
		breaker:  breaker,
		resolver: resolver,
		usage:    usage,
		rag:      rag,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// RegisterProvider binds a physical model name to the adapter that
// serves it.
func (o *Orchestrator) RegisterProvider(physicalModel string, p providers.Provider) {
	o.models[physicalModel] = p
}

// Request is the orchestrator-level call shape: a providers.ChatRequest
// plus the dispatch-envelope knobs (RAG injection,
// load-balancing bypass, the usage dimension the caller tracks tokens
// against).
type Request struct {
	Logical           string
	Prompt            string
	SystemMessage     string
	Messages          []providers.Message
	Model             string
	MaxTokens         int
	Temperature       float32
	TopP              float32
	Stop              []string
	Tools             []providers.ToolSchema
	ToolChoice        string
	ReasoningMode     string
	Options           map[string]any
	UserID            string
	UseKnowledgeBase  bool
	SkipLoadBalancing bool
	UsageDimension    string
	IncludeThinking   bool
}

// toChatRequest always returns a fresh Messages slice (and fresh message
// values), never the caller's backing array — generate_multi/
// generate_race/stream_progressive each build their own chatReq
// concurrently from the same *Request, and RAG injection mutates a
// message's Content in place, so sharing the backing array would race.
func (r *Request) toChatRequest() *providers.ChatRequest {
	var msgs []providers.Message
	if len(r.Messages) == 0 {
		if r.SystemMessage != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: r.SystemMessage})
		}
		msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: r.Prompt})
	} else {
		msgs = make([]providers.Message, len(r.Messages))
		copy(msgs, r.Messages)
	}
	return &providers.ChatRequest{
		Model:         r.Model,
		Messages:      msgs,
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		Stop:          r.Stop,
		Tools:         r.Tools,
		ToolChoice:    r.ToolChoice,
		ReasoningMode: r.ReasoningMode,
		Options:       r.Options,
	}
}

// lastUserMessageIndex returns the index of the last user-role message,
// the RAG query source: the most recent user-role turn carries the
// query to inject retrieved context against.
func lastUserMessageIndex(msgs []providers.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleUser {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) injectRAG(ctx context.Context, req *Request, chatReq *providers.ChatRequest) error {
	if o.rag == nil || !req.UseKnowledgeBase || req.UserID == "" {
		return nil
	}
	idx := lastUserMessageIndex(chatReq.Messages)
	if idx < 0 {
		return nil
	}
	maxLen := o.cfg.MaxContextLength
	extra, err := o.rag.InjectContext(ctx, req.UserID, chatReq.Messages[idx].Content, maxLen)
	if err != nil {
		o.logger.Warn("rag injection failed, continuing without context", zap.Error(err))
		return nil
	}
	if extra == "" {
		return nil
	}
	if len(extra) > maxLen {
		extra = extra[:maxLen]
	}
	chatReq.Messages[idx].Content = chatReq.Messages[idx].Content + "\n\n" + extra
	return nil
}

func validateRequest(chatReq *providers.ChatRequest) error {
	if len(chatReq.Messages) == 0 {
		return errs.New(errs.Validation, "no messages provided")
	}
	allEmpty := true
	for _, m := range chatReq.Messages {
		if strings.TrimSpace(m.Content) != "" {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		return errs.New(errs.Validation, "all messages are empty")
	}
	return nil
}

// resolveDispatch performs envelope steps 1-3: map_model, can_call_model,
// and provider/limiter resolution. It never mutates breaker/limiter
// state beyond the breaker's half-open probe admission side effect.
func (o *Orchestrator) resolveDispatch(ctx context.Context, logical string, skipLoadBalancing bool) (physical string, provider providers.Provider, limiter *ratelimit.Limiter, providerTag string, err error) {
	physical = logical
	if o.balancer != nil && !skipLoadBalancing {
		physical = o.balancer.MapModel(ctx, logical)
	}
	if o.breaker != nil && !o.breaker.CanCallModel(physical) {
		return "", nil, nil, "", errs.New(errs.CircuitOpen, fmt.Sprintf("circuit open for model %s", physical)).WithProvider(physical)
	}
	provider, ok := o.models[physical]
	if !ok {
		return "", nil, nil, "", errs.New(errs.ModelNotFound, fmt.Sprintf("no provider registered for model %s", physical))
	}
	if o.balancer != nil {
		providerTag = o.balancer.ProviderOf(physical)
	}
	if o.resolver != nil {
		limiter = o.resolver.Resolve(ratelimit.Key{LogicalModel: logical, PhysicalModel: physical, Provider: providerTag})
	}
	return physical, provider, limiter, providerTag, nil
}

// dispatchCompletion runs the full envelope for a single non-streaming
// call: steps 4-7 around the already-resolved physical/provider/limiter.
// Each retry attempt is a fresh limiter acquisition.
func (o *Orchestrator) dispatchCompletion(ctx context.Context, logical, physical string, provider providers.Provider, limiter *ratelimit.Limiter, providerTag string, chatReq *providers.ChatRequest, dimension string) (*providers.ChatResponse, error) {
	var resp *providers.ChatResponse
	err := retry.Do(ctx, o.cfg.RetryPolicy, o.logger, func(attempt int) error {
		handle, aerr := limiter.Acquire(ctx)
		if aerr != nil {
			return aerr
		}
		defer handle.Release()

		start := time.Now()
		r, cerr := provider.Completion(ctx, chatReq)
		duration := time.Since(start)

		var usage *providers.Usage
		if cerr == nil {
			usage = &r.Usage
		}
		o.recordOutcome(ctx, logical, physical, providerTag, duration, usage, cerr)

		if cerr != nil {
			return cerr
		}
		resp = r
		o.trackUsage(ctx, physical, providerTag, dimension, r.Usage)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// recordOutcome feeds the breaker/balancer/metrics trio from one
// attempt's result. usage is nil for streaming attempts still in
// flight or failed calls that never produced a response.
func (o *Orchestrator) recordOutcome(ctx context.Context, logical, physical, providerTag string, duration time.Duration, usage *providers.Usage, err error) {
	if o.breaker != nil {
		outcome := circuitbreaker.Success
		kind := errs.Kind("")
		if err != nil {
			kind = errs.KindOf(err)
			if kind == errs.Cancelled {
				outcome = circuitbreaker.Cancelled
			} else {
				outcome = circuitbreaker.Failure
			}
		}
		o.breaker.RecordRequest(physical, duration, outcome, kind)
	}
	if o.balancer != nil {
		o.balancer.RecordProviderMetrics(providerTag, err == nil, duration, err)
	}
	if o.metrics != nil {
		attrs := telemetry.DispatchAttrs{
			Provider: providerTag,
			Model:    physical,
			Logical:  logical,
			Status:   "success",
			Duration: duration,
		}
		if err != nil {
			attrs.Status = "error"
			attrs.ErrorCode = string(errs.KindOf(err))
		}
		if usage != nil {
			attrs.TokensPrompt = usage.InputTokens
			attrs.TokensCompletion = usage.OutputTokens
		}
		o.metrics.RecordDispatch(ctx, attrs)
	}
}

// trackUsage never allows a tracking failure to fail the caller's
// request. UsageRecorder implementations are expected to fire-and-log
// internally, so this is just a nil-guard and a debug breadcrumb.
func (o *Orchestrator) trackUsage(ctx context.Context, physical, providerTag, dimension string, usage providers.Usage) {
	if o.usage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Debug("usage tracking panicked, ignoring", zap.Any("recover", r))
		}
	}()
	o.usage.TrackUsage(ctx, physical, providerTag, dimension, usage)
}

// Chat sends a single request and returns the assistant's text.
func (o *Orchestrator) Chat(ctx context.Context, req *Request) (string, error) {
	content, _, err := o.ChatWithUsage(ctx, req)
	return content, err
}

// ChatWithUsage implements chat_with_usage.
func (o *Orchestrator) ChatWithUsage(ctx context.Context, req *Request) (string, providers.Usage, error) {
	chatReq := req.toChatRequest()
	if err := validateRequest(chatReq); err != nil {
		return "", providers.Usage{}, err
	}

	physical, provider, limiter, providerTag, err := o.resolveDispatch(ctx, req.Logical, req.SkipLoadBalancing)
	if err != nil {
		return "", providers.Usage{}, err
	}

	if err := o.injectRAG(ctx, req, chatReq); err != nil {
		return "", providers.Usage{}, err
	}

	resp, err := o.dispatchCompletion(ctx, req.Logical, physical, provider, limiter, providerTag, chatReq, req.UsageDimension)
	if err != nil {
		return "", providers.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage, errs.New(errs.Validation, "provider returned no choices").WithProvider(providerTag)
	}
	return resp.Choices[0].Message.Content, resp.Usage, nil
}

// ChatStream implements chat_stream's structured-chunk yield mode.
// Thinking chunks are surfaced only when requested.
func (o *Orchestrator) ChatStream(ctx context.Context, req *Request) (<-chan providers.StreamChunk, error) {
	chatReq := req.toChatRequest()
	if err := validateRequest(chatReq); err != nil {
		return nil, err
	}
	physical, provider, limiter, providerTag, err := o.resolveDispatch(ctx, req.Logical, req.SkipLoadBalancing)
	if err != nil {
		return nil, err
	}
	if err := o.injectRAG(ctx, req, chatReq); err != nil {
		return nil, err
	}

	handle, err := limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	upstream, err := provider.Stream(ctx, chatReq)
	if err != nil {
		handle.Release()
		o.recordOutcome(ctx, req.Logical, physical, providerTag, 0, nil, err)
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		defer handle.Release()
		start := time.Now()
		var streamErr error
		var streamUsage *providers.Usage
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			if chunk.Type == providers.ChunkThinking && !req.IncludeThinking {
				continue
			}
			if chunk.Type == providers.ChunkUsage && chunk.Usage != nil {
				streamUsage = chunk.Usage
				o.trackUsage(ctx, physical, providerTag, req.UsageDimension, *chunk.Usage)
			}
			select {
			case <-ctx.Done():
				streamErr = errs.New(errs.Cancelled, "stream cancelled").WithCause(ctx.Err())
				o.recordOutcome(ctx, req.Logical, physical, providerTag, time.Since(start), streamUsage, streamErr)
				return
			case out <- chunk:
			}
		}
		o.recordOutcome(ctx, req.Logical, physical, providerTag, time.Since(start), streamUsage, streamErr)
	}()
	return out, nil
}

// ChatStreamContent is the plain-content-string yield mode of
// chat_stream, the default when the caller doesn't need structured
// chunks.
func (o *Orchestrator) ChatStreamContent(ctx context.Context, req *Request) (<-chan string, error) {
	chunks, err := o.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for c := range chunks {
			if c.Type != providers.ChunkToken || c.Content == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- c.Content:
			}
		}
	}()
	return out, nil
}

// Result is one model's outcome within generate_multi/generate_progressive/
// generate_race.
type Result struct {
	LogicalModel string
	Response     *providers.ChatResponse
	Duration     time.Duration
	Success      bool
	Err          error
}

// callSingleModelWithTiming wraps one dispatch with latency capture;
// mirrors the Python original's _call_single_model_with_timing helper
// named after the source implementation's internal helper of the same shape.
func (o *Orchestrator) callSingleModelWithTiming(ctx context.Context, logical string, req *Request) Result {
	start := time.Now()
	cp := *req
	cp.Logical = logical
	resp, err := func() (*providers.ChatResponse, error) {
		chatReq := cp.toChatRequest()
		if verr := validateRequest(chatReq); verr != nil {
			return nil, verr
		}
		physical, provider, limiter, providerTag, rerr := o.resolveDispatch(ctx, cp.Logical, cp.SkipLoadBalancing)
		if rerr != nil {
			return nil, rerr
		}
		if ierr := o.injectRAG(ctx, &cp, chatReq); ierr != nil {
			return nil, ierr
		}
		return o.dispatchCompletion(ctx, logical, physical, provider, limiter, providerTag, chatReq, cp.UsageDimension)
	}()
	return Result{
		LogicalModel: logical,
		Response:     resp,
		Duration:     time.Since(start),
		Success:      err == nil,
		Err:          err,
	}
}

// GenerateMulti implements generate_multi: spawns one call per model,
// awaits all, individual failures never fail the whole call.
func (o *Orchestrator) GenerateMulti(ctx context.Context, req *Request, models []string) (map[string]Result, error) {
	if len(models) == 0 {
		models = o.cfg.FanoutDefaults
	}
	results := make(map[string]Result, len(models))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range models {
		m := m
		g.Go(func() error {
			r := o.callSingleModelWithTiming(gctx, m, req)
			mu.Lock()
			results[m] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// CompareResponses ranks a generate_multi result map by latency,
// fastest first. Successful results sort before failures regardless of
// duration.
func CompareResponses(results map[string]Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Success != out[j].Success {
			return out[i].Success
		}
		return out[i].Duration < out[j].Duration
	})
	return out
}

// GenerateProgressive implements generate_progressive: yields each
// model's Result as it completes, in completion order.
func (o *Orchestrator) GenerateProgressive(ctx context.Context, req *Request, models []string) (<-chan Result, error) {
	if len(models) == 0 {
		models = o.cfg.FanoutDefaults
	}
	out := make(chan Result)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		wg.Add(len(models))
		resCh := make(chan Result, len(models))
		for _, m := range models {
			m := m
			go func() {
				defer wg.Done()
				resCh <- o.callSingleModelWithTiming(ctx, m, req)
			}()
		}
		go func() {
			wg.Wait()
			close(resCh)
		}()
		for r := range resCh {
			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
	}()
	return out, nil
}

// raceResult pairs a goroutine's outcome with its own identity
// explicitly, rather than relying on post-hoc task-state inspection —
// the fix for the source implementation's generate_progressive/
// generate_race task-identity confusion.
type raceResult struct {
	model string
	resp  *providers.ChatResponse
	err   error
}

// GenerateRace implements generate_race: returns the first success,
// cancels the rest. Every cancelled sibling unwinds its limiter
// acquisition and records a cancelled (not failed) outcome.
func (o *Orchestrator) GenerateRace(ctx context.Context, req *Request, models []string) (Result, error) {
	if len(models) == 0 {
		models = o.cfg.FanoutDefaults
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan raceResult, len(models))
	for _, m := range models {
		m := m
		go func() {
			chatReq := req.toChatRequest()
			if verr := validateRequest(chatReq); verr != nil {
				ch <- raceResult{model: m, err: verr}
				return
			}
			physical, provider, limiter, providerTag, rerr := o.resolveDispatch(raceCtx, m, req.SkipLoadBalancing)
			if rerr != nil {
				ch <- raceResult{model: m, err: rerr}
				return
			}
			if ierr := o.injectRAG(raceCtx, req, chatReq); ierr != nil {
				ch <- raceResult{model: m, err: ierr}
				return
			}
			resp, cerr := o.dispatchCompletion(raceCtx, m, physical, provider, limiter, providerTag, chatReq, req.UsageDimension)
			ch <- raceResult{model: m, resp: resp, err: cerr}
		}()
	}

	var lastErr error
	var failures int
	for i := 0; i < len(models); i++ {
		r := <-ch
		if r.err == nil {
			cancel()
			return Result{LogicalModel: r.model, Response: r.resp, Success: true}, nil
		}
		lastErr = r.err
		failures++
	}
	return Result{}, errs.New(errs.Provider, fmt.Sprintf("all %d candidates failed, last error: %v", failures, lastErr)).WithCause(lastErr)
}

// EventType tags a stream_progressive event.
type EventType string

const (
	EventToken    EventType = "token"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one element of stream_progressive's event stream.
type Event struct {
	Type         EventType
	LogicalModel string
	Token        string
	Duration     time.Duration
	TokenCount   int
	Err          error
}

// StreamProgressive implements stream_progressive: one goroutine per
// model pushes into a single shared queue; completes when every model
// has emitted complete or error. Each model's physical mapping and
// breaker check run once here via resolveDispatch, and the stream is then
// opened directly on that provider, so load-balancer/circuit-breaker
// selection happens exactly once per model.
func (o *Orchestrator) StreamProgressive(ctx context.Context, req *Request, models []string) (<-chan Event, error) {
	if len(models) == 0 {
		models = o.cfg.FanoutDefaults
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		wg.Add(len(models))

		for _, m := range models {
			m := m
			go func() {
				defer wg.Done()
				start := time.Now()
				tokenCount := 0

				physical, provider, limiter, providerTag, err := o.resolveDispatch(ctx, m, req.SkipLoadBalancing)
				if err != nil {
					select {
					case out <- Event{Type: EventError, LogicalModel: m, Err: err, Duration: time.Since(start)}:
					case <-ctx.Done():
					}
					return
				}

				cp := *req
				cp.Logical = physical
				cp.SkipLoadBalancing = true
				chatReq := cp.toChatRequest()
				if verr := validateRequest(chatReq); verr != nil {
					select {
					case out <- Event{Type: EventError, LogicalModel: m, Err: verr, Duration: time.Since(start)}:
					case <-ctx.Done():
					}
					return
				}
				if ierr := o.injectRAG(ctx, &cp, chatReq); ierr != nil {
					select {
					case out <- Event{Type: EventError, LogicalModel: m, Err: ierr, Duration: time.Since(start)}:
					case <-ctx.Done():
					}
					return
				}

				handle, aerr := limiter.Acquire(ctx)
				if aerr != nil {
					select {
					case out <- Event{Type: EventError, LogicalModel: m, Err: aerr, Duration: time.Since(start)}:
					case <-ctx.Done():
					}
					return
				}
				defer handle.Release()

				upstream, serr := provider.Stream(ctx, chatReq)
				if serr != nil {
					o.recordOutcome(ctx, m, physical, providerTag, time.Since(start), nil, serr)
					select {
					case out <- Event{Type: EventError, LogicalModel: m, Err: serr, Duration: time.Since(start)}:
					case <-ctx.Done():
					}
					return
				}

				var streamErr error
				var streamUsage *providers.Usage
				for chunk := range upstream {
					if chunk.Err != nil {
						streamErr = chunk.Err
						break
					}
					if chunk.Type == providers.ChunkToken && chunk.Content != "" {
						tokenCount++
						select {
						case out <- Event{Type: EventToken, LogicalModel: m, Token: chunk.Content}:
						case <-ctx.Done():
							streamErr = errs.New(errs.Cancelled, "stream cancelled").WithCause(ctx.Err())
						}
					}
					if chunk.Type == providers.ChunkUsage && chunk.Usage != nil {
						streamUsage = chunk.Usage
						o.trackUsage(ctx, physical, providerTag, req.UsageDimension, *chunk.Usage)
					}
					if streamErr != nil {
						break
					}
				}
				o.recordOutcome(ctx, m, physical, providerTag, time.Since(start), streamUsage, streamErr)
				if streamErr != nil {
					select {
					case out <- Event{Type: EventError, LogicalModel: m, Err: streamErr, Duration: time.Since(start)}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case out <- Event{Type: EventComplete, LogicalModel: m, Duration: time.Since(start), TokenCount: tokenCount}:
				case <-ctx.Done():
				}
			}()
		}
		wg.Wait()
	}()
	return out, nil
}

// HealthResult is one model's health_check outcome.
type HealthResult struct {
	Healthy  bool
	Latency  time.Duration
	Category string // dns, connection, timeout, rate_limit, quota, service, unknown
}

func categorize(err error) string {
	if err == nil {
		return ""
	}
	switch errs.KindOf(err) {
	case errs.Transport:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return "dns"
		}
		return "connection"
	case errs.Timeout:
		return "timeout"
	case errs.RateLimit:
		return "rate_limit"
	case errs.QuotaExhausted:
		return "quota"
	case errs.Provider:
		return "service"
	default:
		return "unknown"
	}
}

// HealthCheck implements health_check: probes each model in parallel
// with a short timeout, categorizing failures without leaking
// provider-specific detail.
func (o *Orchestrator) HealthCheck(ctx context.Context, models []string) map[string]HealthResult {
	if len(models) == 0 {
		for physical := range o.models {
			models = append(models, physical)
		}
	}
	results := make(map[string]HealthResult, len(models))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, m := range models {
		m := m
		provider, ok := o.models[m]
		if !ok {
			mu.Lock()
			results[m] = HealthResult{Healthy: false, Category: "unknown"}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthCheckTimeout)
			defer cancel()
			status, err := provider.HealthCheck(probeCtx)
			r := HealthResult{}
			if status != nil {
				r.Healthy = status.Healthy
				r.Latency = status.Latency
			}
			r.Category = categorize(err)
			mu.Lock()
			results[m] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
