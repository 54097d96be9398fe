// Package loadbalancer maps a logical model to one of its candidate
// physical models using a configured strategy, and tracks per-provider
// telemetry that the rate_aware strategy scores candidates by.
//
// Grounded on llm/apikey_pool.go's weighted-random/round-robin/priority
// selection (NewAPIKeyPool, selectWeightedRandom, selectRoundRobin), but
// redirected from a gorm-backed API-key pool to a config-driven physical-
// model pool, since load balancer policy here is read-only
// configuration rather than a mutable database table (ownership split in
// the orchestration core: load-balancer policy is config, circuit
// breaker state is in-memory per process).
package loadbalancer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/llmcore/internal/circuitbreaker"
	"github.com/BaSui01/llmcore/internal/ratelimit"
)

type Strategy string

const (
	Weighted   Strategy = "weighted"
	RateAware  Strategy = "rate_aware"
	RoundRobin Strategy = "round_robin"
)

// Candidate is one physical model a logical model can be routed to.
type Candidate struct {
	PhysicalModel string
	Provider      string
	Weight        int
}

// ModelPolicy configures how one logical model's candidates are chosen
// among.
type ModelPolicy struct {
	LogicalModel string
	Strategy     Strategy
	Candidates   []Candidate
}

type providerMetrics struct {
	mu               sync.Mutex
	successCount     int64
	failureCount     int64
	totalDurationMs  int64
	sampleCount      int64
}

// Balancer is the config-driven load balancer. When Enabled is false,
// MapModel is the identity function when Enabled is false.
type Balancer struct {
	Enabled bool

	mu       sync.Mutex
	policies map[string]*ModelPolicy
	counters map[string]*uint64 // round_robin per-logical-model counter
	rng      *rand.Rand

	providerMu sync.RWMutex
	providers  map[string]*providerMetrics

	breaker   *circuitbreaker.Breaker
	resolver  *ratelimit.Resolver
	providerOf map[string]string // physical model -> provider tag

	jitter *rate.Limiter

	logger *zap.Logger
}

func New(breaker *circuitbreaker.Breaker, resolver *ratelimit.Resolver, logger *zap.Logger) *Balancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Balancer{
		Enabled:    true,
		policies:   make(map[string]*ModelPolicy),
		counters:   make(map[string]*uint64),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		providers:  make(map[string]*providerMetrics),
		providerOf: make(map[string]string),
		breaker:    breaker,
		resolver:   resolver,
		jitter:     rate.NewLimiter(rate.Limit(200), 20),
		logger:     logger.With(zap.String("component", "loadbalancer")),
	}
}

// applyJitter inserts a bounded delay once selections outrun the local
// pacing budget, spreading concurrent callers' picks across a few
// milliseconds instead of letting a burst all land on the same
// candidate in the same instant. This is a purely local, per-process
// damper, distinct from ratelimit.Limiter's distributed QPM window.
func (b *Balancer) applyJitter(ctx context.Context) {
	r := b.jitter.Reserve()
	if !r.OK() {
		return
	}
	delay := r.Delay()
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// RegisterPolicy loads one logical model's routing policy. Called at
// config load / hot-reload time, never mutated by request traffic.
func (b *Balancer) RegisterPolicy(p ModelPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.policies[p.LogicalModel] = &cp
	counter := uint64(0)
	b.counters[p.LogicalModel] = &counter
	for _, c := range p.Candidates {
		b.providerOf[c.PhysicalModel] = c.Provider
	}
}

// ProviderOf returns the provider tag for a physical model, used by the
// orchestrator to select the correct rate limiter.
func (b *Balancer) ProviderOf(physicalModel string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.providerOf[physicalModel]
}

// MapModel resolves a logical model to a physical one. Returns the
// logical model unchanged if the balancer is disabled or the model has
// no registered policy (nothing to route among).
func (b *Balancer) MapModel(ctx context.Context, logical string) string {
	if !b.Enabled {
		return logical
	}
	b.mu.Lock()
	policy, ok := b.policies[logical]
	b.mu.Unlock()
	if !ok || len(policy.Candidates) == 0 {
		return logical
	}

	candidates := b.openCandidates(policy.Candidates)
	if len(candidates) == 0 {
		// Every candidate's breaker is open; fall back to the full list
		// rather than returning nothing — dispatch still happens and
		// can_call_model will reject it with CircuitOpen, which is the
		// correct failure mode rather than silently picking nothing.
		candidates = policy.Candidates
	}

	switch policy.Strategy {
	case RateAware:
		return b.selectRateAware(ctx, logical, candidates)
	case RoundRobin:
		b.applyJitter(ctx)
		return b.selectRoundRobin(logical, candidates)
	default:
		b.applyJitter(ctx)
		return b.selectWeighted(candidates)
	}
}

func (b *Balancer) openCandidates(candidates []Candidate) []Candidate {
	if b.breaker == nil {
		return candidates
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if b.breaker.State(c.PhysicalModel) != circuitbreaker.Open {
			out = append(out, c)
		}
	}
	return out
}

// selectWeighted picks among candidates by integer weight, with a
// deterministic tie-break (lexicographically smallest physical model
// name) when all weights are zero.
func (b *Balancer) selectWeighted(candidates []Candidate) string {
	total := 0
	for _, c := range candidates {
		total += c.Weight
	}
	if total == 0 {
		sorted := append([]Candidate(nil), candidates...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].PhysicalModel < sorted[j].PhysicalModel })
		return sorted[0].PhysicalModel
	}

	b.mu.Lock()
	target := b.rng.Intn(total)
	b.mu.Unlock()

	cumulative := 0
	for _, c := range candidates {
		cumulative += c.Weight
		if cumulative > target {
			return c.PhysicalModel
		}
	}
	return candidates[0].PhysicalModel
}

func (b *Balancer) selectRoundRobin(logical string, candidates []Candidate) string {
	b.mu.Lock()
	counter := b.counters[logical]
	if counter == nil {
		c := uint64(0)
		counter = &c
		b.counters[logical] = counter
	}
	*counter++
	idx := *counter % uint64(len(candidates))
	b.mu.Unlock()
	return candidates[idx].PhysicalModel
}

// selectRateAware prefers candidates with rate-limiter headroom; among
// those, applies weighted selection. With no headroom anywhere, falls
// back to the candidate with the earliest predicted readiness.
func (b *Balancer) selectRateAware(ctx context.Context, logical string, candidates []Candidate) string {
	if b.resolver == nil {
		return b.selectWeighted(candidates)
	}

	var withHeadroom []Candidate
	earliestReady := candidates[0].PhysicalModel
	var earliestTime time.Time

	for _, c := range candidates {
		limiter := b.resolver.Resolve(ratelimit.Key{LogicalModel: logical, PhysicalModel: c.PhysicalModel, Provider: c.Provider})
		if limiter == nil {
			withHeadroom = append(withHeadroom, c)
			continue
		}
		available, readyAt, err := limiter.Headroom(ctx)
		if err != nil {
			b.logger.Warn("headroom check failed, treating as available", zap.String("model", c.PhysicalModel), zap.Error(err))
			withHeadroom = append(withHeadroom, c)
			continue
		}
		if available {
			withHeadroom = append(withHeadroom, c)
		} else if earliestTime.IsZero() || readyAt.Before(earliestTime) {
			earliestTime = readyAt
			earliestReady = c.PhysicalModel
		}
	}

	if len(withHeadroom) > 0 {
		return b.selectWeighted(withHeadroom)
	}
	return earliestReady
}

// RecordProviderMetrics feeds provider-level telemetry used by
// rate_aware scoring and observability.
func (b *Balancer) RecordProviderMetrics(provider string, success bool, duration time.Duration, _ error) {
	b.providerMu.Lock()
	pm, ok := b.providers[provider]
	if !ok {
		pm = &providerMetrics{}
		b.providers[provider] = pm
	}
	b.providerMu.Unlock()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.sampleCount++
	pm.totalDurationMs += duration.Milliseconds()
	if success {
		pm.successCount++
	} else {
		pm.failureCount++
	}
}

// ProviderStats is a read-only snapshot for observability.
type ProviderStats struct {
	SuccessRate   float64
	AvgDurationMs float64
	Samples       int64
}

func (b *Balancer) ProviderStats(provider string) ProviderStats {
	b.providerMu.RLock()
	pm, ok := b.providers[provider]
	b.providerMu.RUnlock()
	if !ok {
		return ProviderStats{}
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.sampleCount == 0 {
		return ProviderStats{}
	}
	return ProviderStats{
		SuccessRate:   float64(pm.successCount) / float64(pm.sampleCount),
		AvgDurationMs: float64(pm.totalDurationMs) / float64(pm.sampleCount),
		Samples:       pm.sampleCount,
	}
}
