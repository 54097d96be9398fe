// Package circuitbreaker tracks per-physical-model health and refuses
// dispatch to models that are failing. State lives entirely in this
// process, owned per-worker rather than shared through the cache.
//
// Grounded on llm/circuitbreaker/breaker.go's state machine and
// isClientError exemption, generalized from a single-instance call
// wrapper into a per-physical-model registry as the orchestration core
// requires (one breaker per physical model, never per logical model).
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/errs"
)

// State is the breaker state for one physical model.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome classifies a completed request for metrics purposes. Cancelled
// is tracked separately from Failure so generate_race's sibling
// cancellations never bias the breaker against a healthy-but-slow route
// during race/progressive fan-out.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Cancelled
)

// Config controls the state machine thresholds.
type Config struct {
	OpenThreshold        int           // consecutive failures that force closed -> open
	FailureRateThreshold float64       // rolling failure rate that forces closed -> open
	MinSamplesForRate    int           // rolling rate is only evaluated once this many samples exist
	Cooldown             time.Duration // open -> half_open wait
	MaxCooldown          time.Duration // cap for the half-open backoff (Cooldown × (n+1) after n consecutive probe failures)
	RingSize             int           // number of recent outcomes retained per model
}

func DefaultConfig() Config {
	return Config{
		OpenThreshold:        5,
		FailureRateThreshold: 0.5,
		MinSamplesForRate:    20,
		Cooldown:             60 * time.Second,
		MaxCooldown:          10 * time.Minute,
		RingSize:             100,
	}
}

type sample struct {
	durationMs int64
	outcome    Outcome
	kind       errs.Kind
}

// Metrics is the read-only view exposed by GetMetrics.
type Metrics struct {
	State       State
	SuccessRate float64
	P50Ms       int64
	P95Ms       int64
	Samples     int
}

type modelState struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	openUntil           time.Time
	halfOpenFailures    int // consecutive half_open probe failures, drives backoff
	halfOpenAdmitted    bool

	ring     []sample
	ringPos  int
	ringFull bool
}

// StateObserver is notified of every breaker state transition, for an
// operator-facing gauge alongside the OTel pipeline. telemetry's
// Prometheus collectors satisfy this without circuitbreaker importing
// prometheus directly.
type StateObserver interface {
	ObserveState(physical string, state State)
}

// Breaker is a registry of per-physical-model breakers.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex // guards the map only; each modelState has its own mutex
	models map[string]*modelState

	observer StateObserver
}

// WithObserver attaches a state-transition observer and returns the
// receiver for chaining after New.
func (b *Breaker) WithObserver(o StateObserver) *Breaker {
	b.observer = o
	return b
}

func (b *Breaker) notify(physical string, state State) {
	if b.observer != nil {
		b.observer.ObserveState(physical, state)
	}
}

func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.OpenThreshold <= 0 {
		cfg.OpenThreshold = 5
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.MinSamplesForRate <= 0 {
		cfg.MinSamplesForRate = 20
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 10 * time.Minute
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, logger: logger, models: make(map[string]*modelState)}
}

func (b *Breaker) stateFor(physical string) *modelState {
	b.mu.RLock()
	ms, ok := b.models[physical]
	b.mu.RUnlock()
	if ok {
		return ms
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ms, ok = b.models[physical]; ok {
		return ms
	}
	ms = &modelState{state: Closed, ring: make([]sample, 0, b.cfg.RingSize)}
	b.models[physical] = ms
	return ms
}

// CanCallModel reports whether a dispatch to physical is currently
// permitted. It also performs the open -> half_open transition and admits
// exactly one half-open probe, so callers MUST treat a true return as
// consuming that probe slot.
func (b *Breaker) CanCallModel(physical string) bool {
	ms := b.stateFor(physical)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch ms.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(ms.openUntil) {
			return false
		}
		ms.state = HalfOpen
		ms.halfOpenAdmitted = true
		b.logger.Info("circuit half-open probe admitted", zap.String("model", physical))
		b.notify(physical, HalfOpen)
		return true
	case HalfOpen:
		if ms.halfOpenAdmitted {
			return false
		}
		ms.halfOpenAdmitted = true
		return true
	default:
		return false
	}
}

// RecordRequest feeds one completed request's outcome into the breaker.
// physical MUST be the physical model, never the logical one.
func (b *Breaker) RecordRequest(physical string, duration time.Duration, outcome Outcome, errKind errs.Kind) {
	ms := b.stateFor(physical)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch outcome {
	case Cancelled:
		// Cancellation carries no verdict on model health; do not touch
		// consecutive-failure, state-machine, or rolling-sample bookkeeping.
		return
	case Success:
		ms.pushSample(sample{durationMs: duration.Milliseconds(), outcome: outcome, kind: errKind}, b.cfg.RingSize)
		ms.onSuccess(b, physical)
	case Failure:
		if errs.IsClientError(&errs.Error{Kind: errKind}) {
			// Client-caused failures (bad params, quota, content filter)
			// never count against the model's reliability.
			return
		}
		ms.pushSample(sample{durationMs: duration.Milliseconds(), outcome: outcome, kind: errKind}, b.cfg.RingSize)
		ms.onFailure(b, physical)
	}
}

func (ms *modelState) pushSample(s sample, ringSize int) {
	if len(ms.ring) < ringSize {
		ms.ring = append(ms.ring, s)
		return
	}
	ms.ring[ms.ringPos] = s
	ms.ringPos = (ms.ringPos + 1) % ringSize
	ms.ringFull = true
}

func (ms *modelState) onSuccess(b *Breaker, physical string) {
	switch ms.state {
	case Closed:
		ms.consecutiveFailures = 0
	case HalfOpen:
		ms.state = Closed
		ms.consecutiveFailures = 0
		ms.halfOpenFailures = 0
		ms.halfOpenAdmitted = false
		b.notify(physical, Closed)
	}
}

func (ms *modelState) onFailure(b *Breaker, physical string) {
	ms.consecutiveFailures++
	ms.lastFailureTime = time.Now()

	switch ms.state {
	case Closed:
		if ms.consecutiveFailures >= b.cfg.OpenThreshold || ms.rollingFailureRate(b.cfg.MinSamplesForRate) > b.cfg.FailureRateThreshold {
			ms.open(b, physical, 1)
		}
	case HalfOpen:
		ms.halfOpenFailures++
		ms.open(b, physical, ms.halfOpenFailures+1)
	}
}

func (ms *modelState) open(b *Breaker, physical string, backoffFactor int) {
	cooldown := b.cfg.Cooldown * time.Duration(backoffFactor)
	if cooldown > b.cfg.MaxCooldown {
		cooldown = b.cfg.MaxCooldown
	}
	ms.state = Open
	ms.openUntil = time.Now().Add(cooldown)
	ms.halfOpenAdmitted = false
	b.logger.Warn("circuit opened",
		zap.String("model", physical),
		zap.Int("consecutive_failures", ms.consecutiveFailures),
		zap.Duration("cooldown", cooldown),
	)
	b.notify(physical, Open)
}

// rollingFailureRate requires at least minSamples before it returns a
// meaningful (non-zero-biased) rate.
func (ms *modelState) rollingFailureRate(minSamples int) float64 {
	n := len(ms.ring)
	if n < minSamples {
		return 0
	}
	var failures int
	for _, s := range ms.ring {
		if s.outcome == Failure {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// GetMetrics returns a read-only snapshot for physical.
func (b *Breaker) GetMetrics(physical string) Metrics {
	ms := b.stateFor(physical)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.metricsLocked()
}

func (ms *modelState) metricsLocked() Metrics {
	n := len(ms.ring)
	if n == 0 {
		return Metrics{State: ms.state}
	}
	durations := make([]int64, 0, n)
	var successes int
	for _, s := range ms.ring {
		if s.outcome != Cancelled {
			durations = append(durations, s.durationMs)
		}
		if s.outcome == Success {
			successes++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	pct := func(p float64) int64 {
		if len(durations) == 0 {
			return 0
		}
		idx := int(p * float64(len(durations)-1))
		return durations[idx]
	}
	return Metrics{
		State:       ms.state,
		SuccessRate: float64(successes) / float64(n),
		P50Ms:       pct(0.50),
		P95Ms:       pct(0.95),
		Samples:     n,
	}
}

// State returns the current state for physical.
func (b *Breaker) State(physical string) State {
	ms := b.stateFor(physical)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

// GetFastestModel returns the candidate with the lowest p50 latency among
// those not currently open. Returns "" if all candidates are open.
func (b *Breaker) GetFastestModel(candidates []string) string {
	best := ""
	var bestP50 int64 = -1
	for _, c := range candidates {
		ms := b.stateFor(c)
		ms.mu.Lock()
		st := ms.state
		m := ms.metricsLocked()
		ms.mu.Unlock()
		if st == Open {
			continue
		}
		if bestP50 == -1 || (m.Samples > 0 && m.P50Ms < bestP50) {
			best = c
			bestP50 = m.P50Ms
		}
	}
	return best
}

// Reset clears the breaker state for physical, used by admin tooling and
// tests. Not part of the public dispatch path.
func (b *Breaker) Reset(physical string) {
	ms := b.stateFor(physical)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = Closed
	ms.consecutiveFailures = 0
	ms.halfOpenFailures = 0
	ms.halfOpenAdmitted = false
	b.notify(physical, Closed)
}
