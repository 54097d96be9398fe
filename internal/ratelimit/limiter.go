// Package ratelimit implements the distributed rate limiter: a
// concurrency semaphore plus a fixed epoch-minute QPM window, both backed by
// the shared cache so limits hold across worker processes.
//
// Grounded on llm/tools/ratelimit.go's Limiter/RateLimitManager shape
// (interface style, zap logging, mutex-protected map-of-limiters
// registry) but re-homed onto internal/cache so the limits are enforced
// across processes rather than per-instance in memory, per the
// orchestration core's inter-process coordination requirement.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/errs"
	"github.com/BaSui01/llmcore/internal/cache"
)

// Config describes one limiter's capacity. A zero-valued ConcurrentLimit
// or QPMLimit disables that half of the check (treated as unbounded).
type Config struct {
	ConcurrentLimit int
	QPMLimit        int
	// SemaphoreTTL bounds how long a dead holder's slot stays occupied
	// before it's evicted as stale.
	SemaphoreTTL time.Duration
	// KeepaliveInterval refreshes a held slot's liveness timestamp; must
	// be well under SemaphoreTTL.
	KeepaliveInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConcurrentLimit:   10,
		QPMLimit:          60,
		SemaphoreTTL:      30 * time.Second,
		KeepaliveInterval: 10 * time.Second,
	}
}

// InflightObserver is notified as a limiter's concurrency slots are
// claimed and freed, for an operator-facing gauge alongside the OTel
// pipeline. telemetry's Prometheus collectors satisfy this without
// ratelimit importing prometheus directly.
type InflightObserver interface {
	IncInflight(name string)
	DecInflight(name string)
}

// Limiter enforces one named limit (e.g. the shared Dashscope limiter, or
// one Volcengine endpoint's limiter) via the shared cache.
type Limiter struct {
	name     string
	cache    *cache.Manager
	cfg      Config
	logger   *zap.Logger
	observer InflightObserver
}

func New(name string, cfg Config, c *cache.Manager, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{name: name, cache: c, cfg: cfg, logger: logger.With(zap.String("limiter", name))}
}

// WithObserver attaches an inflight-slot observer and returns the
// receiver for chaining after New.
func (l *Limiter) WithObserver(o InflightObserver) *Limiter {
	l.observer = o
	return l
}

// Handle is returned by Acquire; callers MUST call Release exactly once,
// including on cancellation, so the concurrency slot frees promptly
// rather than waiting out SemaphoreTTL.
type Handle struct {
	release func()
}

func (h *Handle) Release() {
	if h == nil || h.release == nil {
		return
	}
	h.release()
}

var noopHandle = &Handle{}

func (l *Limiter) semaphoreKey() string { return fmt.Sprintf("ratelimit:sem:%s", l.name) }
func (l *Limiter) qpmKey(epochMinute int64) string {
	return fmt.Sprintf("ratelimit:qpm:%s:%d", l.name, epochMinute)
}

// Acquire blocks until both the concurrency semaphore and the QPM window
// admit the caller, or ctx is cancelled. When the cache is unavailable,
// Acquire degrades open (returns immediately) and logs a warning; a
// limiter that can't reach its backing store must never itself become
// an outage.
func (l *Limiter) Acquire(ctx context.Context) (*Handle, error) {
	if l == nil {
		return noopHandle, nil
	}
	if l.cfg.ConcurrentLimit <= 0 && l.cfg.QPMLimit <= 0 {
		return noopHandle, nil
	}
	if !l.cache.IsAvailable() {
		l.logger.Warn("cache unavailable, bypassing rate limit")
		return noopHandle, nil
	}

	member := uuid.NewString()
	for {
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Cancelled, "rate limiter acquire cancelled").WithCause(ctx.Err())
		default:
		}

		gotSlot, err := l.tryAcquireSlot(ctx, member)
		if err != nil {
			l.logger.Warn("semaphore check failed, bypassing", zap.Error(err))
			return noopHandle, nil
		}
		if !gotSlot {
			if !l.sleep(ctx, 50*time.Millisecond) {
				return nil, errs.New(errs.Cancelled, "rate limiter acquire cancelled").WithCause(ctx.Err())
			}
			continue
		}

		admitted, waitUntil, err := l.checkQPM(ctx)
		if err != nil {
			l.logger.Warn("qpm check failed, bypassing", zap.Error(err))
			return l.newHandle(member), nil
		}
		if !admitted {
			l.releaseSlot(ctx, member)
			if !l.sleep(ctx, time.Until(waitUntil)) {
				return nil, errs.New(errs.Cancelled, "rate limiter acquire cancelled").WithCause(ctx.Err())
			}
			continue
		}

		return l.newHandle(member), nil
	}
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// tryAcquireSlot evicts stale holders and, if there's room, claims a slot
// for member using a sorted-set-as-sliding-window pattern: score is the
// holder's last-seen unix time, membership below the liveness cutoff is
// evicted before counting.
func (l *Limiter) tryAcquireSlot(ctx context.Context, member string) (bool, error) {
	if l.cfg.ConcurrentLimit <= 0 {
		return true, nil
	}
	key := l.semaphoreKey()
	cutoff := time.Now().Add(-l.cfg.SemaphoreTTL).Unix()
	if err := l.cache.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)); err != nil {
		return false, err
	}
	count, err := l.cache.ZCard(ctx, key)
	if err != nil {
		return false, err
	}
	if count >= int64(l.cfg.ConcurrentLimit) {
		return false, nil
	}
	if err := l.cache.ZAdd(ctx, key, float64(time.Now().Unix()), member); err != nil {
		return false, err
	}
	if l.observer != nil {
		l.observer.IncInflight(l.name)
	}
	return true, nil
}

func (l *Limiter) releaseSlot(ctx context.Context, member string) {
	if l.cfg.ConcurrentLimit <= 0 {
		return
	}
	if err := l.cache.ZRem(ctx, l.semaphoreKey(), member); err != nil {
		l.logger.Warn("failed to release semaphore slot", zap.Error(err))
	}
	if l.observer != nil {
		l.observer.DecInflight(l.name)
	}
}

// checkQPM increments the current epoch-minute's counter atomically and
// reports whether the post-increment value is within qpm_limit. When it
// is not, it returns the time of the next minute boundary so the caller
// knows how long to sleep before retrying.
func (l *Limiter) checkQPM(ctx context.Context) (admitted bool, retryAt time.Time, err error) {
	if l.cfg.QPMLimit <= 0 {
		return true, time.Time{}, nil
	}
	now := time.Now()
	epochMinute := now.Unix() / 60
	key := l.qpmKey(epochMinute)
	v, err := l.cache.IncrWithExpire(ctx, key, 70*time.Second)
	if err != nil {
		return false, time.Time{}, err
	}
	if v > int64(l.cfg.QPMLimit) {
		nextBoundary := time.Unix((epochMinute+1)*60, 0)
		return false, nextBoundary, nil
	}
	return true, time.Time{}, nil
}

func (l *Limiter) newHandle(member string) *Handle {
	if l.cfg.ConcurrentLimit <= 0 {
		return noopHandle
	}
	stop := make(chan struct{})
	var once sync.Once

	if l.cfg.KeepaliveInterval > 0 {
		go func() {
			ticker := time.NewTicker(l.cfg.KeepaliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					_ = l.cache.ZAdd(ctx, l.semaphoreKey(), float64(time.Now().Unix()), member)
					cancel()
				}
			}
		}()
	}

	return &Handle{release: func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			l.releaseSlot(ctx, member)
		})
	}}
}

// Headroom reports whether this limiter currently has spare concurrency
// capacity and unused QPM budget, plus (when it does not) a best-effort
// prediction of when it next will. The load balancer's rate_aware
// strategy uses this to prefer candidates with room rather than ones
// about to queue.
func (l *Limiter) Headroom(ctx context.Context) (available bool, predictedReadyAt time.Time, err error) {
	if l == nil || !l.cache.IsAvailable() {
		return true, time.Time{}, nil
	}

	if l.cfg.ConcurrentLimit > 0 {
		key := l.semaphoreKey()
		cutoff := time.Now().Add(-l.cfg.SemaphoreTTL).Unix()
		if err := l.cache.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)); err != nil {
			return false, time.Time{}, err
		}
		count, err := l.cache.ZCard(ctx, key)
		if err != nil {
			return false, time.Time{}, err
		}
		if count >= int64(l.cfg.ConcurrentLimit) {
			return false, time.Now().Add(l.cfg.KeepaliveInterval), nil
		}
	}

	if l.cfg.QPMLimit > 0 {
		now := time.Now()
		epochMinute := now.Unix() / 60
		used, err := l.cache.Get(ctx, l.qpmKey(epochMinute))
		if err != nil && !cache.IsCacheMiss(err) {
			return false, time.Time{}, err
		}
		usedCount, _ := strconv.ParseInt(used, 10, 64)
		if usedCount >= int64(l.cfg.QPMLimit) {
			return false, time.Unix((epochMinute+1)*60, 0), nil
		}
	}

	return true, time.Time{}, nil
}

// Key identifies the dimension the orchestrator selects a limiter by:
// the logical model name, the physical model it mapped to, and the
// physical model's provider tag.
type Key struct {
	LogicalModel  string
	PhysicalModel string
	Provider      string
}

// Resolver implements the limiter-selection rule, returning nil
// (no limiting) when nothing matches. Held limiters are looked up by name
// from a config-built registry; dedicated per-model Volcengine endpoint
// limiters are named "volcengine:<model>".
type Resolver struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewResolver() *Resolver {
	return &Resolver{limiters: make(map[string]*Limiter)}
}

// Register adds or replaces the named limiter used by Resolve.
func (r *Resolver) Register(name string, l *Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[name] = l
}

func (r *Resolver) lookup(name string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// dedicatedVolcengineModels selects their own Volcengine endpoint limiter
// rather than the shared Dashscope one.
var dedicatedVolcengineModels = map[string]bool{"kimi": true, "doubao": true}

// Resolve maps a (logical model, physical model, provider) triple to
// the limiter that should gate it.
func (r *Resolver) Resolve(k Key) *Limiter {
	switch {
	case k.LogicalModel == "deepseek" && strings.HasPrefix(k.PhysicalModel, "ark-"):
		return r.lookup("lb_volcengine")
	case k.LogicalModel == "deepseek" && k.PhysicalModel == "deepseek":
		return r.lookup("dashscope_shared")
	case dedicatedVolcengineModels[k.LogicalModel]:
		return r.lookup("volcengine:" + k.LogicalModel)
	case k.Provider == "dashscope":
		return r.lookup("dashscope_shared")
	default:
		return nil
	}
}
