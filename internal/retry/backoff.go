// Package retry implements the orchestrator's exponential-backoff retry
// loop, grounded on llm/retry/backoff.go's jittered-delay calculation but
// simplified to retry strictly off the errs taxonomy instead of
// an explicit error allowlist.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/errs"
)

// Policy configures the retry loop. Defaults: base 1s,
// cap 10s, max 3 retries (4 attempts total).
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	OnRetry      func(attempt int, err error, delay time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn, retrying on errs.Error values for which IsRetryable is true.
// CircuitOpen and Cancelled are never retryable by construction, so they
// fall straight through and are never retried.
// fn is invoked once per attempt and is responsible for any
// per-attempt setup the caller needs (e.g. a fresh rate-limiter
// acquisition, so each attempt is a fresh limiter acquisition).
func Do(ctx context.Context, policy Policy, logger *zap.Logger, fn func(attempt int) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateDelay(policy, attempt)
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}
			logger.Debug("retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return errs.New(errs.Cancelled, "retry wait cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func calculateDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(policy.InitialDelay) {
		delay = float64(policy.InitialDelay)
	}
	return time.Duration(delay)
}
