// Package retry implements the Router's bounded retry policy: a small,
// fixed retry budget for transient model errors, never for permanent ones.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/relayfin/llmcore/internal/core"
)

// Config controls the backoff shape. MaxAttempts includes the initial try.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultConfig is a single retry: one initial attempt plus one retry,
// matching the router's "small, default one retry" policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// IsRetryable reports whether a *core.Error should trigger a retry.
// ModelTransient and Timeout are retryable; ModelPermanent never is.
func IsRetryable(err *core.Error) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case core.KindModelTransient, core.KindTimeout:
		return true
	default:
		return false
	}
}

// AttemptFunc performs one model invocation attempt.
type AttemptFunc func(ctx context.Context) core.ModelResult

// Do runs fn up to cfg.MaxAttempts times, retrying only on errors
// IsRetryable accepts, backing off between attempts. It returns the last
// result, whether that was a success or an exhausted-retries terminal
// error. Cancellation aborts immediately without an extra attempt.
func Do(ctx context.Context, cfg Config, fn AttemptFunc) core.ModelResult {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var result core.ModelResult
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return core.ModelResult{TerminalErr: core.NewError(core.KindTimeout, "cancelled before attempt", ctx.Err())}
		}

		result = fn(ctx)
		if result.TerminalErr == nil || !IsRetryable(result.TerminalErr) {
			return result
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		wait := delay
		if cfg.Jitter {
			wait += time.Duration(rand.Float64() * float64(delay) * 0.3)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return core.ModelResult{TerminalErr: core.NewError(core.KindTimeout, "cancelled during backoff", ctx.Err())}
		}

		delay = time.Duration(math.Min(float64(cfg.MaxDelay), float64(delay)*cfg.Multiplier))
	}

	return result
}
