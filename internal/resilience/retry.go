package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 250 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of calls, including the first.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 250ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the backoff duration. Defaults to 2s
	// if zero.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt. When nil,
	// every error is retried. Return false for terminal failures such as
	// authentication or validation errors.
	Retryable func(error) bool
}

// Retry calls fn until it succeeds, its error is not retryable, or the
// attempt budget is exhausted. Between attempts it sleeps with exponential
// backoff and ±20% jitter, honouring ctx cancellation.
//
// A [context.Canceled] result from fn is returned immediately without further
// attempts: the caller gave up, the upstream is not at fault.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	backoff := cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Debug("retrying after failure",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"err", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}

	return fmt.Errorf("resilience: %s: %d attempts failed: %w", cfg.Name, cfg.MaxAttempts, lastErr)
}

// jitter perturbs d by ±20% so concurrent callers do not retry in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
