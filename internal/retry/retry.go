// Package retry runs an operation again after transient failures with capped,
// jittered exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"tradepipeline/internal/config"
)

type Policy struct {
	// MaxAttempts counts the first call; values below 1 mean a single attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool

	sleep func(context.Context, time.Duration) error
}

// FromConfig builds a policy from its config section.
func FromConfig(cfg config.RetryConfig, retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
		Retryable:      retryable,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// The returned attempt count is the number of times fn ran.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("retry cancelled: %w", lastErr)
			}
			return attempt - 1, err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == attempts || (p.Retryable != nil && !p.Retryable(lastErr)) {
			return attempt, lastErr
		}

		wait := backoff
		if p.Jitter > 0 {
			wait += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(wait))
		}
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
		if err := sleep(ctx, wait); err != nil {
			return attempt, fmt.Errorf("retry cancelled: %w", lastErr)
		}
		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return attempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
