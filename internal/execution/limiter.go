package execution

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"tradepipeline/internal/config"
	"tradepipeline/internal/metrics"
)

// Endpoint classes share one token bucket each.
const (
	ClassOrder = "order"
	ClassInfo  = "info"
)

// ErrRateLimited means no token became available within the wait budget.
var ErrRateLimited = errors.New("rate_limited")

type Limiter struct {
	buckets map[string]*rate.Limiter
	maxWait time.Duration
}

func NewLimiter(cfg config.ExecutionConfig) *Limiter {
	interval := cfg.RateInterval()
	if interval <= 0 {
		interval = time.Second
	}
	return &Limiter{
		buckets: map[string]*rate.Limiter{
			ClassOrder: bucket(cfg.RateLimitTokensPerInterval, interval),
			ClassInfo:  bucket(cfg.InfoTokensPerInterval, interval),
		},
		maxWait: cfg.MaxWait(),
	}
}

// bucket spaces grants at interval/tokens, rounded up, with no burst, so any window of
// length interval holds at most tokens grants.
func bucket(tokens int, interval time.Duration) *rate.Limiter {
	if tokens <= 0 {
		tokens = 1
	}
	n := time.Duration(tokens)
	return rate.NewLimiter(rate.Every((interval+n-1)/n), 1)
}

// Wait blocks until a token for class is available, at most maxWait. Exhaustion yields
// ErrRateLimited; a cancelled ctx yields ctx.Err().
func (l *Limiter) Wait(ctx context.Context, class string) error {
	b, ok := l.buckets[class]
	if !ok {
		b = l.buckets[ClassOrder]
	}
	if b.Allow() {
		metrics.ObserveRateLimitWait(class, 0)
		return nil
	}
	start := time.Now()
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}
	err := b.Wait(waitCtx)
	metrics.ObserveRateLimitWait(class, time.Since(start))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrRateLimited
}
