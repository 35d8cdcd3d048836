package execution

import (
	"context"
	"sync"
	"time"

	"tradepipeline/internal/models"
)

type submission struct {
	done    chan struct{}
	result  models.ExecutionResult
	expires time.Time
}

// idempotencyCache remembers submissions by client order id for ttl after they finish.
// In-flight entries never expire.
type idempotencyCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*submission
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{ttl: ttl, now: time.Now, entries: map[string]*submission{}}
}

// begin returns the entry for key and whether the caller owns it and must finish it.
func (c *idempotencyCache) begin(key string) (*submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if e, ok := c.entries[key]; ok {
		return e, false
	}
	e := &submission{done: make(chan struct{})}
	c.entries[key] = e
	return e, true
}

func (c *idempotencyCache) finish(e *submission, res models.ExecutionResult) {
	c.mu.Lock()
	e.result = res
	e.expires = c.now().Add(c.ttl)
	c.mu.Unlock()
	close(e.done)
}

// wait blocks until the owner finishes e or ctx ends.
func (c *idempotencyCache) wait(ctx context.Context, e *submission) (models.ExecutionResult, error) {
	select {
	case <-e.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return e.result, nil
	case <-ctx.Done():
		return models.ExecutionResult{}, ctx.Err()
	}
}
