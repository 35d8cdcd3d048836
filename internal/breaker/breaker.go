// Package breaker isolates failing dependencies. Each protected call goes through a
// named Breaker that opens after consecutive failures, backs off exponentially while
// open, and lets a single trial call through when the backoff expires.
package breaker

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"tradepipeline/internal/models"
)

// ErrOpen is matched by every CircuitOpenError.
var ErrOpen = errors.New("circuit open")

type CircuitOpenError struct {
	Name       string
	RetryAfter time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter.IsZero() {
		return fmt.Sprintf("circuit %s open", e.Name)
	}
	return fmt.Sprintf("circuit %s open until %s", e.Name, e.RetryAfter.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrOpen }

type Settings struct {
	FailureThreshold int
	BaseTimeout      time.Duration
	MaxTimeout       time.Duration
	// Jitter spreads each open timeout by ±Jitter of its length.
	Jitter float64
	// ManualReset keeps the breaker open until Reset is called.
	ManualReset bool
}

// Transition describes one state change.
type Transition struct {
	Name     string
	From     models.BreakerStatus
	To       models.BreakerStatus
	Failures int
	Reason   string
	At       time.Time
}

type Breaker struct {
	name     string
	settings Settings

	mu           sync.Mutex
	state        models.BreakerStatus
	failures     int
	openCount    int
	lastOpenedAt time.Time
	nextRetryAt  time.Time
	trialActive  bool

	now      func() time.Time
	rand     func() float64
	onChange func(Transition)
}

func New(name string, s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 1
	}
	if s.BaseTimeout <= 0 {
		s.BaseTimeout = time.Second
	}
	if s.MaxTimeout < s.BaseTimeout {
		s.MaxTimeout = s.BaseTimeout
	}
	return &Breaker{
		name:     name,
		settings: s,
		state:    models.BreakerClosed,
		now:      time.Now,
		rand:     rand.Float64,
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow reserves a call. It returns a *CircuitOpenError when the call must not run.
// Every nil return must be followed by exactly one of Success, Failure or Release.
func (b *Breaker) Allow() error {
	var tr *Transition
	b.mu.Lock()
	switch b.state {
	case models.BreakerOpen:
		if b.settings.ManualReset || b.now().Before(b.nextRetryAt) {
			err := &CircuitOpenError{Name: b.name, RetryAfter: b.nextRetryAt}
			b.mu.Unlock()
			return err
		}
		tr = b.setState(models.BreakerHalfOpen, "retry timeout elapsed")
		b.trialActive = true
	case models.BreakerHalfOpen:
		if b.trialActive {
			b.mu.Unlock()
			return &CircuitOpenError{Name: b.name}
		}
		b.trialActive = true
	}
	b.mu.Unlock()
	b.emit(tr)
	return nil
}

func (b *Breaker) Success() {
	var tr *Transition
	b.mu.Lock()
	switch b.state {
	case models.BreakerHalfOpen:
		b.trialActive = false
		b.failures = 0
		b.openCount = 0
		tr = b.setState(models.BreakerClosed, "trial call succeeded")
	case models.BreakerClosed:
		b.failures = 0
	}
	b.mu.Unlock()
	b.emit(tr)
}

func (b *Breaker) Failure(reason string) {
	var tr *Transition
	b.mu.Lock()
	switch b.state {
	case models.BreakerHalfOpen:
		b.trialActive = false
		b.failures++
		tr = b.open("trial call failed: " + reason)
	case models.BreakerClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			tr = b.open(reason)
		}
	case models.BreakerOpen:
		b.failures++
	}
	b.mu.Unlock()
	b.emit(tr)
}

// Release gives back a reservation without judging the dependency, for calls abandoned
// by their caller.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == models.BreakerHalfOpen {
		b.trialActive = false
	}
	b.mu.Unlock()
}

// Trip forces the breaker open regardless of its failure count.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	var tr *Transition
	if b.state != models.BreakerOpen {
		tr = b.open(reason)
	}
	b.mu.Unlock()
	b.emit(tr)
}

// Reset closes the breaker and clears its history.
func (b *Breaker) Reset(reason string) {
	var tr *Transition
	b.mu.Lock()
	b.failures = 0
	b.openCount = 0
	b.trialActive = false
	b.nextRetryAt = time.Time{}
	if b.state != models.BreakerClosed {
		tr = b.setState(models.BreakerClosed, reason)
	}
	b.mu.Unlock()
	b.emit(tr)
}

func (b *Breaker) State() models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CircuitBreakerState{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenCount:           b.openCount,
		LastOpenedAt:        b.lastOpenedAt,
		NextRetryAt:         b.nextRetryAt,
		ManualReset:         b.settings.ManualReset,
	}
}

func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == models.BreakerOpen
}

// open must be called with mu held.
func (b *Breaker) open(reason string) *Transition {
	now := b.now()
	b.lastOpenedAt = now
	if !b.settings.ManualReset {
		b.nextRetryAt = now.Add(b.timeout())
	}
	b.openCount++
	return b.setState(models.BreakerOpen, reason)
}

// timeout is min(max, base*2^openCount) spread by jitter. Must be called with mu held.
func (b *Breaker) timeout() time.Duration {
	base := float64(b.settings.BaseTimeout) * math.Pow(2, float64(b.openCount))
	d := math.Min(base, float64(b.settings.MaxTimeout))
	if j := b.settings.Jitter; j > 0 {
		d *= 1 + (2*b.rand()-1)*j
	}
	return time.Duration(d)
}

func (b *Breaker) setState(to models.BreakerStatus, reason string) *Transition {
	from := b.state
	b.state = to
	return &Transition{Name: b.name, From: from, To: to, Failures: b.failures, Reason: reason, At: b.now()}
}

func (b *Breaker) emit(tr *Transition) {
	if tr == nil || b.onChange == nil {
		return
	}
	b.onChange(*tr)
}
