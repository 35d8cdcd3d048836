package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradepipeline/internal/config"
	"tradepipeline/internal/metrics"
	"tradepipeline/internal/models"
)

// Well-known breaker names.
const (
	MarketData    = "market_data"
	Proposer      = "proposer"
	Exchange      = "exchange"
	RiskCeiling   = "risk_ceiling"
	TradingHalted = "trading_halted"
)

var ErrUnknownBreaker = errors.New("unknown breaker")

// EventSink persists transitions.
type EventSink interface {
	AppendBreakerEvent(ctx context.Context, ev *models.BreakerEvent) error
}

// Registry owns every breaker of the process. Breakers are created on first use and
// live until the process exits.
type Registry struct {
	Logger *zap.Logger
	Alerts Alerter
	Events EventSink

	defaults  Settings
	overrides map[string]Settings

	mu       sync.RWMutex
	breakers map[string]*Breaker

	queue     chan func(ctx context.Context)
	startOnce sync.Once

	now func() time.Time
}

const (
	dispatchQueueSize = 256
	dispatchTimeout   = 5 * time.Second
)

func NewRegistry(cfg config.BreakerConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		Logger:    logger,
		defaults:  settingsFromConfig(cfg.FailureThreshold, cfg.BaseTimeoutMs, cfg.MaxTimeoutMs, cfg.Jitter),
		overrides: map[string]Settings{},
		breakers:  map[string]*Breaker{},
		queue:     make(chan func(ctx context.Context), dispatchQueueSize),
		now:       time.Now,
	}
	for name, o := range cfg.Overrides {
		s := r.defaults
		if o.FailureThreshold > 0 {
			s.FailureThreshold = o.FailureThreshold
		}
		if o.BaseTimeoutMs > 0 {
			s.BaseTimeout = time.Duration(o.BaseTimeoutMs) * time.Millisecond
		}
		if o.MaxTimeoutMs > 0 {
			s.MaxTimeout = time.Duration(o.MaxTimeoutMs) * time.Millisecond
		}
		r.overrides[name] = s
	}
	return r
}

func settingsFromConfig(threshold, baseMs, maxMs int, jitter float64) Settings {
	return Settings{
		FailureThreshold: threshold,
		BaseTimeout:      time.Duration(baseMs) * time.Millisecond,
		MaxTimeout:       time.Duration(maxMs) * time.Millisecond,
		Jitter:           jitter,
	}
}

// Defaults returns the settings used for breakers without an override.
func (r *Registry) Defaults() Settings { return r.defaults }

// Get returns the named breaker, creating it from config on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	s, ok := r.overrides[name]
	if !ok {
		s = r.defaults
	}
	return r.Register(name, s)
}

// Register creates the named breaker with explicit settings. An existing breaker is
// returned unchanged.
func (r *Registry) Register(name string, s Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, s)
	b.now = r.now
	b.onChange = r.onTransition
	r.breakers[name] = b
	metrics.SetBreakerState(name, stateValue(models.BreakerClosed))
	return b
}

// Lookup returns the named breaker without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) Reset(name, reason string) error {
	b, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	b.Reset(reason)
	return nil
}

// Snapshot lists every breaker's state sorted by name.
func (r *Registry) Snapshot() []models.CircuitBreakerState {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]models.CircuitBreakerState, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) onTransition(tr Transition) {
	metrics.SetBreakerState(tr.Name, stateValue(tr.To))
	fields := []zap.Field{
		zap.String("breaker", tr.Name),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("failures", tr.Failures),
		zap.String("reason", tr.Reason),
	}
	if tr.To == models.BreakerOpen {
		r.Logger.Warn("circuit breaker opened", fields...)
	} else {
		r.Logger.Info("circuit breaker transition", fields...)
	}

	if r.Events != nil {
		ev := &models.BreakerEvent{
			Breaker:   tr.Name,
			Kind:      "transition",
			FromState: string(tr.From),
			ToState:   string(tr.To),
			Failures:  tr.Failures,
			Message:   tr.Reason,
		}
		events := r.Events
		r.dispatch("event", func(ctx context.Context) {
			if err := events.AppendBreakerEvent(ctx, ev); err != nil {
				r.Logger.Warn("breaker event persist failed", zap.String("breaker", tr.Name), zap.Error(err))
			}
		})
	}
	if tr.To == models.BreakerOpen || tr.From == models.BreakerHalfOpen {
		kind := "opened"
		severity := SeverityCritical
		if tr.To == models.BreakerClosed {
			kind = "recovered"
			severity = SeverityInfo
		}
		_ = r.Alert(context.Background(), Alert{
			Source:   tr.Name,
			Kind:     kind,
			Severity: severity,
			Message:  fmt.Sprintf("%s %s -> %s: %s", tr.Name, tr.From, tr.To, tr.Reason),
			At:       tr.At,
		})
	}
}

// Alert queues the alert for delivery through Alerts and returns at once. Callers holding
// locks use it instead of calling Alerts directly.
func (r *Registry) Alert(_ context.Context, a Alert) error {
	alerts := r.Alerts
	if alerts == nil {
		return nil
	}
	r.dispatch("alert", func(ctx context.Context) {
		if err := alerts.Alert(ctx, a); err != nil {
			r.Logger.Warn("alert delivery failed", zap.String("source", a.Source), zap.String("kind", a.Kind), zap.Error(err))
		}
	})
	return nil
}

// dispatch hands job to the delivery goroutine. A full queue drops the job.
func (r *Registry) dispatch(item string, job func(ctx context.Context)) {
	r.startOnce.Do(func() { go r.deliver() })
	select {
	case r.queue <- job:
	default:
		metrics.IncAlerts("dropped")
		r.Logger.Warn("breaker dispatch queue full, dropped", zap.String("item", item))
	}
}

func (r *Registry) deliver() {
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		job(ctx)
		cancel()
	}
}

// Flush blocks until everything queued before the call has been delivered.
func (r *Registry) Flush(ctx context.Context) error {
	r.startOnce.Do(func() { go r.deliver() })
	done := make(chan struct{})
	select {
	case r.queue <- func(context.Context) { close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stateValue(s models.BreakerStatus) float64 {
	switch s {
	case models.BreakerHalfOpen:
		return 1
	case models.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// Result is what Execute hands back. Degraded is set whenever the value did not come
// from a successful op call; Err then carries the cause.
type Result[T any] struct {
	Value    T
	Degraded bool
	Err      error
}

// Execute runs op behind the named breaker. It never panics and never returns an error
// directly: an open breaker, an op error or an op panic routes to fallback, and a nil
// fallback yields the zero value. A call abandoned because ctx ended, or an error
// wrapped by Unjudged, is not counted against the dependency.
func Execute[T any](
	ctx context.Context,
	r *Registry,
	name string,
	op func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
) Result[T] {
	b := r.Get(name)
	if err := b.Allow(); err != nil {
		return degrade(ctx, err, fallback)
	}

	v, err := guard(ctx, op)
	switch {
	case err == nil:
		b.Success()
		return Result[T]{Value: v}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.Release()
	case isUnjudged(err):
		b.Release()
	default:
		b.Failure(err.Error())
	}
	return degrade(ctx, err, fallback)
}

type unjudgedError struct{ err error }

func (e unjudgedError) Error() string { return e.err.Error() }
func (e unjudgedError) Unwrap() error { return e.err }

// Unjudged marks an op error that says nothing about the dependency, such as a call
// that was never sent. Execute releases the reservation instead of counting it.
func Unjudged(err error) error {
	if err == nil {
		return nil
	}
	return unjudgedError{err: err}
}

func isUnjudged(err error) bool {
	var u unjudgedError
	return errors.As(err, &u)
}

func guard[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			v = zero
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return op(ctx)
}

func degrade[T any](ctx context.Context, cause error, fallback func(context.Context, error) (T, error)) Result[T] {
	res := Result[T]{Degraded: true, Err: cause}
	if fallback == nil {
		return res
	}
	v, err := guard(ctx, func(ctx context.Context) (T, error) { return fallback(ctx, cause) })
	if err != nil {
		res.Err = errors.Join(cause, err)
		return res
	}
	res.Value = v
	return res
}
