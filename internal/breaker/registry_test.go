package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
)

type memEvents struct {
	mu     sync.Mutex
	events []*models.BreakerEvent
	err    error
}

func (m *memEvents) AppendBreakerEvent(_ context.Context, ev *models.BreakerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

type countingAlerter struct {
	mu    sync.Mutex
	sent  []Alert
	fails bool
}

func (c *countingAlerter) Alert(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	if c.fails {
		return errors.New("notify down")
	}
	return nil
}

func testRegistry() *Registry {
	return NewRegistry(config.BreakerConfig{FailureThreshold: 2, BaseTimeoutMs: 1000, MaxTimeoutMs: 60000}, nil)
}

func TestExecute_SuccessPassesValue(t *testing.T) {
	r := testRegistry()
	res := Execute(context.Background(), r, "svc", func(context.Context) (int, error) { return 7, nil }, nil)
	if res.Degraded || res.Err != nil || res.Value != 7 {
		t.Fatalf("res=%+v want value 7", res)
	}
}

func TestExecute_ErrorUsesFallbackAndCounts(t *testing.T) {
	r := testRegistry()
	boom := errors.New("boom")
	fb := func(_ context.Context, cause error) (string, error) { return "fallback", nil }
	for i := 0; i < 2; i++ {
		res := Execute(context.Background(), r, "svc", func(context.Context) (string, error) { return "", boom }, fb)
		if !res.Degraded || res.Value != "fallback" || !errors.Is(res.Err, boom) {
			t.Fatalf("res=%+v want fallback with cause", res)
		}
	}
	if r.Get("svc").State().State != models.BreakerOpen {
		t.Fatalf("state=%s want=OPEN", r.Get("svc").State().State)
	}

	called := false
	res := Execute(context.Background(), r, "svc", func(context.Context) (string, error) {
		called = true
		return "live", nil
	}, fb)
	if called {
		t.Fatalf("op called while open")
	}
	if !errors.Is(res.Err, ErrOpen) || res.Value != "fallback" {
		t.Fatalf("res=%+v want open fallback", res)
	}
}

func TestExecute_PanicRecovered(t *testing.T) {
	r := testRegistry()
	res := Execute(context.Background(), r, "svc", func(context.Context) (int, error) {
		panic("nil map")
	}, nil)
	if !res.Degraded || res.Err == nil || res.Value != 0 {
		t.Fatalf("res=%+v want degraded zero value", res)
	}
	if r.Get("svc").State().ConsecutiveFailures != 1 {
		t.Fatalf("failures=%d want=1", r.Get("svc").State().ConsecutiveFailures)
	}
}

func TestExecute_FallbackPanicRecovered(t *testing.T) {
	r := testRegistry()
	res := Execute(context.Background(), r, "svc",
		func(context.Context) (int, error) { return 0, errors.New("x") },
		func(context.Context, error) (int, error) { panic("fallback broke") },
	)
	if !res.Degraded || res.Err == nil {
		t.Fatalf("res=%+v want degraded", res)
	}
}

func TestExecute_CancelledCallNotCounted(t *testing.T) {
	r := testRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Execute(ctx, r, "svc", func(ctx context.Context) (int, error) { return 0, ctx.Err() }, nil)
	if !res.Degraded {
		t.Fatalf("res=%+v want degraded", res)
	}
	if got := r.Get("svc").State().ConsecutiveFailures; got != 0 {
		t.Fatalf("failures=%d want=0", got)
	}
}

func TestExecute_UnjudgedErrorReleasesTrial(t *testing.T) {
	r := testRegistry()
	b := r.Get("svc")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	b.Trip("down")
	now = now.Add(time.Hour)

	local := errors.New("no token")
	res := Execute(context.Background(), r, "svc", func(context.Context) (int, error) { return 0, Unjudged(local) }, nil)
	if !res.Degraded || !errors.Is(res.Err, local) {
		t.Fatalf("res=%+v want degraded wrapping the cause", res)
	}
	st := b.State()
	if st.State != models.BreakerHalfOpen || st.ConsecutiveFailures != 0 {
		t.Fatalf("got=%s/%d want=%s/0", st.State, st.ConsecutiveFailures, models.BreakerHalfOpen)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("trial slot not released: %v", err)
	}
	b.Release()

	r2 := testRegistry()
	for i := 0; i < 3; i++ {
		Execute(context.Background(), r2, "svc", func(context.Context) (int, error) { return 0, Unjudged(local) }, nil)
	}
	if st := r2.Get("svc").State(); st.State != models.BreakerClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("got=%s/%d want=%s/0", st.State, st.ConsecutiveFailures, models.BreakerClosed)
	}
}

func TestRegistry_OverridesAndSnapshot(t *testing.T) {
	cfg := config.BreakerConfig{
		FailureThreshold: 5,
		BaseTimeoutMs:    1000,
		MaxTimeoutMs:     60000,
		Overrides:        map[string]config.BreakerOverride{"exchange": {FailureThreshold: 2}},
	}
	r := NewRegistry(cfg, nil)
	ex := r.Get("exchange")
	if ex.settings.FailureThreshold != 2 {
		t.Fatalf("threshold=%d want=2", ex.settings.FailureThreshold)
	}
	if r.Get("exchange") != ex {
		t.Fatalf("Get returned a different breaker")
	}
	r.Get("alpha")
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "alpha" || snap[1].Name != "exchange" {
		t.Fatalf("snapshot=%+v want alpha,exchange", snap)
	}
	if err := r.Reset("missing", "x"); !errors.Is(err, ErrUnknownBreaker) {
		t.Fatalf("err=%v want=ErrUnknownBreaker", err)
	}
}

func TestRegistry_TransitionPersistsAndAlerts(t *testing.T) {
	r := testRegistry()
	events := &memEvents{err: errors.New("db down")}
	alerts := &countingAlerter{}
	r.Events = events
	r.Alerts = alerts
	b := r.Get("exchange")
	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.Failure("timeout")
	}
	flush(t, r)
	if len(events.events) != 1 || events.events[0].ToState != string(models.BreakerOpen) {
		t.Fatalf("events=%+v want one OPEN transition", events.events)
	}
	if len(alerts.sent) != 1 || alerts.sent[0].Kind != "opened" {
		t.Fatalf("alerts=%+v want one opened alert", alerts.sent)
	}
}

func flush(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

type blockingAlerter struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []Alert
}

func (b *blockingAlerter) Alert(ctx context.Context, a Alert) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, a)
	return nil
}

func TestRegistry_SlowAlerterDoesNotBlockCalls(t *testing.T) {
	r := testRegistry()
	alerts := &blockingAlerter{release: make(chan struct{})}
	r.Alerts = alerts

	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			Execute(context.Background(), r, "exchange", fail, nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Execute blocked on alert delivery")
	}
	if !r.Get("exchange").IsOpen() {
		t.Fatalf("breaker should be open")
	}

	close(alerts.release)
	flush(t, r)
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.sent) != 1 || alerts.sent[0].Kind != "opened" {
		t.Fatalf("got=%+v want one opened alert", alerts.sent)
	}
}

func TestRegistry_AlertQueuesForDelivery(t *testing.T) {
	r := testRegistry()
	alerts := &countingAlerter{fails: true}
	r.Alerts = alerts
	a := Alert{Source: "execution", Kind: "overfill_rejected", Severity: SeverityCritical}
	if err := r.Alert(context.Background(), a); err != nil {
		t.Fatalf("got=%v want=nil", err)
	}
	flush(t, r)
	if len(alerts.sent) != 1 || alerts.sent[0].Kind != "overfill_rejected" {
		t.Fatalf("got=%+v want one overfill alert", alerts.sent)
	}
}

func TestAlertDeduper_SuppressesWithinCooldown(t *testing.T) {
	next := &countingAlerter{}
	d := NewAlertDeduper(next, time.Minute)
	clk := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	d.now = clk.now

	a := Alert{Source: "exchange", Kind: "opened"}
	_ = d.Alert(context.Background(), a)
	_ = d.Alert(context.Background(), a)
	_ = d.Alert(context.Background(), Alert{Source: "exchange", Kind: "overfill"})
	if len(next.sent) != 2 {
		t.Fatalf("sent=%d want=2", len(next.sent))
	}
	clk.advance(time.Minute)
	_ = d.Alert(context.Background(), a)
	if len(next.sent) != 3 {
		t.Fatalf("sent=%d want=3 after cooldown", len(next.sent))
	}
}

func TestMultiAlerter_JoinsErrors(t *testing.T) {
	ok := &countingAlerter{}
	bad := &countingAlerter{fails: true}
	err := MultiAlerter{ok, nil, bad}.Alert(context.Background(), Alert{Source: "s", Kind: "k"})
	if err == nil {
		t.Fatalf("err=nil want joined error")
	}
	if len(ok.sent) != 1 || len(bad.sent) != 1 {
		t.Fatalf("ok=%d bad=%d want 1/1", len(ok.sent), len(bad.sent))
	}
}
