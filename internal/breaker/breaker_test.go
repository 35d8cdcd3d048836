package breaker

import (
	"errors"
	"testing"
	"time"

	"tradepipeline/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(s Settings) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", s)
	b.now = clk.now
	b.rand = func() float64 { return 0.5 }
	return b, clk
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3, BaseTimeout: time.Second, MaxTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		b.Failure("boom")
	}
	if b.State().State != models.BreakerClosed {
		t.Fatalf("state=%s want=CLOSED after 2 failures", b.State().State)
	}
	_ = b.Allow()
	b.Failure("boom")
	if st := b.State(); st.State != models.BreakerOpen || st.OpenCount != 1 {
		t.Fatalf("state=%s open_count=%d want=OPEN/1", st.State, st.OpenCount)
	}
	err := b.Allow()
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err=%v want=ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 2, BaseTimeout: time.Second})
	_ = b.Allow()
	b.Failure("x")
	_ = b.Allow()
	b.Success()
	_ = b.Allow()
	b.Failure("x")
	if b.State().State != models.BreakerClosed {
		t.Fatalf("state=%s want=CLOSED", b.State().State)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, BaseTimeout: time.Second, MaxTimeout: time.Minute})
	_ = b.Allow()
	b.Failure("x")
	clk.advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial rejected: %v", err)
	}
	if b.State().State != models.BreakerHalfOpen {
		t.Fatalf("state=%s want=HALF_OPEN", b.State().State)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("second trial err=%v want=ErrOpen", err)
	}
	b.Success()
	st := b.State()
	if st.State != models.BreakerClosed || st.OpenCount != 0 || st.ConsecutiveFailures != 0 {
		t.Fatalf("state=%+v want closed and reset", st)
	}
}

func TestBreaker_ExponentialBackoffCapped(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, BaseTimeout: time.Second, MaxTimeout: 3 * time.Second})
	start := clk.t
	_ = b.Allow()
	b.Failure("x")
	if got := b.State().NextRetryAt.Sub(start); got != time.Second {
		t.Fatalf("first timeout=%s want=1s", got)
	}

	clk.advance(time.Second)
	_ = b.Allow()
	b.Failure("x")
	if got := b.State().NextRetryAt.Sub(clk.t); got != 2*time.Second {
		t.Fatalf("second timeout=%s want=2s", got)
	}

	clk.advance(2 * time.Second)
	_ = b.Allow()
	b.Failure("x")
	if got := b.State().NextRetryAt.Sub(clk.t); got != 3*time.Second {
		t.Fatalf("third timeout=%s want=3s (capped)", got)
	}
}

func TestBreaker_JitterBounds(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, BaseTimeout: 10 * time.Second, MaxTimeout: time.Minute, Jitter: 0.5})
	b.rand = func() float64 { return 1 }
	_ = b.Allow()
	b.Failure("x")
	if got := b.State().NextRetryAt.Sub(clk.t); got != 15*time.Second {
		t.Fatalf("timeout=%s want=15s", got)
	}
}

func TestBreaker_ManualResetStaysOpen(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, BaseTimeout: time.Second, ManualReset: true})
	b.Trip("halt")
	clk.advance(24 * time.Hour)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("err=%v want=ErrOpen", err)
	}
	b.Reset("operator")
	if err := b.Allow(); err != nil {
		t.Fatalf("err=%v want=nil after reset", err)
	}
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, BaseTimeout: time.Second})
	_ = b.Allow()
	b.Failure("x")
	clk.advance(time.Second)
	_ = b.Allow()
	b.Release()
	if err := b.Allow(); err != nil {
		t.Fatalf("err=%v want=nil after release", err)
	}
}

func TestBreaker_TransitionsReported(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, BaseTimeout: time.Second})
	var got []models.BreakerStatus
	b.onChange = func(tr Transition) { got = append(got, tr.To) }
	_ = b.Allow()
	b.Failure("x")
	clk.advance(time.Second)
	_ = b.Allow()
	b.Success()
	want := []models.BreakerStatus{models.BreakerOpen, models.BreakerHalfOpen, models.BreakerClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions=%v want=%v", got, want)
		}
	}
}

func TestCircuitOpenError_Is(t *testing.T) {
	var err error = &CircuitOpenError{Name: "exchange"}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("errors.Is(CircuitOpenError, ErrOpen)=false")
	}
	var coe *CircuitOpenError
	if !errors.As(err, &coe) || coe.Name != "exchange" {
		t.Fatalf("errors.As failed: %v", err)
	}
}
