package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/config"
	"tradepipeline/internal/exchange"
	"tradepipeline/internal/models"
	"tradepipeline/internal/retry"
)

type stubCandles struct {
	candles []models.Candle
	errs    []error
	calls   int
}

func (s *stubCandles) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.candles, nil
}

type fixedPortfolio models.Portfolio

func (f fixedPortfolio) Snapshot() models.Portfolio { return models.Portfolio(f) }

func makeCandles(n int, price func(i int) float64) []models.Candle {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, n)
	for i := range out {
		p := price(i)
		out[i] = models.Candle{Time: base.Add(time.Duration(i) * time.Hour), Open: p, High: p * 1.001, Low: p * 0.999, Close: p, Volume: 1}
	}
	return out
}

func TestGetSnapshotBuildsIndicatorsAndRegime(t *testing.T) {
	src := &stubCandles{candles: makeCandles(60, func(i int) float64 { return 100 + float64(i) })}
	pf := fixedPortfolio{TotalValue: decimal.NewFromInt(10000)}
	p := NewExchangeProvider(src, pf, 60, 30, retry.Policy{MaxAttempts: 1}, nil)

	snap, err := p.GetSnapshot(context.Background(), "BTC-USDT", "1h")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Candles) != 60 || snap.LastPrice() != 159 {
		t.Fatalf("candles=%d last=%v", len(snap.Candles), snap.LastPrice())
	}
	if snap.Regime != models.RegimeTrendingUp {
		t.Fatalf("regime=%s want=%s", snap.Regime, models.RegimeTrendingUp)
	}
	if snap.Indicators.SMA20 != 149.5 {
		t.Fatalf("sma20=%v want=149.5", snap.Indicators.SMA20)
	}
	if snap.Indicators.RSI14 != 100 {
		t.Fatalf("rsi14=%v want=100", snap.Indicators.RSI14)
	}
	if !snap.Portfolio.TotalValue.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("portfolio not attached")
	}
}

func TestGetSnapshotInsufficientCandles(t *testing.T) {
	src := &stubCandles{candles: makeCandles(10, func(int) float64 { return 100 })}
	p := NewExchangeProvider(src, nil, 200, 30, retry.Policy{MaxAttempts: 1}, nil)
	_, err := p.GetSnapshot(context.Background(), "BTC-USDT", "1h")
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("err=%v want ErrDataUnavailable", err)
	}
}

func TestValidateRejectsUnorderedCandles(t *testing.T) {
	candles := makeCandles(40, func(int) float64 { return 100 })
	candles[20].Time = candles[19].Time
	if err := Validate(candles, 30); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("err=%v want ErrDataUnavailable", err)
	}
	candles = makeCandles(40, func(int) float64 { return 100 })
	candles[5].Close = 0
	if err := Validate(candles, 30); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("zero close err=%v want ErrDataUnavailable", err)
	}
}

func TestGetSnapshotRetriesTransientFetch(t *testing.T) {
	src := &stubCandles{
		candles: makeCandles(40, func(int) float64 { return 100 }),
		errs:    []error{&exchange.APIError{Status: 503}},
	}
	p := NewExchangeProvider(src, nil, 40, 30, retry.Policy{MaxAttempts: 2, Retryable: exchange.IsRetryable}, nil)
	snap, err := p.GetSnapshot(context.Background(), "ETH-USDT", "1h")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("calls=%d want=2", src.calls)
	}
	if snap.Regime != models.RegimeLowVol {
		t.Fatalf("flat regime=%s want=%s", snap.Regime, models.RegimeLowVol)
	}
}

type stubThrottle struct {
	classes []string
	deny    error
}

func (s *stubThrottle) Wait(_ context.Context, class string) error {
	s.classes = append(s.classes, class)
	return s.deny
}

func TestGetSnapshotTakesInfoToken(t *testing.T) {
	src := &stubCandles{candles: makeCandles(40, func(int) float64 { return 100 })}
	p := NewExchangeProvider(src, nil, 40, 30, retry.Policy{MaxAttempts: 1}, nil)
	th := &stubThrottle{}
	p.Limiter = th

	if _, err := p.GetSnapshot(context.Background(), "BTC-USDT", "1h"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(th.classes) != 1 || th.classes[0] != "info" {
		t.Fatalf("got=%v want=[info]", th.classes)
	}
}

func TestGetSnapshotThrottledSkipsVenue(t *testing.T) {
	src := &stubCandles{candles: makeCandles(40, func(int) float64 { return 100 })}
	p := NewExchangeProvider(src, nil, 40, 30, retry.Policy{MaxAttempts: 3, Retryable: exchange.IsRetryable}, nil)
	limited := errors.New("rate_limited")
	p.Limiter = &stubThrottle{deny: limited}

	_, err := p.GetSnapshot(context.Background(), "BTC-USDT", "1h")
	if !errors.Is(err, limited) {
		t.Fatalf("got=%v want=%v", err, limited)
	}
	if src.calls != 0 {
		t.Fatalf("calls=%d want=0", src.calls)
	}

	reg := breaker.NewRegistry(config.BreakerConfig{FailureThreshold: 1, BaseTimeoutMs: 60000, MaxTimeoutMs: 60000}, nil)
	breaker.Execute(context.Background(), reg, breaker.MarketData, func(ctx context.Context) (models.MarketSnapshot, error) {
		return p.GetSnapshot(ctx, "BTC-USDT", "1h")
	}, nil)
	if st := reg.Get(breaker.MarketData).State(); st.State != models.BreakerClosed {
		t.Fatalf("got=%s want=%s", st.State, models.BreakerClosed)
	}
}

func TestDetectRegime(t *testing.T) {
	th := DefaultRegimeThresholds()
	cases := []struct {
		ind  models.IndicatorSet
		want models.Regime
	}{
		{models.IndicatorSet{ATRPct: 4, SlopePct: 2}, models.RegimeHighVol},
		{models.IndicatorSet{ATRPct: 1, SlopePct: 0.8}, models.RegimeTrendingUp},
		{models.IndicatorSet{ATRPct: 1, SlopePct: -0.8}, models.RegimeTrendingDown},
		{models.IndicatorSet{ATRPct: 0.1, SlopePct: 0.1}, models.RegimeLowVol},
		{models.IndicatorSet{ATRPct: 1, SlopePct: 0.1}, models.RegimeRanging},
	}
	for _, tc := range cases {
		if got := DetectRegime(tc.ind, th); got != tc.want {
			t.Fatalf("ind=%+v got=%s want=%s", tc.ind, got, tc.want)
		}
	}
}
