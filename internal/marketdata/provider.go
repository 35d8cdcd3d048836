// Package marketdata builds the per-cycle market snapshot: candles from the venue,
// indicator values, a regime label and the current portfolio.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/exchange"
	"tradepipeline/internal/indicator"
	"tradepipeline/internal/models"
	"tradepipeline/internal/retry"
)

// ErrDataUnavailable marks a snapshot that cannot be built from what the source returned.
var ErrDataUnavailable = errors.New("market data unavailable")

type Provider interface {
	GetSnapshot(ctx context.Context, symbol, timeframe string) (models.MarketSnapshot, error)
}

// PortfolioSource hands out a copy of the current portfolio.
type PortfolioSource interface {
	Snapshot() models.Portfolio
}

// RegimeThresholds are in percent of price.
type RegimeThresholds struct {
	HighVolATRPct float64
	LowVolATRPct  float64
	TrendSlopePct float64
}

func DefaultRegimeThresholds() RegimeThresholds {
	return RegimeThresholds{
		HighVolATRPct: 3.0,
		LowVolATRPct:  0.3,
		TrendSlopePct: 0.5,
	}
}

// Throttle hands out request tokens per endpoint class.
type Throttle interface {
	Wait(ctx context.Context, class string) error
}

// defaultLimiterClass is the venue's informational endpoint bucket.
const defaultLimiterClass = "info"

type ExchangeProvider struct {
	Candles    exchange.CandleSource
	Portfolio  PortfolioSource
	Limit      int
	MinCandles int
	Regime     RegimeThresholds
	Retry      retry.Policy
	Logger     *zap.Logger

	// Limiter, when set, is the venue's shared limiter; every candle request takes a
	// LimiterClass token from it.
	Limiter      Throttle
	LimiterClass string

	now func() time.Time
}

func NewExchangeProvider(src exchange.CandleSource, pf PortfolioSource, limit, minCandles int, policy retry.Policy, logger *zap.Logger) *ExchangeProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 200
	}
	if limit < minCandles {
		limit = minCandles
	}
	return &ExchangeProvider{
		Candles:    src,
		Portfolio:  pf,
		Limit:      limit,
		MinCandles: minCandles,
		Regime:     DefaultRegimeThresholds(),
		Retry:      policy,
		Logger:     logger,
		now:        time.Now,
	}
}

func (p *ExchangeProvider) GetSnapshot(ctx context.Context, symbol, timeframe string) (models.MarketSnapshot, error) {
	candles, err := p.fetch(ctx, symbol, timeframe)
	if err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("fetch candles %s %s: %w", symbol, timeframe, err)
	}
	if err := Validate(candles, p.MinCandles); err != nil {
		p.Logger.Warn("marketdata: rejected candles",
			zap.String("symbol", symbol),
			zap.String("timeframe", timeframe),
			zap.Int("candles", len(candles)),
			zap.Error(err),
		)
		return models.MarketSnapshot{}, err
	}

	snap := models.MarketSnapshot{
		Symbol:     symbol,
		Timeframe:  timeframe,
		Candles:    append([]models.Candle(nil), candles...),
		Indicators: ComputeIndicators(candles),
		FetchedAt:  p.now().UTC(),
	}
	snap.Regime = DetectRegime(snap.Indicators, p.Regime)
	if p.Portfolio != nil {
		snap.Portfolio = p.Portfolio.Snapshot()
	}
	return snap, nil
}

// fetch pulls candles under the retry policy and the shared limiter. Running out of
// tokens before any request was sent is marked unjudged for the market data breaker.
func (p *ExchangeProvider) fetch(ctx context.Context, symbol, timeframe string) ([]models.Candle, error) {
	class := p.LimiterClass
	if class == "" {
		class = defaultLimiterClass
	}
	var candles []models.Candle
	var sent bool
	var venueErr, throttled error
	_, err := p.Retry.Do(ctx, func(ctx context.Context) error {
		if p.Limiter != nil {
			if throttled = p.Limiter.Wait(ctx, class); throttled != nil {
				return throttled
			}
		}
		sent = true
		candles, venueErr = p.Candles.GetCandles(ctx, symbol, timeframe, p.Limit)
		return venueErr
	})
	switch {
	case err == nil:
		return candles, nil
	case throttled != nil && sent:
		err = venueErr
	case throttled != nil && ctx.Err() == nil:
		err = breaker.Unjudged(err)
	}
	return nil, err
}

// Validate enforces the snapshot invariants: enough history, strictly increasing
// timestamps and finite positive prices.
func Validate(candles []models.Candle, minCandles int) error {
	if len(candles) < minCandles || len(candles) == 0 {
		return fmt.Errorf("%w: %d candles, need %d", ErrDataUnavailable, len(candles), minCandles)
	}
	for i, c := range candles {
		if i > 0 && !c.Time.After(candles[i-1].Time) {
			return fmt.Errorf("%w: timestamps not increasing at %d", ErrDataUnavailable, i)
		}
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return fmt.Errorf("%w: bad price at %d", ErrDataUnavailable, i)
			}
		}
	}
	return nil
}

func ComputeIndicators(candles []models.Candle) models.IndicatorSet {
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	set := models.IndicatorSet{
		RSI14: indicator.Last(indicator.RSI(closes, 14)),
		SMA20: indicator.Last(indicator.SMA(closes, 20)),
		SMA50: indicator.Last(indicator.SMA(closes, 50)),
		EMA20: indicator.Last(indicator.EMA(closes, 20)),
		ATR14: indicator.Last(indicator.ATR(highs, lows, closes, 14)),
	}
	last := closes[n-1]
	if last > 0 {
		set.ATRPct = set.ATR14 / last * 100
	}
	rets := indicator.Returns(closes)
	set.StdDevPct = indicator.Last(indicator.StdDev(rets[1:], 20)) * 100
	set.SlopePct = slopePct(indicator.SMA(closes, 20), slopeLookback)
	return set
}

const slopeLookback = 5

// slopePct is the percentage change of series over its last lookback finite steps.
func slopePct(series []float64, lookback int) float64 {
	n := len(series)
	if lookback <= 0 || n <= lookback {
		return 0
	}
	cur, prev := series[n-1], series[n-1-lookback]
	if math.IsNaN(cur) || math.IsNaN(prev) || prev == 0 {
		return 0
	}
	return (cur/prev - 1) * 100
}

// DetectRegime classifies volatility first, then trend direction from the SMA slope.
func DetectRegime(ind models.IndicatorSet, th RegimeThresholds) models.Regime {
	switch {
	case th.HighVolATRPct > 0 && ind.ATRPct >= th.HighVolATRPct:
		return models.RegimeHighVol
	case ind.SlopePct >= th.TrendSlopePct:
		return models.RegimeTrendingUp
	case ind.SlopePct <= -th.TrendSlopePct:
		return models.RegimeTrendingDown
	case ind.ATRPct > 0 && ind.ATRPct <= th.LowVolATRPct:
		return models.RegimeLowVol
	default:
		return models.RegimeRanging
	}
}
