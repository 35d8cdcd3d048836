package models

import "time"

type Regime string

const (
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
	RegimeRanging      Regime = "RANGING"
	RegimeHighVol      Regime = "HIGH_VOL"
	RegimeLowVol       Regime = "LOW_VOL"
)

// IndicatorSet holds the latest indicator values for the snapshot's last candle.
// NaN-free: indicators without enough history are left at zero.
type IndicatorSet struct {
	RSI14     float64 `json:"rsi14"`
	SMA20     float64 `json:"sma20"`
	SMA50     float64 `json:"sma50"`
	EMA20     float64 `json:"ema20"`
	ATR14     float64 `json:"atr14"`
	ATRPct    float64 `json:"atr_pct"`
	StdDevPct float64 `json:"stddev_pct"`
	SlopePct  float64 `json:"slope_pct"`
}

type MarketSnapshot struct {
	Symbol     string       `json:"symbol"`
	Timeframe  string       `json:"timeframe"`
	Candles    []Candle     `json:"candles"`
	Indicators IndicatorSet `json:"indicators"`
	Regime     Regime       `json:"regime"`
	Portfolio  Portfolio    `json:"portfolio"`
	FetchedAt  time.Time    `json:"fetched_at"`
}

// LastPrice returns the close of the most recent candle, or 0 when there are none.
func (s MarketSnapshot) LastPrice() float64 {
	if len(s.Candles) == 0 {
		return 0
	}
	return s.Candles[len(s.Candles)-1].Close
}

// Clone returns a deep copy so a cycle can hand the snapshot to stages without sharing slices.
func (s MarketSnapshot) Clone() MarketSnapshot {
	out := s
	out.Candles = append([]Candle(nil), s.Candles...)
	out.Portfolio = s.Portfolio.Clone()
	return out
}

func (s MarketSnapshot) Summary() SnapshotSummary {
	sum := SnapshotSummary{
		Symbol:     s.Symbol,
		Timeframe:  s.Timeframe,
		Candles:    len(s.Candles),
		LastPrice:  s.LastPrice(),
		Regime:     s.Regime,
		Indicators: s.Indicators,
		FetchedAt:  s.FetchedAt,
	}
	if len(s.Candles) > 0 {
		sum.From = s.Candles[0].Time
		sum.To = s.Candles[len(s.Candles)-1].Time
	}
	return sum
}

type SnapshotSummary struct {
	Symbol     string       `json:"symbol"`
	Timeframe  string       `json:"timeframe"`
	Candles    int          `json:"candles"`
	From       time.Time    `json:"from"`
	To         time.Time    `json:"to"`
	LastPrice  float64      `json:"last_price"`
	Regime     Regime       `json:"regime"`
	Indicators IndicatorSet `json:"indicators"`
	FetchedAt  time.Time    `json:"fetched_at"`
}
