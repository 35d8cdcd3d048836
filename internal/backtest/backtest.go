// Package backtest replays strategy candidates over a candle history and reports
// return, risk and trade statistics for each.
package backtest

import (
	"errors"
	"math"

	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
)

const (
	ReasonInsufficientCandles = "insufficient_candles"
	ReasonInvalidRule         = "invalid_rule"
	ReasonNonFinite           = "non_finite_metric"
	ReasonPanic               = "panic"
	ReasonCancelled           = "cancelled"
)

const (
	defaultMinCandles      = 30
	defaultInitialEquity   = 10000
	defaultProfitFactorCap = 999
	defaultPositionFrac    = 0.1
)

// Backtest simulates one candidate over candles. It is deterministic and touches no
// shared state, so it is safe to run candidates in parallel over the same candles.
func Backtest(c models.StrategyCandidate, candles []models.Candle, cfg config.BacktestConfig) models.BacktestResult {
	res := models.BacktestResult{Candidate: c, Bars: len(candles)}
	minCandles := cfg.MinCandles
	if minCandles <= 0 {
		minCandles = defaultMinCandles
	}
	if len(candles) < minCandles {
		res.Reason = ReasonInsufficientCandles
		return res
	}

	s := newSeries(candles)
	rules, err := compileRules(c, s)
	if err != nil {
		if errors.Is(err, errInvalidRule) {
			res.Discarded = true
			res.Reason = ReasonInvalidRule
		}
		return res
	}
	if rules.warmup >= s.len()-1 {
		res.Reason = ReasonInsufficientCandles
		return res
	}

	acc := simulate(c, s, rules, cfg)
	evaluated := s.len() - rules.warmup

	res.TotalReturnPct = (acc.equity/acc.initial - 1) * 100
	res.Trades = acc.trades
	if acc.trades > 0 {
		res.WinRatePct = float64(acc.wins) / float64(acc.trades) * 100
	}
	res.MaxDrawdownPct = acc.maxDrawdownPct
	res.ProfitFactor = profitFactor(acc.grossProfit, acc.grossLoss, cfg.ProfitFactorCap)
	res.Sharpe = acc.sharpe(s.barsPerYear(), evaluated)
	res.Confidence = clamp(float64(evaluated)/float64(minCandles), 0, 1)

	if !finite(res.TotalReturnPct, res.Sharpe, res.WinRatePct, res.MaxDrawdownPct, res.ProfitFactor) {
		res.Discarded = true
		res.Reason = ReasonNonFinite
	}
	return res
}

// position is the single synthetic position of a simulation.
type position struct {
	open          bool
	dir           float64
	qty           float64
	entry         float64
	entryBar      int
	entryFee      float64
	equityAtEntry float64
	stop          float64
	target        float64
}

type accumulator struct {
	initial        float64
	equity         float64
	peak           float64
	maxDrawdownPct float64

	trades      int
	wins        int
	grossProfit float64
	grossLoss   float64

	// Welford running moments of per-trade returns.
	meanRet float64
	m2Ret   float64
}

func simulate(c models.StrategyCandidate, s series, rules ruleSeries, cfg config.BacktestConfig) *accumulator {
	initial := cfg.InitialEquity
	if initial <= 0 {
		initial = defaultInitialEquity
	}
	acc := &accumulator{initial: initial, equity: initial, peak: initial}
	feeRate := cfg.FeeBps / 10000

	fraction := c.Risk.MaxPositionFraction
	if fraction <= 0 {
		fraction = defaultPositionFrac
	}
	fraction = math.Min(fraction, 1)
	leverage := math.Max(c.Risk.MaxLeverage, 1)

	var pos position
	n := s.len()
	for i := rules.warmup; i < n; i++ {
		exited := false
		if pos.open && i > pos.entryBar {
			if px, ok := pos.protectiveExit(s.open[i], s.high[i], s.low[i]); ok {
				acc.closePosition(&pos, px, feeRate)
				exited = true
			} else if rules.exitFires(c.Exit, i, pos.entryBar) {
				acc.closePosition(&pos, s.close[i], feeRate)
				exited = true
			}
		}

		if !pos.open && !exited && i < n-1 && acc.equity > 0 && rules.entryFires(i) {
			price := s.close[i]
			if price > 0 {
				notional := acc.equity * fraction * leverage
				pos = position{
					open:          true,
					dir:           float64(rules.side),
					qty:           notional / price,
					entry:         price,
					entryBar:      i,
					entryFee:      notional * feeRate,
					equityAtEntry: acc.equity,
				}
				pos.setProtection(c.Risk)
				acc.equity -= pos.entryFee
			}
		}

		mark := acc.equity
		if pos.open {
			mark += pos.dir * pos.qty * (s.close[i] - pos.entry)
		}
		acc.observe(mark)
	}
	if pos.open {
		acc.closePosition(&pos, s.close[n-1], feeRate)
	}
	return acc
}

func (p *position) setProtection(r models.RiskParams) {
	p.stop, p.target = 0, 0
	if r.StopLossPct > 0 {
		p.stop = p.entry * (1 - p.dir*r.StopLossPct/100)
	}
	if r.TakeProfitPct > 0 {
		p.target = p.entry * (1 + p.dir*r.TakeProfitPct/100)
	}
}

// protectiveExit checks stop then target against the bar's range. A bar that opens
// beyond a level fills at the open.
func (p *position) protectiveExit(open, high, low float64) (float64, bool) {
	if p.dir > 0 {
		if p.stop > 0 && low <= p.stop {
			return math.Min(open, p.stop), true
		}
		if p.target > 0 && high >= p.target {
			return math.Max(open, p.target), true
		}
		return 0, false
	}
	if p.stop > 0 && high >= p.stop {
		return math.Max(open, p.stop), true
	}
	if p.target > 0 && low <= p.target {
		return math.Min(open, p.target), true
	}
	return 0, false
}

func (a *accumulator) closePosition(p *position, price, feeRate float64) {
	gross := p.dir * p.qty * (price - p.entry)
	exitFee := p.qty * price * feeRate
	pnl := gross - p.entryFee - exitFee
	a.equity += gross - exitFee

	ret := 0.0
	if p.equityAtEntry > 0 {
		ret = pnl / p.equityAtEntry
	}
	a.trades++
	delta := ret - a.meanRet
	a.meanRet += delta / float64(a.trades)
	a.m2Ret += delta * (ret - a.meanRet)

	switch {
	case pnl > 0:
		a.wins++
		a.grossProfit += pnl
	case pnl < 0:
		a.grossLoss -= pnl
	}
	*p = position{}
	a.observe(a.equity)
}

func (a *accumulator) observe(equity float64) {
	if equity > a.peak {
		a.peak = equity
	}
	if a.peak > 0 {
		if dd := (a.peak - equity) / a.peak * 100; dd > a.maxDrawdownPct {
			a.maxDrawdownPct = dd
		}
	}
}

// sharpe annualises the per-trade Sharpe ratio by how many trades the strategy would
// take in a year at the observed rate.
func (a *accumulator) sharpe(barsPerYear float64, evaluatedBars int) float64 {
	if a.trades < 2 || evaluatedBars <= 0 {
		return 0
	}
	std := math.Sqrt(a.m2Ret / float64(a.trades-1))
	if std == 0 {
		return 0
	}
	tradesPerYear := float64(a.trades) * barsPerYear / float64(evaluatedBars)
	return a.meanRet / std * math.Sqrt(tradesPerYear)
}

func profitFactor(profit, loss, capValue float64) float64 {
	if capValue <= 0 {
		capValue = defaultProfitFactorCap
	}
	if loss == 0 {
		if profit > 0 {
			return capValue
		}
		return 0
	}
	return math.Min(profit/loss, capValue)
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
