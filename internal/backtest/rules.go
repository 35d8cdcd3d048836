package backtest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"tradepipeline/internal/indicator"
	"tradepipeline/internal/models"
)

const defaultExitRSIPeriod = 14

var errInvalidRule = errors.New("invalid rule")

// ruleSeries is a candidate's rules evaluated over the whole series up front.
// state[i] is +1 when the entry condition reads long at bar i, -1 when it reads short.
type ruleSeries struct {
	warmup int
	side   int8
	state  []int8
	rsi    []float64
}

func compileRules(c models.StrategyCandidate, s series) (ruleSeries, error) {
	r := ruleSeries{side: 1}
	switch strings.ToUpper(strings.TrimSpace(c.Entry.Side)) {
	case "", models.SideLong:
	case models.SideShort:
		r.side = -1
	default:
		return r, fmt.Errorf("%w: side %q", errInvalidRule, c.Entry.Side)
	}

	n := s.len()
	r.state = make([]int8, n)
	e := c.Entry
	switch strings.ToLower(strings.TrimSpace(e.Kind)) {
	case models.EntryMACross:
		if e.FastPeriod <= 0 || e.SlowPeriod <= e.FastPeriod {
			return r, fmt.Errorf("%w: ma periods %d/%d", errInvalidRule, e.FastPeriod, e.SlowPeriod)
		}
		avg := indicator.SMA
		if strings.EqualFold(e.MAType, models.MovingAvgEMA) {
			avg = indicator.EMA
		}
		fast := avg(s.close, e.FastPeriod)
		slow := avg(s.close, e.SlowPeriod)
		for i := range r.state {
			switch {
			case fast[i] > slow[i]:
				r.state[i] = 1
			case fast[i] < slow[i]:
				r.state[i] = -1
			}
		}
		r.warmup = e.SlowPeriod - 1
	case models.EntryRSI:
		if e.RSIPeriod <= 1 || e.RSILow <= 0 || e.RSIHigh >= 100 || e.RSILow >= e.RSIHigh {
			return r, fmt.Errorf("%w: rsi %d %.1f/%.1f", errInvalidRule, e.RSIPeriod, e.RSILow, e.RSIHigh)
		}
		rsi := indicator.RSI(s.close, e.RSIPeriod)
		for i := range r.state {
			switch {
			case rsi[i] < e.RSILow:
				r.state[i] = 1
			case rsi[i] > e.RSIHigh:
				r.state[i] = -1
			}
		}
		r.warmup = e.RSIPeriod
		r.rsi = rsi
	case models.EntryBreakout:
		if e.Lookback <= 0 {
			return r, fmt.Errorf("%w: lookback %d", errInvalidRule, e.Lookback)
		}
		hi := indicator.PriorHighest(s.high, e.Lookback)
		lo := indicator.PriorLowest(s.low, e.Lookback)
		for i := range r.state {
			switch {
			case s.close[i] > hi[i]:
				r.state[i] = 1
			case s.close[i] < lo[i]:
				r.state[i] = -1
			}
		}
		r.warmup = e.Lookback
	default:
		return r, fmt.Errorf("%w: entry kind %q", errInvalidRule, e.Kind)
	}
	if r.warmup < 1 {
		r.warmup = 1
	}

	if c.Exit.RSIExit > 0 && r.rsi == nil {
		period := e.RSIPeriod
		if period <= 1 {
			period = defaultExitRSIPeriod
		}
		r.rsi = indicator.RSI(s.close, period)
	}
	return r, nil
}

func (r ruleSeries) entryFires(i int) bool {
	return r.state[i] == r.side
}

// exitFires evaluates the candidate's exit rule at the close of bar i.
func (r ruleSeries) exitFires(x models.ExitRule, i, entryBar int) bool {
	if x.OnOpposite && r.state[i] == -r.side {
		return true
	}
	if x.MaxHoldingBars > 0 && i-entryBar >= x.MaxHoldingBars {
		return true
	}
	if x.RSIExit > 0 && r.rsi != nil && !math.IsNaN(r.rsi[i]) {
		if r.side > 0 && r.rsi[i] >= x.RSIExit {
			return true
		}
		if r.side < 0 && r.rsi[i] <= 100-x.RSIExit {
			return true
		}
	}
	return false
}
