package models

type StrategyType string

const (
	StrategyTrendFollowing StrategyType = "TREND_FOLLOWING"
	StrategyMeanReversion  StrategyType = "MEAN_REVERSION"
	StrategyMarketMaking   StrategyType = "MARKET_MAKING"
	StrategyArbitrage      StrategyType = "ARBITRAGE"
	StrategyAIPrediction   StrategyType = "AI_PREDICTION"
)

const (
	EntryMACross  = "ma_cross"
	EntryRSI      = "rsi_threshold"
	EntryBreakout = "breakout"
)

const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

const (
	MovingAvgSMA = "sma"
	MovingAvgEMA = "ema"
)

// EntryRule describes when a flat simulated book opens a position.
//
//	ma_cross:      fast MA above slow MA (LONG) or below (SHORT)
//	rsi_threshold: RSI below RSILow (LONG) or above RSIHigh (SHORT)
//	breakout:      close beyond the prior Lookback bars' extreme high (LONG) or low (SHORT)
type EntryRule struct {
	Kind       string  `json:"kind"`
	Side       string  `json:"side"`
	MAType     string  `json:"ma_type,omitempty"`
	FastPeriod int     `json:"fast_period,omitempty"`
	SlowPeriod int     `json:"slow_period,omitempty"`
	RSIPeriod  int     `json:"rsi_period,omitempty"`
	RSILow     float64 `json:"rsi_low,omitempty"`
	RSIHigh    float64 `json:"rsi_high,omitempty"`
	Lookback   int     `json:"lookback,omitempty"`
}

type ExitRule struct {
	// OnOpposite closes when the entry condition flips to the other side.
	OnOpposite bool `json:"on_opposite"`
	// RSIExit closes a LONG once RSI reaches it and a SHORT once RSI falls to 100-RSIExit.
	RSIExit        float64 `json:"rsi_exit,omitempty"`
	MaxHoldingBars int     `json:"max_holding_bars,omitempty"`
}

// RiskParams are the candidate's declared risk limits; percentages are in percent units (2 = 2%).
type RiskParams struct {
	MaxPositionFraction float64 `json:"max_position_fraction"`
	StopLossPct         float64 `json:"stop_loss_pct"`
	TakeProfitPct       float64 `json:"take_profit_pct"`
	MaxLeverage         float64 `json:"max_leverage"`
}

type StrategyCandidate struct {
	Name       string       `json:"name"`
	Type       StrategyType `json:"type"`
	Entry      EntryRule    `json:"entry"`
	Exit       ExitRule     `json:"exit"`
	Risk       RiskParams   `json:"risk"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale,omitempty"`
	Source     string       `json:"source,omitempty"`
}

func (c StrategyCandidate) IsShort() bool {
	return c.Entry.Side == SideShort
}

// Selection is the scorer's winner.
type Selection struct {
	Candidate StrategyCandidate `json:"candidate"`
	Result    BacktestResult    `json:"result"`
	Score     float64           `json:"score"`
	Index     int               `json:"index"`
}
