package models

type BacktestResult struct {
	Candidate      StrategyCandidate `json:"candidate"`
	TotalReturnPct float64           `json:"total_return_pct"`
	Sharpe         float64           `json:"sharpe"`
	WinRatePct     float64           `json:"win_rate_pct"`
	MaxDrawdownPct float64           `json:"max_drawdown_pct"`
	Trades         int               `json:"trades"`
	ProfitFactor   float64           `json:"profit_factor"`
	// Confidence is zero when the run had too little history to mean anything.
	Confidence float64 `json:"confidence"`
	Discarded  bool    `json:"discarded"`
	Reason     string  `json:"reason,omitempty"`
	Bars       int     `json:"bars"`
}
