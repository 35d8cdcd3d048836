package config

import (
	"testing"
)

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Pipeline.Backtest.MinCandles != 30 {
		t.Fatalf("min_candles=%d want=30", cfg.Pipeline.Backtest.MinCandles)
	}
	if cfg.Pipeline.Risk.MaxPortfolioHeatPct != 0.30 {
		t.Fatalf("max_portfolio_heat_pct=%v want=0.30", cfg.Pipeline.Risk.MaxPortfolioHeatPct)
	}
	if cfg.Pipeline.Cycle.Interval().Seconds() != 60 {
		t.Fatalf("interval=%s want=60s", cfg.Pipeline.Cycle.Interval())
	}
	if cfg.Pipeline.Execution.IdempotencyWindow().Minutes() != 10 {
		t.Fatalf("idempotency window=%s want=10m", cfg.Pipeline.Execution.IdempotencyWindow())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TP_PIPELINE_RISK_MAX_POSITIONS", "7")
	t.Setenv("TP_PIPELINE_CYCLE_SYMBOLS", "ETH-USDT,SOL-USDT")
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Pipeline.Risk.MaxPositions != 7 {
		t.Fatalf("max_positions=%d want=7", cfg.Pipeline.Risk.MaxPositions)
	}
	if len(cfg.Pipeline.Cycle.Symbols) != 2 || cfg.Pipeline.Cycle.Symbols[1] != "SOL-USDT" {
		t.Fatalf("symbols=%v want=[ETH-USDT SOL-USDT]", cfg.Pipeline.Cycle.Symbols)
	}
}

func TestValidate_RejectsBadHeatAndPolicy(t *testing.T) {
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	cfg.Pipeline.Risk.MaxPortfolioHeatPct = 1.5
	cfg.Pipeline.Execution.OverfillPolicy = "absorb"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("validate err=nil want error")
	}
}
