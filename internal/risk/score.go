package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
)

// riskScore blends four 0-100 components: concentration 30%, size 20%, daily loss 30%
// and lack of confidence 20%.
func riskScore(cfg config.RiskConfig, confidence float64, sz sizing, existing, total, dailyPnL decimal.Decimal) float64 {
	totalF := total.InexactFloat64()
	if totalF <= 0 {
		return 100
	}

	concentration := 100.0
	if heat := cfg.MaxPortfolioHeatPct * totalF; heat > 0 {
		concentration = (existing.Add(sz.Notional).InexactFloat64()) / heat * 100
	}

	size := 100.0
	if cfg.MaxMarginFraction > 0 {
		size = sz.Fraction / cfg.MaxMarginFraction * 100
	}

	daily := 0.0
	if pnl := dailyPnL.InexactFloat64(); pnl < 0 {
		daily = 100
		if limit := cfg.MaxDailyLossPct * totalF; limit > 0 {
			daily = -pnl / limit * 100
		}
	}

	doubt := (1 - math.Max(0, math.Min(1, confidence))) * 100

	return 0.30*pct(concentration) + 0.20*pct(size) + 0.30*pct(daily) + 0.20*pct(doubt)
}

func pct(v float64) float64 {
	if math.IsNaN(v) {
		return 100
	}
	return math.Max(0, math.Min(100, v))
}
