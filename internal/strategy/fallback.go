package strategy

import (
	"context"

	"tradepipeline/internal/models"
)

// FallbackProposer returns a fixed set of conservative candidates ordered by how well
// each suits the snapshot's regime. It never fails and never blocks. Every candidate's
// confidence*take_profit - (1-confidence)*stop_loss stays above the default minimum
// expected move of 0.30.
type FallbackProposer struct {
	MaxCandidates int
}

func (FallbackProposer) Name() string { return SourceFallback }

func (p FallbackProposer) Propose(_ context.Context, snap models.MarketSnapshot) ([]models.StrategyCandidate, error) {
	return p.Candidates(snap.Regime), nil
}

// Candidates is the deterministic list for a regime: two or three entries.
func (p FallbackProposer) Candidates(regime models.Regime) []models.StrategyCandidate {
	side := models.SideLong
	if regime == models.RegimeTrendingDown {
		side = models.SideShort
	}
	fraction := 0.10
	if regime == models.RegimeHighVol {
		fraction = 0.05
	}

	trend := models.StrategyCandidate{
		Name: "fallback_sma_trend",
		Type: models.StrategyTrendFollowing,
		Entry: models.EntryRule{
			Kind:       models.EntryMACross,
			Side:       side,
			MAType:     models.MovingAvgSMA,
			FastPeriod: 10,
			SlowPeriod: 30,
		},
		Exit:       models.ExitRule{OnOpposite: true, MaxHoldingBars: 48},
		Risk:       models.RiskParams{MaxPositionFraction: fraction, StopLossPct: 2, TakeProfitPct: 4, MaxLeverage: 1},
		Confidence: 0.40,
		Rationale:  "moving average trend follow",
	}
	reversion := models.StrategyCandidate{
		Name: "fallback_rsi_reversion",
		Type: models.StrategyMeanReversion,
		Entry: models.EntryRule{
			Kind:      models.EntryRSI,
			Side:      models.SideLong,
			RSIPeriod: 14,
			RSILow:    30,
			RSIHigh:   70,
		},
		Exit:       models.ExitRule{RSIExit: 55, MaxHoldingBars: 24},
		Risk:       models.RiskParams{MaxPositionFraction: fraction, StopLossPct: 1.5, TakeProfitPct: 3.5, MaxLeverage: 1},
		Confidence: 0.40,
		Rationale:  "oversold bounce",
	}
	breakout := models.StrategyCandidate{
		Name: "fallback_donchian_breakout",
		Type: models.StrategyTrendFollowing,
		Entry: models.EntryRule{
			Kind:     models.EntryBreakout,
			Side:     side,
			Lookback: 20,
		},
		Exit:       models.ExitRule{MaxHoldingBars: 20},
		Risk:       models.RiskParams{MaxPositionFraction: fraction, StopLossPct: 2, TakeProfitPct: 6, MaxLeverage: 1},
		Confidence: 0.35,
		Rationale:  "range breakout",
	}

	var ordered []models.StrategyCandidate
	switch regime {
	case models.RegimeTrendingUp, models.RegimeTrendingDown:
		ordered = []models.StrategyCandidate{trend, breakout, reversion}
	case models.RegimeHighVol:
		ordered = []models.StrategyCandidate{breakout, reversion, trend}
	default:
		ordered = []models.StrategyCandidate{reversion, trend, breakout}
	}

	limit := p.MaxCandidates
	if limit < 2 || limit > len(ordered) {
		limit = len(ordered)
	}
	return Normalize(ordered, limit, SourceFallback)
}
