package strategy

import (
	"math"

	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
)

// Scorer filters backtest results and ranks the survivors into a single selection.
type Scorer struct {
	Config config.ScorerConfig
}

func NewScorer(cfg config.ScorerConfig) *Scorer {
	return &Scorer{Config: cfg}
}

// Viable reports whether a result may compete. Discarded and zero-confidence results
// never do; the rest need any one of the sharpe, win rate or trade count floors.
func (s *Scorer) Viable(r models.BacktestResult) bool {
	if r.Discarded || r.Confidence <= 0 {
		return false
	}
	c := s.Config
	return r.Sharpe > c.MinSharpe || r.WinRatePct > c.MinWinRatePct || r.Trades >= c.MinTrades
}

func (s *Scorer) Score(r models.BacktestResult) float64 {
	c := s.Config
	ddFloor := c.DrawdownFloorPct
	if ddFloor <= 0 {
		ddFloor = 1
	}
	score := c.SharpeWeight*normalize(r.Sharpe, c.SharpeFloor, c.SharpeCeiling) +
		c.ReturnWeight*normalize(r.TotalReturnPct, c.ReturnFloorPct, c.ReturnCeilingPct) +
		c.WinRateWeight*clamp01(r.WinRatePct/100) +
		c.DrawdownWeight*math.Min(1, 1/math.Max(r.MaxDrawdownPct, ddFloor))

	switch {
	case r.TotalReturnPct > c.HighReturnPct:
		score += c.HighReturnBonus
	case r.TotalReturnPct > c.MidReturnPct:
		score += c.MidReturnBonus
	}
	return score
}

// Select returns the best viable result. Ties on score go to the lower drawdown and
// then to the earlier position in results.
func (s *Scorer) Select(results []models.BacktestResult) (models.Selection, bool) {
	best := models.Selection{Index: -1}
	for i, r := range results {
		if !s.Viable(r) {
			continue
		}
		score := s.Score(r)
		if math.IsNaN(score) {
			continue
		}
		if best.Index < 0 || better(score, r, best.Score, best.Result) {
			best = models.Selection{Candidate: r.Candidate, Result: r, Score: score, Index: i}
		}
	}
	if best.Index < 0 {
		return models.Selection{}, false
	}
	return best, true
}

func better(score float64, r models.BacktestResult, bestScore float64, bestResult models.BacktestResult) bool {
	if score != bestScore {
		return score > bestScore
	}
	return r.MaxDrawdownPct < bestResult.MaxDrawdownPct
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp01((v - lo) / (hi - lo))
}
