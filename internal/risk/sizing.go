package risk

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
)

type sizing struct {
	Fraction float64
	Margin   decimal.Decimal
	Leverage decimal.Decimal
	Notional decimal.Decimal
	Size     decimal.Decimal
	Lot      decimal.Decimal
}

// marginFraction maps confidence onto the configured fraction band.
func marginFraction(cfg config.RiskConfig, confidence float64) float64 {
	f := cfg.BaseMarginFraction + confidence*cfg.ConfidenceSpread
	lo, hi := cfg.MinMarginFraction, cfg.MaxMarginFraction
	if hi <= 0 {
		hi = 1
	}
	return math.Max(lo, math.Min(hi, f))
}

func leverageFor(cfg config.RiskConfig, requested float64) float64 {
	maxLev := cfg.MaxLeverage
	if maxLev < 1 {
		maxLev = 1
	}
	return math.Max(1, math.Min(requested, maxLev))
}

func lotFor(cfg config.RiskConfig, symbol string) decimal.Decimal {
	if v, ok := cfg.LotSizes[symbol]; ok && v > 0 {
		return decimal.NewFromFloat(v)
	}
	// viper lowercases map keys read from yaml
	if v, ok := cfg.LotSizes[strings.ToLower(symbol)]; ok && v > 0 {
		return decimal.NewFromFloat(v)
	}
	if cfg.DefaultLotSize > 0 {
		return decimal.NewFromFloat(cfg.DefaultLotSize)
	}
	return decimal.NewFromFloat(0.001)
}

// computeSize sizes a new position from the available balance. The result never
// exceeds available * max fraction * max leverage at the given price.
func computeSize(cfg config.RiskConfig, symbol string, c models.StrategyCandidate, available, price decimal.Decimal) sizing {
	s := sizing{
		Fraction: marginFraction(cfg, c.Confidence),
		Leverage: decimal.NewFromFloat(leverageFor(cfg, c.Risk.MaxLeverage)),
		Lot:      lotFor(cfg, symbol),
	}
	if available.IsNegative() {
		available = decimal.Zero
	}
	s.Margin = available.Mul(decimal.NewFromFloat(s.Fraction))
	s.Notional = s.Margin.Mul(s.Leverage)
	if price.LessThanOrEqual(decimal.Zero) {
		return s
	}
	s.Size = floorToLot(s.Notional.Div(price), s.Lot)
	s.Notional = s.Size.Mul(price)
	return s
}

func floorToLot(qty, lot decimal.Decimal) decimal.Decimal {
	if lot.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}

// protectiveLevels clamps the candidate's stop and target percentages into the
// configured band and places them around price for the given direction.
func protectiveLevels(cfg config.RiskConfig, c models.StrategyCandidate, dir models.Direction, price decimal.Decimal) (stop, target decimal.Decimal, slPct, tpPct float64) {
	slPct = clampBand(c.Risk.StopLossPct, cfg.StopLossMinPct, cfg.StopLossMaxPct)
	tpPct = clampBand(c.Risk.TakeProfitPct, cfg.TakeProfitMinPct, cfg.TakeProfitMaxPct)
	hundred := decimal.NewFromInt(100)
	sl := decimal.NewFromFloat(slPct).Div(hundred)
	tp := decimal.NewFromFloat(tpPct).Div(hundred)
	one := decimal.NewFromInt(1)
	if dir == models.DirectionSell {
		return price.Mul(one.Add(sl)), price.Mul(one.Sub(tp)), slPct, tpPct
	}
	return price.Mul(one.Sub(sl)), price.Mul(one.Add(tp)), slPct, tpPct
}

func clampBand(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = lo
	}
	if hi > 0 {
		v = math.Min(v, hi)
	}
	return math.Max(v, lo)
}

// expectedMovePct is the confidence-weighted payoff in percent.
func expectedMovePct(confidence, tpPct, slPct float64) float64 {
	return confidence*tpPct - (1-confidence)*slPct
}
