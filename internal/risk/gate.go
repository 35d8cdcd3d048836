// Package risk turns a selected strategy into a sized trading signal, or refuses it.
package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/config"
	"tradepipeline/internal/metrics"
	"tradepipeline/internal/models"
)

// Rejection reasons, in the order they are reported.
const (
	WarnPortfolioHeat = "portfolio heat limit"
	WarnMaxPositions  = "max positions reached"
	WarnCorrelated    = "correlated opposite position"
	WarnCooldown      = "cooldown active"
	WarnDailyLoss     = "daily loss limit"
	WarnExpectedMove  = "expected move below minimum"
	WarnSizeBelowLot  = "size below lot"
	WarnNoPrice       = "no price"
)

type Gate struct {
	Config   config.RiskConfig
	Breakers *breaker.Registry
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewGate(cfg config.RiskConfig, breakers *breaker.Registry, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers != nil && cfg.RiskCeilingCycles > 0 {
		s := breakers.Defaults()
		s.FailureThreshold = cfg.RiskCeilingCycles
		breakers.Register(breaker.RiskCeiling, s)
	}
	return &Gate{Config: cfg, Breakers: breakers, Logger: logger, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Evaluate sizes the candidate against the portfolio and runs every hard gate. The
// signal is returned even when rejected so the cycle trace shows what was refused.
func (g *Gate) Evaluate(c models.StrategyCandidate, snap models.MarketSnapshot, pf models.Portfolio) (models.TradingSignal, models.RiskAssessment) {
	cfg := g.Config
	now := g.now()
	dir := models.DirectionBuy
	if c.IsShort() {
		dir = models.DirectionSell
	}
	price := decimal.NewFromFloat(snap.LastPrice())
	hasPrice := snap.LastPrice() > 0 && !math.IsInf(snap.LastPrice(), 0)

	sz := computeSize(cfg, snap.Symbol, c, pf.AvailableBalance, price)
	stop, target, slPct, tpPct := protectiveLevels(cfg, c, dir, price)
	move := expectedMovePct(c.Confidence, tpPct, slPct)

	total := pf.TotalValue
	existing := pf.TotalNotional()
	warnings := make([]string, 0, 4)

	// Heat is bounded on both exposure at mark and committed margin; a position whose
	// mark fell still holds its entry margin.
	heatCap := total.Mul(decimal.NewFromFloat(cfg.MaxPortfolioHeatPct))
	newMargin := sz.Notional.Div(sz.Leverage)
	if existing.Add(sz.Notional).GreaterThan(heatCap) || committedMargin(pf).Add(newMargin).GreaterThan(heatCap) {
		warnings = append(warnings, WarnPortfolioHeat)
	}
	if cfg.MaxPositions > 0 && pf.OpenPositions() >= cfg.MaxPositions {
		warnings = append(warnings, WarnMaxPositions)
	}
	if g.hasCorrelatedOpposite(snap.Symbol, dir, pf) {
		warnings = append(warnings, WarnCorrelated)
	}
	if at, ok := pf.LastLossAt[snap.Symbol]; ok && cfg.CooldownMinutes > 0 {
		if now.Sub(at) < time.Duration(cfg.CooldownMinutes)*time.Minute {
			warnings = append(warnings, WarnCooldown)
		}
	}
	lossCap := total.Mul(decimal.NewFromFloat(cfg.MaxDailyLossPct)).Neg()
	if cfg.MaxDailyLossPct > 0 && pf.DailyRealizedPnL.LessThanOrEqual(lossCap) {
		warnings = append(warnings, WarnDailyLoss)
	}
	if move < cfg.MinExpectedMovePct {
		warnings = append(warnings, WarnExpectedMove)
	}
	if hasPrice && sz.Size.LessThan(sz.Lot) {
		warnings = append(warnings, WarnSizeBelowLot)
	}
	if !hasPrice {
		warnings = append(warnings, WarnNoPrice)
	}

	assessment := models.RiskAssessment{
		Approved:       len(warnings) == 0,
		SuggestedSize:  sz.Size,
		RiskScore:      riskScore(cfg, c.Confidence, sz, existing, total, pf.DailyRealizedPnL),
		Warnings:       warnings,
		StopLoss:       stop,
		TakeProfit:     target,
		Leverage:       sz.Leverage,
		Notional:       sz.Notional,
		MarginFraction: sz.Fraction,
		ExpectedMove:   move,
	}
	signal := models.TradingSignal{
		ClientOrderID:  uuid.NewString(),
		Symbol:         snap.Symbol,
		Direction:      dir,
		Size:           sz.Size,
		ReferencePrice: price,
		Leverage:       sz.Leverage,
		StrategyName:   c.Name,
		Confidence:     c.Confidence,
		Approved:       assessment.Approved,
		Assessment:     assessment,
		CreatedAt:      now,
	}
	metrics.SetRiskScore(snap.Symbol, assessment.RiskScore)

	if !assessment.Approved {
		g.Logger.Info("risk: rejected",
			zap.String("symbol", snap.Symbol),
			zap.String("strategy", c.Name),
			zap.Strings("warnings", warnings),
			zap.String("notional", sz.Notional.StringFixed(2)),
			zap.String("existing", existing.StringFixed(2)),
		)
	} else {
		g.Logger.Debug("risk: approved",
			zap.String("symbol", snap.Symbol),
			zap.String("strategy", c.Name),
			zap.String("size", sz.Size.String()),
			zap.Float64("risk_score", assessment.RiskScore),
		)
	}
	return signal, assessment
}

// CheckCeiling feeds an approved signal's risk score into the risk_ceiling breaker.
// It returns a *breaker.CircuitOpenError when execution must be skipped.
func (g *Gate) CheckCeiling(score float64) error {
	if g.Breakers == nil || g.Config.RiskScoreCeiling <= 0 {
		return nil
	}
	b := g.Breakers.Get(breaker.RiskCeiling)
	if err := b.Allow(); err != nil {
		return err
	}
	if score <= g.Config.RiskScoreCeiling {
		b.Success()
		return nil
	}
	b.Failure(fmt.Sprintf("risk score %.1f above ceiling %.1f", score, g.Config.RiskScoreCeiling))
	if b.IsOpen() {
		return &breaker.CircuitOpenError{Name: breaker.RiskCeiling, RetryAfter: b.State().NextRetryAt}
	}
	return nil
}

// committedMargin is the venue's used margin, or the sum over open positions when the
// venue did not report one.
func committedMargin(pf models.Portfolio) decimal.Decimal {
	if pf.UsedMargin.IsPositive() {
		return pf.UsedMargin
	}
	sum := decimal.Zero
	for _, p := range pf.Positions {
		sum = sum.Add(p.Margin())
	}
	return sum
}

func (g *Gate) hasCorrelatedOpposite(symbol string, dir models.Direction, pf models.Portfolio) bool {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	related := map[string]struct{}{key: {}}
	for _, group := range g.Config.CorrelationGroups {
		if !containsFold(group, key) {
			continue
		}
		for _, s := range group {
			related[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
		}
	}
	for _, p := range pf.Positions {
		if p.Size.IsZero() || p.Side != dir.Opposite() {
			continue
		}
		if _, ok := related[strings.ToUpper(strings.TrimSpace(p.Symbol))]; ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, it := range list {
		if strings.EqualFold(strings.TrimSpace(it), s) {
			return true
		}
	}
	return false
}
