package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
	"tradepipeline/internal/strategy"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		BaseMarginFraction:  0.25,
		ConfidenceSpread:    0,
		MinMarginFraction:   0.01,
		MaxMarginFraction:   0.5,
		MaxLeverage:         3,
		MaxPortfolioHeatPct: 0.30,
		MaxPositions:        5,
		MaxDailyLossPct:     0.05,
		CooldownMinutes:     30,
		MinExpectedMovePct:  0.3,
		DefaultLotSize:      0.001,
		StopLossMinPct:      0.5,
		StopLossMaxPct:      10,
		TakeProfitMinPct:    1,
		TakeProfitMaxPct:    30,
		RiskScoreCeiling:    80,
	}
}

func testGate(cfg config.RiskConfig) *Gate {
	g := NewGate(cfg, nil, nil)
	g.Now = func() time.Time { return testNow }
	return g
}

func longCandidate() models.StrategyCandidate {
	return models.StrategyCandidate{
		Name:       "trend",
		Entry:      models.EntryRule{Kind: models.EntryMACross, Side: models.SideLong, FastPeriod: 5, SlowPeriod: 20},
		Risk:       models.RiskParams{MaxPositionFraction: 0.5, StopLossPct: 2, TakeProfitPct: 4, MaxLeverage: 1},
		Confidence: 0.6,
	}
}

func snapshotAt(symbol string, price float64) models.MarketSnapshot {
	return models.MarketSnapshot{
		Symbol:  symbol,
		Candles: []models.Candle{{Time: testNow, Open: price, High: price, Low: price, Close: price}},
	}
}

func portfolio(total, available int64, positions ...models.Position) models.Portfolio {
	return models.Portfolio{
		TotalValue:       decimal.NewFromInt(total),
		AvailableBalance: decimal.NewFromInt(available),
		Positions:        positions,
	}
}

func buyPosition(symbol string, size, price int64) models.Position {
	return models.Position{
		Symbol:     symbol,
		Side:       models.DirectionBuy,
		Size:       decimal.NewFromInt(size),
		EntryPrice: decimal.NewFromInt(price),
		Leverage:   decimal.NewFromInt(1),
	}
}

func assertWarnings(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("warnings=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("warnings=%v want=%v", got, want)
		}
	}
}

func TestEvaluate_ApprovedSizing(t *testing.T) {
	g := testGate(testRiskConfig())
	sig, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), portfolio(10000, 2000))
	if !a.Approved || !sig.Approved {
		t.Fatalf("approved=false warnings=%v", a.Warnings)
	}
	if !sig.Size.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("size=%s want=5", sig.Size)
	}
	if !a.Notional.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("notional=%s want=500", a.Notional)
	}
	if !a.StopLoss.Equal(decimal.NewFromInt(98)) || !a.TakeProfit.Equal(decimal.NewFromInt(104)) {
		t.Fatalf("stop=%s target=%s want=98/104", a.StopLoss, a.TakeProfit)
	}
	if sig.Direction != models.DirectionBuy || sig.ClientOrderID == "" {
		t.Fatalf("direction=%s id=%q", sig.Direction, sig.ClientOrderID)
	}
	if a.RiskScore < 0 || a.RiskScore > 100 {
		t.Fatalf("risk_score=%v outside [0,100]", a.RiskScore)
	}
}

func TestEvaluate_PortfolioHeatScenario(t *testing.T) {
	g := testGate(testRiskConfig())
	// 2800 existing + 500 new exceeds 30% of 10000.
	pf := portfolio(10000, 2000, buyPosition("SOL-USDT", 28, 100))
	sig, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	if a.Approved || sig.Approved {
		t.Fatalf("approved=true want=false")
	}
	assertWarnings(t, a.Warnings, WarnPortfolioHeat)

	pf = portfolio(10000, 2000, buyPosition("SOL-USDT", 24, 100))
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	if !a.Approved {
		t.Fatalf("2400+500 should fit under 3000: %v", a.Warnings)
	}
}

func TestEvaluate_PortfolioHeatCountsCommittedMargin(t *testing.T) {
	cfg := testRiskConfig()
	cfg.BaseMarginFraction = 0.3
	cfg.MaxMarginFraction = 0.5
	g := testGate(cfg)

	// 10 @ 100 at 1x ties up 1000 of margin; the mark has halved to 50.
	held := buyPosition("SOL-USDT", 10, 100)
	held.MarkPrice = decimal.NewFromInt(50)
	pf := portfolio(10000, 8000, held)
	pf.UsedMargin = decimal.NewFromInt(1000)

	// 2400 new at 1x: 500 + 2400 at mark fits 3000, 1000 + 2400 of margin does not.
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	if !a.Notional.Equal(decimal.NewFromInt(2400)) {
		t.Fatalf("got=%s want=2400", a.Notional)
	}
	if a.Approved {
		t.Fatalf("got=approved want=rejected")
	}
	assertWarnings(t, a.Warnings, WarnPortfolioHeat)

	pf.UsedMargin = decimal.Zero
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	assertWarnings(t, a.Warnings, WarnPortfolioHeat)
}

func TestEvaluate_CooldownScenario(t *testing.T) {
	g := testGate(testRiskConfig())
	pf := portfolio(10000, 2000)
	pf.LastLossAt = map[string]time.Time{"BTC-USDT": testNow.Add(-10 * time.Minute)}
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	assertWarnings(t, a.Warnings, WarnCooldown)

	pf.LastLossAt["BTC-USDT"] = testNow.Add(-31 * time.Minute)
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	if !a.Approved {
		t.Fatalf("cooldown should have expired: %v", a.Warnings)
	}

	pf.LastLossAt = map[string]time.Time{"ETH-USDT": testNow}
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	if !a.Approved {
		t.Fatalf("loss on another symbol must not cool this one down: %v", a.Warnings)
	}
}

func TestEvaluate_DailyLossLimit(t *testing.T) {
	g := testGate(testRiskConfig())
	pf := portfolio(10000, 2000)
	pf.DailyRealizedPnL = decimal.NewFromInt(-500)
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	assertWarnings(t, a.Warnings, WarnDailyLoss)

	pf.DailyRealizedPnL = decimal.NewFromInt(-499)
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	if !a.Approved {
		t.Fatalf("approved=false warnings=%v", a.Warnings)
	}
}

func TestEvaluate_MaxPositions(t *testing.T) {
	g := testGate(testRiskConfig())
	var positions []models.Position
	for _, s := range []string{"A", "B", "C", "D", "E"} {
		positions = append(positions, buyPosition(s, 1, 10))
	}
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), portfolio(10000, 2000, positions...))
	assertWarnings(t, a.Warnings, WarnMaxPositions)
}

func TestEvaluate_CorrelatedOpposite(t *testing.T) {
	cfg := testRiskConfig()
	cfg.CorrelationGroups = [][]string{{"BTC-USDT", "ETH-USDT"}}
	g := testGate(cfg)

	short := buyPosition("ETH-USDT", 1, 100)
	short.Side = models.DirectionSell
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), portfolio(10000, 2000, short))
	assertWarnings(t, a.Warnings, WarnCorrelated)

	unrelated := short
	unrelated.Symbol = "XRP-USDT"
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), portfolio(10000, 2000, unrelated))
	if !a.Approved {
		t.Fatalf("unrelated short flagged: %v", a.Warnings)
	}

	sameSymbol := short
	sameSymbol.Symbol = "BTC-USDT"
	_, a = g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), portfolio(10000, 2000, sameSymbol))
	assertWarnings(t, a.Warnings, WarnCorrelated)
}

func TestEvaluate_ExpectedMoveBelowMinimum(t *testing.T) {
	g := testGate(testRiskConfig())
	c := longCandidate()
	c.Confidence = 0.1
	c.Risk.StopLossPct = 2
	c.Risk.TakeProfitPct = 1
	_, a := g.Evaluate(c, snapshotAt("BTC-USDT", 100), portfolio(10000, 2000))
	assertWarnings(t, a.Warnings, WarnExpectedMove)
	if a.ExpectedMove >= 0.3 {
		t.Fatalf("expected_move=%v want<0.3", a.ExpectedMove)
	}
}

func TestEvaluate_FallbackCandidatesClearExpectedMove(t *testing.T) {
	g := testGate(testRiskConfig())
	regimes := []models.Regime{models.RegimeTrendingUp, models.RegimeTrendingDown, models.RegimeRanging, models.RegimeHighVol, models.RegimeLowVol}
	for _, regime := range regimes {
		for _, c := range (strategy.FallbackProposer{}).Candidates(regime) {
			_, a := g.Evaluate(c, snapshotAt("BTC-USDT", 100), portfolio(10000, 2000))
			if a.ExpectedMove < 0.3 {
				t.Fatalf("%s %s: got=%v want>=0.3", regime, c.Name, a.ExpectedMove)
			}
			if !a.Approved {
				t.Fatalf("%s %s: warnings=%v", regime, c.Name, a.Warnings)
			}
		}
	}
}

func TestEvaluate_DataQualityGates(t *testing.T) {
	g := testGate(testRiskConfig())
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), portfolio(10000, 0))
	assertWarnings(t, a.Warnings, WarnSizeBelowLot)

	_, a = g.Evaluate(longCandidate(), models.MarketSnapshot{Symbol: "BTC-USDT"}, portfolio(10000, 2000))
	assertWarnings(t, a.Warnings, WarnNoPrice)
}

func TestEvaluate_WarningsKeepOrder(t *testing.T) {
	g := testGate(testRiskConfig())
	pf := portfolio(10000, 2000, buyPosition("SOL-USDT", 28, 100))
	pf.LastLossAt = map[string]time.Time{"BTC-USDT": testNow}
	pf.DailyRealizedPnL = decimal.NewFromInt(-1000)
	_, a := g.Evaluate(longCandidate(), snapshotAt("BTC-USDT", 100), pf)
	assertWarnings(t, a.Warnings, WarnPortfolioHeat, WarnCooldown, WarnDailyLoss)
}

func TestEvaluate_ShortProtectiveLevelsClamped(t *testing.T) {
	g := testGate(testRiskConfig())
	c := longCandidate()
	c.Entry.Side = models.SideShort
	c.Risk.StopLossPct = 50
	c.Risk.TakeProfitPct = 0
	sig, a := g.Evaluate(c, snapshotAt("BTC-USDT", 100), portfolio(10000, 2000))
	if sig.Direction != models.DirectionSell {
		t.Fatalf("direction=%s want=SELL", sig.Direction)
	}
	if !a.StopLoss.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("stop=%s want=110 (clamped to 10%%)", a.StopLoss)
	}
	if !a.TakeProfit.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("target=%s want=99 (raised to 1%%)", a.TakeProfit)
	}
}

func TestComputeSize_LotRoundingAndBound(t *testing.T) {
	cfg := testRiskConfig()
	cfg.LotSizes = map[string]float64{"BTC-USDT": 0.5}
	c := longCandidate()
	sz := computeSize(cfg, "BTC-USDT", c, decimal.NewFromInt(2000), decimal.NewFromInt(30))
	if !sz.Size.Equal(decimal.NewFromFloat(16.5)) {
		t.Fatalf("size=%s want=16.5", sz.Size)
	}

	available := decimal.NewFromInt(7777)
	price := decimal.NewFromFloat(123.45)
	bound := available.Mul(decimal.NewFromFloat(cfg.MaxMarginFraction)).Mul(decimal.NewFromFloat(cfg.MaxLeverage))
	for _, conf := range []float64{0, 0.3, 0.7, 1} {
		for _, lev := range []float64{0, 1, 2, 10} {
			cfg.ConfidenceSpread = 0.5
			c.Confidence = conf
			c.Risk.MaxLeverage = lev
			sz := computeSize(cfg, "ETH-USDT", c, available, price)
			if sz.Size.Mul(price).GreaterThan(bound) {
				t.Fatalf("conf=%v lev=%v notional=%s exceeds bound=%s", conf, lev, sz.Size.Mul(price), bound)
			}
			if sz.Leverage.GreaterThan(decimal.NewFromFloat(cfg.MaxLeverage)) || sz.Leverage.LessThan(decimal.NewFromInt(1)) {
				t.Fatalf("leverage=%s outside [1,%v]", sz.Leverage, cfg.MaxLeverage)
			}
		}
	}
}

func TestCheckCeiling_OpensAfterConsecutiveHighScores(t *testing.T) {
	cfg := testRiskConfig()
	cfg.RiskScoreCeiling = 50
	cfg.RiskCeilingCycles = 2
	reg := breaker.NewRegistry(config.BreakerConfig{FailureThreshold: 5, BaseTimeoutMs: 60000, MaxTimeoutMs: 60000}, nil)
	g := NewGate(cfg, reg, nil)

	if err := g.CheckCeiling(70); err != nil {
		t.Fatalf("first high score err=%v want=nil", err)
	}
	if err := g.CheckCeiling(70); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("second high score err=%v want=ErrOpen", err)
	}
	if err := g.CheckCeiling(10); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("open breaker err=%v want=ErrOpen", err)
	}
}

func TestCheckCeiling_NormalScoreResets(t *testing.T) {
	cfg := testRiskConfig()
	cfg.RiskScoreCeiling = 50
	cfg.RiskCeilingCycles = 2
	reg := breaker.NewRegistry(config.BreakerConfig{FailureThreshold: 5, BaseTimeoutMs: 60000, MaxTimeoutMs: 60000}, nil)
	g := NewGate(cfg, reg, nil)
	_ = g.CheckCeiling(70)
	_ = g.CheckCeiling(20)
	if err := g.CheckCeiling(70); err != nil {
		t.Fatalf("err=%v want=nil after a normal score reset the count", err)
	}
}
