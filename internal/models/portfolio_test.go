package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestApplyFill_OpenAddReduceFlip(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p := Portfolio{TotalValue: d(10000), AvailableBalance: d(10000)}

	p.ApplyFill("BTC", DirectionBuy, d(2), d(100), d(1), at)
	if !p.AvailableBalance.Equal(d(9800)) || !p.UsedMargin.Equal(d(200)) {
		t.Fatalf("available=%s used=%s want=9800/200", p.AvailableBalance, p.UsedMargin)
	}

	p.ApplyFill("BTC", DirectionBuy, d(2), d(110), d(1), at)
	pos, _ := p.PositionFor("BTC")
	if !pos.Size.Equal(d(4)) || !pos.EntryPrice.Equal(d(105)) {
		t.Fatalf("size=%s entry=%s want=4/105", pos.Size, pos.EntryPrice)
	}

	realized := p.ApplyFill("BTC", DirectionSell, d(1), d(95), d(1), at.Add(time.Minute))
	if !realized.Equal(d(-10)) {
		t.Fatalf("realized=%s want=-10", realized)
	}
	if !p.DailyRealizedPnL.Equal(d(-10)) || !p.TotalValue.Equal(d(9990)) {
		t.Fatalf("daily=%s total=%s want=-10/9990", p.DailyRealizedPnL, p.TotalValue)
	}
	if got := p.LastLossAt["BTC"]; !got.Equal(at.Add(time.Minute)) {
		t.Fatalf("last_loss_at=%s", got)
	}

	p.ApplyFill("BTC", DirectionSell, d(5), d(100), d(1), at)
	pos, ok := p.PositionFor("BTC")
	if !ok || pos.Side != DirectionSell || !pos.Size.Equal(d(2)) {
		t.Fatalf("position=%+v want SELL 2 after flip", pos)
	}
	if p.OpenPositions() != 1 {
		t.Fatalf("open=%d want=1", p.OpenPositions())
	}
}

func TestClone_Independent(t *testing.T) {
	p := Portfolio{Positions: []Position{{Symbol: "A", Size: d(1)}}, LastLossAt: map[string]time.Time{"A": {}}}
	c := p.Clone()
	c.Positions[0].Size = d(9)
	c.LastLossAt["B"] = time.Time{}
	if !p.Positions[0].Size.Equal(d(1)) || len(p.LastLossAt) != 1 {
		t.Fatalf("clone shares state with original")
	}
}
