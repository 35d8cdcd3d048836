package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Portfolio struct {
	TotalValue       decimal.Decimal      `json:"total_value"`
	AvailableBalance decimal.Decimal      `json:"available_balance"`
	UsedMargin       decimal.Decimal      `json:"used_margin"`
	DailyRealizedPnL decimal.Decimal      `json:"daily_realized_pnl"`
	Positions        []Position           `json:"positions"`
	LastLossAt       map[string]time.Time `json:"last_loss_at,omitempty"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func (p Portfolio) Clone() Portfolio {
	out := p
	out.Positions = append([]Position(nil), p.Positions...)
	if p.LastLossAt != nil {
		out.LastLossAt = make(map[string]time.Time, len(p.LastLossAt))
		for k, v := range p.LastLossAt {
			out.LastLossAt[k] = v
		}
	}
	return out
}

func (p Portfolio) TotalNotional() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.Notional())
	}
	return total
}

// PositionFor returns the open position on symbol, if any.
func (p Portfolio) PositionFor(symbol string) (Position, bool) {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol && !pos.Size.IsZero() {
			return pos, true
		}
	}
	return Position{}, false
}

func (p Portfolio) OpenPositions() int {
	n := 0
	for _, pos := range p.Positions {
		if !pos.Size.IsZero() {
			n++
		}
	}
	return n
}

// ApplyFill books a fill against the portfolio. Opposite-side fills reduce the open
// position first and any remainder opens a new one. It returns the realized PnL.
func (p *Portfolio) ApplyFill(symbol string, side Direction, size, price, leverage decimal.Decimal, at time.Time) decimal.Decimal {
	realized := decimal.Zero
	if size.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return realized
	}
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}

	idx := -1
	for i, pos := range p.Positions {
		if pos.Symbol == symbol && !pos.Size.IsZero() {
			idx = i
			break
		}
	}

	remaining := size
	if idx >= 0 && p.Positions[idx].Side != side {
		pos := &p.Positions[idx]
		closeQty := decimal.Min(remaining, pos.Size)
		sign := decimal.NewFromInt(1)
		if pos.Side == DirectionSell {
			sign = sign.Neg()
		}
		realized = closeQty.Mul(price.Sub(pos.EntryPrice)).Mul(sign)
		posLev := pos.Leverage
		if posLev.LessThan(decimal.NewFromInt(1)) {
			posLev = decimal.NewFromInt(1)
		}
		released := closeQty.Mul(pos.EntryPrice).Div(posLev)

		p.AvailableBalance = p.AvailableBalance.Add(released).Add(realized)
		p.UsedMargin = p.UsedMargin.Sub(released)
		p.TotalValue = p.TotalValue.Add(realized)
		p.DailyRealizedPnL = p.DailyRealizedPnL.Add(realized)
		if realized.IsNegative() {
			if p.LastLossAt == nil {
				p.LastLossAt = map[string]time.Time{}
			}
			p.LastLossAt[symbol] = at
		}

		pos.Size = pos.Size.Sub(closeQty)
		pos.MarkPrice = price
		remaining = remaining.Sub(closeQty)
		if pos.Size.IsZero() {
			p.Positions = append(p.Positions[:idx], p.Positions[idx+1:]...)
			idx = -1
		}
	}

	if remaining.GreaterThan(decimal.Zero) {
		margin := remaining.Mul(price).Div(leverage)
		p.AvailableBalance = p.AvailableBalance.Sub(margin)
		p.UsedMargin = p.UsedMargin.Add(margin)
		if idx >= 0 {
			pos := &p.Positions[idx]
			newSize := pos.Size.Add(remaining)
			pos.EntryPrice = pos.Size.Mul(pos.EntryPrice).Add(remaining.Mul(price)).Div(newSize)
			pos.Size = newSize
			pos.MarkPrice = price
		} else {
			p.Positions = append(p.Positions, Position{
				Symbol:     symbol,
				Side:       side,
				Size:       remaining,
				EntryPrice: price,
				MarkPrice:  price,
				Leverage:   leverage,
				OpenedAt:   at,
			})
		}
	}
	p.UpdatedAt = at
	return realized
}
