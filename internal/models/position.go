package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Direction       `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Leverage      decimal.Decimal `json:"leverage"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// Notional values the position at the mark price, falling back to entry.
func (p Position) Notional() decimal.Decimal {
	price := p.MarkPrice
	if price.LessThanOrEqual(decimal.Zero) {
		price = p.EntryPrice
	}
	return p.Size.Abs().Mul(price)
}

// Margin is the collateral the position ties up.
func (p Position) Margin() decimal.Decimal {
	lev := p.Leverage
	if lev.LessThanOrEqual(decimal.Zero) {
		lev = decimal.NewFromInt(1)
	}
	return p.Size.Abs().Mul(p.EntryPrice).Div(lev)
}
