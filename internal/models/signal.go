package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the other side of the book.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// TradingSignal is built by the risk gate and consumed once by the execution gateway.
type TradingSignal struct {
	ClientOrderID  string           `json:"client_order_id"`
	CycleID        string           `json:"cycle_id"`
	Symbol         string           `json:"symbol"`
	Direction      Direction        `json:"direction"`
	Size           decimal.Decimal  `json:"size"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	ReferencePrice decimal.Decimal  `json:"reference_price"`
	Leverage       decimal.Decimal  `json:"leverage"`
	StrategyName   string           `json:"strategy_name"`
	Confidence     float64          `json:"confidence"`
	Approved       bool             `json:"approved"`
	Assessment     RiskAssessment   `json:"assessment"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Notional is size times reference price.
func (s TradingSignal) Notional() decimal.Decimal {
	return s.Size.Mul(s.ReferencePrice)
}

type RiskAssessment struct {
	Approved       bool            `json:"approved"`
	SuggestedSize  decimal.Decimal `json:"suggested_size"`
	RiskScore      float64         `json:"risk_score"`
	Warnings       []string        `json:"warnings"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	Leverage       decimal.Decimal `json:"leverage"`
	Notional       decimal.Decimal `json:"notional"`
	MarginFraction float64         `json:"margin_fraction"`
	ExpectedMove   float64         `json:"expected_move_pct"`
}
