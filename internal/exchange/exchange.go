// Package exchange defines the trading venue boundary and its adapters: a signed REST
// client for live trading and an in-memory paper venue for dry runs.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/models"
)

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Ack statuses reported by venues.
const (
	AckFilled    = "filled"
	AckPartial   = "partial"
	AckAccepted  = "accepted"
	AckRejected  = "rejected"
	AckCancelled = "cancelled"
)

type OrderSpec struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          models.Direction `json:"side"`
	Type          string           `json:"type"`
	Size          decimal.Decimal  `json:"size"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	Leverage      decimal.Decimal  `json:"leverage"`
}

type OrderAck struct {
	ExchangeOrderID string
	Status          string
	FilledSize      decimal.Decimal
	AvgPrice        decimal.Decimal
	Reason          string
}

type Client interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetAccountState(ctx context.Context) (models.Portfolio, error)
}

// CandleSource serves OHLCV history, oldest first.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
}
