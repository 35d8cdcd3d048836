package models

import "github.com/shopspring/decimal"

type ExecutionStatus string

const (
	ExecutionFilled   ExecutionStatus = "FILLED"
	ExecutionPartial  ExecutionStatus = "PARTIAL"
	ExecutionAccepted ExecutionStatus = "ACCEPTED"
	ExecutionRejected ExecutionStatus = "REJECTED"
	ExecutionFault    ExecutionStatus = "FAULT"
	ExecutionSkipped  ExecutionStatus = "SKIPPED"
)

type ExecutionResult struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	FilledSize      decimal.Decimal `json:"filled_size"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Attempts        int             `json:"attempts"`
	Overfill        bool            `json:"overfill"`
	Duplicate       bool            `json:"duplicate"`
	CircuitOpen     bool            `json:"circuit_open"`
	Reason          string          `json:"reason,omitempty"`
}

// Filled reports whether the exchange confirmed any quantity and it was applied.
func (r ExecutionResult) Filled() bool {
	return (r.Status == ExecutionFilled || r.Status == ExecutionPartial) && r.FilledSize.GreaterThan(decimal.Zero)
}
