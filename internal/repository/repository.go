package repository

import (
	"context"
	"encoding/json"
	"time"

	"tradepipeline/internal/models"
)

// TraceStore receives one record per finished cycle.
type TraceStore interface {
	AppendCycleTrace(ctx context.Context, item *models.CycleTraceRecord) error
}

// OrderLedger receives one row per attempted order.
type OrderLedger interface {
	AppendOrder(ctx context.Context, item *models.Order) error
}

type BreakerEventStore interface {
	AppendBreakerEvent(ctx context.Context, item *models.BreakerEvent) error
}

// Repository is the full persistence surface: the write-once stores the pipeline core
// depends on plus the read side used by the operator API and retention jobs.
type Repository interface {
	TraceStore
	OrderLedger
	BreakerEventStore

	ListCycleTraces(ctx context.Context, params ListCycleTracesParams) ([]models.CycleTraceRecord, error)
	LatestCycleTrace(ctx context.Context, symbol string) (*models.CycleTraceRecord, error)
	GetCycleTrace(ctx context.Context, cycleID string) (*models.CycleTraceRecord, error)
	ListOrders(ctx context.Context, params ListOrdersParams) ([]models.Order, error)
	ListBreakerEvents(ctx context.Context, params ListBreakerEventsParams) ([]models.BreakerEvent, error)

	DeleteCycleTracesBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteBreakerEventsBefore(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type ListCycleTracesParams struct {
	Limit   int
	Offset  int
	Symbol  *string
	Outcome *string
	Since   *time.Time
	Asc     *bool
}

type ListOrdersParams struct {
	Limit        int
	Offset       int
	Symbol       *string
	Status       *string
	StrategyName *string
	Since        *time.Time
	Asc          *bool
}

type ListBreakerEventsParams struct {
	Limit   int
	Offset  int
	Breaker *string
	Since   *time.Time
}

// TraceRecord flattens a trace into its storage row; the full document goes into Payload.
func TraceRecord(t models.CycleTrace) (*models.CycleTraceRecord, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	rec := &models.CycleTraceRecord{
		CycleID:    t.CycleID,
		Symbol:     t.Symbol,
		Timeframe:  t.Timeframe,
		Outcome:    string(t.Outcome),
		ErrorCount: len(t.Errors),
		DurationMs: t.Duration().Milliseconds(),
		StartedAt:  t.StartedAt,
		EndedAt:    t.EndedAt,
		Payload:    payload,
	}
	if t.Selection != nil {
		rec.Strategy = t.Selection.Candidate.Name
	}
	return rec, nil
}

// DecodeTrace reverses TraceRecord.
func DecodeTrace(rec models.CycleTraceRecord) (models.CycleTrace, error) {
	var t models.CycleTrace
	err := json.Unmarshal(rec.Payload, &t)
	return t, err
}

// OrderRecord builds the ledger row for a submitted signal and its execution outcome.
func OrderRecord(sig models.TradingSignal, orderType string, res models.ExecutionResult, submittedAt time.Time) *models.Order {
	rec := &models.Order{
		ClientOrderID:   sig.ClientOrderID,
		ExchangeOrderID: res.ExchangeOrderID,
		CycleID:         sig.CycleID,
		Symbol:          sig.Symbol,
		StrategyName:    sig.StrategyName,
		Side:            string(sig.Direction),
		OrderType:       orderType,
		Size:            sig.Size,
		Price:           sig.ReferencePrice,
		LimitPrice:      sig.LimitPrice,
		FilledSize:      res.FilledSize,
		AvgPrice:        res.AvgPrice,
		Leverage:        sig.Leverage,
		Status:          string(res.Status),
		Attempts:        res.Attempts,
		Overfill:        res.Overfill,
		FailureReason:   res.Reason,
	}
	if !submittedAt.IsZero() {
		at := submittedAt
		rec.SubmittedAt = &at
	}
	if res.Filled() {
		at := submittedAt
		rec.FilledAt = &at
	}
	return rec
}
