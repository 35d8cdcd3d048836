// Package execution turns approved trading signals into exchange orders. It owns the
// portfolio, rate-limits venue calls, retries transient failures behind the exchange
// breaker and guarantees at most one submission per client order id.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/config"
	"tradepipeline/internal/exchange"
	"tradepipeline/internal/metrics"
	"tradepipeline/internal/models"
	"tradepipeline/internal/repository"
	"tradepipeline/internal/retry"
)

const (
	OverfillReject = "reject"
	OverfillAllow  = "allow"
)

const ledgerTimeout = 3 * time.Second

type Gateway struct {
	Config   config.ExecutionConfig
	Client   exchange.Client
	Breakers *breaker.Registry
	Ledger   repository.OrderLedger
	Alerts   breaker.Alerter
	Logger   *zap.Logger

	account *Account
	limiter *Limiter
	retry   retry.Policy
	cache   *idempotencyCache
	now     func() time.Time
}

func NewGateway(cfg config.ExecutionConfig, client exchange.Client, breakers *breaker.Registry, account *Account, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if account == nil {
		account = NewAccount(models.Portfolio{})
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(config.BreakerConfig{FailureThreshold: 5}, logger)
	}
	return &Gateway{
		Config:   cfg,
		Client:   client,
		Breakers: breakers,
		Logger:   logger,
		account:  account,
		limiter:  NewLimiter(cfg),
		retry:    retry.FromConfig(cfg.Retry, exchange.IsRetryable),
		cache:    newIdempotencyCache(cfg.IdempotencyWindow()),
		now:      time.Now,
	}
}

func (g *Gateway) Account() *Account { return g.account }

// Limiter is the venue limiter shared by every caller of the same exchange account.
func (g *Gateway) Limiter() *Limiter { return g.limiter }

// placement is what one guarded exchange call produced. Terminal carries a venue
// rejection, which is an answer rather than a dependency failure.
type placement struct {
	ack      exchange.OrderAck
	attempts int
	terminal error
}

// Submit places the order for an approved signal at most once. Repeated calls with the
// same client order id return the first result flagged Duplicate, waiting for it if the
// first call is still in flight.
func (g *Gateway) Submit(ctx context.Context, sig models.TradingSignal) models.ExecutionResult {
	if !sig.Approved {
		return models.ExecutionResult{ClientOrderID: sig.ClientOrderID, Status: models.ExecutionSkipped, Reason: "signal not approved"}
	}
	if strings.TrimSpace(sig.ClientOrderID) == "" {
		return models.ExecutionResult{Status: models.ExecutionRejected, Reason: "missing client order id"}
	}

	entry, owner := g.cache.begin(sig.ClientOrderID)
	if !owner {
		res, err := g.cache.wait(ctx, entry)
		if err != nil {
			return models.ExecutionResult{ClientOrderID: sig.ClientOrderID, Status: models.ExecutionFault, Duplicate: true, Reason: err.Error()}
		}
		res.Duplicate = true
		g.Logger.Info("execution: duplicate submission", zap.String("client_order_id", sig.ClientOrderID))
		return res
	}

	submittedAt := g.now().UTC()
	res := g.submit(ctx, sig)
	g.cache.finish(entry, res)
	metrics.IncOrders(string(res.Status))
	g.record(ctx, sig, res, submittedAt)
	return res
}

func (g *Gateway) submit(ctx context.Context, sig models.TradingSignal) models.ExecutionResult {
	res := models.ExecutionResult{ClientOrderID: sig.ClientOrderID}
	spec := g.orderSpec(sig)

	out := breaker.Execute(ctx, g.Breakers, breaker.Exchange, func(ctx context.Context) (placement, error) {
		var p placement
		attempts, err := g.call(ctx, ClassOrder, func(ctx context.Context) error {
			ack, err := g.Client.PlaceOrder(ctx, spec)
			p.ack = ack
			return err
		})
		p.attempts = attempts
		if errors.Is(err, exchange.ErrRejected) {
			p.terminal = err
			return p, nil
		}
		return p, err
	}, nil)

	p := out.Value
	res.Attempts = p.attempts
	switch {
	case out.Err != nil && errors.Is(out.Err, breaker.ErrOpen):
		res.Status = models.ExecutionFault
		res.CircuitOpen = true
		res.Reason = out.Err.Error()
		return res
	case out.Err != nil && errors.Is(out.Err, ErrRateLimited):
		res.Status = models.ExecutionRejected
		res.Reason = ErrRateLimited.Error()
		return res
	case out.Err != nil:
		res.Status = models.ExecutionFault
		res.Reason = out.Err.Error()
		return res
	case p.terminal != nil:
		res.Status = models.ExecutionRejected
		res.ExchangeOrderID = p.ack.ExchangeOrderID
		res.Reason = p.terminal.Error()
		return res
	}

	ack := p.ack
	res.ExchangeOrderID = ack.ExchangeOrderID
	switch ack.Status {
	case exchange.AckAccepted:
		res.Status = models.ExecutionAccepted
		return res
	case exchange.AckCancelled, exchange.AckRejected:
		res.Status = models.ExecutionRejected
		res.Reason = firstNonEmpty(ack.Reason, "order "+ack.Status+" by venue")
		return res
	}

	filled := ack.FilledSize
	if filled.LessThanOrEqual(decimal.Zero) {
		res.Status = models.ExecutionAccepted
		return res
	}
	price := ack.AvgPrice
	if price.LessThanOrEqual(decimal.Zero) {
		price = sig.ReferencePrice
	}
	res.FilledSize = filled
	res.AvgPrice = price
	res.Status = models.ExecutionFilled
	if ack.Status == exchange.AckPartial || filled.LessThan(sig.Size) {
		res.Status = models.ExecutionPartial
	}

	if g.overfilled(sig.Size, filled) {
		res.Overfill = true
		if strings.EqualFold(strings.TrimSpace(g.Config.OverfillPolicy), OverfillAllow) {
			res.Status = models.ExecutionFilled
			g.alert(ctx, breaker.SeverityWarning, "overfill_applied", fmt.Sprintf("%s filled %s of %s on %s", sig.ClientOrderID, filled, sig.Size, sig.Symbol))
		} else {
			res.Status = models.ExecutionRejected
			res.Reason = fmt.Sprintf("overfill: filled %s of %s", filled, sig.Size)
			g.alert(ctx, breaker.SeverityCritical, "overfill_rejected", fmt.Sprintf("%s filled %s of %s on %s; portfolio not updated", sig.ClientOrderID, filled, sig.Size, sig.Symbol))
			return res
		}
	}

	realized := g.account.applyFill(sig.Symbol, sig.Direction, filled, price, sig.Leverage, g.now().UTC())
	g.Logger.Info("execution: fill applied",
		zap.String("client_order_id", sig.ClientOrderID),
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Direction)),
		zap.String("filled", filled.String()),
		zap.String("price", price.String()),
		zap.String("realized_pnl", realized.String()),
	)
	return res
}

func (g *Gateway) overfilled(requested, filled decimal.Decimal) bool {
	tol := decimal.NewFromFloat(g.Config.OverfillTolerancePct).Div(decimal.NewFromInt(100))
	return filled.GreaterThan(requested.Mul(decimal.NewFromInt(1).Add(tol)))
}

func (g *Gateway) orderSpec(sig models.TradingSignal) exchange.OrderSpec {
	spec := exchange.OrderSpec{
		ClientOrderID: sig.ClientOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Direction,
		Type:          exchange.OrderTypeMarket,
		Size:          sig.Size,
		Leverage:      sig.Leverage,
	}
	if !strings.EqualFold(strings.TrimSpace(g.Config.OrderType), exchange.OrderTypeLimit) {
		return spec
	}
	spec.Type = exchange.OrderTypeLimit
	if sig.LimitPrice != nil {
		spec.LimitPrice = sig.LimitPrice
		return spec
	}
	offset := decimal.NewFromFloat(g.Config.LimitOffsetBps).Div(decimal.NewFromInt(10000))
	if sig.Direction == models.DirectionSell {
		offset = offset.Neg()
	}
	limit := sig.ReferencePrice.Mul(decimal.NewFromInt(1).Add(offset))
	spec.LimitPrice = &limit
	return spec
}

// call runs fn with retries, taking a class token before every attempt. Running out
// of tokens before anything reached the venue is reported Unjudged so the exchange
// breaker neither counts it nor spends its half-open trial on it; after a real attempt
// the venue's own error stands.
func (g *Gateway) call(ctx context.Context, class string, fn func(ctx context.Context) error) (int, error) {
	var sent bool
	var venueErr error
	attempts, err := g.retry.Do(ctx, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx, class); err != nil {
			return err
		}
		sent = true
		venueErr = fn(ctx)
		return venueErr
	})
	if errors.Is(err, ErrRateLimited) {
		if !sent {
			return attempts, breaker.Unjudged(err)
		}
		return attempts, venueErr
	}
	return attempts, err
}

// Cancel withdraws a resting order through the same limiter and breaker as submissions.
func (g *Gateway) Cancel(ctx context.Context, exchangeOrderID string) error {
	out := breaker.Execute(ctx, g.Breakers, breaker.Exchange, func(ctx context.Context) (placement, error) {
		attempts, err := g.call(ctx, ClassOrder, func(ctx context.Context) error {
			return g.Client.CancelOrder(ctx, exchangeOrderID)
		})
		p := placement{attempts: attempts}
		if errors.Is(err, exchange.ErrRejected) {
			p.terminal = err
			return p, nil
		}
		return p, err
	}, nil)
	if out.Err != nil {
		return out.Err
	}
	return out.Value.terminal
}

// SyncAccount replaces the local portfolio with the venue's view. It takes the decision
// lock so it never lands between a risk read and the matching submit.
func (g *Gateway) SyncAccount(ctx context.Context) error {
	out := breaker.Execute(ctx, g.Breakers, breaker.Exchange, func(ctx context.Context) (models.Portfolio, error) {
		var pf models.Portfolio
		_, err := g.call(ctx, ClassInfo, func(ctx context.Context) error {
			var err error
			pf, err = g.Client.GetAccountState(ctx)
			return err
		})
		return pf, err
	}, nil)
	if out.Err != nil {
		g.Logger.Warn("execution: account sync failed", zap.Error(out.Err))
		return out.Err
	}
	release := g.account.Hold()
	g.account.replace(out.Value)
	release()
	return nil
}

func (g *Gateway) record(ctx context.Context, sig models.TradingSignal, res models.ExecutionResult, submittedAt time.Time) {
	fields := []zap.Field{
		zap.String("client_order_id", sig.ClientOrderID),
		zap.String("cycle_id", sig.CycleID),
		zap.String("symbol", sig.Symbol),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", res.Attempts),
	}
	if res.Reason != "" {
		fields = append(fields, zap.String("reason", res.Reason))
	}
	g.Logger.Info("execution: order finished", fields...)

	if g.Ledger == nil {
		return
	}
	orderType := exchange.OrderTypeMarket
	if strings.EqualFold(strings.TrimSpace(g.Config.OrderType), exchange.OrderTypeLimit) {
		orderType = exchange.OrderTypeLimit
	}
	// The ledger row must land even when the cycle that placed the order is aborting.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := g.Ledger.AppendOrder(wctx, repository.OrderRecord(sig, orderType, res, submittedAt)); err != nil {
		g.Logger.Error("execution: ledger append failed", append(fields, zap.Error(err))...)
	}
}

func (g *Gateway) alert(ctx context.Context, severity, kind, msg string) {
	g.Logger.Warn("execution: "+kind, zap.String("message", msg))
	if g.Alerts == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := g.Alerts.Alert(actx, breaker.Alert{
		Source:   "execution",
		Kind:     kind,
		Severity: severity,
		Message:  msg,
		At:       g.now().UTC(),
	}); err != nil {
		g.Logger.Warn("execution: alert failed", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
