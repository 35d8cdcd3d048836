package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepipeline/internal/models"
)

// PaperExchange fills orders against the last known price and keeps its own account.
// Without a Prices source it synthesizes a deterministic random walk per symbol.
type PaperExchange struct {
	Prices CandleSource

	mu      sync.Mutex
	account models.Portfolio
	day     time.Time
	last    map[string]decimal.Decimal
	orders  map[string]paperOrder
	now     func() time.Time
}

type paperOrder struct {
	clientID string
	spec     OrderSpec
	ack      OrderAck
}

func NewPaperExchange(balance float64, prices CandleSource) *PaperExchange {
	start := decimal.NewFromFloat(balance)
	return &PaperExchange{
		Prices: prices,
		account: models.Portfolio{
			TotalValue:       start,
			AvailableBalance: start,
			UsedMargin:       decimal.Zero,
			DailyRealizedPnL: decimal.Zero,
			LastLossAt:       map[string]time.Time{},
		},
		last:   map[string]decimal.Decimal{},
		orders: map[string]paperOrder{},
		now:    time.Now,
	}
}

func (p *PaperExchange) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	var (
		candles []models.Candle
		err     error
	)
	if p.Prices != nil {
		candles, err = p.Prices.GetCandles(ctx, symbol, timeframe, limit)
		if err != nil {
			return nil, err
		}
	} else {
		candles = syntheticCandles(symbol, TimeframeDuration(timeframe), limit, p.now())
	}
	if len(candles) > 0 {
		p.SetPrice(symbol, candles[len(candles)-1].Close)
	}
	return candles, nil
}

// SetPrice records the price used for fills and marks open positions to it.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	px := decimal.NewFromFloat(price)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[symbol] = px
	for i := range p.account.Positions {
		pos := &p.account.Positions[i]
		if pos.Symbol != symbol {
			continue
		}
		pos.MarkPrice = px
		diff := px.Sub(pos.EntryPrice)
		if pos.Side == models.DirectionSell {
			diff = diff.Neg()
		}
		pos.UnrealizedPnL = diff.Mul(pos.Size)
	}
}

func (p *PaperExchange) PlaceOrder(_ context.Context, spec OrderSpec) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().UTC()
	p.rollDay(now)

	if prev, ok := p.orders[spec.ClientOrderID]; ok && spec.ClientOrderID != "" {
		return prev.ack, nil
	}
	price, ok := p.last[spec.Symbol]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return OrderAck{Status: AckRejected, Reason: "no market price"}, fmt.Errorf("%w: no market price for %s", ErrRejected, spec.Symbol)
	}
	if spec.Size.LessThanOrEqual(decimal.Zero) {
		return OrderAck{Status: AckRejected, Reason: "size must be positive"}, fmt.Errorf("%w: size must be positive", ErrRejected)
	}

	ack := OrderAck{ExchangeOrderID: uuid.NewString(), Status: AckFilled, FilledSize: spec.Size, AvgPrice: price}
	if strings.EqualFold(spec.Type, OrderTypeLimit) && spec.LimitPrice != nil {
		crosses := (spec.Side == models.DirectionBuy && spec.LimitPrice.GreaterThanOrEqual(price)) ||
			(spec.Side == models.DirectionSell && spec.LimitPrice.LessThanOrEqual(price))
		if !crosses {
			ack.Status = AckAccepted
			ack.FilledSize = decimal.Zero
			ack.AvgPrice = decimal.Zero
		}
	}
	if ack.Status == AckFilled {
		p.account.ApplyFill(spec.Symbol, spec.Side, ack.FilledSize, ack.AvgPrice, spec.Leverage, now)
	}
	p.orders[spec.ClientOrderID] = paperOrder{clientID: spec.ClientOrderID, spec: spec, ack: ack}
	return ack, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.orders {
		if o.ack.ExchangeOrderID != exchangeOrderID {
			continue
		}
		if o.ack.Status != AckAccepted {
			return fmt.Errorf("%w: order %s is %s", ErrRejected, exchangeOrderID, o.ack.Status)
		}
		o.ack.Status = AckCancelled
		p.orders[id] = o
		return nil
	}
	return fmt.Errorf("%w: unknown order %s", ErrRejected, exchangeOrderID)
}

func (p *PaperExchange) GetAccountState(context.Context) (models.Portfolio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(p.now().UTC())
	out := p.account.Clone()
	out.UpdatedAt = p.now().UTC()
	return out, nil
}

func (p *PaperExchange) rollDay(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !p.day.IsZero() && day.After(p.day) {
		p.account.DailyRealizedPnL = decimal.Zero
	}
	p.day = day
}

// TimeframeDuration parses candle intervals such as 1m, 15m, 4h, 1d or 1w. Unknown
// values fall back to one minute.
func TimeframeDuration(tf string) time.Duration {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if tf == "" {
		return time.Minute
	}
	unit := tf[len(tf)-1]
	if unit == 'd' || unit == 'w' {
		var n int
		if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &n); err != nil || n <= 0 {
			return time.Minute
		}
		if unit == 'w' {
			return time.Duration(n) * 7 * 24 * time.Hour
		}
		return time.Duration(n) * 24 * time.Hour
	}
	d, err := time.ParseDuration(tf)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func syntheticCandles(symbol string, step time.Duration, limit int, now time.Time) []models.Candle {
	if limit <= 0 {
		limit = 200
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	seed := h.Sum64()
	end := now.UTC().Truncate(step)
	// The walk is keyed on the bucket index so repeated calls agree on shared history.
	firstBucket := uint64(end.Unix()/int64(step.Seconds())) - uint64(limit-1)

	price := 50 + float64(seed%200)
	out := make([]models.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		r := rand.New(rand.NewPCG(seed, firstBucket+uint64(i)))
		drift := (r.Float64()*2 - 1) * 0.01
		open := price
		closePx := math.Max(0.01, open*(1+drift))
		wick := math.Abs(closePx-open) * (0.2 + r.Float64())
		out = append(out, models.Candle{
			Time:   end.Add(-time.Duration(limit-1-i) * step),
			Open:   open,
			High:   math.Max(open, closePx) + wick,
			Low:    math.Max(0.001, math.Min(open, closePx)-wick),
			Close:  closePx,
			Volume: 100 + r.Float64()*900,
		})
		price = closePx
	}
	return out
}
