package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/models"
)

func newTestPaper(t *testing.T) *PaperExchange {
	t.Helper()
	p := NewPaperExchange(10000, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestPaperSyntheticCandlesDeterministic(t *testing.T) {
	p := newTestPaper(t)
	a, err := p.GetCandles(context.Background(), "BTC-USDT", "1h", 50)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	b, _ := p.GetCandles(context.Background(), "BTC-USDT", "1h", 50)
	if len(a) != 50 || len(b) != 50 {
		t.Fatalf("len=%d/%d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("candle %d differs", i)
		}
		if i > 0 && !a[i].Time.After(a[i-1].Time) {
			t.Fatalf("timestamps not increasing at %d", i)
		}
		if a[i].High < a[i].Low || a[i].Close <= 0 {
			t.Fatalf("bad candle %+v", a[i])
		}
	}
	other, _ := p.GetCandles(context.Background(), "ETH-USDT", "1h", 50)
	if other[49].Close == a[49].Close {
		t.Fatalf("symbols should walk independently")
	}
}

func TestPaperMarketOrderFillsAtLastPrice(t *testing.T) {
	p := newTestPaper(t)
	p.SetPrice("BTC-USDT", 100)
	ack, err := p.PlaceOrder(context.Background(), OrderSpec{
		ClientOrderID: "c1",
		Symbol:        "BTC-USDT",
		Side:          models.DirectionBuy,
		Type:          OrderTypeMarket,
		Size:          decimal.NewFromInt(5),
		Leverage:      decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.Status != AckFilled || !ack.AvgPrice.Equal(decimal.NewFromInt(100)) || ack.ExchangeOrderID == "" {
		t.Fatalf("ack=%+v", ack)
	}
	pf, _ := p.GetAccountState(context.Background())
	if !pf.AvailableBalance.Equal(decimal.NewFromInt(9500)) || pf.OpenPositions() != 1 {
		t.Fatalf("portfolio=%+v", pf)
	}

	again, err := p.PlaceOrder(context.Background(), OrderSpec{ClientOrderID: "c1", Symbol: "BTC-USDT", Side: models.DirectionBuy, Size: decimal.NewFromInt(5)})
	if err != nil || again.ExchangeOrderID != ack.ExchangeOrderID {
		t.Fatalf("replay ack=%+v err=%v", again, err)
	}
	pf, _ = p.GetAccountState(context.Background())
	if pos, _ := pf.PositionFor("BTC-USDT"); !pos.Size.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("replayed order must not fill twice, size=%s", pos.Size)
	}
}

func TestPaperLimitOrderRestsAndCancels(t *testing.T) {
	p := newTestPaper(t)
	p.SetPrice("ETH-USDT", 200)
	limit := decimal.NewFromInt(190)
	ack, err := p.PlaceOrder(context.Background(), OrderSpec{
		ClientOrderID: "c2",
		Symbol:        "ETH-USDT",
		Side:          models.DirectionBuy,
		Type:          OrderTypeLimit,
		Size:          decimal.NewFromInt(1),
		LimitPrice:    &limit,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.Status != AckAccepted || !ack.FilledSize.IsZero() {
		t.Fatalf("ack=%+v", ack)
	}
	if err := p.CancelOrder(context.Background(), ack.ExchangeOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := p.CancelOrder(context.Background(), ack.ExchangeOrderID); !errors.Is(err, ErrRejected) {
		t.Fatalf("second cancel err=%v", err)
	}
	if err := p.CancelOrder(context.Background(), "missing"); !errors.Is(err, ErrRejected) {
		t.Fatalf("unknown cancel err=%v", err)
	}
}

func TestPaperRejectsWithoutPrice(t *testing.T) {
	p := newTestPaper(t)
	_, err := p.PlaceOrder(context.Background(), OrderSpec{ClientOrderID: "c3", Symbol: "DOGE-USDT", Side: models.DirectionBuy, Size: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err=%v want ErrRejected", err)
	}
}

func TestPaperMarksPositions(t *testing.T) {
	p := newTestPaper(t)
	p.SetPrice("BTC-USDT", 100)
	_, _ = p.PlaceOrder(context.Background(), OrderSpec{ClientOrderID: "c4", Symbol: "BTC-USDT", Side: models.DirectionSell, Size: decimal.NewFromInt(2)})
	p.SetPrice("BTC-USDT", 90)
	pf, _ := p.GetAccountState(context.Background())
	pos, ok := pf.PositionFor("BTC-USDT")
	if !ok || !pos.UnrealizedPnL.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("position=%+v", pos)
	}
}

func TestTimeframeDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"bad": time.Minute,
		"":    time.Minute,
	}
	for in, want := range cases {
		if got := TimeframeDuration(in); got != want {
			t.Fatalf("%q: got=%v want=%v", in, got, want)
		}
	}
}
