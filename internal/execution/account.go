package execution

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/metrics"
	"tradepipeline/internal/models"
)

// Account is the process-wide portfolio. Only the gateway mutates it; everyone else
// reads clones. Hold serializes whole decisions (risk read through submit) across
// symbols so two cycles never size against the same balance.
type Account struct {
	decision sync.Mutex

	mu sync.RWMutex
	pf models.Portfolio
}

func NewAccount(initial models.Portfolio) *Account {
	a := &Account{pf: initial.Clone()}
	if a.pf.LastLossAt == nil {
		a.pf.LastLossAt = map[string]time.Time{}
	}
	return a
}

// Hold takes the decision lock and returns its release.
func (a *Account) Hold() (release func()) {
	a.decision.Lock()
	return a.decision.Unlock
}

func (a *Account) Snapshot() models.Portfolio {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pf.Clone()
}

func (a *Account) applyFill(symbol string, side models.Direction, size, price, leverage decimal.Decimal, at time.Time) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	realized := a.pf.ApplyFill(symbol, side, size, price, leverage, at)
	metrics.SetPortfolioEquity(a.pf.TotalValue.InexactFloat64())
	return realized
}

// replace installs an exchange-reported portfolio. Loss timestamps are local knowledge
// the venue does not report, so they are carried over.
func (a *Account) replace(pf models.Portfolio) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := pf.Clone()
	if next.LastLossAt == nil {
		next.LastLossAt = map[string]time.Time{}
	}
	for k, v := range a.pf.LastLossAt {
		if cur, ok := next.LastLossAt[k]; !ok || v.After(cur) {
			next.LastLossAt[k] = v
		}
	}
	a.pf = next
	metrics.SetPortfolioEquity(a.pf.TotalValue.InexactFloat64())
}
