// Package memory recalls what past cycles did in similar market conditions.
package memory

import (
	"context"
	"fmt"
	"sync"

	"tradepipeline/internal/models"
)

type PatternMemory interface {
	Recall(ctx context.Context, snap models.MarketSnapshot) ([]string, error)
	Remember(ctx context.Context, trace models.CycleTrace) error
}

// Noop recalls nothing and forgets everything.
type Noop struct{}

func (Noop) Recall(context.Context, models.MarketSnapshot) ([]string, error) { return nil, nil }
func (Noop) Remember(context.Context, models.CycleTrace) error               { return nil }

type outcomeNote struct {
	strategy string
	outcome  models.Outcome
	score    float64
}

// Recent keeps the last Capacity decided cycles per symbol and regime and recalls them
// as short notes, newest first.
type Recent struct {
	Capacity int

	mu    sync.Mutex
	notes map[string][]outcomeNote
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 20
	}
	return &Recent{Capacity: capacity, notes: map[string][]outcomeNote{}}
}

func (r *Recent) Recall(_ context.Context, snap models.MarketSnapshot) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	notes := r.notes[key(snap.Symbol, snap.Regime)]
	out := make([]string, 0, len(notes))
	for i := len(notes) - 1; i >= 0; i-- {
		n := notes[i]
		out = append(out, fmt.Sprintf("%s %s in %s (score %.2f)", n.strategy, n.outcome, snap.Regime, n.score))
	}
	return out, nil
}

// Remember stores cycles that got as far as selecting a strategy.
func (r *Recent) Remember(_ context.Context, trace models.CycleTrace) error {
	if trace.Selection == nil || trace.Snapshot == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(trace.Symbol, trace.Snapshot.Regime)
	notes := append(r.notes[k], outcomeNote{
		strategy: trace.Selection.Candidate.Name,
		outcome:  trace.Outcome,
		score:    trace.Selection.Score,
	})
	if len(notes) > r.Capacity {
		notes = notes[len(notes)-r.Capacity:]
	}
	r.notes[k] = notes
	return nil
}

func key(symbol string, regime models.Regime) string {
	return symbol + "|" + string(regime)
}
