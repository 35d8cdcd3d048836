package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradepipeline/internal/models"
)

// MemoryStore keeps everything in process. It backs dry runs without a database and
// follows the same write-once rules as the SQL store.
type MemoryStore struct {
	mu      sync.RWMutex
	traces  []models.CycleTraceRecord
	orders  []models.Order
	events  []models.BreakerEvent
	cycles  map[string]struct{}
	clients map[string]struct{}
	nextID  uint64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles:  map[string]struct{}{},
		clients: map[string]struct{}{},
		now:     time.Now,
	}
}

func (m *MemoryStore) AppendCycleTrace(_ context.Context, item *models.CycleTraceRecord) error {
	if item == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cycles[item.CycleID]; ok {
		return nil
	}
	m.cycles[item.CycleID] = struct{}{}
	m.nextID++
	item.ID = m.nextID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now().UTC()
	}
	m.traces = append(m.traces, *item)
	return nil
}

func (m *MemoryStore) AppendOrder(_ context.Context, item *models.Order) error {
	if item == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[item.ClientOrderID]; ok {
		return nil
	}
	m.clients[item.ClientOrderID] = struct{}{}
	m.nextID++
	item.ID = m.nextID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now().UTC()
	}
	m.orders = append(m.orders, *item)
	return nil
}

func (m *MemoryStore) AppendBreakerEvent(_ context.Context, item *models.BreakerEvent) error {
	if item == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now().UTC()
	}
	m.events = append(m.events, *item)
	return nil
}

func (m *MemoryStore) ListCycleTraces(_ context.Context, params ListCycleTracesParams) ([]models.CycleTraceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CycleTraceRecord
	for _, t := range m.traces {
		if params.Symbol != nil && *params.Symbol != "" && t.Symbol != *params.Symbol {
			continue
		}
		if params.Outcome != nil && *params.Outcome != "" && t.Outcome != *params.Outcome {
			continue
		}
		if params.Since != nil && t.StartedAt.Before(*params.Since) {
			continue
		}
		out = append(out, t)
	}
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, params.Limit, params.Offset), nil
}

func (m *MemoryStore) LatestCycleTrace(ctx context.Context, symbol string) (*models.CycleTraceRecord, error) {
	params := ListCycleTracesParams{Limit: 1}
	if symbol != "" {
		params.Symbol = &symbol
	}
	items, err := m.ListCycleTraces(ctx, params)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

func (m *MemoryStore) GetCycleTrace(_ context.Context, cycleID string) (*models.CycleTraceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.traces {
		if m.traces[i].CycleID == cycleID {
			item := m.traces[i]
			return &item, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOrders(_ context.Context, params ListOrdersParams) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		if params.Symbol != nil && *params.Symbol != "" && o.Symbol != *params.Symbol {
			continue
		}
		if params.Status != nil && *params.Status != "" && o.Status != *params.Status {
			continue
		}
		if params.StrategyName != nil && *params.StrategyName != "" && o.StrategyName != *params.StrategyName {
			continue
		}
		if params.Since != nil && o.CreatedAt.Before(*params.Since) {
			continue
		}
		out = append(out, o)
	}
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	return page(out, params.Limit, params.Offset), nil
}

func (m *MemoryStore) ListBreakerEvents(_ context.Context, params ListBreakerEventsParams) ([]models.BreakerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BreakerEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if params.Breaker != nil && *params.Breaker != "" && e.Breaker != *params.Breaker {
			continue
		}
		if params.Since != nil && e.CreatedAt.Before(*params.Since) {
			continue
		}
		out = append(out, e)
	}
	return page(out, params.Limit, params.Offset), nil
}

func (m *MemoryStore) DeleteCycleTracesBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.traces[:0]
	var n int64
	for _, t := range m.traces {
		if t.StartedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.traces = kept
	return n, nil
}

func (m *MemoryStore) DeleteBreakerEventsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

var _ Repository = (*MemoryStore)(nil)
