package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradepipeline/internal/models"
	"tradepipeline/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- write-once stores ------------------------------------------------------

func (s *Store) AppendCycleTrace(ctx context.Context, item *models.CycleTraceRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.CycleID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cycle_id"}},
		DoNothing: true,
	}).Create(item).Error
}

func (s *Store) AppendOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ClientOrderID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_order_id"}},
		DoNothing: true,
	}).Create(item).Error
}

func (s *Store) AppendBreakerEvent(ctx context.Context, item *models.BreakerEvent) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

// --- reads ------------------------------------------------------------------

func (s *Store) ListCycleTraces(ctx context.Context, params repository.ListCycleTracesParams) ([]models.CycleTraceRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.CycleTraceRecord{})
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	if params.Outcome != nil && strings.TrimSpace(*params.Outcome) != "" {
		query = query.Where("outcome = ?", strings.ToUpper(strings.TrimSpace(*params.Outcome)))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("started_at >= ?", *params.Since)
	}
	query = applyOrder(query, "started_at", params.Asc)
	var items []models.CycleTraceRecord
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) LatestCycleTrace(ctx context.Context, symbol string) (*models.CycleTraceRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.CycleTraceRecord{})
	if symbol = strings.TrimSpace(symbol); symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	var item models.CycleTraceRecord
	err := query.Order("started_at desc").First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetCycleTrace(ctx context.Context, cycleID string) (*models.CycleTraceRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.CycleTraceRecord
	err := s.db.WithContext(ctx).Where("cycle_id = ?", cycleID).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Order{})
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.TrimSpace(*params.Symbol))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.ToUpper(strings.TrimSpace(*params.Status)))
	}
	if params.StrategyName != nil && strings.TrimSpace(*params.StrategyName) != "" {
		query = query.Where("strategy_name = ?", strings.TrimSpace(*params.StrategyName))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	query = applyOrder(query, "id", params.Asc)
	var items []models.Order
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListBreakerEvents(ctx context.Context, params repository.ListBreakerEventsParams) ([]models.BreakerEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.BreakerEvent{})
	if params.Breaker != nil && strings.TrimSpace(*params.Breaker) != "" {
		query = query.Where("breaker = ?", strings.TrimSpace(*params.Breaker))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	var items []models.BreakerEvent
	if err := query.Order("id desc").Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- retention --------------------------------------------------------------

func (s *Store) DeleteCycleTracesBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil || before.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("started_at < ?", before).Delete(&models.CycleTraceRecord{})
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteBreakerEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil || before.IsZero() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.BreakerEvent{})
	return res.RowsAffected, res.Error
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

func applyOrder(query *gorm.DB, column string, asc *bool) *gorm.DB {
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

var _ repository.Repository = (*Store)(nil)
