package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is one order-ledger row. Rows are appended once per client order id.
type Order struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	ClientOrderID   string `gorm:"type:varchar(64);not null;uniqueIndex"`
	ExchangeOrderID string `gorm:"type:varchar(100);index"`
	CycleID         string `gorm:"type:varchar(64);index"`
	Symbol          string `gorm:"type:varchar(40);not null;index"`
	StrategyName    string `gorm:"type:varchar(80);index"`

	Side      string `gorm:"type:varchar(10);not null"`
	OrderType string `gorm:"type:varchar(20);not null;default:'market'"`

	Size       decimal.Decimal  `gorm:"type:numeric(30,10);not null"`
	Price      decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0"`
	LimitPrice *decimal.Decimal `gorm:"type:numeric(30,10)"`
	FilledSize decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0"`
	AvgPrice   decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0"`
	Leverage   decimal.Decimal  `gorm:"type:numeric(10,4);not null;default:1"`

	Status        string `gorm:"type:varchar(20);not null;index"`
	Attempts      int    `gorm:"not null;default:0"`
	Overfill      bool   `gorm:"not null;default:false"`
	FailureReason string `gorm:"type:text"`

	SubmittedAt *time.Time `gorm:"type:timestamptz"`
	FilledAt    *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (Order) TableName() string {
	return "order_ledger"
}
