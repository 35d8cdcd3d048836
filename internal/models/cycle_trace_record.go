package models

import (
	"time"

	"gorm.io/datatypes"
)

// CycleTraceRecord persists a CycleTrace. Payload holds the full JSON document.
type CycleTraceRecord struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement"`
	CycleID    string         `gorm:"type:varchar(64);not null;uniqueIndex"`
	Symbol     string         `gorm:"type:varchar(40);not null;index:idx_cycle_traces_symbol_started"`
	Timeframe  string         `gorm:"type:varchar(10);not null"`
	Outcome    string         `gorm:"type:varchar(30);not null;index"`
	Strategy   string         `gorm:"type:varchar(80)"`
	ErrorCount int            `gorm:"not null;default:0"`
	DurationMs int64          `gorm:"not null;default:0"`
	StartedAt  time.Time      `gorm:"type:timestamptz;not null;index:idx_cycle_traces_symbol_started"`
	EndedAt    time.Time      `gorm:"type:timestamptz;not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (CycleTraceRecord) TableName() string {
	return "cycle_traces"
}
