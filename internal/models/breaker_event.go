package models

import "time"

// BreakerEvent records breaker transitions and delivered alerts.
type BreakerEvent struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Breaker   string    `gorm:"type:varchar(80);not null;index"`
	Kind      string    `gorm:"type:varchar(30);not null"`
	FromState string    `gorm:"type:varchar(12)"`
	ToState   string    `gorm:"type:varchar(12)"`
	Failures  int       `gorm:"not null;default:0"`
	Message   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (BreakerEvent) TableName() string {
	return "breaker_events"
}
