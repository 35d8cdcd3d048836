package db

import (
	"tradepipeline/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}
	return db.Gorm.AutoMigrate(
		&models.CycleTraceRecord{},
		&models.Order{},
		&models.BreakerEvent{},
	)
}
