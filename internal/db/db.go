package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tradepipeline/internal/config"
)

const slowQuery = 500 * time.Millisecond

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Open connects to postgres. Statement errors and slow queries go to log; a nil log
// silences gorm entirely.
func Open(cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	gcfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if log != nil {
		gcfg.Logger = zapGormLogger{l: log.Named("gorm"), level: gormlogger.Warn}
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb}, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

// SetTimezone sets the session zone. tz must be a known IANA name since SET cannot
// take a bind parameter.
func SetTimezone(db *DB, tz string) error {
	if tz == "" || db == nil || db.SQL == nil {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}
	_, err := db.SQL.Exec("SET TIME ZONE '" + tz + "'")
	return err
}

type zapGormLogger struct {
	l     *zap.Logger
	level gormlogger.LogLevel
}

func (z zapGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	z.level = level
	return z
}

func (z zapGormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if z.level >= gormlogger.Info {
		z.l.Sugar().Infof(msg, args...)
	}
}

func (z zapGormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if z.level >= gormlogger.Warn {
		z.l.Sugar().Warnf(msg, args...)
	}
}

func (z zapGormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if z.level >= gormlogger.Error {
		z.l.Sugar().Errorf(msg, args...)
	}
}

func (z zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if z.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && z.level >= gormlogger.Error:
		stmt, rows := fc()
		z.l.Warn("query failed", zap.Error(err), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", stmt))
	case elapsed > slowQuery && z.level >= gormlogger.Warn:
		stmt, rows := fc()
		z.l.Warn("slow query", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", stmt))
	}
}
