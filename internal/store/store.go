package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stockpulse/stockpulse/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when an alert id does not exist
	ErrNotFound = errors.New("alert not found")
	// ErrAlreadyTriggered is returned by MarkTriggered when the alert was
	// already marked, normally by a concurrent evaluator
	ErrAlreadyTriggered = errors.New("alert already triggered")
)

type gormZerologWriter struct {
	logger zerolog.Logger
}

func (w gormZerologWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

// Open connects to the configured database and optionally migrates the schema
func Open(cfg config.StoreConfig, dsn string, logger zerolog.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	gormLogger := gormlogger.New(
		gormZerologWriter{logger: logger.With().Str("component", "gorm").Logger()},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&userModel{}, &watchlistModel{}, &alertModel{}); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	return NewGormStore(db, logger), nil
}
