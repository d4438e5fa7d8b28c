package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stockpulse/stockpulse/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational alert store
type GormStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewGormStore wraps an open gorm handle
func NewGormStore(db *gorm.DB, logger zerolog.Logger) *GormStore {
	return &GormStore{db: db, logger: logger.With().Str("component", "store").Logger()}
}

// FindActiveAlertsBySymbol returns the untriggered alerts on symbol with
// their owning user populated. Rows that no longer parse are skipped.
func (s *GormStore) FindActiveAlertsBySymbol(ctx context.Context, symbol string) ([]types.Alert, error) {
	var models []alertModel
	err := s.db.WithContext(ctx).
		Preload("Watchlist.User").
		Where("stock_ticker = ? AND triggered = ?", types.NormalizeSymbol(symbol), false).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("find alerts for %s: %w", symbol, err)
	}

	alerts := make([]types.Alert, 0, len(models))
	for _, m := range models {
		alert, err := mapAlertToDomain(m)
		if err != nil {
			s.logger.Warn().Err(err).Uint("alert_id", m.ID).Msg("Skipping unreadable alert row")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// MarkTriggered sets the triggered flag only if it is still false
func (s *GormStore) MarkTriggered(ctx context.Context, alertID uint, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&alertModel{}).
		Where("id = ? AND triggered = ?", alertID, false).
		Updates(map[string]interface{}{"triggered": true, "triggered_at": at})
	if result.Error != nil {
		return fmt.Errorf("mark alert %d triggered: %w", alertID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&alertModel{}).Where("id = ?", alertID).Count(&count).Error; err != nil {
		return fmt.Errorf("look up alert %d: %w", alertID, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrAlreadyTriggered
}

// ActiveSymbols returns the distinct symbols that still have untriggered alerts
func (s *GormStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := s.db.WithContext(ctx).
		Model(&alertModel{}).
		Where("triggered = ?", false).
		Distinct().
		Order("stock_ticker").
		Pluck("stock_ticker", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("list active symbols: %w", err)
	}
	return symbols, nil
}

// GetAlert loads one alert by id
func (s *GormStore) GetAlert(ctx context.Context, alertID uint) (types.Alert, error) {
	var m alertModel
	err := s.db.WithContext(ctx).Preload("Watchlist.User").First(&m, alertID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Alert{}, ErrNotFound
	}
	if err != nil {
		return types.Alert{}, fmt.Errorf("get alert %d: %w", alertID, err)
	}
	return mapAlertToDomain(m)
}

// CreateUser inserts a user, filling in its id
func (s *GormStore) CreateUser(ctx context.Context, user *types.User) error {
	m := userModel{Email: user.Email, FirstName: user.FirstName}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	user.ID = m.ID
	return nil
}

// CreateWatchlist inserts a named watchlist for userID and returns its id
func (s *GormStore) CreateWatchlist(ctx context.Context, userID uint, name string) (uint, error) {
	m := watchlistModel{Name: name, UserID: userID}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&m).Error; err != nil {
		return 0, fmt.Errorf("create watchlist: %w", err)
	}
	return m.ID, nil
}

// CreateAlert inserts an alert on an existing watchlist, filling in its id
func (s *GormStore) CreateAlert(ctx context.Context, alert *types.Alert) error {
	if !alert.Condition.Valid() {
		return fmt.Errorf("%w: %d", types.ErrUnknownCondition, int(alert.Condition))
	}
	m := alertModel{
		Symbol:      types.NormalizeSymbol(alert.Symbol),
		Condition:   alert.Condition.String(),
		TargetValue: alert.TargetValue.String(),
		Triggered:   alert.Triggered,
		TriggeredAt: alert.TriggeredAt,
		WatchlistID: alert.WatchlistID,
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&m).Error; err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	alert.ID = m.ID
	alert.Symbol = m.Symbol
	return nil
}

func mapAlertToDomain(m alertModel) (types.Alert, error) {
	cond, err := types.ParseCondition(m.Condition)
	if err != nil {
		return types.Alert{}, err
	}
	target, err := decimal.NewFromString(m.TargetValue)
	if err != nil {
		return types.Alert{}, fmt.Errorf("parse target value %q: %w", m.TargetValue, err)
	}
	return types.Alert{
		ID:          m.ID,
		Symbol:      m.Symbol,
		Condition:   cond,
		TargetValue: target,
		Triggered:   m.Triggered,
		TriggeredAt: m.TriggeredAt,
		WatchlistID: m.WatchlistID,
		User: types.User{
			ID:        m.Watchlist.User.ID,
			Email:     m.Watchlist.User.Email,
			FirstName: m.Watchlist.User.FirstName,
		},
	}, nil
}

// Close releases the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
