package store

import "time"

type userModel struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	FirstName string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type watchlistModel struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"column:watchlist_name"`
	UserID    uint      `gorm:"index;not null"`
	User      userModel `gorm:"foreignKey:UserID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (watchlistModel) TableName() string { return "watchlists" }

type alertModel struct {
	ID          uint   `gorm:"primaryKey"`
	Symbol      string `gorm:"column:stock_ticker;index:idx_alerts_symbol_triggered,priority:1;not null"`
	Condition   string `gorm:"column:trigger_condition;not null"`
	TargetValue string `gorm:"not null"`
	Triggered   bool   `gorm:"index:idx_alerts_symbol_triggered,priority:2;not null"`
	TriggeredAt *time.Time
	WatchlistID uint           `gorm:"index;not null"`
	Watchlist   watchlistModel `gorm:"foreignKey:WatchlistID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (alertModel) TableName() string { return "alerts" }
