package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownCondition is returned for trigger conditions other than ABOVE or BELOW
var ErrUnknownCondition = errors.New("unknown trigger condition")

// Condition is the closed set of trigger conditions. The zero value is invalid.
type Condition int

const (
	conditionInvalid Condition = iota
	Above
	Below
)

// ParseCondition parses "ABOVE" or "BELOW" (case-insensitive)
func ParseCondition(s string) (Condition, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ABOVE":
		return Above, nil
	case "BELOW":
		return Below, nil
	default:
		return conditionInvalid, fmt.Errorf("%w: %q", ErrUnknownCondition, s)
	}
}

// Valid reports whether c is Above or Below
func (c Condition) Valid() bool {
	return c == Above || c == Below
}

func (c Condition) String() string {
	switch c {
	case Above:
		return "ABOVE"
	case Below:
		return "BELOW"
	default:
		return "INVALID"
	}
}

// Met reports whether price satisfies the condition against target.
// Equality never satisfies either condition.
func (c Condition) Met(price, target decimal.Decimal) bool {
	switch c {
	case Above:
		return price.GreaterThan(target)
	case Below:
		return price.LessThan(target)
	default:
		return false
	}
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCondition, int(c))
	}
	return json.Marshal(c.String())
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCondition(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// User is the owner of an alert, as needed for delivery
type User struct {
	ID        uint   `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

// Alert is a user's standing price condition on a symbol
type Alert struct {
	ID          uint
	Symbol      string
	Condition   Condition
	TargetValue decimal.Decimal
	Triggered   bool
	TriggeredAt *time.Time
	WatchlistID uint
	User        User
}

// NewAlert builds an untriggered alert, rejecting unknown conditions
func NewAlert(id uint, symbol string, condition Condition, target decimal.Decimal) (Alert, error) {
	if !condition.Valid() {
		return Alert{}, fmt.Errorf("%w: %d", ErrUnknownCondition, int(condition))
	}
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return Alert{}, fmt.Errorf("alert symbol is required")
	}
	return Alert{ID: id, Symbol: symbol, Condition: condition, TargetValue: target}, nil
}

// TriggeredAlertEvent is published once per alert trigger
type TriggeredAlertEvent struct {
	EventID             string          `json:"event_id"`
	AlertID             uint            `json:"alert_id"`
	Symbol              string          `json:"symbol"`
	Condition           Condition       `json:"condition"`
	TargetValue         decimal.Decimal `json:"target_value"`
	Price               decimal.Decimal `json:"price"`
	TickTimestampMillis int64           `json:"tick_timestamp"`
	TriggeredAt         time.Time       `json:"triggered_at"`
	WatchlistID         uint            `json:"watchlist_id,omitempty"`
	User                User            `json:"user"`
}

// NewTriggeredAlertEvent copies the alert's identifying fields plus the tick that fired it
func NewTriggeredAlertEvent(alert Alert, tick PriceTick, at time.Time) TriggeredAlertEvent {
	return TriggeredAlertEvent{
		EventID:             uuid.NewString(),
		AlertID:             alert.ID,
		Symbol:              alert.Symbol,
		Condition:           alert.Condition,
		TargetValue:         alert.TargetValue,
		Price:               tick.Price,
		TickTimestampMillis: tick.TimestampMillis,
		TriggeredAt:         at.UTC(),
		WatchlistID:         alert.WatchlistID,
		User:                alert.User,
	}
}
