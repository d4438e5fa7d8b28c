package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("above")
	require.NoError(t, err)
	assert.Equal(t, Above, c)

	c, err = ParseCondition(" BELOW ")
	require.NoError(t, err)
	assert.Equal(t, Below, c)

	for _, bad := range []string{"", "PERCENTAGE", "percentage_change_price", "EQUAL"} {
		_, err := ParseCondition(bad)
		assert.ErrorIs(t, err, ErrUnknownCondition, bad)
	}
}

func TestConditionMetIsStrict(t *testing.T) {
	target := decimal.RequireFromString("150.00")
	tests := []struct {
		name  string
		cond  Condition
		price string
		want  bool
	}{
		{"above crossed", Above, "155.00", true},
		{"above by epsilon", Above, "150.0001", true},
		{"above equal", Above, "150", false},
		{"above under", Above, "149.99", false},
		{"below crossed", Below, "90.00", true},
		{"below equal", Below, "150.00", false},
		{"below over", Below, "151", false},
		{"invalid never met", conditionInvalid, "1000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Met(decimal.RequireFromString(tt.price), target))
		})
	}
}

func TestNewAlertRejectsUnknownCondition(t *testing.T) {
	_, err := NewAlert(1, "AAPL", Condition(42), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnknownCondition)

	_, err = NewAlert(1, "  ", Above, decimal.NewFromInt(1))
	assert.Error(t, err)

	a, err := NewAlert(7, "aapl", Below, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", a.Symbol)
	assert.False(t, a.Triggered)
}

func TestConditionJSON(t *testing.T) {
	data, err := json.Marshal(Below)
	require.NoError(t, err)
	assert.JSONEq(t, `"BELOW"`, string(data))

	var c Condition
	require.NoError(t, json.Unmarshal([]byte(`"above"`), &c))
	assert.Equal(t, Above, c)
	assert.ErrorIs(t, json.Unmarshal([]byte(`"PERCENTAGE"`), &c), ErrUnknownCondition)
}

func TestNewTriggeredAlertEvent(t *testing.T) {
	alert := Alert{
		ID:          3,
		Symbol:      "AAPL",
		Condition:   Above,
		TargetValue: decimal.RequireFromString("150.00"),
		WatchlistID: 9,
		User:        User{ID: 1, Email: "bruce@example.com", FirstName: "Bruce"},
	}
	tick := PriceTick{Symbol: "AAPL", Price: decimal.RequireFromString("155.00"), TimestampMillis: 1700000000000}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	ev := NewTriggeredAlertEvent(alert, tick, at)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, uint(3), ev.AlertID)
	assert.Equal(t, Above, ev.Condition)
	assert.True(t, ev.TargetValue.Equal(decimal.RequireFromString("150")))
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("155")))
	assert.Equal(t, int64(1700000000000), ev.TickTimestampMillis)
	assert.Equal(t, at, ev.TriggeredAt)
	assert.Equal(t, "bruce@example.com", ev.User.Email)

	other := NewTriggeredAlertEvent(alert, tick, at)
	assert.NotEqual(t, ev.EventID, other.EventID)
}
