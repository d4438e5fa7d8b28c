package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is returned when a tick fails validation
var ErrInvalidTick = errors.New("invalid tick")

// PriceTick is one timestamped trade price for a symbol
type PriceTick struct {
	Symbol          string          `json:"symbol"`
	Price           decimal.Decimal `json:"price"`
	TimestampMillis int64           `json:"timestamp"`
}

// Validate checks the tick invariants: non-empty symbol, positive price and timestamp
func (t PriceTick) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidTick)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: non-positive price %s", ErrInvalidTick, t.Price.String())
	}
	if t.TimestampMillis <= 0 {
		return fmt.Errorf("%w: non-positive timestamp %d", ErrInvalidTick, t.TimestampMillis)
	}
	return nil
}

// NormalizeSymbol trims and upper-cases a ticker symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols normalizes, de-duplicates and drops empty symbols, keeping input order
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
