package domain

import (
	"strings"
	"time"
)

// Tick is one normalized market data update for a symbol. Optional fields
// are nil when the source did not carry them.
type Tick struct {
	Symbol        string    `json:"symbol"`
	LastPrice     float64   `json:"last_price"`
	Open          *float64  `json:"open,omitempty"`
	High          *float64  `json:"high,omitempty"`
	Low           *float64  `json:"low,omitempty"`
	Change        *float64  `json:"change,omitempty"`
	ChangePercent *float64  `json:"change_percent,omitempty"`
	Volume        *float64  `json:"volume,omitempty"`
	OpenInterest  *float64  `json:"open_interest,omitempty"`
	Bid           *float64  `json:"bid,omitempty"`
	Ask           *float64  `json:"ask,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PricePoint is a single observation kept in a symbol's rolling history.
type PricePoint struct {
	Price     float64
	Volume    *float64
	Timestamp time.Time
}

// MarketContext is what condition predicates see when a rule is evaluated.
// History is oldest first and includes Latest as its final point.
type MarketContext struct {
	Symbol  string
	Latest  Tick
	History []PricePoint
}

// Float returns a pointer to v, for populating optional Tick fields.
func Float(v float64) *float64 { return &v }

// NormalizeSymbol is the canonical form used as a registry and rule key.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
