// Package schema defines the canonical domain types shared across the adapter.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a normalized view of one exchange order book message.
type OrderBookSnapshot struct {
	Source     string
	Instrument string
	Timestamp  time.Time
	Asks       []PriceLevel
	Bids       []PriceLevel
}

// TickPrice carries the best bid/ask derived from an order book snapshot.
type TickPrice struct {
	Instrument string
	Timestamp  time.Time
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
}

// Equal reports whether two snapshots carry identical book contents.
// Timestamps participate in the comparison: the exchange re-sends identical
// books with identical timestamps, which is exactly the duplicate case.
func (s OrderBookSnapshot) Equal(other OrderBookSnapshot) bool {
	if s.Source != other.Source || s.Instrument != other.Instrument || !s.Timestamp.Equal(other.Timestamp) {
		return false
	}
	return equalLevels(s.Asks, other.Asks) && equalLevels(s.Bids, other.Bids)
}

// Equal reports whether two ticks are identical.
func (t TickPrice) Equal(other TickPrice) bool {
	return t.Instrument == other.Instrument &&
		t.Timestamp.Equal(other.Timestamp) &&
		t.BestBid.Equal(other.BestBid) &&
		t.BestAsk.Equal(other.BestAsk)
}

func equalLevels(a, b []PriceLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Size.Equal(b[i].Size) {
			return false
		}
	}
	return true
}
