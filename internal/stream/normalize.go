// Package stream subscribes to Bitstamp push channels and publishes
// normalized order book and tick price events downstream.
package stream

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

// SourceName identifies this adapter in outgoing events.
const SourceName = "bitstamp"

// defaultInstrument is the pair whose channel keeps the legacy unsuffixed
// name.
const defaultInstrument = "btcusd"

// ChannelName returns the push channel carrying order book snapshots for an
// instrument. btcusd uses the historical bare channel name, every other pair
// gets an instrument suffix.
func ChannelName(instrument string) string {
	instrument = strings.ToLower(strings.TrimSpace(instrument))
	if instrument == defaultInstrument {
		return "order_book"
	}
	return "order_book_" + instrument
}

// InstrumentFromChannel inverts ChannelName.
func InstrumentFromChannel(channel string) (string, bool) {
	if channel == "order_book" {
		return defaultInstrument, true
	}
	if rest, ok := strings.CutPrefix(channel, "order_book_"); ok && rest != "" {
		return rest, true
	}
	return "", false
}

type wireOrderBook struct {
	Timestamp      string      `json:"timestamp"`
	Microtimestamp string      `json:"microtimestamp"`
	Bids           [][2]string `json:"bids"`
	Asks           [][2]string `json:"asks"`
}

// ParseOrderBook decodes one raw order book payload into a snapshot.
// Levels arrive as [price, size] string pairs.
func ParseOrderBook(instrument string, data []byte) (schema.OrderBookSnapshot, error) {
	var wire wireOrderBook
	if err := json.Unmarshal(data, &wire); err != nil {
		return schema.OrderBookSnapshot{}, fmt.Errorf("decode order book for %s: %w", instrument, err)
	}

	ts, err := parseTimestamp(wire.Microtimestamp, wire.Timestamp)
	if err != nil {
		return schema.OrderBookSnapshot{}, fmt.Errorf("order book timestamp for %s: %w", instrument, err)
	}

	asks, err := parseLevels(wire.Asks)
	if err != nil {
		return schema.OrderBookSnapshot{}, fmt.Errorf("order book asks for %s: %w", instrument, err)
	}
	bids, err := parseLevels(wire.Bids)
	if err != nil {
		return schema.OrderBookSnapshot{}, fmt.Errorf("order book bids for %s: %w", instrument, err)
	}

	// The exchange sends sorted sides, but best-of-book logic depends on it.
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })

	return schema.OrderBookSnapshot{
		Source:     SourceName,
		Instrument: strings.ToLower(strings.TrimSpace(instrument)),
		Timestamp:  ts,
		Asks:       asks,
		Bids:       bids,
	}, nil
}

func parseLevels(raw [][2]string) ([]schema.PriceLevel, error) {
	levels := make([]schema.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", pair[1], err)
		}
		levels = append(levels, schema.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func parseTimestamp(micro, seconds string) (time.Time, error) {
	if micro = strings.TrimSpace(micro); micro != "" {
		us, err := strconv.ParseInt(micro, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("microtimestamp %q: %w", micro, err)
		}
		return time.UnixMicro(us).UTC(), nil
	}
	if seconds = strings.TrimSpace(seconds); seconds != "" {
		s, err := strconv.ParseInt(seconds, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", seconds, err)
		}
		return time.Unix(s, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("timestamp missing")
}

// Crossed reports whether the snapshot's best bid meets or crosses the best
// ask. Crossed books are transient exchange artifacts and are dropped.
func Crossed(book schema.OrderBookSnapshot) bool {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return false
	}
	return book.Bids[0].Price.GreaterThanOrEqual(book.Asks[0].Price)
}

// TickPriceFrom reduces a snapshot to its top of book. It reports false when
// either side is empty.
func TickPriceFrom(book schema.OrderBookSnapshot) (schema.TickPrice, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return schema.TickPrice{}, false
	}
	return schema.TickPrice{
		Instrument: book.Instrument,
		Timestamp:  book.Timestamp,
		BestBid:    book.Bids[0].Price,
		BestAsk:    book.Asks[0].Price,
	}, true
}
