package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

func TestChannelNaming(t *testing.T) {
	if got := ChannelName("btcusd"); got != "order_book" {
		t.Fatalf("btcusd channel = %q", got)
	}
	if got := ChannelName("ETHEUR"); got != "order_book_etheur" {
		t.Fatalf("etheur channel = %q", got)
	}

	inst, ok := InstrumentFromChannel("order_book")
	if !ok || inst != "btcusd" {
		t.Fatalf("order_book resolved to %q ok=%v", inst, ok)
	}
	inst, ok = InstrumentFromChannel("order_book_xrpusd")
	if !ok || inst != "xrpusd" {
		t.Fatalf("order_book_xrpusd resolved to %q ok=%v", inst, ok)
	}
	if _, ok := InstrumentFromChannel("live_trades"); ok {
		t.Fatal("live_trades should not resolve")
	}
}

func TestParseOrderBook(t *testing.T) {
	data := []byte(`{
		"timestamp": "1709290000",
		"microtimestamp": "1709290000123456",
		"bids": [["29999.50", "0.5"], ["29998.00", "1.0"]],
		"asks": [["30000.50", "0.4"], ["30001.00", "2.0"]]
	}`)

	book, err := ParseOrderBook("BTCUSD", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if book.Source != SourceName || book.Instrument != "btcusd" {
		t.Fatalf("identity = %q/%q", book.Source, book.Instrument)
	}
	want := time.UnixMicro(1709290000123456).UTC()
	if !book.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", book.Timestamp, want)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 2 {
		t.Fatalf("levels = %d bids / %d asks", len(book.Bids), len(book.Asks))
	}
	if !book.Bids[0].Price.Equal(decimal.RequireFromString("29999.50")) {
		t.Fatalf("best bid = %s", book.Bids[0].Price)
	}
	if !book.Asks[0].Size.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("best ask size = %s", book.Asks[0].Size)
	}
}

func TestParseOrderBookFallsBackToSeconds(t *testing.T) {
	data := []byte(`{"timestamp": "1709290000", "bids": [], "asks": []}`)
	book, err := ParseOrderBook("btcusd", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !book.Timestamp.Equal(time.Unix(1709290000, 0).UTC()) {
		t.Fatalf("timestamp = %v", book.Timestamp)
	}
}

func TestParseOrderBookSortsSides(t *testing.T) {
	data := []byte(`{
		"microtimestamp": "1709290000123456",
		"bids": [["29998.00", "1.0"], ["29999.50", "0.5"]],
		"asks": [["30001.00", "2.0"], ["30000.50", "0.4"]]
	}`)

	book, err := ParseOrderBook("btcusd", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !book.Bids[0].Price.Equal(decimal.RequireFromString("29999.50")) {
		t.Fatalf("bids not sorted descending: %+v", book.Bids)
	}
	if !book.Asks[0].Price.Equal(decimal.RequireFromString("30000.50")) {
		t.Fatalf("asks not sorted ascending: %+v", book.Asks)
	}
}

func TestParseOrderBookRejectsGarbage(t *testing.T) {
	if _, err := ParseOrderBook("btcusd", []byte(`{"bids":[["x","1"]],"asks":[]}`)); err == nil {
		t.Fatal("expected error for non-numeric price")
	}
	if _, err := ParseOrderBook("btcusd", []byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func book(bid, ask string) schema.OrderBookSnapshot {
	return schema.OrderBookSnapshot{
		Source:     SourceName,
		Instrument: "btcusd",
		Timestamp:  time.Unix(1709290000, 0).UTC(),
		Bids:       []schema.PriceLevel{{Price: decimal.RequireFromString(bid), Size: decimal.New(1, 0)}},
		Asks:       []schema.PriceLevel{{Price: decimal.RequireFromString(ask), Size: decimal.New(1, 0)}},
	}
}

func TestCrossed(t *testing.T) {
	if Crossed(book("99", "100")) {
		t.Fatal("normal book must not report crossed")
	}
	if !Crossed(book("100", "100")) {
		t.Fatal("touching book must report crossed")
	}
	if !Crossed(book("101", "100")) {
		t.Fatal("inverted book must report crossed")
	}
	empty := schema.OrderBookSnapshot{Instrument: "btcusd"}
	if Crossed(empty) {
		t.Fatal("empty book must not report crossed")
	}
}

func TestTickPriceFrom(t *testing.T) {
	tick, ok := TickPriceFrom(book("99", "100"))
	if !ok {
		t.Fatal("expected tick")
	}
	if !tick.BestBid.Equal(decimal.RequireFromString("99")) || !tick.BestAsk.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("tick = %+v", tick)
	}

	oneSided := book("99", "100")
	oneSided.Asks = nil
	if _, ok := TickPriceFrom(oneSided); ok {
		t.Fatal("one-sided book must not produce a tick")
	}
}
