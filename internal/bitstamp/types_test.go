package bitstamp

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

func TestTimeParsesExchangeLayout(t *testing.T) {
	var ts Time
	if err := json.Unmarshal([]byte(`"2024-03-01 15:04:05"`), &ts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("parsed %v, want %v", ts.Time, want)
	}

	if err := json.Unmarshal([]byte(`"2024-03-01 15:04:05.123456"`), &ts); err != nil {
		t.Fatalf("fractional seconds: %v", err)
	}

	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestIDAcceptsStringsAndNumbers(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"123456"`), &id); err != nil {
		t.Fatalf("string id: %v", err)
	}
	if id != "123456" {
		t.Fatalf("id = %q", id)
	}
	if err := json.Unmarshal([]byte(`987654`), &id); err != nil {
		t.Fatalf("numeric id: %v", err)
	}
	if id != "987654" {
		t.Fatalf("id = %q", id)
	}
}

func TestOrderTypeDecoding(t *testing.T) {
	var ot OrderType
	if err := json.Unmarshal([]byte(`1`), &ot); err != nil {
		t.Fatalf("numeric: %v", err)
	}
	if ot != OrderTypeSell || ot.TradeType() != schema.TradeSell {
		t.Fatalf("decoded %v", ot)
	}
	if err := json.Unmarshal([]byte(`"0"`), &ot); err != nil {
		t.Fatalf("string: %v", err)
	}
	if ot != OrderTypeBuy || ot.TradeType() != schema.TradeBuy {
		t.Fatalf("decoded %v", ot)
	}
	if err := json.Unmarshal([]byte(`2`), &ot); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestExchangeOrderStatusMapping(t *testing.T) {
	cases := map[ExchangeOrderStatus]schema.OrderStatus{
		StatusOpen:     schema.OrderActive,
		StatusQueue:    schema.OrderActive,
		StatusFinished: schema.OrderFill,
		StatusCanceled: schema.OrderCanceled,
	}
	for in, want := range cases {
		got, err := in.OrderStatus()
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s mapped to %s, want %s", in, got, want)
		}
	}
	if _, err := ExchangeOrderStatus("Expired").OrderStatus(); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestParseTransactions(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"BTC":"0.4","price":"99","fee":"0.1","datetime":"2024-03-01 10:00:00"}`),
		json.RawMessage(`{"btc":"0.6","PRICE":"101"}`),
	}

	txs, err := ParseTransactions("btcusd", raws)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Amount.String() != "0.4" || txs[0].Price.String() != "99" {
		t.Fatalf("tx0 = %+v", txs[0])
	}
	if txs[1].Amount.String() != "0.6" || txs[1].Price.String() != "101" {
		t.Fatalf("tx1 = %+v", txs[1])
	}
}

func TestParseTransactionsMissingCurrency(t *testing.T) {
	raws := []json.RawMessage{json.RawMessage(`{"eth":"1.0","price":"10"}`)}
	if _, err := ParseTransactions("btcusd", raws); err == nil {
		t.Fatal("expected error when currency key is absent")
	}
}

func TestParseTransactionsRejectsShortInstrument(t *testing.T) {
	if _, err := ParseTransactions("btc", nil); err == nil {
		t.Fatal("expected error for malformed instrument")
	}
}
