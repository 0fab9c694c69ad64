package bitstamp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

const exchangeTimeLayout = "2006-01-02 15:04:05"

// Time decodes the "2006-01-02 15:04:05" timestamps the exchange emits.
// Values are interpreted as UTC.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("exchange timestamp: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(exchangeTimeLayout, raw)
	if err != nil {
		// Some endpoints report fractional seconds.
		parsed, err = time.Parse("2006-01-02 15:04:05.999999", raw)
		if err != nil {
			return fmt.Errorf("exchange timestamp %q: %w", raw, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(exchangeTimeLayout))
}

// ID tolerates the exchange emitting identifiers as either JSON strings or
// numbers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("order id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("order id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// String returns the identifier text.
func (id ID) String() string { return string(id) }

// OrderType is the exchange order direction: 0 buy, 1 sell.
type OrderType int

const (
	// OrderTypeBuy is a buy order.
	OrderTypeBuy OrderType = 0
	// OrderTypeSell is a sell order.
	OrderTypeSell OrderType = 1
)

// UnmarshalJSON accepts both numeric and string-encoded order types.
func (o *OrderType) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("order type: %w", err)
		}
		trimmed = []byte(s)
	}
	switch string(trimmed) {
	case "0":
		*o = OrderTypeBuy
	case "1":
		*o = OrderTypeSell
	default:
		return fmt.Errorf("order type: unexpected value %q", string(data))
	}
	return nil
}

// TradeType converts the exchange direction to the adapter trade type.
func (o OrderType) TradeType() schema.TradeType {
	if o == OrderTypeSell {
		return schema.TradeSell
	}
	return schema.TradeBuy
}

// ExchangeOrderStatus is the lifecycle state Bitstamp reports for an order.
type ExchangeOrderStatus string

const (
	// StatusOpen marks a resting order.
	StatusOpen ExchangeOrderStatus = "Open"
	// StatusQueue marks an order queued for matching.
	StatusQueue ExchangeOrderStatus = "Queue"
	// StatusFinished marks a completed order.
	StatusFinished ExchangeOrderStatus = "Finished"
	// StatusCanceled marks a canceled order.
	StatusCanceled ExchangeOrderStatus = "Canceled"
)

// OrderStatus maps the exchange lifecycle state onto the adapter status.
// Queued orders are still working, so they map to active.
func (s ExchangeOrderStatus) OrderStatus() (schema.OrderStatus, error) {
	switch s {
	case StatusOpen, StatusQueue:
		return schema.OrderActive, nil
	case StatusFinished:
		return schema.OrderFill, nil
	case StatusCanceled:
		return schema.OrderCanceled, nil
	default:
		return "", fmt.Errorf("unexpected exchange order status %q", string(s))
	}
}

// PlaceOrderResponse is the exchange acknowledgement of a new limit order.
type PlaceOrderResponse struct {
	ID       ID              `json:"id"`
	Datetime string          `json:"datetime"`
	Type     OrderType       `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}

// ShortOrder is one entry of the open orders listing.
type ShortOrder struct {
	ID           ID              `json:"id"`
	Price        decimal.Decimal `json:"price"`
	CurrencyPair string          `json:"currency_pair"`
	Datetime     Time            `json:"datetime"`
	Amount       decimal.Decimal `json:"amount"`
	Type         OrderType       `json:"type"`
}

// OrderStatusResponse reports the state and fills of one order. Transaction
// objects keep their raw shape: the amount key is named after the traded
// crypto currency and only known in the caller's instrument context.
type OrderStatusResponse struct {
	Status       ExchangeOrderStatus `json:"status"`
	OrderID      int64               `json:"id"`
	Transactions []json.RawMessage   `json:"transactions"`
}

// CancelOrderResponse is the exchange acknowledgement of a cancellation.
type CancelOrderResponse struct {
	ID     ID              `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Type   OrderType       `json:"type"`
}

// Balance is one asset row assembled from the flat balance response.
type Balance struct {
	Asset     string
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	Available decimal.Decimal
}

// WithdrawalType enumerates the transfer rails Bitstamp reports.
type WithdrawalType int

// Withdrawal rail codes as reported by the exchange.
const (
	WithdrawalSepa         WithdrawalType = 0
	WithdrawalBitcoin      WithdrawalType = 1
	WithdrawalWireTransfer WithdrawalType = 2
	WithdrawalXrp          WithdrawalType = 14
	WithdrawalLitecoin     WithdrawalType = 15
	WithdrawalEthereum     WithdrawalType = 16
)

// WithdrawalStatus enumerates withdrawal processing states.
type WithdrawalStatus int

// Withdrawal states as reported by the exchange.
const (
	WithdrawalOpen      WithdrawalStatus = 0
	WithdrawalInProcess WithdrawalStatus = 1
	WithdrawalFinished  WithdrawalStatus = 2
	WithdrawalCanceled  WithdrawalStatus = 3
	WithdrawalFailed    WithdrawalStatus = 4
)

// Withdrawal is one row of the withdrawal requests listing.
type Withdrawal struct {
	ID            ID               `json:"id"`
	Datetime      Time             `json:"datetime"`
	Type          WithdrawalType   `json:"type"`
	Currency      string           `json:"currency"`
	Amount        decimal.Decimal  `json:"amount"`
	Status        WithdrawalStatus `json:"status"`
	Address       string           `json:"address"`
	TransactionID string           `json:"transaction_id"`
}

// WithdrawalID acknowledges a newly created withdrawal.
type WithdrawalID struct {
	ID ID `json:"id"`
}

// TransferResult reports the outcome of a sub/main account transfer.
type TransferResult struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// UnconfirmedBitcoinDeposit is one pending deposit awaiting confirmations.
type UnconfirmedBitcoinDeposit struct {
	Amount        decimal.Decimal `json:"amount"`
	Address       string          `json:"address"`
	Confirmations int             `json:"confirmations"`
}

// ParseTransactions converts raw fill objects into adapter transactions.
// The amount lives under a key named after the instrument's crypto currency
// (its first three characters); the key lookup ignores case. Instruments are
// six characters, crypto then fiat.
func ParseTransactions(instrument string, raws []json.RawMessage) ([]schema.Transaction, error) {
	if len(instrument) != 6 {
		return nil, fmt.Errorf("instrument %q: expected 6 characters", instrument)
	}
	crypto := strings.ToLower(instrument[:3])

	out := make([]schema.Transaction, 0, len(raws))
	for i, raw := range raws {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		lowered := make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			lowered[strings.ToLower(k)] = v
		}
		amountRaw, ok := lowered[crypto]
		if !ok {
			return nil, fmt.Errorf("transaction %d: currency %s not found in response", i, crypto)
		}
		priceRaw, ok := lowered["price"]
		if !ok {
			return nil, fmt.Errorf("transaction %d: price not found in response", i)
		}
		var tx schema.Transaction
		if err := json.Unmarshal(amountRaw, &tx.Amount); err != nil {
			return nil, fmt.Errorf("transaction %d: amount: %w", i, err)
		}
		if err := json.Unmarshal(priceRaw, &tx.Price); err != nil {
			return nil, fmt.Errorf("transaction %d: price: %w", i, err)
		}
		out = append(out, tx)
	}
	return out, nil
}
