package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType distinguishes order direction.
type TradeType string

const (
	// TradeBuy marks a buy order.
	TradeBuy TradeType = "buy"
	// TradeSell marks a sell order.
	TradeSell TradeType = "sell"
)

// Validate ensures the trade type is one of the supported values.
func (t TradeType) Validate() error {
	switch t {
	case TradeBuy, TradeSell:
		return nil
	default:
		return fmt.Errorf("unknown trade type %q", string(t))
	}
}

// OrderStatus captures the lifecycle state of a limit order.
type OrderStatus string

const (
	// OrderActive marks an order resting on the exchange.
	OrderActive OrderStatus = "active"
	// OrderFill marks a fully executed order.
	OrderFill OrderStatus = "fill"
	// OrderCanceled marks an order canceled before any execution.
	OrderCanceled OrderStatus = "canceled"
)

// Validate ensures the status is one of the supported values.
func (s OrderStatus) Validate() error {
	switch s {
	case OrderActive, OrderFill, OrderCanceled:
		return nil
	default:
		return fmt.Errorf("unknown order status %q", string(s))
	}
}

// ParseOrderStatus converts a stored status string back into an OrderStatus.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if err := status.Validate(); err != nil {
		return "", err
	}
	return status, nil
}

// LimitOrder is the durable record of a locally submitted limit order.
// Derived fields (ExecutedAmount, RemainingAmount, AvgExecutionPrice) are
// recomputed from the exchange transaction feed, never written directly.
type LimitOrder struct {
	ID                string
	Instrument        string
	Price             decimal.Decimal
	Amount            decimal.Decimal
	CreatedUtc        time.Time
	ModifiedUtc       time.Time
	TradeType         TradeType
	Status            OrderStatus
	AvgExecutionPrice *decimal.Decimal
	ExecutedAmount    decimal.Decimal
	RemainingAmount   decimal.Decimal
	InternalAPIKey    string
}

// Transaction is a single fill reported by the exchange for an order.
type Transaction struct {
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// Clone returns a deep copy of the order.
func (o LimitOrder) Clone() LimitOrder {
	clone := o
	if o.AvgExecutionPrice != nil {
		avg := *o.AvgExecutionPrice
		clone.AvgExecutionPrice = &avg
	}
	return clone
}
