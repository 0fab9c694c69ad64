// Package orderstore tracks locally submitted limit orders and reconciles
// them against the exchange transaction feed.
package orderstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/errs"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

// Table is the key/value contract the store runs on. Records are addressed
// by a partition and a row key. Implementations must serialise Merge calls
// per record.
type Table interface {
	// Get returns the record, or an error carrying errs.CodeNotFound.
	Get(ctx context.Context, partition, row string) (schema.LimitOrder, error)
	// Insert stores a new record, or fails with errs.CodeAlreadyExists.
	Insert(ctx context.Context, partition, row string, order schema.LimitOrder) error
	// Merge applies mutate to the current record under a per-record lock
	// and returns the updated state.
	Merge(ctx context.Context, partition, row string, mutate func(*schema.LimitOrder) error) (schema.LimitOrder, error)
	// Scan walks records in (partition, row) order starting after pageToken.
	// It returns the page, plus a token for the next page or "" at the end.
	Scan(ctx context.Context, pageToken string, limit int) ([]schema.LimitOrder, string, error)
}

// PartitionKey derives the table partition from an order id: the last four
// characters, left-padded with zeros. Bitstamp ids are increasing, so using
// the tail spreads hot inserts across partitions.
func PartitionKey(orderID string) string {
	padded := orderID
	for len(padded) < 4 {
		padded = "0" + padded
	}
	return padded[len(padded)-4:]
}

const scanPageSize = 100

// Store coordinates limit order persistence on top of a Table.
type Store struct {
	table Table
	now   func() time.Time
}

// NewStore builds a Store on the given table.
func NewStore(table Table) *Store {
	return &Store{table: table, now: time.Now}
}

// Insert records a freshly placed order. Derived fields are initialised
// from the order amount; CreatedUtc and ModifiedUtc default to now.
func (s *Store) Insert(ctx context.Context, order schema.LimitOrder) error {
	const op = "orderstore/insert"

	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if err := order.TradeType.Validate(); err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	if order.Status == "" {
		order.Status = schema.OrderActive
	}
	if err := order.Status.Validate(); err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	now := s.now().UTC()
	if order.CreatedUtc.IsZero() {
		order.CreatedUtc = now
	}
	if order.ModifiedUtc.IsZero() {
		order.ModifiedUtc = now
	}
	order.ExecutedAmount = decimal.Zero
	order.RemainingAmount = order.Amount
	order.AvgExecutionPrice = nil

	return s.table.Insert(ctx, PartitionKey(order.ID), order.ID, order)
}

// GetByID fetches one order by its exchange id.
func (s *Store) GetByID(ctx context.Context, orderID string) (schema.LimitOrder, error) {
	return s.table.Get(ctx, PartitionKey(orderID), orderID)
}

// UpdateStatus transitions an order's lifecycle state. A cancel against an
// order that already executed something becomes a fill: the exchange cancels
// only the remainder and the executed part stands.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, status schema.OrderStatus) (schema.LimitOrder, error) {
	const op = "orderstore/update-status"

	if err := status.Validate(); err != nil {
		return schema.LimitOrder{}, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	now := s.now().UTC()
	return s.table.Merge(ctx, PartitionKey(orderID), orderID, func(order *schema.LimitOrder) error {
		if status == schema.OrderCanceled && order.AvgExecutionPrice != nil {
			order.Status = schema.OrderFill
		} else {
			order.Status = status
		}
		order.ModifiedUtc = now
		return nil
	})
}

// ReconcileTransactions recomputes the derived execution fields from the
// full fill history the exchange reports. supply receives the current record
// and returns the complete fill set for it; running it inside the mutator
// keeps the read-modify-write self-contained if the table retries. A nil
// supply means no fills. The operation is idempotent: replaying the same
// transactions yields the same record.
func (s *Store) ReconcileTransactions(ctx context.Context, orderID string, status schema.OrderStatus, supply func(schema.LimitOrder) []schema.Transaction) (schema.LimitOrder, error) {
	const op = "orderstore/reconcile"

	if err := status.Validate(); err != nil {
		return schema.LimitOrder{}, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	now := s.now().UTC()
	return s.table.Merge(ctx, PartitionKey(orderID), orderID, func(order *schema.LimitOrder) error {
		var txs []schema.Transaction
		if supply != nil {
			txs = supply(*order)
		}
		executed := decimal.Zero
		notional := decimal.Zero
		for _, tx := range txs {
			executed = executed.Add(tx.Amount)
			notional = notional.Add(tx.Amount.Mul(tx.Price))
		}

		order.Status = status
		order.ModifiedUtc = now
		order.ExecutedAmount = executed
		order.RemainingAmount = order.Amount.Sub(executed)
		if !executed.IsZero() {
			avg := notional.Div(executed)
			order.AvgExecutionPrice = &avg
		}
		return nil
	})
}

// ForEach walks every stored order page by page.
func (s *Store) ForEach(ctx context.Context, fn func(schema.LimitOrder) error) error {
	token := ""
	for {
		page, next, err := s.table.Scan(ctx, token, scanPageSize)
		if err != nil {
			return err
		}
		for _, order := range page {
			if err := fn(order); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		token = next
	}
}

// ListAll collects up to limit stored orders. A non-positive limit returns
// everything.
func (s *Store) ListAll(ctx context.Context, limit int) ([]schema.LimitOrder, error) {
	var out []schema.LimitOrder
	err := s.ForEach(ctx, func(order schema.LimitOrder) error {
		out = append(out, order)
		if limit > 0 && len(out) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	return out, nil
}

var errStopIteration = errors.New("stop iteration")
