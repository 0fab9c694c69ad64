// Package postgres persists limit orders in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/errs"
	"github.com/lykkecity/bitstamp-adapter/internal/orderstore"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

const uniqueViolationCode = "23505"

// OrderTable implements the order store Table contract on PostgreSQL.
// Decimal columns round-trip as text so no precision is lost.
type OrderTable struct {
	pool *pgxpool.Pool
}

// NewOrderTable constructs an OrderTable backed by the provided pool.
func NewOrderTable(pool *pgxpool.Pool) *OrderTable {
	return &OrderTable{pool: pool}
}

const (
	limitOrderInsertSQL = `
INSERT INTO limit_orders (
    partition_key,
    id,
    instrument,
    price,
    amount,
    created_utc,
    modified_utc,
    trade_type,
    status,
    avg_execution_price,
    executed_amount,
    remaining_amount,
    internal_api_key
)
VALUES (
    @partition_key,
    @id,
    @instrument,
    @price::numeric,
    @amount::numeric,
    @created_utc,
    @modified_utc,
    @trade_type,
    @status,
    @avg_execution_price::numeric,
    @executed_amount::numeric,
    @remaining_amount::numeric,
    @internal_api_key
);
`

	limitOrderUpdateSQL = `
UPDATE limit_orders
SET instrument = @instrument,
    price = @price::numeric,
    amount = @amount::numeric,
    created_utc = @created_utc,
    modified_utc = @modified_utc,
    trade_type = @trade_type,
    status = @status,
    avg_execution_price = @avg_execution_price::numeric,
    executed_amount = @executed_amount::numeric,
    remaining_amount = @remaining_amount::numeric,
    internal_api_key = @internal_api_key
WHERE partition_key = @partition_key AND id = @id;
`

	limitOrderSelectBase = `
SELECT
    id,
    instrument,
    price::text,
    amount::text,
    created_utc,
    modified_utc,
    trade_type,
    status,
    avg_execution_price::text,
    executed_amount::text,
    remaining_amount::text,
    internal_api_key
FROM limit_orders
`

	limitOrderGetSQL = limitOrderSelectBase + `
WHERE partition_key = @partition_key AND id = @id
`

	limitOrderGetForUpdateSQL = limitOrderGetSQL + `
FOR UPDATE
`

	limitOrderScanSQL = limitOrderSelectBase + `
WHERE (partition_key, id) > (@after_partition, @after_id)
ORDER BY partition_key, id
LIMIT @page_limit
`
)

// Get implements orderstore.Table.
func (t *OrderTable) Get(ctx context.Context, partition, row string) (schema.LimitOrder, error) {
	const op = "orderstore/get"
	args := pgx.NamedArgs{"partition_key": partition, "id": row}
	order, err := scanLimitOrder(t.pool.QueryRow(ctx, limitOrderGetSQL, args))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.LimitOrder{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("order "+row+" not found"))
	}
	if err != nil {
		return schema.LimitOrder{}, fmt.Errorf("get limit order %s: %w", row, err)
	}
	return order, nil
}

// Insert implements orderstore.Table.
func (t *OrderTable) Insert(ctx context.Context, partition, row string, order schema.LimitOrder) error {
	const op = "orderstore/insert"
	_, err := t.pool.Exec(ctx, limitOrderInsertSQL, limitOrderArgs(partition, row, order))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return errs.New(op, errs.CodeAlreadyExists,
				errs.WithMessage("order "+row+" already exists"))
		}
		return fmt.Errorf("insert limit order %s: %w", row, err)
	}
	return nil
}

// Merge implements orderstore.Table. The record is locked for the duration
// of the mutation so concurrent merges serialise.
func (t *OrderTable) Merge(ctx context.Context, partition, row string, mutate func(*schema.LimitOrder) error) (schema.LimitOrder, error) {
	const op = "orderstore/merge"

	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return schema.LimitOrder{}, fmt.Errorf("begin merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args := pgx.NamedArgs{"partition_key": partition, "id": row}
	order, err := scanLimitOrder(tx.QueryRow(ctx, limitOrderGetForUpdateSQL, args))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.LimitOrder{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("order "+row+" not found"))
	}
	if err != nil {
		return schema.LimitOrder{}, fmt.Errorf("lock limit order %s: %w", row, err)
	}

	if err := mutate(&order); err != nil {
		return schema.LimitOrder{}, err
	}

	if _, err := tx.Exec(ctx, limitOrderUpdateSQL, limitOrderArgs(partition, row, order)); err != nil {
		return schema.LimitOrder{}, fmt.Errorf("update limit order %s: %w", row, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return schema.LimitOrder{}, fmt.Errorf("commit merge for %s: %w", row, err)
	}
	return order, nil
}

// Scan implements orderstore.Table with keyset pagination ordered by
// (partition_key, id). The page token encodes the last returned key.
func (t *OrderTable) Scan(ctx context.Context, pageToken string, limit int) ([]schema.LimitOrder, string, error) {
	if limit <= 0 {
		limit = 100
	}
	afterPartition, afterID := splitPageToken(pageToken)

	args := pgx.NamedArgs{
		"after_partition": afterPartition,
		"after_id":        afterID,
		"page_limit":      limit + 1,
	}
	rows, err := t.pool.Query(ctx, limitOrderScanSQL, args)
	if err != nil {
		return nil, "", fmt.Errorf("scan limit orders: %w", err)
	}
	defer rows.Close()

	var out []schema.LimitOrder
	for rows.Next() {
		order, err := scanLimitOrder(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan limit order row: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate limit orders: %w", err)
	}

	if len(out) <= limit {
		return out, "", nil
	}
	out = out[:limit]
	last := out[len(out)-1]
	return out, orderstore.PartitionKey(last.ID) + "|" + last.ID, nil
}

func splitPageToken(token string) (string, string) {
	if token == "" {
		return "", ""
	}
	partition, id, found := strings.Cut(token, "|")
	if !found {
		return token, ""
	}
	return partition, id
}

func limitOrderArgs(partition, row string, order schema.LimitOrder) pgx.NamedArgs {
	var avg *string
	if order.AvgExecutionPrice != nil {
		s := order.AvgExecutionPrice.String()
		avg = &s
	}
	return pgx.NamedArgs{
		"partition_key":       partition,
		"id":                  row,
		"instrument":          order.Instrument,
		"price":               order.Price.String(),
		"amount":              order.Amount.String(),
		"created_utc":         order.CreatedUtc.UTC(),
		"modified_utc":        order.ModifiedUtc.UTC(),
		"trade_type":          string(order.TradeType),
		"status":              string(order.Status),
		"avg_execution_price": avg,
		"executed_amount":     order.ExecutedAmount.String(),
		"remaining_amount":    order.RemainingAmount.String(),
		"internal_api_key":    order.InternalAPIKey,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLimitOrder(row rowScanner) (schema.LimitOrder, error) {
	var (
		order      schema.LimitOrder
		price      string
		amount     string
		created    time.Time
		modified   time.Time
		tradeType  string
		status     string
		avg        *string
		executed   string
		remaining  string
		internal   string
		instrument string
	)
	err := row.Scan(
		&order.ID,
		&instrument,
		&price,
		&amount,
		&created,
		&modified,
		&tradeType,
		&status,
		&avg,
		&executed,
		&remaining,
		&internal,
	)
	if err != nil {
		return schema.LimitOrder{}, err
	}

	order.Instrument = instrument
	order.CreatedUtc = created.UTC()
	order.ModifiedUtc = modified.UTC()
	order.TradeType = schema.TradeType(tradeType)
	order.InternalAPIKey = internal

	parsedStatus, err := schema.ParseOrderStatus(status)
	if err != nil {
		return schema.LimitOrder{}, fmt.Errorf("stored status: %w", err)
	}
	order.Status = parsedStatus

	if order.Price, err = decimal.NewFromString(price); err != nil {
		return schema.LimitOrder{}, fmt.Errorf("stored price: %w", err)
	}
	if order.Amount, err = decimal.NewFromString(amount); err != nil {
		return schema.LimitOrder{}, fmt.Errorf("stored amount: %w", err)
	}
	if order.ExecutedAmount, err = decimal.NewFromString(executed); err != nil {
		return schema.LimitOrder{}, fmt.Errorf("stored executed amount: %w", err)
	}
	if order.RemainingAmount, err = decimal.NewFromString(remaining); err != nil {
		return schema.LimitOrder{}, fmt.Errorf("stored remaining amount: %w", err)
	}
	if avg != nil {
		parsed, err := decimal.NewFromString(*avg)
		if err != nil {
			return schema.LimitOrder{}, fmt.Errorf("stored avg execution price: %w", err)
		}
		order.AvgExecutionPrice = &parsed
	}
	return order, nil
}

var _ orderstore.Table = (*OrderTable)(nil)
