// Package reconcile keeps the local limit order mirror aligned with the
// exchange by periodically re-reading order status for active orders.
package reconcile

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/lykkecity/bitstamp-adapter/errs"
	"github.com/lykkecity/bitstamp-adapter/internal/bitstamp"
	"github.com/lykkecity/bitstamp-adapter/internal/observability"
	"github.com/lykkecity/bitstamp-adapter/internal/orderstore"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

const (
	defaultSweepInterval = 30 * time.Second
	sweepWorkerLimit     = 4
)

// StatusClient reads order status from the exchange for one credential set.
type StatusClient interface {
	OrderStatus(ctx context.Context, id string) (bitstamp.OrderStatusResponse, error)
}

// Tracker sweeps active orders and folds the exchange transaction feed back
// into the store. Orders whose credential set is no longer configured are
// skipped.
type Tracker struct {
	store    *orderstore.Store
	clients  map[string]StatusClient
	interval time.Duration
}

// NewTracker builds a tracker over the given store and per-key clients.
// A non-positive interval falls back to the default sweep interval.
func NewTracker(store *orderstore.Store, clients map[string]StatusClient, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Tracker{store: store, clients: clients, interval: interval}
}

// Run sweeps on the configured interval until the context is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep reconciles every active order once.
func (t *Tracker) Sweep(ctx context.Context) {
	active, err := t.activeOrders(ctx)
	if err != nil {
		observability.Log().Error("order sweep scan failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	if len(active) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(sweepWorkerLimit)
	for _, order := range active {
		order := order
		p.Go(func() { t.reconcileOrder(ctx, order) })
	}
	p.Wait()
}

func (t *Tracker) activeOrders(ctx context.Context) ([]schema.LimitOrder, error) {
	var active []schema.LimitOrder
	err := t.store.ForEach(ctx, func(order schema.LimitOrder) error {
		if order.Status == schema.OrderActive {
			active = append(active, order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

func (t *Tracker) reconcileOrder(ctx context.Context, order schema.LimitOrder) {
	client, ok := t.clients[order.InternalAPIKey]
	if !ok {
		return
	}

	resp, err := client.OrderStatus(ctx, order.ID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			observability.Log().Info("tracked order unknown to exchange",
				observability.Field{Key: "order_id", Value: order.ID})
			return
		}
		observability.Log().Error("order status read failed",
			observability.Field{Key: "order_id", Value: order.ID},
			observability.Field{Key: "error", Value: err})
		return
	}

	txs, err := bitstamp.ParseTransactions(order.Instrument, resp.Transactions)
	if err != nil {
		observability.Log().Error("order transactions unreadable",
			observability.Field{Key: "order_id", Value: order.ID},
			observability.Field{Key: "error", Value: err})
		return
	}

	status, err := resp.Status.OrderStatus()
	if err != nil {
		observability.Log().Error("order status unmapped",
			observability.Field{Key: "order_id", Value: order.ID},
			observability.Field{Key: "error", Value: err})
		return
	}

	supply := func(schema.LimitOrder) []schema.Transaction { return txs }
	if _, err := t.store.ReconcileTransactions(ctx, order.ID, status, supply); err != nil {
		observability.Log().Error("order reconcile failed",
			observability.Field{Key: "order_id", Value: order.ID},
			observability.Field{Key: "error", Value: err})
	}
}
