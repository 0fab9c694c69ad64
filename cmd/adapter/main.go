// Command adapter launches the Bitstamp exchange adapter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/internal/bitstamp"
	"github.com/lykkecity/bitstamp-adapter/internal/bus"
	"github.com/lykkecity/bitstamp-adapter/internal/infra/persistence/migrations"
	"github.com/lykkecity/bitstamp-adapter/internal/infra/persistence/postgres"
	"github.com/lykkecity/bitstamp-adapter/internal/observability"
	"github.com/lykkecity/bitstamp-adapter/internal/orderstore"
	"github.com/lykkecity/bitstamp-adapter/internal/reconcile"
	"github.com/lykkecity/bitstamp-adapter/internal/stream"
	"github.com/lykkecity/bitstamp-adapter/lib/telemetry"
)

const (
	defaultConfigPath        = "config/adapter.yaml"
	adapterLoggerPrefix      = "adapter "
	subscriberBuffer         = 256
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newAdapterLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	appCfg, loadedFromFile, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, instruments=%d, credentials=%d",
		appCfg.Environment, len(appCfg.OrderBooks.Instruments), len(appCfg.Credentials))

	providers, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	table, pool, err := buildOrderTable(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise order store: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	store := orderstore.NewStore(table)

	registry := bitstamp.NewRegistry(appCfg.Credentials)
	clients := buildClients(appCfg, registry)
	logger.Printf("exchange clients ready: %d", len(clients))

	tracker := reconcile.NewTracker(store, statusClients(clients), 0)

	metrics, err := stream.NewMetrics(providers.MeterProvider)
	if err != nil {
		logger.Fatalf("initialise stream metrics: %v", err)
	}

	broker := bus.NewBroker()
	sink := bus.NewSink(broker, appCfg.OrderBooks.OrderBooks, appCfg.OrderBooks.TickPrices)
	logSubscribers(broker, appCfg.OrderBooks, logger)

	socket := stream.NewPushSocket(ctx, appCfg.Exchange, appCfg.OrderBooks)
	if err := socket.Start(); err != nil {
		logger.Fatalf("start push socket: %v", err)
	}

	pipeline := stream.NewPipeline(appCfg.OrderBooks, sink, sink, metrics)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := pipeline.Run(ctx, socket.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("pipeline stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		metrics.RunStatsLoop(ctx, appCfg.OrderBooks.StatsWindow.Std())
	})
	lifecycle.Go(func() {
		tracker.Run(ctx)
	})
	lifecycle.Go(func() {
		for err := range socket.Errors() {
			logger.Printf("push socket: %v", err)
		}
	})

	logger.Print("adapter started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	socket.Stop()
	cancel()
	lifecycle.Wait()
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, fmt.Sprintf("Path to adapter configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newAdapterLogger() *log.Logger {
	return log.New(os.Stdout, adapterLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// buildOrderTable selects the limit order persistence backend. A configured
// DSN runs migrations and connects to Postgres; otherwise orders live in
// memory for the lifetime of the process.
func buildOrderTable(ctx context.Context, logger *log.Logger, cfg config.DatabaseSettings) (orderstore.Table, *pgxpool.Pool, error) {
	if cfg.DSN == "" {
		logger.Print("no database configured, using in-memory order table")
		return orderstore.NewMemoryTable(), nil, nil
	}
	if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Print("postgres order table ready")
	return postgres.NewOrderTable(pool), pool, nil
}

// buildClients creates one authenticated REST client per configured
// credential set, keyed by the internal API key callers present.
func buildClients(cfg config.Settings, registry *bitstamp.Registry) map[string]*bitstamp.Client {
	clients := make(map[string]*bitstamp.Client)
	for _, token := range registry.Tokens() {
		signer, err := registry.Resolve(token)
		if err != nil {
			continue
		}
		clients[token] = bitstamp.NewClient(cfg.Exchange, signer, bitstamp.WithInternalKey(token))
	}
	return clients
}

func statusClients(clients map[string]*bitstamp.Client) map[string]reconcile.StatusClient {
	out := make(map[string]reconcile.StatusClient, len(clients))
	for token, client := range clients {
		out[token] = client
	}
	return out
}

func logSubscribers(broker *bus.Broker, cfg config.OrderBookSettings, logger *log.Logger) {
	if cfg.OrderBooks.Enabled {
		events := broker.Subscribe(cfg.OrderBooks.Name, subscriberBuffer)
		go logEvents(events, logger)
	}
	if cfg.TickPrices.Enabled {
		events := broker.Subscribe(cfg.TickPrices.Name, subscriberBuffer)
		go logEvents(events, logger)
	}
}

func logEvents(events <-chan bus.Event, logger *log.Logger) {
	for event := range events {
		switch {
		case event.OrderBook != nil:
			logger.Printf("order book published: topic=%s instrument=%s bids=%d asks=%d",
				event.Topic, event.OrderBook.Instrument, len(event.OrderBook.Bids), len(event.OrderBook.Asks))
		case event.TickPrice != nil:
			logger.Printf("tick price published: topic=%s instrument=%s bid=%s ask=%s",
				event.Topic, event.TickPrice.Instrument, event.TickPrice.BestBid, event.TickPrice.BestAsk)
		}
	}
}
