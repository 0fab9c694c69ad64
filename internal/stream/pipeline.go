package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/internal/observability"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

// OrderBookSink receives normalized order book snapshots.
type OrderBookSink interface {
	PublishOrderBook(ctx context.Context, book schema.OrderBookSnapshot) error
}

// TickPriceSink receives top-of-book updates.
type TickPriceSink interface {
	PublishTickPrice(ctx context.Context, tick schema.TickPrice) error
}

// sinkQueueDepth bounds the per-sink publish queue. A full queue drops the
// event instead of blocking intake.
const sinkQueueDepth = 256

// Pipeline normalizes raw exchange payloads and fans them out to the sinks.
// Per instrument it deduplicates identical books, throttles to the
// configured rate and suppresses tick prices whose top of book is unchanged.
// Each sink runs on its own goroutine behind a bounded queue, so a stalled
// or retrying sink never delays the other sink or the intake loop.
// It is not safe for concurrent Run calls.
type Pipeline struct {
	books    OrderBookSink
	ticks    TickPriceSink
	metrics  *Metrics
	maxTries uint

	retryFloor time.Duration
	retryCap   time.Duration

	limiters map[string]*rate.Limiter
	lastBook map[string]schema.OrderBookSnapshot
	lastTick map[string]schema.TickPrice

	bookQueue chan schema.OrderBookSnapshot
	tickQueue chan schema.TickPrice

	eventsPerSecond float64
}

// NewPipeline builds a pipeline for the configured instruments. Either sink
// may be nil, disabling that output.
func NewPipeline(cfg config.OrderBookSettings, books OrderBookSink, ticks TickPriceSink, metrics *Metrics) *Pipeline {
	maxTries := cfg.PublishRetryMaxTries
	if maxTries <= 0 {
		maxTries = 1
	}
	retryFloor := cfg.RetryFloor.Std()
	if retryFloor <= 0 {
		retryFloor = time.Second
	}
	retryCap := cfg.RetryCap.Std()
	if retryCap < retryFloor {
		retryCap = defaultRetryCap
	}

	if !cfg.OrderBooks.Enabled {
		books = nil
	}
	if !cfg.TickPrices.Enabled {
		ticks = nil
	}

	return &Pipeline{
		books:           books,
		ticks:           ticks,
		metrics:         metrics,
		maxTries:        uint(maxTries),
		retryFloor:      retryFloor,
		retryCap:        retryCap,
		limiters:        make(map[string]*rate.Limiter),
		lastBook:        make(map[string]schema.OrderBookSnapshot),
		lastTick:        make(map[string]schema.TickPrice),
		eventsPerSecond: cfg.MaxEventsPerSecond,
	}
}

// Run consumes raw messages until the channel closes or the context ends.
// It returns only after both sink workers have drained their queues.
func (p *Pipeline) Run(ctx context.Context, events <-chan RawMessage) error {
	p.bookQueue = make(chan schema.OrderBookSnapshot, sinkQueueDepth)
	p.tickQueue = make(chan schema.TickPrice, sinkQueueDepth)

	var sinks conc.WaitGroup
	if p.books != nil {
		sinks.Go(func() { p.runBookSink(ctx) })
	}
	if p.ticks != nil {
		sinks.Go(func() { p.runTickSink(ctx) })
	}

	var runErr error
intake:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break intake
		case msg, ok := <-events:
			if !ok {
				break intake
			}
			p.process(ctx, msg)
		}
	}

	close(p.bookQueue)
	close(p.tickQueue)
	sinks.Wait()
	return runErr
}

func (p *Pipeline) runBookSink(ctx context.Context) {
	for book := range p.bookQueue {
		if err := p.publishWithRetry(ctx, func(ctx context.Context) error {
			return p.books.PublishOrderBook(ctx, book)
		}); err != nil {
			observability.Log().Error("publish order book",
				observability.Field{Key: "instrument", Value: book.Instrument},
				observability.Field{Key: "error", Value: err})
			continue
		}
		p.metrics.MarkPublished(ctx, "order_book", book.Instrument)
	}
}

func (p *Pipeline) runTickSink(ctx context.Context) {
	for tick := range p.tickQueue {
		if err := p.publishWithRetry(ctx, func(ctx context.Context) error {
			return p.ticks.PublishTickPrice(ctx, tick)
		}); err != nil {
			observability.Log().Error("publish tick price",
				observability.Field{Key: "instrument", Value: tick.Instrument},
				observability.Field{Key: "error", Value: err})
			continue
		}
		p.metrics.MarkPublished(ctx, "tick_price", tick.Instrument)
	}
}

func (p *Pipeline) process(ctx context.Context, msg RawMessage) {
	p.metrics.MarkReceived(ctx, msg.Instrument)

	book, err := ParseOrderBook(msg.Instrument, msg.Data)
	if err != nil {
		p.metrics.MarkDropped(ctx, "decode", msg.Instrument)
		observability.Log().Error("drop undecodable payload",
			observability.Field{Key: "instrument", Value: msg.Instrument},
			observability.Field{Key: "error", Value: err})
		return
	}

	if Crossed(book) {
		p.metrics.MarkDropped(ctx, "crossed", book.Instrument)
		return
	}

	if last, ok := p.lastBook[book.Instrument]; ok && book.Equal(last) {
		p.metrics.MarkDropped(ctx, "duplicate", book.Instrument)
		return
	}

	if !p.allow(book.Instrument) {
		p.metrics.MarkDropped(ctx, "throttled", book.Instrument)
		return
	}
	// Record dedup state only for snapshots that clear the limiter, so a
	// throttled book can still go out when the exchange re-sends it.
	p.lastBook[book.Instrument] = book

	if p.books != nil {
		p.enqueueBook(ctx, book)
	}

	if p.ticks == nil {
		return
	}
	tick, ok := TickPriceFrom(book)
	if !ok {
		return
	}
	if last, seen := p.lastTick[tick.Instrument]; seen &&
		last.BestBid.Equal(tick.BestBid) && last.BestAsk.Equal(tick.BestAsk) {
		return
	}
	p.lastTick[tick.Instrument] = tick
	p.enqueueTick(ctx, tick)
}

func (p *Pipeline) enqueueBook(ctx context.Context, book schema.OrderBookSnapshot) {
	select {
	case p.bookQueue <- book:
	default:
		p.metrics.MarkDropped(ctx, "backlog", book.Instrument)
		observability.Log().Error("order book sink backlog, dropping snapshot",
			observability.Field{Key: "instrument", Value: book.Instrument})
	}
}

func (p *Pipeline) enqueueTick(ctx context.Context, tick schema.TickPrice) {
	select {
	case p.tickQueue <- tick:
	default:
		p.metrics.MarkDropped(ctx, "backlog", tick.Instrument)
		observability.Log().Error("tick price sink backlog, dropping tick",
			observability.Field{Key: "instrument", Value: tick.Instrument})
	}
}

// allow applies the per-instrument rate cap. A zero rate disables
// throttling.
func (p *Pipeline) allow(instrument string) bool {
	if p.eventsPerSecond <= 0 {
		return true
	}
	limiter, ok := p.limiters[instrument]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.eventsPerSecond), 1)
		p.limiters[instrument] = limiter
	}
	return limiter.Allow()
}

func (p *Pipeline) publishWithRetry(ctx context.Context, publish func(context.Context) error) error {
	operation := func() (struct{}, error) {
		return struct{}{}, publish(ctx)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newDoublingBackOff(p.retryFloor, p.retryCap)),
		backoff.WithMaxTries(p.maxTries))
	if err != nil {
		return fmt.Errorf("publish after %d tries: %w", p.maxTries, err)
	}
	return nil
}

// newDoublingBackOff doubles the wait between attempts from floor to cap,
// without jitter so the schedule stays predictable. Shared by the publish
// retry and the websocket reconnect loop.
func newDoublingBackOff(floor, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = floor
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}
