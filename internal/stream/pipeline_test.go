package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

type captureSink struct {
	books    []schema.OrderBookSnapshot
	ticks    []schema.TickPrice
	failures int
}

func (s *captureSink) PublishOrderBook(ctx context.Context, book schema.OrderBookSnapshot) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.books = append(s.books, book)
	return nil
}

func (s *captureSink) PublishTickPrice(ctx context.Context, tick schema.TickPrice) error {
	s.ticks = append(s.ticks, tick)
	return nil
}

// stalledBookSink blocks every publish until release is closed.
type stalledBookSink struct {
	release chan struct{}
}

func (s *stalledBookSink) PublishOrderBook(ctx context.Context, book schema.OrderBookSnapshot) error {
	<-s.release
	return nil
}

type tickChanSink struct {
	ticks chan schema.TickPrice
}

func (s *tickChanSink) PublishTickPrice(ctx context.Context, tick schema.TickPrice) error {
	s.ticks <- tick
	return nil
}

func pipelineConfig() config.OrderBookSettings {
	cfg := config.Default().OrderBooks
	cfg.MaxEventsPerSecond = 0 // tests drive messages synchronously
	cfg.RetryFloor = config.Duration(time.Millisecond)
	cfg.RetryCap = config.Duration(5 * time.Millisecond)
	return cfg
}

func rawBook(instrument, ts, bid, ask string) RawMessage {
	payload := fmt.Sprintf(`{"microtimestamp":"%s","bids":[["%s","1.0"]],"asks":[["%s","1.0"]]}`, ts, bid, ask)
	return RawMessage{
		Instrument: instrument,
		Channel:    ChannelName(instrument),
		Data:       json.RawMessage(payload),
		Received:   time.Now(),
	}
}

// runPipeline feeds the messages through Run and returns once both sink
// workers have drained.
func runPipeline(t *testing.T, p *Pipeline, msgs ...RawMessage) {
	t.Helper()
	events := make(chan RawMessage, len(msgs))
	for _, msg := range msgs {
		events <- msg
	}
	close(events)
	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPipelinePublishesBooksAndTicks(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(pipelineConfig(), sink, sink, nil)

	runPipeline(t, p, rawBook("btcusd", "1709290000000000", "99", "100"))

	if len(sink.books) != 1 {
		t.Fatalf("expected 1 book, got %d", len(sink.books))
	}
	if len(sink.ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(sink.ticks))
	}
	if sink.ticks[0].BestBid.String() != "99" || sink.ticks[0].BestAsk.String() != "100" {
		t.Fatalf("tick = %+v", sink.ticks[0])
	}
}

func TestPipelineDropsCrossedBooks(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(pipelineConfig(), sink, sink, nil)

	runPipeline(t, p,
		rawBook("btcusd", "1709290000000000", "100", "100"),
		rawBook("btcusd", "1709290000000001", "101", "100"))

	if len(sink.books) != 0 || len(sink.ticks) != 0 {
		t.Fatalf("crossed books must be dropped, got %d books %d ticks", len(sink.books), len(sink.ticks))
	}
}

func TestPipelineDeduplicatesIdenticalBooks(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(pipelineConfig(), sink, sink, nil)

	msg := rawBook("btcusd", "1709290000000000", "99", "100")
	runPipeline(t, p, msg, msg, msg)

	if len(sink.books) != 1 {
		t.Fatalf("identical books must publish once, got %d", len(sink.books))
	}
}

func TestPipelineSuppressesUnchangedTicks(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(pipelineConfig(), sink, sink, nil)

	// Same top of book, different depth/timestamp: book publishes, tick
	// does not repeat.
	second := RawMessage{
		Instrument: "btcusd",
		Channel:    ChannelName("btcusd"),
		Data:       json.RawMessage(`{"microtimestamp":"1709290000000001","bids":[["99","1.0"],["98","2.0"]],"asks":[["100","1.0"]]}`),
		Received:   time.Now(),
	}
	runPipeline(t, p,
		rawBook("btcusd", "1709290000000000", "99", "100"),
		second,
		rawBook("btcusd", "1709290000000002", "99.5", "100"))

	if len(sink.books) != 3 {
		t.Fatalf("expected 3 books, got %d", len(sink.books))
	}
	if len(sink.ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(sink.ticks))
	}
}

func TestPipelineThrottlesPerInstrument(t *testing.T) {
	cfg := pipelineConfig()
	cfg.MaxEventsPerSecond = 1
	sink := &captureSink{}
	p := NewPipeline(cfg, sink, sink, nil)

	// A burst of distinct books on one instrument collapses to a single
	// publish, while another instrument still gets through.
	msgs := make([]RawMessage, 0, 6)
	for i := 0; i < 5; i++ {
		msgs = append(msgs, rawBook("btcusd", fmt.Sprintf("170929000000000%d", i), "99", fmt.Sprintf("10%d", i)))
	}
	msgs = append(msgs, rawBook("etheur", "1709290000000000", "10", "11"))
	runPipeline(t, p, msgs...)

	btc := 0
	eth := 0
	for _, book := range sink.books {
		switch book.Instrument {
		case "btcusd":
			btc++
		case "etheur":
			eth++
		}
	}
	if btc != 1 {
		t.Fatalf("expected 1 btcusd publish in burst, got %d", btc)
	}
	if eth != 1 {
		t.Fatalf("expected etheur to pass its own limiter, got %d", eth)
	}
}

func TestPipelineThrottledBookRepublishesOnResend(t *testing.T) {
	cfg := pipelineConfig()
	cfg.MaxEventsPerSecond = 2
	sink := &captureSink{}
	p := NewPipeline(cfg, sink, sink, nil)

	events := make(chan RawMessage)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), events) }()

	events <- rawBook("btcusd", "1709290000000000", "99", "100")
	throttled := rawBook("btcusd", "1709290000000001", "99", "101")
	events <- throttled
	time.Sleep(600 * time.Millisecond)
	// The exchange re-sends the state the limiter dropped. It must not be
	// mistaken for a duplicate of a published book.
	events <- throttled
	close(events)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.books) != 2 {
		t.Fatalf("expected re-sent book to publish after the throttle window, got %d books", len(sink.books))
	}
	if !sink.books[1].Asks[0].Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("latest book state not published: %+v", sink.books[1])
	}
}

func TestPipelineSinksFailIndependently(t *testing.T) {
	bookSink := &stalledBookSink{release: make(chan struct{})}
	tickSink := &tickChanSink{ticks: make(chan schema.TickPrice, 4)}
	p := NewPipeline(pipelineConfig(), bookSink, tickSink, nil)

	events := make(chan RawMessage, 4)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), events) }()

	events <- rawBook("btcusd", "1709290000000000", "99", "100")
	events <- rawBook("btcusd", "1709290000000001", "99.5", "100")

	// Ticks must keep flowing while the order book sink is stuck
	// mid-publish.
	for i := 0; i < 2; i++ {
		select {
		case <-tickSink.ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("tick publish delayed by a stalled order book sink")
		}
	}

	close(bookSink.release)
	close(events)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPipelineRetriesFailedPublishes(t *testing.T) {
	cfg := pipelineConfig()
	cfg.PublishRetryMaxTries = 5
	sink := &captureSink{failures: 2}
	p := NewPipeline(cfg, sink, sink, nil)

	runPipeline(t, p, rawBook("btcusd", "1709290000000000", "99", "100"))

	if len(sink.books) != 1 {
		t.Fatalf("publish should succeed after retries, got %d books", len(sink.books))
	}
}

func TestPipelineRunStopsWhenChannelCloses(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(pipelineConfig(), sink, sink, nil)

	events := make(chan RawMessage, 1)
	events <- rawBook("btcusd", "1709290000000000", "99", "100")
	close(events)

	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.books) != 1 {
		t.Fatalf("expected drained message to publish, got %d", len(sink.books))
	}
}

func TestDoublingBackOffSchedule(t *testing.T) {
	b := newDoublingBackOff(time.Second, 10*time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, expected := range want {
		if got := b.NextBackOff(); got != expected {
			t.Fatalf("attempt %d wait = %v, want %v", i, got, expected)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Fatalf("reset should return to floor, got %v", got)
	}

	for i := 0; i < 10; i++ {
		if got := b.NextBackOff(); got > 10*time.Second {
			t.Fatalf("wait %v exceeded cap", got)
		}
	}
}
