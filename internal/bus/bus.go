// Package bus provides a small in-process publish/subscribe broker used to
// hand normalized events to downstream consumers.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

// Event is one message delivered on a topic.
type Event struct {
	Topic     string
	OrderBook *schema.OrderBookSnapshot
	TickPrice *schema.TickPrice
	Published time.Time
}

// Broker fans events out to topic subscribers. Slow subscribers do not
// block publishing: when a subscriber buffer is full the event is dropped
// for that subscriber only.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]chan Event
	closed bool
}

// NewBroker builds an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string][]chan Event)}
}

// Subscribe registers a buffered subscription on a topic.
func (b *Broker) Subscribe(topic string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.topics[topic] = append(b.topics[topic], ch)
	return ch
}

// Publish delivers the event to every subscriber of its topic. Publishing
// after Close is a no-op. Sends happen under the read lock so Close cannot
// close a channel mid-send; they never block, so the lock is held briefly.
func (b *Broker) Publish(event Event) {
	event.Published = time.Now().UTC()
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.topics[event.Topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.topics = make(map[string][]chan Event)
}

// Sink publishes pipeline output onto broker topics.
type Sink struct {
	broker    *Broker
	bookTopic string
	tickTopic string
}

// NewSink builds a Sink using the configured topic names.
func NewSink(broker *Broker, books, ticks config.SinkSettings) *Sink {
	return &Sink{
		broker:    broker,
		bookTopic: books.Name,
		tickTopic: ticks.Name,
	}
}

// PublishOrderBook implements the order book sink contract.
func (s *Sink) PublishOrderBook(ctx context.Context, book schema.OrderBookSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.Publish(Event{Topic: s.bookTopic, OrderBook: &book})
	return nil
}

// PublishTickPrice implements the tick price sink contract.
func (s *Sink) PublishTickPrice(ctx context.Context, tick schema.TickPrice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.Publish(Event{Topic: s.tickTopic, TickPrice: &tick})
	return nil
}
