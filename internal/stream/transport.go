package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/internal/observability"
)

const (
	wsReadLimit     = 2 * 1024 * 1024
	wsWriteTimeout  = 5 * time.Second
	wsReadyTimeout  = 10 * time.Second
	defaultRetryCap = 10 * time.Second
)

var errReconnectRequested = errors.New("server requested reconnect")

type wsEnvelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsSubscribeRequest struct {
	Event string `json:"event"`
	Data  struct {
		Channel string `json:"channel"`
	} `json:"data"`
}

// RawMessage is one order book payload received from the push socket.
type RawMessage struct {
	Instrument string
	Channel    string
	Data       json.RawMessage
	Received   time.Time
}

// PushSocket maintains the websocket session against the exchange and fans
// raw order book payloads into the events channel. It reconnects with
// exponential backoff and resubscribes every channel after each reconnect.
type PushSocket struct {
	url        string
	retryFloor time.Duration
	retryCap   time.Duration
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	subsMu        sync.Mutex
	subscriptions map[string]string

	events chan RawMessage
	errs   chan error

	ready     chan struct{}
	readyOnce sync.Once
}

// NewPushSocket prepares a socket subscribed to the order book channels of
// the configured instruments.
func NewPushSocket(ctx context.Context, exchange config.ExchangeSettings, books config.OrderBookSettings) *PushSocket {
	socketCtx, cancel := context.WithCancel(ctx)

	retryFloor := books.RetryFloor.Std()
	if retryFloor <= 0 {
		retryFloor = time.Second
	}
	retryCap := books.RetryCap.Std()
	if retryCap < retryFloor {
		retryCap = defaultRetryCap
	}

	subs := make(map[string]string, len(books.Instruments))
	for _, instrument := range books.Instruments {
		instrument = strings.ToLower(strings.TrimSpace(instrument))
		if instrument == "" {
			continue
		}
		subs[ChannelName(instrument)] = instrument
	}

	return &PushSocket{
		url:           strings.TrimSpace(exchange.WebsocketURL),
		retryFloor:    retryFloor,
		retryCap:      retryCap,
		now:           time.Now,
		ctx:           socketCtx,
		cancel:        cancel,
		subscriptions: subs,
		events:        make(chan RawMessage, 256),
		errs:          make(chan error, 16),
		ready:         make(chan struct{}),
	}
}

// Events returns the stream of raw order book payloads.
func (s *PushSocket) Events() <-chan RawMessage { return s.events }

// Errors returns non-fatal transport errors. The socket keeps reconnecting
// after reporting one.
func (s *PushSocket) Errors() <-chan error { return s.errs }

// Start launches the connection loop and waits for the first session to be
// established.
func (s *PushSocket) Start() error {
	go func() {
		if err := s.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			s.reportError(fmt.Errorf("push socket: %w", err))
		}
		close(s.events)
		close(s.errs)
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(wsReadyTimeout):
		return errors.New("timeout waiting for exchange websocket connection")
	case <-s.ctx.Done():
		return fmt.Errorf("websocket context done: %w", s.ctx.Err())
	}
}

// Stop tears the session down and stops reconnecting.
func (s *PushSocket) Stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
}

// newRetryBackOff builds the reconnect schedule: the wait doubles from the
// configured floor up to the cap, and Reset after a healthy session returns
// it to the floor.
func (s *PushSocket) newRetryBackOff() *backoff.ExponentialBackOff {
	return newDoublingBackOff(s.retryFloor, s.retryCap)
}

func (s *PushSocket) connectLoop() error {
	backoffCfg := s.newRetryBackOff()

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			s.reportError(fmt.Errorf("dial %s: %w", s.url, err))
			if !s.sleep(backoffCfg) {
				return context.Canceled
			}
			continue
		}

		conn.SetReadLimit(wsReadLimit)
		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		if err := s.subscribeAll(conn); err != nil {
			s.reportError(fmt.Errorf("subscribe after connect: %w", err))
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			if !s.sleep(backoffCfg) {
				return context.Canceled
			}
			continue
		}

		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()
		observability.Log().Info("push socket connected",
			observability.Field{Key: "url", Value: s.url},
			observability.Field{Key: "channels", Value: len(s.subscriptions)})

		err = s.readLoop(conn)

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		if err != nil {
			s.reportError(fmt.Errorf("websocket session: %w", err))
		}
		if !s.sleep(backoffCfg) {
			return context.Canceled
		}
	}
}

func (s *PushSocket) sleep(backoffCfg *backoff.ExponentialBackOff) bool {
	wait := backoffCfg.NextBackOff()
	if wait == backoff.Stop || wait > s.retryCap {
		wait = s.retryCap
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func (s *PushSocket) subscribeAll(conn *websocket.Conn) error {
	s.subsMu.Lock()
	channels := make([]string, 0, len(s.subscriptions))
	for channel := range s.subscriptions {
		channels = append(channels, channel)
	}
	s.subsMu.Unlock()

	for _, channel := range channels {
		req := wsSubscribeRequest{Event: "bts:subscribe"}
		req.Data.Channel = channel
		payload, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode subscribe %s: %w", channel, err)
		}
		writeCtx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	return nil
}

func (s *PushSocket) readLoop(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			s.reportError(fmt.Errorf("decode frame: %w", err))
			continue
		}

		switch envelope.Event {
		case "data":
			s.dispatch(envelope)
		case "bts:request_reconnect":
			return errReconnectRequested
		case "bts:subscription_succeeded", "bts:heartbeat":
		case "bts:error":
			s.reportError(fmt.Errorf("exchange stream error on %s: %s", envelope.Channel, string(envelope.Data)))
		default:
			observability.Log().Debug("ignoring stream event",
				observability.Field{Key: "event", Value: envelope.Event})
		}
	}
}

func (s *PushSocket) dispatch(envelope wsEnvelope) {
	s.subsMu.Lock()
	instrument, subscribed := s.subscriptions[envelope.Channel]
	s.subsMu.Unlock()
	if !subscribed {
		if inst, ok := InstrumentFromChannel(envelope.Channel); ok {
			instrument = inst
		} else {
			return
		}
	}

	msg := RawMessage{
		Instrument: instrument,
		Channel:    envelope.Channel,
		Data:       envelope.Data,
		Received:   s.now().UTC(),
	}
	select {
	case s.events <- msg:
	case <-s.ctx.Done():
	}
}

func (s *PushSocket) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
