package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/lykkecity/bitstamp-adapter/config"
)

func socketConfig(wsURL string) (config.ExchangeSettings, config.OrderBookSettings) {
	exchange := config.ExchangeSettings{WebsocketURL: wsURL}
	books := config.Default().OrderBooks
	books.Instruments = []string{"btcusd"}
	books.RetryFloor = config.Duration(10 * time.Millisecond)
	books.RetryCap = config.Duration(50 * time.Millisecond)
	return exchange, books
}

func readSubscribe(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read subscribe: %v", err)
		return ""
	}
	var req wsSubscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Errorf("decode subscribe: %v", err)
		return ""
	}
	if req.Event != "bts:subscribe" {
		t.Errorf("unexpected event %q", req.Event)
	}
	return req.Data.Channel
}

func writeEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, envelope wsEnvelope) {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Errorf("encode envelope: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func TestReconnectBackOffSchedule(t *testing.T) {
	exchange, books := socketConfig("ws://127.0.0.1:0")
	books.RetryFloor = config.Duration(time.Second)
	books.RetryCap = config.Duration(10 * time.Second)

	socket := NewPushSocket(context.Background(), exchange, books)
	defer socket.Stop()

	b := socket.newRetryBackOff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, expected := range want {
		if got := b.NextBackOff(); got != expected {
			t.Fatalf("reconnect wait %d = %v, want %v", i, got, expected)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Fatalf("reset after a healthy session should return to the floor, got %v", got)
	}
}

func TestPushSocketReceivesAndResubscribesAfterReconnect(t *testing.T) {
	var sessions atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		channel := readSubscribe(t, ctx, conn)
		if channel != "order_book" {
			t.Errorf("subscribed channel = %q", channel)
		}
		writeEnvelope(t, ctx, conn, wsEnvelope{Event: "bts:subscription_succeeded", Channel: channel})

		session := sessions.Add(1)
		book := json.RawMessage(`{"microtimestamp":"1709290000000000","bids":[["99","1"]],"asks":[["100","1"]]}`)
		writeEnvelope(t, ctx, conn, wsEnvelope{Event: "data", Channel: channel, Data: book})

		if session == 1 {
			writeEnvelope(t, ctx, conn, wsEnvelope{Event: "bts:request_reconnect", Channel: channel})
		}
		// Hold the connection open until the client drops it.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exchange, books := socketConfig(srv.URL)
	socket := NewPushSocket(ctx, exchange, books)
	if err := socket.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer socket.Stop()

	received := 0
	deadline := time.After(8 * time.Second)
	for received < 2 {
		select {
		case msg, ok := <-socket.Events():
			if !ok {
				t.Fatal("events channel closed early")
			}
			if msg.Instrument != "btcusd" || msg.Channel != "order_book" {
				t.Fatalf("unexpected message %+v", msg)
			}
			received++
		case err := <-socket.Errors():
			t.Logf("transport error (expected during reconnect): %v", err)
		case <-deadline:
			t.Fatalf("timed out after %d messages; sessions=%d", received, sessions.Load())
		}
	}

	if sessions.Load() < 2 {
		t.Fatalf("expected a reconnect, sessions = %d", sessions.Load())
	}
}
