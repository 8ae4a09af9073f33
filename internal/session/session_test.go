package session

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/testutil/fakevenue"
)

func TestSessionDeliversUnwrappedFrames(t *testing.T) {
	venue := fakevenue.New()
	defer venue.Close()

	frames := make(chan Frame, 8)
	sess := &Session{
		Venue:  "binance_spot",
		URL:    "ws://unused",
		Policy: Policy{InactivityTimeout: time.Second},
		Dialer: venue.Dialer(),
		Logger: zerolog.Nop(),
		Handler: Handler{
			OnFrame: func(f Frame) { frames <- f },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Connect(ctx)

	waitForConnect(t, venue)

	if err := venue.PushJSON(map[string]any{
		"stream": "btcusdt@trade",
		"data":   map[string]any{"price": "100.5"},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case f := <-frames:
		if f.Channel != "btcusdt@trade" {
			t.Fatalf("channel = %q, want btcusdt@trade", f.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSessionSubscribeSendsFramesOnConnect(t *testing.T) {
	venue := fakevenue.New()
	defer venue.Close()

	sess := &Session{
		Venue:  "okx_spot",
		URL:    "ws://unused",
		Policy: Policy{InactivityTimeout: time.Second},
		Dialer: venue.Dialer(),
		Logger: zerolog.Nop(),
		Subscribe: func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe"}`))
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Connect(ctx)

	waitForConnect(t, venue)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(venue.Received()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("venue never received the subscribe frame")
}

func waitForConnect(t *testing.T, venue *fakevenue.Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if venue.ConnectCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fake venue never saw a connection")
}
