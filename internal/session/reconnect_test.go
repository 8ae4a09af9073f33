package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/testutil/fakevenue"
)

func TestBackoffCapsAndJitters(t *testing.T) {
	b := NewBackoff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		d := b.Next()
		if d < 0 || d > b.Max {
			t.Fatalf("delay %v out of bounds [0,%v]", d, b.Max)
		}
		last = d
	}
	_ = last
}

func TestBackoffResetRestartsAtBase(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	// Immediately after reset, streak is 0 so the theoretical (pre-jitter)
	// delay is Base; jitter can still produce anything in [0, Base].
	d := b.Next()
	if d > b.Base {
		t.Fatalf("post-reset delay %v exceeds base %v", d, b.Base)
	}
}

func TestShouldProactivelyReconnect(t *testing.T) {
	sess := &Session{Policy: Policy{ForcedDisconnectAge: 0}}
	if ShouldProactivelyReconnect(sess) {
		t.Fatalf("venue with no forced disconnect age should never proactively reconnect")
	}
}

func TestManagerReconnectsAfterForcedDisconnect(t *testing.T) {
	venue := fakevenue.New()
	defer venue.Close()

	newSession := func() *Session {
		return &Session{
			Venue:  "binance_spot",
			URL:    "ws://unused",
			Policy: Policy{InactivityTimeout: time.Second},
			Dialer: venue.Dialer(),
			Logger: zerolog.Nop(),
		}
	}

	mgr := NewManager("binance_spot", newSession, zerolog.Nop())
	mgr.backoff = &Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, factor: 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && venue.ConnectCount() < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if venue.ConnectCount() < 1 {
		t.Fatal("manager never connected")
	}

	venue.Disconnect()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && venue.ConnectCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if venue.ConnectCount() < 2 {
		t.Fatalf("manager never reconnected after forced disconnect, connectCount=%d", venue.ConnectCount())
	}
}
