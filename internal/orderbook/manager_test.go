package orderbook

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/model"
)

func fetchFixedSnapshot(snap model.OrderBookSnapshot) SnapshotFetcher {
	return func(ctx context.Context, market model.MarketType, symbol string, depth int) (model.OrderBookSnapshot, error) {
		return snap, nil
	}
}

func TestWorkerSyncThenApplyDelta(t *testing.T) {
	var emitted []model.OrderBookUpdate
	fetch := fetchFixedSnapshot(model.OrderBookSnapshot{LastUpdateID: 100})
	w := NewWorker(model.BinanceSpot, model.MarketSpot, "BTC-USDT", Arbitrage, fetch, zerolog.Nop(), func(u model.OrderBookUpdate) {
		emitted = append(emitted, u)
	})

	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	err := w.HandleDelta(context.Background(), model.OrderBookUpdate{LastUpdateID: 101, PrevLastUpdateID: 100})
	if err != nil {
		t.Fatalf("handle delta: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emitted update, got %d", len(emitted))
	}
}

func TestWorkerRebuildCapQuarantines(t *testing.T) {
	fetch := fetchFixedSnapshot(model.OrderBookSnapshot{LastUpdateID: 100})
	w := NewWorker(model.BinanceSpot, model.MarketSpot, "BTC-USDT", Arbitrage, fetch, zerolog.Nop(), nil)
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var lastErr error
	for i := 0; i < rebuildCap+1; i++ {
		lastErr = w.HandleDelta(context.Background(), model.OrderBookUpdate{LastUpdateID: 9999, PrevLastUpdateID: 9998})
	}
	if lastErr != ErrQuarantined {
		t.Fatalf("expected quarantine after exceeding rebuild cap, got %v", lastErr)
	}
	if w.Book.State() != StateFailed {
		t.Fatalf("state = %v, want failed", w.Book.State())
	}
}

func TestManagerGetOrCreateSharesWorker(t *testing.T) {
	m := NewManager()
	fetch := fetchFixedSnapshot(model.OrderBookSnapshot{})
	w1 := m.GetOrCreate(model.BinanceSpot, model.MarketSpot, "BTC-USDT", Arbitrage, fetch, zerolog.Nop(), nil)
	w2 := m.GetOrCreate(model.BinanceSpot, model.MarketSpot, "BTC-USDT", Arbitrage, fetch, zerolog.Nop(), nil)
	if w1 != w2 {
		t.Fatalf("expected the same worker instance for repeated GetOrCreate calls")
	}
}
