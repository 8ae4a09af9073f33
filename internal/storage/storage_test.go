package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/model"
)

func TestBatcherFlushesOnSize(t *testing.T) {
	var flushed [][]Entry[int]
	var mu sync.Mutex
	b := NewBatcher[int]("t", 3, time.Hour, func(_ context.Context, entries []Entry[int]) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, entries)
		return nil
	}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := b.Add(context.Background(), Entry[int]{Record: i}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 3 {
		t.Fatalf("expected one flush of 3 entries, got %v", flushed)
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty batch after flush, got %d pending", b.Pending())
	}
}

func TestBatcherFlushDueRespectsWindow(t *testing.T) {
	var calls int
	b := NewBatcher[int]("t", 100, 20*time.Millisecond, func(_ context.Context, entries []Entry[int]) error {
		calls++
		return nil
	}, zerolog.Nop())

	_ = b.Add(context.Background(), Entry[int]{Record: 1})
	if err := b.FlushDue(context.Background()); err != nil {
		t.Fatalf("flush due: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no flush before window elapses, got %d", calls)
	}

	time.Sleep(25 * time.Millisecond)
	if err := b.FlushDue(context.Background()); err != nil {
		t.Fatalf("flush due: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one flush after window elapses, got %d", calls)
	}
}

func TestBatcherFlushNowDrainsPartialBatch(t *testing.T) {
	var got []Entry[int]
	b := NewBatcher[int]("t", 100, time.Hour, func(_ context.Context, entries []Entry[int]) error {
		got = entries
		return nil
	}, zerolog.Nop())

	_ = b.Add(context.Background(), Entry[int]{Record: 1})
	_ = b.Add(context.Background(), Entry[int]{Record: 2})

	if err := b.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush now: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected partial batch of 2 to flush, got %d", len(got))
	}
}

func TestBatcherFlushErrorPropagatesFromAdd(t *testing.T) {
	b := NewBatcher[int]("t", 1, time.Hour, func(_ context.Context, entries []Entry[int]) error {
		return errBoom
	}, zerolog.Nop())

	if err := b.Add(context.Background(), Entry[int]{Record: 1}); err == nil {
		t.Fatalf("expected flush error to propagate from Add")
	}
}

var errBoom = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestDedupeBatchDropsDuplicateKeys(t *testing.T) {
	entries := []Entry[int]{
		{Record: 1}, {Record: 1}, {Record: 2},
	}
	out := dedupeBatch(entries, func(v int) string {
		if v == 1 {
			return "a"
		}
		return "b"
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped entries, got %d", len(out))
	}
}

func TestTradeDedupKeyIncludesTradeID(t *testing.T) {
	a := model.Trade{ExchangeID: model.BinanceSpot, MarketType: model.MarketSpot, Symbol: "BTCUSDT", TradeID: "1"}
	b := a
	b.TradeID = "2"
	if tradeDedupKey(a) == tradeDedupKey(b) {
		t.Fatalf("expected different trade_id to produce different keys")
	}
	if tradeDedupKey(a) != tradeDedupKey(a) {
		t.Fatalf("expected identical trades to produce identical keys")
	}
}

func TestOrderBookSnapshotDedupKeyRoundsToInterval(t *testing.T) {
	keyFn := orderBookSnapshotDedupKeyFn(time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := model.OrderBookSnapshot{ExchangeID: model.OKXSpot, MarketType: model.MarketSpot, Symbol: "BTC-USDT", EventTS: base.Add(100 * time.Millisecond)}
	b := a
	b.EventTS = base.Add(900 * time.Millisecond)
	if keyFn(a) != keyFn(b) {
		t.Fatalf("expected both polls within the same second to collapse to one key")
	}
	c := a
	c.EventTS = base.Add(1100 * time.Millisecond)
	if keyFn(a) == keyFn(c) {
		t.Fatalf("expected a poll in the next second to produce a different key")
	}
}

func TestIdentityDedupKeyOnlyMergesExactDuplicates(t *testing.T) {
	a := model.FundingRate{ExchangeID: model.BinanceDerivatives, Symbol: "BTCUSDT"}
	b := a
	if identityDedupKey(a) != identityDedupKey(b) {
		t.Fatalf("expected identical records to share a key")
	}
	b.Symbol = "ETHUSDT"
	if identityDedupKey(a) == identityDedupKey(b) {
		t.Fatalf("expected differing records to produce distinct keys")
	}
}
