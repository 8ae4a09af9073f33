package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marketdata-platform/ingest/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestApplySnapshotThenDeltaSequence(t *testing.T) {
	b := New(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	b.BeginSync()

	snap := model.OrderBookSnapshot{
		LastUpdateID: 100,
		Bids:         []model.OrderBookLevel{{Price: dec("65000"), Quantity: dec("1.0")}},
		Asks:         []model.OrderBookLevel{{Price: dec("65001"), Quantity: dec("1.0")}},
	}
	if err := b.ApplySnapshot(snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != StateSynced {
		t.Fatalf("state = %v, want synced", b.State())
	}

	delta := model.OrderBookUpdate{
		FirstUpdateID:    101,
		LastUpdateID:     102,
		PrevLastUpdateID: 100,
		BidChanges:       []model.OrderBookLevel{{Price: dec("65000"), Quantity: dec("2.0")}},
	}
	if err := b.ApplyDelta(delta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.LastUpdateID() != 102 {
		t.Fatalf("last update id = %d, want 102", b.LastUpdateID())
	}
}

func TestApplyDeltaSequenceGapTriggersRebuild(t *testing.T) {
	b := New(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	b.BeginSync()
	_ = b.ApplySnapshot(model.OrderBookSnapshot{LastUpdateID: 100})

	bad := model.OrderBookUpdate{LastUpdateID: 150, PrevLastUpdateID: 120}
	err := b.ApplyDelta(bad)
	if err != ErrSequenceGap {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
	if b.State() != StateRebuilding {
		t.Fatalf("state = %v, want rebuilding", b.State())
	}
}

func TestApplyDeltaDuplicateIsIdempotent(t *testing.T) {
	b := New(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	b.BeginSync()
	_ = b.ApplySnapshot(model.OrderBookSnapshot{LastUpdateID: 100})
	_ = b.ApplyDelta(model.OrderBookUpdate{LastUpdateID: 105, PrevLastUpdateID: 100})

	err := b.ApplyDelta(model.OrderBookUpdate{LastUpdateID: 105, PrevLastUpdateID: 100})
	if err != ErrDuplicateUpdate {
		t.Fatalf("err = %v, want ErrDuplicateUpdate", err)
	}
}

func TestZeroQuantityRemovesLevel(t *testing.T) {
	b := New(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	b.BeginSync()
	_ = b.ApplySnapshot(model.OrderBookSnapshot{
		LastUpdateID: 100,
		Bids:         []model.OrderBookLevel{{Price: dec("65000"), Quantity: dec("1.0")}},
	})
	_ = b.ApplyDelta(model.OrderBookUpdate{
		LastUpdateID:     101,
		PrevLastUpdateID: 100,
		BidChanges:       []model.OrderBookLevel{{Price: dec("65000"), Quantity: dec("0")}},
	})
	snap := b.Snapshot(10, 0)
	if len(snap.Bids) != 0 {
		t.Fatalf("expected level removed, got %+v", snap.Bids)
	}
}

func TestZeroQuantityOnNonexistentLevelIsNoop(t *testing.T) {
	b := New(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	b.BeginSync()
	_ = b.ApplySnapshot(model.OrderBookSnapshot{LastUpdateID: 100})
	err := b.ApplyDelta(model.OrderBookUpdate{
		LastUpdateID:     101,
		PrevLastUpdateID: 100,
		BidChanges:       []model.OrderBookLevel{{Price: dec("1"), Quantity: dec("0")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestSnapshotOrdering is property P4 (book consistency): bids sorted
// desc, asks sorted asc, no crossed book after any valid update sequence.
func TestSnapshotOrdering(t *testing.T) {
	b := New(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	b.BeginSync()
	_ = b.ApplySnapshot(model.OrderBookSnapshot{
		LastUpdateID: 100,
		Bids: []model.OrderBookLevel{
			{Price: dec("100"), Quantity: dec("1")},
			{Price: dec("102"), Quantity: dec("1")},
			{Price: dec("101"), Quantity: dec("1")},
		},
		Asks: []model.OrderBookLevel{
			{Price: dec("105"), Quantity: dec("1")},
			{Price: dec("103"), Quantity: dec("1")},
			{Price: dec("104"), Quantity: dec("1")},
		},
	})
	snap := b.Snapshot(10, 0)
	for i := 1; i < len(snap.Bids); i++ {
		if snap.Bids[i].Price.GreaterThan(snap.Bids[i-1].Price) {
			t.Fatalf("bids not sorted desc: %+v", snap.Bids)
		}
	}
	for i := 1; i < len(snap.Asks); i++ {
		if snap.Asks[i].Price.LessThan(snap.Asks[i-1].Price) {
			t.Fatalf("asks not sorted asc: %+v", snap.Asks)
		}
	}
	if snap.Bids[0].Price.GreaterThanOrEqual(snap.Asks[0].Price) {
		t.Fatalf("book crossed: best bid %s >= best ask %s", snap.Bids[0].Price, snap.Asks[0].Price)
	}
}
