package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/xerrors"
)

func TestSubjectScheme(t *testing.T) {
	got := Subject(model.DataTypeFundingRate, model.BinanceDerivatives, model.MarketPerpetual, "BTC-USDT")
	want := "funding_rate.binance_derivatives.perpetual.BTC-USDT"
	if got != want {
		t.Fatalf("subject = %q, want %q", got, want)
	}
}

func TestBuildItemTradeIsDurableAndBlocks(t *testing.T) {
	item, err := BuildItem(connector.Event{Trade: &model.Trade{
		ExchangeID: model.BinanceSpot,
		MarketType: model.MarketSpot,
		Symbol:     "BTC-USDT",
		Price:      decimal.NewFromFloat(65000.5),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Mode != DeliveryDurable || item.Policy != PolicyBlock {
		t.Fatalf("trade item mode/policy = %v/%v, want durable/block", item.Mode, item.Policy)
	}
	if !containsQuotedDecimal(item.Payload, "65000.5") {
		t.Fatalf("expected decimal encoded as a quoted string, got %s", item.Payload)
	}
}

func TestBuildItemOrderBookSnapshotIsBestEffortAndDropsOldest(t *testing.T) {
	item, err := BuildItem(connector.Event{OrderBookSnapshot: &model.OrderBookSnapshot{
		ExchangeID: model.OKXDerivatives,
		MarketType: model.MarketPerpetual,
		Symbol:     "BTC-USD",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Mode != DeliveryBestEffort || item.Policy != PolicyDropOldest {
		t.Fatalf("orderbook snapshot item mode/policy = %v/%v, want best-effort/drop-oldest", item.Mode, item.Policy)
	}
	// A snapshot must land on its own subject, distinct from delta updates'
	// "orderbook.*", so the storage consumer can route it to the
	// snapshot-dedup/insert path instead of the delta one.
	wantSubject := "orderbook_snapshot.okx_derivatives.perpetual.BTC-USD"
	if item.Subject != wantSubject {
		t.Fatalf("subject = %q, want %q", item.Subject, wantSubject)
	}
}

func TestBuildItemOrderBookUpdateIsDurableAndBlocks(t *testing.T) {
	item, err := BuildItem(connector.Event{OrderBookUpdate: &model.OrderBookUpdate{
		ExchangeID: model.BinanceDerivatives,
		MarketType: model.MarketPerpetual,
		Symbol:     "BTC-USDT",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Mode != DeliveryDurable || item.Policy != PolicyBlock {
		t.Fatalf("orderbook delta item mode/policy = %v/%v, want durable/block", item.Mode, item.Policy)
	}
}

func containsQuotedDecimal(payload []byte, value string) bool {
	needle := `"` + value + `"`
	s := string(payload)
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestQueueDropOldestEvictsUnderPressure(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	mustEnqueue := func(subject string, policy BackpressurePolicy) {
		if err := q.Enqueue(ctx, QueueItem{Subject: subject, Policy: policy}); err != nil {
			t.Fatalf("enqueue %s: %v", subject, err)
		}
	}
	mustEnqueue("a", PolicyDropOldest)
	mustEnqueue("b", PolicyDropOldest)
	mustEnqueue("c", PolicyDropOldest) // queue full: evicts "a"

	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
	first, _ := q.Dequeue(ctx)
	if first.Subject != "b" {
		t.Fatalf("expected oldest surviving item to be %q, got %q", "b", first.Subject)
	}
}

func TestQueueBlockWaitsForRoom(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, QueueItem{Subject: "first", Policy: PolicyBlock}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	enqueued := make(chan struct{})
	go func() {
		defer wg.Done()
		_ = q.Enqueue(ctx, QueueItem{Subject: "second", Policy: PolicyBlock})
		close(enqueued)
	}()

	select {
	case <-enqueued:
		t.Fatalf("blocking enqueue returned before room was freed")
	case <-time.After(30 * time.Millisecond):
	}

	q.Dequeue(ctx) // frees room for "second"
	wg.Wait()
}

type fakeBus struct {
	mu             sync.Mutex
	durableCalls   int
	bestEffortCall int
	failDurable    int // number of leading PublishDurable calls that return a retryable error
	permanentErr   bool
}

func (f *fakeBus) PublishDurable(ctx context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durableCalls++
	if f.permanentErr {
		return xerrors.NewBusError(errors.New("malformed subject"), false)
	}
	if f.durableCalls <= f.failDurable {
		return xerrors.NewBusError(errors.New("broker unreachable"), true)
	}
	return nil
}

func (f *fakeBus) PublishBestEffort(subject string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bestEffortCall++
	return nil
}

func TestPublisherRetriesTransientThenSucceeds(t *testing.T) {
	bus := &fakeBus{failDurable: 2}
	p := NewPublisher(bus, zerolog.Nop())
	p.RetryBaseDelay = time.Millisecond

	q := NewQueue(4)
	if err := p.Enqueue(context.Background(), q, connector.Event{Trade: &model.Trade{ExchangeID: model.BinanceSpot}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, _ := q.Dequeue(context.Background())
	p.publish(context.Background(), item)

	if bus.durableCalls != 3 {
		t.Fatalf("expected 3 durable publish attempts, got %d", bus.durableCalls)
	}
	if p.DroppedPermanent() != 0 {
		t.Fatalf("expected no permanent drops after eventual success, got %d", p.DroppedPermanent())
	}
}

func TestPublisherDropsPermanentFailureImmediately(t *testing.T) {
	bus := &fakeBus{permanentErr: true}
	p := NewPublisher(bus, zerolog.Nop())
	p.RetryBaseDelay = time.Millisecond

	q := NewQueue(4)
	_ = p.Enqueue(context.Background(), q, connector.Event{Trade: &model.Trade{ExchangeID: model.BinanceSpot}})
	item, _ := q.Dequeue(context.Background())
	p.publish(context.Background(), item)

	if bus.durableCalls != 1 {
		t.Fatalf("expected exactly 1 attempt before giving up on a permanent error, got %d", bus.durableCalls)
	}
	if p.DroppedPermanent() != 1 {
		t.Fatalf("expected 1 permanent drop, got %d", p.DroppedPermanent())
	}
}

func TestPublisherDropsOversizedRecordAtEncodeTime(t *testing.T) {
	p := NewPublisher(&fakeBus{}, zerolog.Nop())
	q := NewQueue(4)

	huge := make([]model.OrderBookLevel, 0, 200000)
	for i := 0; i < 200000; i++ {
		huge = append(huge, model.OrderBookLevel{Price: decimal.NewFromInt(int64(i)), Quantity: decimal.NewFromInt(1)})
	}
	err := p.Enqueue(context.Background(), q, connector.Event{OrderBookSnapshot: &model.OrderBookSnapshot{
		ExchangeID: model.BinanceSpot,
		Bids:       huge,
	}})
	if err != nil {
		t.Fatalf("Enqueue should absorb the encode failure, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("oversized record should never reach the queue")
	}
	if p.EncodeErrors() != 1 {
		t.Fatalf("encode errors = %d, want 1", p.EncodeErrors())
	}
}
