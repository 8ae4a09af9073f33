package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/connector/binance"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/orderbook"
	"github.com/marketdata-platform/ingest/internal/publisher"
	"github.com/marketdata-platform/ingest/internal/session"
)

type capturingBus struct {
	mu      sync.Mutex
	subject string
	payload []byte
	calls   int
}

func (b *capturingBus) PublishDurable(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subject, b.payload, b.calls = subject, payload, b.calls+1
	return nil
}

func (b *capturingBus) PublishBestEffort(subject string, payload []byte) error {
	return b.PublishDurable(context.Background(), subject, payload)
}

func (b *capturingBus) snapshot() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subject, b.calls
}

func TestLineParsesAndPublishesTrade(t *testing.T) {
	adapter := binance.NewSpot()
	bus := &capturingBus{}
	pub := publisher.NewPublisher(bus, zerolog.Nop())
	queue := publisher.NewQueue(16)

	line := NewLine(adapter.Venue(), model.MarketSpot, adapter, orderbook.NewManager(), nil, pub, queue, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go line.Run(ctx)
	go pub.Drain(ctx, queue)

	tradeFrame := map[string]any{
		"e": "trade", "E": time.Now().UnixMilli(), "s": "BTCUSDT",
		"t": 12345, "p": "50000.5", "q": "0.01", "T": time.Now().UnixMilli(), "m": false,
	}
	payload, err := json.Marshal(tradeFrame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	line.OnFrame(session.Frame{Channel: "btcusdt@trade", Payload: payload, ReceivedAt: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, calls := bus.snapshot(); calls > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	subject, calls := bus.snapshot()
	if calls == 0 {
		t.Fatal("trade was never published")
	}
	if subject == "" {
		t.Fatal("published with an empty subject")
	}
}
