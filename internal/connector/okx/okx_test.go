package okx

import (
	"testing"
	"time"

	"github.com/marketdata-platform/ingest/internal/model"
)

func TestParseBooks5(t *testing.T) {
	a := NewSpot()
	raw := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["65001.0","2.0","0","1"]],"bids":[["65000.0","1.0","0","1"]],"ts":"1700000000000","seqId":42}]}`)
	events, err := a.ParseFrame(model.MarketSpot, "books5", raw, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].OrderBookSnapshot == nil {
		t.Fatalf("expected one snapshot event, got %+v", events)
	}
	snap := events[0].OrderBookSnapshot
	if snap.Symbol != "BTC-USDT" {
		t.Fatalf("symbol = %q", snap.Symbol)
	}
	if snap.LastUpdateID != 42 {
		t.Fatalf("seqId not carried through: %d", snap.LastUpdateID)
	}
}

func TestParseTradesSwapSymbolDropsSwapSuffix(t *testing.T) {
	a := NewDerivatives()
	raw := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","tradeId":"999","px":"65000.5","sz":"0.5","side":"buy","ts":"1700000000000"}]}`)
	events, err := a.ParseFrame(model.MarketPerpetual, "trades", raw, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := events[0].Trade
	if tr.Symbol != "BTC-USDT" {
		t.Fatalf("symbol = %q, want BTC-USDT (SWAP suffix dropped)", tr.Symbol)
	}
	if tr.Side != model.SideBuy {
		t.Fatalf("side = %s, want buy", tr.Side)
	}
}

func TestChannelForFundingOnlyOnDerivatives(t *testing.T) {
	if got := channelFor("funding_rate", model.OKXSpot); got != "" {
		t.Fatalf("spot should have no funding channel, got %q", got)
	}
	if got := channelFor("funding_rate", model.OKXDerivatives); got != "funding-rate" {
		t.Fatalf("derivatives funding channel = %q", got)
	}
}
