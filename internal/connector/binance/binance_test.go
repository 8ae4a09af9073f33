package binance

import (
	"testing"
	"time"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/model"
)

func TestParseTrade(t *testing.T) {
	a := NewSpot()
	raw := []byte(`{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":12345,"p":"65000.50","q":"0.01","T":1700000000100,"m":true}`)
	events, err := a.ParseFrame(model.MarketSpot, "btcusdt@trade", raw, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Trade == nil {
		t.Fatalf("expected one trade event, got %+v", events)
	}
	tr := events[0].Trade
	if tr.Symbol != "BTC-USDT" {
		t.Fatalf("symbol = %q, want BTC-USDT", tr.Symbol)
	}
	if tr.Side != model.SideSell {
		t.Fatalf("buyer-maker trade should canonicalize to sell side, got %s", tr.Side)
	}
	if !tr.Price.Equal(tr.QuoteQuantity.Div(tr.Quantity)) {
		t.Fatalf("quote quantity inconsistent with price*quantity")
	}
}

func TestParseDepthUpdate(t *testing.T) {
	a := NewDerivatives()
	raw := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":105,"pu":99,"b":[["65000.0","1.5"]],"a":[["65001.0","0"]]}`)
	events, err := a.ParseFrame(model.MarketPerpetual, "btcusdt@depth", raw, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upd := events[0].OrderBookUpdate
	if upd.FirstUpdateID != 100 || upd.LastUpdateID != 105 || upd.PrevLastUpdateID != 99 {
		t.Fatalf("sequence ids not carried through: %+v", upd)
	}
	if len(upd.AskChanges) != 1 || !upd.AskChanges[0].Quantity.IsZero() {
		t.Fatalf("expected a zero-quantity removal level, got %+v", upd.AskChanges)
	}
}

func TestSubscribeFramesBuildsCombinedStreams(t *testing.T) {
	a := NewDerivatives()
	sub := connector.Subscription{
		Market:    model.MarketPerpetual,
		Symbols:   []string{"BTC-USDT", "ETH-USDT"},
		DataTypes: []string{"orderbook", "trade", "funding_rate"},
	}
	frames, err := a.SubscribeFrames(sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one combined subscribe frame, got %d", len(frames))
	}
}
