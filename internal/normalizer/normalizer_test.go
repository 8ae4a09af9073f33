package normalizer

import (
	"testing"

	"github.com/marketdata-platform/ingest/internal/model"
)

func TestCanonicalSymbolBinance(t *testing.T) {
	got := CanonicalSymbol(model.BinanceSpot, model.MarketSpot, "BTCUSDT")
	if got != "BTC-USDT" {
		t.Fatalf("got %q, want BTC-USDT", got)
	}
}

func TestCanonicalSymbolOKXSwap(t *testing.T) {
	got := CanonicalSymbol(model.OKXDerivatives, model.MarketPerpetual, "BTC-USDT-SWAP")
	if got != "BTC-USDT" {
		t.Fatalf("got %q, want BTC-USDT", got)
	}
}

func TestCanonicalSymbolDeribitPerpetual(t *testing.T) {
	got := CanonicalSymbol(model.DeribitDerivatives, model.MarketPerpetual, "BTC-PERPETUAL")
	if got != "BTC" {
		t.Fatalf("got %q, want BTC", got)
	}
}

func TestCanonicalSymbolDeribitOption(t *testing.T) {
	got := CanonicalSymbol(model.DeribitDerivatives, model.MarketOptions, "BTC-25DEC26-50000-C")
	if got != "BTC-25DEC26-50000-C" {
		t.Fatalf("option identifier must pass through unchanged, got %q", got)
	}
}

// TestCanonicalSymbolIdempotent is property P1: for every venue-native
// symbol s, canonicalize(canonicalize(s)) == canonicalize(s).
func TestCanonicalSymbolIdempotent(t *testing.T) {
	cases := []struct {
		ex     model.ExchangeID
		market model.MarketType
		native string
	}{
		{model.BinanceSpot, model.MarketSpot, "ETHUSDT"},
		{model.BinanceDerivatives, model.MarketPerpetual, "SOLUSDT"},
		{model.OKXSpot, model.MarketSpot, "BTC-USDT"},
		{model.OKXDerivatives, model.MarketPerpetual, "ETH-USDT-SWAP"},
		{model.DeribitDerivatives, model.MarketPerpetual, "BTC-PERPETUAL"},
	}
	for _, c := range cases {
		once := CanonicalSymbol(c.ex, c.market, c.native)
		twice := CanonicalSymbol(c.ex, c.market, once)
		if once != twice {
			t.Fatalf("%s/%s: not idempotent: %q -> %q -> %q", c.ex, c.market, c.native, once, twice)
		}
	}
}

func TestToVenueSymbolRoundTrip(t *testing.T) {
	native := ToVenueSymbol(model.BinanceSpot, model.MarketSpot, "BTC-USDT")
	if native != "BTCUSDT" {
		t.Fatalf("got %q, want BTCUSDT", native)
	}
	canonical := CanonicalSymbol(model.BinanceSpot, model.MarketSpot, native)
	if canonical != "BTC-USDT" {
		t.Fatalf("round trip got %q, want BTC-USDT", canonical)
	}
}

func TestTimestampMillis(t *testing.T) {
	if got := TimestampMillis(1700000000, true); got != 1700000000000 {
		t.Fatalf("got %d", got)
	}
	if got := TimestampMillis(1700000000123, false); got != 1700000000123 {
		t.Fatalf("got %d", got)
	}
}
