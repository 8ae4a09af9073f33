// Package normalizer implements C2: a pure, stateless transform from a
// venue-native symbol to the canonical BASE-QUOTE form (spec §4.2). Every
// exported function is a function of its arguments only — no registry, no
// mutable state — which is what makes symbol canonicalization idempotent
// (P1) and independently unit-testable without wiring up a connector.
package normalizer

import (
	"strings"

	"github.com/marketdata-platform/ingest/internal/model"
)

// quoteAssets is tried in list order and the first matching suffix wins.
// The list is not sorted by length; what matters is that every quote
// ending in "USD" (BUSD, TUSD, FDUSD) comes before plain "USD".
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "FDUSD", "BTC", "ETH", "USD"}

// CanonicalSymbol converts a venue-native instrument identifier into the
// canonical BASE-QUOTE symbol for (exchangeID, marketType), per spec §4.2.
func CanonicalSymbol(exchangeID model.ExchangeID, marketType model.MarketType, native string) string {
	switch exchangeID {
	case model.BinanceSpot, model.BinanceDerivatives:
		return canonicalizeBinance(native)
	case model.OKXSpot, model.OKXDerivatives:
		return canonicalizeOKX(native)
	case model.DeribitDerivatives:
		return canonicalizeDeribit(native, marketType)
	default:
		return strings.ToUpper(native)
	}
}

// canonicalizeBinance splits BTCUSDT at the last occurrence of a known
// quote-asset suffix: BTCUSDT -> BTC-USDT. Already-hyphenated input is
// returned unchanged, which is what makes repeated calls idempotent (P1).
func canonicalizeBinance(native string) string {
	if strings.Contains(native, "-") {
		return strings.ToUpper(native)
	}
	upper := strings.ToUpper(native)
	for _, quote := range quoteAssets {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			base := upper[:len(upper)-len(quote)]
			return base + "-" + quote
		}
	}
	return upper
}

// canonicalizeOKX handles OKX's already-hyphenated symbols: BTC-USDT is
// left as is; BTC-USDT-SWAP has its -SWAP suffix dropped.
func canonicalizeOKX(native string) string {
	upper := strings.ToUpper(native)
	return strings.TrimSuffix(upper, "-SWAP")
}

// canonicalizeDeribit retains BTC-PERPETUAL only as its base asset (the
// MarketType field already carries "perpetual"); options instruments are
// carried unchanged, since their identifier encodes strike/expiry with no
// BASE-QUOTE equivalent.
func canonicalizeDeribit(native string, marketType model.MarketType) string {
	upper := strings.ToUpper(native)
	if marketType == model.MarketOptions {
		return upper
	}
	return strings.TrimSuffix(upper, "-PERPETUAL")
}

// ToVenueSymbol reverses CanonicalSymbol for operations that need the
// venue's native instrument identifier: REST snapshot calls, subscribe
// frames, funding/open-interest polling requests.
func ToVenueSymbol(exchangeID model.ExchangeID, marketType model.MarketType, canonical string) string {
	switch exchangeID {
	case model.BinanceSpot, model.BinanceDerivatives:
		return strings.ReplaceAll(canonical, "-", "")
	case model.OKXSpot:
		return canonical
	case model.OKXDerivatives:
		if marketType == model.MarketPerpetual {
			return canonical + "-SWAP"
		}
		return canonical
	case model.DeribitDerivatives:
		if marketType == model.MarketPerpetual {
			return canonical + "-PERPETUAL"
		}
		return canonical
	default:
		return canonical
	}
}

// TimestampMillis converts a venue timestamp to millisecond-precision UTC.
// Venues that report seconds (rawSeconds true) are scaled up, per the
// "if a venue provides only seconds, multiply by 1000" timestamp policy.
func TimestampMillis(raw int64, rawSeconds bool) int64 {
	if rawSeconds {
		return raw * 1000
	}
	return raw
}
