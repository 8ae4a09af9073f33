package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/session"
)

// fakeAdapter implements connector.Adapter with scripted fetch results,
// used only to exercise job wiring and retry behavior.
type fakeAdapter struct {
	venue         model.ExchangeID
	fundingErrors int // number of leading calls that fail before succeeding
	fundingCalls  int
	fundingResult []model.FundingRate
}

func (f *fakeAdapter) Venue() model.ExchangeID                { return f.venue }
func (f *fakeAdapter) Policy() session.Policy                  { return session.Binance }
func (f *fakeAdapter) WSEndpoint(model.MarketType) string      { return "" }
func (f *fakeAdapter) SubscribeFrames(connector.Subscription) ([][]byte, error) { return nil, nil }
func (f *fakeAdapter) ParseFrame(model.MarketType, string, []byte, time.Time) ([]connector.Event, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchOrderBookSnapshot(context.Context, model.MarketType, string, int) (model.OrderBookSnapshot, error) {
	return model.OrderBookSnapshot{}, nil
}
func (f *fakeAdapter) FetchFundingRates(ctx context.Context, market model.MarketType, symbols []string) ([]model.FundingRate, error) {
	f.fundingCalls++
	if f.fundingCalls <= f.fundingErrors {
		return nil, errors.New("simulated transient failure")
	}
	return f.fundingResult, nil
}
func (f *fakeAdapter) FetchOpenInterest(context.Context, model.MarketType, []string) ([]model.OpenInterest, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchLSR(context.Context, model.MarketType, []string) ([]model.LSRTopPosition, []model.LSRAllAccount, error) {
	return nil, nil, nil
}
func (f *fakeAdapter) FetchVolatilityIndex(context.Context, model.MarketType, []string) ([]model.VolatilityIndex, error) {
	return nil, nil
}

func TestFundingRateJobRetriesThenSucceeds(t *testing.T) {
	original := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = original }()

	adapter := &fakeAdapter{
		venue:         model.BinanceDerivatives,
		fundingErrors: 2,
		fundingResult: []model.FundingRate{{ExchangeID: model.BinanceDerivatives, Symbol: "BTC-USDT"}},
	}
	targets := []Target{{Venue: "binance_derivatives", Market: model.MarketPerpetual, Adapter: adapter, Symbols: []string{"BTC-USDT"}}}
	limiters := NewLimiters()

	var emitted []connector.Event
	job := FundingRateJob(targets, limiters, func(e connector.Event) { emitted = append(emitted, e) }, zerolog.Nop())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(emitted) != 1 || emitted[0].FundingRate == nil {
		t.Fatalf("expected one funding rate event, got %+v", emitted)
	}
	if adapter.fundingCalls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", adapter.fundingCalls)
	}
}

func TestFundingRateJobGivesUpAfterMaxRetries(t *testing.T) {
	original := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = original }()

	adapter := &fakeAdapter{venue: model.BinanceDerivatives, fundingErrors: maxRetries + 1}
	targets := []Target{{Venue: "binance_derivatives", Market: model.MarketPerpetual, Adapter: adapter, Symbols: []string{"BTC-USDT"}}}
	limiters := NewLimiters()

	var emitted []connector.Event
	job := FundingRateJob(targets, limiters, func(e connector.Event) { emitted = append(emitted, e) }, zerolog.Nop())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run should not propagate the fetch error: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected no events after exhausting retries, got %d", len(emitted))
	}
	if adapter.fundingCalls != maxRetries+1 {
		t.Fatalf("expected %d calls, got %d", maxRetries+1, adapter.fundingCalls)
	}
}

func TestLimitersAllowRespectsBudget(t *testing.T) {
	l := NewLimiters()
	l.SetBudget("test_venue", VenueBudget{RequestsPerSecond: 1, Burst: 1})
	if !l.Allow("test_venue") {
		t.Fatalf("expected first request to be allowed")
	}
	if l.Allow("test_venue") {
		t.Fatalf("expected second immediate request to be rate limited")
	}
}
