package poller

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/metrics"
	"github.com/marketdata-platform/ingest/internal/model"
)

// Default poll intervals, spec §4.4.
const (
	FundingRateInterval       = 8 * time.Hour
	OpenInterestInterval      = 15 * time.Minute
	LSRInterval               = 5 * time.Minute
	VolatilityIndexInterval   = time.Minute
	OrderBookSnapshotInterval = time.Second

	maxRetries = 3
)

// retryBaseDelay is a var (not const) so tests can shrink it; production
// wiring never changes it.
var retryBaseDelay = 500 * time.Millisecond

// Sink receives canonical records produced by a poller job, routed onward
// to the publisher (C5). Exactly one field of each connector.Event is set.
type Sink func(connector.Event)

// Target is one (venue, market, symbols) unit a job polls each tick.
type Target struct {
	Venue   string
	Market  model.MarketType
	Adapter connector.Adapter
	Symbols []string
}

// FundingRateJob builds the C4 job polling FetchFundingRates for targets.
func FundingRateJob(targets []Target, limiters *Limiters, sink Sink, logger zerolog.Logger) *Job {
	return &Job{
		Name:     "funding_rate",
		Interval: FundingRateInterval,
		Run: func(ctx context.Context) error {
			for _, t := range targets {
				if !limiters.Allow(t.Venue) {
					logger.Warn().Str("venue", t.Venue).Str("job", "funding_rate").Msg("rate limited, skipping tick")
					continue
				}
				rates, err := withRetry(ctx, logger, "funding_rate", t.Venue, func() ([]model.FundingRate, error) {
					return t.Adapter.FetchFundingRates(ctx, t.Market, t.Symbols)
				})
				if err != nil {
					continue
				}
				for i := range rates {
					rate, _ := rates[i].FundingRate.Float64()
					metrics.RecordFundingRate(t.Venue, rates[i].Symbol, rate)
					sink(connector.Event{FundingRate: &rates[i]})
				}
			}
			return nil
		},
	}
}

// OpenInterestJob builds the C4 job polling FetchOpenInterest for targets.
func OpenInterestJob(targets []Target, limiters *Limiters, sink Sink, logger zerolog.Logger) *Job {
	return &Job{
		Name:     "open_interest",
		Interval: OpenInterestInterval,
		Run: func(ctx context.Context) error {
			for _, t := range targets {
				if !limiters.Allow(t.Venue) {
					logger.Warn().Str("venue", t.Venue).Str("job", "open_interest").Msg("rate limited, skipping tick")
					continue
				}
				entries, err := withRetry(ctx, logger, "open_interest", t.Venue, func() ([]model.OpenInterest, error) {
					return t.Adapter.FetchOpenInterest(ctx, t.Market, t.Symbols)
				})
				if err != nil {
					continue
				}
				for i := range entries {
					sink(connector.Event{OpenInterest: &entries[i]})
				}
			}
			return nil
		},
	}
}

// LSRJob builds the C4 job polling FetchLSR for targets.
func LSRJob(targets []Target, limiters *Limiters, sink Sink, logger zerolog.Logger) *Job {
	return &Job{
		Name:     "lsr",
		Interval: LSRInterval,
		Run: func(ctx context.Context) error {
			for _, t := range targets {
				if !limiters.Allow(t.Venue) {
					logger.Warn().Str("venue", t.Venue).Str("job", "lsr").Msg("rate limited, skipping tick")
					continue
				}
				var top []model.LSRTopPosition
				var all []model.LSRAllAccount
				err := retryLoop(ctx, logger, "lsr", t.Venue, func() error {
					var innerErr error
					top, all, innerErr = t.Adapter.FetchLSR(ctx, t.Market, t.Symbols)
					return innerErr
				})
				if err != nil {
					continue
				}
				for i := range top {
					sink(connector.Event{LSRTopPosition: &top[i]})
				}
				for i := range all {
					sink(connector.Event{LSRAllAccount: &all[i]})
				}
			}
			return nil
		},
	}
}

// VolatilityIndexJob builds the C4 job polling FetchVolatilityIndex.
func VolatilityIndexJob(targets []Target, limiters *Limiters, sink Sink, logger zerolog.Logger) *Job {
	return &Job{
		Name:     "volatility_index",
		Interval: VolatilityIndexInterval,
		Run: func(ctx context.Context) error {
			for _, t := range targets {
				if !limiters.Allow(t.Venue) {
					logger.Warn().Str("venue", t.Venue).Str("job", "volatility_index").Msg("rate limited, skipping tick")
					continue
				}
				entries, err := withRetry(ctx, logger, "volatility_index", t.Venue, func() ([]model.VolatilityIndex, error) {
					return t.Adapter.FetchVolatilityIndex(ctx, t.Market, t.Symbols)
				})
				if err != nil {
					continue
				}
				for i := range entries {
					sink(connector.Event{VolatilityIndex: &entries[i]})
				}
			}
			return nil
		},
	}
}

// OrderBookSnapshotJob builds the C4 snapshot-polling job: one REST
// snapshot per symbol per tick, published directly rather than fed through
// the C3 sequence state machine. The control plane starts it for a venue
// whose orderbook.method is "snapshot"; a strategy's Mode field plays no
// part in that choice.
func OrderBookSnapshotJob(targets []Target, depth int, limiters *Limiters, sink Sink, logger zerolog.Logger) *Job {
	return &Job{
		Name:     "orderbook_snapshot_polling",
		Interval: OrderBookSnapshotInterval,
		Run: func(ctx context.Context) error {
			for _, t := range targets {
				for _, symbol := range t.Symbols {
					if !limiters.Allow(t.Venue) {
						logger.Warn().Str("venue", t.Venue).Str("symbol", symbol).Msg("rate limited, skipping snapshot poll")
						continue
					}
					snap, err := withRetry(ctx, logger, "orderbook_snapshot_polling", t.Venue, func() (model.OrderBookSnapshot, error) {
						return t.Adapter.FetchOrderBookSnapshot(ctx, t.Market, symbol, depth)
					})
					if err != nil {
						continue
					}
					sink(connector.Event{OrderBookSnapshot: &snap})
				}
			}
			return nil
		},
	}
}

// withRetry runs fetch up to maxRetries+1 times with exponential backoff
// within the job's interval on transient HTTP/rate-limit failure, per
// spec §4.4's failure semantics. It never returns a permanent "give up on
// this job" signal: after the final attempt it logs and returns the last
// error, and the scheduler simply tries again at the next tick.
func withRetry[T any](ctx context.Context, logger zerolog.Logger, job, venue string, fetch func() (T, error)) (T, error) {
	var zero T
	var result T
	err := retryLoop(ctx, logger, job, venue, func() error {
		var innerErr error
		result, innerErr = fetch()
		return innerErr
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

func retryLoop(ctx context.Context, logger zerolog.Logger, job, venue string, attempt func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RestFetchDuration, venue, job)

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := attempt(); err != nil {
			lastErr = err
			metrics.RestFetchErrors.WithLabelValues(venue, job).Inc()
			if i == maxRetries {
				break
			}
			delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(i)))
			delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	logger.Error().Err(lastErr).Str("job", job).Str("venue", venue).Msg("poll failed after retries, will retry next tick")
	return lastErr
}
