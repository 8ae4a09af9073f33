package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/busbindings"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/poller"
)

// pollingInterval informs the orderbook-snapshot dedup key's rounding;
// it matches the poller's own snapshot cadence (spec §4.7 and §4.4 share
// the same tick).
const pollingInterval = poller.OrderBookSnapshotInterval

// Pull request shape for one JetStream Fetch call.
const (
	fetchBatchSize = 500
	fetchWait      = 2 * time.Second
	tickerInterval = 250 * time.Millisecond
)

// Consumer owns one durable pull subscription per table from
// busbindings.DesiredConsumers, decoding, batching and writing each
// table's messages, acking only once the batch write has succeeded.
type Consumer struct {
	JS     nats.JetStreamContext
	Store  Store
	Logger zerolog.Logger
}

// NewConsumer wires a Consumer over an already-bound JetStream context.
func NewConsumer(js nats.JetStreamContext, store Store, logger zerolog.Logger) *Consumer {
	return &Consumer{JS: js, Store: store, Logger: logger}
}

// Run subscribes to every desired consumer and blocks, running one
// fetch/batch/write loop per table until ctx is cancelled. Each loop
// drains its pending batch before returning.
func (c *Consumer) Run(ctx context.Context) error {
	errCh := make(chan error, len(busbindings.DesiredConsumers()))
	for _, spec := range busbindings.DesiredConsumers() {
		spec := spec
		sub, err := c.JS.PullSubscribe(spec.FilterSubject, spec.Durable, nats.BindStream(spec.Stream))
		if err != nil {
			return fmt.Errorf("storage: pull subscribe %s/%s: %w", spec.Stream, spec.Durable, err)
		}
		go func() {
			errCh <- c.runTable(ctx, spec, sub)
		}()
	}

	var first error
	for range busbindings.DesiredConsumers() {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Consumer) runTable(ctx context.Context, spec busbindings.ConsumerSpec, sub *nats.Subscription) error {
	switch spec.Table {
	case "trades":
		return runTableLoop(ctx, sub, spec.Table, HighRateBatchSize, HighRateBatchWindow, c.Logger,
			tradeDedupKey, c.Store.InsertTrades)
	case "orderbook_snapshots":
		return runTableLoop(ctx, sub, spec.Table, DeltaBatchSize, DeltaBatchWindow, c.Logger,
			orderBookSnapshotDedupKeyFn(pollingInterval), c.Store.InsertOrderBookSnapshots)
	case "orderbooks":
		return runTableLoop(ctx, sub, "orderbook_updates", DeltaBatchSize, DeltaBatchWindow, c.Logger,
			orderBookUpdateDedupKey, c.Store.InsertOrderBookUpdates)
	case "funding_rates":
		return runTableLoop(ctx, sub, spec.Table, LowRateBatchSize, LowRateBatchWindow, c.Logger,
			identityDedupKey[model.FundingRate], c.Store.InsertFundingRates)
	case "open_interests":
		return runTableLoop(ctx, sub, spec.Table, LowRateBatchSize, LowRateBatchWindow, c.Logger,
			identityDedupKey[model.OpenInterest], c.Store.InsertOpenInterests)
	case "liquidations":
		return runTableLoop(ctx, sub, spec.Table, DeltaBatchSize, DeltaBatchWindow, c.Logger,
			identityDedupKey[model.Liquidation], c.Store.InsertLiquidations)
	case "lsr_top_positions":
		return runTableLoop(ctx, sub, spec.Table, LowRateBatchSize, LowRateBatchWindow, c.Logger,
			identityDedupKey[model.LSRTopPosition], c.Store.InsertLSRTopPositions)
	case "lsr_all_accounts":
		return runTableLoop(ctx, sub, spec.Table, LowRateBatchSize, LowRateBatchWindow, c.Logger,
			identityDedupKey[model.LSRAllAccount], c.Store.InsertLSRAllAccounts)
	case "volatility_indices":
		return runTableLoop(ctx, sub, spec.Table, LowRateBatchSize, LowRateBatchWindow, c.Logger,
			identityDedupKey[model.VolatilityIndex], c.Store.InsertVolatilityIndices)
	default:
		return fmt.Errorf("storage: no loop wired for table %q", spec.Table)
	}
}

// runTableLoop is generic over one table's record type: it pulls
// messages, decodes them, hands them to a Batcher keyed by keyFn, and
// acks the source messages once insertFn durably succeeds. A message
// that fails to decode is a poison message: it is terminated (no
// redelivery) rather than silently acked or retried forever.
func runTableLoop[T any](
	ctx context.Context,
	sub *nats.Subscription,
	table string,
	size int,
	window time.Duration,
	logger zerolog.Logger,
	keyFn func(T) string,
	insertFn func(context.Context, []*T) error,
) error {
	batcher := NewBatcher[T](table, size, window, func(fctx context.Context, entries []Entry[T]) error {
		deduped := dedupeBatch(entries, keyFn)
		records := make([]*T, len(deduped))
		for i, e := range deduped {
			rec := e.Record
			records[i] = &rec
		}
		if err := insertFn(fctx, records); err != nil {
			return err
		}
		for _, e := range entries {
			if e.Msg == nil {
				continue
			}
			if ackErr := e.Msg.Ack(); ackErr != nil {
				logger.Warn().Err(ackErr).Str("table", table).Msg("ack failed after successful write")
			}
		}
		return nil
	}, logger)

	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return batcher.FlushNow(context.Background())
		case <-ticker.C:
			if err := batcher.FlushDue(ctx); err != nil {
				logger.Error().Err(err).Str("table", table).Msg("scheduled flush failed")
			}
		default:
		}

		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return batcher.FlushNow(context.Background())
			}
			logger.Warn().Err(err).Str("table", table).Msg("pull fetch failed")
			continue
		}

		for _, msg := range msgs {
			var record T
			if err := json.Unmarshal(msg.Data, &record); err != nil {
				logger.Error().Err(err).Str("table", table).Msg("dropping undecodable message")
				_ = msg.Term()
				continue
			}
			if err := batcher.Add(ctx, Entry[T]{Record: record, Msg: msg}); err != nil {
				logger.Error().Err(err).Str("table", table).Msg("immediate batch flush failed")
			}
		}
	}
}
