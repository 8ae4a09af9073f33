package storage

import (
	"context"

	"github.com/marketdata-platform/ingest/internal/model"
)

// Store is the write side of the storage consumer: one batch-insert
// method per destination table from spec §4.7's table map. Implementations
// must only report success once the batch is durably observable — the
// consumer acks the source messages on a nil return and relies on
// JetStream redelivery otherwise.
type Store interface {
	InsertTrades(ctx context.Context, rows []*model.Trade) error
	InsertOrderBookSnapshots(ctx context.Context, rows []*model.OrderBookSnapshot) error
	InsertOrderBookUpdates(ctx context.Context, rows []*model.OrderBookUpdate) error
	InsertFundingRates(ctx context.Context, rows []*model.FundingRate) error
	InsertOpenInterests(ctx context.Context, rows []*model.OpenInterest) error
	InsertLiquidations(ctx context.Context, rows []*model.Liquidation) error
	InsertLSRTopPositions(ctx context.Context, rows []*model.LSRTopPosition) error
	InsertLSRAllAccounts(ctx context.Context, rows []*model.LSRAllAccount) error
	InsertVolatilityIndices(ctx context.Context, rows []*model.VolatilityIndex) error

	// FallbackHits reports how many times table's writes have fallen back
	// to the HTTP-equivalent path since startup.
	FallbackHits(table string) int64
}

// tables lists every destination table, used to pre-size per-table
// counters and for health reporting.
var tables = []string{
	"trades",
	"orderbook_snapshots",
	"orderbook_updates",
	"funding_rates",
	"open_interests",
	"liquidations",
	"lsr_top_positions",
	"lsr_all_accounts",
	"volatility_indices",
}
