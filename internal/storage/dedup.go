// Package storage implements C7: pull messages off the bus, batch them
// per destination table, write the batch to the columnar store, and ack
// only once the write has durably succeeded.
package storage

import (
	"fmt"
	"time"

	"github.com/marketdata-platform/ingest/internal/model"
)

// Dedup keys per spec §4.7. The storage consumer itself only needs to
// guarantee no duplicate row within one in-memory batch (the common
// duplicate source being a redelivered-but-already-written message from
// a prior crash). Dedup across batches is left to the store; this module
// defines no table schema, so it sets no primary key or merge engine there.

func tradeDedupKey(t model.Trade) string {
	return fmt.Sprintf("%s|%s|%s|%s", t.ExchangeID, t.MarketType, t.Symbol, t.TradeID)
}

// orderBookSnapshotDedupKeyFn closes over the polling interval so
// repeated polls within the same tick collapse to one key, per spec
// §4.7: "key (exchange_id, market_type, symbol, event_ts) rounded to the
// polling interval".
func orderBookSnapshotDedupKeyFn(interval time.Duration) func(model.OrderBookSnapshot) string {
	return func(s model.OrderBookSnapshot) string {
		rounded := s.EventTS.Truncate(interval)
		return fmt.Sprintf("%s|%s|%s|%d", s.ExchangeID, s.MarketType, s.Symbol, rounded.UnixNano())
	}
}

func orderBookUpdateDedupKey(u model.OrderBookUpdate) string {
	return fmt.Sprintf("%s|%s|%s|%d", u.ExchangeID, u.MarketType, u.Symbol, u.LastUpdateID)
}

// identityDedupKey is used for record kinds spec §4.7 gives no explicit
// dedup key for: two entries only collapse if every field matches
// exactly, which still catches the common case (an unmodified message
// redelivered verbatim) without risking false merges across distinct
// records.
func identityDedupKey[T any](v T) string {
	return fmt.Sprintf("%+v", v)
}

// dedupeBatch drops later entries whose dedup key was already seen
// earlier in the same batch, preserving first-seen order.
func dedupeBatch[T any](entries []Entry[T], keyFn func(T) string) []Entry[T] {
	seen := make(map[string]bool, len(entries))
	out := make([]Entry[T], 0, len(entries))
	for _, e := range entries {
		k := keyFn(e.Record)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}
