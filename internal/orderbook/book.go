// Package orderbook implements C3: per-(ExchangeID, Symbol) order book
// reconstruction from a venue's snapshot+delta stream, enforcing the
// sequence invariants spec §4.3/§3.2 require before anything downstream
// ever sees an update.
package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdata-platform/ingest/internal/model"
)

// State is the order book's reconstruction state machine (spec §4.3).
type State int

const (
	StateInit State = iota
	StateSyncing
	StateSynced
	StateRebuilding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateRebuilding:
		return "rebuilding"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// side is one ordered price->quantity map. bids are kept desc, asks asc;
// ordering is enforced at orderedLevels() time rather than on every apply, since
// books are insert-heavy and read comparatively rarely.
type side struct {
	levels map[string]decimal.Decimal // price.String() -> quantity, for exact dedup of repeated price strings
	prices map[string]decimal.Decimal // price.String() -> price, recovers the Decimal from the key
}

func newSide() *side {
	return &side{levels: make(map[string]decimal.Decimal), prices: make(map[string]decimal.Decimal)}
}

// apply sets or removes a level. qty == 0 removes it; a zero-quantity
// removal of a level that doesn't exist is a no-op (spec: "ignore").
func (s *side) apply(price, qty decimal.Decimal) {
	key := price.String()
	if qty.IsZero() {
		delete(s.levels, key)
		delete(s.prices, key)
		return
	}
	s.levels[key] = qty
	s.prices[key] = price
}

func (s *side) orderedLevels(desc bool, limit int) []model.OrderBookLevel {
	keys := make([]string, 0, len(s.levels))
	for k := range s.levels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := s.prices[keys[i]], s.prices[keys[j]]
		if desc {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]model.OrderBookLevel, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.OrderBookLevel{Price: s.prices[k], Quantity: s.levels[k]})
	}
	return out
}

// Book is the reconstructed state for one (ExchangeID, Symbol).
type Book struct {
	ExchangeID model.ExchangeID
	MarketType model.MarketType
	Symbol     string

	state        State
	bids         *side
	asks         *side
	lastUpdateID int64

	buffer       []model.OrderBookUpdate // SYNCING-phase delta buffer
	bufferLimit  int

	rebuildTimestamps []int64 // unix millis of recent rebuild entries, for the 5-per-10-min cap
}

// New creates a book in state INIT, matching spec §4.3's "created on
// first subscription" lifecycle.
func New(exchangeID model.ExchangeID, marketType model.MarketType, symbol string) *Book {
	return &Book{
		ExchangeID:  exchangeID,
		MarketType:  marketType,
		Symbol:      symbol,
		state:       StateInit,
		bids:        newSide(),
		asks:        newSide(),
		bufferLimit: 1000,
	}
}

func (b *Book) State() State { return b.state }

func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// BeginSync transitions INIT/REBUILDING -> SYNCING and clears the buffer,
// per spec §4.3 step 1: "enter SYNCING; start buffering deltas."
func (b *Book) BeginSync() {
	b.state = StateSyncing
	b.buffer = b.buffer[:0]
}

// BufferDelta buffers a delta received while SYNCING. When the buffer
// would exceed its bound, the oldest entry is dropped to make room —
// the snapshot that eventually arrives determines which of these survive
// anyway (spec step 3: snapshot-prior deltas are discarded).
func (b *Book) BufferDelta(u model.OrderBookUpdate) {
	if len(b.buffer) >= b.bufferLimit {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, u)
}

// ApplySnapshot installs a REST/WS snapshot as the book's base state and
// replays any buffered deltas that apply on top of it (spec §4.3 steps
// 3-5). It returns ErrResyncRequired if the first retained delta doesn't
// bridge the snapshot's id, signaling the caller should trigger a rebuild
// instead of trusting this snapshot.
func (b *Book) ApplySnapshot(snap model.OrderBookSnapshot) error {
	b.bids = newSide()
	b.asks = newSide()
	for _, lvl := range snap.Bids {
		b.bids.apply(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range snap.Asks {
		b.asks.apply(lvl.Price, lvl.Quantity)
	}
	b.lastUpdateID = snap.LastUpdateID

	retained := b.buffer[:0:0]
	for _, d := range b.buffer {
		if d.LastUpdateID <= snap.LastUpdateID {
			continue // discard buffered deltas that precede the snapshot
		}
		retained = append(retained, d)
	}
	b.buffer = nil

	if len(retained) == 0 {
		b.state = StateSynced
		return nil
	}

	first := retained[0]
	if !(first.FirstUpdateID <= snap.LastUpdateID+1 && snap.LastUpdateID+1 <= first.LastUpdateID) {
		b.state = StateRebuilding
		return ErrResyncRequired
	}

	for _, d := range retained {
		b.applyDeltaUnchecked(d)
	}
	b.state = StateSynced
	return nil
}

// ApplyDelta validates and applies one steady-state delta (spec §4.3
// steady-state algorithm, step 1-3). It returns ErrSequenceGap if the
// delta doesn't chain from the current last_update_id, in which case the
// caller must transition to REBUILDING and not emit anything.
func (b *Book) ApplyDelta(u model.OrderBookUpdate) error {
	if b.state != StateSynced {
		return ErrNotSynced
	}
	if u.LastUpdateID <= b.lastUpdateID {
		return ErrDuplicateUpdate // idempotent re-delivery; caller should just ignore
	}
	if u.PrevLastUpdateID != b.lastUpdateID {
		b.state = StateRebuilding
		return ErrSequenceGap
	}
	b.applyDeltaUnchecked(u)
	return nil
}

func (b *Book) applyDeltaUnchecked(u model.OrderBookUpdate) {
	for _, lvl := range u.BidChanges {
		b.bids.apply(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range u.AskChanges {
		b.asks.apply(lvl.Price, lvl.Quantity)
	}
	b.lastUpdateID = u.LastUpdateID
}

// Snapshot materializes the current book's top-N levels as a canonical
// OrderBookSnapshot, for snapshot-polling emission mode.
func (b *Book) Snapshot(depth int, eventTS int64) model.OrderBookSnapshot {
	bids := b.bids.orderedLevels(true, depth)
	asks := b.asks.orderedLevels(false, depth)
	return model.OrderBookSnapshot{
		ExchangeID:   b.ExchangeID,
		MarketType:   b.MarketType,
		Symbol:       b.Symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: b.lastUpdateID,
		DepthLevels:  len(bids),
		EventTS:      time.UnixMilli(eventTS).UTC(),
		CollectedAt:  time.Now().UTC(),
	}
}
