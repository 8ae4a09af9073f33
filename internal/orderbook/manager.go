package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/model"
)

const (
	rebuildWindow       = 10 * time.Minute
	rebuildCap          = 5
	inactivityThreshold = 5 * time.Minute
)

// SnapshotFetcher performs the REST snapshot call for one symbol. It is
// supplied by the connector adapter in use; Manager is otherwise
// connector-agnostic.
type SnapshotFetcher func(ctx context.Context, market model.MarketType, symbol string, depth int) (model.OrderBookSnapshot, error)

// Worker owns exactly one (ExchangeID, Symbol) book. Per spec §5's
// ownership model there is no locking on the book itself — only the
// Worker's owning goroutine ever touches it.
type Worker struct {
	Book     *Book
	Strategy Strategy
	Fetch    SnapshotFetcher
	Logger   zerolog.Logger

	lastMessageAt time.Time
	rebuilds      []time.Time

	emit func(model.OrderBookUpdate)
}

// NewWorker constructs a Worker for one symbol under the given strategy.
func NewWorker(exchangeID model.ExchangeID, marketType model.MarketType, symbol string, strategy Strategy, fetch SnapshotFetcher, logger zerolog.Logger, emit func(model.OrderBookUpdate)) *Worker {
	return &Worker{
		Book:     New(exchangeID, marketType, symbol),
		Strategy: strategy,
		Fetch:    fetch,
		Logger:   logger,
		emit:     emit,
	}
}

// Sync performs the initial snapshot+delta reconciliation (spec §4.3
// algorithm steps 1-5), called on first subscription and on every rebuild.
func (w *Worker) Sync(ctx context.Context) error {
	w.Book.BeginSync()
	depth := ClampDepth(string(w.Book.ExchangeID), w.Strategy.SnapshotDepth)
	snap, err := w.Fetch(ctx, w.Book.MarketType, w.Book.Symbol, depth)
	if err != nil {
		return fmt.Errorf("orderbook sync %s/%s: fetch snapshot: %w", w.Book.ExchangeID, w.Book.Symbol, err)
	}
	if err := w.Book.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("orderbook sync %s/%s: %w", w.Book.ExchangeID, w.Book.Symbol, err)
	}
	w.lastMessageAt = time.Now()
	return nil
}

// HandleDelta processes one inbound delta. While SYNCING it buffers;
// while SYNCED it validates and applies, emitting a canonical update or
// triggering a rebuild on sequence violation. After a gap-triggered rebuild
// that succeeds it returns ErrSequenceGap, since the delta itself was not
// emitted; a failed rebuild returns the rebuild's error.
func (w *Worker) HandleDelta(ctx context.Context, u model.OrderBookUpdate) error {
	w.lastMessageAt = time.Now()

	switch w.Book.State() {
	case StateSyncing:
		w.Book.BufferDelta(u)
		return nil
	case StateSynced:
		prevLastUpdateID := w.Book.LastUpdateID()
		err := w.Book.ApplyDelta(u)
		switch {
		case err == nil:
			out := u
			out.PrevLastUpdateID = prevLastUpdateID
			if w.emit != nil {
				w.emit(out)
			}
			return nil
		case err == ErrDuplicateUpdate:
			return nil // idempotent re-delivery, not an error
		case err == ErrSequenceGap:
			w.Logger.Warn().Str("symbol", w.Book.Symbol).Msg("sequence gap, triggering rebuild")
			if rerr := w.triggerRebuild(ctx); rerr != nil {
				return rerr
			}
			return ErrSequenceGap
		default:
			return err
		}
	case StateRebuilding, StateInit:
		return w.triggerRebuild(ctx)
	case StateFailed:
		return ErrQuarantined
	default:
		return nil
	}
}

// CheckInactivity triggers a rebuild if no frame has arrived for over
// inactivityThreshold, per spec §4.3's "Inactivity > 5 min ... trigger
// rebuild" edge case.
func (w *Worker) CheckInactivity(ctx context.Context) error {
	if w.Book.State() != StateSynced {
		return nil
	}
	if time.Since(w.lastMessageAt) > inactivityThreshold {
		w.Logger.Warn().Str("symbol", w.Book.Symbol).Msg("inactivity timeout, triggering rebuild")
		return w.triggerRebuild(ctx)
	}
	return nil
}

// SwitchStrategy changes the active depth strategy and resets the book to
// INIT, per spec §4.3.1: "Strategy switching ... resets the order-book
// state machine to INIT."
func (w *Worker) SwitchStrategy(strategy Strategy) {
	w.Strategy = strategy
	w.Book.state = StateInit
}

func (w *Worker) triggerRebuild(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-rebuildWindow)
	kept := w.rebuilds[:0]
	for _, t := range w.rebuilds {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.rebuilds = kept

	if len(w.rebuilds) >= rebuildCap {
		w.Book.state = StateFailed
		w.Logger.Error().Str("symbol", w.Book.Symbol).Msg("rebuild cap exceeded, quarantining symbol")
		return ErrQuarantined
	}
	w.rebuilds = append(w.rebuilds, now)

	return w.Sync(ctx)
}

// Manager maps each (exchange, symbol) to its Worker; callers route every
// frame for a given (exchange, symbol) to the same goroutine (spec §5), so Manager
// itself holds no lock around individual Worker state — only around the
// map of which workers exist.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func NewManager() *Manager {
	return &Manager{workers: make(map[string]*Worker)}
}

func key(exchangeID model.ExchangeID, symbol string) string {
	return string(exchangeID) + "|" + symbol
}

func (m *Manager) GetOrCreate(exchangeID model.ExchangeID, marketType model.MarketType, symbol string, strategy Strategy, fetch SnapshotFetcher, logger zerolog.Logger, emit func(model.OrderBookUpdate)) *Worker {
	k := key(exchangeID, symbol)
	m.mu.RLock()
	w, ok := m.workers[k]
	m.mu.RUnlock()
	if ok {
		return w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[k]; ok {
		return w
	}
	w = NewWorker(exchangeID, marketType, symbol, strategy, fetch, logger, emit)
	m.workers[k] = w
	return w
}

func (m *Manager) Get(exchangeID model.ExchangeID, symbol string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[key(exchangeID, symbol)]
	return w, ok
}

// CheckAllInactivity runs CheckInactivity across every tracked worker.
// Nothing in the control plane calls it, so no inactivity rebuild happens
// unless a caller drives it.
func (m *Manager) CheckAllInactivity(ctx context.Context) {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	for _, w := range workers {
		if err := w.CheckInactivity(ctx); err != nil && err != ErrQuarantined {
			w.Logger.Error().Err(err).Msg("inactivity rebuild failed")
		}
	}
}
