package storage

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/metrics"
)

// BatchDefaults are the representative table classes from spec §4.7:
// flush on whichever of (rows, elapsed) hits first.
const (
	HighRateBatchSize   = 500
	HighRateBatchWindow = time.Second

	DeltaBatchSize   = 200
	DeltaBatchWindow = time.Second

	LowRateBatchSize   = 50
	LowRateBatchWindow = 5 * time.Second
)

// Entry pairs one decoded record with the raw JetStream message it came
// from, so a Batcher can ack (or leave unacked for redelivery) exactly
// the messages covered by one flush.
type Entry[T any] struct {
	Record T
	Msg    *nats.Msg
}

// Batcher accumulates Entry[T] values per destination table and flushes
// them as one batch once the size or time threshold is crossed,
// mirroring the drift-aware timing idiom in internal/poller.Scheduler:
// the caller drives a ticker and asks FlushDue whether enough time has
// elapsed since the last flush.
type Batcher[T any] struct {
	mu        sync.Mutex
	entries   []Entry[T]
	size      int
	window    time.Duration
	lastFlush time.Time
	flush     func(ctx context.Context, entries []Entry[T]) error
	logger    zerolog.Logger
	table     string
}

// NewBatcher builds a Batcher that calls flush once size entries have
// accumulated, or once window has elapsed since the last flush,
// whichever comes first.
func NewBatcher[T any](table string, size int, window time.Duration, flush func(context.Context, []Entry[T]) error, logger zerolog.Logger) *Batcher[T] {
	return &Batcher[T]{
		size:      size,
		window:    window,
		flush:     flush,
		logger:    logger,
		table:     table,
		lastFlush: time.Now(),
	}
}

// Add appends one entry, flushing immediately if the batch is now full.
func (b *Batcher[T]) Add(ctx context.Context, e Entry[T]) error {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	full := len(b.entries) >= b.size
	b.mu.Unlock()
	if full {
		return b.FlushNow(ctx)
	}
	return nil
}

// FlushDue flushes the current batch if its window has elapsed and it
// is non-empty. Callers poll this on a ticker between Add calls so a
// low-rate table doesn't sit unflushed indefinitely.
func (b *Batcher[T]) FlushDue(ctx context.Context) error {
	b.mu.Lock()
	due := len(b.entries) > 0 && time.Since(b.lastFlush) >= b.window
	b.mu.Unlock()
	if !due {
		return nil
	}
	return b.FlushNow(ctx)
}

// FlushNow flushes whatever is currently buffered, regardless of size or
// elapsed time. Used on shutdown to drain the last partial batch.
func (b *Batcher[T]) FlushNow(ctx context.Context) error {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.lastFlush = time.Now()
	b.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	metrics.StorageBatchSize.WithLabelValues(b.table).Observe(float64(len(entries)))
	if err := b.flush(ctx, entries); err != nil {
		metrics.StorageFlushErrors.WithLabelValues(b.table).Inc()
		b.logger.Error().Err(err).Str("table", b.table).Int("rows", len(entries)).Msg("batch flush failed")
		return err
	}
	return nil
}

// Pending reports how many entries are currently buffered, for health
// reporting.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
