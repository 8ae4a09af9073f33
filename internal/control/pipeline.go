package control

import (
	"context"
	"hash/fnv"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/metrics"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/orderbook"
	"github.com/marketdata-platform/ingest/internal/publisher"
	"github.com/marketdata-platform/ingest/internal/session"
)

// shardCount is the normalizer worker pool size per venue/market Line.
// Frames are routed to a worker by hashing their channel name, so every
// frame of a given channel always lands on the same worker and keeps its
// order without a lock (spec §5). A symbol's separate channels (its trades
// and its depth stream, say) can hash to different workers.
const shardCount = 8

// frameQueueSize bounds each shard's channel; a slow worker applies
// backpressure to the session's read loop rather than growing without
// bound, per spec §5's "every queue and buffer in the system is bounded."
const frameQueueSize = 1000

// Line runs one venue/market's frame pipeline end to end: the sharded
// worker pool that is this spec's Normalizer (C2), routing each parsed
// event either into the order book manager (C3, for WS deltas) or
// straight to the publisher (C5, for everything else including
// poller-sourced snapshots).
type Line struct {
	Venue      model.ExchangeID
	Market     model.MarketType
	Adapter    connector.Adapter
	OrderBooks *orderbook.Manager
	Strategies map[string]orderbook.Strategy // symbol -> depth strategy
	Publisher  *publisher.Publisher
	Queue      *publisher.Queue
	Logger     zerolog.Logger

	shards []chan session.Frame
}

// NewLine builds a Line with its worker shards unstarted; call Run to
// start them.
func NewLine(venue model.ExchangeID, market model.MarketType, adapter connector.Adapter, books *orderbook.Manager, strategies map[string]orderbook.Strategy, pub *publisher.Publisher, queue *publisher.Queue, logger zerolog.Logger) *Line {
	shards := make([]chan session.Frame, shardCount)
	for i := range shards {
		shards[i] = make(chan session.Frame, frameQueueSize)
	}
	return &Line{
		Venue: venue, Market: market, Adapter: adapter,
		OrderBooks: books, Strategies: strategies,
		Publisher: pub, Queue: queue, Logger: logger,
		shards: shards,
	}
}

// OnFrame is passed as a session.Handler.OnFrame callback. It blocks if
// the target shard is full, propagating backpressure to the session's
// read loop instead of dropping or growing without bound.
func (l *Line) OnFrame(f session.Frame) {
	l.shards[shardIndex(f.Channel, len(l.shards))] <- f
}

func shardIndex(channel string, n int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return h.Sum32() % uint32(n)
}

// Run starts one goroutine per shard and blocks until ctx is cancelled.
func (l *Line) Run(ctx context.Context) {
	for _, shard := range l.shards {
		go l.worker(ctx, shard)
	}
	<-ctx.Done()
}

func (l *Line) worker(ctx context.Context, frames <-chan session.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			events, err := l.Adapter.ParseFrame(l.Market, f.Channel, f.Payload, f.ReceivedAt)
			if err != nil {
				l.Logger.Warn().Err(err).Str("venue", string(l.Venue)).Str("channel", f.Channel).Msg("parse frame failed")
				continue
			}
			for _, e := range events {
				l.route(ctx, e)
			}
		}
	}
}

// route sends an order book delta through its owning Worker (which
// applies the sequencing/rebuild algorithm and only then calls back into
// emit with the canonical, validated update); every other event kind is
// published as-is.
func (l *Line) route(ctx context.Context, e connector.Event) {
	if e.OrderBookUpdate == nil {
		l.emit(ctx, e)
		return
	}

	u := *e.OrderBookUpdate
	worker, ok := l.OrderBooks.Get(l.Venue, u.Symbol)
	if !ok {
		strategy := l.Strategies[u.Symbol]
		worker = l.OrderBooks.GetOrCreate(l.Venue, l.Market, u.Symbol, strategy, l.Adapter.FetchOrderBookSnapshot, l.Logger,
			func(out model.OrderBookUpdate) {
				l.emit(ctx, connector.Event{OrderBookUpdate: &out})
			})
	}
	if err := worker.HandleDelta(ctx, u); err != nil {
		if err == orderbook.ErrSequenceGap {
			metrics.OrderbookRebuilds.WithLabelValues(string(l.Venue), u.Symbol).Inc()
		}
		if err != orderbook.ErrQuarantined {
			l.Logger.Warn().Err(err).Str("venue", string(l.Venue)).Str("symbol", u.Symbol).Msg("order book delta rejected")
		}
		return
	}
	metrics.OrderbookUpdates.WithLabelValues(string(l.Venue), u.Symbol).Inc()
}

func (l *Line) emit(ctx context.Context, e connector.Event) {
	if e.Trade != nil {
		volume, _ := e.Trade.Quantity.Float64()
		metrics.RecordTrade(string(l.Venue), e.Trade.Symbol, string(e.Trade.Side), volume)
	}
	if err := l.Publisher.Enqueue(ctx, l.Queue, e); err != nil {
		l.Logger.Warn().Err(err).Str("venue", string(l.Venue)).Msg("enqueue failed")
	}
}
