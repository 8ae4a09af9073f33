// Package metrics exposes the Prometheus vectors recorded across the
// pipeline: per-venue order book and trade throughput, session
// connection health, REST poller latency/errors, and storage batch
// behavior. internal/control/server.go serves these at /metrics;
// instrumentation itself lives next to the code it measures.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Order book metrics
	OrderbookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_orderbook_updates_total",
			Help: "Total number of order book updates applied",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_orderbook_best_bid",
			Help: "Current best bid price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_orderbook_best_ask",
			Help: "Current best ask price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookSpread = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_orderbook_spread_bps",
			Help: "Current bid-ask spread in basis points",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_orderbook_rebuilds_total",
			Help: "Total number of order book resyncs triggered by a sequence gap or quarantine",
		},
		[]string{"exchange", "symbol"},
	)

	// Trade metrics
	TradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_trades_total",
			Help: "Total number of trades received",
		},
		[]string{"exchange", "symbol", "side"},
	)

	TradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_trade_volume_total",
			Help: "Total trade volume",
		},
		[]string{"exchange", "symbol"},
	)

	// Latency metrics
	MessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_message_latency_seconds",
			Help:    "Latency from exchange event timestamp to publish",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"exchange", "message_type"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Periodic poller metrics (C4)
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from an exchange REST API, including retries",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "job"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_rest_fetch_errors_total",
			Help: "Total number of REST API fetch attempts that failed",
		},
		[]string{"exchange", "job"},
	)

	PollTicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_poll_ticks_skipped_total",
			Help: "Total number of scheduler ticks skipped because the previous run was still in flight",
		},
		[]string{"job"},
	)

	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_funding_rate",
			Help: "Current funding rate",
		},
		[]string{"exchange", "symbol"},
	)

	// Publisher metrics (C5)
	PublishQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_publish_queue_depth",
			Help: "Current depth of a venue's publish queue",
		},
		[]string{"exchange"},
	)

	PublishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_publish_dropped_total",
			Help: "Total number of records dropped instead of published",
		},
		[]string{"exchange", "reason"},
	)

	// Storage metrics (C7)
	StorageBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_storage_batch_size",
			Help:    "Number of rows in a flushed storage batch",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000},
		},
		[]string{"table"},
	)

	StorageFlushErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_storage_flush_errors_total",
			Help: "Total number of storage batch flush failures",
		},
		[]string{"table"},
	)

	StorageFallbackHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_storage_fallback_hits_total",
			Help: "Total number of writes that fell back to the HTTP interface after a native protocol error",
		},
		[]string{"table"},
	)
)

// Timer measures an operation's duration for later recording to a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordOrderbookUpdate records a venue/symbol's latest top-of-book and
// spread after an order book update has been applied.
func RecordOrderbookUpdate(exchange, symbol string, bestBid, bestAsk float64) {
	OrderbookUpdates.WithLabelValues(exchange, symbol).Inc()
	if bestBid > 0 {
		OrderbookBestBid.WithLabelValues(exchange, symbol).Set(bestBid)
	}
	if bestAsk > 0 {
		OrderbookBestAsk.WithLabelValues(exchange, symbol).Set(bestAsk)
	}
	if bestBid > 0 && bestAsk > 0 {
		mid := (bestBid + bestAsk) / 2
		OrderbookSpread.WithLabelValues(exchange, symbol).Set((bestAsk - bestBid) / mid * 10000)
	}
}

// RecordTrade records a trade's count and volume.
func RecordTrade(exchange, symbol, side string, volume float64) {
	TradeCount.WithLabelValues(exchange, symbol, side).Inc()
	TradeVolume.WithLabelValues(exchange, symbol).Add(volume)
}

// RecordConnectionStatus records a venue session's up/down state.
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt.
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error by type.
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordFundingRate records a funding rate update.
func RecordFundingRate(exchange, symbol string, rate float64) {
	FundingRate.WithLabelValues(exchange, symbol).Set(rate)
}
