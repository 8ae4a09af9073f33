// Package busbindings implements C6: idempotent provisioning of the
// durable bus's streams and pull consumers on startup, plus the
// publisher.Bus implementation (PublishDurable/PublishBestEffort) that C5
// publishes through.
package busbindings

import "time"

// minDedupWindow is the floor for a stream's dedup window: when reconcile
// updates a drifted stream and the desired window is below this floor, it
// keeps the existing stream's window instead. streamDrifted itself flags
// any difference in the window, wider or narrower.
const minDedupWindow = 30 * time.Second

// StreamSpec is the desired configuration for one logical JetStream
// stream (spec §4.6).
type StreamSpec struct {
	Name        string
	Subjects    []string
	MaxAge      time.Duration
	DedupWindow time.Duration
	Replicas    int
}

// DesiredStreams returns the two streams spec §4.6 names. ORDERBOOK_SNAP
// is kept separate from MARKET_DATA so high-volume order-book traffic
// cannot starve the other data types sharing one stream's retention and
// delivery ordering.
func DesiredStreams() []StreamSpec {
	return []StreamSpec{
		{
			Name: "MARKET_DATA",
			Subjects: []string{
				"trade.>",
				"funding_rate.>",
				"liquidation.>",
				"open_interest.>",
				"lsr_top_position.>",
				"lsr_all_account.>",
				"volatility_index.>",
			},
			MaxAge:      48 * time.Hour,
			DedupWindow: 120 * time.Second,
			Replicas:    1,
		},
		{
			Name:        "ORDERBOOK_SNAP",
			Subjects:    []string{"orderbook.>", "orderbook_snapshot.>"},
			MaxAge:      24 * time.Hour,
			DedupWindow: 60 * time.Second,
			Replicas:    1,
		},
	}
}
