package busbindings

import "time"

// Consumer defaults, spec §4.6: "durable name, deliver policy (default
// last to favor freshness on restart), ack policy explicit, ack wait 60s,
// max deliver 3, max ack pending 2000. Consumers are pull-based."
const (
	DefaultAckWait        = 60 * time.Second
	DefaultMaxDeliver     = 3
	DefaultMaxAckPending  = 2000
)

// ConsumerSpec is the desired configuration for one durable pull
// consumer, scoped to the subset of a stream's subjects routed to one
// storage table (spec §4.7's table map).
type ConsumerSpec struct {
	Stream        string
	Durable       string
	FilterSubject string
	Table         string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// DesiredConsumers returns one consumer per §4.7 table-map entry, each
// scoped to its stream via FilterSubject.
func DesiredConsumers() []ConsumerSpec {
	entries := []struct {
		durable, filter, table, stream string
	}{
		{"trades_consumer", "trade.>", "trades", "MARKET_DATA"},
		{"funding_rates_consumer", "funding_rate.>", "funding_rates", "MARKET_DATA"},
		{"liquidations_consumer", "liquidation.>", "liquidations", "MARKET_DATA"},
		{"open_interests_consumer", "open_interest.>", "open_interests", "MARKET_DATA"},
		{"lsr_top_positions_consumer", "lsr_top_position.>", "lsr_top_positions", "MARKET_DATA"},
		{"lsr_all_accounts_consumer", "lsr_all_account.>", "lsr_all_accounts", "MARKET_DATA"},
		{"volatility_indices_consumer", "volatility_index.>", "volatility_indices", "MARKET_DATA"},
		{"orderbooks_consumer", "orderbook.>", "orderbooks", "ORDERBOOK_SNAP"},
		{"orderbook_snapshots_consumer", "orderbook_snapshot.>", "orderbook_snapshots", "ORDERBOOK_SNAP"},
	}
	specs := make([]ConsumerSpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, ConsumerSpec{
			Stream:        e.stream,
			Durable:       e.durable,
			FilterSubject: e.filter,
			Table:         e.table,
			AckWait:       DefaultAckWait,
			MaxDeliver:    DefaultMaxDeliver,
			MaxAckPending: DefaultMaxAckPending,
		})
	}
	return specs
}
