// Package connector defines the venue adapter boundary (spec §4.1, §9):
// one Adapter per exchange translates between that venue's wire protocol
// and the canonical model types, while internal/session owns the physical
// connection and keep-alive policy common to every venue. Adding a venue
// means adding a package that implements Adapter, not touching this one.
package connector

import (
	"context"
	"time"

	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/session"
)

// Event is a tagged union of one canonical record, produced by parsing a
// single inbound frame. Exactly one field is non-nil.
type Event struct {
	Trade             *model.Trade
	OrderBookSnapshot *model.OrderBookSnapshot
	OrderBookUpdate   *model.OrderBookUpdate
	FundingRate       *model.FundingRate
	OpenInterest      *model.OpenInterest
	Liquidation       *model.Liquidation
	LSRTopPosition    *model.LSRTopPosition
	LSRAllAccount     *model.LSRAllAccount
	VolatilityIndex   *model.VolatilityIndex
}

// Subscription describes what one session should subscribe to.
type Subscription struct {
	Market    model.MarketType
	Symbols   []string
	DataTypes []string // "trade", "orderbook", "funding_rate", ...
}

// Adapter translates one venue's wire protocol. Implementations hold no
// connection state themselves — WSEndpoint/SubscribeFrames/ParseFrame are
// pure functions of their arguments, so a single Adapter value is shared
// across every session for that venue.
type Adapter interface {
	Venue() model.ExchangeID
	Policy() session.Policy

	// WSEndpoint returns the base WebSocket URL for market.
	WSEndpoint(market model.MarketType) string

	// SubscribeFrames returns the control frames to send right after
	// every connect and reconnect.
	SubscribeFrames(sub Subscription) ([][]byte, error)

	// ParseFrame converts one envelope-unwrapped frame into zero or more
	// canonical events. now is the frame's arrival time (EventTS falls
	// back to now when the venue's payload carries no timestamp).
	ParseFrame(market model.MarketType, channel string, payload []byte, now time.Time) ([]Event, error)

	// FetchOrderBookSnapshot performs the REST snapshot call used both to
	// (re)sync a local book and to serve snapshot polling (orderbook.method
	// "snapshot").
	FetchOrderBookSnapshot(ctx context.Context, market model.MarketType, symbol string, depth int) (model.OrderBookSnapshot, error)

	// FetchFundingRates, FetchOpenInterest, FetchLSR and
	// FetchVolatilityIndex back the periodic pollers (C4) for venues/data
	// types with no WS push. A venue that doesn't publish a given type
	// returns (nil, nil).
	FetchFundingRates(ctx context.Context, market model.MarketType, symbols []string) ([]model.FundingRate, error)
	FetchOpenInterest(ctx context.Context, market model.MarketType, symbols []string) ([]model.OpenInterest, error)
	FetchLSR(ctx context.Context, market model.MarketType, symbols []string) ([]model.LSRTopPosition, []model.LSRAllAccount, error)
	FetchVolatilityIndex(ctx context.Context, market model.MarketType, symbols []string) ([]model.VolatilityIndex, error)
}

// Registry maps ExchangeID to its Adapter, built once at startup from the
// venue packages' constructors.
type Registry map[model.ExchangeID]Adapter

// NewRegistry builds a Registry from a set of adapters, keyed by Venue().
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Venue()] = a
	}
	return r
}
