// Package model defines the canonical, venue-independent market data
// records produced by the normalizer and order book manager. Records are
// immutable value objects: nothing downstream mutates a record after
// construction, it is copied instead.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeID is a closed enum of source venues.
type ExchangeID string

const (
	BinanceSpot        ExchangeID = "binance_spot"
	BinanceDerivatives ExchangeID = "binance_derivatives"
	OKXSpot            ExchangeID = "okx_spot"
	OKXDerivatives     ExchangeID = "okx_derivatives"
	DeribitDerivatives ExchangeID = "deribit_derivatives"
)

// MarketType distinguishes spot, perpetual and options instruments.
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
	MarketOptions   MarketType = "options"
)

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// UpdateType distinguishes a full snapshot from an incremental delta.
type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateDelta    UpdateType = "delta"
)

// DataType names the canonical record kinds, used to build bus subjects.
type DataType string

const (
	DataTypeTrade             DataType = "trade"
	DataTypeOrderbook         DataType = "orderbook"
	DataTypeOrderbookSnapshot DataType = "orderbook_snapshot"
	DataTypeFundingRate       DataType = "funding_rate"
	DataTypeOpenInterest      DataType = "open_interest"
	DataTypeLiquidation       DataType = "liquidation"
	DataTypeLSRTopPosition    DataType = "lsr_top_position"
	DataTypeLSRAllAccount     DataType = "lsr_all_account"
	DataTypeVolatilityIndex   DataType = "volatility_index"
)

// Trade is a single executed trade, canonicalized across venues.
type Trade struct {
	ExchangeID     ExchangeID      `json:"exchange_id"`
	MarketType     MarketType      `json:"market_type"`
	Symbol         string          `json:"symbol"`
	TradeID        string          `json:"trade_id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuoteQuantity  decimal.Decimal `json:"quote_quantity"`
	Side           Side            `json:"side"`
	IsBuyerMaker   bool            `json:"is_buyer_maker"`
	EventTS        time.Time       `json:"event_ts"`
	CollectedAt    time.Time       `json:"collected_at"`
}

// OrderBookLevel is a single price level. Quantity == 0 means "remove level".
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot is a full top-N picture of both sides of the book.
type OrderBookSnapshot struct {
	ExchangeID   ExchangeID       `json:"exchange_id"`
	MarketType   MarketType       `json:"market_type"`
	Symbol       string           `json:"symbol"`
	Bids         []OrderBookLevel `json:"bids"` // sorted desc by price
	Asks         []OrderBookLevel `json:"asks"` // sorted asc by price
	LastUpdateID int64            `json:"last_update_id"`
	EventTS      time.Time        `json:"event_ts"`
	DepthLevels  int              `json:"depth_levels"`
	CollectedAt  time.Time        `json:"collected_at"`
}

// OrderBookUpdate is an incremental change to a previously synced book,
// or the first emission after a snapshot (UpdateType == snapshot).
type OrderBookUpdate struct {
	ExchangeID        ExchangeID       `json:"exchange_id"`
	MarketType        MarketType       `json:"market_type"`
	Symbol            string           `json:"symbol"`
	BidChanges        []OrderBookLevel `json:"bid_changes"`
	AskChanges        []OrderBookLevel `json:"ask_changes"`
	FirstUpdateID     int64            `json:"first_update_id"`
	LastUpdateID      int64            `json:"last_update_id"`
	PrevLastUpdateID  int64            `json:"prev_last_update_id"`
	UpdateType        UpdateType       `json:"update_type"`
	EventTS           time.Time        `json:"event_ts"`
	CollectedAt       time.Time        `json:"collected_at"`
}

// FundingRate is the current and next funding information for a perpetual.
type FundingRate struct {
	ExchangeID           ExchangeID      `json:"exchange_id"`
	MarketType           MarketType      `json:"market_type"`
	Symbol               string          `json:"symbol"`
	FundingRate          decimal.Decimal `json:"funding_rate"`
	NextFundingTime      time.Time       `json:"next_funding_time"`
	MarkPrice            decimal.Decimal `json:"mark_price"`
	IndexPrice           decimal.Decimal `json:"index_price"`
	FundingIntervalHours int             `json:"funding_interval_hours"`
	EventTS              time.Time       `json:"event_ts"`
	CollectedAt          time.Time       `json:"collected_at"`
}

// OpenInterest is the current open interest for an instrument.
type OpenInterest struct {
	ExchangeID        ExchangeID      `json:"exchange_id"`
	MarketType        MarketType      `json:"market_type"`
	Symbol            string          `json:"symbol"`
	OpenInterest      decimal.Decimal `json:"open_interest"`
	OpenInterestValue decimal.Decimal `json:"open_interest_value"`
	EventTS           time.Time       `json:"event_ts"`
	CollectedAt       time.Time       `json:"collected_at"`
}

// Liquidation is a forced-liquidation order report.
type Liquidation struct {
	ExchangeID  ExchangeID      `json:"exchange_id"`
	MarketType  MarketType      `json:"market_type"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
	EventTS     time.Time       `json:"event_ts"`
	CollectedAt time.Time       `json:"collected_at"`
}

// LSRTopPosition is the long/short ratio among top-position traders.
type LSRTopPosition struct {
	ExchangeID     ExchangeID      `json:"exchange_id"`
	MarketType     MarketType      `json:"market_type"`
	Symbol         string          `json:"symbol"`
	LongRatio      decimal.Decimal `json:"long_ratio"`
	ShortRatio     decimal.Decimal `json:"short_ratio"`
	LongShortRatio decimal.Decimal `json:"long_short_ratio"`
	EventTS        time.Time       `json:"event_ts"`
	CollectedAt    time.Time       `json:"collected_at"`
}

// LSRAllAccount is the long/short ratio across all trading accounts.
type LSRAllAccount struct {
	ExchangeID     ExchangeID      `json:"exchange_id"`
	MarketType     MarketType      `json:"market_type"`
	Symbol         string          `json:"symbol"`
	LongRatio      decimal.Decimal `json:"long_ratio"`
	ShortRatio     decimal.Decimal `json:"short_ratio"`
	LongShortRatio decimal.Decimal `json:"long_short_ratio"`
	EventTS        time.Time       `json:"event_ts"`
	CollectedAt    time.Time       `json:"collected_at"`
}

// VolatilityIndex is a venue-published implied volatility index value.
type VolatilityIndex struct {
	ExchangeID  ExchangeID      `json:"exchange_id"`
	MarketType  MarketType      `json:"market_type"`
	Symbol      string          `json:"symbol"`
	IndexValue  decimal.Decimal `json:"index_value"`
	EventTS     time.Time       `json:"event_ts"`
	CollectedAt time.Time       `json:"collected_at"`
}
