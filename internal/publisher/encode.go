package publisher

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/model"
)

// maxPayloadBytes mirrors NATS's default max_payload; a record over this
// size is a permanent encoding failure, not a retryable bus error.
const maxPayloadBytes = 1 << 20

func init() {
	// Pin the encoding explicitly: spec §4.5 requires decimals encoded as
	// strings to preserve precision, and this must not depend on whichever
	// default the vendored decimal version ships with.
	decimal.MarshalJSONWithoutQuotes = false
}

var (
	errPayloadTooLarge = errors.New("publisher: payload exceeds max size")
	errUnknownRecord   = errors.New("publisher: event carries no recognized record")
)

// DeliveryMode selects the bus semantics used to publish an item (spec
// §4.5's per-data-type bus mode table).
type DeliveryMode int

const (
	// DeliveryDurable publishes via the JetStream API with ack tracking.
	DeliveryDurable DeliveryMode = iota
	// DeliveryBestEffort publishes via core NATS, no delivery guarantee.
	DeliveryBestEffort
)

// QueueItem is one encoded record ready to hand to the bus client.
type QueueItem struct {
	Subject  string
	Payload  []byte
	Mode     DeliveryMode
	Policy   BackpressurePolicy
	DataType model.DataType
}

// Subject builds the canonical bus subject for one record
// (spec §4.5: "<data_type>.<exchange_id>.<market_type>.<symbol>").
func Subject(dataType model.DataType, exchangeID model.ExchangeID, market model.MarketType, symbol string) string {
	return fmt.Sprintf("%s.%s.%s.%s", dataType, exchangeID, market, symbol)
}

// BuildItem encodes the single non-nil record carried by e into a
// QueueItem, selecting subject, delivery mode and backpressure policy
// per spec §4.5's table. Exactly one field of e must be set; if none is,
// errUnknownRecord is returned.
func BuildItem(e connector.Event) (QueueItem, error) {
	switch {
	case e.Trade != nil:
		t := e.Trade
		return encode(model.DataTypeTrade, t.ExchangeID, t.MarketType, t.Symbol, t, DeliveryDurable, PolicyBlock)
	case e.OrderBookUpdate != nil:
		u := e.OrderBookUpdate
		return encode(model.DataTypeOrderbook, u.ExchangeID, u.MarketType, u.Symbol, u, DeliveryDurable, PolicyBlock)
	case e.OrderBookSnapshot != nil:
		s := e.OrderBookSnapshot
		return encode(model.DataTypeOrderbookSnapshot, s.ExchangeID, s.MarketType, s.Symbol, s, DeliveryBestEffort, PolicyDropOldest)
	case e.FundingRate != nil:
		f := e.FundingRate
		return encode(model.DataTypeFundingRate, f.ExchangeID, f.MarketType, f.Symbol, f, DeliveryDurable, PolicyBlock)
	case e.OpenInterest != nil:
		o := e.OpenInterest
		return encode(model.DataTypeOpenInterest, o.ExchangeID, o.MarketType, o.Symbol, o, DeliveryDurable, PolicyBlock)
	case e.Liquidation != nil:
		l := e.Liquidation
		return encode(model.DataTypeLiquidation, l.ExchangeID, l.MarketType, l.Symbol, l, DeliveryDurable, PolicyBlock)
	case e.LSRTopPosition != nil:
		l := e.LSRTopPosition
		return encode(model.DataTypeLSRTopPosition, l.ExchangeID, l.MarketType, l.Symbol, l, DeliveryDurable, PolicyBlock)
	case e.LSRAllAccount != nil:
		l := e.LSRAllAccount
		return encode(model.DataTypeLSRAllAccount, l.ExchangeID, l.MarketType, l.Symbol, l, DeliveryDurable, PolicyBlock)
	case e.VolatilityIndex != nil:
		v := e.VolatilityIndex
		return encode(model.DataTypeVolatilityIndex, v.ExchangeID, v.MarketType, v.Symbol, v, DeliveryDurable, PolicyBlock)
	default:
		return QueueItem{}, errUnknownRecord
	}
}

func encode(dataType model.DataType, exchangeID model.ExchangeID, market model.MarketType, symbol string, record any, mode DeliveryMode, policy BackpressurePolicy) (QueueItem, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return QueueItem{}, fmt.Errorf("publisher encode %s: %w", dataType, err)
	}
	if len(payload) > maxPayloadBytes {
		return QueueItem{}, fmt.Errorf("%w: %s is %d bytes", errPayloadTooLarge, dataType, len(payload))
	}
	return QueueItem{
		Subject:  Subject(dataType, exchangeID, market, symbol),
		Payload:  payload,
		Mode:     mode,
		Policy:   policy,
		DataType: dataType,
	}, nil
}
