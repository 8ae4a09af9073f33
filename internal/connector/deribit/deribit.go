// Package deribit implements the connector.Adapter for Deribit options and
// perpetual derivatives over its JSON-RPC 2.0 WebSocket API. There is no
// teacher precedent for this venue; the adapter follows the same shape as
// the binance and okx adapters, adapted to Deribit's JSON-RPC envelope.
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/normalizer"
	"github.com/marketdata-platform/ingest/internal/session"
)

const (
	wsEndpoint = "wss://www.deribit.com/ws/api/v2"
	restBase   = "https://www.deribit.com"
)

// Adapter implements connector.Adapter for Deribit derivatives (perpetual
// swaps and options share one JSON-RPC surface on this venue).
type Adapter struct {
	client *resty.Client
}

func New() *Adapter {
	return &Adapter{client: resty.New().SetTimeout(10 * time.Second).SetBaseURL(restBase)}
}

func (a *Adapter) Venue() model.ExchangeID { return model.DeribitDerivatives }

func (a *Adapter) Policy() session.Policy { return session.Deribit }

func (a *Adapter) WSEndpoint(market model.MarketType) string { return wsEndpoint }

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// SubscribeFrames issues a single public/subscribe call carrying the
// channel of every requested instrument for every requested data type.
func (a *Adapter) SubscribeFrames(sub connector.Subscription) ([][]byte, error) {
	var channels []string
	for _, symbol := range sub.Symbols {
		native := normalizer.ToVenueSymbol(model.DeribitDerivatives, sub.Market, symbol)
		for _, dt := range sub.DataTypes {
			switch dt {
			case "orderbook":
				channels = append(channels, "book."+native+".100ms")
			case "trade":
				channels = append(channels, "trades."+native+".100ms")
			case "funding_rate", "open_interest":
				channels = append(channels, "ticker."+native+".100ms")
			}
		}
	}
	if len(channels) == 0 {
		return nil, nil
	}
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      time.Now().UnixNano(),
		Method:  "public/subscribe",
		Params:  map[string]any{"channels": channels},
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

type bookLevel struct {
	Action string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (l *bookLevel) UnmarshalJSON(b []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &l.Action); err != nil {
		return err
	}
	var priceF, amountF float64
	if err := json.Unmarshal(raw[1], &priceF); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &amountF); err != nil {
		return err
	}
	l.Price = decimal.NewFromFloat(priceF)
	l.Amount = decimal.NewFromFloat(amountF)
	if l.Action == "delete" {
		l.Amount = decimal.Zero
	}
	return nil
}

type bookData struct {
	Type             string      `json:"type"`
	Timestamp        int64       `json:"timestamp"`
	InstrumentName   string      `json:"instrument_name"`
	ChangeID         int64       `json:"change_id"`
	PrevChangeID     int64       `json:"prev_change_id"`
	Bids             []bookLevel `json:"bids"`
	Asks             []bookLevel `json:"asks"`
}

type tradeData struct {
	InstrumentName string  `json:"instrument_name"`
	TradeID        string  `json:"trade_id"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"`
	Timestamp      int64   `json:"timestamp"`
}

type tickerData struct {
	InstrumentName string  `json:"instrument_name"`
	MarkPrice      float64 `json:"mark_price"`
	IndexPrice     float64 `json:"index_price"`
	Funding8h      float64 `json:"funding_8h"`
	OpenInterest   float64 `json:"open_interest"`
	Timestamp      int64   `json:"timestamp"`
}

// ParseFrame handles Deribit's JSON-RPC subscription notification, whose
// channel and data fields session.Unwrap has already lifted out of the
// {"method":"subscription","params":{...}} envelope.
func (a *Adapter) ParseFrame(market model.MarketType, channel string, payload []byte, now time.Time) ([]connector.Event, error) {
	switch {
	case startsWith(channel, "book."):
		return a.parseBook(market, payload, now)
	case startsWith(channel, "trades."):
		return a.parseTrades(market, payload, now)
	case startsWith(channel, "ticker."):
		return a.parseTicker(market, payload, now)
	default:
		return nil, nil
	}
}

func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (a *Adapter) parseBook(market model.MarketType, payload []byte, now time.Time) ([]connector.Event, error) {
	var d bookData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("deribit book: %w", err)
	}
	upd := &model.OrderBookUpdate{
		ExchangeID:       model.DeribitDerivatives,
		MarketType:       market,
		Symbol:           normalizer.CanonicalSymbol(model.DeribitDerivatives, market, d.InstrumentName),
		BidChanges:       toLevels(d.Bids),
		AskChanges:       toLevels(d.Asks),
		LastUpdateID:     d.ChangeID,
		PrevLastUpdateID: d.PrevChangeID,
		UpdateType:       model.UpdateDelta,
		EventTS:          time.UnixMilli(d.Timestamp).UTC(),
		CollectedAt:      now,
	}
	if d.Type == "snapshot" {
		upd.UpdateType = model.UpdateSnapshot
	}
	return []connector.Event{{OrderBookUpdate: upd}}, nil
}

func toLevels(raw []bookLevel) []model.OrderBookLevel {
	levels := make([]model.OrderBookLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, model.OrderBookLevel{Price: l.Price, Quantity: l.Amount})
	}
	return levels
}

func (a *Adapter) parseTrades(market model.MarketType, payload []byte, now time.Time) ([]connector.Event, error) {
	var rows []tradeData
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("deribit trades: %w", err)
	}
	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		price := decimal.NewFromFloat(row.Price)
		qty := decimal.NewFromFloat(row.Amount)
		side := model.SideBuy
		if row.Direction == "sell" {
			side = model.SideSell
		}
		t := &model.Trade{
			ExchangeID:    model.DeribitDerivatives,
			MarketType:    market,
			Symbol:        normalizer.CanonicalSymbol(model.DeribitDerivatives, market, row.InstrumentName),
			TradeID:       row.TradeID,
			Price:         price,
			Quantity:      qty,
			QuoteQuantity: price.Mul(qty),
			Side:          side,
			IsBuyerMaker:  side == model.SideSell,
			EventTS:       time.UnixMilli(row.Timestamp).UTC(),
			CollectedAt:   now,
		}
		events = append(events, connector.Event{Trade: t})
	}
	return events, nil
}

func (a *Adapter) parseTicker(market model.MarketType, payload []byte, now time.Time) ([]connector.Event, error) {
	var d tickerData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("deribit ticker: %w", err)
	}
	if market != model.MarketPerpetual {
		return nil, nil // funding/open interest apply to perpetuals only
	}
	symbol := normalizer.CanonicalSymbol(model.DeribitDerivatives, market, d.InstrumentName)
	ts := time.UnixMilli(d.Timestamp).UTC()
	events := []connector.Event{
		{FundingRate: &model.FundingRate{
			ExchangeID:           model.DeribitDerivatives,
			MarketType:           market,
			Symbol:               symbol,
			FundingRate:          decimal.NewFromFloat(d.Funding8h),
			MarkPrice:            decimal.NewFromFloat(d.MarkPrice),
			IndexPrice:           decimal.NewFromFloat(d.IndexPrice),
			FundingIntervalHours: 8,
			EventTS:              ts,
			CollectedAt:          now,
		}},
		{OpenInterest: &model.OpenInterest{
			ExchangeID:   model.DeribitDerivatives,
			MarketType:   market,
			Symbol:       symbol,
			OpenInterest: decimal.NewFromFloat(d.OpenInterest),
			EventTS:      ts,
			CollectedAt:  now,
		}},
	}
	return events, nil
}

type rpcResponse[T any] struct {
	Result T `json:"result"`
}

type orderBookResult struct {
	Bids      [][2]float64 `json:"bids"`
	Asks      [][2]float64 `json:"asks"`
	ChangeID  int64        `json:"change_id"`
	Timestamp int64        `json:"timestamp"`
}

func (a *Adapter) FetchOrderBookSnapshot(ctx context.Context, market model.MarketType, symbol string, depth int) (model.OrderBookSnapshot, error) {
	native := normalizer.ToVenueSymbol(model.DeribitDerivatives, market, symbol)
	var resp rpcResponse[orderBookResult]
	r, err := a.client.R().SetContext(ctx).
		SetQueryParam("instrument_name", native).
		SetQueryParam("depth", strconv.Itoa(depth)).
		SetResult(&resp).
		Get("/api/v2/public/get_order_book")
	if err != nil {
		return model.OrderBookSnapshot{}, fmt.Errorf("deribit snapshot: %w", err)
	}
	if r.IsError() {
		return model.OrderBookSnapshot{}, fmt.Errorf("deribit snapshot: status %d", r.StatusCode())
	}
	bids := make([]model.OrderBookLevel, 0, len(resp.Result.Bids))
	for _, lvl := range resp.Result.Bids {
		bids = append(bids, model.OrderBookLevel{Price: decimal.NewFromFloat(lvl[0]), Quantity: decimal.NewFromFloat(lvl[1])})
	}
	asks := make([]model.OrderBookLevel, 0, len(resp.Result.Asks))
	for _, lvl := range resp.Result.Asks {
		asks = append(asks, model.OrderBookLevel{Price: decimal.NewFromFloat(lvl[0]), Quantity: decimal.NewFromFloat(lvl[1])})
	}
	return model.OrderBookSnapshot{
		ExchangeID:   model.DeribitDerivatives,
		MarketType:   market,
		Symbol:       symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: resp.Result.ChangeID,
		EventTS:      time.UnixMilli(resp.Result.Timestamp).UTC(),
		DepthLevels:  len(bids),
		CollectedAt:  time.Now().UTC(),
	}, nil
}

func (a *Adapter) fetchTicker(ctx context.Context, native string) (tickerData, error) {
	var resp rpcResponse[tickerData]
	r, err := a.client.R().SetContext(ctx).SetQueryParam("instrument_name", native).SetResult(&resp).
		Get("/api/v2/public/ticker")
	if err != nil {
		return tickerData{}, err
	}
	if r.IsError() {
		return tickerData{}, fmt.Errorf("deribit ticker: status %d", r.StatusCode())
	}
	return resp.Result, nil
}

func (a *Adapter) FetchFundingRates(ctx context.Context, market model.MarketType, symbols []string) ([]model.FundingRate, error) {
	if market != model.MarketPerpetual {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]model.FundingRate, 0, len(symbols))
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(model.DeribitDerivatives, market, symbol)
		d, err := a.fetchTicker(ctx, native)
		if err != nil {
			return nil, fmt.Errorf("deribit funding %s: %w", symbol, err)
		}
		out = append(out, model.FundingRate{
			ExchangeID:           model.DeribitDerivatives,
			MarketType:           market,
			Symbol:               symbol,
			FundingRate:          decimal.NewFromFloat(d.Funding8h),
			MarkPrice:            decimal.NewFromFloat(d.MarkPrice),
			IndexPrice:           decimal.NewFromFloat(d.IndexPrice),
			FundingIntervalHours: 8,
			EventTS:              time.UnixMilli(d.Timestamp).UTC(),
			CollectedAt:          now,
		})
	}
	return out, nil
}

func (a *Adapter) FetchOpenInterest(ctx context.Context, market model.MarketType, symbols []string) ([]model.OpenInterest, error) {
	if market != model.MarketPerpetual {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]model.OpenInterest, 0, len(symbols))
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(model.DeribitDerivatives, market, symbol)
		d, err := a.fetchTicker(ctx, native)
		if err != nil {
			return nil, fmt.Errorf("deribit open interest %s: %w", symbol, err)
		}
		out = append(out, model.OpenInterest{
			ExchangeID:   model.DeribitDerivatives,
			MarketType:   market,
			Symbol:       symbol,
			OpenInterest: decimal.NewFromFloat(d.OpenInterest),
			EventTS:      time.UnixMilli(d.Timestamp).UTC(),
			CollectedAt:  now,
		})
	}
	return out, nil
}

// FetchLSR: Deribit publishes no long/short ratio series, so both return
// values are always nil.
func (a *Adapter) FetchLSR(ctx context.Context, market model.MarketType, symbols []string) ([]model.LSRTopPosition, []model.LSRAllAccount, error) {
	return nil, nil, nil
}

type volIndexPoint [2]float64 // [timestamp_ms, value]

type getVolatilityResult []volIndexPoint

// FetchVolatilityIndex reads Deribit's published historical-volatility
// series for the underlying currency and returns the latest point as the
// current index value; Deribit publishes one curve per currency (btc, eth),
// not per instrument, so symbols are reduced to their base asset.
func (a *Adapter) FetchVolatilityIndex(ctx context.Context, market model.MarketType, symbols []string) ([]model.VolatilityIndex, error) {
	seen := make(map[string]bool)
	now := time.Now().UTC()
	out := make([]model.VolatilityIndex, 0, len(symbols))
	for _, symbol := range symbols {
		base := symbol
		if idx := indexOfDash(symbol); idx >= 0 {
			base = symbol[:idx]
		}
		currency := toLowerASCII(base)
		if seen[currency] {
			continue
		}
		seen[currency] = true

		var resp rpcResponse[getVolatilityResult]
		r, err := a.client.R().SetContext(ctx).
			SetQueryParam("currency", currency).
			SetResult(&resp).
			Get("/api/v2/public/get_historical_volatility")
		if err != nil || r.IsError() || len(resp.Result) == 0 {
			continue
		}
		latest := resp.Result[len(resp.Result)-1]
		out = append(out, model.VolatilityIndex{
			ExchangeID:  model.DeribitDerivatives,
			MarketType:  market,
			Symbol:      base,
			IndexValue:  decimal.NewFromFloat(latest[1]),
			EventTS:     time.UnixMilli(int64(latest[0])).UTC(),
			CollectedAt: now,
		})
	}
	return out, nil
}

func indexOfDash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return i
		}
	}
	return -1
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
