// Package binance implements the connector.Adapter for Binance spot and
// USDT-margined derivatives, combined-stream WebSocket channels.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/normalizer"
	"github.com/marketdata-platform/ingest/internal/session"
)

const (
	spotWSBase        = "wss://stream.binance.com:9443/stream"
	derivativesWSBase = "wss://fstream.binance.com/stream"
	spotRESTBase      = "https://api.binance.com"
	derivativesRESTBase = "https://fapi.binance.com"
)

// Adapter implements connector.Adapter for one Binance market (spot or
// USDT-margined derivatives); construct one of each to cover both venues.
type Adapter struct {
	venue  model.ExchangeID
	client *resty.Client
}

// NewSpot returns the binance_spot adapter.
func NewSpot() *Adapter {
	return &Adapter{venue: model.BinanceSpot, client: resty.New().SetTimeout(10 * time.Second)}
}

// NewDerivatives returns the binance_derivatives adapter.
func NewDerivatives() *Adapter {
	return &Adapter{venue: model.BinanceDerivatives, client: resty.New().SetTimeout(10 * time.Second)}
}

func (a *Adapter) Venue() model.ExchangeID { return a.venue }

func (a *Adapter) Policy() session.Policy { return session.Binance }

func (a *Adapter) isDerivatives() bool { return a.venue == model.BinanceDerivatives }

func (a *Adapter) restBase() string {
	if a.isDerivatives() {
		return derivativesRESTBase
	}
	return spotRESTBase
}

func (a *Adapter) WSEndpoint(market model.MarketType) string {
	if a.isDerivatives() {
		return derivativesWSBase
	}
	return spotWSBase
}

// SubscribeFrames builds the combined-stream subscribe request. Binance's
// own multiplexing means one frame lists every stream name; there is no
// per-symbol frame.
func (a *Adapter) SubscribeFrames(sub connector.Subscription) ([][]byte, error) {
	var streams []string
	for _, symbol := range sub.Symbols {
		native := strings.ToLower(normalizer.ToVenueSymbol(a.venue, sub.Market, symbol))
		for _, dt := range sub.DataTypes {
			switch dt {
			case "orderbook":
				streams = append(streams, native+"@depth@100ms")
			case "trade":
				streams = append(streams, native+"@trade")
			case "funding_rate":
				if a.isDerivatives() {
					streams = append(streams, native+"@markPrice@1s")
				}
			}
		}
	}
	if len(streams) == 0 {
		return nil, nil
	}
	frame, err := json.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

type depthUpdateFrame struct {
	EventType     string          `json:"e"`
	EventTime     int64           `json:"E"`
	Symbol        string          `json:"s"`
	FirstUpdateID int64           `json:"U"`
	FinalUpdateID int64           `json:"u"`
	PrevFinalID   int64           `json:"pu"`
	Bids          [][]string      `json:"b"`
	Asks          [][]string      `json:"a"`
}

type tradeFrame struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type markPriceFrame struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// ParseFrame dispatches on the stream-name suffix left after session's
// envelope unwrap (channel is the "stream" value, e.g. "btcusdt@depth").
func (a *Adapter) ParseFrame(market model.MarketType, channel string, payload []byte, now time.Time) ([]connector.Event, error) {
	switch {
	case strings.Contains(channel, "@depth"):
		return a.parseDepth(market, payload, now)
	case strings.Contains(channel, "@trade"):
		return a.parseTrade(market, payload, now)
	case strings.Contains(channel, "@markPrice"):
		return a.parseMarkPrice(market, payload, now)
	default:
		return nil, nil
	}
}

func (a *Adapter) parseDepth(market model.MarketType, payload []byte, now time.Time) ([]connector.Event, error) {
	var f depthUpdateFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("binance depth: %w", err)
	}
	bidChanges, err := parseLevels(f.Bids)
	if err != nil {
		return nil, err
	}
	askChanges, err := parseLevels(f.Asks)
	if err != nil {
		return nil, err
	}
	upd := &model.OrderBookUpdate{
		ExchangeID:       a.venue,
		MarketType:       market,
		Symbol:           normalizer.CanonicalSymbol(a.venue, market, f.Symbol),
		BidChanges:       bidChanges,
		AskChanges:       askChanges,
		FirstUpdateID:    f.FirstUpdateID,
		LastUpdateID:     f.FinalUpdateID,
		PrevLastUpdateID: f.PrevFinalID,
		UpdateType:       model.UpdateDelta,
		EventTS:          time.UnixMilli(normalizer.TimestampMillis(f.EventTime, false)).UTC(),
		CollectedAt:      now,
	}
	return []connector.Event{{OrderBookUpdate: upd}}, nil
}

// parseLevels converts [price, quantity] string pairs to decimals, keeping
// quantity == 0 entries (they signal "remove this level" downstream).
func parseLevels(raw [][]string) ([]model.OrderBookLevel, error) {
	levels := make([]model.OrderBookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("binance level price: %w", err)
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("binance level qty: %w", err)
		}
		levels = append(levels, model.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (a *Adapter) parseTrade(market model.MarketType, payload []byte, now time.Time) ([]connector.Event, error) {
	var f tradeFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("binance trade: %w", err)
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, fmt.Errorf("binance trade price: %w", err)
	}
	qty, err := decimal.NewFromString(f.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance trade qty: %w", err)
	}
	// m == true means the buyer was the maker, so the trade's aggressor
	// (the taker, whose side this field reports) was a seller.
	side := model.SideBuy
	if f.IsBuyerMaker {
		side = model.SideSell
	}
	t := &model.Trade{
		ExchangeID:    a.venue,
		MarketType:    market,
		Symbol:        normalizer.CanonicalSymbol(a.venue, market, f.Symbol),
		TradeID:       strconv.FormatInt(f.TradeID, 10),
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price.Mul(qty),
		Side:          side,
		IsBuyerMaker:  f.IsBuyerMaker,
		EventTS:       time.UnixMilli(normalizer.TimestampMillis(f.TradeTime, false)).UTC(),
		CollectedAt:   now,
	}
	return []connector.Event{{Trade: t}}, nil
}

func (a *Adapter) parseMarkPrice(market model.MarketType, payload []byte, now time.Time) ([]connector.Event, error) {
	var f markPriceFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("binance markPrice: %w", err)
	}
	mark, _ := decimal.NewFromString(f.MarkPrice)
	index, _ := decimal.NewFromString(f.IndexPrice)
	rate, _ := decimal.NewFromString(f.FundingRate)
	fr := &model.FundingRate{
		ExchangeID:           a.venue,
		MarketType:           market,
		Symbol:               normalizer.CanonicalSymbol(a.venue, market, f.Symbol),
		FundingRate:          rate,
		NextFundingTime:      time.UnixMilli(normalizer.TimestampMillis(f.NextFundingTime, false)).UTC(),
		MarkPrice:            mark,
		IndexPrice:           index,
		FundingIntervalHours: 8,
		EventTS:              time.UnixMilli(normalizer.TimestampMillis(f.EventTime, false)).UTC(),
		CollectedAt:          now,
	}
	return []connector.Event{{FundingRate: fr}}, nil
}

type depthSnapshotResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) FetchOrderBookSnapshot(ctx context.Context, market model.MarketType, symbol string, depth int) (model.OrderBookSnapshot, error) {
	native := normalizer.ToVenueSymbol(a.venue, market, symbol)
	path := "/api/v3/depth"
	if a.isDerivatives() {
		path = "/fapi/v1/depth"
	}
	var resp depthSnapshotResp
	r, err := a.client.R().SetContext(ctx).
		SetQueryParam("symbol", native).
		SetQueryParam("limit", strconv.Itoa(depth)).
		SetResult(&resp).
		Get(a.restBase() + path)
	if err != nil {
		return model.OrderBookSnapshot{}, fmt.Errorf("binance snapshot: %w", err)
	}
	if r.IsError() {
		return model.OrderBookSnapshot{}, fmt.Errorf("binance snapshot: status %d", r.StatusCode())
	}
	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return model.OrderBookSnapshot{}, err
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return model.OrderBookSnapshot{}, err
	}
	now := time.Now().UTC()
	return model.OrderBookSnapshot{
		ExchangeID:   a.venue,
		MarketType:   market,
		Symbol:       symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: resp.LastUpdateID,
		EventTS:      now,
		DepthLevels:  len(bids),
		CollectedAt:  now,
	}, nil
}

type premiumIndexEntry struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (a *Adapter) FetchFundingRates(ctx context.Context, market model.MarketType, symbols []string) ([]model.FundingRate, error) {
	if !a.isDerivatives() {
		return nil, nil
	}
	var entries []premiumIndexEntry
	r, err := a.client.R().SetContext(ctx).SetResult(&entries).Get(a.restBase() + "/fapi/v1/premiumIndex")
	if err != nil {
		return nil, fmt.Errorf("binance premiumIndex: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("binance premiumIndex: status %d", r.StatusCode())
	}
	wanted := toSet(symbols, a.venue, market)
	now := time.Now().UTC()
	out := make([]model.FundingRate, 0, len(entries))
	for _, e := range entries {
		canonical := normalizer.CanonicalSymbol(a.venue, market, e.Symbol)
		if len(wanted) > 0 && !wanted[canonical] {
			continue
		}
		mark, _ := decimal.NewFromString(e.MarkPrice)
		index, _ := decimal.NewFromString(e.IndexPrice)
		rate, _ := decimal.NewFromString(e.LastFundingRate)
		out = append(out, model.FundingRate{
			ExchangeID:           a.venue,
			MarketType:           market,
			Symbol:               canonical,
			FundingRate:          rate,
			NextFundingTime:      time.UnixMilli(e.NextFundingTime).UTC(),
			MarkPrice:            mark,
			IndexPrice:           index,
			FundingIntervalHours: 8,
			EventTS:              time.UnixMilli(e.Time).UTC(),
			CollectedAt:          now,
		})
	}
	return out, nil
}

type openInterestResp struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

func (a *Adapter) FetchOpenInterest(ctx context.Context, market model.MarketType, symbols []string) ([]model.OpenInterest, error) {
	if !a.isDerivatives() {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]model.OpenInterest, 0, len(symbols))
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(a.venue, market, symbol)
		var resp openInterestResp
		r, err := a.client.R().SetContext(ctx).SetQueryParam("symbol", native).SetResult(&resp).
			Get(a.restBase() + "/fapi/v1/openInterest")
		if err != nil {
			return nil, fmt.Errorf("binance openInterest %s: %w", symbol, err)
		}
		if r.IsError() {
			return nil, fmt.Errorf("binance openInterest %s: status %d", symbol, r.StatusCode())
		}
		oi, _ := decimal.NewFromString(resp.OpenInterest)
		out = append(out, model.OpenInterest{
			ExchangeID:   a.venue,
			MarketType:   market,
			Symbol:       symbol,
			OpenInterest: oi,
			EventTS:      time.UnixMilli(resp.Time).UTC(),
			CollectedAt:  now,
		})
	}
	return out, nil
}

// FetchVolatilityIndex: Binance publishes no general volatility index; the
// poller simply gets nothing to emit for this venue/data type pair.
func (a *Adapter) FetchVolatilityIndex(ctx context.Context, market model.MarketType, symbols []string) ([]model.VolatilityIndex, error) {
	return nil, nil
}

type lsrRatioEntry struct {
	Symbol         string `json:"symbol"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	LongShortRatio string `json:"longShortRatio"`
	Timestamp      int64  `json:"timestamp"`
}

// FetchLSR pulls Binance's top-trader position ratio and global account
// ratio endpoints, one request per symbol (Binance has no multi-symbol
// batch form for these).
func (a *Adapter) FetchLSR(ctx context.Context, market model.MarketType, symbols []string) ([]model.LSRTopPosition, []model.LSRAllAccount, error) {
	if !a.isDerivatives() {
		return nil, nil, nil
	}
	now := time.Now().UTC()
	var top []model.LSRTopPosition
	var all []model.LSRAllAccount
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(a.venue, market, symbol)

		topEntry, err := a.fetchLSRRatio(ctx, "/futures/data/topLongShortPositionRatio", native)
		if err != nil {
			return nil, nil, err
		}
		if topEntry != nil {
			top = append(top, model.LSRTopPosition{
				ExchangeID:     a.venue,
				MarketType:     market,
				Symbol:         symbol,
				LongRatio:      topEntry.long,
				ShortRatio:     topEntry.short,
				LongShortRatio: topEntry.ratio,
				EventTS:        topEntry.eventTS,
				CollectedAt:    now,
			})
		}

		allEntry, err := a.fetchLSRRatio(ctx, "/futures/data/globalLongShortAccountRatio", native)
		if err != nil {
			return nil, nil, err
		}
		if allEntry != nil {
			all = append(all, model.LSRAllAccount{
				ExchangeID:     a.venue,
				MarketType:     market,
				Symbol:         symbol,
				LongRatio:      allEntry.long,
				ShortRatio:     allEntry.short,
				LongShortRatio: allEntry.ratio,
				EventTS:        allEntry.eventTS,
				CollectedAt:    now,
			})
		}
	}
	return top, all, nil
}

type lsrRatio struct {
	long, short, ratio decimal.Decimal
	eventTS            time.Time
}

func (a *Adapter) fetchLSRRatio(ctx context.Context, path, native string) (*lsrRatio, error) {
	var entries []lsrRatioEntry
	r, err := a.client.R().SetContext(ctx).
		SetQueryParam("symbol", native).
		SetQueryParam("period", "5m").
		SetQueryParam("limit", "1").
		SetResult(&entries).
		Get(a.restBase() + path)
	if err != nil {
		return nil, fmt.Errorf("binance %s: %w", path, err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("binance %s: status %d", path, r.StatusCode())
	}
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	long, _ := decimal.NewFromString(e.LongAccount)
	short, _ := decimal.NewFromString(e.ShortAccount)
	ratio, _ := decimal.NewFromString(e.LongShortRatio)
	return &lsrRatio{long: long, short: short, ratio: ratio, eventTS: time.UnixMilli(e.Timestamp).UTC()}, nil
}

func toSet(symbols []string, venue model.ExchangeID, market model.MarketType) map[string]bool {
	if len(symbols) == 0 {
		return nil
	}
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}
