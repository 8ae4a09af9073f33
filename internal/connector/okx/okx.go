// Package okx implements the connector.Adapter for OKX spot and
// derivatives (perpetual swap) instruments.
package okx

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
	wsEndpoint  = "wss://ws.okx.com:8443/ws/v5/public"
	restBase    = "https://www.okx.com"
)

// Adapter implements connector.Adapter for one OKX market.
type Adapter struct {
	venue  model.ExchangeID
	client *resty.Client
}

func NewSpot() *Adapter {
	return &Adapter{venue: model.OKXSpot, client: resty.New().SetTimeout(10 * time.Second).SetBaseURL(restBase)}
}

func NewDerivatives() *Adapter {
	return &Adapter{venue: model.OKXDerivatives, client: resty.New().SetTimeout(10 * time.Second).SetBaseURL(restBase)}
}

func (a *Adapter) Venue() model.ExchangeID { return a.venue }

func (a *Adapter) Policy() session.Policy { return session.OKX }

func (a *Adapter) WSEndpoint(market model.MarketType) string { return wsEndpoint }

func (a *Adapter) instType() string {
	if a.venue == model.OKXDerivatives {
		return "SWAP"
	}
	return "SPOT"
}

type okxSubArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxSubscribeFrame struct {
	Op   string      `json:"op"`
	Args []okxSubArg `json:"args"`
}

// SubscribeFrames builds one {"op":"subscribe","args":[...]} frame per
// data type, since OKX allows batching multiple instruments under one op
// but keeps channel names data-type specific (books5, trades, funding-rate).
func (a *Adapter) SubscribeFrames(sub connector.Subscription) ([][]byte, error) {
	var frames [][]byte
	for _, dt := range sub.DataTypes {
		channel := channelFor(dt, a.venue)
		if channel == "" {
			continue
		}
		args := make([]okxSubArg, 0, len(sub.Symbols))
		for _, symbol := range sub.Symbols {
			native := normalizer.ToVenueSymbol(a.venue, sub.Market, symbol)
			args = append(args, okxSubArg{Channel: channel, InstID: native})
		}
		if len(args) == 0 {
			continue
		}
		frame, err := json.Marshal(okxSubscribeFrame{Op: "subscribe", Args: args})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func channelFor(dataType string, venue model.ExchangeID) string {
	switch dataType {
	case "orderbook":
		return "books5"
	case "trade":
		return "trades"
	case "funding_rate":
		if venue == model.OKXDerivatives {
			return "funding-rate"
		}
	}
	return ""
}

type okxFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type okxBookLevel [4]string // [price, size, numLiquidated, numOrders]

type okxBooksData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
	Seq  int64      `json:"seqId"`
}

type okxTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

type okxFundingData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}

// ParseFrame handles OKX's {"arg":{"channel":...},"data":[...]} shape,
// which session.Unwrap passes through whole for OKX (its "arg" case returns
// the entire frame as payload, see internal/session/envelope.go).
func (a *Adapter) ParseFrame(market model.MarketType, channel string, payload []byte, now time.Time) ([]connector.Event, error) {
	var f okxFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("okx frame: %w", err)
	}
	switch f.Arg.Channel {
	case "books5":
		return a.parseBooks(market, f, now)
	case "trades":
		return a.parseTrades(market, f, now)
	case "funding-rate":
		return a.parseFunding(market, f, now)
	default:
		return nil, nil
	}
}

func (a *Adapter) parseBooks(market model.MarketType, f okxFrame, now time.Time) ([]connector.Event, error) {
	var rows []okxBooksData
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, fmt.Errorf("okx books: %w", err)
	}
	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		bids, err := levelsFromStrings(row.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := levelsFromStrings(row.Asks)
		if err != nil {
			return nil, err
		}
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		snap := &model.OrderBookSnapshot{
			ExchangeID:   a.venue,
			MarketType:   market,
			Symbol:       normalizer.CanonicalSymbol(a.venue, market, f.Arg.InstID),
			Bids:         bids,
			Asks:         asks,
			LastUpdateID: row.Seq,
			EventTS:      time.UnixMilli(tsMillis).UTC(),
			DepthLevels:  len(bids),
			CollectedAt:  now,
		}
		events = append(events, connector.Event{OrderBookSnapshot: snap})
	}
	return events, nil
}

func levelsFromStrings(raw [][]string) ([]model.OrderBookLevel, error) {
	levels := make([]model.OrderBookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("okx level price: %w", err)
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("okx level qty: %w", err)
		}
		levels = append(levels, model.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (a *Adapter) parseTrades(market model.MarketType, f okxFrame, now time.Time) ([]connector.Event, error) {
	var rows []okxTradeData
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, fmt.Errorf("okx trades: %w", err)
	}
	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.Px)
		if err != nil {
			return nil, fmt.Errorf("okx trade price: %w", err)
		}
		qty, err := decimal.NewFromString(row.Sz)
		if err != nil {
			return nil, fmt.Errorf("okx trade qty: %w", err)
		}
		side := model.SideBuy
		if row.Side == "sell" {
			side = model.SideSell
		}
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		t := &model.Trade{
			ExchangeID:    a.venue,
			MarketType:    market,
			Symbol:        normalizer.CanonicalSymbol(a.venue, market, f.Arg.InstID),
			TradeID:       row.TradeID,
			Price:         price,
			Quantity:      qty,
			QuoteQuantity: price.Mul(qty),
			Side:          side,
			IsBuyerMaker:  side == model.SideSell,
			EventTS:       time.UnixMilli(tsMillis).UTC(),
			CollectedAt:   now,
		}
		events = append(events, connector.Event{Trade: t})
	}
	return events, nil
}

func (a *Adapter) parseFunding(market model.MarketType, f okxFrame, now time.Time) ([]connector.Event, error) {
	var rows []okxFundingData
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, fmt.Errorf("okx funding: %w", err)
	}
	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		rate, _ := decimal.NewFromString(row.FundingRate)
		nextMillis, _ := strconv.ParseInt(row.NextFundingTime, 10, 64)
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		fr := &model.FundingRate{
			ExchangeID:           a.venue,
			MarketType:           market,
			Symbol:               normalizer.CanonicalSymbol(a.venue, market, f.Arg.InstID),
			FundingRate:          rate,
			NextFundingTime:      time.UnixMilli(nextMillis).UTC(),
			FundingIntervalHours: 8,
			EventTS:              time.UnixMilli(tsMillis).UTC(),
			CollectedAt:          now,
		}
		events = append(events, connector.Event{FundingRate: fr})
	}
	return events, nil
}

type okxRESTEnvelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type okxBookSnapshotRow struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

func (a *Adapter) FetchOrderBookSnapshot(ctx context.Context, market model.MarketType, symbol string, depth int) (model.OrderBookSnapshot, error) {
	native := normalizer.ToVenueSymbol(a.venue, market, symbol)
	var env okxRESTEnvelope[okxBookSnapshotRow]
	r, err := a.client.R().SetContext(ctx).
		SetQueryParam("instId", native).
		SetQueryParam("sz", strconv.Itoa(depth)).
		SetResult(&env).
		Get("/api/v5/market/books")
	if err != nil {
		return model.OrderBookSnapshot{}, fmt.Errorf("okx snapshot: %w", err)
	}
	if r.IsError() || env.Code != "0" || len(env.Data) == 0 {
		return model.OrderBookSnapshot{}, fmt.Errorf("okx snapshot: code=%s msg=%s", env.Code, env.Msg)
	}
	row := env.Data[0]
	bids, err := levelsFromStrings(row.Bids)
	if err != nil {
		return model.OrderBookSnapshot{}, err
	}
	asks, err := levelsFromStrings(row.Asks)
	if err != nil {
		return model.OrderBookSnapshot{}, err
	}
	tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
	now := time.Now().UTC()
	return model.OrderBookSnapshot{
		ExchangeID:  a.venue,
		MarketType:  market,
		Symbol:      symbol,
		Bids:        bids,
		Asks:        asks,
		EventTS:     time.UnixMilli(tsMillis).UTC(),
		DepthLevels: len(bids),
		CollectedAt: now,
	}, nil
}

type okxFundingRateRow struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}

func (a *Adapter) FetchFundingRates(ctx context.Context, market model.MarketType, symbols []string) ([]model.FundingRate, error) {
	if a.venue != model.OKXDerivatives {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]model.FundingRate, 0, len(symbols))
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(a.venue, market, symbol)
		var env okxRESTEnvelope[okxFundingRateRow]
		r, err := a.client.R().SetContext(ctx).SetQueryParam("instId", native).SetResult(&env).
			Get("/api/v5/public/funding-rate")
		if err != nil {
			return nil, fmt.Errorf("okx funding rate %s: %w", symbol, err)
		}
		if r.IsError() || env.Code != "0" || len(env.Data) == 0 {
			continue
		}
		row := env.Data[0]
		rate, _ := decimal.NewFromString(row.FundingRate)
		nextMillis, _ := strconv.ParseInt(row.NextFundingTime, 10, 64)
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		out = append(out, model.FundingRate{
			ExchangeID:           a.venue,
			MarketType:           market,
			Symbol:               symbol,
			FundingRate:          rate,
			NextFundingTime:      time.UnixMilli(nextMillis).UTC(),
			FundingIntervalHours: 8,
			EventTS:              time.UnixMilli(tsMillis).UTC(),
			CollectedAt:          now,
		})
	}
	return out, nil
}

type okxOpenInterestRow struct {
	InstID string `json:"instId"`
	Oi     string `json:"oi"`
	OiCcy  string `json:"oiCcy"`
	TS     string `json:"ts"`
}

func (a *Adapter) FetchOpenInterest(ctx context.Context, market model.MarketType, symbols []string) ([]model.OpenInterest, error) {
	if a.venue != model.OKXDerivatives {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]model.OpenInterest, 0, len(symbols))
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(a.venue, market, symbol)
		var env okxRESTEnvelope[okxOpenInterestRow]
		r, err := a.client.R().SetContext(ctx).
			SetQueryParam("instType", a.instType()).
			SetQueryParam("instId", native).
			SetResult(&env).
			Get("/api/v5/public/open-interest")
		if err != nil {
			return nil, fmt.Errorf("okx open interest %s: %w", symbol, err)
		}
		if r.IsError() || env.Code != "0" || len(env.Data) == 0 {
			continue
		}
		row := env.Data[0]
		oi, _ := decimal.NewFromString(row.Oi)
		oiVal, _ := decimal.NewFromString(row.OiCcy)
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		out = append(out, model.OpenInterest{
			ExchangeID:        a.venue,
			MarketType:        market,
			Symbol:            symbol,
			OpenInterest:      oi,
			OpenInterestValue: oiVal,
			EventTS:           time.UnixMilli(tsMillis).UTC(),
			CollectedAt:       now,
		})
	}
	return out, nil
}

type okxLSRRow struct {
	LongShortRatio string `json:"longShortAcctRatio"`
	TS             string `json:"ts"`
}

// FetchLSR pulls OKX's long/short account ratio, contract-holding basis;
// OKX publishes only one ratio series (no separate top-trader vs
// all-account split), so the value is reported as LSRAllAccount and the
// LSRTopPosition return is always nil.
func (a *Adapter) FetchLSR(ctx context.Context, market model.MarketType, symbols []string) ([]model.LSRTopPosition, []model.LSRAllAccount, error) {
	if a.venue != model.OKXDerivatives {
		return nil, nil, nil
	}
	now := time.Now().UTC()
	var all []model.LSRAllAccount
	for _, symbol := range symbols {
		native := normalizer.ToVenueSymbol(a.venue, market, symbol)
		var env okxRESTEnvelope[okxLSRRow]
		r, err := a.client.R().SetContext(ctx).
			SetQueryParam("ccy", strings.SplitN(native, "-", 2)[0]).
			SetQueryParam("period", "5m").
			SetResult(&env).
			Get("/api/v5/rubik/stat/contracts/long-short-account-ratio")
		if err != nil {
			return nil, nil, fmt.Errorf("okx lsr %s: %w", symbol, err)
		}
		if r.IsError() || env.Code != "0" || len(env.Data) == 0 {
			continue
		}
		row := env.Data[0]
		ratio, _ := decimal.NewFromString(row.LongShortRatio)
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		all = append(all, model.LSRAllAccount{
			ExchangeID:     a.venue,
			MarketType:     market,
			Symbol:         symbol,
			LongShortRatio: ratio,
			EventTS:        time.UnixMilli(tsMillis).UTC(),
			CollectedAt:    now,
		})
	}
	return nil, all, nil
}

// FetchVolatilityIndex pulls OKX's published implied-volatility index
// values, used only for OKX derivatives (the source publishes one curve
// per underlying, not per instrument).
type okxVolIndexRow struct {
	InstID string `json:"instId"`
	IdxPx  string `json:"idxPx"`
	TS     string `json:"ts"`
}

func (a *Adapter) FetchVolatilityIndex(ctx context.Context, market model.MarketType, symbols []string) ([]model.VolatilityIndex, error) {
	if a.venue != model.OKXDerivatives {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]model.VolatilityIndex, 0, len(symbols))
	for _, symbol := range symbols {
		base := strings.SplitN(symbol, "-", 2)[0]
		var env okxRESTEnvelope[okxVolIndexRow]
		r, err := a.client.R().SetContext(ctx).SetQueryParam("instId", base+"-USD-VOL-INDEX").SetResult(&env).
			Get("/api/v5/index-option/vol-index")
		if err != nil || r.IsError() || env.Code != "0" || len(env.Data) == 0 {
			continue
		}
		row := env.Data[0]
		idx, _ := decimal.NewFromString(row.IdxPx)
		tsMillis, _ := strconv.ParseInt(row.TS, 10, 64)
		out = append(out, model.VolatilityIndex{
			ExchangeID:  a.venue,
			MarketType:  market,
			Symbol:      symbol,
			IndexValue:  idx,
			EventTS:     time.UnixMilli(tsMillis).UTC(),
			CollectedAt: now,
		})
	}
	return out, nil
}
