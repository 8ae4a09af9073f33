package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/metrics"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/xerrors"
)

// ClickHouseConfig addresses both of ClickHouse's wire protocols: native
// for the fast path, HTTP for the fallback path used on transient native
// failures (spec §4.7: "falls back to an HTTP-equivalent path").
type ClickHouseConfig struct {
	NativeAddr string
	HTTPAddr   string
	Database   string
	Username   string
	Password   string
}

// ClickHouseStore is the Store implementation backing the storage
// consumer. A transient failure on the native connection is retried once
// over HTTP before the write is reported as failed; a per-table counter
// tracks how often that fallback fires.
type ClickHouseStore struct {
	conn   driver.Conn
	http   *resty.Client
	logger zerolog.Logger

	fallbackHits map[string]*atomic.Int64
}

// NewClickHouseStore dials the native connection and prepares an HTTP
// client against the same server's HTTP interface.
func NewClickHouseStore(cfg ClickHouseConfig, logger zerolog.Logger) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.NativeAddr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open native connection: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL("http://" + cfg.HTTPAddr).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetQueryParam("database", cfg.Database)

	hits := make(map[string]*atomic.Int64, len(tables))
	for _, t := range tables {
		hits[t] = &atomic.Int64{}
	}

	return &ClickHouseStore{conn: conn, http: httpClient, logger: logger, fallbackHits: hits}, nil
}

// FallbackHits reports how many times table's batches have been written
// over the HTTP fallback path instead of the native protocol.
func (s *ClickHouseStore) FallbackHits(table string) int64 {
	if c, ok := s.fallbackHits[table]; ok {
		return c.Load()
	}
	return 0
}

// writeWithFallback runs nativeFn; on a transient error it increments
// table's fallback counter and retries once via httpFn. A non-transient
// error (bad query, auth) is returned immediately without falling back,
// since the HTTP path would fail identically.
func (s *ClickHouseStore) writeWithFallback(ctx context.Context, table string, nativeFn, httpFn func(context.Context) error) error {
	err := nativeFn(ctx)
	if err == nil {
		return nil
	}
	if !isTransientProtocolError(err) {
		return xerrors.NewStoreError(err, false)
	}

	s.fallbackHits[table].Add(1)
	metrics.StorageFallbackHits.WithLabelValues(table).Inc()
	s.logger.Warn().Err(err).Str("table", table).Msg("native clickhouse insert failed, falling back to HTTP")

	if err := httpFn(ctx); err != nil {
		return xerrors.NewStoreError(err, true)
	}
	return nil
}

// isTransientProtocolError distinguishes a connection-level failure
// (worth falling back on) from a semantic one (bad types, bad query)
// that would just fail again over HTTP. clickhouse-go surfaces the
// former as a wrapped net.Error or context deadline; anything else is
// treated as permanent so a malformed batch doesn't silently retry
// forever across both transports.
func isTransientProtocolError(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func levelColumns(levels []model.OrderBookLevel) (prices, quantities []string) {
	prices = make([]string, len(levels))
	quantities = make([]string, len(levels))
	for i, l := range levels {
		prices[i] = l.Price.String()
		quantities[i] = l.Quantity.String()
	}
	return prices, quantities
}

func httpInsertRows[T any](ctx context.Context, s *ClickHouseStore, table string, rows []T) error {
	encoded := make([][]byte, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("clickhouse: encode row for %s: %w", table, err)
		}
		encoded = append(encoded, b)
	}
	body := bytes.Join(encoded, []byte("\n"))

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(body).
		SetQueryParam("query", fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table)).
		Post("/")
	if err != nil {
		return fmt.Errorf("clickhouse http insert into %s: %w", table, err)
	}
	if resp.IsError() {
		return fmt.Errorf("clickhouse http insert into %s: %s: %s", table, resp.Status(), resp.String())
	}
	return nil
}

func (s *ClickHouseStore) InsertTrades(ctx context.Context, rows []*model.Trade) error {
	return s.writeWithFallback(ctx, "trades",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO trades")
			if err != nil {
				return err
			}
			for _, t := range rows {
				if err := batch.Append(string(t.ExchangeID), string(t.MarketType), t.Symbol, t.TradeID,
					t.Price.String(), t.Quantity.String(), t.QuoteQuantity.String(), string(t.Side),
					t.IsBuyerMaker, t.EventTS, t.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "trades", rows) },
	)
}

func (s *ClickHouseStore) InsertOrderBookSnapshots(ctx context.Context, rows []*model.OrderBookSnapshot) error {
	return s.writeWithFallback(ctx, "orderbook_snapshots",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO orderbook_snapshots")
			if err != nil {
				return err
			}
			for _, ob := range rows {
				bidPrices, bidQtys := levelColumns(ob.Bids)
				askPrices, askQtys := levelColumns(ob.Asks)
				if err := batch.Append(string(ob.ExchangeID), string(ob.MarketType), ob.Symbol,
					bidPrices, bidQtys, askPrices, askQtys,
					ob.LastUpdateID, ob.EventTS, ob.DepthLevels, ob.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "orderbook_snapshots", rows) },
	)
}

func (s *ClickHouseStore) InsertOrderBookUpdates(ctx context.Context, rows []*model.OrderBookUpdate) error {
	return s.writeWithFallback(ctx, "orderbook_updates",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO orderbook_updates")
			if err != nil {
				return err
			}
			for _, u := range rows {
				bidPrices, bidQtys := levelColumns(u.BidChanges)
				askPrices, askQtys := levelColumns(u.AskChanges)
				if err := batch.Append(string(u.ExchangeID), string(u.MarketType), u.Symbol,
					bidPrices, bidQtys, askPrices, askQtys,
					u.FirstUpdateID, u.LastUpdateID, u.PrevLastUpdateID, string(u.UpdateType),
					u.EventTS, u.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "orderbook_updates", rows) },
	)
}

func (s *ClickHouseStore) InsertFundingRates(ctx context.Context, rows []*model.FundingRate) error {
	return s.writeWithFallback(ctx, "funding_rates",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO funding_rates")
			if err != nil {
				return err
			}
			for _, f := range rows {
				if err := batch.Append(string(f.ExchangeID), string(f.MarketType), f.Symbol,
					f.FundingRate.String(), f.NextFundingTime, f.MarkPrice.String(), f.IndexPrice.String(),
					f.FundingIntervalHours, f.EventTS, f.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "funding_rates", rows) },
	)
}

func (s *ClickHouseStore) InsertOpenInterests(ctx context.Context, rows []*model.OpenInterest) error {
	return s.writeWithFallback(ctx, "open_interests",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO open_interests")
			if err != nil {
				return err
			}
			for _, oi := range rows {
				if err := batch.Append(string(oi.ExchangeID), string(oi.MarketType), oi.Symbol,
					oi.OpenInterest.String(), oi.OpenInterestValue.String(), oi.EventTS, oi.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "open_interests", rows) },
	)
}

func (s *ClickHouseStore) InsertLiquidations(ctx context.Context, rows []*model.Liquidation) error {
	return s.writeWithFallback(ctx, "liquidations",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO liquidations")
			if err != nil {
				return err
			}
			for _, l := range rows {
				if err := batch.Append(string(l.ExchangeID), string(l.MarketType), l.Symbol, string(l.Side),
					l.Price.String(), l.Quantity.String(), l.Value.String(), l.EventTS, l.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "liquidations", rows) },
	)
}

func (s *ClickHouseStore) InsertLSRTopPositions(ctx context.Context, rows []*model.LSRTopPosition) error {
	return s.writeWithFallback(ctx, "lsr_top_positions",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO lsr_top_positions")
			if err != nil {
				return err
			}
			for _, r := range rows {
				if err := batch.Append(string(r.ExchangeID), string(r.MarketType), r.Symbol,
					r.LongRatio.String(), r.ShortRatio.String(), r.LongShortRatio.String(),
					r.EventTS, r.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "lsr_top_positions", rows) },
	)
}

func (s *ClickHouseStore) InsertLSRAllAccounts(ctx context.Context, rows []*model.LSRAllAccount) error {
	return s.writeWithFallback(ctx, "lsr_all_accounts",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO lsr_all_accounts")
			if err != nil {
				return err
			}
			for _, r := range rows {
				if err := batch.Append(string(r.ExchangeID), string(r.MarketType), r.Symbol,
					r.LongRatio.String(), r.ShortRatio.String(), r.LongShortRatio.String(),
					r.EventTS, r.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "lsr_all_accounts", rows) },
	)
}

func (s *ClickHouseStore) InsertVolatilityIndices(ctx context.Context, rows []*model.VolatilityIndex) error {
	return s.writeWithFallback(ctx, "volatility_indices",
		func(ctx context.Context) error {
			batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO volatility_indices")
			if err != nil {
				return err
			}
			for _, v := range rows {
				if err := batch.Append(string(v.ExchangeID), string(v.MarketType), v.Symbol,
					v.IndexValue.String(), v.EventTS, v.CollectedAt); err != nil {
					return err
				}
			}
			return batch.Send()
		},
		func(ctx context.Context) error { return httpInsertRows(ctx, s, "volatility_indices", rows) },
	)
}
