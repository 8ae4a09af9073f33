package control

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/busbindings"
	"github.com/marketdata-platform/ingest/internal/config"
	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/connector/binance"
	"github.com/marketdata-platform/ingest/internal/connector/deribit"
	"github.com/marketdata-platform/ingest/internal/connector/okx"
	"github.com/marketdata-platform/ingest/internal/metrics"
	"github.com/marketdata-platform/ingest/internal/model"
	"github.com/marketdata-platform/ingest/internal/orderbook"
	"github.com/marketdata-platform/ingest/internal/poller"
	"github.com/marketdata-platform/ingest/internal/publisher"
	"github.com/marketdata-platform/ingest/internal/session"
	"github.com/marketdata-platform/ingest/internal/storage"
)

// Role selects which half of the two-binary split (spec §4.8: "Roles may
// be co-located or separated") a Plane wires up.
type Role string

const (
	RoleIngest  Role = "ingest"
	RoleStorage Role = "storage"
)

// Plane is the control plane: it owns every long-lived component for its
// Role, wires them from Config, and exposes the spec's three lifecycle
// operations (start is Plane.Start, stop is Plane.Stop, health/metrics
// are served by Server backed by Health).
type Plane struct {
	Role   Role
	Config *config.Config
	Logger zerolog.Logger

	Health *HealthRegistry
	Server *Server

	natsConn *nats.Conn
	js       nats.JetStreamContext

	lines       []*Line
	reconnects  []*session.Manager
	scheduler   *poller.Scheduler
	pollerJobs  []*poller.Job
	pub         *publisher.Publisher
	queues      []*publisher.Queue
	books       *orderbook.Manager
	storeConsumer *storage.Consumer

	cancel context.CancelFunc
}

// registryOf constructs all five venue adapters (three venues) and keeps
// every one whose venue is not disabled in config; a venue with no config
// entry stays in the registry.
func registryOf(cfg *config.Config) connector.Registry {
	candidates := []connector.Adapter{
		binance.NewSpot(), binance.NewDerivatives(),
		okx.NewSpot(), okx.NewDerivatives(),
		deribit.New(),
	}
	enabled := make([]connector.Adapter, 0, len(candidates))
	for _, a := range candidates {
		ex, ok := cfg.Exchanges[string(a.Venue())]
		if ok && !ex.Enabled {
			continue
		}
		enabled = append(enabled, a)
	}
	return connector.NewRegistry(enabled...)
}

// NewPlane constructs an unwired Plane; call Start to bring its
// components up.
func NewPlane(role Role, cfg *config.Config, logger zerolog.Logger) *Plane {
	return &Plane{
		Role:   role,
		Config: cfg,
		Logger: logger,
		Health: NewHealthRegistry(),
		books:  orderbook.NewManager(),
	}
}

// Start constructs C6 (busbindings), then C1+C2+C3+C4+C5 for the
// ingester role or C6+C7 for the storage role, per spec §4.8. It returns
// once every component has been dialed and its goroutines started; a
// failure to reach the bus is fatal (the bus is a critical dependency for
// both roles).
func (p *Plane) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	nc, err := nats.Connect(firstOr(p.Config.Bus.Servers, nats.DefaultURL))
	if err != nil {
		return fmt.Errorf("control: connect bus: %w", err)
	}
	p.natsConn = nc

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("control: jetstream context: %w", err)
	}
	p.js = js

	bindings := busbindings.New(js, p.Logger)
	if _, err := bindings.Reconcile(); err != nil {
		return fmt.Errorf("control: reconcile bus bindings: %w", err)
	}

	p.Health.Register(Checker{
		Name: "bus", Critical: true,
		Check: func() ComponentHealth {
			if p.natsConn.IsConnected() {
				return ComponentHealth{Status: StatusHealthy}
			}
			return ComponentHealth{Status: StatusUnhealthy, Detail: p.natsConn.Status().String()}
		},
	})

	switch p.Role {
	case RoleIngest:
		if err := p.startIngest(runCtx, js); err != nil {
			return err
		}
	case RoleStorage:
		if err := p.startStorage(runCtx, js); err != nil {
			return err
		}
	default:
		return fmt.Errorf("control: unknown role %q", p.Role)
	}

	p.Server = NewServer(p.Config.Metrics.Addr, p.Health, p.Logger)
	go func() {
		if err := p.Server.Start(); err != nil {
			p.Logger.Error().Err(err).Msg("control plane http server stopped")
		}
	}()

	return nil
}

func firstOr(servers []string, fallback string) string {
	if len(servers) == 0 {
		return fallback
	}
	s := servers[0]
	for _, extra := range servers[1:] {
		s += "," + extra
	}
	return s
}

func (p *Plane) startIngest(ctx context.Context, js nats.JetStreamContext) error {
	bus := busbindings.NewClient(p.natsConn, js)
	p.pub = publisher.NewPublisher(bus, p.Logger)

	registry := registryOf(p.Config)
	limiters := poller.NewLimiters()
	p.scheduler = &poller.Scheduler{Logger: p.Logger}

	for venueID, adapter := range registry {
		ex, ok := p.Config.Exchanges[string(venueID)]
		if !ok || !ex.Enabled {
			continue
		}
		market := marketTypeFor(venueID)

		queue := publisher.NewQueue(publisher.DefaultQueueCapacity)
		p.queues = append(p.queues, queue)
		go p.pub.Drain(ctx, queue)
		go reportQueueMetrics(ctx, string(venueID), queue)

		strategies := strategiesFor(ex)
		line := NewLine(venueID, market, adapter, p.books, strategies, p.pub, queue, p.Logger)
		p.lines = append(p.lines, line)
		go line.Run(ctx)

		dataTypes := []string{"trade"}
		if ex.Orderbook.Method != "snapshot" {
			dataTypes = append(dataTypes, "orderbook")
		}
		sub := connector.Subscription{Market: market, Symbols: ex.Symbols, DataTypes: dataTypes}

		sess := &session.Session{
			Venue:  string(venueID),
			URL:    adapter.WSEndpoint(market),
			Policy: adapter.Policy(),
			Logger: p.Logger,
			Handler: session.Handler{
				OnFrame: line.OnFrame,
				OnError: func(err error) { p.Logger.Warn().Err(err).Str("venue", string(venueID)).Msg("session error") },
			},
			Subscribe: func(conn *websocket.Conn) error {
				frames, err := adapter.SubscribeFrames(sub)
				if err != nil {
					return err
				}
				for _, f := range frames {
					if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
						return err
					}
				}
				return nil
			},
		}
		mgr := session.NewManager(string(venueID), func() *session.Session { return sess }, p.Logger)
		p.reconnects = append(p.reconnects, mgr)
		go func() {
			if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
				p.Logger.Error().Err(err).Str("venue", string(venueID)).Msg("session manager exited")
			}
		}()

		p.Health.Register(Checker{
			Name: "session_" + string(venueID), Critical: false,
			Check: func() ComponentHealth {
				if sess.Age() > 0 {
					return ComponentHealth{Status: StatusHealthy}
				}
				return ComponentHealth{Status: StatusDegraded, Detail: "reconnecting"}
			},
		})

		target := poller.Target{Venue: string(venueID), Market: market, Adapter: adapter, Symbols: ex.Symbols}
		sink := poller.Sink(func(e connector.Event) { line.emit(ctx, e) })
		for _, job := range []*poller.Job{
			poller.FundingRateJob([]poller.Target{target}, limiters, sink, p.Logger),
			poller.OpenInterestJob([]poller.Target{target}, limiters, sink, p.Logger),
			poller.LSRJob([]poller.Target{target}, limiters, sink, p.Logger),
			poller.VolatilityIndexJob([]poller.Target{target}, limiters, sink, p.Logger),
		} {
			p.pollerJobs = append(p.pollerJobs, job)
			go p.scheduler.Run(ctx, job)
		}
		if ex.Orderbook.Method == "snapshot" {
			depth := ex.Orderbook.SnapshotDepth
			job := poller.OrderBookSnapshotJob([]poller.Target{target}, depth, limiters, sink, p.Logger)
			p.pollerJobs = append(p.pollerJobs, job)
			go p.scheduler.Run(ctx, job)
		}
	}

	return nil
}

func (p *Plane) startStorage(ctx context.Context, js nats.JetStreamContext) error {
	store, err := storage.NewClickHouseStore(storage.ClickHouseConfig{
		NativeAddr: fmt.Sprintf("%s:%d", p.Config.Storage.Host, p.Config.Storage.Port),
		HTTPAddr:   fmt.Sprintf("%s:%d", p.Config.Storage.Host, p.Config.Storage.HTTPPort),
		Database:   p.Config.Storage.Database,
		Username:   p.Config.Storage.User,
		Password:   p.Config.Storage.Password,
	}, p.Logger)
	if err != nil {
		return fmt.Errorf("control: storage: %w", err)
	}

	p.storeConsumer = storage.NewConsumer(js, store, p.Logger)
	p.Health.Register(Checker{
		Name: "store", Critical: true,
		Check: func() ComponentHealth {
			return ComponentHealth{Status: StatusHealthy}
		},
	})

	go func() {
		if err := p.storeConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			p.Logger.Error().Err(err).Msg("storage consumer exited")
		}
	}()

	return nil
}

// reportQueueMetrics polls one venue's publish queue on a fixed cadence
// and exports its depth and cumulative drop count, since Queue itself has
// no notion of which venue it belongs to.
func reportQueueMetrics(ctx context.Context, venue string, q *publisher.Queue) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PublishQueueDepth.WithLabelValues(venue).Set(float64(q.Len()))
			if dropped := q.Dropped(); dropped > lastDropped {
				metrics.PublishDropped.WithLabelValues(venue, "drop_oldest").Add(float64(dropped - lastDropped))
				lastDropped = dropped
			}
		}
	}
}

func marketTypeFor(venue model.ExchangeID) model.MarketType {
	switch venue {
	case model.BinanceSpot, model.OKXSpot:
		return model.MarketSpot
	case model.BinanceDerivatives, model.OKXDerivatives:
		return model.MarketPerpetual
	case model.DeribitDerivatives:
		return model.MarketPerpetual
	default:
		return model.MarketSpot
	}
}

func strategiesFor(ex config.ExchangeConfig) map[string]orderbook.Strategy {
	strategy, ok := orderbook.ByName(ex.Orderbook.Strategy)
	if !ok {
		strategy = orderbook.Arbitrage
	}
	out := make(map[string]orderbook.Strategy, len(ex.Symbols))
	for _, sym := range ex.Symbols {
		out[sym] = strategy
	}
	return out
}

// Stop propagates cancellation, stops accepting new work, drains each
// publisher queue up to grace, and closes the bus connection. The
// cancellation makes the storage consumer flush its pending batches; Stop
// does not wait for those flushes before closing the bus connection.
func (p *Plane) Stop(grace time.Duration) error {
	if p.cancel != nil {
		p.cancel()
	}

	deadline := time.Now().Add(grace)
	// The cancellation has ended the Drain loops started on the run
	// context, so fresh ones bound to the grace deadline publish what is
	// still queued.
	drainCtx, cancelDrain := context.WithDeadline(context.Background(), deadline)
	defer cancelDrain()
	for _, q := range p.queues {
		go p.pub.Drain(drainCtx, q)
	}
	for _, q := range p.queues {
		for q.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if p.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = p.Server.Stop(ctx)
	}

	if p.natsConn != nil {
		p.natsConn.Close()
	}
	return nil
}
