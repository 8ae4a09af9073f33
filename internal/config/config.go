// Package config loads the control plane configuration (spec §4.8). Config
// is read from a YAML file with MDP_-prefixed environment overrides, in the
// style of the polymarket-mm bot's viper setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration consumed by both the ingester and
// storage roles. Either role reads the same file; unused sections are
// simply ignored by the role that doesn't need them.
type Config struct {
	Bus       BusConfig                  `mapstructure:"bus"`
	Exchanges map[string]ExchangeConfig  `mapstructure:"exchanges"`
	Storage   StorageConfig              `mapstructure:"storage"`
	Consumers map[string]ConsumerConfig  `mapstructure:"consumers"`
	Metrics   MetricsConfig              `mapstructure:"metrics"`
	Logging   LoggingConfig              `mapstructure:"logging"`
}

// BusConfig configures the durable message bus client.
type BusConfig struct {
	Servers         []string                   `mapstructure:"servers"`
	StreamOverrides map[string]StreamOverride  `mapstructure:"stream_overrides"`
}

// StreamOverride tunes retention/dedup/replicas for one logical stream.
type StreamOverride struct {
	RetentionSec int `mapstructure:"retention_sec"`
	DedupSec     int `mapstructure:"dedup_sec"`
	Replicas     int `mapstructure:"replicas"`
}

// OrderbookConfig selects the depth strategy and method for one venue.
type OrderbookConfig struct {
	Method            string `mapstructure:"method"` // "websocket" or "snapshot"
	Strategy          string `mapstructure:"strategy"`
	SnapshotIntervalMs int   `mapstructure:"snapshot_interval_ms"`
	SnapshotDepth     int    `mapstructure:"snapshot_depth"`
	PublishDepth      int    `mapstructure:"publish_depth"`
}

// ExchangeConfig configures one venue connection.
type ExchangeConfig struct {
	Enabled               bool            `mapstructure:"enabled"`
	Symbols               []string        `mapstructure:"symbols"`
	DataTypes             []string        `mapstructure:"data_types"`
	Orderbook             OrderbookConfig `mapstructure:"orderbook"`
	PingIntervalMs        int             `mapstructure:"ping_interval_ms"`
	ProactiveReconnectSec int             `mapstructure:"proactive_reconnect_sec"`
}

// BatchConfig sets per-table batching limits for the storage consumer.
type BatchConfig struct {
	Size       int `mapstructure:"size"`
	TimeoutMs  int `mapstructure:"timeout_ms"`
}

// StorageConfig configures the columnar store connection and batching.
type StorageConfig struct {
	Host     string                 `mapstructure:"host"`
	Port     int                    `mapstructure:"port"`
	HTTPPort int                    `mapstructure:"http_port"`
	User     string                 `mapstructure:"user"`
	Password string                 `mapstructure:"password"`
	Database string                 `mapstructure:"database"`
	Batch    map[string]BatchConfig `mapstructure:"batch"`
}

// ConsumerConfig overrides a JetStream pull consumer's defaults.
type ConsumerConfig struct {
	DeliverPolicy  string `mapstructure:"deliver_policy"`
	AckWaitMs      int    `mapstructure:"ack_wait_ms"`
	MaxDeliver     int    `mapstructure:"max_deliver"`
	MaxAckPending  int    `mapstructure:"max_ack_pending"`
}

// MetricsConfig configures the Prometheus/health HTTP server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig selects zerolog's output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// validDataTypes lists the names accepted in exchanges.*.data_types:
// model.DataType's set without orderbook_snapshot.
var validDataTypes = map[string]bool{
	"trade": true, "orderbook": true, "funding_rate": true,
	"open_interest": true, "liquidation": true, "lsr_top_position": true,
	"lsr_all_account": true, "volatility_index": true,
}

// Load reads config from a YAML file with MDP_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("storage.port", 9000)
	v.SetDefault("storage.http_port", 8123)
	v.SetDefault("bus.servers", []string{"nats://localhost:4222"})
}

// Validate enforces required fields and rejects unknown data types/channels,
// surfacing a ConfigError per spec §7 (fatal at startup unless a safe
// default exists).
func (c *Config) Validate() error {
	if len(c.Bus.Servers) == 0 {
		return fmt.Errorf("bus.servers is required")
	}
	for id, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		for _, dt := range ex.DataTypes {
			if !validDataTypes[dt] {
				return fmt.Errorf("exchanges.%s.data_types: unknown data type %q", id, dt)
			}
		}
		if ex.Orderbook.Method != "" && ex.Orderbook.Method != "websocket" && ex.Orderbook.Method != "snapshot" {
			return fmt.Errorf("exchanges.%s.orderbook.method must be websocket or snapshot", id)
		}
	}
	return nil
}

// Diff describes what changed between two configs for the reload() surface
// (spec §6 Lifecycle: "re-reads config, applies non-destructive changes").
type Diff struct {
	SymbolsChanged   []string
	StrategyChanged  []string
	BatchSizeChanged []string
	Destructive      []string
}

// ReloadDiff computes which fields changed between the running config and a
// freshly loaded one, classifying each as hot-applicable or destructive.
// Symbol lists, strategy names and batch sizes/timeouts are non-destructive.
// An added exchange, a changed enabled flag or orderbook method, bus servers,
// and storage host or port are reported as destructive. Other fields
// (consumers, storage credentials and database, logging, metrics) are not
// compared, and a removed exchange is not reported.
func ReloadDiff(old, next *Config) Diff {
	var d Diff
	for id, nex := range next.Exchanges {
		oex, ok := old.Exchanges[id]
		if !ok {
			d.Destructive = append(d.Destructive, "exchanges."+id+" (added)")
			continue
		}
		if !stringSliceEqual(oex.Symbols, nex.Symbols) {
			d.SymbolsChanged = append(d.SymbolsChanged, id)
		}
		if oex.Orderbook.Strategy != nex.Orderbook.Strategy {
			d.StrategyChanged = append(d.StrategyChanged, id)
		}
		if oex.Enabled != nex.Enabled || oex.Orderbook.Method != nex.Orderbook.Method {
			d.Destructive = append(d.Destructive, "exchanges."+id+".enabled_or_method")
		}
	}
	for table, nb := range next.Storage.Batch {
		ob, ok := old.Storage.Batch[table]
		if !ok || ob.Size != nb.Size || ob.TimeoutMs != nb.TimeoutMs {
			d.BatchSizeChanged = append(d.BatchSizeChanged, table)
		}
	}
	if !stringSliceEqual(old.Bus.Servers, next.Bus.Servers) {
		d.Destructive = append(d.Destructive, "bus.servers")
	}
	if old.Storage.Host != next.Storage.Host || old.Storage.Port != next.Storage.Port {
		d.Destructive = append(d.Destructive, "storage.host_or_port")
	}
	return d
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Durations helper: converts a millisecond config field, defaulting if zero.
func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// AckWait returns the consumer's configured ack wait, defaulting to 60s.
func (c ConsumerConfig) AckWait() time.Duration { return millis(c.AckWaitMs, 60*time.Second) }

// BatchTimeout returns the table's configured flush timeout, defaulting to
// the given fallback (high-rate vs low-rate tables use different defaults).
func (b BatchConfig) BatchTimeout(fallback time.Duration) time.Duration {
	return millis(b.TimeoutMs, fallback)
}
