// Package config loads the bookd configuration from YAML and applies the
// documented defaults for every knob the core exposes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the order book core.
type Config struct {
	Endpoints EndpointsConfig         `yaml:"endpoints"`
	Books     BooksConfig             `yaml:"books"`
	Admission AdmissionConfig         `yaml:"admission"`
	Snapshots SnapshotsConfig         `yaml:"snapshots"`
	Analytics AnalyticsConfig         `yaml:"analytics"`
	Server    ServerConfig            `yaml:"server"`
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
}

// EndpointsConfig selects the upstream bases. Public market data always uses
// mainnet; testnet only affects signed surfaces owned by collaborators.
type EndpointsConfig struct {
	RESTBase   string `yaml:"rest_base"`
	StreamBase string `yaml:"stream_base"`
	Testnet    bool   `yaml:"testnet"`
}

// BooksConfig shapes the registry and per-session behavior.
type BooksConfig struct {
	MaxConcurrentSymbols    int     `yaml:"max_concurrent_symbols"`
	FreshnessThresholdMs    int     `yaml:"freshness_threshold_ms"`
	ActivationTimeoutColdMs int     `yaml:"activation_timeout_cold_ms"`
	ActivationTimeoutWarmMs int     `yaml:"activation_timeout_warm_ms"`
	EvictionPolicy          string  `yaml:"eviction_policy"`
	SnapshotAttemptBudget   int     `yaml:"snapshot_attempt_budget"`
	SyncBufferLimit         int     `yaml:"sync_buffer_limit"`
	DepthViewMaxLevels      int     `yaml:"depth_view_max_levels"`
	ImbalanceTopK           int     `yaml:"imbalance_top_k"`
	WallMultiplier          float64 `yaml:"wall_multiplier"`
}

// AdmissionConfig shapes the process-wide outbound rate control.
type AdmissionConfig struct {
	RatePerMinute      int `yaml:"rate_per_minute"`
	Burst              int `yaml:"burst"`
	RouteRatePerMinute int `yaml:"route_rate_per_minute"`
	RouteBurst         int `yaml:"route_burst"`
	QueueTimeoutMs     int `yaml:"queue_timeout_ms"`
}

// SnapshotsConfig shapes the rolling snapshot store.
type SnapshotsConfig struct {
	IntervalMs     int    `yaml:"interval_ms"`
	RetentionDays  int    `yaml:"retention_days"`
	SweepIntervalM int    `yaml:"sweep_interval_minutes"`
	Backend        string `yaml:"backend"` // "memory" or "redis"
	Redis          struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
}

// AnalyticsConfig shapes the derived-metrics layer.
type AnalyticsConfig struct {
	TapeCapacity        int     `yaml:"tape_capacity"`
	StuffingUpdateRate  float64 `yaml:"stuffing_update_rate"`
	StuffingMaxFillRate float64 `yaml:"stuffing_max_fill_rate"`
	IcebergRefillFactor float64 `yaml:"iceberg_refill_factor"`
	MinProfileTrades    int     `yaml:"min_profile_trades"`
}

// ServerConfig shapes the ops HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SymbolConfig carries per-symbol fixed-point scales.
type SymbolConfig struct {
	PriceScale int32 `yaml:"price_scale"`
	QtyScale   int32 `yaml:"qty_scale"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	c := &Config{}
	c.normalize()
	return c
}

// Load reads and validates a YAML config file. Missing fields take their
// documented defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.normalize()
	return &c, nil
}

func (c *Config) normalize() {
	if c.Endpoints.RESTBase == "" {
		c.Endpoints.RESTBase = "https://api.binance.com"
	}
	if c.Endpoints.StreamBase == "" {
		c.Endpoints.StreamBase = "wss://stream.binance.com:9443"
	}
	if c.Books.MaxConcurrentSymbols <= 0 {
		c.Books.MaxConcurrentSymbols = 20
	}
	if c.Books.FreshnessThresholdMs <= 0 {
		c.Books.FreshnessThresholdMs = 5000
	}
	if c.Books.ActivationTimeoutColdMs <= 0 {
		c.Books.ActivationTimeoutColdMs = 5000
	}
	if c.Books.ActivationTimeoutWarmMs <= 0 {
		c.Books.ActivationTimeoutWarmMs = 200
	}
	if c.Books.EvictionPolicy == "" {
		c.Books.EvictionPolicy = "oldest-stale"
	}
	if c.Books.SnapshotAttemptBudget <= 0 {
		c.Books.SnapshotAttemptBudget = 10
	}
	if c.Books.SyncBufferLimit <= 0 {
		c.Books.SyncBufferLimit = 2048
	}
	if c.Books.DepthViewMaxLevels <= 0 {
		c.Books.DepthViewMaxLevels = 100
	}
	if c.Books.ImbalanceTopK <= 0 {
		c.Books.ImbalanceTopK = 5
	}
	if c.Books.WallMultiplier <= 0 {
		c.Books.WallMultiplier = 5.0
	}
	if c.Admission.RatePerMinute <= 0 {
		c.Admission.RatePerMinute = 1000
	}
	if c.Admission.Burst <= 0 {
		c.Admission.Burst = 50
	}
	if c.Admission.RouteRatePerMinute <= 0 {
		c.Admission.RouteRatePerMinute = 100
	}
	if c.Admission.RouteBurst <= 0 {
		c.Admission.RouteBurst = 10
	}
	if c.Admission.QueueTimeoutMs <= 0 {
		c.Admission.QueueTimeoutMs = 30000
	}
	if c.Snapshots.IntervalMs <= 0 {
		c.Snapshots.IntervalMs = 1000
	}
	if c.Snapshots.RetentionDays <= 0 {
		c.Snapshots.RetentionDays = 7
	}
	if c.Snapshots.SweepIntervalM <= 0 {
		c.Snapshots.SweepIntervalM = 60
	}
	if c.Snapshots.Backend == "" {
		c.Snapshots.Backend = "memory"
	}
	if c.Snapshots.Redis.Addr == "" {
		c.Snapshots.Redis.Addr = "localhost:6379"
	}
	if c.Analytics.TapeCapacity <= 0 {
		c.Analytics.TapeCapacity = 65536
	}
	if c.Analytics.StuffingUpdateRate <= 0 {
		c.Analytics.StuffingUpdateRate = 500
	}
	if c.Analytics.StuffingMaxFillRate <= 0 {
		c.Analytics.StuffingMaxFillRate = 0.10
	}
	if c.Analytics.IcebergRefillFactor <= 0 {
		c.Analytics.IcebergRefillFactor = 5.0
	}
	if c.Analytics.MinProfileTrades <= 0 {
		c.Analytics.MinProfileTrades = 100
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Symbols == nil {
		c.Symbols = make(map[string]SymbolConfig)
	}
}

// ScalesFor returns the fixed-point scales for a symbol, falling back to
// conservative defaults when the symbol has no explicit entry.
func (c *Config) ScalesFor(symbol string) (priceScale, qtyScale int32) {
	if s, ok := c.Symbols[symbol]; ok {
		return s.PriceScale, s.QtyScale
	}
	return 8, 8
}

// FreshnessThreshold returns the staleness cutoff as a duration.
func (c *Config) FreshnessThreshold() time.Duration {
	return time.Duration(c.Books.FreshnessThresholdMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot cadence as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshots.IntervalMs) * time.Millisecond
}

// Retention returns the snapshot retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Snapshots.RetentionDays) * 24 * time.Hour
}
