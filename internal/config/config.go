// Package config loads and validates the backtest core's YAML
// configuration, following the load-then-Validate shape the rest of the
// source uses for its provider configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for the leaderboard/backtest
// core (cmd/dropleader reads this; the out-of-scope HTTP/integration
// surface has its own separate config, not modeled here).
type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolConfig      `yaml:"pool"`
	Backtest  BacktestDefault `yaml:"backtest"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// FeedConfig configures the MarketFeed implementation and its guard.
type FeedConfig struct {
	APIKey        string `yaml:"api_key"`
	APISecret     string `yaml:"api_secret"`
	BaseURL       string `yaml:"base_url"`
	FuturesURL    string `yaml:"futures_base_url"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	RequestDelay  int    `yaml:"request_delay_ms"` // binanceRequestDelay, §4.2
}

// StoreConfig configures the ObjectStore (Postgres) connection.
type StoreConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// CacheConfig configures the FilterCache's Redis backend.
type CacheConfig struct {
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	TTLDays     int    `yaml:"ttl_days"` // Redis key expiry for cache entries, default 30
	DialTimeout int    `yaml:"dial_timeout_seconds"`
}

// PoolConfig configures ConcurrencyPool defaults (§4.1).
type PoolConfig struct {
	InitialConcurrency int  `yaml:"initial_concurrency"`
	MinConcurrency     int  `yaml:"min_concurrency"`
	MaxConcurrency     int  `yaml:"max_concurrency"`
	Adaptive           bool `yaml:"adaptive"`
	MaxRetries         int  `yaml:"max_retries"`
}

// BacktestDefault holds the default backtest parameter contract (§6).
type BacktestDefault struct {
	Limit              int     `yaml:"limit"`
	MinVolumeThreshold float64 `yaml:"min_volume_threshold"`
	MinHistoryDays     int     `yaml:"min_history_days"`
	GranularityHours   int     `yaml:"granularity_hours"`
	QuoteAsset         string  `yaml:"quote_asset"`
	BatchSize          int     `yaml:"batch_size"`
	InterBatchSleepMs  int     `yaml:"inter_batch_sleep_ms"`
}

// SchedulerConfig configures the Scheduler's fixed fire times and epoch.
type SchedulerConfig struct {
	FireHours  []int  `yaml:"fire_hours"`  // default [0, 8, 16]
	FireMinute int    `yaml:"fire_minute"` // default 10
	EpochStart string `yaml:"epoch_start"` // default 2020-01-01T00:00:00Z
	OperatorEmail string `yaml:"operator_email"`
}

// Default returns the configuration with every documented spec default
// applied (§6 parameter contract, §4.10 fire schedule).
func Default() Config {
	return Config{
		Feed: FeedConfig{
			BaseURL:       "https://api.binance.com",
			FuturesURL:    "https://fapi.binance.com",
			MaxRetries:    3,
			BackoffBaseMs: 1000,
			RequestDelay:  150,
		},
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30,
		},
		Cache: CacheConfig{
			Addr:        "localhost:6379",
			TTLDays:     30,
			DialTimeout: 5,
		},
		Pool: PoolConfig{
			InitialConcurrency: 8,
			MinConcurrency:     2,
			MaxConcurrency:     12,
			Adaptive:           true,
			MaxRetries:         3,
		},
		Backtest: BacktestDefault{
			Limit:              50,
			MinVolumeThreshold: 10000,
			MinHistoryDays:     365,
			GranularityHours:   8,
			QuoteAsset:         "USDT",
			BatchSize:          40,
			InterBatchSleepMs:  500,
		},
		Scheduler: SchedulerConfig{
			FireHours:  []int{0, 8, 16},
			FireMinute: 10,
			EpochStart: "2020-01-01T00:00:00Z",
		},
	}
}

// Load reads a YAML file at path, merging it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for internally-inconsistent values.
func (c Config) Validate() error {
	if c.Pool.MinConcurrency < 1 {
		return fmt.Errorf("pool.min_concurrency must be >= 1, got %d", c.Pool.MinConcurrency)
	}
	if c.Pool.MaxConcurrency < c.Pool.MinConcurrency {
		return fmt.Errorf("pool.max_concurrency (%d) must be >= min_concurrency (%d)", c.Pool.MaxConcurrency, c.Pool.MinConcurrency)
	}
	if c.Backtest.GranularityHours <= 0 {
		return fmt.Errorf("backtest.granularity_hours must be > 0")
	}
	if _, err := time.Parse(time.RFC3339, c.Scheduler.EpochStart); err != nil {
		return fmt.Errorf("scheduler.epoch_start: %w", err)
	}
	return nil
}

// EpochStartTime parses SchedulerConfig.EpochStart, falling back to
// 2020-01-01T00:00:00Z for a value Validate would reject.
func (s SchedulerConfig) EpochStartTime() time.Time {
	t, err := time.Parse(time.RFC3339, s.EpochStart)
	if err != nil {
		return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}
