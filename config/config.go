package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cascadeflow CascadeflowConfig `yaml:"cascadeflow"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Source      SourceConfig      `yaml:"source"`
	Store       StoreConfig       `yaml:"store"`
	Poller      PollerConfig      `yaml:"poller"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	Engine      EngineConfig      `yaml:"engine"`
	Thresholds  ThresholdsConfig  `yaml:"thresholds"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CascadeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	ChannelSize bool `yaml:"channel_size"`
}

type ChannelsConfig struct {
	RawBuffer     int `yaml:"raw_buffer"`
	OIBuffer      int `yaml:"oi_buffer"`
	ArchiveBuffer int `yaml:"archive_buffer"`
}

type ProcessorConfig struct {
	MaxWorkers    int           `yaml:"max_workers"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
	DedupCapacity int           `yaml:"dedup_capacity"`
}

type SourceConfig struct {
	Binance     BinanceSourceConfig     `yaml:"binance"`
	Bybit       BybitSourceConfig       `yaml:"bybit"`
	Okx         OkxSourceConfig         `yaml:"okx"`
	Kucoin      KucoinSourceConfig      `yaml:"kucoin"`
	Hyperliquid HyperliquidSourceConfig `yaml:"hyperliquid"`
}

type LiquidationStreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnect   time.Duration `yaml:"max_reconnect"`
}

type OpenInterestPollConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Symbols     []string      `yaml:"symbols"`
	MarketTypes []string      `yaml:"market_types"`
	Interval    time.Duration `yaml:"interval"`
	RPS         int           `yaml:"requests_per_second"`
	Burst       int           `yaml:"burst"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type BinanceSourceConfig struct {
	Liquidation  LiquidationStreamConfig `yaml:"liquidation"`
	OpenInterest OpenInterestPollConfig  `yaml:"open_interest"`
}

type BybitSourceConfig struct {
	Category     string                  `yaml:"category"`
	Liquidation  LiquidationStreamConfig `yaml:"liquidation"`
	OpenInterest OpenInterestPollConfig  `yaml:"open_interest"`
}

type OkxSourceConfig struct {
	Liquidation  LiquidationStreamConfig `yaml:"liquidation"`
	OpenInterest OpenInterestPollConfig  `yaml:"open_interest"`
}

type KucoinSourceConfig struct {
	ConnectionPool ConnectionPoolConfig    `yaml:"connection_pool"`
	Liquidation    LiquidationStreamConfig `yaml:"liquidation"`
	OpenInterest   OpenInterestPollConfig  `yaml:"open_interest"`
	Timeout        time.Duration           `yaml:"timeout"`
}

type HyperliquidSourceConfig struct {
	Liquidation    LiquidationStreamConfig `yaml:"liquidation"`
	InfoURL        string                  `yaml:"info_url"`
	VaultRefresh   time.Duration           `yaml:"vault_refresh"`
	FallbackVaults []string                `yaml:"fallback_vaults"`
}

type StoreConfig struct {
	RingCapacity    int           `yaml:"ring_capacity"`
	BucketDuration  time.Duration `yaml:"bucket_duration"`
	BucketRetention time.Duration `yaml:"bucket_retention"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type PollerConfig struct {
	HistorySize int           `yaml:"history_size"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// UsdTolerance is the accepted relative gap between openInterestTokens *
	// referencePrice and the exchange-reported USD open interest.
	UsdTolerance float64 `yaml:"usd_tolerance"`
}

type AnalyzerConfig struct {
	BaselineLookback time.Duration `yaml:"baseline_lookback"`
	WindowDuration   time.Duration `yaml:"window_duration"`
	SessionAware     bool          `yaml:"session_aware"`
	TrimFraction     float64       `yaml:"trim_fraction"`
}

type EngineWeights struct {
	Velocity     float64 `yaml:"velocity"`
	Acceleration float64 `yaml:"acceleration"`
	Volume       float64 `yaml:"volume"`
	Correlation  float64 `yaml:"correlation"`
	Funding      float64 `yaml:"funding"`
	OIDelta      float64 `yaml:"oi_delta"`
}

type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Weights      EngineWeights `yaml:"weights"`
	AccelBoost   float64       `yaml:"accel_boost"`
	// AccelBoostCap bounds the total boost so a single outlier input can
	// never saturate the composite on its own.
	AccelBoostCap float64 `yaml:"accel_boost_cap"`
}

type ThresholdsConfig struct {
	RecomputeInterval time.Duration  `yaml:"recompute_interval"`
	Tiers             map[string]int `yaml:"tiers"`
	DefaultTier       int            `yaml:"default_tier"`
	// CascadeValuePct expresses the minimum cascade value as a fraction of
	// the rolling 24h volume so thresholds track market size.
	CascadeValuePct float64 `yaml:"cascade_value_pct"`
	MinCascadeCount int     `yaml:"min_cascade_count"`
}

type DispatcherConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
	MaxPerHour     int           `yaml:"max_per_hour"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	WebhookURL     string        `yaml:"webhook_url"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxQueue      int           `yaml:"max_queue"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	History int    `yaml:"history"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{ChannelSize: true},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override sensitive settings from environment variables if available
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		config.Dispatcher.WebhookURL = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.RingCapacity <= 0 {
		cfg.Store.RingCapacity = 1000
	}
	if cfg.Store.BucketDuration <= 0 {
		cfg.Store.BucketDuration = 10 * time.Second
	}
	if cfg.Store.BucketRetention <= 0 {
		cfg.Store.BucketRetention = time.Hour
	}
	if cfg.Store.SweepInterval <= 0 {
		cfg.Store.SweepInterval = time.Minute
	}
	if cfg.Poller.HistorySize <= 0 {
		cfg.Poller.HistorySize = 288
	}
	if cfg.Poller.CallTimeout <= 0 {
		cfg.Poller.CallTimeout = 10 * time.Second
	}
	if cfg.Poller.UsdTolerance <= 0 {
		cfg.Poller.UsdTolerance = 0.02
	}
	if cfg.Analyzer.BaselineLookback <= 0 {
		cfg.Analyzer.BaselineLookback = 7 * 24 * time.Hour
	}
	if cfg.Analyzer.WindowDuration <= 0 {
		cfg.Analyzer.WindowDuration = 15 * time.Minute
	}
	if cfg.Analyzer.TrimFraction <= 0 {
		cfg.Analyzer.TrimFraction = 0.1
	}
	if cfg.Engine.TickInterval <= 0 {
		cfg.Engine.TickInterval = time.Second
	}
	if cfg.Engine.Weights == (EngineWeights{}) {
		cfg.Engine.Weights = EngineWeights{
			Velocity:     0.25,
			Acceleration: 0.20,
			Volume:       0.20,
			Correlation:  0.15,
			Funding:      0.10,
			OIDelta:      0.10,
		}
	}
	if cfg.Engine.AccelBoost <= 0 {
		cfg.Engine.AccelBoost = 0.10
	}
	if cfg.Engine.AccelBoostCap <= 0 {
		cfg.Engine.AccelBoostCap = 0.15
	}
	if cfg.Thresholds.RecomputeInterval <= 0 {
		cfg.Thresholds.RecomputeInterval = 5 * time.Minute
	}
	if cfg.Thresholds.DefaultTier <= 0 {
		cfg.Thresholds.DefaultTier = 3
	}
	if cfg.Thresholds.MinCascadeCount <= 0 {
		cfg.Thresholds.MinCascadeCount = 5
	}
	if cfg.Thresholds.CascadeValuePct <= 0 {
		cfg.Thresholds.CascadeValuePct = 0.001
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		cfg.Dispatcher.QueueSize = 256
	}
	if cfg.Dispatcher.DedupWindow <= 0 {
		cfg.Dispatcher.DedupWindow = 5 * time.Minute
	}
	if cfg.Dispatcher.MaxPerHour <= 0 {
		cfg.Dispatcher.MaxPerHour = 30
	}
	if cfg.Dispatcher.MaxRetries <= 0 {
		cfg.Dispatcher.MaxRetries = 5
	}
	if cfg.Dispatcher.RetryBase <= 0 {
		cfg.Dispatcher.RetryBase = time.Second
	}
	if cfg.Dispatcher.RetryMax <= 0 {
		cfg.Dispatcher.RetryMax = time.Minute
	}
	if cfg.Dispatcher.DeliverTimeout <= 0 {
		cfg.Dispatcher.DeliverTimeout = 10 * time.Second
	}
	if cfg.Archive.BatchSize <= 0 {
		cfg.Archive.BatchSize = 500
	}
	if cfg.Archive.FlushInterval <= 0 {
		cfg.Archive.FlushInterval = time.Minute
	}
	if cfg.Archive.MaxQueue <= 0 {
		cfg.Archive.MaxQueue = 10000
	}
	if cfg.Processor.MaxWorkers <= 0 {
		cfg.Processor.MaxWorkers = 4
	}
	if cfg.Processor.DedupWindow <= 0 {
		cfg.Processor.DedupWindow = 2 * time.Minute
	}
	if cfg.Processor.DedupCapacity <= 0 {
		cfg.Processor.DedupCapacity = 8192
	}
	if cfg.Dashboard.History <= 0 {
		cfg.Dashboard.History = 200
	}
	if cfg.Source.Hyperliquid.VaultRefresh <= 0 {
		cfg.Source.Hyperliquid.VaultRefresh = 10 * time.Minute
	}
}

// EnabledLiquidationExchanges lists every exchange with an active liquidation
// stream, used to normalize the cross-exchange correlation factor.
func (c *Config) EnabledLiquidationExchanges() []string {
	out := make([]string, 0, 5)
	if c.Source.Binance.Liquidation.Enabled {
		out = append(out, "binance")
	}
	if c.Source.Bybit.Liquidation.Enabled {
		out = append(out, "bybit")
	}
	if c.Source.Okx.Liquidation.Enabled {
		out = append(out, "okx")
	}
	if c.Source.Kucoin.Liquidation.Enabled {
		out = append(out, "kucoin")
	}
	if c.Source.Hyperliquid.Liquidation.Enabled {
		out = append(out, "hyperliquid")
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Cascadeflow.Name == "" {
		return fmt.Errorf("cascadeflow.name is required")
	}
	if cfg.Cascadeflow.Version == "" {
		return fmt.Errorf("cascadeflow.version is required")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.OIBuffer <= 0 {
		return fmt.Errorf("channels.oi_buffer must be greater than 0")
	}
	if cfg.Channels.ArchiveBuffer <= 0 {
		return fmt.Errorf("channels.archive_buffer must be greater than 0")
	}

	if len(cfg.EnabledLiquidationExchanges()) == 0 {
		return fmt.Errorf("no liquidation sources enabled; at least one exchange is required")
	}

	w := cfg.Engine.Weights
	sum := w.Velocity + w.Acceleration + w.Volume + w.Correlation + w.Funding + w.OIDelta
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("engine.weights must sum to 1.0, got %.3f", sum)
	}
	if w.Velocity < 0 || w.Acceleration < 0 || w.Volume < 0 || w.Correlation < 0 || w.Funding < 0 || w.OIDelta < 0 {
		return fmt.Errorf("engine.weights must be non-negative")
	}

	for symbol, tier := range cfg.Thresholds.Tiers {
		if tier < 1 || tier > 3 {
			return fmt.Errorf("thresholds.tiers[%s] must be 1, 2 or 3", symbol)
		}
	}

	if cfg.Archive.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when the archive is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when the archive is enabled")
		}
	}

	return nil
}
