// Package config defines all configuration for the trading engine. Config is
// loaded from a YAML file (default: configs/config.yaml) with sensitive
// fields overridable via BINGX_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds BingX API credentials and mode selection.
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Demo      bool   `mapstructure:"demo"` // VST paper-trading environment
	WindowCap int    `mapstructure:"window_cap"`
	WindowMs  int    `mapstructure:"window_ms"`
}

// TradingConfig is the hot-updatable trading parameter surface.
type TradingConfig struct {
	MaxConcurrentTrades  int     `mapstructure:"max_concurrent_trades" json:"maxConcurrentTrades"`
	DefaultPositionSize  float64 `mapstructure:"default_position_size" json:"defaultPositionSize"`
	StopLossPct          float64 `mapstructure:"stop_loss_pct" json:"stopLossPct"`
	TakeProfitPct        float64 `mapstructure:"take_profit_pct" json:"takeProfitPct"`
	TrailingStopPct      float64 `mapstructure:"trailing_stop_pct" json:"trailingStopPct"`
	MinVolumeUSDT        float64 `mapstructure:"min_volume_usdt" json:"minVolumeUSDT"`
	RSIOversold          float64 `mapstructure:"rsi_oversold" json:"rsiOversold"`
	RSIOverbought        float64 `mapstructure:"rsi_overbought" json:"rsiOverbought"`
	VolumeSpikeThreshold float64 `mapstructure:"volume_spike_threshold" json:"volumeSpikeThreshold"`
	MinSignalStrength    float64 `mapstructure:"min_signal_strength" json:"minSignalStrength"`
	ConfirmationRequired bool    `mapstructure:"confirmation_required" json:"confirmationRequired"`
	MA1Period            int     `mapstructure:"ma1_period" json:"ma1Period"`
	MA2Period            int     `mapstructure:"ma2_period" json:"ma2Period"`
	RSIPeriod            int     `mapstructure:"rsi_period" json:"rsiPeriod"`
	RiskRewardRatio      float64 `mapstructure:"risk_reward_ratio" json:"riskRewardRatio"`
	MaxDrawdownPct       float64 `mapstructure:"max_drawdown_pct" json:"maxDrawdownPct"`
	MaxDailyLossUSDT     float64 `mapstructure:"max_daily_loss_usdt" json:"maxDailyLossUSDT"`
	MaxPositionSizePct   float64 `mapstructure:"max_position_size_pct" json:"maxPositionSizePct"`
	ScanIntervalMs       int64   `mapstructure:"scan_interval_ms" json:"scanIntervalMs"`
	KlineInterval        string  `mapstructure:"kline_interval" json:"klineInterval"`

	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool" json:"workerPool"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
}

// WorkerPoolConfig tunes the signal worker pool.
type WorkerPoolConfig struct {
	MaxWorkers     int   `mapstructure:"max_workers" json:"maxWorkers"`
	EnableParallel bool  `mapstructure:"enable_parallel" json:"enableParallel"`
	TaskTimeoutMs  int64 `mapstructure:"task_timeout_ms" json:"taskTimeoutMs"`
	RetryAttempts  int   `mapstructure:"retry_attempts" json:"retryAttempts"`
	BatchSize      int   `mapstructure:"batch_size" json:"batchSize"`
}

// CacheConfig tunes the market-data cache.
type CacheConfig struct {
	TickerTTLMs          int64   `mapstructure:"ticker_ttl_ms" json:"tickerTTL"`
	KlineTTLMs           int64   `mapstructure:"kline_ttl_ms" json:"klineTTL"`
	MaxCacheSize         int     `mapstructure:"max_cache_size" json:"maxCacheSize"`
	PriceChangeThreshold float64 `mapstructure:"price_change_threshold" json:"priceChangeThreshold"`
}

// DatabaseConfig holds the postgres trade store settings.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// RedisConfig holds the settings-store connection.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig selects output level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads the YAML file at path (optional) and applies BINGX_* env
// overrides over built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BINGX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if errs, _ := cfg.Trading.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid trading config: %s", strings.Join(errs, "; "))
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.demo", true)
	v.SetDefault("exchange.window_cap", 100)
	v.SetDefault("exchange.window_ms", 10_000)

	v.SetDefault("trading.max_concurrent_trades", 3)
	v.SetDefault("trading.default_position_size", 100.0)
	v.SetDefault("trading.stop_loss_pct", 2.0)
	v.SetDefault("trading.take_profit_pct", 4.0)
	v.SetDefault("trading.trailing_stop_pct", 1.0)
	v.SetDefault("trading.min_volume_usdt", 100_000.0)
	v.SetDefault("trading.rsi_oversold", 30.0)
	v.SetDefault("trading.rsi_overbought", 70.0)
	v.SetDefault("trading.volume_spike_threshold", 2.0)
	v.SetDefault("trading.min_signal_strength", 65.0)
	v.SetDefault("trading.confirmation_required", true)
	v.SetDefault("trading.ma1_period", 9)
	v.SetDefault("trading.ma2_period", 21)
	v.SetDefault("trading.rsi_period", 14)
	v.SetDefault("trading.risk_reward_ratio", 2.0)
	v.SetDefault("trading.max_drawdown_pct", 10.0)
	v.SetDefault("trading.max_daily_loss_usdt", 100.0)
	v.SetDefault("trading.max_position_size_pct", 20.0)
	v.SetDefault("trading.scan_interval_ms", 300_000)
	v.SetDefault("trading.kline_interval", "5m")

	v.SetDefault("trading.worker_pool.max_workers", 3)
	v.SetDefault("trading.worker_pool.enable_parallel", true)
	v.SetDefault("trading.worker_pool.task_timeout_ms", 10_000)
	v.SetDefault("trading.worker_pool.retry_attempts", 2)
	v.SetDefault("trading.worker_pool.batch_size", 3)

	v.SetDefault("trading.cache.ticker_ttl_ms", 5_000)
	v.SetDefault("trading.cache.kline_ttl_ms", 30_000)
	v.SetDefault("trading.cache.max_cache_size", 500)
	v.SetDefault("trading.cache.price_change_threshold", 0.1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate checks the trading parameter ranges. The returned errors reject
// the config; warnings are advisory only.
func (c *TradingConfig) Validate() (errs []string, warnings []string) {
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	check(c.MaxConcurrentTrades >= 1 && c.MaxConcurrentTrades <= 10,
		"maxConcurrentTrades must be in 1..10")
	check(c.DefaultPositionSize > 0, "defaultPositionSize must be positive")
	check(c.StopLossPct >= 0.5 && c.StopLossPct <= 10, "stopLossPct must be in 0.5..10")
	check(c.TakeProfitPct >= 0.5 && c.TakeProfitPct <= 20, "takeProfitPct must be in 0.5..20")
	check(c.TrailingStopPct >= 0.1 && c.TrailingStopPct <= 5, "trailingStopPct must be in 0.1..5")
	check(c.RSIOversold >= 10 && c.RSIOversold <= 40, "rsiOversold must be in 10..40")
	check(c.RSIOverbought >= 60 && c.RSIOverbought <= 90, "rsiOverbought must be in 60..90")
	check(c.VolumeSpikeThreshold >= 1 && c.VolumeSpikeThreshold <= 5,
		"volumeSpikeThreshold must be in 1..5")
	check(c.MinSignalStrength >= 30 && c.MinSignalStrength <= 90,
		"minSignalStrength must be in 30..90")
	check(c.MA1Period >= 5 && c.MA1Period <= 20, "ma1Period must be in 5..20")
	check(c.MA2Period >= 10 && c.MA2Period <= 50, "ma2Period must be in 10..50")
	check(c.MA2Period > c.MA1Period, "ma2Period must be greater than ma1Period")
	check(c.RiskRewardRatio >= 1.0 && c.RiskRewardRatio <= 5.0,
		"riskRewardRatio must be in 1.0..5.0")
	check(c.MaxDrawdownPct >= 5 && c.MaxDrawdownPct <= 25, "maxDrawdownPct must be in 5..25")
	check(c.MaxPositionSizePct >= 5 && c.MaxPositionSizePct <= 50,
		"maxPositionSizePct must be in 5..50")

	if c.StopLossPct > 0 && c.TakeProfitPct/c.StopLossPct < c.RiskRewardRatio {
		warnings = append(warnings,
			"takeProfitPct/stopLossPct below riskRewardRatio: trades may be vetoed by the risk gate")
	}
	return errs, warnings
}

// ScanInterval returns the scan cycle period.
func (c *TradingConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMs) * time.Millisecond
}

// TaskTimeout returns the per-task timeout for the worker pool.
func (w *WorkerPoolConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutMs) * time.Millisecond
}

// TickerTTL returns the ticker cache validity window.
func (c *CacheConfig) TickerTTL() time.Duration {
	return time.Duration(c.TickerTTLMs) * time.Millisecond
}

// KlineTTL returns the kline cache validity window.
func (c *CacheConfig) KlineTTL() time.Duration {
	return time.Duration(c.KlineTTLMs) * time.Millisecond
}
