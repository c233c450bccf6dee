// Package config defines all configuration for the scalping engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SCALPER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Watchlist []string        `mapstructure:"watchlist"`
	Market    MarketConfig    `mapstructure:"market"`
	Filters   FilterConfig    `mapstructure:"filters"`
	Orders    OrderConfig     `mapstructure:"orders"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Control   ControlConfig   `mapstructure:"control"`
}

// ExchangeConfig holds API endpoints and credentials for the futures exchange.
type ExchangeConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSPublicURL string `mapstructure:"ws_public_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// MarketConfig controls candle timeframes and the market-data store bounds.
type MarketConfig struct {
	LTF              string        `mapstructure:"ltf"`               // lower timeframe, e.g. "5m"
	HTF              string        `mapstructure:"htf"`               // higher timeframe, e.g. "15m"
	CandleHistory    int           `mapstructure:"candle_history"`    // ring size per (symbol, tf)
	CandleTTL        time.Duration `mapstructure:"candle_ttl"`        // candle list expiry
	AuxTTL           time.Duration `mapstructure:"aux_ttl"`           // funding/OI/spread expiry
	WarmupCandles    int           `mapstructure:"warmup_candles"`    // REST backfill per symbol on start
	OIRequestDelayMs int           `mapstructure:"oi_request_delay_ms"`
}

// FilterConfig tunes the three-stage signal cascade.
//
// F1 (macro): spread ceiling and funding regime thresholds.
// F2 (trend): higher-timeframe swing structure over TrendBars candles.
// F3 (momentum): body/volume regime over MomentumBars candles plus a CVD
// agreement check over CVDBars candles.
type FilterConfig struct {
	MaxSpreadPct       float64 `mapstructure:"max_spread_pct"`
	FundingMaxForLong  float64 `mapstructure:"funding_max_for_long"`
	FundingMinForShort float64 `mapstructure:"funding_min_for_short"`
	FundingExtremeHigh float64 `mapstructure:"funding_extreme_high"`
	FundingExtremeLow  float64 `mapstructure:"funding_extreme_low"`
	TrendBars          int     `mapstructure:"trend_bars"`
	MomentumBars       int     `mapstructure:"momentum_bars"`
	BodyExhausted      float64 `mapstructure:"body_exhausted"`
	BodyMomentum       float64 `mapstructure:"body_momentum"`
	BodyMomentumCap    float64 `mapstructure:"body_momentum_cap"` // MOMENTUM accepted only below this ratio
	VolumeDecrease     float64 `mapstructure:"volume_decrease"`
	MinCVDRatio        float64 `mapstructure:"min_cvd_ratio"`
	CVDBars            int     `mapstructure:"cvd_bars"`
}

// OrderConfig tunes entry pricing and TP/SL geometry, all in ATR multiples.
type OrderConfig struct {
	ATRPeriod       int           `mapstructure:"atr_period"`
	EntryOffsetATR  float64       `mapstructure:"entry_offset_atr"`
	TP1ATR          float64       `mapstructure:"tp1_atr"`
	TP2ATR          float64       `mapstructure:"tp2_atr"`
	SLATR           float64       `mapstructure:"sl_atr"`
	MinATRPct       float64       `mapstructure:"min_atr_pct"`
	MinTPSLPct      float64       `mapstructure:"min_tp_sl_pct"`
	FeePct          float64       `mapstructure:"fee_pct"`
	SlippagePct     float64       `mapstructure:"slippage_pct"`
	UnfillTimeout   time.Duration `mapstructure:"unfill_timeout"`
	FixedMarginUSDT float64       `mapstructure:"fixed_margin_usdt"`
	Leverage        int           `mapstructure:"leverage"`
}

// LifecycleConfig tunes the time-based position exits.
type LifecycleConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	TPReduceTime     time.Duration `mapstructure:"tp_reduce_time"`
	TPReduceRatio    float64       `mapstructure:"tp_reduce_ratio"`
	BreakevenTime    time.Duration `mapstructure:"breakeven_time"`
	BreakevenMinPnl  float64       `mapstructure:"breakeven_min_pnl"`
	MaxHoldTime      time.Duration `mapstructure:"max_hold_time"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	RebuildCooldown  time.Duration `mapstructure:"rebuild_cooldown"`
	SignalTTL        time.Duration `mapstructure:"signal_ttl"`
}

// RiskConfig sets the entry-gating limits enforced by the risk gate.
type RiskConfig struct {
	MaxPositions         int           `mapstructure:"max_positions"`
	MaxSameDirection     int           `mapstructure:"max_same_direction"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"` // fraction, e.g. 0.05
	ConsecutiveLossLimit int           `mapstructure:"consecutive_loss_limit"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

// StoreConfig sets persistence backends: sqlite for audit rows, optional
// redis write-through for the market-data cache.
type StoreConfig struct {
	AuditPath     string `mapstructure:"audit_path"` // sqlite file, e.g. data/audit.db
	RedisAddr     string `mapstructure:"redis_addr"` // empty = in-memory only
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ControlConfig controls the HTTP control plane (start/stop/status + event WS).
type ControlConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SCALPER_API_KEY, SCALPER_API_SECRET,
// SCALPER_PASSPHRASE, SCALPER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCALPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SCALPER_API_KEY"); key != "" {
		cfg.Exchange.ApiKey = key
	}
	if secret := os.Getenv("SCALPER_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("SCALPER_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if os.Getenv("SCALPER_DRY_RUN") == "true" || os.Getenv("SCALPER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented default for every tunable so a minimal
// YAML file (endpoints + watchlist) produces a working engine.
func setDefaults(v *viper.Viper) {
	v.SetDefault("market.ltf", "5m")
	v.SetDefault("market.htf", "15m")
	v.SetDefault("market.candle_history", 50)
	v.SetDefault("market.candle_ttl", "6h")
	v.SetDefault("market.aux_ttl", "120s")
	v.SetDefault("market.warmup_candles", 50)
	v.SetDefault("market.oi_request_delay_ms", 200)

	v.SetDefault("filters.max_spread_pct", 0.0005)
	v.SetDefault("filters.funding_max_for_long", 0.0003)
	v.SetDefault("filters.funding_min_for_short", -0.0003)
	v.SetDefault("filters.funding_extreme_high", 0.001)
	v.SetDefault("filters.funding_extreme_low", -0.001)
	v.SetDefault("filters.trend_bars", 4)
	v.SetDefault("filters.momentum_bars", 5)
	v.SetDefault("filters.body_exhausted", 0.5)
	v.SetDefault("filters.body_momentum", 1.2)
	v.SetDefault("filters.body_momentum_cap", 1.5)
	v.SetDefault("filters.volume_decrease", 0.7)
	v.SetDefault("filters.min_cvd_ratio", 0.15)
	v.SetDefault("filters.cvd_bars", 3)

	v.SetDefault("orders.atr_period", 14)
	v.SetDefault("orders.entry_offset_atr", 0.15)
	v.SetDefault("orders.tp1_atr", 1.0)
	v.SetDefault("orders.tp2_atr", 2.0)
	v.SetDefault("orders.sl_atr", 1.2)
	v.SetDefault("orders.min_atr_pct", 0.0015)
	v.SetDefault("orders.min_tp_sl_pct", 0.002)
	v.SetDefault("orders.fee_pct", 0.0004)
	v.SetDefault("orders.slippage_pct", 0.0002)
	v.SetDefault("orders.unfill_timeout", "60s")
	v.SetDefault("orders.fixed_margin_usdt", 50.0)
	v.SetDefault("orders.leverage", 5)

	v.SetDefault("lifecycle.tick_interval", "10s")
	v.SetDefault("lifecycle.tp_reduce_time", "15m")
	v.SetDefault("lifecycle.tp_reduce_ratio", 0.5)
	v.SetDefault("lifecycle.breakeven_time", "30m")
	v.SetDefault("lifecycle.breakeven_min_pnl", 0.001)
	v.SetDefault("lifecycle.max_hold_time", "1h")
	v.SetDefault("lifecycle.watchdog_interval", "15s")
	v.SetDefault("lifecycle.rebuild_cooldown", "15s")
	v.SetDefault("lifecycle.signal_ttl", "60s")

	v.SetDefault("risk.max_positions", 3)
	v.SetDefault("risk.max_same_direction", 2)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.consecutive_loss_limit", 3)
	v.SetDefault("risk.cooldown", "30m")

	v.SetDefault("store.audit_path", "data/audit.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.port", 8085)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.WSPublicURL == "" {
		return fmt.Errorf("exchange.ws_public_url is required")
	}
	if !c.DryRun && c.Exchange.ApiKey == "" {
		return fmt.Errorf("exchange.api_key is required (set SCALPER_API_KEY) unless dry_run is on")
	}
	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must not be empty")
	}
	if c.Orders.FixedMarginUSDT <= 0 {
		return fmt.Errorf("orders.fixed_margin_usdt must be > 0")
	}
	if c.Orders.Leverage <= 0 {
		return fmt.Errorf("orders.leverage must be > 0")
	}
	if c.Orders.TP1ATR <= 0 || c.Orders.TP2ATR < c.Orders.TP1ATR {
		return fmt.Errorf("orders.tp2_atr must be >= orders.tp1_atr > 0")
	}
	if c.Orders.SLATR <= 0 {
		return fmt.Errorf("orders.sl_atr must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.MaxSameDirection <= 0 {
		return fmt.Errorf("risk.max_same_direction must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		return fmt.Errorf("risk.max_daily_loss must be a fraction in (0, 1)")
	}
	if c.Filters.TrendBars < 3 {
		return fmt.Errorf("filters.trend_bars must be >= 3")
	}
	if c.Filters.MomentumBars < 3 {
		return fmt.Errorf("filters.momentum_bars must be >= 3")
	}
	return nil
}
