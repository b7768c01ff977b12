// Package config defines all configuration for the flash-pump detection and
// trading engine. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via PUMP_*
// environment variables, following the viper + mapstructure tags + env
// override convention used throughout this module, generalized to this
// domain's configuration surface.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Pool     PoolConfig     `mapstructure:"pool"`
	EventBus EventBusConfig `mapstructure:"event_bus"`
	Pump     PumpConfig     `mapstructure:"pump"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DryRun   bool           `mapstructure:"dry_run"`
	// Watchlist is the set of symbols subscribed to at startup.
	Watchlist []string `mapstructure:"watchlist"`
}

// ExchangeConfig holds the WebSocket and REST endpoints.
type ExchangeConfig struct {
	Name        string `mapstructure:"name"`
	WSURL       string `mapstructure:"ws_url"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
}

// PoolConfig tunes the WebSocket connection pool.
type PoolConfig struct {
	MaxConnections                 int           `mapstructure:"max_connections"`
	MaxSubsPerConnection           int           `mapstructure:"max_subscriptions_per_connection"`
	MaxReconnectAttempts           int           `mapstructure:"max_reconnect_attempts"`
	SubscribeRateLimitCapacity     float64       `mapstructure:"subscribe_rate_limit_capacity"`
	SubscribeRateLimitRefillPerS   float64       `mapstructure:"subscribe_rate_limit_refill_per_second"`
	SubscribeWaitTimeout           time.Duration `mapstructure:"subscribe_wait_timeout"`
	PongWarnThreshold              time.Duration `mapstructure:"pong_warn_threshold"`
	PongReconnectThreshold         time.Duration `mapstructure:"pong_reconnect_threshold"`
	PreCloseHealthCheckTimeout     time.Duration `mapstructure:"pre_close_health_check_timeout"`
	SnapshotRefreshInterval        time.Duration `mapstructure:"snapshot_refresh_interval"`
	ActivityThresholdHighVolume    time.Duration `mapstructure:"activity_threshold_high_volume"`
	ActivityThresholdMediumVolume  time.Duration `mapstructure:"activity_threshold_medium_volume"`
	ActivityThresholdLowVolume     time.Duration `mapstructure:"activity_threshold_low_volume"`
	HighVolumeSymbols              []string      `mapstructure:"high_volume_symbols"`
	MediumVolumeSymbols            []string      `mapstructure:"medium_volume_symbols"`
	TrackingExpiryInterval         time.Duration `mapstructure:"tracking_expiry_interval"`
	MaxReconnectCounters           int           `mapstructure:"max_reconnect_counters"`
	MaxLogRateEntries              int           `mapstructure:"max_log_rate_entries"`
	CircuitBreakerFailureThreshold int           `mapstructure:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeout          time.Duration `mapstructure:"circuit_breaker_timeout"`
	CircuitBreakerSuccessThreshold int           `mapstructure:"circuit_breaker_success_threshold"`
}

// EventBusConfig tunes the event bus.
type EventBusConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// PumpConfig tunes the pump detector.
type PumpConfig struct {
	RingBufferCapacity      int           `mapstructure:"ring_buffer_capacity"`
	BaselineWindow          time.Duration `mapstructure:"baseline_window"`
	VelocityWindow          time.Duration `mapstructure:"velocity_window"`
	MinPumpMagnitudePct     float64       `mapstructure:"min_pump_magnitude_pct"`
	VolumeSurgeMultiplier   float64       `mapstructure:"volume_surge_multiplier"`
	VelocityThreshold       float64       `mapstructure:"velocity_threshold"`
	MinVolume24h            float64       `mapstructure:"min_volume_24h"`
	PeakConfirmationWindow  time.Duration `mapstructure:"peak_confirmation_window"`
	MinConfidenceThreshold  float64       `mapstructure:"min_confidence_threshold"`
	MinRetracementPct       float64       `mapstructure:"min_retracement_pct"`
	EmergencyRetracementPct float64       `mapstructure:"emergency_retracement_pct"`
	EmergencyDeclineRatio   float64       `mapstructure:"emergency_decline_ratio"`
}

// RiskConfig sets the six risk limits plus margin thresholds.
type RiskConfig struct {
	MaxPositionSizePct        float64 `mapstructure:"max_position_size_pct"`
	MaxConcurrentPositions    int     `mapstructure:"max_concurrent_positions"`
	MaxSymbolConcentrationPct float64 `mapstructure:"max_symbol_concentration_pct"`
	DailyLossLimitPct         float64 `mapstructure:"daily_loss_limit_pct"`
	MaxDrawdownPct            float64 `mapstructure:"max_drawdown_pct"`
	MaxMarginUtilizationPct   float64 `mapstructure:"max_margin_utilization_pct"`
	MarginWarnRatio           float64 `mapstructure:"margin_warn_ratio"`
	MarginCriticalRatio       float64 `mapstructure:"margin_critical_ratio"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// fields use env vars: PUMP_API_KEY, PUMP_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PUMP")
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

	if key := os.Getenv("PUMP_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("PUMP_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if os.Getenv("PUMP_DRY_RUN") == "true" || os.Getenv("PUMP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented defaults so a minimal config file
// (just exchange endpoints) is enough to run.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max_connections", 5)
	v.SetDefault("pool.max_subscriptions_per_connection", 30)
	v.SetDefault("pool.max_reconnect_attempts", 10)
	v.SetDefault("pool.subscribe_rate_limit_capacity", 30)
	v.SetDefault("pool.subscribe_rate_limit_refill_per_second", 5)
	v.SetDefault("pool.subscribe_wait_timeout", "10s")
	v.SetDefault("pool.pong_warn_threshold", "60s")
	v.SetDefault("pool.pong_reconnect_threshold", "120s")
	v.SetDefault("pool.pre_close_health_check_timeout", "10s")
	v.SetDefault("pool.snapshot_refresh_interval", "300s")
	v.SetDefault("pool.activity_threshold_high_volume", "60s")
	v.SetDefault("pool.activity_threshold_medium_volume", "120s")
	v.SetDefault("pool.activity_threshold_low_volume", "300s")
	v.SetDefault("pool.tracking_expiry_interval", "10m")
	v.SetDefault("pool.max_reconnect_counters", 20)
	v.SetDefault("pool.max_log_rate_entries", 1000)
	v.SetDefault("pool.circuit_breaker_failure_threshold", 5)
	v.SetDefault("pool.circuit_breaker_timeout", "30s")
	v.SetDefault("pool.circuit_breaker_success_threshold", 3)

	v.SetDefault("event_bus.queue_capacity", 1024)

	v.SetDefault("pump.ring_buffer_capacity", 1000)
	v.SetDefault("pump.baseline_window", "10m")
	v.SetDefault("pump.velocity_window", "30s")
	v.SetDefault("pump.min_pump_magnitude_pct", 7.0)
	v.SetDefault("pump.volume_surge_multiplier", 3.5)
	v.SetDefault("pump.velocity_threshold", 0.5)
	v.SetDefault("pump.min_volume_24h", 100000.0)
	v.SetDefault("pump.peak_confirmation_window", "30s")
	v.SetDefault("pump.min_confidence_threshold", 60.0)
	v.SetDefault("pump.min_retracement_pct", 2.0)
	v.SetDefault("pump.emergency_retracement_pct", 5.0)
	v.SetDefault("pump.emergency_decline_ratio", 0.5)

	v.SetDefault("risk.max_position_size_pct", 10.0)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.max_symbol_concentration_pct", 30.0)
	v.SetDefault("risk.daily_loss_limit_pct", 5.0)
	v.SetDefault("risk.max_drawdown_pct", 15.0)
	v.SetDefault("risk.max_margin_utilization_pct", 80.0)
	v.SetDefault("risk.margin_warn_ratio", 0.7)
	v.SetDefault("risk.margin_critical_ratio", 0.9)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks required fields and value ranges before the orchestrator
// starts.
func (c *Config) Validate() error {
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be > 0")
	}
	if c.Pool.MaxSubsPerConnection <= 0 {
		return fmt.Errorf("pool.max_subscriptions_per_connection must be > 0")
	}
	if c.Pool.MaxReconnectAttempts < 0 {
		return fmt.Errorf("pool.max_reconnect_attempts must be >= 0")
	}
	if c.Pool.PongReconnectThreshold <= c.Pool.PongWarnThreshold {
		return fmt.Errorf("pool.pong_reconnect_threshold must exceed pool.pong_warn_threshold")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 100 {
		return fmt.Errorf("risk.max_position_size_pct must be in (0,100]")
	}
	return nil
}
