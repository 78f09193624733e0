// Package config loads and validates spider configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Redis    RedisConfig             `mapstructure:"redis"`
	Postgres PostgresConfig          `mapstructure:"postgres"`
	Data     DataConfig              `mapstructure:"data"`
	Master   MasterConfig            `mapstructure:"master"`
	Queue    QueueConfig             `mapstructure:"queue"`
	Pipeline PipelineConfig          `mapstructure:"pipeline"`
	Detector DetectorConfig          `mapstructure:"detector"`
	Pools    PoolsConfig             `mapstructure:"pools"`
	Sources  map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RedisConfig points at the shared coordination broker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig controls access to the row store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DataConfig sets the directory for file sinks.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// MasterConfig governs task seeding.
type MasterConfig struct {
	ReseedCron string `mapstructure:"reseed_cron"`
}

// QueueConfig governs visibility and retry behavior of the task queue.
type QueueConfig struct {
	VisibilityTimeoutS int `mapstructure:"visibility_timeout_s"`
	RequeueBaseDelayMs int `mapstructure:"requeue_base_delay_ms"`
	MaxAttempts        int `mapstructure:"max_attempts"`
}

// VisibilityTimeout returns the configured visibility timeout as a duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutS) * time.Second
}

// RequeueBaseDelay returns the base retry delay as a duration.
func (q QueueConfig) RequeueBaseDelay() time.Duration {
	return time.Duration(q.RequeueBaseDelayMs) * time.Millisecond
}

// PipelineConfig governs ingestion batching.
type PipelineConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// FlushInterval returns the batch flush interval as a duration.
func (p PipelineConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMs) * time.Millisecond
}

// DetectorConfig tunes the anti-block classifier.
type DetectorConfig struct {
	BlockStatuses []int    `mapstructure:"block_statuses"`
	Phrases       []string `mapstructure:"phrases"`
	MinBodyBytes  int      `mapstructure:"min_body_bytes"`
	MaxElapsedMs  int      `mapstructure:"max_elapsed_ms"`
}

// MaxElapsed returns the slow-response threshold as a duration.
func (d DetectorConfig) MaxElapsed() time.Duration {
	return time.Duration(d.MaxElapsedMs) * time.Millisecond
}

// PoolsConfig tunes the shared resource pools.
type PoolsConfig struct {
	EgressList   []string `mapstructure:"egress_list"`
	IdentityN    int      `mapstructure:"identity_n"`
	TokenN       int      `mapstructure:"token_n"`
	TokenTTLS    int      `mapstructure:"token_ttl_s"`
	CheckoutCap  int      `mapstructure:"checkout_cap"`
	FailStreak   int      `mapstructure:"fail_streak"`
	CooldownS    int      `mapstructure:"cooldown_s"`
	HealthFloor  float64  `mapstructure:"health_floor"`
	SuccessGain  float64  `mapstructure:"success_gain"`
	FailureDecay float64  `mapstructure:"failure_decay"`
}

// Cooldown returns the fail-streak cooldown as a duration.
func (p PoolsConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownS) * time.Second
}

// SourceConfig is one row of the per-source behavior table. Adding a source is
// a matter of adding a row here plus an extractor registration, never a code
// branch on the source name.
type SourceConfig struct {
	Keywords           []string `mapstructure:"keywords"`
	MaxPages           int      `mapstructure:"max_pages"`
	MaxComments        int      `mapstructure:"max_comments"`
	ConcurrencyCeiling int      `mapstructure:"worker_concurrency_ceiling"`
	ConcurrencyFloor   int      `mapstructure:"concurrency_floor"`
	BaseDelayMs        int      `mapstructure:"base_delay_ms"`
	MinDelayMs         int      `mapstructure:"min_delay_ms"`
	MaxDelayMs         int      `mapstructure:"max_delay_ms"`
	ErrorRateHigh      float64  `mapstructure:"error_rate_high"`
	ErrorRateLow       float64  `mapstructure:"error_rate_low"`
	WindowSize         int      `mapstructure:"window_size"`
	RecomputeEvery     int      `mapstructure:"recompute_every"`
	CalmStreak         int      `mapstructure:"calm_streak"`
	CooldownS          int      `mapstructure:"cooldown_s"`
	RenderJS           bool     `mapstructure:"render_js"`
	MobileUAOnly       bool     `mapstructure:"mobile_ua_only"`
	TimeoutS           int      `mapstructure:"timeout_s"`
}

// BaseDelay returns the starting inter-request delay as a duration.
func (s SourceConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelayMs) * time.Millisecond
}

// MinDelay returns the delay floor as a duration.
func (s SourceConfig) MinDelay() time.Duration {
	return time.Duration(s.MinDelayMs) * time.Millisecond
}

// MaxDelay returns the delay ceiling as a duration.
func (s SourceConfig) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// Timeout returns the per-request transport timeout as a duration.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutS) * time.Second
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ECOMSPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("data.dir", "data")
	v.SetDefault("queue.visibility_timeout_s", 120)
	v.SetDefault("queue.requeue_base_delay_ms", 2000)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.flush_interval_ms", 5000)
	v.SetDefault("detector.block_statuses", []int{403, 429, 503})
	v.SetDefault("detector.phrases", []string{
		"验证码", "访问过于频繁", "security check", "captcha", "滑动验证",
	})
	v.SetDefault("detector.min_body_bytes", 512)
	v.SetDefault("detector.max_elapsed_ms", 15000)
	v.SetDefault("pools.identity_n", 20)
	v.SetDefault("pools.token_n", 10)
	v.SetDefault("pools.token_ttl_s", 1800)
	v.SetDefault("pools.checkout_cap", 4)
	v.SetDefault("pools.fail_streak", 5)
	v.SetDefault("pools.cooldown_s", 300)
	v.SetDefault("pools.health_floor", 0.05)
	v.SetDefault("pools.success_gain", 0.1)
	v.SetDefault("pools.failure_decay", 0.3)
}

// applySourceDefaults fills unset per-source fields so downstream components
// never see a zero baseline.
func (c *Config) applySourceDefaults() {
	for name, sc := range c.Sources {
		if sc.MaxPages <= 0 {
			sc.MaxPages = 10
		}
		if sc.MaxComments <= 0 {
			sc.MaxComments = 5
		}
		if sc.ConcurrencyCeiling <= 0 {
			sc.ConcurrencyCeiling = 8
		}
		if sc.ConcurrencyFloor <= 0 {
			sc.ConcurrencyFloor = 1
		}
		if sc.BaseDelayMs <= 0 {
			sc.BaseDelayMs = 1000
		}
		if sc.MinDelayMs <= 0 {
			sc.MinDelayMs = 250
		}
		if sc.MaxDelayMs <= 0 {
			sc.MaxDelayMs = 30000
		}
		if sc.ErrorRateHigh <= 0 {
			sc.ErrorRateHigh = 0.5
		}
		if sc.ErrorRateLow <= 0 {
			sc.ErrorRateLow = 0.1
		}
		if sc.WindowSize <= 0 {
			sc.WindowSize = 50
		}
		if sc.RecomputeEvery <= 0 {
			sc.RecomputeEvery = 10
		}
		if sc.CalmStreak <= 0 {
			sc.CalmStreak = 3
		}
		if sc.CooldownS <= 0 {
			sc.CooldownS = 300
		}
		if sc.TimeoutS <= 0 {
			sc.TimeoutS = 15
		}
		c.Sources[name] = sc
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Queue.VisibilityTimeoutS <= 0 {
		return fmt.Errorf("queue.visibility_timeout_s must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pools.HealthFloor < 0 || c.Pools.HealthFloor >= 1 {
		return fmt.Errorf("pools.health_floor must be in [0, 1)")
	}
	for name, sc := range c.Sources {
		if sc.ConcurrencyFloor > sc.ConcurrencyCeiling {
			return fmt.Errorf("sources.%s: concurrency_floor exceeds ceiling", name)
		}
		if sc.ErrorRateLow >= sc.ErrorRateHigh {
			return fmt.Errorf("sources.%s: error_rate_low must be below error_rate_high", name)
		}
		if sc.MinDelayMs > sc.MaxDelayMs {
			return fmt.Errorf("sources.%s: min_delay_ms exceeds max_delay_ms", name)
		}
	}
	return nil
}
