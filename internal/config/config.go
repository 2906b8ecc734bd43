// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Mining       MiningConfig       `mapstructure:"mining"`
	Products     []ProductConfig    `mapstructure:"products" validate:"dive"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Referral     ReferralConfig     `mapstructure:"referral"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// CacheConfig holds the optional profile cache configuration.
// A Redis address selects Redis, a positive LocalSize selects an in-process
// LRU, and neither selects the no-op cache.
type CacheConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
	LocalSize int           `mapstructure:"local_size" validate:"gte=0"`
}

// RedisEnabled reports whether a Redis address was configured.
func (c CacheConfig) RedisEnabled() bool {
	return c.Addr != ""
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// HTTPConfig holds the webhook and operational endpoint configuration.
// An empty address disables the HTTP server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// KindConfig holds the rate and duration rules for one free contract kind.
// Rates are decimal strings so no precision is lost to float parsing.
type KindConfig struct {
	BaseRate string        `mapstructure:"base_rate" validate:"required"`
	Duration time.Duration `mapstructure:"duration" validate:"gt=0"`
}

// LevelConfig maps a progression level to its multiplier.
type LevelConfig struct {
	Level      int    `mapstructure:"level" validate:"gt=0"`
	Multiplier string `mapstructure:"multiplier" validate:"required"`
}

// MiningConfig holds rate composition and contract rules.
type MiningConfig struct {
	Ad                       KindConfig        `mapstructure:"ad"`
	CheckIn                  KindConfig        `mapstructure:"check_in"`
	Invite                   KindConfig        `mapstructure:"invite"`
	RefereeBind              KindConfig        `mapstructure:"referee_bind"`
	DailyBonusMultiplier     string            `mapstructure:"daily_bonus_multiplier" validate:"required"`
	DailyBonusWindow         time.Duration     `mapstructure:"daily_bonus_window" validate:"gt=0"`
	Levels                   []LevelConfig     `mapstructure:"levels" validate:"required,dive"`
	Countries                map[string]string `mapstructure:"countries"`
	DefaultCountryMultiplier string            `mapstructure:"default_country_multiplier" validate:"required"`
	LockTimeout              time.Duration     `mapstructure:"lock_timeout" validate:"gt=0"`
}

// ProductConfig describes one store product that grants a paid contract.
type ProductConfig struct {
	ID       string        `mapstructure:"id" validate:"required"`
	Type     string        `mapstructure:"type" validate:"oneof=one_time subscription"`
	BaseRate string        `mapstructure:"base_rate" validate:"required"`
	Duration time.Duration `mapstructure:"duration" validate:"gt=0"` // billing period for subscriptions
}

// Product types.
const (
	ProductOneTime      = "one_time"
	ProductSubscription = "subscription"
)

// SchedulerConfig holds accrual tick configuration.
type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gt=0"`
	Workers        int           `mapstructure:"workers" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
}

// SubscriptionConfig holds subscription lifecycle configuration.
type SubscriptionConfig struct {
	GracePeriodDays      int           `mapstructure:"grace_period_days" validate:"gt=0"`
	AccountHoldDays      int           `mapstructure:"account_hold_days" validate:"gt=0"`
	SweepSchedule        string        `mapstructure:"sweep_schedule" validate:"required"`
	ReconcileSchedule    string        `mapstructure:"reconcile_schedule" validate:"required"`
	BillingPeriod        time.Duration `mapstructure:"billing_period" validate:"gt=0"`
	ReconcileBatch       int           `mapstructure:"reconcile_batch" validate:"gt=0"`
	ReconcileMaxAttempts int           `mapstructure:"reconcile_max_attempts" validate:"gt=0"`
	ReconcileBackoff     time.Duration `mapstructure:"reconcile_backoff" validate:"gt=0"`
	ReconcileMaxBackoff  time.Duration `mapstructure:"reconcile_max_backoff" validate:"gtefield=ReconcileBackoff"`
}

// GracePeriod returns the grace window as a duration.
func (s SubscriptionConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodDays) * 24 * time.Hour
}

// AccountHold returns the account hold window as a duration.
func (s SubscriptionConfig) AccountHold() time.Duration {
	return time.Duration(s.AccountHoldDays) * 24 * time.Hour
}

// ReferralConfig holds referral graph configuration.
type ReferralConfig struct {
	MaxDepth int `mapstructure:"max_depth" validate:"gt=0"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, SCHEDULER_TICK_INTERVAL, CACHE_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate rejects configurations the engine cannot run with.
// Multiplier and rate strings are parsed later by the rate table.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Products))
	for _, p := range c.Products {
		if seen[p.ID] {
			return fmt.Errorf("invalid config: duplicate product id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Defaults returns the built-in configuration without reading any file
// or environment. Useful for tests and local tooling.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of the defaults only fails on programmer error.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return &cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "miner")
	v.SetDefault("database.name", "miner")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.prefix", "miner:")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.local_size", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("http.addr", "")

	// Mining defaults
	const baseRate = "0.000000000000139"
	v.SetDefault("mining.ad.base_rate", baseRate)
	v.SetDefault("mining.ad.duration", "2h")
	v.SetDefault("mining.check_in.base_rate", baseRate)
	v.SetDefault("mining.check_in.duration", "24h")
	v.SetDefault("mining.invite.base_rate", baseRate)
	v.SetDefault("mining.invite.duration", "24h")
	v.SetDefault("mining.referee_bind.base_rate", baseRate)
	v.SetDefault("mining.referee_bind.duration", "2h")
	v.SetDefault("mining.daily_bonus_multiplier", "1.36")
	v.SetDefault("mining.daily_bonus_window", "24h")
	v.SetDefault("mining.levels", []map[string]any{
		{"level": 1, "multiplier": "1.00"},
		{"level": 2, "multiplier": "1.10"},
		{"level": 3, "multiplier": "1.20"},
		{"level": 4, "multiplier": "1.35"},
		{"level": 5, "multiplier": "1.50"},
	})
	v.SetDefault("mining.countries", map[string]string{})
	v.SetDefault("mining.default_country_multiplier", "1.00")
	v.SetDefault("mining.lock_timeout", "5s")

	v.SetDefault("products", []map[string]any{})

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.initial_backoff", "100ms")
	v.SetDefault("scheduler.max_backoff", "2s")
	v.SetDefault("scheduler.batch_timeout", "10s")

	// Subscription defaults
	v.SetDefault("subscription.grace_period_days", 7)
	v.SetDefault("subscription.account_hold_days", 23)
	v.SetDefault("subscription.sweep_schedule", "@every 1h")
	v.SetDefault("subscription.reconcile_schedule", "@every 5m")
	v.SetDefault("subscription.billing_period", "720h")
	v.SetDefault("subscription.reconcile_batch", 100)
	v.SetDefault("subscription.reconcile_max_attempts", 20)
	v.SetDefault("subscription.reconcile_backoff", "1m")
	v.SetDefault("subscription.reconcile_max_backoff", "1h")

	v.SetDefault("referral.max_depth", 64)
}
