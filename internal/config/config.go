// Package config loads the billing engine's settings from the environment
// (and an optional .env file) with Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds every setting of the billing engine.
type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	AMQPURL     string `mapstructure:"AMQP_URL"`

	CacheTTLSeconds         int    `mapstructure:"CACHE_TTL_SECONDS"`
	MeteringIntervalSeconds int    `mapstructure:"METERING_INTERVAL_SECONDS"`
	RingTimeoutSeconds      int    `mapstructure:"RING_TIMEOUT_SECONDS"`
	ReconcileSchedule       string `mapstructure:"RECONCILE_SCHEDULE"`

	DefaultCommissionPct int    `mapstructure:"DEFAULT_COMMISSION_PCT"`
	HoldPeriodDays       int    `mapstructure:"HOLD_PERIOD_DAYS"`
	AnticipationFeePct   string `mapstructure:"ANTICIPATION_FEE_PCT"`
	MinWithdrawalCents   int64  `mapstructure:"MIN_WITHDRAWAL_CENTS"`
	MaxWithdrawalCents   int64  `mapstructure:"MAX_WITHDRAWAL_CENTS"`
	DailyWithdrawalLimit int    `mapstructure:"DAILY_WITHDRAWAL_LIMIT"`
	BusinessTimezone     string `mapstructure:"BUSINESS_TIMEZONE"`
	PlatformAccountID    string `mapstructure:"PLATFORM_ACCOUNT_ID"`

	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	PayoutsExchange string `mapstructure:"PAYOUTS_EXCHANGE"`
}

var defaults = map[string]any{
	"PORT":                      "8080",
	"CACHE_TTL_SECONDS":         30,
	"METERING_INTERVAL_SECONDS": 60,
	"RING_TIMEOUT_SECONDS":      60,
	"RECONCILE_SCHEDULE":        "@every 1m",
	"DEFAULT_COMMISSION_PCT":    70,
	"HOLD_PERIOD_DAYS":          30,
	"ANTICIPATION_FEE_PCT":      "5",
	"MIN_WITHDRAWAL_CENTS":      10000,
	"MAX_WITHDRAWAL_CENTS":      1000000,
	"DAILY_WITHDRAWAL_LIMIT":    3,
	"BUSINESS_TIMEZONE":         "America/Sao_Paulo",
	"PLATFORM_ACCOUNT_ID":       "platform",
	"EVENTS_EXCHANGE":           "billing.events",
	"PAYOUTS_EXCHANGE":          "payouts",
}

var boundKeys = []string{"DATABASE_URL", "REDIS_URL", "AMQP_URL"}

// LoadConfig reads configuration from the environment and an optional .env
// file in path. Environment variables win over the file.
func LoadConfig(path string) (cfg Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}
	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("config file unreadable, using environment", "err", err)
		}
	}

	if err = viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.MeteringIntervalSeconds <= 0 {
		return errors.New("config: METERING_INTERVAL_SECONDS must be positive")
	}
	if c.MinWithdrawalCents > c.MaxWithdrawalCents {
		return errors.New("config: MIN_WITHDRAWAL_CENTS exceeds MAX_WITHDRAWAL_CENTS")
	}
	if c.DefaultCommissionPct < 60 || c.DefaultCommissionPct > 85 {
		return errors.New("config: DEFAULT_COMMISSION_PCT must be within [60, 85]")
	}
	if fee, err := c.AnticipationFee(); err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("config: ANTICIPATION_FEE_PCT must be a percentage in [0, 100)")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: BUSINESS_TIMEZONE: %w", err)
	}
	return nil
}

// MeteringInterval is the tick period of a call meter.
func (c Config) MeteringInterval() time.Duration {
	return time.Duration(c.MeteringIntervalSeconds) * time.Second
}

// RingTimeout is how long a requested call may ring before it times out.
func (c Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

// CacheTTL is the Redis entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// HoldPeriod is how long an earning must age before a fee-free withdrawal.
func (c Config) HoldPeriod() time.Duration {
	return time.Duration(c.HoldPeriodDays) * 24 * time.Hour
}

// Location is the timezone business days are counted in.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.BusinessTimezone)
}

// AnticipationFee is the anticipated-withdrawal fee as a fraction (5 → 0.05).
func (c Config) AnticipationFee() (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(c.AnticipationFeePct))
	if err != nil {
		return decimal.Zero, err
	}
	return pct.Div(decimal.NewFromInt(100)), nil
}
