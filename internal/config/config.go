package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config хранит все параметры приложения
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Payouts  PayoutsConfig  `mapstructure:"payouts"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	UseTLS   bool   `mapstructure:"use_tls"`
	Prefetch int    `mapstructure:"prefetch"`
}

type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	ReportTTL time.Duration `mapstructure:"report_ttl"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type LedgerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	RetrySpec   string        `mapstructure:"retry_spec"`
	RetryBatch  int           `mapstructure:"retry_batch"`
}

type PayoutsConfig struct {
	Currency            string                  `mapstructure:"currency"`
	DispatchTimeout     time.Duration           `mapstructure:"dispatch_timeout"`
	ReconcileAfter      time.Duration           `mapstructure:"reconcile_after"`
	MaxDispatchFailures int                     `mapstructure:"max_dispatch_failures"`
	BaseBackoff         time.Duration           `mapstructure:"base_backoff"`
	MaxBackoff          time.Duration           `mapstructure:"max_backoff"`
	Concurrency         int                     `mapstructure:"concurrency"`
	InstantSpec         string                  `mapstructure:"instant_spec"`
	DailySpec           string                  `mapstructure:"daily_spec"`
	WeeklySpec          string                  `mapstructure:"weekly_spec"`
	MonthlySpec         string                  `mapstructure:"monthly_spec"`
	ReconcileSpec       string                  `mapstructure:"reconcile_spec"`
	Defaults            map[string]PolicyConfig `mapstructure:"defaults"`
}

// PolicyConfig is the default payout policy for a recipient role.
type PolicyConfig struct {
	Frequency       string `mapstructure:"frequency"`
	MinimumPayout   string `mapstructure:"minimum_payout"`
	FlushOnSchedule bool   `mapstructure:"flush_on_schedule"`
}

// PricingConfig seeds the pricing store. Amounts are decimal strings.
type PricingConfig struct {
	Versions      []PricingVersionConfig `mapstructure:"versions"`
	PeakRules     []PeakRuleConfig       `mapstructure:"peak_rules"`
	Subscriptions []SubscriptionConfig   `mapstructure:"subscriptions"`
}

type PricingVersionConfig struct {
	Version               string `mapstructure:"version"`
	EffectiveFrom         string `mapstructure:"effective_from"`
	Currency              string `mapstructure:"currency"`
	CommissionRate        string `mapstructure:"commission_rate"`
	ServiceFeeRate        string `mapstructure:"service_fee_rate"`
	DeliveryFee           string `mapstructure:"delivery_fee"`
	SmallOrderThreshold   string `mapstructure:"small_order_threshold"`
	SmallOrderFee         string `mapstructure:"small_order_fee"`
	TaxRate               string `mapstructure:"tax_rate"`
	ProcessingRate        string `mapstructure:"processing_rate"`
	ProcessingFixed       string `mapstructure:"processing_fixed"`
	DriverBasePay         string `mapstructure:"driver_base_pay"`
	DriverPerMile         string `mapstructure:"driver_per_mile"`
	DriverPerMinute       string `mapstructure:"driver_per_minute"`
	ReservationPerCover   string `mapstructure:"reservation_per_cover"`
	ReservationMinimumFee string `mapstructure:"reservation_minimum_fee"`
	NoShowFee             string `mapstructure:"no_show_fee"`
	NoShowRestaurantShare string `mapstructure:"no_show_restaurant_share"`
}

type PeakRuleConfig struct {
	Name        string   `mapstructure:"name"`
	Multiplier  string   `mapstructure:"multiplier"`
	Active      bool     `mapstructure:"active"`
	StartMinute *int     `mapstructure:"start_minute"`
	EndMinute   *int     `mapstructure:"end_minute"`
	Weekdays    []string `mapstructure:"weekdays"`
	Weather     []string `mapstructure:"weather"`
	CenterLat   *float64 `mapstructure:"center_lat"`
	CenterLng   *float64 `mapstructure:"center_lng"`
	RadiusKm    float64  `mapstructure:"radius_km"`
	MinDemand   string   `mapstructure:"min_demand"`
	ValidFrom   string   `mapstructure:"valid_from"`
	ValidUntil  string   `mapstructure:"valid_until"`
}

type SubscriptionConfig struct {
	RestaurantID  string `mapstructure:"restaurant_id"`
	Plan          string `mapstructure:"plan"`
	CommissionOff string `mapstructure:"commission_off"`
	ValidFrom     string `mapstructure:"valid_from"`
	ValidUntil    string `mapstructure:"valid_until"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("Couldnt open the file for the configuration: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.prefetch", 10)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("redis.report_ttl", "10m")
	v.SetDefault("http.port", 3004)
	v.SetDefault("log.level", "info")
	v.SetDefault("ledger.max_attempts", 5)
	v.SetDefault("ledger.base_backoff", "30s")
	v.SetDefault("ledger.max_backoff", "1h")
	v.SetDefault("ledger.stale_after", "2m")
	v.SetDefault("ledger.retry_spec", "0 */5 * * * *")
	v.SetDefault("ledger.retry_batch", 100)
	v.SetDefault("payouts.currency", "USD")
	v.SetDefault("payouts.dispatch_timeout", "10s")
	v.SetDefault("payouts.reconcile_after", "10m")
	v.SetDefault("payouts.max_dispatch_failures", 5)
	v.SetDefault("payouts.base_backoff", "1m")
	v.SetDefault("payouts.max_backoff", "6h")
	v.SetDefault("payouts.concurrency", 8)
	v.SetDefault("payouts.instant_spec", "@every 1m")
	v.SetDefault("payouts.daily_spec", "0 0 2 * * *")
	v.SetDefault("payouts.weekly_spec", "0 0 3 * * MON")
	v.SetDefault("payouts.monthly_spec", "0 0 4 1 * *")
	v.SetDefault("payouts.reconcile_spec", "0 */10 * * * *")
	v.SetDefault("payouts.defaults", map[string]any{
		"driver":     map[string]any{"frequency": "daily", "minimum_payout": "50.00"},
		"restaurant": map[string]any{"frequency": "weekly", "minimum_payout": "100.00", "flush_on_schedule": true},
		"platform":   map[string]any{"frequency": "monthly", "minimum_payout": "0", "flush_on_schedule": true},
	})
}

func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.User == "" || c.Database.Database == "" {
		return fmt.Errorf("database config incomplete")
	}
	if c.RabbitMQ.Host == "" || c.RabbitMQ.User == "" {
		return fmt.Errorf("rabbitmq config incomplete")
	}
	if c.Ledger.MaxAttempts <= 0 {
		return fmt.Errorf("ledger.max_attempts must be positive")
	}
	if c.Payouts.MaxDispatchFailures <= 0 {
		return fmt.Errorf("payouts.max_dispatch_failures must be positive")
	}
	if c.Payouts.DispatchTimeout <= 0 {
		return fmt.Errorf("payouts.dispatch_timeout must be positive")
	}
	return nil
}
