// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; required for server, migrate, and seed.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis address for the shared rate-limiter store (e.g. localhost:6379).
	// Empty means the per-process in-memory limiter is used.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis AUTH password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	// AuditKafkaBrokers is a comma-separated list of Kafka broker addresses for the
	// audit event stream (e.g. "localhost:9092"). Empty disables the stream producer;
	// audit rows are still written to Postgres.
	AuditKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for audit events (default crm-audit).
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// JWTPublicKey is the PEM-encoded public key (or path to file) used to verify
	// dashboard bearer tokens on the bulk import endpoint.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the expected iss claim on dashboard tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	// AddressRateLimit is the max ingestion requests per source address per window (default 100).
	AddressRateLimit int `mapstructure:"ADDRESS_RATE_LIMIT"`
	// AddressRateWindow is the source-address window (default "1h").
	AddressRateWindow string `mapstructure:"ADDRESS_RATE_WINDOW"`
	// TenantRateLimit is the max accepted submissions per tenant per window (default 1000).
	TenantRateLimit int `mapstructure:"TENANT_RATE_LIMIT"`
	// TenantRateWindow is the tenant window (default "24h").
	TenantRateWindow string `mapstructure:"TENANT_RATE_WINDOW"`

	// PhoneCountryCode is the international calling code leads are normalized to (default "60").
	PhoneCountryCode string `mapstructure:"PHONE_COUNTRY_CODE"`
	// PhoneTrunkPrefix is the local trunk prefix dropped during normalization (default "0").
	PhoneTrunkPrefix string `mapstructure:"PHONE_TRUNK_PREFIX"`

	// KeyGraceWindow is how long a rotated-out API key remains valid (default "72h").
	KeyGraceWindow string `mapstructure:"KEY_GRACE_WINDOW"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "crm-audit")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "crm-dashboard")
	v.SetDefault("ADDRESS_RATE_LIMIT", 100)
	v.SetDefault("ADDRESS_RATE_WINDOW", "1h")
	v.SetDefault("TENANT_RATE_LIMIT", 1000)
	v.SetDefault("TENANT_RATE_WINDOW", "24h")
	v.SetDefault("PHONE_COUNTRY_CODE", "60")
	v.SetDefault("PHONE_TRUNK_PREFIX", "0")
	v.SetDefault("KEY_GRACE_WINDOW", "72h")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AddressRateLimit <= 0 {
		return nil, errors.New("config: ADDRESS_RATE_LIMIT must be positive")
	}
	if cfg.TenantRateLimit <= 0 {
		return nil, errors.New("config: TENANT_RATE_LIMIT must be positive")
	}
	if cfg.PhoneCountryCode == "" || strings.Trim(cfg.PhoneCountryCode, "0123456789") != "" {
		return nil, errors.New("config: PHONE_COUNTRY_CODE must be digits")
	}

	return &cfg, nil
}

// AddressWindow parses AddressRateWindow as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) AddressWindow() time.Duration {
	d, err := time.ParseDuration(c.AddressRateWindow)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// TenantWindow parses TenantRateWindow as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) TenantWindow() time.Duration {
	d, err := time.ParseDuration(c.TenantRateWindow)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// GraceWindow parses KeyGraceWindow as a time.Duration. Returns 72h if unset or invalid.
func (c *Config) GraceWindow() time.Duration {
	d, err := time.ParseDuration(c.KeyGraceWindow)
	if err != nil || d <= 0 {
		return 72 * time.Hour
	}
	return d
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the audit stream is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil || c.AuditKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AuditKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
