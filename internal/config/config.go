// Package config defines the top-level configuration for the deal broker and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEALBROKER_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Rail       ProviderConfig   `toml:"rail"`
	Identity   ProviderConfig   `toml:"identity"`
	Webhook    WebhookConfig    `toml:"webhook"`
	Settlement SettlementConfig `toml:"settlement"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is used in server
// mode only.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ArchiveDeals snapshots every deal that reaches a terminal status.
	ArchiveDeals bool `toml:"archive_deals"`
}

// ProviderConfig holds the endpoint and credentials of a signed REST
// provider (the payment rail or the identity provider).
type ProviderConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	APISecret         string   `toml:"api_secret"`
	Timeout           duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// WebhookConfig holds the shared secrets used to verify provider callbacks.
type WebhookConfig struct {
	// Secrets maps a source name (the {source} path segment) to its secret.
	Secrets           map[string]string `toml:"secrets"`
	SealedSecretsPath string            `toml:"sealed_secrets_path"`
	SealedPassword    string            `toml:"sealed_password"`
}

// SettlementConfig holds fund-protection parameters.
type SettlementConfig struct {
	EscrowProvider    string   `toml:"escrow_provider"`
	CustodyCurrencies []string `toml:"custody_currencies"`
	LockTTL           duration `toml:"lock_ttl"`
	LockWait          duration `toml:"lock_wait"`
	// VerificationTTL bounds how long a final tier-2 decision is cached.
	VerificationTTL duration `toml:"verification_ttl"`
	// SandboxRates seeds the sandbox rail, keyed "FROM/TO".
	SandboxRates map[string]string `toml:"sandbox_rates"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the admin routes. Admin routes reject everything when it
	// is empty.
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "dealbroker",
			User:            "dealbroker",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    1,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "dealbroker:",
		},
		S3: S3Config{
			Region:         "eu-west-1",
			Bucket:         "dealbroker",
			UseSSL:         true,
			ForcePathStyle: true,
			ArchiveDeals:   true,
		},
		Rail: ProviderConfig{
			Timeout:           duration{15 * time.Second},
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Identity: ProviderConfig{
			Timeout:           duration{10 * time.Second},
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Settlement: SettlementConfig{
			EscrowProvider:    "rail",
			CustodyCurrencies: []string{"USDC", "EUR"},
			LockTTL:           duration{30 * time.Second},
			LockWait:          duration{5 * time.Second},
			VerificationTTL:   duration{24 * time.Hour},
			SandboxRates:      map[string]string{"USDC/EUR": "0.92"},
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			DiscordUsername: "dealbroker",
			Events:          []string{"status_changed", "step_completed", "offer_updated", "signed"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// Run modes.
const (
	// ModeServer runs against PostgreSQL, Redis and the real providers.
	ModeServer = "server"
	// ModeSandbox runs in memory against the sandbox providers.
	ModeSandbox = "sandbox"
)

var validModes = map[string]bool{
	ModeServer:  true,
	ModeSandbox: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sandbox)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if mode == ModeServer {
		errs = append(errs, c.Postgres.validate()...)
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		errs = append(errs, c.Rail.validate("rail")...)
		errs = append(errs, c.Identity.validate("identity")...)
		if len(c.Webhook.Secrets) == 0 && c.Webhook.SealedSecretsPath == "" {
			errs = append(errs, "webhook: secrets or sealed_secrets_path must be set in server mode")
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Webhook.SealedSecretsPath != "" && c.Webhook.SealedPassword == "" {
		errs = append(errs, "webhook: sealed_password is required when sealed_secrets_path is set")
	}
	for source, secret := range c.Webhook.Secrets {
		if secret == "" {
			errs = append(errs, fmt.Sprintf("webhook: secret for source %q must not be empty", source))
		}
	}

	if c.Settlement.EscrowProvider == "" {
		errs = append(errs, "settlement: escrow_provider must not be empty")
	}
	if len(c.Settlement.CustodyCurrencies) == 0 {
		errs = append(errs, "settlement: custody_currencies must not be empty")
	}
	if c.Settlement.LockTTL.Duration <= 0 {
		errs = append(errs, "settlement: lock_ttl must be positive")
	}
	if c.Settlement.LockWait.Duration < 0 {
		errs = append(errs, "settlement: lock_wait must not be negative")
	}
	for pair, rate := range c.Settlement.SandboxRates {
		if !strings.Contains(pair, "/") {
			errs = append(errs, fmt.Sprintf("settlement: sandbox rate key %q must be FROM/TO", pair))
		}
		if d, err := decimal.NewFromString(rate); err != nil || !d.IsPositive() {
			errs = append(errs, fmt.Sprintf("settlement: sandbox rate %q for %s must be a positive decimal", rate, pair))
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be positive when rate_limit is set")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (p PostgresConfig) validate() []string {
	var errs []string
	if strings.TrimSpace(p.DSN) == "" {
		if p.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if p.Port <= 0 || p.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", p.Port))
		}
		if p.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if p.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}
	return errs
}

func (p ProviderConfig) validate(name string) []string {
	var errs []string
	if p.BaseURL == "" {
		errs = append(errs, name+": base_url must not be empty")
	} else if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("%s: base_url %q is not an absolute URL", name, p.BaseURL))
	}
	if p.APIKey == "" {
		errs = append(errs, name+": api_key must not be empty")
	}
	if p.RequestsPerSecond < 0 {
		errs = append(errs, name+": requests_per_second must not be negative")
	}
	return errs
}
