package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// webhookSecretPrefix introduces per-source webhook secrets in the
// environment: DEALBROKER_WEBHOOK_SECRET_PAYMENTS sets the "payments" secret.
const webhookSecretPrefix = "DEALBROKER_WEBHOOK_SECRET_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEALBROKER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEALBROKER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "DEALBROKER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DEALBROKER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEALBROKER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEALBROKER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEALBROKER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEALBROKER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEALBROKER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEALBROKER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEALBROKER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DEALBROKER_POSTGRES_MAX_CONN_LIFETIME")
	setBool(&cfg.Postgres.RunMigrations, "DEALBROKER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEALBROKER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEALBROKER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEALBROKER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEALBROKER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DEALBROKER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DEALBROKER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "DEALBROKER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DEALBROKER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DEALBROKER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEALBROKER_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEALBROKER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEALBROKER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEALBROKER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DEALBROKER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DEALBROKER_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.ArchiveDeals, "DEALBROKER_S3_ARCHIVE_DEALS")

	// ── Providers ──
	setProvider(&cfg.Rail, "DEALBROKER_RAIL_")
	setProvider(&cfg.Identity, "DEALBROKER_IDENTITY_")

	// ── Webhook ──
	setStr(&cfg.Webhook.SealedSecretsPath, "DEALBROKER_WEBHOOK_SEALED_SECRETS_PATH")
	setStr(&cfg.Webhook.SealedPassword, "DEALBROKER_WEBHOOK_SEALED_PASSWORD")
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, webhookSecretPrefix) {
			continue
		}
		source := strings.ToLower(strings.TrimPrefix(key, webhookSecretPrefix))
		if source == "" {
			continue
		}
		if cfg.Webhook.Secrets == nil {
			cfg.Webhook.Secrets = make(map[string]string)
		}
		cfg.Webhook.Secrets[source] = value
	}

	// ── Settlement ──
	setStr(&cfg.Settlement.EscrowProvider, "DEALBROKER_SETTLEMENT_ESCROW_PROVIDER")
	setStringSlice(&cfg.Settlement.CustodyCurrencies, "DEALBROKER_SETTLEMENT_CUSTODY_CURRENCIES")
	setDuration(&cfg.Settlement.LockTTL, "DEALBROKER_SETTLEMENT_LOCK_TTL")
	setDuration(&cfg.Settlement.LockWait, "DEALBROKER_SETTLEMENT_LOCK_WAIT")
	setDuration(&cfg.Settlement.VerificationTTL, "DEALBROKER_SETTLEMENT_VERIFICATION_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setInt(&cfg.Server.Port, "DEALBROKER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DEALBROKER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DEALBROKER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DEALBROKER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DEALBROKER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEALBROKER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEALBROKER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEALBROKER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.DiscordUsername, "DEALBROKER_NOTIFY_DISCORD_USERNAME")
	setStringSlice(&cfg.Notify.Events, "DEALBROKER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEALBROKER_MODE")
	setStr(&cfg.LogLevel, "DEALBROKER_LOG_LEVEL")
}

func setProvider(p *ProviderConfig, prefix string) {
	setStr(&p.BaseURL, prefix+"BASE_URL")
	setStr(&p.APIKey, prefix+"API_KEY")
	setStr(&p.APISecret, prefix+"API_SECRET")
	setDuration(&p.Timeout, prefix+"TIMEOUT")
	setFloat64(&p.RequestsPerSecond, prefix+"REQUESTS_PER_SECOND")
	setInt(&p.Burst, prefix+"BURST")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
