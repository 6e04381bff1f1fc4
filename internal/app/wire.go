package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/dealbroker/internal/blob/s3"
	"github.com/alanyoungcy/dealbroker/internal/cache/local"
	"github.com/alanyoungcy/dealbroker/internal/cache/redis"
	"github.com/alanyoungcy/dealbroker/internal/config"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/notify"
	"github.com/alanyoungcy/dealbroker/internal/platform/apiclient"
	"github.com/alanyoungcy/dealbroker/internal/platform/identity"
	"github.com/alanyoungcy/dealbroker/internal/platform/rail"
	"github.com/alanyoungcy/dealbroker/internal/platform/sandbox"
	"github.com/alanyoungcy/dealbroker/internal/server/handler"
	"github.com/alanyoungcy/dealbroker/internal/store/memory"
	"github.com/alanyoungcy/dealbroker/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the run modes need. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store domain.Store

	// Caches
	Locks         domain.LockManager
	RateLimiter   domain.RateLimiter
	EventBus      domain.EventBus
	Verifications domain.VerificationCache

	// Blob storage; both nil when S3 is disabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Providers
	Rail     domain.PaymentRail
	Identity domain.IdentityProvider

	Notifier       *notify.Notifier
	WebhookSecrets map[string][]byte

	// HealthChecks probe each external dependency for /api/health.
	HealthChecks map[string]handler.Check
}

// needsPostgres returns true for modes that persist to a database.
func needsPostgres(mode string) bool {
	return mode == config.ModeServer
}

// needsRedis returns true for modes that coordinate through Redis.
func needsRedis(mode string) bool {
	return mode == config.ModeServer
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Check)}

	secrets, err := cfg.WebhookSecrets()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.WebhookSecrets = secrets

	// --- Store ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Store = postgres.NewStore(pgClient)
		deps.HealthChecks["postgres"] = pgClient.Ping
	} else {
		deps.Store = memory.New()
	}

	// --- Caches ---
	if needsRedis(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.Verifications = redis.NewVerificationCache(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.Locks = local.NewLockManager()
		deps.RateLimiter = local.NewRateLimiter()
		deps.EventBus = local.NewEventBus()
		deps.Verifications = local.NewVerificationCache()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Providers ---
	if mode == config.ModeSandbox {
		rates, err := cfg.SandboxRates()
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Rail = sandbox.NewRail(rates)
		deps.Identity = sandbox.NewIdentity()
	} else {
		deps.Rail = rail.NewClient(providerConfig("rail", cfg.Rail))
		deps.Identity = identity.NewCached(
			identity.NewClient(providerConfig("identity", cfg.Identity)),
			deps.Verifications,
			cfg.Settlement.VerificationTTL.Duration,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(
			cfg.Notify.DiscordWebhookURL,
			cfg.Notify.DiscordUsername,
		))
	}
	if len(senders) == 0 {
		senders = append(senders, notify.NewLogSender(logger))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func providerConfig(name string, p config.ProviderConfig) apiclient.Config {
	return apiclient.Config{
		Name:              name,
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		Secret:            p.APISecret,
		Timeout:           p.Timeout.Duration,
		RequestsPerSecond: p.RequestsPerSecond,
		Burst:             p.Burst,
	}
}
