package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/dealbroker/internal/blob/s3"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/server"
	"github.com/alanyoungcy/dealbroker/internal/server/handler"
	"github.com/alanyoungcy/dealbroker/internal/server/ws"
	"github.com/alanyoungcy/dealbroker/internal/service"
	"github.com/alanyoungcy/dealbroker/internal/settlement"
	"github.com/alanyoungcy/dealbroker/internal/webhook"
)

// Services is the domain layer built on top of Dependencies.
type Services struct {
	Deals    *service.DealService
	Webhooks *webhook.Processor
}

// buildServices assembles the state machine, step executor, webhook processor
// and deal service over deps.
func (a *App) buildServices(deps *Dependencies) *Services {
	st := a.cfg.Settlement
	machine := settlement.NewMachine(st.EscrowProvider)
	locker := settlement.NewTxLocker(deps.Locks, st.LockTTL.Duration, st.LockWait.Duration)
	events := settlement.NewPublisher(deps.EventBus, deps.Notifier, a.logger)

	executor := settlement.NewExecutor(settlement.ExecutorConfig{
		Store:   deps.Store,
		Machine: machine,
		Locker:  locker,
		Rail:    deps.Rail,
		Blobs:   deps.BlobWriter,
		Events:  events,
		Logger:  a.logger,
	})
	deals := service.NewDealService(
		deps.Store, machine, locker, executor,
		deps.Identity, deps.RateLimiter, events, a.logger,
	)
	if deps.BlobWriter != nil && a.cfg.S3.ArchiveDeals {
		deals.SetArchiver(s3blob.NewDealArchiver(deps.BlobWriter, deps.Store, a.logger))
	}

	processor := webhook.NewProcessor(webhook.Config{
		Store:             deps.Store,
		Machine:           machine,
		Locker:            locker,
		Rail:              deps.Rail,
		Archive:           deps.BlobWriter,
		Cache:             deps.Verifications,
		Events:            events,
		Secrets:           deps.WebhookSecrets,
		CustodyCurrencies: st.CustodyCurrencies,
		Logger:            a.logger,
	})

	return &Services{Deals: deals, Webhooks: processor}
}

// ServerMode serves the HTTP API and the transaction event stream against
// PostgreSQL, Redis and the configured providers.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode",
		slog.String("rail", deps.Rail.Name()),
	)
	return a.serve(ctx, deps, a.buildServices(deps))
}

// SandboxMode serves the same API fully in process: an in-memory store, local
// locks and bus, and the sandbox rail and identity provider.
func (a *App) SandboxMode(ctx context.Context, deps *Dependencies) error {
	a.logger.WarnContext(ctx, "starting sandbox mode; no funds move and nothing is persisted")
	return a.serve(ctx, deps, a.buildServices(deps))
}

// serve runs the ws hub and the HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context, deps *Dependencies, svc *Services) error {
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.EventBus, dealAuthorizer(svc.Deals), a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:       handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Transactions: handler.NewTransactionHandler(svc.Deals, deps.BlobReader, a.logger),
		Webhooks:     handler.NewWebhookHandler(svc.Webhooks, a.logger),
		Admin:        handler.NewAdminHandler(svc.Deals, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dealAuthorizer lets a user follow a transaction only when they may read its
// status.
func dealAuthorizer(deals *service.DealService) ws.Authorizer {
	return func(ctx context.Context, userID, transactionID string) error {
		_, err := deals.GetTransactionStatus(ctx, transactionID, domain.Actor{UserID: userID})
		return err
	}
}
