// Package webhook verifies, deduplicates and applies asynchronous provider
// callbacks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dealbroker/internal/crypto"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/settlement"
)

// Result is what the caller of Handle learns about one delivery.
type Result struct {
	EventID   string
	Duplicate bool
	// Error is the processing error recorded on the event, if any. The
	// delivery is still acknowledged.
	Error string
}

// Config bundles the Processor's collaborators. Archive, Cache and Events may
// be nil.
type Config struct {
	Store   domain.Store
	Machine *settlement.Machine
	Locker  *settlement.TxLocker
	Rail    domain.PaymentRail
	Archive domain.BlobWriter
	Cache   domain.VerificationCache
	Events  *settlement.Publisher
	// Secrets maps a webhook source name to its shared signing secret.
	Secrets map[string][]byte
	// CustodyCurrencies are provisioned for every user on first KYC approval.
	CustodyCurrencies []string
	Logger            *slog.Logger
}

// Processor applies provider callbacks at most once per (source, event id).
type Processor struct {
	store      domain.Store
	machine    *settlement.Machine
	locker     *settlement.TxLocker
	rail       domain.PaymentRail
	archive    domain.BlobWriter
	cache      domain.VerificationCache
	events     *settlement.Publisher
	secrets    map[string][]byte
	currencies []string
	logger     *slog.Logger
	now        func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      cfg.Store,
		machine:    cfg.Machine,
		locker:     cfg.Locker,
		rail:       cfg.Rail,
		archive:    cfg.Archive,
		cache:      cfg.Cache,
		events:     cfg.Events,
		secrets:    cfg.Secrets,
		currencies: cfg.CustodyCurrencies,
		logger:     logger.With(slog.String("component", "webhook")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle verifies and applies one delivery. Signature failures and bodies
// without an event id are rejected without being stored. Everything else is
// recorded exactly once; a processing failure is stored on the event row and
// reported in Result, not as an error.
func (p *Processor) Handle(ctx context.Context, source string, payload []byte, signature string) (Result, error) {
	secret, ok := p.secrets[source]
	if !ok || !crypto.VerifyWebhook(secret, payload, signature) {
		return Result{}, domain.Errorf(domain.ErrInvalidSignature, "invalid signature for source %q", source)
	}

	var env domain.WebhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, domain.Errorf(domain.ErrInvalidInput, "malformed webhook body: %v", err)
	}
	if strings.TrimSpace(env.EventID) == "" {
		return Result{}, domain.Errorf(domain.ErrInvalidInput, "webhook body has no eventId")
	}
	res := Result{EventID: env.EventID}

	repos := p.store.Repos()
	if _, err := repos.Webhooks.Find(ctx, source, env.EventID); err == nil {
		res.Duplicate = true
		return res, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return res, fmt.Errorf("webhook: lookup %s/%s: %w", source, env.EventID, err)
	}

	ev := domain.WebhookEvent{
		ID:              uuid.NewString(),
		Source:          source,
		ProviderEventID: env.EventID,
		EventType:       env.EventType,
		Payload:         payload,
		CreatedAt:       p.now(),
	}
	if err := repos.Webhooks.Insert(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			res.Duplicate = true
			return res, nil
		}
		return res, fmt.Errorf("webhook: record %s/%s: %w", source, env.EventID, err)
	}
	p.archivePayload(ctx, source, env.EventID, payload)

	log := p.logger.With(
		slog.String("source", source),
		slog.String("event_id", env.EventID),
		slog.String("event_type", string(env.EventType)),
	)
	var procErr string
	if err := p.safeDispatch(ctx, env); err != nil {
		procErr = err.Error()
		log.WarnContext(ctx, "webhook processing failed", slog.String("error", procErr))
	} else {
		log.InfoContext(ctx, "webhook processed")
	}
	if err := repos.Webhooks.MarkProcessed(ctx, ev.ID, procErr); err != nil {
		log.ErrorContext(ctx, "mark webhook processed failed", slog.String("error", err.Error()))
	}
	res.Error = procErr
	return res, nil
}

// ListFailed returns stored events whose processing recorded an error.
func (p *Processor) ListFailed(ctx context.Context, opts domain.ListOpts) ([]domain.WebhookEvent, error) {
	return p.store.Repos().Webhooks.ListFailed(ctx, opts)
}

func (p *Processor) archivePayload(ctx context.Context, source, eventID string, payload []byte) {
	if p.archive == nil {
		return
	}
	key := fmt.Sprintf("webhooks/%s/%s.json", source, eventID)
	if err := p.archive.Put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		p.logger.WarnContext(ctx, "archive webhook payload failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// safeDispatch runs dispatch and turns a panic into an error so the row is
// still marked processed and shows up in ListFailed.
func (p *Processor) safeDispatch(ctx context.Context, env domain.WebhookEnvelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("webhook: panic handling %s: %v", env.EventType, rec)
		}
	}()
	return p.dispatch(ctx, env)
}

func (p *Processor) dispatch(ctx context.Context, env domain.WebhookEnvelope) error {
	switch env.EventType {
	case domain.EventKycStatusChanged:
		var d domain.KycStatusChangedData
		if err := decodeData(env, &d); err != nil {
			return err
		}
		return p.onKycStatusChanged(ctx, d)
	case domain.EventWalletCreated:
		var d domain.WalletCreatedData
		if err := decodeData(env, &d); err != nil {
			return err
		}
		return p.onWalletCreated(ctx, d)
	case domain.EventIBANCreated:
		var d domain.IBANCreatedData
		if err := decodeData(env, &d); err != nil {
			return err
		}
		return p.onIBANCreated(ctx, d)
	case domain.EventTransactionCompleted:
		var d domain.TransactionCompletedData
		if err := decodeData(env, &d); err != nil {
			return err
		}
		return p.onTransactionCompleted(ctx, d)
	default:
		return fmt.Errorf("unsupported event type %q", env.EventType)
	}
}

func decodeData(env domain.WebhookEnvelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s event has no data", env.EventType)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s data: %w", env.EventType, err)
	}
	return nil
}
