package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TransactionStore persists deal aggregates.
type TransactionStore interface {
	Create(ctx context.Context, t Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	// GetForUpdate reads the transaction and holds a row lock on it until the
	// surrounding unit of work ends.
	GetForUpdate(ctx context.Context, id string) (Transaction, error)
	Update(ctx context.Context, t Transaction) error
	ListByParty(ctx context.Context, userID string, status TransactionStatus) ([]Transaction, error)
}

// CounterOfferStore persists the negotiation chain.
type CounterOfferStore interface {
	Create(ctx context.Context, c CounterOffer) error
	ListByTransaction(ctx context.Context, transactionID string) ([]CounterOffer, error)
	MarkResponse(ctx context.Context, id string, accepted bool) error
}

// HistoryStore persists the append-only status audit log.
type HistoryStore interface {
	Append(ctx context.Context, h StatusHistory) error
	ListByTransaction(ctx context.Context, transactionID string) ([]StatusHistory, error)
}

// StepStore persists fund-protection steps.
type StepStore interface {
	CreateBatch(ctx context.Context, steps []FundProtectionStep) error
	// ListByTransaction returns steps ordered by StepNumber.
	ListByTransaction(ctx context.Context, transactionID string) ([]FundProtectionStep, error)
	Count(ctx context.Context, transactionID string) (int, error)
	// Complete moves a PENDING step to COMPLETED with its evidence. It returns
	// ErrAlreadyCompleted when the step is no longer PENDING.
	Complete(ctx context.Context, step FundProtectionStep) error
	UpdateAmount(ctx context.Context, id string, amount decimal.Decimal) error
}

// EscrowStore persists escrow companions.
type EscrowStore interface {
	Create(ctx context.Context, e EscrowDetails) error
	Get(ctx context.Context, transactionID string) (EscrowDetails, error)
	Update(ctx context.Context, e EscrowDetails) error
}

// AccountStore persists users' identity and custody references.
type AccountStore interface {
	Get(ctx context.Context, userID string) (Account, error)
	Upsert(ctx context.Context, a Account) error
}

// BalanceStore tracks custody balances by increment and decrement only.
type BalanceStore interface {
	Adjust(ctx context.Context, userID, currency string, delta decimal.Decimal) (decimal.Decimal, error)
	Get(ctx context.Context, userID, currency string) (decimal.Decimal, error)
}

// PaymentRecordStore persists provider settlements.
type PaymentRecordStore interface {
	Create(ctx context.Context, p PaymentRecord) error
	GetBySettlementID(ctx context.Context, settlementID string) (PaymentRecord, error)
	UpdateStatus(ctx context.Context, settlementID string, status PaymentRecordStatus) error
}

// WebhookEventStore persists received provider events.
type WebhookEventStore interface {
	Find(ctx context.Context, source, providerEventID string) (WebhookEvent, error)
	// Insert returns ErrAlreadyExists when (source, provider event id) is taken.
	Insert(ctx context.Context, e WebhookEvent) error
	MarkProcessed(ctx context.Context, id string, processingErr string) error
	ListFailed(ctx context.Context, opts ListOpts) ([]WebhookEvent, error)
}

// Repos bundles every store bound to the same connection or unit of work.
type Repos struct {
	Transactions  TransactionStore
	CounterOffers CounterOfferStore
	History       HistoryStore
	Steps         StepStore
	Escrow        EscrowStore
	Accounts      AccountStore
	Balances      BalanceStore
	Payments      PaymentRecordStore
	Webhooks      WebhookEventStore
}

// Store hands out repositories, either directly or scoped to one atomic unit.
type Store interface {
	Repos() Repos
	// Atomic runs fn in a single database transaction. Every write made
	// through r commits together or not at all.
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}
