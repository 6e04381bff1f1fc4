package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL. Wallet ids are
// stored as a JSONB object keyed by currency.
type AccountStore struct {
	q querier
}

// Get returns one account.
func (s *AccountStore) Get(ctx context.Context, userID string) (domain.Account, error) {
	const query = `
		SELECT user_id, tier1_status, tier2_status, wallets, payout_iban, payout_account_id,
			provisioned_at, updated_at
		FROM accounts WHERE user_id = $1`

	var (
		a            domain.Account
		tier1, tier2 string
		walletsJSON  []byte
	)
	err := s.q.QueryRow(ctx, query, userID).Scan(
		&a.UserID, &tier1, &tier2, &walletsJSON, &a.PayoutIBAN, &a.PayoutAccountID,
		&a.ProvisionedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, notFound(err, "account "+userID)
	}
	a.Tier1Status = domain.KycStatus(tier1)
	a.Tier2Status = domain.KycStatus(tier2)
	if len(walletsJSON) > 0 {
		if err := json.Unmarshal(walletsJSON, &a.Wallets); err != nil {
			return domain.Account{}, fmt.Errorf("postgres: unmarshal wallets for %s: %w", userID, err)
		}
	}
	return a, nil
}

// Upsert writes the whole account.
func (s *AccountStore) Upsert(ctx context.Context, a domain.Account) error {
	wallets := a.Wallets
	if wallets == nil {
		wallets = map[string]string{}
	}
	walletsJSON, err := json.Marshal(wallets)
	if err != nil {
		return fmt.Errorf("postgres: marshal wallets: %w", err)
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	const query = `
		INSERT INTO accounts (
			user_id, tier1_status, tier2_status, wallets, payout_iban, payout_account_id,
			provisioned_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			tier1_status = EXCLUDED.tier1_status,
			tier2_status = EXCLUDED.tier2_status,
			wallets = EXCLUDED.wallets,
			payout_iban = EXCLUDED.payout_iban,
			payout_account_id = EXCLUDED.payout_account_id,
			provisioned_at = EXCLUDED.provisioned_at,
			updated_at = EXCLUDED.updated_at`

	_, err = s.q.Exec(ctx, query,
		a.UserID, string(a.Tier1Status), string(a.Tier2Status), walletsJSON,
		a.PayoutIBAN, a.PayoutAccountID, a.ProvisionedAt, updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.UserID, err)
	}
	return nil
}

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	q querier
}

// Adjust adds delta to the balance in one statement and returns the result.
// Balances are never overwritten with an absolute value.
func (s *BalanceStore) Adjust(ctx context.Context, userID, currency string, delta decimal.Decimal) (decimal.Decimal, error) {
	const query = `
		INSERT INTO custody_balances (user_id, currency, amount, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			amount = custody_balances.amount + EXCLUDED.amount,
			updated_at = NOW()
		RETURNING amount::text`

	var amount string
	if err := s.q.QueryRow(ctx, query, userID, currency, delta.String()).Scan(&amount); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: adjust balance %s/%s: %w", userID, currency, err)
	}
	return decimal.NewFromString(amount)
}

// Get returns the balance, zero when none was ever recorded.
func (s *BalanceStore) Get(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	var amount string
	err := s.q.QueryRow(ctx,
		`SELECT amount::text FROM custody_balances WHERE user_id = $1 AND currency = $2`,
		userID, currency,
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: get balance %s/%s: %w", userID, currency, err)
	}
	return decimal.NewFromString(amount)
}

// PaymentRecordStore implements domain.PaymentRecordStore using PostgreSQL.
type PaymentRecordStore struct {
	q querier
}

// Create records one payment-rail settlement.
func (s *PaymentRecordStore) Create(ctx context.Context, p domain.PaymentRecord) error {
	const query = `
		INSERT INTO payment_records (
			id, settlement_id, transaction_id, step_id, kind, amount, currency, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, query,
		p.ID, p.SettlementID, p.TransactionID, p.StepID, string(p.Kind),
		p.Amount.String(), p.Currency, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if uniqueViolation(err) {
		return domain.Errorf(domain.ErrAlreadyExists, "payment %s already recorded", p.SettlementID)
	}
	if err != nil {
		return fmt.Errorf("postgres: create payment %s: %w", p.SettlementID, err)
	}
	return nil
}

// GetBySettlementID returns the record for a provider settlement id.
func (s *PaymentRecordStore) GetBySettlementID(ctx context.Context, settlementID string) (domain.PaymentRecord, error) {
	const query = `
		SELECT id, settlement_id, transaction_id, step_id, kind, amount::text, currency, status,
			created_at, updated_at
		FROM payment_records WHERE settlement_id = $1`

	var (
		p                    domain.PaymentRecord
		kind, amount, status string
	)
	err := s.q.QueryRow(ctx, query, settlementID).Scan(
		&p.ID, &p.SettlementID, &p.TransactionID, &p.StepID, &kind, &amount, &p.Currency, &status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.PaymentRecord{}, notFound(err, "payment "+settlementID)
	}
	p.Kind = domain.StepType(kind)
	p.Status = domain.PaymentRecordStatus(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("postgres: payment amount: %w", err)
	}
	return p, nil
}

// UpdateStatus sets the provider-reported status of a settlement.
func (s *PaymentRecordStore) UpdateStatus(ctx context.Context, settlementID string, status domain.PaymentRecordStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE payment_records SET status = $2, updated_at = NOW() WHERE settlement_id = $1`,
		settlementID, string(status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update payment %s: %w", settlementID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrNotFound, "payment %s not found", settlementID)
	}
	return nil
}
