package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	q querier
}

// Create inserts a new transaction.
func (s *TransactionStore) Create(ctx context.Context, t domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			id, buyer_id, seller_id, property_id, offer_price, agreed_price,
			payment_method, crypto_percentage, fiat_percentage, crypto_currency, status,
			buyer_kyc2_verified, seller_kyc2_verified, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`

	_, err := s.q.Exec(ctx, query,
		t.ID, t.BuyerID, t.SellerID, t.PropertyID,
		t.OfferPrice.String(), decimalPtrString(t.AgreedPrice),
		string(t.PaymentMethod), t.CryptoPercentage, t.FiatPercentage, t.CryptoCurrency,
		string(t.Status), t.BuyerKyc2Verified, t.SellerKyc2Verified,
		t.CreatedAt, t.UpdatedAt,
	)
	if uniqueViolation(err) {
		return domain.Errorf(domain.ErrAlreadyExists, "transaction %s already exists", t.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: create transaction %s: %w", t.ID, err)
	}
	return nil
}

const transactionSelectCols = `id, buyer_id, seller_id, property_id,
	offer_price::text, agreed_price::text,
	payment_method, crypto_percentage, fiat_percentage, crypto_currency, status,
	buyer_promissory_signed_at, seller_promissory_signed_at,
	buyer_mediation_signed_at, seller_mediation_signed_at,
	buyer_kyc2_verified, seller_kyc2_verified,
	buyer_confirmed_at, buyer_rating, buyer_review,
	seller_confirmed_at, seller_rating, seller_review,
	created_at, updated_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		t              domain.Transaction
		offer          string
		agreed         *string
		method, status string
	)
	err := row.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.PropertyID,
		&offer, &agreed,
		&method, &t.CryptoPercentage, &t.FiatPercentage, &t.CryptoCurrency, &status,
		&t.BuyerPromissorySignedAt, &t.SellerPromissorySignedAt,
		&t.BuyerMediationSignedAt, &t.SellerMediationSignedAt,
		&t.BuyerKyc2Verified, &t.SellerKyc2Verified,
		&t.BuyerConfirmedAt, &t.BuyerRating, &t.BuyerReview,
		&t.SellerConfirmedAt, &t.SellerRating, &t.SellerReview,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.PaymentMethod = domain.PaymentMethod(method)
	t.Status = domain.TransactionStatus(status)
	if t.OfferPrice, err = decimal.NewFromString(offer); err != nil {
		return domain.Transaction{}, fmt.Errorf("offer_price: %w", err)
	}
	if t.AgreedPrice, err = parseDecimalPtr(agreed); err != nil {
		return domain.Transaction{}, fmt.Errorf("agreed_price: %w", err)
	}
	return t, nil
}

// Get returns one transaction.
func (s *TransactionStore) Get(ctx context.Context, id string) (domain.Transaction, error) {
	row := s.q.QueryRow(ctx, `SELECT `+transactionSelectCols+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, notFound(err, "transaction "+id)
	}
	return t, nil
}

// GetForUpdate returns one transaction and holds its row lock until the
// enclosing transaction ends.
func (s *TransactionStore) GetForUpdate(ctx context.Context, id string) (domain.Transaction, error) {
	row := s.q.QueryRow(ctx, `SELECT `+transactionSelectCols+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, notFound(err, "transaction "+id)
	}
	return t, nil
}

// Update writes every mutable column of t.
func (s *TransactionStore) Update(ctx context.Context, t domain.Transaction) error {
	const query = `
		UPDATE transactions SET
			agreed_price = $2, status = $3,
			buyer_promissory_signed_at = $4, seller_promissory_signed_at = $5,
			buyer_mediation_signed_at = $6, seller_mediation_signed_at = $7,
			buyer_kyc2_verified = $8, seller_kyc2_verified = $9,
			buyer_confirmed_at = $10, buyer_rating = $11, buyer_review = $12,
			seller_confirmed_at = $13, seller_rating = $14, seller_review = $15,
			updated_at = $16
		WHERE id = $1`

	tag, err := s.q.Exec(ctx, query,
		t.ID, decimalPtrString(t.AgreedPrice), string(t.Status),
		t.BuyerPromissorySignedAt, t.SellerPromissorySignedAt,
		t.BuyerMediationSignedAt, t.SellerMediationSignedAt,
		t.BuyerKyc2Verified, t.SellerKyc2Verified,
		t.BuyerConfirmedAt, t.BuyerRating, t.BuyerReview,
		t.SellerConfirmedAt, t.SellerRating, t.SellerReview,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update transaction %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrNotFound, "transaction %s not found", t.ID)
	}
	return nil
}

// ListByParty returns the user's transactions, newest first. An empty status
// matches every status.
func (s *TransactionStore) ListByParty(ctx context.Context, userID string, status domain.TransactionStatus) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionSelectCols + ` FROM transactions WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list transactions rows: %w", err)
	}
	return out, nil
}

// CounterOfferStore implements domain.CounterOfferStore using PostgreSQL.
type CounterOfferStore struct {
	q querier
}

// Create appends a counter-offer.
func (s *CounterOfferStore) Create(ctx context.Context, c domain.CounterOffer) error {
	const query = `
		INSERT INTO counter_offers (id, transaction_id, price, message, terms, proposed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.q.Exec(ctx, query,
		c.ID, c.TransactionID, c.Price.String(), c.Message, c.Terms, string(c.ProposedBy), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create counter offer %s: %w", c.ID, err)
	}
	return nil
}

// ListByTransaction returns the negotiation chain, oldest first.
func (s *CounterOfferStore) ListByTransaction(ctx context.Context, transactionID string) ([]domain.CounterOffer, error) {
	const query = `
		SELECT id, transaction_id, price::text, message, terms, proposed_by, accepted, rejected, created_at
		FROM counter_offers
		WHERE transaction_id = $1
		ORDER BY seq`

	rows, err := s.q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list counter offers: %w", err)
	}
	defer rows.Close()

	var out []domain.CounterOffer
	for rows.Next() {
		var (
			c         domain.CounterOffer
			price, by string
		)
		if err := rows.Scan(&c.ID, &c.TransactionID, &price, &c.Message, &c.Terms, &by,
			&c.Accepted, &c.Rejected, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan counter offer: %w", err)
		}
		if c.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: counter offer price: %w", err)
		}
		c.ProposedBy = domain.Role(by)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list counter offers rows: %w", err)
	}
	return out, nil
}

// MarkResponse sets accepted or rejected on an unanswered counter-offer.
func (s *CounterOfferStore) MarkResponse(ctx context.Context, id string, accepted bool) error {
	const query = `
		UPDATE counter_offers SET accepted = $2, rejected = NOT $2
		WHERE id = $1 AND NOT accepted AND NOT rejected`
	tag, err := s.q.Exec(ctx, query, id, accepted)
	if err != nil {
		return fmt.Errorf("postgres: mark counter offer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM counter_offers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check counter offer %s: %w", id, err)
		}
		if exists {
			return domain.Errorf(domain.ErrAlreadyCompleted, "counter-offer %s was already answered", id)
		}
		return domain.Errorf(domain.ErrNotFound, "counter-offer %s not found", id)
	}
	return nil
}

// HistoryStore implements domain.HistoryStore using PostgreSQL.
type HistoryStore struct {
	q querier
}

// Append adds one audit row. Rows are never updated.
func (s *HistoryStore) Append(ctx context.Context, h domain.StatusHistory) error {
	const query = `
		INSERT INTO status_history (id, transaction_id, from_status, to_status, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.q.Exec(ctx, query,
		h.ID, h.TransactionID, string(h.FromStatus), string(h.ToStatus), h.ActorID, h.Note, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history %s: %w", h.TransactionID, err)
	}
	return nil
}

// ListByTransaction returns the audit log in insertion order.
func (s *HistoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]domain.StatusHistory, error) {
	const query = `
		SELECT id, transaction_id, from_status, to_status, actor_id, note, created_at
		FROM status_history
		WHERE transaction_id = $1
		ORDER BY seq`

	rows, err := s.q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusHistory
	for rows.Next() {
		var (
			h        domain.StatusHistory
			from, to string
		)
		if err := rows.Scan(&h.ID, &h.TransactionID, &from, &to, &h.ActorID, &h.Note, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		h.FromStatus = domain.TransactionStatus(from)
		h.ToStatus = domain.TransactionStatus(to)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history rows: %w", err)
	}
	return out, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
