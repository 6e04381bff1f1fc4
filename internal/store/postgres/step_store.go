package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// StepStore implements domain.StepStore using PostgreSQL.
type StepStore struct {
	q querier
}

// CreateBatch inserts a full step plan with one round trip.
func (s *StepStore) CreateBatch(ctx context.Context, steps []domain.FundProtectionStep) error {
	if len(steps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO fund_protection_steps (
			id, transaction_id, step_number, step_type, user_type, status,
			amount, currency, source, destination, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`
	for _, st := range steps {
		batch.Queue(query,
			st.ID, st.TransactionID, st.StepNumber, string(st.StepType), string(st.UserType), string(st.Status),
			st.Amount.String(), st.Currency, st.Source, st.Destination, st.CreatedAt,
		)
	}

	br := s.q.SendBatch(ctx, batch)
	defer br.Close()

	for i := range steps {
		if _, err := br.Exec(); err != nil {
			if uniqueViolation(err) {
				return domain.Errorf(domain.ErrAlreadyExists, "steps for transaction %s already exist", steps[i].TransactionID)
			}
			return fmt.Errorf("postgres: insert step batch item %d: %w", i, err)
		}
	}
	return nil
}

const stepSelectCols = `id, transaction_id, step_number, step_type, user_type, status,
	amount::text, currency, source, destination, tx_hash, proof_url, completed_at, created_at`

func scanStep(row rowScanner) (domain.FundProtectionStep, error) {
	var (
		st                    domain.FundProtectionStep
		stepType, user, state string
		amount                string
	)
	err := row.Scan(
		&st.ID, &st.TransactionID, &st.StepNumber, &stepType, &user, &state,
		&amount, &st.Currency, &st.Source, &st.Destination, &st.TxHash, &st.ProofURL,
		&st.CompletedAt, &st.CreatedAt,
	)
	if err != nil {
		return domain.FundProtectionStep{}, err
	}
	st.StepType = domain.StepType(stepType)
	st.UserType = domain.Role(user)
	st.Status = domain.StepStatus(state)
	if st.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.FundProtectionStep{}, fmt.Errorf("amount: %w", err)
	}
	return st, nil
}

// ListByTransaction returns the steps ordered by step number.
func (s *StepStore) ListByTransaction(ctx context.Context, transactionID string) ([]domain.FundProtectionStep, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+stepSelectCols+` FROM fund_protection_steps WHERE transaction_id = $1 ORDER BY step_number`,
		transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.FundProtectionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list steps rows: %w", err)
	}
	return out, nil
}

// Count returns how many steps the transaction has.
func (s *StepStore) Count(ctx context.Context, transactionID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM fund_protection_steps WHERE transaction_id = $1`, transactionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count steps: %w", err)
	}
	return n, nil
}

// Complete marks a PENDING step COMPLETED with its evidence. The status
// predicate makes a second completion a no-op reported as ErrAlreadyCompleted.
func (s *StepStore) Complete(ctx context.Context, st domain.FundProtectionStep) error {
	const query = `
		UPDATE fund_protection_steps
		SET status = 'COMPLETED', tx_hash = $2, proof_url = $3, completed_at = $4,
		    source = $5, destination = $6
		WHERE id = $1 AND status = 'PENDING'`
	tag, err := s.q.Exec(ctx, query,
		st.ID, st.TxHash, st.ProofURL, st.CompletedAt, st.Source, st.Destination,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete step %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = s.q.QueryRow(ctx, `SELECT status FROM fund_protection_steps WHERE id = $1`, st.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Errorf(domain.ErrStepNotFound, "step %s not found", st.ID)
		}
		return fmt.Errorf("postgres: check step %s: %w", st.ID, err)
	}
	return domain.Errorf(domain.ErrAlreadyCompleted, "step %d is already completed", st.StepNumber)
}

// UpdateAmount re-sets the amount of a step that has not run yet.
func (s *StepStore) UpdateAmount(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE fund_protection_steps SET amount = $2 WHERE id = $1 AND status = 'PENDING'`,
		id, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update step amount %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrPreconditionFailed, "step %s is not pending", id)
	}
	return nil
}

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	q querier
}

// Create inserts the escrow companion of a transaction.
func (s *EscrowStore) Create(ctx context.Context, e domain.EscrowDetails) error {
	const query = `
		INSERT INTO escrow_details (
			transaction_id, total_amount, deposit_amount, final_payment_amount,
			provider, release_conditions, funds_received, funds_released, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, query,
		e.TransactionID, e.TotalAmount.String(), e.DepositAmount.String(), e.FinalPaymentAmount.String(),
		e.Provider, e.ReleaseConditions, e.FundsReceived, e.FundsReleased, e.CreatedAt, e.UpdatedAt,
	)
	if uniqueViolation(err) {
		return domain.Errorf(domain.ErrAlreadyExists, "escrow for %s already exists", e.TransactionID)
	}
	if err != nil {
		return fmt.Errorf("postgres: create escrow %s: %w", e.TransactionID, err)
	}
	return nil
}

// Get returns the escrow companion of a transaction.
func (s *EscrowStore) Get(ctx context.Context, transactionID string) (domain.EscrowDetails, error) {
	const query = `
		SELECT transaction_id, total_amount::text, deposit_amount::text, final_payment_amount::text,
			provider, release_conditions, funds_received, funds_released, created_at, updated_at
		FROM escrow_details WHERE transaction_id = $1`

	var (
		e                     domain.EscrowDetails
		total, deposit, final string
	)
	err := s.q.QueryRow(ctx, query, transactionID).Scan(
		&e.TransactionID, &total, &deposit, &final,
		&e.Provider, &e.ReleaseConditions, &e.FundsReceived, &e.FundsReleased, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.EscrowDetails{}, notFound(err, "escrow "+transactionID)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&e.TotalAmount, total}, {&e.DepositAmount, deposit}, {&e.FinalPaymentAmount, final}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.EscrowDetails{}, fmt.Errorf("postgres: escrow amount: %w", err)
		}
	}
	return e, nil
}

// Update writes the escrow flags.
func (s *EscrowStore) Update(ctx context.Context, e domain.EscrowDetails) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE escrow_details SET funds_received = $2, funds_released = $3, updated_at = $4 WHERE transaction_id = $1`,
		e.TransactionID, e.FundsReceived, e.FundsReleased, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update escrow %s: %w", e.TransactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrNotFound, "escrow %s not found", e.TransactionID)
	}
	return nil
}
