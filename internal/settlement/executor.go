package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// Executor runs fund-protection steps one at a time, in order, against the
// payment rail.
type Executor struct {
	store   domain.Store
	machine *Machine
	locker  *TxLocker
	rail    domain.PaymentRail
	blobs   domain.BlobWriter
	events  *Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// ExecutorConfig bundles the Executor's collaborators. Blobs may be nil, in
// which case FIAT_UPLOAD only accepts a caller-supplied proof URL.
type ExecutorConfig struct {
	Store   domain.Store
	Machine *Machine
	Locker  *TxLocker
	Rail    domain.PaymentRail
	Blobs   domain.BlobWriter
	Events  *Publisher
	Logger  *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   cfg.Store,
		machine: cfg.Machine,
		locker:  cfg.Locker,
		rail:    cfg.Rail,
		blobs:   cfg.Blobs,
		events:  cfg.Events,
		logger:  logger.With(slog.String("component", "step_executor")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// settlement is what the rail call produced for one step.
type settlement struct {
	source       string
	destination  string
	txHash       string
	proofURL     string
	settlementID string
	// converted is the EUR amount a CRYPTO_CONVERT produced.
	converted decimal.Decimal
	deltas    []balanceDelta
}

type balanceDelta struct {
	userID   string
	currency string
	amount   decimal.Decimal
}

// Execute settles the step of type stepType for actor. The step must be the
// lowest-numbered pending step and belong to the actor's role. A rail failure
// leaves the step PENDING; there is no automatic retry.
func (e *Executor) Execute(ctx context.Context, transactionID string, stepType domain.StepType, actor domain.Actor, ev domain.StepEvidence) (domain.FundProtectionStep, error) {
	var (
		done    domain.FundProtectionStep
		txn     domain.Transaction
		entered []domain.TransactionStatus
	)
	err := e.locker.With(ctx, transactionID, func(ctx context.Context) error {
		t, step, err := e.authorize(ctx, transactionID, stepType, actor)
		if err != nil {
			return err
		}
		s, err := e.settle(ctx, t, step, ev)
		if err != nil {
			return err
		}
		done, txn, entered, err = e.commit(ctx, t.ID, step, s, actor)
		return err
	})
	if err != nil {
		return domain.FundProtectionStep{}, err
	}

	e.logger.InfoContext(ctx, "fund-protection step completed",
		slog.String("transaction_id", transactionID),
		slog.Int("step_number", done.StepNumber),
		slog.String("step_type", string(done.StepType)),
		slog.String("actor", actor.UserID),
	)
	e.events.Event(ctx, domain.TransactionEvent{
		Type:          domain.EventStepCompleted,
		TransactionID: transactionID,
		Status:        txn.Status,
		StepNumber:    done.StepNumber,
		StepType:      done.StepType,
		ActorID:       actor.UserID,
	})
	e.events.StatusChanges(ctx, transactionID, actor, entered)

	role, _ := txn.RoleOf(actor.UserID)
	e.events.Notify(ctx, txn.PartyID(role.Counterparty()), domain.EventStepCompleted,
		"Settlement step completed",
		fmt.Sprintf("Step %d (%s) of your transaction was completed.", done.StepNumber, done.StepType))
	if len(entered) > 0 {
		for _, uid := range []string{txn.BuyerID, txn.SellerID} {
			e.events.Notify(ctx, uid, domain.EventStatusChanged,
				"Funds secured",
				"All fund-protection steps are complete. The transaction is now closing.")
		}
	}
	return done, nil
}

// authorize loads the transaction and checks the step may run now.
func (e *Executor) authorize(ctx context.Context, transactionID string, stepType domain.StepType, actor domain.Actor) (domain.Transaction, domain.FundProtectionStep, error) {
	repos := e.store.Repos()
	t, err := repos.Transactions.Get(ctx, transactionID)
	if err != nil {
		return t, domain.FundProtectionStep{}, err
	}
	role, ok := t.RoleOf(actor.UserID)
	if !ok {
		return t, domain.FundProtectionStep{}, domain.Errorf(domain.ErrUnauthorized, "user %s is not a party to transaction %s", actor.UserID, t.ID)
	}

	steps, err := repos.Steps.ListByTransaction(ctx, t.ID)
	if err != nil {
		return t, domain.FundProtectionStep{}, fmt.Errorf("settlement: list steps: %w", err)
	}
	idx := -1
	for i, s := range steps {
		if s.StepType == stepType {
			idx = i
			break
		}
	}
	if idx < 0 {
		return t, domain.FundProtectionStep{}, domain.Errorf(domain.ErrStepNotFound, "transaction %s has no %s step", t.ID, stepType)
	}
	step := steps[idx]
	if step.Status == domain.StepCompleted {
		return t, step, domain.Errorf(domain.ErrAlreadyCompleted, "step %d (%s) is already completed", step.StepNumber, step.StepType)
	}
	if t.Status != domain.StatusFundProtection {
		return t, step, domain.Errorf(domain.ErrPreconditionFailed, "transaction is %s, not %s", t.Status, domain.StatusFundProtection)
	}
	if step.UserType != role {
		return t, step, domain.Errorf(domain.ErrForbidden, "step %d (%s) must be executed by the %s", step.StepNumber, step.StepType, step.UserType)
	}
	for _, prior := range steps[:idx] {
		if prior.Status != domain.StepCompleted {
			return t, step, domain.Errorf(domain.ErrOutOfOrder, "step %d (%s) must be completed first", prior.StepNumber, prior.StepType)
		}
	}
	return t, step, nil
}

// settle performs the external side of a step. Nothing is persisted here.
func (e *Executor) settle(ctx context.Context, t domain.Transaction, step domain.FundProtectionStep, ev domain.StepEvidence) (settlement, error) {
	repos := e.store.Repos()
	buyer, err := accountOrEmpty(ctx, repos, t.BuyerID)
	if err != nil {
		return settlement{}, err
	}
	seller, err := accountOrEmpty(ctx, repos, t.SellerID)
	if err != nil {
		return settlement{}, err
	}

	s := settlement{source: step.Source, destination: step.Destination}
	ref := fmt.Sprintf("txn:%s:step:%d", t.ID, step.StepNumber)

	switch step.StepType {
	case domain.StepCryptoDeposit:
		s.destination = orElse(s.destination, buyer.Wallet(step.Currency))
		if s.destination == "" {
			return s, domain.Errorf(domain.ErrPreconditionFailed, "buyer has no %s custody wallet", step.Currency)
		}
		if err := ValidateTxHash(ev.TxHash); err != nil {
			return s, err
		}
		bal, err := e.rail.CheckBalance(ctx, s.destination, step.Currency)
		if err != nil {
			return s, providerErr(e.rail, "check balance", err)
		}
		if bal.LessThan(step.Amount) {
			return s, domain.Errorf(domain.ErrInsufficientFunds, "wallet holds %s %s, deposit requires %s", bal, step.Currency, step.Amount)
		}
		s.txHash = ev.TxHash
		s.deltas = []balanceDelta{{t.BuyerID, step.Currency, step.Amount}}

	case domain.StepCryptoTransfer:
		s.source = orElse(s.source, buyer.Wallet(step.Currency))
		s.destination = orElse(s.destination, seller.Wallet(step.Currency))
		if s.source == "" || s.destination == "" {
			return s, domain.Errorf(domain.ErrPreconditionFailed, "buyer and seller %s custody wallets must be provisioned", step.Currency)
		}
		id, err := e.rail.Transfer(ctx, domain.TransferRequest{
			Source:      NormalizeWalletRef(s.source),
			Destination: NormalizeWalletRef(s.destination),
			Amount:      step.Amount,
			Currency:    step.Currency,
			Reference:   ref,
		})
		if err != nil {
			return s, providerErr(e.rail, "transfer", err)
		}
		s.settlementID, s.txHash = id, id
		s.deltas = []balanceDelta{
			{t.BuyerID, step.Currency, step.Amount.Neg()},
			{t.SellerID, step.Currency, step.Amount},
		}

	case domain.StepCryptoConvert:
		s.source = orElse(s.source, seller.Wallet(step.Currency))
		s.destination = orElse(s.destination, seller.Wallet(FiatCurrency))
		if s.source == "" || s.destination == "" {
			return s, domain.Errorf(domain.ErrPreconditionFailed, "seller %s and %s custody wallets must be provisioned", step.Currency, FiatCurrency)
		}
		res, err := e.rail.Convert(ctx, domain.ConvertRequest{
			Source:         NormalizeWalletRef(s.source),
			Destination:    NormalizeWalletRef(s.destination),
			Amount:         step.Amount,
			SourceCurrency: step.Currency,
			TargetCurrency: FiatCurrency,
			Reference:      ref,
		})
		if err != nil {
			return s, providerErr(e.rail, "convert", err)
		}
		s.settlementID, s.txHash = res.SettlementID, res.SettlementID
		s.converted = res.DestinationAmount.Round(2)
		s.deltas = []balanceDelta{
			{t.SellerID, step.Currency, step.Amount.Neg()},
			{t.SellerID, FiatCurrency, s.converted},
		}

	case domain.StepIBANTransfer:
		s.source = orElse(s.source, seller.Wallet(FiatCurrency))
		s.destination = orElse(s.destination, seller.PayoutIBAN)
		if s.source == "" || s.destination == "" {
			return s, domain.Errorf(domain.ErrPreconditionFailed, "seller payout account is not provisioned")
		}
		id, err := e.rail.Transfer(ctx, domain.TransferRequest{
			Source:      s.source,
			Destination: s.destination,
			Amount:      step.Amount,
			Currency:    FiatCurrency,
			Reference:   ref,
		})
		if err != nil {
			return s, providerErr(e.rail, "payout", err)
		}
		s.settlementID, s.txHash = id, id
		s.deltas = []balanceDelta{{t.SellerID, FiatCurrency, step.Amount.Neg()}}

	case domain.StepFiatUpload:
		switch {
		case len(ev.Document) > 0:
			if e.blobs == nil {
				return s, domain.Errorf(domain.ErrPreconditionFailed, "document storage is not configured; supply a proof URL")
			}
			key := proofKey(t.ID, step.StepNumber, ev.DocumentName)
			ct := ev.DocumentContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			if err := e.blobs.Put(ctx, key, bytes.NewReader(ev.Document), ct); err != nil {
				return s, domain.Wrap(domain.ErrProviderError, err, "store proof of transfer")
			}
			s.proofURL = e.blobs.URL(key)
		case ev.ProofURL != "":
			s.proofURL = ev.ProofURL
		default:
			return s, domain.Errorf(domain.ErrPreconditionFailed, "proof of transfer is required")
		}
		s.txHash = ev.TxHash

	case domain.StepFiatConfirm:
		s.txHash = ev.TxHash

	default:
		return s, domain.Errorf(domain.ErrInvalidInput, "unsupported step type %s", step.StepType)
	}
	return s, nil
}

// commit records a settled step and, when it was the last one, moves the
// transaction to CLOSING. All writes land together.
func (e *Executor) commit(ctx context.Context, transactionID string, step domain.FundProtectionStep, s settlement, actor domain.Actor) (domain.FundProtectionStep, domain.Transaction, []domain.TransactionStatus, error) {
	var (
		txn     domain.Transaction
		entered []domain.TransactionStatus
	)
	now := e.now()
	step.Status = domain.StepCompleted
	step.Source = s.source
	step.Destination = s.destination
	step.TxHash = s.txHash
	step.ProofURL = s.proofURL
	step.CompletedAt = &now

	err := e.store.Atomic(ctx, func(ctx context.Context, r domain.Repos) error {
		t, err := r.Transactions.GetForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := r.Steps.Complete(ctx, step); err != nil {
			return err
		}
		for _, d := range s.deltas {
			if _, err := r.Balances.Adjust(ctx, d.userID, d.currency, d.amount); err != nil {
				return fmt.Errorf("settlement: adjust %s balance of %s: %w", d.currency, d.userID, err)
			}
		}
		if s.settlementID != "" {
			if err := r.Payments.Create(ctx, domain.PaymentRecord{
				ID:            uuid.NewString(),
				SettlementID:  s.settlementID,
				TransactionID: transactionID,
				StepID:        step.ID,
				Kind:          step.StepType,
				Amount:        step.Amount,
				Currency:      step.Currency,
				Status:        domain.PaymentRecordPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}); err != nil {
				return fmt.Errorf("settlement: record payment: %w", err)
			}
		}

		steps, err := r.Steps.ListByTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("settlement: list steps: %w", err)
		}
		if step.StepType == domain.StepCryptoConvert {
			for _, other := range steps {
				if other.StepType == domain.StepIBANTransfer && other.Status == domain.StepPending {
					if err := r.Steps.UpdateAmount(ctx, other.ID, s.converted); err != nil {
						return fmt.Errorf("settlement: update payout amount: %w", err)
					}
				}
			}
		}
		if step.StepNumber == 1 {
			if err := markFundsReceived(ctx, r, transactionID, now); err != nil {
				return err
			}
		}

		pending := 0
		for _, other := range steps {
			if other.Status != domain.StepCompleted {
				pending++
			}
		}
		if pending == 0 {
			if err := e.machine.Apply(ctx, r, &t, domain.StatusClosing, actor, "all fund-protection steps completed"); err != nil {
				return err
			}
			entered = append(entered, domain.StatusClosing)
		}
		txn = t
		return nil
	})
	if err != nil {
		return domain.FundProtectionStep{}, domain.Transaction{}, nil, err
	}
	return step, txn, entered, nil
}

func markFundsReceived(ctx context.Context, r domain.Repos, transactionID string, now time.Time) error {
	esc, err := r.Escrow.Get(ctx, transactionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: get escrow: %w", err)
	}
	if esc.FundsReceived {
		return nil
	}
	esc.FundsReceived = true
	esc.UpdatedAt = now
	if err := r.Escrow.Update(ctx, esc); err != nil {
		return fmt.Errorf("settlement: mark funds received: %w", err)
	}
	return nil
}

func providerErr(rail domain.PaymentRail, op string, err error) error {
	if errors.Is(err, domain.ErrInsufficientFunds) {
		return err
	}
	return domain.Wrap(domain.ErrProviderError, err, "%s %s failed", rail.Name(), op)
}

func orElse(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
