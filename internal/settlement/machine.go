package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// legalTransitions is the deal lifecycle graph. Terminal states have no
// outgoing edges.
var legalTransitions = map[domain.TransactionStatus]map[domain.TransactionStatus]bool{
	domain.StatusOffer: {
		domain.StatusNegotiation: true,
		domain.StatusAgreement:   true,
		domain.StatusCancelled:   true,
		domain.StatusFailed:      true,
	},
	domain.StatusNegotiation: {
		domain.StatusAgreement: true,
		domain.StatusCancelled: true,
		domain.StatusFailed:    true,
	},
	domain.StatusAgreement: {
		domain.StatusKyc2Verification: true,
		domain.StatusFailed:           true,
	},
	domain.StatusKyc2Verification: {
		domain.StatusFundProtection: true,
		domain.StatusFailed:         true,
	},
	domain.StatusFundProtection: {
		domain.StatusClosing: true,
		domain.StatusFailed:  true,
	},
	domain.StatusClosing: {
		domain.StatusCompleted: true,
		domain.StatusFailed:    true,
	},
	domain.StatusCompleted: {},
	domain.StatusCancelled: {},
	domain.StatusFailed:    {},
}

// forward is the main line Advance walks. Edges out of OFFER and NEGOTIATION
// are not here: leaving them takes an explicit accept or reject.
var forward = map[domain.TransactionStatus]domain.TransactionStatus{
	domain.StatusAgreement:        domain.StatusKyc2Verification,
	domain.StatusKyc2Verification: domain.StatusFundProtection,
	domain.StatusFundProtection:   domain.StatusClosing,
	domain.StatusClosing:          domain.StatusCompleted,
}

// IsLegal reports whether from -> to is an edge of the lifecycle graph. The
// empty status stands for "not yet created" and only leads to OFFER.
func IsLegal(from, to domain.TransactionStatus) bool {
	if from == "" {
		return to == domain.StatusOffer
	}
	return legalTransitions[from][to]
}

// gateFunc checks the precondition of one edge against persisted state.
type gateFunc func(ctx context.Context, r domain.Repos, t domain.Transaction) error

type edge struct {
	from, to domain.TransactionStatus
}

// Machine validates and applies lifecycle transitions. Every applied
// transition writes the new status and exactly one history row; callers run
// it inside Store.Atomic so both land together.
type Machine struct {
	escrowProvider string
	gates          map[edge]gateFunc
	now            func() time.Time
}

// NewMachine creates a Machine. escrowProvider is recorded on the escrow
// details created when a deal enters FUND_PROTECTION.
func NewMachine(escrowProvider string) *Machine {
	m := &Machine{
		escrowProvider: escrowProvider,
		now:            func() time.Time { return time.Now().UTC() },
	}
	m.gates = map[edge]gateFunc{
		{domain.StatusOffer, domain.StatusNegotiation}:               gateHasCounterOffer,
		{domain.StatusOffer, domain.StatusAgreement}:                 gateEffectivePrice,
		{domain.StatusNegotiation, domain.StatusAgreement}:           gateEffectivePrice,
		{domain.StatusAgreement, domain.StatusKyc2Verification}:      gateSignatures,
		{domain.StatusKyc2Verification, domain.StatusFundProtection}: gateKyc2,
		{domain.StatusFundProtection, domain.StatusClosing}:          gateAllStepsCompleted,
		{domain.StatusClosing, domain.StatusCompleted}:               gateBothConfirmed,
	}
	return m
}

// Check reports whether t may move to `to` right now, without writing.
func (m *Machine) Check(ctx context.Context, r domain.Repos, t domain.Transaction, to domain.TransactionStatus) error {
	if t.Status.Terminal() {
		return domain.Errorf(domain.ErrPreconditionFailed, "transaction is %s", t.Status)
	}
	if !IsLegal(t.Status, to) {
		return domain.Errorf(domain.ErrPreconditionFailed, "illegal transition from %s to %s", t.Status, to)
	}
	if gate, ok := m.gates[edge{t.Status, to}]; ok {
		if err := gate(ctx, r, t); err != nil {
			return err
		}
	}
	return nil
}

// Apply moves t to `to`. On success t reflects the persisted state.
func (m *Machine) Apply(ctx context.Context, r domain.Repos, t *domain.Transaction, to domain.TransactionStatus, actor domain.Actor, note string) error {
	if err := m.Check(ctx, r, *t, to); err != nil {
		return err
	}

	switch to {
	case domain.StatusFundProtection:
		if err := m.materializeSteps(ctx, r, *t); err != nil {
			return err
		}
	case domain.StatusClosing:
		if err := m.releaseEscrow(ctx, r, t.ID); err != nil {
			return err
		}
	}

	now := m.now()
	next := *t
	next.Status = to
	next.UpdatedAt = now
	if err := r.Transactions.Update(ctx, next); err != nil {
		return fmt.Errorf("settlement: update status: %w", err)
	}
	if err := r.History.Append(ctx, domain.StatusHistory{
		ID:            uuid.NewString(),
		TransactionID: t.ID,
		FromStatus:    t.Status,
		ToStatus:      to,
		ActorID:       actor.UserID,
		Note:          note,
		CreatedAt:     now,
	}); err != nil {
		return fmt.Errorf("settlement: append history: %w", err)
	}
	*t = next
	return nil
}

// Advance applies every main-line transition whose gate currently holds, in
// order, and returns the statuses entered. An unmet gate stops the walk
// without error.
func (m *Machine) Advance(ctx context.Context, r domain.Repos, t *domain.Transaction, actor domain.Actor, note string) ([]domain.TransactionStatus, error) {
	var entered []domain.TransactionStatus
	for {
		to, ok := forward[t.Status]
		if !ok {
			return entered, nil
		}
		err := m.Apply(ctx, r, t, to, actor, note)
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return entered, nil
		}
		if err != nil {
			return entered, err
		}
		entered = append(entered, to)
	}
}

// NextGate describes what the main line is waiting for, or "" when nothing
// can advance it.
func (m *Machine) NextGate(ctx context.Context, r domain.Repos, t domain.Transaction) string {
	to, ok := forward[t.Status]
	if !ok {
		switch t.Status {
		case domain.StatusOffer, domain.StatusNegotiation:
			return "awaiting response to latest proposal"
		}
		return ""
	}
	if err := m.Check(ctx, r, t, to); err != nil {
		return domain.Message(err)
	}
	return "ready to advance to " + string(to)
}

// materializeSteps persists the fund-protection plan exactly once.
func (m *Machine) materializeSteps(ctx context.Context, r domain.Repos, t domain.Transaction) error {
	n, err := r.Steps.Count(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("settlement: count steps: %w", err)
	}
	if n > 0 {
		return nil
	}

	buyer, err := accountOrEmpty(ctx, r, t.BuyerID)
	if err != nil {
		return err
	}
	seller, err := accountOrEmpty(ctx, r, t.SellerID)
	if err != nil {
		return err
	}
	specs, err := Plan(t, buyer, seller)
	if err != nil {
		return err
	}

	now := m.now()
	steps := make([]domain.FundProtectionStep, 0, len(specs))
	for _, s := range specs {
		steps = append(steps, domain.FundProtectionStep{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			StepNumber:    s.StepNumber,
			StepType:      s.StepType,
			UserType:      s.UserType,
			Status:        domain.StepPending,
			Amount:        s.Amount,
			Currency:      s.Currency,
			Source:        s.Source,
			Destination:   s.Destination,
			CreatedAt:     now,
		})
	}
	if err := r.Steps.CreateBatch(ctx, steps); err != nil {
		return fmt.Errorf("settlement: create steps: %w", err)
	}

	escrow := domain.EscrowDetails{
		TransactionID:      t.ID,
		TotalAmount:        *t.AgreedPrice,
		DepositAmount:      share(*t.AgreedPrice, t.CryptoPercentage),
		FinalPaymentAmount: share(*t.AgreedPrice, t.FiatPercentage),
		Provider:           m.escrowProvider,
		ReleaseConditions:  "all fund-protection steps completed",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.Escrow.Create(ctx, escrow); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("settlement: create escrow: %w", err)
	}
	return nil
}

func (m *Machine) releaseEscrow(ctx context.Context, r domain.Repos, transactionID string) error {
	e, err := r.Escrow.Get(ctx, transactionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: get escrow: %w", err)
	}
	e.FundsReleased = true
	e.UpdatedAt = m.now()
	if err := r.Escrow.Update(ctx, e); err != nil {
		return fmt.Errorf("settlement: release escrow: %w", err)
	}
	return nil
}

func accountOrEmpty(ctx context.Context, r domain.Repos, userID string) (domain.Account, error) {
	a, err := r.Accounts.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Account{UserID: userID}, nil
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("settlement: get account %s: %w", userID, err)
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Gates
// ---------------------------------------------------------------------------

func gateHasCounterOffer(ctx context.Context, r domain.Repos, t domain.Transaction) error {
	offers, err := r.CounterOffers.ListByTransaction(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("settlement: list counter offers: %w", err)
	}
	if len(offers) == 0 {
		return domain.Errorf(domain.ErrPreconditionFailed, "negotiation requires a counter-offer")
	}
	return nil
}

func gateEffectivePrice(_ context.Context, _ domain.Repos, t domain.Transaction) error {
	if t.AgreedPrice == nil || !t.AgreedPrice.IsPositive() {
		return domain.Errorf(domain.ErrPreconditionFailed, "agreement requires an effective price")
	}
	return nil
}

func gateSignatures(_ context.Context, _ domain.Repos, t domain.Transaction) error {
	var missing []string
	if t.BuyerPromissorySignedAt == nil {
		missing = append(missing, "buyer promissory")
	}
	if t.SellerPromissorySignedAt == nil {
		missing = append(missing, "seller promissory")
	}
	if t.BuyerMediationSignedAt == nil {
		missing = append(missing, "buyer mediation")
	}
	if t.SellerMediationSignedAt == nil {
		missing = append(missing, "seller mediation")
	}
	if len(missing) > 0 {
		return domain.Errorf(domain.ErrPreconditionFailed, "missing signatures: %v", missing)
	}
	return nil
}

func gateKyc2(_ context.Context, _ domain.Repos, t domain.Transaction) error {
	switch {
	case !t.BuyerKyc2Verified && !t.SellerKyc2Verified:
		return domain.Errorf(domain.ErrPreconditionFailed, "buyer and seller tier-2 KYC incomplete")
	case !t.BuyerKyc2Verified:
		return domain.Errorf(domain.ErrPreconditionFailed, "buyer tier-2 KYC incomplete")
	case !t.SellerKyc2Verified:
		return domain.Errorf(domain.ErrPreconditionFailed, "seller tier-2 KYC incomplete")
	}
	return nil
}

func gateAllStepsCompleted(ctx context.Context, r domain.Repos, t domain.Transaction) error {
	steps, err := r.Steps.ListByTransaction(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("settlement: list steps: %w", err)
	}
	if len(steps) == 0 {
		return domain.Errorf(domain.ErrPreconditionFailed, "no fund-protection steps planned")
	}
	pending := 0
	for _, s := range steps {
		if s.Status != domain.StepCompleted {
			pending++
		}
	}
	if pending > 0 {
		return domain.Errorf(domain.ErrPreconditionFailed, "%d of %d fund-protection steps pending", pending, len(steps))
	}
	return nil
}

func gateBothConfirmed(_ context.Context, _ domain.Repos, t domain.Transaction) error {
	if t.BuyerConfirmedAt == nil || t.SellerConfirmedAt == nil {
		return domain.Errorf(domain.ErrPreconditionFailed, "both parties must confirm completion")
	}
	return nil
}
