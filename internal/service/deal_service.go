package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/settlement"
)

// Offer limits applied per buyer.
const (
	offerRateLimit  = 10
	offerRateWindow = time.Minute
)

// OfferInput is a buyer's opening proposal for a property.
type OfferInput struct {
	BuyerID          string
	SellerID         string
	PropertyID       string
	Price            decimal.Decimal
	PaymentMethod    domain.PaymentMethod
	CryptoPercentage int
	FiatPercentage   int
	CryptoCurrency   string
	Message          string
}

// ResponseAction is how a party answers the latest proposal.
type ResponseAction string

const (
	ActionAccept  ResponseAction = "accept"
	ActionReject  ResponseAction = "reject"
	ActionCounter ResponseAction = "counter"
)

// Response answers the latest proposal of a deal. Price, Message and Terms
// apply to counter-offers only.
type Response struct {
	Action  ResponseAction
	Price   decimal.Decimal
	Message string
	Terms   string
}

// TransactionView is everything a party sees about one deal.
type TransactionView struct {
	Transaction   domain.Transaction
	Role          domain.Role
	CounterOffers []domain.CounterOffer
	Steps         []domain.FundProtectionStep
	History       []domain.StatusHistory
	Escrow        *domain.EscrowDetails
	// NextAction describes what the deal is waiting for, or "" when it is
	// finished.
	NextAction string
}

// DealService exposes the deal lifecycle to callers. Every mutation runs under
// the per-transaction lock and inside one atomic unit.
type DealService struct {
	store    domain.Store
	machine  *settlement.Machine
	locker   *settlement.TxLocker
	executor *settlement.Executor
	identity domain.IdentityProvider
	limiter  domain.RateLimiter
	events   *settlement.Publisher
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// Archiver snapshots a finished deal to long-term storage.
type Archiver interface {
	ArchiveDeal(ctx context.Context, transactionID string) (string, error)
}

// SetArchiver enables archiving of deals that reach a terminal status.
func (s *DealService) SetArchiver(a Archiver) {
	s.archiver = a
}

// NewDealService creates a DealService. limiter may be nil.
func NewDealService(
	store domain.Store,
	machine *settlement.Machine,
	locker *settlement.TxLocker,
	executor *settlement.Executor,
	identity domain.IdentityProvider,
	limiter domain.RateLimiter,
	events *settlement.Publisher,
	logger *slog.Logger,
) *DealService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DealService{
		store:    store,
		machine:  machine,
		locker:   locker,
		executor: executor,
		identity: identity,
		limiter:  limiter,
		events:   events,
		logger:   logger.With(slog.String("component", "deal_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProposeOffer opens a deal in OFFER on behalf of the buyer.
func (s *DealService) ProposeOffer(ctx context.Context, in OfferInput) (domain.Transaction, error) {
	if err := validateOffer(in); err != nil {
		return domain.Transaction{}, err
	}
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "offers:"+in.BuyerID, offerRateLimit, offerRateWindow)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("deal_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.Transaction{}, domain.Errorf(domain.ErrRateLimited, "too many offers, retry later")
		}
	}

	now := s.now()
	t := domain.Transaction{
		ID:               uuid.NewString(),
		BuyerID:          in.BuyerID,
		SellerID:         in.SellerID,
		PropertyID:       in.PropertyID,
		OfferPrice:       in.Price,
		PaymentMethod:    in.PaymentMethod,
		CryptoPercentage: in.CryptoPercentage,
		FiatPercentage:   in.FiatPercentage,
		CryptoCurrency:   strings.ToUpper(in.CryptoCurrency),
		Status:           domain.StatusOffer,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.store.Atomic(ctx, func(ctx context.Context, r domain.Repos) error {
		// Tier-2 approvals that arrived before the deal existed still count.
		for _, role := range []domain.Role{domain.RoleBuyer, domain.RoleSeller} {
			acct, err := r.Accounts.Get(ctx, t.PartyID(role))
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("deal_service: get account: %w", err)
			}
			if acct.Tier2Status == domain.KycApproved {
				setKyc2(&t, role)
			}
		}
		if err := r.Transactions.Create(ctx, t); err != nil {
			return fmt.Errorf("deal_service: create transaction: %w", err)
		}
		return r.History.Append(ctx, domain.StatusHistory{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			ToStatus:      domain.StatusOffer,
			ActorID:       in.BuyerID,
			Note:          in.Message,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logger.InfoContext(ctx, "offer proposed",
		slog.String("transaction_id", t.ID),
		slog.String("buyer_id", t.BuyerID),
		slog.String("seller_id", t.SellerID),
		slog.String("price", t.OfferPrice.String()),
		slog.String("payment_method", string(t.PaymentMethod)),
	)
	s.events.StatusChanges(ctx, t.ID, domain.Actor{UserID: in.BuyerID}, []domain.TransactionStatus{domain.StatusOffer})
	s.events.Notify(ctx, t.SellerID, domain.EventOfferUpdated, "New offer",
		fmt.Sprintf("You received an offer of %s EUR for property %s.", t.OfferPrice.StringFixed(2), t.PropertyID))
	return t, nil
}

func validateOffer(in OfferInput) error {
	switch {
	case in.BuyerID == "":
		return domain.Errorf(domain.ErrUnauthorized, "buyer identity is required")
	case in.SellerID == "" || in.PropertyID == "":
		return domain.Errorf(domain.ErrInvalidInput, "seller and property are required")
	case in.BuyerID == in.SellerID:
		return domain.Errorf(domain.ErrInvalidInput, "buyer and seller must differ")
	case !in.Price.IsPositive():
		return domain.Errorf(domain.ErrInvalidInput, "offer price must be positive")
	}
	if err := settlement.ValidateSplit(in.PaymentMethod, in.CryptoPercentage, in.FiatPercentage); err != nil {
		return err
	}
	if in.PaymentMethod.UsesCrypto() && strings.TrimSpace(in.CryptoCurrency) == "" {
		return domain.Errorf(domain.ErrInvalidInput, "%s payment requires a crypto currency", in.PaymentMethod)
	}
	return nil
}

// RespondToOffer accepts, rejects or counters the latest proposal. Only the
// party who did not make that proposal may respond.
func (s *DealService) RespondToOffer(ctx context.Context, transactionID string, actor domain.Actor, resp Response) (domain.Transaction, error) {
	switch resp.Action {
	case ActionAccept, ActionReject:
	case ActionCounter:
		if !resp.Price.IsPositive() {
			return domain.Transaction{}, domain.Errorf(domain.ErrInvalidInput, "counter-offer price must be positive")
		}
	default:
		return domain.Transaction{}, domain.Errorf(domain.ErrInvalidInput, "unknown response action %q", resp.Action)
	}

	t, entered, err := s.mutate(ctx, transactionID, actor, true, func(ctx context.Context, r domain.Repos, t *domain.Transaction, role domain.Role) ([]domain.TransactionStatus, error) {
		if t.Status != domain.StatusOffer && t.Status != domain.StatusNegotiation {
			return nil, domain.Errorf(domain.ErrPreconditionFailed, "transaction is %s; offers can no longer be answered", t.Status)
		}
		offers, err := r.CounterOffers.ListByTransaction(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("deal_service: list counter offers: %w", err)
		}
		var latest *domain.CounterOffer
		proposer := domain.RoleBuyer
		if n := len(offers); n > 0 {
			latest = &offers[n-1]
			proposer = latest.ProposedBy
		}
		if role == proposer {
			return nil, domain.Errorf(domain.ErrForbidden, "the %s made the latest proposal and cannot answer it", role)
		}
		pending := latest != nil && !latest.Accepted && !latest.Rejected

		switch resp.Action {
		case ActionAccept:
			price := t.OfferPrice
			if latest != nil {
				price = latest.Price
			}
			if pending {
				if err := r.CounterOffers.MarkResponse(ctx, latest.ID, true); err != nil {
					return nil, err
				}
			}
			t.AgreedPrice = &price
			t.UpdatedAt = s.now()
			if err := s.machine.Apply(ctx, r, t, domain.StatusAgreement, actor, "offer accepted at "+price.StringFixed(2)); err != nil {
				return nil, err
			}
			return []domain.TransactionStatus{domain.StatusAgreement}, nil

		case ActionReject:
			if pending {
				if err := r.CounterOffers.MarkResponse(ctx, latest.ID, false); err != nil {
					return nil, err
				}
			}
			if err := s.machine.Apply(ctx, r, t, domain.StatusCancelled, actor, "offer rejected"); err != nil {
				return nil, err
			}
			return []domain.TransactionStatus{domain.StatusCancelled}, nil

		default:
			if pending {
				if err := r.CounterOffers.MarkResponse(ctx, latest.ID, false); err != nil {
					return nil, err
				}
			}
			if err := r.CounterOffers.Create(ctx, domain.CounterOffer{
				ID:            uuid.NewString(),
				TransactionID: t.ID,
				Price:         resp.Price,
				Message:       resp.Message,
				Terms:         resp.Terms,
				ProposedBy:    role,
				CreatedAt:     s.now(),
			}); err != nil {
				return nil, fmt.Errorf("deal_service: create counter offer: %w", err)
			}
			if t.Status == domain.StatusOffer {
				if err := s.machine.Apply(ctx, r, t, domain.StatusNegotiation, actor, "counter-offer "+resp.Price.StringFixed(2)); err != nil {
					return nil, err
				}
				return []domain.TransactionStatus{domain.StatusNegotiation}, nil
			}
			return nil, nil
		}
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	role, _ := t.RoleOf(actor.UserID)
	s.events.Event(ctx, domain.TransactionEvent{
		Type:          domain.EventOfferUpdated,
		TransactionID: t.ID,
		Status:        t.Status,
		ActorID:       actor.UserID,
	})
	s.events.Notify(ctx, t.PartyID(role.Counterparty()), domain.EventOfferUpdated, "Offer "+string(resp.Action),
		fmt.Sprintf("The %s answered your proposal: %s.", strings.ToLower(string(role)), resp.Action))
	s.announce(ctx, t, actor, entered)
	return t, nil
}

// SignAgreement records the actor's signature on one agreement document and
// advances the deal as far as its gates allow.
func (s *DealService) SignAgreement(ctx context.Context, transactionID string, actor domain.Actor, kind domain.AgreementKind) (domain.Transaction, error) {
	if kind != domain.AgreementPromissory && kind != domain.AgreementMediation {
		return domain.Transaction{}, domain.Errorf(domain.ErrInvalidInput, "unknown agreement kind %q", kind)
	}
	t, entered, err := s.mutate(ctx, transactionID, actor, true, func(ctx context.Context, r domain.Repos, t *domain.Transaction, role domain.Role) ([]domain.TransactionStatus, error) {
		if t.Status != domain.StatusAgreement {
			return nil, domain.Errorf(domain.ErrPreconditionFailed, "agreements can only be signed in %s, transaction is %s", domain.StatusAgreement, t.Status)
		}
		slot := signatureSlot(t, role, kind)
		if *slot != nil {
			return nil, domain.Errorf(domain.ErrAlreadyCompleted, "%s already signed the %s agreement", strings.ToLower(string(role)), strings.ToLower(string(kind)))
		}
		now := s.now()
		*slot = &now
		t.UpdatedAt = now
		if err := r.Transactions.Update(ctx, *t); err != nil {
			return nil, fmt.Errorf("deal_service: record signature: %w", err)
		}
		return s.machine.Advance(ctx, r, t, actor, "agreements signed")
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	role, _ := t.RoleOf(actor.UserID)
	s.events.Event(ctx, domain.TransactionEvent{
		Type:          domain.EventSigned,
		TransactionID: t.ID,
		Status:        t.Status,
		ActorID:       actor.UserID,
	})
	s.events.Notify(ctx, t.PartyID(role.Counterparty()), domain.EventSigned, "Agreement signed",
		fmt.Sprintf("The %s signed the %s agreement.", strings.ToLower(string(role)), strings.ToLower(string(kind))))
	s.announce(ctx, t, actor, entered)
	return t, nil
}

func signatureSlot(t *domain.Transaction, role domain.Role, kind domain.AgreementKind) **time.Time {
	switch {
	case role == domain.RoleBuyer && kind == domain.AgreementPromissory:
		return &t.BuyerPromissorySignedAt
	case role == domain.RoleBuyer:
		return &t.BuyerMediationSignedAt
	case kind == domain.AgreementPromissory:
		return &t.SellerPromissorySignedAt
	default:
		return &t.SellerMediationSignedAt
	}
}

// CompleteKyc2 asks the identity provider whether the actor passed tier-2
// verification and, if so, records it on the deal.
func (s *DealService) CompleteKyc2(ctx context.Context, transactionID string, actor domain.Actor) (domain.Transaction, error) {
	current, err := s.store.Repos().Transactions.Get(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if _, ok := current.RoleOf(actor.UserID); !ok {
		return domain.Transaction{}, notParty(actor, transactionID)
	}
	status, err := s.identity.GetVerificationStatus(ctx, actor.UserID)
	if err != nil {
		return domain.Transaction{}, domain.Wrap(domain.ErrProviderError, err, "identity provider lookup failed")
	}
	if status.Tier2 != domain.KycApproved {
		return domain.Transaction{}, domain.Errorf(domain.ErrPreconditionFailed, "tier-2 verification is %s", orNone(status.Tier2))
	}

	t, entered, err := s.mutate(ctx, transactionID, actor, true, func(ctx context.Context, r domain.Repos, t *domain.Transaction, role domain.Role) ([]domain.TransactionStatus, error) {
		if t.Status != domain.StatusAgreement && t.Status != domain.StatusKyc2Verification {
			return nil, domain.Errorf(domain.ErrPreconditionFailed, "tier-2 KYC is recorded in %s or %s, transaction is %s",
				domain.StatusAgreement, domain.StatusKyc2Verification, t.Status)
		}
		setKyc2(t, role)
		t.UpdatedAt = s.now()
		if err := r.Transactions.Update(ctx, *t); err != nil {
			return nil, fmt.Errorf("deal_service: record kyc: %w", err)
		}
		return s.machine.Advance(ctx, r, t, actor, "tier-2 KYC verified")
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.announce(ctx, t, actor, entered)
	return t, nil
}

func setKyc2(t *domain.Transaction, role domain.Role) {
	if role == domain.RoleBuyer {
		t.BuyerKyc2Verified = true
	} else {
		t.SellerKyc2Verified = true
	}
}

func orNone(s domain.KycStatus) string {
	if s == domain.KycNone {
		return "not started"
	}
	return string(s)
}

// ExecuteFundProtectionStep runs one settlement step for the actor.
func (s *DealService) ExecuteFundProtectionStep(ctx context.Context, transactionID string, stepType domain.StepType, actor domain.Actor, ev domain.StepEvidence) (domain.FundProtectionStep, error) {
	return s.executor.Execute(ctx, transactionID, stepType, actor, ev)
}

// GetTransactionStatus returns the actor's view of a deal.
func (s *DealService) GetTransactionStatus(ctx context.Context, transactionID string, actor domain.Actor) (TransactionView, error) {
	r := s.store.Repos()
	t, err := r.Transactions.Get(ctx, transactionID)
	if err != nil {
		return TransactionView{}, err
	}
	role, ok := t.RoleOf(actor.UserID)
	if !ok {
		return TransactionView{}, notParty(actor, transactionID)
	}

	view := TransactionView{Transaction: t, Role: role}
	if view.CounterOffers, err = r.CounterOffers.ListByTransaction(ctx, t.ID); err != nil {
		return TransactionView{}, fmt.Errorf("deal_service: list counter offers: %w", err)
	}
	if view.Steps, err = r.Steps.ListByTransaction(ctx, t.ID); err != nil {
		return TransactionView{}, fmt.Errorf("deal_service: list steps: %w", err)
	}
	if view.History, err = r.History.ListByTransaction(ctx, t.ID); err != nil {
		return TransactionView{}, fmt.Errorf("deal_service: list history: %w", err)
	}
	esc, err := r.Escrow.Get(ctx, t.ID)
	switch {
	case err == nil:
		view.Escrow = &esc
	case !errors.Is(err, domain.ErrNotFound):
		return TransactionView{}, fmt.Errorf("deal_service: get escrow: %w", err)
	}
	view.NextAction = s.nextAction(ctx, r, t, view.Steps)
	return view, nil
}

func (s *DealService) nextAction(ctx context.Context, r domain.Repos, t domain.Transaction, steps []domain.FundProtectionStep) string {
	switch t.Status {
	case domain.StatusFundProtection:
		for _, st := range steps {
			if st.Status == domain.StepPending {
				return fmt.Sprintf("%s to execute step %d (%s)", strings.ToLower(string(st.UserType)), st.StepNumber, st.StepType)
			}
		}
	case domain.StatusClosing:
		switch {
		case t.BuyerConfirmedAt == nil && t.SellerConfirmedAt == nil:
			return "both parties to confirm completion"
		case t.BuyerConfirmedAt == nil:
			return "buyer to confirm completion"
		case t.SellerConfirmedAt == nil:
			return "seller to confirm completion"
		}
	}
	return s.machine.NextGate(ctx, r, t)
}

// ListTransactions returns the deals the actor is a party to, newest first.
// An empty status lists all of them.
func (s *DealService) ListTransactions(ctx context.Context, actor domain.Actor, status domain.TransactionStatus) ([]domain.Transaction, error) {
	if actor.UserID == "" {
		return nil, domain.Errorf(domain.ErrUnauthorized, "user identity is required")
	}
	return s.store.Repos().Transactions.ListByParty(ctx, actor.UserID, status)
}

// ConfirmCompletion records one party's sign-off with a 1-5 rating. The second
// confirmation completes the deal.
func (s *DealService) ConfirmCompletion(ctx context.Context, transactionID string, actor domain.Actor, rating int, review string) (domain.Transaction, error) {
	t, entered, err := s.mutate(ctx, transactionID, actor, true, func(ctx context.Context, r domain.Repos, t *domain.Transaction, role domain.Role) ([]domain.TransactionStatus, error) {
		if t.Status != domain.StatusClosing {
			return nil, domain.Errorf(domain.ErrPreconditionFailed, "completion is confirmed in %s, transaction is %s", domain.StatusClosing, t.Status)
		}
		if rating < 1 || rating > 5 {
			return nil, domain.Errorf(domain.ErrPreconditionFailed, "rating must be between 1 and 5, got %d", rating)
		}
		now := s.now()
		if role == domain.RoleBuyer {
			if t.BuyerConfirmedAt != nil {
				return nil, domain.Errorf(domain.ErrAlreadyCompleted, "buyer already confirmed completion")
			}
			t.BuyerConfirmedAt, t.BuyerRating, t.BuyerReview = &now, rating, review
		} else {
			if t.SellerConfirmedAt != nil {
				return nil, domain.Errorf(domain.ErrAlreadyCompleted, "seller already confirmed completion")
			}
			t.SellerConfirmedAt, t.SellerRating, t.SellerReview = &now, rating, review
		}
		t.UpdatedAt = now
		if err := r.Transactions.Update(ctx, *t); err != nil {
			return nil, fmt.Errorf("deal_service: record confirmation: %w", err)
		}
		return s.machine.Advance(ctx, r, t, actor, "both parties confirmed completion")
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.announce(ctx, t, actor, entered)
	return t, nil
}

// Advance applies every lifecycle transition whose precondition now holds.
func (s *DealService) Advance(ctx context.Context, transactionID string, actor domain.Actor) (domain.Transaction, error) {
	t, entered, err := s.mutate(ctx, transactionID, actor, true, func(ctx context.Context, r domain.Repos, t *domain.Transaction, _ domain.Role) ([]domain.TransactionStatus, error) {
		return s.machine.Advance(ctx, r, t, actor, "advance requested")
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.announce(ctx, t, actor, entered)
	return t, nil
}

// Cancel withdraws a party from a deal still in OFFER or NEGOTIATION.
func (s *DealService) Cancel(ctx context.Context, transactionID string, actor domain.Actor, reason string) (domain.Transaction, error) {
	t, entered, err := s.mutate(ctx, transactionID, actor, true, func(ctx context.Context, r domain.Repos, t *domain.Transaction, _ domain.Role) ([]domain.TransactionStatus, error) {
		if err := s.machine.Apply(ctx, r, t, domain.StatusCancelled, actor, reason); err != nil {
			return nil, err
		}
		return []domain.TransactionStatus{domain.StatusCancelled}, nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.announce(ctx, t, actor, entered)
	return t, nil
}

// Fail moves a deal to FAILED on an operator's decision.
func (s *DealService) Fail(ctx context.Context, transactionID string, reason string) (domain.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Transaction{}, domain.Errorf(domain.ErrInvalidInput, "a reason is required")
	}
	actor := domain.SystemActor
	t, entered, err := s.mutate(ctx, transactionID, actor, false, func(ctx context.Context, r domain.Repos, t *domain.Transaction, _ domain.Role) ([]domain.TransactionStatus, error) {
		if err := s.machine.Apply(ctx, r, t, domain.StatusFailed, actor, reason); err != nil {
			return nil, err
		}
		return []domain.TransactionStatus{domain.StatusFailed}, nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.logger.WarnContext(ctx, "transaction failed by operator",
		slog.String("transaction_id", t.ID),
		slog.String("reason", reason),
	)
	s.announce(ctx, t, actor, entered)
	return t, nil
}

type mutation func(ctx context.Context, r domain.Repos, t *domain.Transaction, role domain.Role) ([]domain.TransactionStatus, error)

// mutate loads the deal under its lock, checks the actor is a party when
// requireParty is set, and runs fn in one atomic unit.
func (s *DealService) mutate(ctx context.Context, transactionID string, actor domain.Actor, requireParty bool, fn mutation) (domain.Transaction, []domain.TransactionStatus, error) {
	var (
		out     domain.Transaction
		entered []domain.TransactionStatus
	)
	err := s.locker.With(ctx, transactionID, func(ctx context.Context) error {
		return s.store.Atomic(ctx, func(ctx context.Context, r domain.Repos) error {
			t, err := r.Transactions.GetForUpdate(ctx, transactionID)
			if err != nil {
				return err
			}
			role := domain.RoleSystem
			if requireParty {
				var ok bool
				if role, ok = t.RoleOf(actor.UserID); !ok {
					return notParty(actor, transactionID)
				}
			}
			if entered, err = fn(ctx, r, &t, role); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	return out, entered, err
}

// announce publishes and notifies every status the deal entered.
func (s *DealService) announce(ctx context.Context, t domain.Transaction, actor domain.Actor, entered []domain.TransactionStatus) {
	if len(entered) == 0 {
		return
	}
	s.events.StatusChanges(ctx, t.ID, actor, entered)
	final := entered[len(entered)-1]
	s.logger.InfoContext(ctx, "transaction status changed",
		slog.String("transaction_id", t.ID),
		slog.String("status", string(final)),
		slog.String("actor", actor.UserID),
	)
	for _, uid := range []string{t.BuyerID, t.SellerID} {
		if uid == actor.UserID {
			continue
		}
		s.events.Notify(ctx, uid, domain.EventStatusChanged, "Transaction "+strings.ToLower(string(final)),
			fmt.Sprintf("Transaction %s moved to %s.", t.ID, final))
	}
	if final.Terminal() && s.archiver != nil {
		if _, err := s.archiver.ArchiveDeal(ctx, t.ID); err != nil {
			s.logger.WarnContext(ctx, "archive deal failed",
				slog.String("transaction_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func notParty(actor domain.Actor, transactionID string) error {
	if actor.UserID == "" {
		return domain.Errorf(domain.ErrUnauthorized, "user identity is required")
	}
	return domain.Errorf(domain.ErrUnauthorized, "user %s is not a party to transaction %s", actor.UserID, transactionID)
}
