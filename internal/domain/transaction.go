package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a deal.
type TransactionStatus string

const (
	StatusOffer            TransactionStatus = "OFFER"
	StatusNegotiation      TransactionStatus = "NEGOTIATION"
	StatusAgreement        TransactionStatus = "AGREEMENT"
	StatusKyc2Verification TransactionStatus = "KYC2_VERIFICATION"
	StatusFundProtection   TransactionStatus = "FUND_PROTECTION"
	StatusClosing          TransactionStatus = "CLOSING"
	StatusCompleted        TransactionStatus = "COMPLETED"
	StatusCancelled        TransactionStatus = "CANCELLED"
	StatusFailed           TransactionStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible from s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// PaymentMethod selects which settlement rails a deal uses.
type PaymentMethod string

const (
	PaymentFiat   PaymentMethod = "FIAT"
	PaymentCrypto PaymentMethod = "CRYPTO"
	PaymentHybrid PaymentMethod = "HYBRID"
)

// UsesCrypto reports whether the crypto leg of the settlement is planned.
func (m PaymentMethod) UsesCrypto() bool { return m == PaymentCrypto || m == PaymentHybrid }

// UsesFiat reports whether the fiat leg of the settlement is planned.
func (m PaymentMethod) UsesFiat() bool { return m == PaymentFiat || m == PaymentHybrid }

// Role identifies which side of a deal an actor is on.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleSystem Role = "SYSTEM"
)

// Counterparty returns the opposite side of a two-party deal.
func (r Role) Counterparty() Role {
	switch r {
	case RoleBuyer:
		return RoleSeller
	case RoleSeller:
		return RoleBuyer
	default:
		return RoleSystem
	}
}

// Actor is whoever requests an operation: a user id, or the system itself when
// a provider webhook drives the change.
type Actor struct {
	UserID string
}

// SystemActor is used for transitions driven by provider callbacks and operators.
var SystemActor = Actor{UserID: "system"}

// Transaction is the aggregate root of a deal between one buyer and one seller
// for one property.
type Transaction struct {
	ID               string
	BuyerID          string
	SellerID         string
	PropertyID       string
	OfferPrice       decimal.Decimal
	AgreedPrice      *decimal.Decimal
	PaymentMethod    PaymentMethod
	CryptoPercentage int
	FiatPercentage   int
	CryptoCurrency   string
	Status           TransactionStatus

	BuyerPromissorySignedAt  *time.Time
	SellerPromissorySignedAt *time.Time
	BuyerMediationSignedAt   *time.Time
	SellerMediationSignedAt  *time.Time

	BuyerKyc2Verified  bool
	SellerKyc2Verified bool

	BuyerConfirmedAt  *time.Time
	BuyerRating       int
	BuyerReview       string
	SellerConfirmedAt *time.Time
	SellerRating      int
	SellerReview      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleOf returns the role userID plays in the deal, and false when the user is
// not a party to it.
func (t Transaction) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == t.BuyerID:
		return RoleBuyer, true
	case userID == t.SellerID:
		return RoleSeller, true
	default:
		return "", false
	}
}

// PartyID returns the user id for a role.
func (t Transaction) PartyID(r Role) string {
	if r == RoleSeller {
		return t.SellerID
	}
	return t.BuyerID
}

// AllSigned reports whether both parties signed both the promissory and the
// mediation agreement.
func (t Transaction) AllSigned() bool {
	return t.BuyerPromissorySignedAt != nil && t.SellerPromissorySignedAt != nil &&
		t.BuyerMediationSignedAt != nil && t.SellerMediationSignedAt != nil
}

// AgreementKind names one of the two legal documents each party signs.
type AgreementKind string

const (
	AgreementPromissory AgreementKind = "PROMISSORY"
	AgreementMediation  AgreementKind = "MEDIATION"
)

// CounterOffer is one proposal in the negotiation chain of a transaction.
type CounterOffer struct {
	ID            string
	TransactionID string
	Price         decimal.Decimal
	Message       string
	Terms         string
	ProposedBy    Role
	Accepted      bool
	Rejected      bool
	CreatedAt     time.Time
}

// StatusHistory is one row of the append-only status audit log.
type StatusHistory struct {
	ID            string
	TransactionID string
	FromStatus    TransactionStatus
	ToStatus      TransactionStatus
	ActorID       string
	Note          string
	CreatedAt     time.Time
}

// EscrowDetails describes funds held by a third party while the deal settles.
type EscrowDetails struct {
	TransactionID      string
	TotalAmount        decimal.Decimal
	DepositAmount      decimal.Decimal
	FinalPaymentAmount decimal.Decimal
	Provider           string
	ReleaseConditions  string
	FundsReceived      bool
	FundsReleased      bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
