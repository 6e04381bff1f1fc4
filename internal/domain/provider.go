package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferRequest moves funds between two custody accounts, or from custody to
// an external bank account.
type TransferRequest struct {
	Source      string
	Destination string
	Amount      decimal.Decimal
	Currency    string
	Reference   string
}

// ConvertRequest exchanges a custody balance into another currency.
type ConvertRequest struct {
	Source         string
	Destination    string
	Amount         decimal.Decimal
	SourceCurrency string
	TargetCurrency string
	Reference      string
}

// ConversionResult is the provider's answer to a ConvertRequest.
type ConversionResult struct {
	SettlementID      string
	DestinationAmount decimal.Decimal
	Rate              decimal.Decimal
}

// PayoutAccount is a provisioned virtual IBAN for SEPA payouts.
type PayoutAccount struct {
	AccountID string
	IBAN      string
	BIC       string
}

// PaymentRail is the capability consumed from the payment provider.
type PaymentRail interface {
	Name() string
	CheckBalance(ctx context.Context, account, currency string) (decimal.Decimal, error)
	Transfer(ctx context.Context, req TransferRequest) (settlementID string, err error)
	Convert(ctx context.Context, req ConvertRequest) (ConversionResult, error)
	CreateCustodyAccount(ctx context.Context, userID, currency string) (accountID string, err error)
	CreatePayoutAccount(ctx context.Context, userID string) (PayoutAccount, error)
}

// VerificationStatus is the identity provider's view of a user.
type VerificationStatus struct {
	Tier1 KycStatus
	Tier2 KycStatus
}

// IdentityProvider is the capability consumed from the KYC provider.
type IdentityProvider interface {
	GetVerificationStatus(ctx context.Context, userID string) (VerificationStatus, error)
}
