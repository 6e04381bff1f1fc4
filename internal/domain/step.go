package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StepType is the closed set of fund-protection step kinds.
type StepType string

const (
	StepCryptoDeposit  StepType = "CRYPTO_DEPOSIT"
	StepCryptoTransfer StepType = "CRYPTO_TRANSFER"
	StepCryptoConvert  StepType = "CRYPTO_CONVERT"
	StepIBANTransfer   StepType = "IBAN_TRANSFER"
	StepFiatUpload     StepType = "FIAT_UPLOAD"
	StepFiatConfirm    StepType = "FIAT_CONFIRM"
)

// stepAliases maps step names used by older clients onto the closed set.
var stepAliases = map[string]StepType{
	"VIBAN_TO_BANK":        StepIBANTransfer,
	"CRYPTO_CONVERT_BUYER": StepCryptoConvert,
	"FIAT_PROOF":           StepFiatUpload,
	"FIAT_RECEIPT":         StepFiatConfirm,
}

// ParseStepType resolves a step name, accepting legacy aliases.
func ParseStepType(s string) (StepType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch t := StepType(name); t {
	case StepCryptoDeposit, StepCryptoTransfer, StepCryptoConvert,
		StepIBANTransfer, StepFiatUpload, StepFiatConfirm:
		return t, nil
	}
	if t, ok := stepAliases[name]; ok {
		return t, nil
	}
	return "", Errorf(ErrInvalidInput, "unknown step type %q", s)
}

// StepStatus is PENDING until the step settles; there is no way back.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepCompleted StepStatus = "COMPLETED"
)

// FundProtectionStep is one ordered unit of the settlement pipeline.
type FundProtectionStep struct {
	ID            string
	TransactionID string
	StepNumber    int
	StepType      StepType
	UserType      Role
	Status        StepStatus
	Amount        decimal.Decimal
	Currency      string
	Source        string
	Destination   string
	TxHash        string
	ProofURL      string
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// StepEvidence is what an actor submits with a step execution.
type StepEvidence struct {
	TxHash   string
	ProofURL string
	// Document is an optional proof-of-transfer file uploaded with a
	// FIAT_UPLOAD step; it is stored in blob storage and replaced by a URL.
	Document            []byte
	DocumentName        string
	DocumentContentType string
}

// CustodyBalance is the platform's view of a user's custody balance in one currency.
type CustodyBalance struct {
	UserID    string
	Currency  string
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// PaymentRecordStatus tracks a provider settlement until it is confirmed.
type PaymentRecordStatus string

const (
	PaymentRecordPending   PaymentRecordStatus = "PENDING"
	PaymentRecordCompleted PaymentRecordStatus = "COMPLETED"
	PaymentRecordFailed    PaymentRecordStatus = "FAILED"
)

// PaymentRecord is one payment-rail call made on behalf of a step.
type PaymentRecord struct {
	ID            string
	SettlementID  string
	TransactionID string
	StepID        string
	Kind          StepType
	Amount        decimal.Decimal
	Currency      string
	Status        PaymentRecordStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
