package domain

import "time"

// KycStatus is the identity provider's decision for one verification tier.
type KycStatus string

const (
	KycNone     KycStatus = ""
	KycPending  KycStatus = "PENDING"
	KycApproved KycStatus = "APPROVED"
	KycRejected KycStatus = "REJECTED"
)

// Account holds references to a user's externally held identity and custody
// state. Wallet and IBAN identifiers point at the custodian; nothing here is
// custody itself.
type Account struct {
	UserID          string
	Tier1Status     KycStatus
	Tier2Status     KycStatus
	Wallets         map[string]string // currency -> custody account id
	PayoutIBAN      string
	PayoutAccountID string
	ProvisionedAt   *time.Time
	UpdatedAt       time.Time
}

// Wallet returns the custody account id for currency, or "".
func (a Account) Wallet(currency string) string {
	if a.Wallets == nil {
		return ""
	}
	return a.Wallets[currency]
}

// HasPayoutAccount reports whether the user can receive SEPA payouts.
func (a Account) HasPayoutAccount() bool {
	return a.PayoutIBAN != ""
}

// Provisioned reports whether custody accounts were already requested.
func (a Account) Provisioned() bool {
	return a.ProvisionedAt != nil
}
