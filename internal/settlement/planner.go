// Package settlement implements the deal lifecycle state machine and the
// fund-protection pipeline: planning the ordered settlement steps and
// executing them against the payment rail.
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// FiatCurrency is the currency of fiat legs and of crypto conversions.
const FiatCurrency = "EUR"

var hundred = decimal.NewFromInt(100)

// StepSpec is one planned step before it is persisted.
type StepSpec struct {
	StepNumber  int
	StepType    domain.StepType
	UserType    domain.Role
	Amount      decimal.Decimal
	Currency    string
	Source      string
	Destination string
}

// Plan builds the ordered step sequence for a transaction. It is pure: the
// same transaction and accounts always yield the same plan.
func Plan(t domain.Transaction, buyer, seller domain.Account) ([]StepSpec, error) {
	if t.AgreedPrice == nil {
		return nil, domain.Errorf(domain.ErrPreconditionFailed, "transaction %s has no agreed price", t.ID)
	}
	if err := ValidateSplit(t.PaymentMethod, t.CryptoPercentage, t.FiatPercentage); err != nil {
		return nil, err
	}
	price := *t.AgreedPrice

	var specs []StepSpec
	add := func(s StepSpec) {
		s.StepNumber = len(specs) + 1
		specs = append(specs, s)
	}

	if t.PaymentMethod.UsesCrypto() {
		amount := share(price, t.CryptoPercentage)
		cur := t.CryptoCurrency
		buyerWallet := buyer.Wallet(cur)
		sellerWallet := seller.Wallet(cur)
		sellerFiat := seller.Wallet(FiatCurrency)

		add(StepSpec{
			StepType:    domain.StepCryptoDeposit,
			UserType:    domain.RoleBuyer,
			Amount:      amount,
			Currency:    cur,
			Destination: buyerWallet,
		})
		add(StepSpec{
			StepType:    domain.StepCryptoTransfer,
			UserType:    domain.RoleBuyer,
			Amount:      amount,
			Currency:    cur,
			Source:      buyerWallet,
			Destination: sellerWallet,
		})
		add(StepSpec{
			StepType:    domain.StepCryptoConvert,
			UserType:    domain.RoleSeller,
			Amount:      amount,
			Currency:    cur,
			Source:      sellerWallet,
			Destination: sellerFiat,
		})
		if seller.HasPayoutAccount() {
			// Amount is re-set to the converted amount once CRYPTO_CONVERT settles.
			add(StepSpec{
				StepType:    domain.StepIBANTransfer,
				UserType:    domain.RoleSeller,
				Amount:      amount,
				Currency:    FiatCurrency,
				Source:      sellerFiat,
				Destination: seller.PayoutIBAN,
			})
		}
	}

	if t.PaymentMethod.UsesFiat() {
		amount := share(price, t.FiatPercentage)
		add(StepSpec{
			StepType:    domain.StepFiatUpload,
			UserType:    domain.RoleBuyer,
			Amount:      amount,
			Currency:    FiatCurrency,
			Source:      t.BuyerID,
			Destination: seller.PayoutIBAN,
		})
		add(StepSpec{
			StepType:    domain.StepFiatConfirm,
			UserType:    domain.RoleSeller,
			Amount:      amount,
			Currency:    FiatCurrency,
			Source:      t.BuyerID,
			Destination: seller.PayoutIBAN,
		})
	}

	return specs, nil
}

// ValidateSplit enforces the crypto/fiat percentages each payment method allows.
func ValidateSplit(m domain.PaymentMethod, cryptoPct, fiatPct int) error {
	switch m {
	case domain.PaymentFiat:
		if cryptoPct != 0 || fiatPct != 100 {
			return domain.Errorf(domain.ErrInvalidInput, "FIAT payment requires 0%% crypto / 100%% fiat, got %d/%d", cryptoPct, fiatPct)
		}
	case domain.PaymentCrypto:
		if cryptoPct != 100 || fiatPct != 0 {
			return domain.Errorf(domain.ErrInvalidInput, "CRYPTO payment requires 100%% crypto / 0%% fiat, got %d/%d", cryptoPct, fiatPct)
		}
	case domain.PaymentHybrid:
		if cryptoPct <= 0 || fiatPct <= 0 || cryptoPct+fiatPct != 100 {
			return domain.Errorf(domain.ErrInvalidInput, "HYBRID payment percentages must both be positive and sum to 100, got %d/%d", cryptoPct, fiatPct)
		}
	default:
		return domain.Errorf(domain.ErrInvalidInput, "unknown payment method %q", m)
	}
	return nil
}

// share returns price * pct / 100 rounded to cents.
func share(price decimal.Decimal, pct int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(pct))).Div(hundred).Round(2)
}
