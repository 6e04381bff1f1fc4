package settlement

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

func plannedTxn(method domain.PaymentMethod, cryptoPct, fiatPct int, price string) domain.Transaction {
	agreed := dec(price)
	t := domain.Transaction{
		ID:               "txn-1",
		BuyerID:          testBuyer,
		SellerID:         testSeller,
		AgreedPrice:      &agreed,
		PaymentMethod:    method,
		CryptoPercentage: cryptoPct,
		FiatPercentage:   fiatPct,
	}
	if method.UsesCrypto() {
		t.CryptoCurrency = "USDC"
	}
	return t
}

func testAccounts(payout bool) (domain.Account, domain.Account) {
	buyer := domain.Account{UserID: testBuyer, Wallets: map[string]string{"USDC": buyerUSDC}}
	seller := domain.Account{UserID: testSeller, Wallets: map[string]string{"USDC": sellerUSDC, "EUR": sellerEUR}}
	if payout {
		seller.PayoutIBAN = testIBAN
	}
	return buyer, seller
}

func TestPlanFiat(t *testing.T) {
	buyer, seller := testAccounts(true)
	specs, err := Plan(plannedTxn(domain.PaymentFiat, 0, 100, "290000"), buyer, seller)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d steps, want 2", len(specs))
	}
	want := []struct {
		typ  domain.StepType
		role domain.Role
	}{
		{domain.StepFiatUpload, domain.RoleBuyer},
		{domain.StepFiatConfirm, domain.RoleSeller},
	}
	for i, w := range want {
		s := specs[i]
		if s.StepNumber != i+1 || s.StepType != w.typ || s.UserType != w.role {
			t.Errorf("step %d = %d/%s/%s, want %d/%s/%s", i, s.StepNumber, s.StepType, s.UserType, i+1, w.typ, w.role)
		}
		if !s.Amount.Equal(dec("290000")) || s.Currency != "EUR" {
			t.Errorf("step %d amount = %s %s, want 290000 EUR", i, s.Amount, s.Currency)
		}
	}
}

func TestPlanHybridSplitsAmounts(t *testing.T) {
	buyer, seller := testAccounts(true)
	specs, err := Plan(plannedTxn(domain.PaymentHybrid, 40, 60, "500000"), buyer, seller)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	wantTypes := []domain.StepType{
		domain.StepCryptoDeposit,
		domain.StepCryptoTransfer,
		domain.StepCryptoConvert,
		domain.StepIBANTransfer,
		domain.StepFiatUpload,
		domain.StepFiatConfirm,
	}
	if len(specs) != len(wantTypes) {
		t.Fatalf("got %d steps, want %d", len(specs), len(wantTypes))
	}
	for i, typ := range wantTypes {
		if specs[i].StepType != typ {
			t.Errorf("step %d type = %s, want %s", i+1, specs[i].StepType, typ)
		}
		if specs[i].StepNumber != i+1 {
			t.Errorf("step %d numbered %d", i+1, specs[i].StepNumber)
		}
	}
	for _, s := range specs[:4] {
		if !s.Amount.Equal(dec("200000")) {
			t.Errorf("%s amount = %s, want 200000", s.StepType, s.Amount)
		}
	}
	for _, s := range specs[4:] {
		if !s.Amount.Equal(dec("300000")) {
			t.Errorf("%s amount = %s, want 300000", s.StepType, s.Amount)
		}
	}
	if specs[1].Source != buyerUSDC || specs[1].Destination != sellerUSDC {
		t.Errorf("transfer refs = %q -> %q", specs[1].Source, specs[1].Destination)
	}
	if specs[3].Destination != testIBAN {
		t.Errorf("payout destination = %q, want %q", specs[3].Destination, testIBAN)
	}
}

func TestPlanCryptoWithoutPayoutAccount(t *testing.T) {
	buyer, seller := testAccounts(false)
	specs, err := Plan(plannedTxn(domain.PaymentCrypto, 100, 0, "100000"), buyer, seller)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d steps, want 3 (no payout step)", len(specs))
	}
	if specs[2].StepType != domain.StepCryptoConvert {
		t.Errorf("last step = %s", specs[2].StepType)
	}
}

func TestPlanRoundsShares(t *testing.T) {
	buyer, seller := testAccounts(true)
	specs, err := Plan(plannedTxn(domain.PaymentHybrid, 33, 67, "1000.01"), buyer, seller)
	if err != nil {
		t.Fatal(err)
	}
	if got := specs[0].Amount.String(); got != "330" {
		t.Errorf("crypto share = %s, want 330", got)
	}
	if got := specs[4].Amount.String(); got != "670.01" {
		t.Errorf("fiat share = %s, want 670.01", got)
	}
}

func TestPlanRequiresAgreedPrice(t *testing.T) {
	buyer, seller := testAccounts(true)
	txn := plannedTxn(domain.PaymentFiat, 0, 100, "1")
	txn.AgreedPrice = nil
	if _, err := Plan(txn, buyer, seller); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("error = %v, want ErrPreconditionFailed", err)
	}
}

func TestValidateSplit(t *testing.T) {
	tests := []struct {
		method       domain.PaymentMethod
		crypto, fiat int
		wantErr      bool
	}{
		{domain.PaymentFiat, 0, 100, false},
		{domain.PaymentFiat, 10, 90, true},
		{domain.PaymentCrypto, 100, 0, false},
		{domain.PaymentCrypto, 99, 1, true},
		{domain.PaymentHybrid, 40, 60, false},
		{domain.PaymentHybrid, 0, 100, true},
		{domain.PaymentHybrid, 50, 60, true},
		{"BARTER", 0, 100, true},
	}
	for _, tt := range tests {
		err := ValidateSplit(tt.method, tt.crypto, tt.fiat)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSplit(%s, %d, %d) = %v, wantErr %v", tt.method, tt.crypto, tt.fiat, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("ValidateSplit(%s) error kind = %s", tt.method, domain.KindOf(err))
		}
	}
}
