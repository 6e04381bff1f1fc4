// Package sandbox provides deterministic in-process stand-ins for the payment
// rail and the identity provider, used by the sandbox run mode and in tests.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// Operation names accepted by FailNext.
const (
	OpCheckBalance  = "check_balance"
	OpTransfer      = "transfer"
	OpConvert       = "convert"
	OpCreateCustody = "create_custody"
	OpCreatePayout  = "create_payout"
)

// Rail is a domain.PaymentRail that keeps balances in memory. Transfers to an
// account it does not know (an external IBAN) leave the sandbox.
type Rail struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	rates    map[string]decimal.Decimal
	failures map[string]error
	calls    map[string]int
	seq      int
}

// NewRail creates a Rail converting at rates, keyed "FROM/TO" (for example
// "USDC/EUR").
func NewRail(rates map[string]decimal.Decimal) *Rail {
	r := &Rail{
		balances: make(map[string]decimal.Decimal),
		rates:    make(map[string]decimal.Decimal),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
	for k, v := range rates {
		r.rates[strings.ToUpper(k)] = v
	}
	return r
}

// Name implements domain.PaymentRail.
func (r *Rail) Name() string { return "sandbox" }

// Fund credits account, simulating an on-chain deposit or a bank transfer in.
func (r *Rail) Fund(account string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] = r.balances[account].Add(amount)
}

// Balance returns the sandbox balance of account.
func (r *Rail) Balance(account string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[account]
}

// FailNext makes the next call of op return err.
func (r *Rail) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
}

// Calls returns how many times op was attempted.
func (r *Rail) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// begin records a call and returns an injected failure. Callers hold r.mu.
func (r *Rail) begin(op string) error {
	r.calls[op]++
	if err, ok := r.failures[op]; ok {
		delete(r.failures, op)
		return err
	}
	return nil
}

func (r *Rail) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("sbx_%s_%06d", prefix, r.seq)
}

// CheckBalance implements domain.PaymentRail.
func (r *Rail) CheckBalance(_ context.Context, account, _ string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpCheckBalance); err != nil {
		return decimal.Zero, err
	}
	return r.balances[account], nil
}

// Transfer implements domain.PaymentRail.
func (r *Rail) Transfer(_ context.Context, req domain.TransferRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpTransfer); err != nil {
		return "", err
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("sandbox: transfer amount must be positive, got %s", req.Amount)
	}
	if err := r.debit(req.Source, req.Amount, req.Currency); err != nil {
		return "", err
	}
	r.balances[req.Destination] = r.balances[req.Destination].Add(req.Amount)
	return r.nextID("trf"), nil
}

// Convert implements domain.PaymentRail.
func (r *Rail) Convert(_ context.Context, req domain.ConvertRequest) (domain.ConversionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpConvert); err != nil {
		return domain.ConversionResult{}, err
	}
	pair := strings.ToUpper(req.SourceCurrency + "/" + req.TargetCurrency)
	rate, ok := r.rates[pair]
	if !ok {
		return domain.ConversionResult{}, fmt.Errorf("sandbox: no rate for %s", pair)
	}
	if err := r.debit(req.Source, req.Amount, req.SourceCurrency); err != nil {
		return domain.ConversionResult{}, err
	}
	out := req.Amount.Mul(rate).Round(2)
	r.balances[req.Destination] = r.balances[req.Destination].Add(out)
	return domain.ConversionResult{
		SettlementID:      r.nextID("cnv"),
		DestinationAmount: out,
		Rate:              rate,
	}, nil
}

func (r *Rail) debit(account string, amount decimal.Decimal, currency string) error {
	bal := r.balances[account]
	if bal.LessThan(amount) {
		return domain.Errorf(domain.ErrInsufficientFunds, "%s holds %s %s, need %s", account, bal, currency, amount)
	}
	r.balances[account] = bal.Sub(amount)
	return nil
}

// CreateCustodyAccount implements domain.PaymentRail. Ids are derived from
// the inputs so repeated calls are stable.
func (r *Rail) CreateCustodyAccount(_ context.Context, userID, currency string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpCreateCustody); err != nil {
		return "", err
	}
	return fmt.Sprintf("sbx_wallet_%s_%s", userID, strings.ToLower(currency)), nil
}

// CreatePayoutAccount implements domain.PaymentRail.
func (r *Rail) CreatePayoutAccount(_ context.Context, userID string) (domain.PayoutAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpCreatePayout); err != nil {
		return domain.PayoutAccount{}, err
	}
	return domain.PayoutAccount{
		AccountID: "sbx_payout_" + userID,
		IBAN:      sandboxIBAN(userID),
		BIC:       "SBXXDEFFXXX",
	}, nil
}

// sandboxIBAN derives a stable, obviously fake IBAN for userID.
func sandboxIBAN(userID string) string {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(userID); i++ {
		h ^= uint64(userID[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("XS00SBX%016d", h%1e16)
}

var _ domain.PaymentRail = (*Rail)(nil)
