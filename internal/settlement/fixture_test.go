package settlement

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/cache/local"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/store/memory"
)

const (
	testBuyer  = "buyer-1"
	testSeller = "seller-1"
	testIBAN   = "DE89370400440532013000"

	buyerUSDC  = "wallet-buyer-usdc"
	sellerUSDC = "wallet-seller-usdc"
	sellerEUR  = "wallet-seller-eur"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validHash(b byte) string {
	return "0x" + fmt.Sprintf("%064x", b)
}

// fakeRail records calls and keeps per-account balances.
type fakeRail struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	rate      decimal.Decimal
	failNext  error
	transfers []domain.TransferRequest
	converts  []domain.ConvertRequest
	seq       int
}

func newFakeRail() *fakeRail {
	return &fakeRail{balances: make(map[string]decimal.Decimal), rate: dec("0.92")}
}

func (r *fakeRail) Name() string { return "fake" }

func (r *fakeRail) fund(account, amount string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] = r.balances[account].Add(dec(amount))
}

func (r *fakeRail) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *fakeRail) CheckBalance(_ context.Context, account, _ string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return decimal.Zero, err
	}
	return r.balances[account], nil
}

func (r *fakeRail) Transfer(_ context.Context, req domain.TransferRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return "", err
	}
	r.transfers = append(r.transfers, req)
	r.seq++
	return fmt.Sprintf("stl-%d", r.seq), nil
}

func (r *fakeRail) Convert(_ context.Context, req domain.ConvertRequest) (domain.ConversionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return domain.ConversionResult{}, err
	}
	r.converts = append(r.converts, req)
	r.seq++
	return domain.ConversionResult{
		SettlementID:      fmt.Sprintf("stl-%d", r.seq),
		DestinationAmount: req.Amount.Mul(r.rate),
		Rate:              r.rate,
	}, nil
}

func (r *fakeRail) CreateCustodyAccount(_ context.Context, userID, currency string) (string, error) {
	return "wallet-" + userID + "-" + currency, nil
}

func (r *fakeRail) CreatePayoutAccount(_ context.Context, userID string) (domain.PayoutAccount, error) {
	return domain.PayoutAccount{AccountID: "payout-" + userID, IBAN: testIBAN}, nil
}

func (r *fakeRail) transferCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

type notification struct {
	userID, event string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{userID, event})
	return nil
}

func (n *recordingNotifier) countFor(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.userID == userID {
			c++
		}
	}
	return c
}

type memBlobs struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.files == nil {
		b.files = make(map[string][]byte)
	}
	b.files[path] = buf.Bytes()
	return nil
}

func (b *memBlobs) URL(path string) string { return "mem://proofs-bucket/" + path }

type fixture struct {
	store   *memory.Store
	machine *Machine
	rail    *fakeRail
	blobs   *memBlobs
	notes   *recordingNotifier
	exec    *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		machine: NewMachine("test-escrow"),
		rail:    newFakeRail(),
		blobs:   &memBlobs{},
		notes:   &recordingNotifier{},
	}
	f.exec = NewExecutor(ExecutorConfig{
		Store:   f.store,
		Machine: f.machine,
		Locker:  NewTxLocker(local.NewLockManager(), time.Minute, time.Second),
		Rail:    f.rail,
		Blobs:   f.blobs,
		Events:  NewPublisher(local.NewEventBus(), f.notes, discardLogger()),
		Logger:  discardLogger(),
	})
	return f
}

func (f *fixture) seedAccounts(t *testing.T, withPayout bool) {
	t.Helper()
	ctx := context.Background()
	r := f.store.Repos()
	if err := r.Accounts.Upsert(ctx, domain.Account{
		UserID:      testBuyer,
		Tier2Status: domain.KycApproved,
		Wallets:     map[string]string{"USDC": buyerUSDC},
	}); err != nil {
		t.Fatal(err)
	}
	seller := domain.Account{
		UserID:      testSeller,
		Tier2Status: domain.KycApproved,
		Wallets:     map[string]string{"USDC": sellerUSDC, FiatCurrency: sellerEUR},
	}
	if withPayout {
		seller.PayoutIBAN = testIBAN
		seller.PayoutAccountID = "payout-" + testSeller
	}
	if err := r.Accounts.Upsert(ctx, seller); err != nil {
		t.Fatal(err)
	}
}

// agreedDeal stores a signed, verified transaction sitting in status.
func (f *fixture) agreedDeal(t *testing.T, status domain.TransactionStatus, method domain.PaymentMethod, cryptoPct, fiatPct int, price string) domain.Transaction {
	t.Helper()
	now := time.Now().UTC()
	agreed := dec(price)
	txn := domain.Transaction{
		ID:                       uuid.NewString(),
		BuyerID:                  testBuyer,
		SellerID:                 testSeller,
		PropertyID:               "property-1",
		OfferPrice:               agreed,
		AgreedPrice:              &agreed,
		PaymentMethod:            method,
		CryptoPercentage:         cryptoPct,
		FiatPercentage:           fiatPct,
		Status:                   status,
		BuyerPromissorySignedAt:  &now,
		SellerPromissorySignedAt: &now,
		BuyerMediationSignedAt:   &now,
		SellerMediationSignedAt:  &now,
		BuyerKyc2Verified:        true,
		SellerKyc2Verified:       true,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if method.UsesCrypto() {
		txn.CryptoCurrency = "USDC"
	}
	if err := f.store.Repos().Transactions.Create(context.Background(), txn); err != nil {
		t.Fatal(err)
	}
	return txn
}

// protectedDeal returns a transaction already in FUND_PROTECTION with its
// steps planned.
func (f *fixture) protectedDeal(t *testing.T, method domain.PaymentMethod, cryptoPct, fiatPct int, price string) domain.Transaction {
	t.Helper()
	f.seedAccounts(t, true)
	txn := f.agreedDeal(t, domain.StatusKyc2Verification, method, cryptoPct, fiatPct, price)
	err := f.store.Atomic(context.Background(), func(ctx context.Context, r domain.Repos) error {
		return f.machine.Apply(ctx, r, &txn, domain.StatusFundProtection, domain.SystemActor, "verified")
	})
	if err != nil {
		t.Fatalf("enter fund protection: %v", err)
	}
	return txn
}

func (f *fixture) steps(t *testing.T, txnID string) []domain.FundProtectionStep {
	t.Helper()
	steps, err := f.store.Repos().Steps.ListByTransaction(context.Background(), txnID)
	if err != nil {
		t.Fatal(err)
	}
	return steps
}

func (f *fixture) txn(t *testing.T, id string) domain.Transaction {
	t.Helper()
	txn, err := f.store.Repos().Transactions.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return txn
}
