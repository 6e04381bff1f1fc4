package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/cache/local"
	"github.com/alanyoungcy/dealbroker/internal/crypto"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/platform/sandbox"
	"github.com/alanyoungcy/dealbroker/internal/settlement"
	"github.com/alanyoungcy/dealbroker/internal/store/memory"
)

var testSecret = []byte("whsec_payments")

type archive struct {
	mu   sync.Mutex
	keys []string
}

func (a *archive) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, path)
	return nil
}

func (a *archive) URL(path string) string { return "mem://" + path }

type harness struct {
	store   *memory.Store
	rail    *sandbox.Rail
	archive *archive
	proc    *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:   memory.New(),
		rail:    sandbox.NewRail(map[string]decimal.Decimal{"USDC/EUR": decimal.RequireFromString("0.9")}),
		archive: &archive{},
	}
	h.proc = NewProcessor(Config{
		Store:             h.store,
		Machine:           settlement.NewMachine("test-escrow"),
		Locker:            settlement.NewTxLocker(local.NewLockManager(), time.Minute, time.Second),
		Rail:              h.rail,
		Archive:           h.archive,
		Events:            settlement.NewPublisher(local.NewEventBus(), nil, logger),
		Secrets:           map[string][]byte{"payments": testSecret},
		CustodyCurrencies: []string{"USDC", "EUR"},
		Logger:            logger,
	})
	return h
}

func (h *harness) deliver(t *testing.T, typ domain.WebhookEventType, id string, data any) (Result, error) {
	t.Helper()
	body, sig, err := sandbox.SignedEvent(testSecret, typ, id, data)
	if err != nil {
		t.Fatal(err)
	}
	return h.proc.Handle(context.Background(), "payments", body, sig)
}

func (h *harness) failedCount(t *testing.T) int {
	t.Helper()
	failed, err := h.proc.ListFailed(context.Background(), domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	return len(failed)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	body, _, err := sandbox.SignedEvent(testSecret, domain.EventWalletCreated, "evt_1",
		domain.WalletCreatedData{UserID: "u1", Currency: "USDC", WalletID: "w1"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, source, sig string
	}{
		{"forged", "payments", "deadbeef"},
		{"unknown source", "stranger", "deadbeef"},
		{"missing", "payments", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.Handle(context.Background(), tt.source, body, tt.sig)
			if !errors.Is(err, domain.ErrInvalidSignature) {
				t.Fatalf("error = %v, want ErrInvalidSignature", err)
			}
		})
	}
	if _, err := h.store.Repos().Webhooks.Find(context.Background(), "payments", "evt_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected delivery was stored: %v", err)
	}
	if len(h.archive.keys) != 0 {
		t.Fatalf("rejected delivery was archived: %v", h.archive.keys)
	}
}

func TestHandleRejectsUnparseableBody(t *testing.T) {
	h := newHarness(t)
	for _, body := range [][]byte{[]byte("not json"), []byte(`{"eventType":"WALLET_CREATED"}`)} {
		sig := crypto.SignWebhook(testSecret, body)
		if _, err := h.proc.Handle(context.Background(), "payments", body, sig); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("body %q: error = %v, want ErrInvalidInput", body, err)
		}
	}
}

func TestHandleDeduplicates(t *testing.T) {
	h := newHarness(t)
	data := domain.WalletCreatedData{UserID: "u1", Currency: "usdc", WalletID: "w-first"}

	res, err := h.deliver(t, domain.EventWalletCreated, "evt_dup", data)
	if err != nil || res.Duplicate || res.Error != "" {
		t.Fatalf("first delivery: res=%+v err=%v", res, err)
	}

	data.WalletID = "w-second"
	res, err = h.deliver(t, domain.EventWalletCreated, "evt_dup", data)
	if err != nil || !res.Duplicate {
		t.Fatalf("second delivery: res=%+v err=%v", res, err)
	}

	acct, err := h.store.Repos().Accounts.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got := acct.Wallet("USDC"); got != "w-first" {
		t.Fatalf("wallet = %q, want the first delivery's", got)
	}
	if len(h.archive.keys) != 1 || h.archive.keys[0] != "webhooks/payments/evt_dup.json" {
		t.Fatalf("archive keys = %v", h.archive.keys)
	}
	ev, err := h.store.Repos().Webhooks.Find(context.Background(), "payments", "evt_dup")
	if err != nil || !ev.Processed || ev.ProcessedAt == nil {
		t.Fatalf("stored event = %+v err=%v", ev, err)
	}
}

func TestHandleRecordsProcessingErrors(t *testing.T) {
	h := newHarness(t)
	res, err := h.deliver(t, "SOMETHING_NEW", "evt_x", map[string]string{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Error == "" {
		t.Fatal("unsupported event type should be recorded as an error")
	}
	res, err = h.deliver(t, domain.EventTransactionCompleted, "evt_y", domain.TransactionCompletedData{SettlementID: "nope", Status: "COMPLETED"})
	if err != nil || res.Error == "" {
		t.Fatalf("unknown settlement: res=%+v err=%v", res, err)
	}
	if n := h.failedCount(t); n != 2 {
		t.Fatalf("failed events = %d, want 2", n)
	}
}

// brokenPayoutRail panics when asked for a payout account.
type brokenPayoutRail struct {
	*sandbox.Rail
}

func (brokenPayoutRail) CreatePayoutAccount(context.Context, string) (domain.PayoutAccount, error) {
	panic("payout backend nil pointer")
}

func TestHandlerPanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.proc = NewProcessor(Config{
		Store:             h.store,
		Machine:           settlement.NewMachine("test-escrow"),
		Locker:            settlement.NewTxLocker(local.NewLockManager(), time.Minute, time.Second),
		Rail:              brokenPayoutRail{h.rail},
		Archive:           h.archive,
		Events:            settlement.NewPublisher(local.NewEventBus(), nil, logger),
		Secrets:           map[string][]byte{"payments": testSecret},
		CustodyCurrencies: []string{"USDC"},
		Logger:            logger,
	})

	res, err := h.deliver(t, domain.EventKycStatusChanged, "evt_p1", domain.KycStatusChangedData{UserID: "u9", Tier: 1, Status: domain.KycApproved})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(res.Error, "payout backend nil pointer") {
		t.Fatalf("res.Error = %q, want the panic value", res.Error)
	}
	failed, err := h.proc.ListFailed(context.Background(), domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || !failed[0].Processed || failed[0].ProviderEventID != "evt_p1" {
		t.Fatalf("failed = %+v, want the panicking event marked processed", failed)
	}

	// The account lock was released, so a later event for the same user runs.
	res, err = h.deliver(t, domain.EventKycStatusChanged, "evt_p2", domain.KycStatusChangedData{UserID: "u9", Tier: 2, Status: domain.KycPending})
	if err != nil || res.Error != "" {
		t.Fatalf("follow-up event: res=%+v err=%v", res, err)
	}
}

func TestKycApprovalProvisionsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.deliver(t, domain.EventKycStatusChanged, "evt_k1", domain.KycStatusChangedData{UserID: "u1", Tier: 1, Status: domain.KycApproved}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.deliver(t, domain.EventKycStatusChanged, "evt_k2", domain.KycStatusChangedData{UserID: "u1", Tier: 2, Status: domain.KycApproved}); err != nil {
		t.Fatal(err)
	}

	acct, err := h.store.Repos().Accounts.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Tier1Status != domain.KycApproved || acct.Tier2Status != domain.KycApproved {
		t.Fatalf("tiers = %s/%s", acct.Tier1Status, acct.Tier2Status)
	}
	if !acct.Provisioned() || acct.Wallet("USDC") == "" || acct.Wallet("EUR") == "" || acct.PayoutIBAN == "" {
		t.Fatalf("account not provisioned: %+v", acct)
	}
	if n := h.rail.Calls(sandbox.OpCreateCustody); n != 2 {
		t.Fatalf("custody accounts created %d times, want 2", n)
	}
	if n := h.rail.Calls(sandbox.OpCreatePayout); n != 1 {
		t.Fatalf("payout accounts created %d times, want 1", n)
	}
}

func TestKycProvisioningFailureIsResumable(t *testing.T) {
	h := newHarness(t)
	h.rail.FailNext(sandbox.OpCreatePayout, errors.New("provider down"))

	res, err := h.deliver(t, domain.EventKycStatusChanged, "evt_a", domain.KycStatusChangedData{UserID: "u2", Tier: 1, Status: domain.KycApproved})
	if err != nil || res.Error == "" {
		t.Fatalf("res=%+v err=%v, want recorded provider error", res, err)
	}
	acct, _ := h.store.Repos().Accounts.Get(context.Background(), "u2")
	if acct.Provisioned() || acct.Wallet("USDC") == "" {
		t.Fatalf("partial progress not saved: %+v", acct)
	}

	if _, err := h.deliver(t, domain.EventKycStatusChanged, "evt_b", domain.KycStatusChangedData{UserID: "u2", Tier: 2, Status: domain.KycApproved}); err != nil {
		t.Fatal(err)
	}
	acct, _ = h.store.Repos().Accounts.Get(context.Background(), "u2")
	if !acct.Provisioned() {
		t.Fatalf("account not provisioned after redelivery: %+v", acct)
	}
	if n := h.rail.Calls(sandbox.OpCreateCustody); n != 2 {
		t.Fatalf("custody accounts created %d times, want 2 (no duplicates)", n)
	}
}

func TestTier2ApprovalAdvancesWaitingDeal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	repos := h.store.Repos()

	for _, uid := range []string{"buyer", "seller"} {
		if err := repos.Accounts.Upsert(ctx, domain.Account{
			UserID:        uid,
			Tier1Status:   domain.KycApproved,
			Wallets:       map[string]string{"USDC": "w-" + uid, "EUR": "e-" + uid},
			PayoutIBAN:    "DE89370400440532013000",
			ProvisionedAt: ptr(time.Now()),
		}); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now().UTC()
	price := decimal.NewFromInt(250000)
	txn := domain.Transaction{
		ID:                       "txn-kyc",
		BuyerID:                  "buyer",
		SellerID:                 "seller",
		PropertyID:               "property-1",
		OfferPrice:               price,
		AgreedPrice:              &price,
		PaymentMethod:            domain.PaymentFiat,
		FiatPercentage:           100,
		Status:                   domain.StatusKyc2Verification,
		BuyerPromissorySignedAt:  &now,
		SellerPromissorySignedAt: &now,
		BuyerMediationSignedAt:   &now,
		SellerMediationSignedAt:  &now,
		BuyerKyc2Verified:        true,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := repos.Transactions.Create(ctx, txn); err != nil {
		t.Fatal(err)
	}

	res, err := h.deliver(t, domain.EventKycStatusChanged, "evt_t2", domain.KycStatusChangedData{UserID: "seller", Tier: 2, Status: domain.KycApproved})
	if err != nil || res.Error != "" {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	got, _ := repos.Transactions.Get(ctx, "txn-kyc")
	if !got.SellerKyc2Verified || got.Status != domain.StatusFundProtection {
		t.Fatalf("transaction = verified %v status %s, want FUND_PROTECTION", got.SellerKyc2Verified, got.Status)
	}
	steps, _ := repos.Steps.ListByTransaction(ctx, "txn-kyc")
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	hist, _ := repos.History.ListByTransaction(ctx, "txn-kyc")
	if len(hist) != 1 || hist[0].ActorID != domain.SystemActor.UserID {
		t.Fatalf("history = %+v", hist)
	}
}

func TestTransactionCompletedUpdatesPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.Repos().Payments.Create(ctx, domain.PaymentRecord{
		ID:           "p1",
		SettlementID: "stl_1",
		Status:       domain.PaymentRecordPending,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.deliver(t, domain.EventTransactionCompleted, "evt_p", domain.TransactionCompletedData{SettlementID: "stl_1", Status: "completed"}); err != nil {
		t.Fatal(err)
	}
	rec, _ := h.store.Repos().Payments.GetBySettlementID(ctx, "stl_1")
	if rec.Status != domain.PaymentRecordCompleted {
		t.Fatalf("payment status = %s", rec.Status)
	}
}

func TestIBANCreatedKeepsExisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.deliver(t, domain.EventIBANCreated, "evt_i1", domain.IBANCreatedData{UserID: "u", IBAN: "FIRST", AccountID: "a1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.deliver(t, domain.EventIBANCreated, "evt_i2", domain.IBANCreatedData{UserID: "u", IBAN: "SECOND", AccountID: "a2"}); err != nil {
		t.Fatal(err)
	}
	acct, _ := h.store.Repos().Accounts.Get(ctx, "u")
	if acct.PayoutIBAN != "FIRST" || acct.PayoutAccountID != "a1" {
		t.Fatalf("payout = %s/%s", acct.PayoutIBAN, acct.PayoutAccountID)
	}
}

func ptr[T any](v T) *T { return &v }
