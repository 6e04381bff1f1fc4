package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://u@h/db", Host: "ignored"},
			want: "postgres://u@h/db",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "db", Database: "deals", User: "broker", Password: "pw"},
			want: "postgres://broker:pw@db:5432/deals?sslmode=disable",
		},
		{
			name: "custom port and sslmode",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "deals", User: "broker", Password: "pw", SSLMode: "require"},
			want: "postgres://broker:pw@db:6543/deals?sslmode=require",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DSN(tc.cfg); got != tc.want {
				t.Errorf("DSN() = %q, want %q", got, tc.want)
			}
		})
	}
}

// openTestStore connects to DEALBROKER_TEST_POSTGRES_DSN, skipping when it is
// unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DEALBROKER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DEALBROKER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return NewStore(c)
}

func newTestTransaction() domain.Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Transaction{
		ID:             uuid.NewString(),
		BuyerID:        "buyer-" + uuid.NewString(),
		SellerID:       "seller-" + uuid.NewString(),
		PropertyID:     "prop-1",
		OfferPrice:     decimal.RequireFromString("300000"),
		PaymentMethod:  domain.PaymentFiat,
		FiatPercentage: 100,
		Status:         domain.StatusOffer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestAtomicRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	txn := newTestTransaction()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, r domain.Repos) error {
		if err := r.Transactions.Create(ctx, txn); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic() error = %v, want boom", err)
	}
	if _, err := s.Repos().Transactions.Get(ctx, txn.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() after rollback error = %v, want NotFound", err)
	}
}

func TestTransactionRoundTripAndSteps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := s.Repos()
	txn := newTestTransaction()
	if err := r.Transactions.Create(ctx, txn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Transactions.Create(ctx, txn); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate Create() error = %v, want AlreadyExists", err)
	}

	agreed := decimal.RequireFromString("290000.50")
	txn.AgreedPrice = &agreed
	txn.Status = domain.StatusAgreement
	if err := r.Transactions.Update(ctx, txn); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := r.Transactions.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.StatusAgreement || got.AgreedPrice == nil || !got.AgreedPrice.Equal(agreed) {
		t.Fatalf("Get() = status %s agreed %v", got.Status, got.AgreedPrice)
	}

	now := time.Now().UTC()
	steps := []domain.FundProtectionStep{
		{ID: uuid.NewString(), TransactionID: txn.ID, StepNumber: 1, StepType: domain.StepFiatUpload, UserType: domain.RoleBuyer, Status: domain.StepPending, Amount: agreed, Currency: "EUR", CreatedAt: now},
		{ID: uuid.NewString(), TransactionID: txn.ID, StepNumber: 2, StepType: domain.StepFiatConfirm, UserType: domain.RoleSeller, Status: domain.StepPending, Amount: agreed, Currency: "EUR", CreatedAt: now},
	}
	if err := r.Steps.CreateBatch(ctx, steps); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	done := steps[0]
	done.ProofURL = "s3://proofs/1.pdf"
	done.CompletedAt = &now
	if err := r.Steps.Complete(ctx, done); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := r.Steps.Complete(ctx, done); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("second Complete() error = %v, want AlreadyCompleted", err)
	}
	listed, err := r.Steps.ListByTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ListByTransaction() error = %v", err)
	}
	if len(listed) != 2 || listed[0].Status != domain.StepCompleted || listed[1].Status != domain.StepPending {
		t.Fatalf("steps = %+v", listed)
	}
}

func TestStepCompleteStoresResolvedRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := s.Repos()
	txn := newTestTransaction()
	if err := r.Transactions.Create(ctx, txn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	now := time.Now().UTC()
	step := domain.FundProtectionStep{
		ID: uuid.NewString(), TransactionID: txn.ID, StepNumber: 1,
		StepType: domain.StepCryptoTransfer, UserType: domain.RoleBuyer,
		Status: domain.StepPending, Amount: decimal.RequireFromString("1.5"),
		Currency: "ETH", CreatedAt: now,
	}
	if err := r.Steps.CreateBatch(ctx, []domain.FundProtectionStep{step}); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	// Wallets are resolved at run time, after the plan was stored empty.
	step.Source = "0x1111111111111111111111111111111111111111"
	step.Destination = "0x2222222222222222222222222222222222222222"
	step.TxHash = "0xabc"
	step.CompletedAt = &now
	if err := r.Steps.Complete(ctx, step); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	listed, err := r.Steps.ListByTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ListByTransaction() error = %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("steps = %+v", listed)
	}
	got := listed[0]
	if got.Source != step.Source || got.Destination != step.Destination || got.TxHash != step.TxHash {
		t.Fatalf("completed step = source %q destination %q tx %q", got.Source, got.Destination, got.TxHash)
	}
}

func TestBalanceAdjustIsIncremental(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	r := s.Repos()

	if _, err := r.Balances.Adjust(ctx, user, "USDC", decimal.RequireFromString("100.5")); err != nil {
		t.Fatal(err)
	}
	got, err := r.Balances.Adjust(ctx, user, "USDC", decimal.RequireFromString("-40.25"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(decimal.RequireFromString("60.25")) {
		t.Errorf("balance = %s, want 60.25", got)
	}
	zero, err := r.Balances.Get(ctx, user, "EUR")
	if err != nil || !zero.IsZero() {
		t.Errorf("untouched balance = %s, %v", zero, err)
	}
}

func TestWebhookDedupKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := s.Repos()
	ev := domain.WebhookEvent{
		ID:              uuid.NewString(),
		Source:          "payments",
		ProviderEventID: "evt-" + uuid.NewString(),
		EventType:       domain.EventWalletCreated,
		Payload:         []byte(`{}`),
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.Webhooks.Insert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	dup := ev
	dup.ID = uuid.NewString()
	if err := r.Webhooks.Insert(ctx, dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate Insert() error = %v, want AlreadyExists", err)
	}
	if err := r.Webhooks.MarkProcessed(ctx, ev.ID, "unsupported event type"); err != nil {
		t.Fatal(err)
	}
	found, err := r.Webhooks.Find(ctx, ev.Source, ev.ProviderEventID)
	if err != nil {
		t.Fatal(err)
	}
	if !found.Processed || found.Error == "" || found.ProcessedAt == nil {
		t.Errorf("Find() = %+v", found)
	}
}
