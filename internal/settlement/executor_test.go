package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

var (
	buyerActor    = domain.Actor{UserID: testBuyer}
	sellerActor   = domain.Actor{UserID: testSeller}
	strangerActor = domain.Actor{UserID: "stranger"}
)

func TestExecuteFiatFlowClosesDeal(t *testing.T) {
	f := newFixture(t)
	txn := f.protectedDeal(t, domain.PaymentFiat, 0, 100, "290000")
	ctx := context.Background()

	step, err := f.exec.Execute(ctx, txn.ID, domain.StepFiatUpload, buyerActor, domain.StepEvidence{ProofURL: "https://bank.example/receipt/1"})
	if err != nil {
		t.Fatalf("FIAT_UPLOAD: %v", err)
	}
	if step.Status != domain.StepCompleted || step.ProofURL != "https://bank.example/receipt/1" || step.CompletedAt == nil {
		t.Fatalf("completed step = %+v", step)
	}
	if got := f.txn(t, txn.ID).Status; got != domain.StatusFundProtection {
		t.Fatalf("status after first step = %s", got)
	}
	if f.notes.countFor(testSeller) != 1 {
		t.Errorf("seller notifications = %d, want 1", f.notes.countFor(testSeller))
	}

	if _, err := f.exec.Execute(ctx, txn.ID, domain.StepFiatConfirm, sellerActor, domain.StepEvidence{}); err != nil {
		t.Fatalf("FIAT_CONFIRM: %v", err)
	}
	if got := f.txn(t, txn.ID).Status; got != domain.StatusClosing {
		t.Fatalf("status after last step = %s, want CLOSING", got)
	}

	esc, err := f.store.Repos().Escrow.Get(ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !esc.FundsReceived || !esc.FundsReleased {
		t.Errorf("escrow flags = received %v released %v", esc.FundsReceived, esc.FundsReleased)
	}

	hist, _ := f.store.Repos().History.ListByTransaction(ctx, txn.ID)
	last := hist[len(hist)-1]
	if last.FromStatus != domain.StatusFundProtection || last.ToStatus != domain.StatusClosing || last.ActorID != testSeller {
		t.Errorf("last history row = %+v", last)
	}
}

func TestExecuteRejections(t *testing.T) {
	f := newFixture(t)
	txn := f.protectedDeal(t, domain.PaymentFiat, 0, 100, "1000")
	ctx := context.Background()
	proof := domain.StepEvidence{ProofURL: "https://bank.example/r"}

	tests := []struct {
		name  string
		typ   domain.StepType
		actor domain.Actor
		ev    domain.StepEvidence
		want  error
	}{
		{"stranger", domain.StepFiatUpload, strangerActor, proof, domain.ErrUnauthorized},
		{"wrong role", domain.StepFiatUpload, sellerActor, proof, domain.ErrForbidden},
		{"out of order", domain.StepFiatConfirm, sellerActor, domain.StepEvidence{}, domain.ErrOutOfOrder},
		{"not planned", domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: validHash(1)}, domain.ErrStepNotFound},
		{"missing proof", domain.StepFiatUpload, buyerActor, domain.StepEvidence{}, domain.ErrPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Execute(ctx, txn.ID, tt.typ, tt.actor, tt.ev)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
	for _, s := range f.steps(t, txn.ID) {
		if s.Status != domain.StepPending {
			t.Errorf("step %d changed to %s by a rejected request", s.StepNumber, s.Status)
		}
	}

	if _, err := f.exec.Execute(ctx, "missing", domain.StepFiatUpload, buyerActor, proof); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown transaction: error = %v", err)
	}
}

func TestExecuteRequiresFundProtection(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, true)
	txn := f.agreedDeal(t, domain.StatusAgreement, domain.PaymentFiat, 0, 100, "1000")
	_, err := f.exec.Execute(context.Background(), txn.ID, domain.StepFiatUpload, buyerActor, domain.StepEvidence{ProofURL: "x"})
	if !errors.Is(err, domain.ErrStepNotFound) && !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("error = %v, want StepNotFound or PreconditionFailed", err)
	}
}

func TestExecuteTwiceTransfersOnce(t *testing.T) {
	f := newFixture(t)
	txn := f.protectedDeal(t, domain.PaymentCrypto, 100, 0, "1000")
	f.rail.fund(buyerUSDC, "1000")
	ctx := context.Background()

	if _, err := f.exec.Execute(ctx, txn.ID, domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: validHash(7)}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.exec.Execute(ctx, txn.ID, domain.StepCryptoTransfer, buyerActor, domain.StepEvidence{})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrAlreadyCompleted), errors.Is(err, domain.ErrLockHeld):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful executions = %d, want 1", ok)
	}
	if n := f.rail.transferCount(); n != 1 {
		t.Fatalf("rail transfers = %d, want 1", n)
	}

	_, err := f.exec.Execute(ctx, txn.ID, domain.StepCryptoTransfer, buyerActor, domain.StepEvidence{})
	if !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("re-execution: error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestExecuteProviderErrorLeavesStepPending(t *testing.T) {
	f := newFixture(t)
	txn := f.protectedDeal(t, domain.PaymentCrypto, 100, 0, "1000")
	f.rail.fund(buyerUSDC, "1000")
	ctx := context.Background()

	if _, err := f.exec.Execute(ctx, txn.ID, domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: validHash(2)}); err != nil {
		t.Fatal(err)
	}

	f.rail.failNext = errors.New("upstream timeout")
	_, err := f.exec.Execute(ctx, txn.ID, domain.StepCryptoTransfer, buyerActor, domain.StepEvidence{})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("error = %v, want ErrProviderError", err)
	}
	if s := f.steps(t, txn.ID)[1]; s.Status != domain.StepPending {
		t.Fatalf("transfer step status = %s, want PENDING", s.Status)
	}
	bal, _ := f.store.Repos().Balances.Get(ctx, testSeller, "USDC")
	if !bal.IsZero() {
		t.Fatalf("seller balance moved to %s on failure", bal)
	}

	if _, err := f.exec.Execute(ctx, txn.ID, domain.StepCryptoTransfer, buyerActor, domain.StepEvidence{}); err != nil {
		t.Fatalf("retry after provider error: %v", err)
	}
}

func TestExecuteDepositChecks(t *testing.T) {
	f := newFixture(t)
	txn := f.protectedDeal(t, domain.PaymentCrypto, 100, 0, "1000")
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, txn.ID, domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: "0x1234"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("short hash: error = %v, want ErrInvalidInput", err)
	}
	_, err = f.exec.Execute(ctx, txn.ID, domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: validHash(3)})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("unfunded wallet: error = %v, want ErrInsufficientFunds", err)
	}
}

func TestExecuteHybridSettlesBalances(t *testing.T) {
	f := newFixture(t)
	txn := f.protectedDeal(t, domain.PaymentHybrid, 40, 60, "500000")
	f.rail.fund(buyerUSDC, "200000")
	ctx := context.Background()

	run := func(typ domain.StepType, actor domain.Actor, ev domain.StepEvidence) {
		t.Helper()
		if _, err := f.exec.Execute(ctx, txn.ID, typ, actor, ev); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}
	run(domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: validHash(9)})
	run(domain.StepCryptoTransfer, buyerActor, domain.StepEvidence{})
	run(domain.StepCryptoConvert, sellerActor, domain.StepEvidence{})

	payout := f.steps(t, txn.ID)[3]
	if payout.StepType != domain.StepIBANTransfer || !payout.Amount.Equal(dec("184000")) {
		t.Fatalf("payout step = %s %s, want IBAN_TRANSFER 184000", payout.StepType, payout.Amount)
	}

	run(domain.StepIBANTransfer, sellerActor, domain.StepEvidence{})
	run(domain.StepFiatUpload, buyerActor, domain.StepEvidence{
		Document:            []byte("%PDF-1.4 receipt"),
		DocumentName:        "../wire receipt.pdf",
		DocumentContentType: "application/pdf",
	})
	run(domain.StepFiatConfirm, sellerActor, domain.StepEvidence{})

	if got := f.txn(t, txn.ID).Status; got != domain.StatusClosing {
		t.Fatalf("status = %s, want CLOSING", got)
	}

	balances := f.store.Repos().Balances
	check := func(user, cur, want string) {
		t.Helper()
		got, err := balances.Get(ctx, user, cur)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(dec(want)) {
			t.Errorf("%s %s balance = %s, want %s", user, cur, got, want)
		}
	}
	check(testBuyer, "USDC", "0")
	check(testSeller, "USDC", "0")
	check(testSeller, "EUR", "0")

	upload := f.steps(t, txn.ID)[4]
	if !strings.HasPrefix(upload.ProofURL, "mem://proofs-bucket/proofs/"+txn.ID+"/5-") {
		t.Errorf("proof url = %q", upload.ProofURL)
	}
	if len(f.blobs.files) != 1 {
		t.Errorf("stored documents = %d, want 1", len(f.blobs.files))
	}

	rec, err := f.store.Repos().Payments.GetBySettlementID(ctx, f.steps(t, txn.ID)[1].TxHash)
	if err != nil {
		t.Fatalf("payment record for transfer: %v", err)
	}
	if rec.Kind != domain.StepCryptoTransfer || rec.Status != domain.PaymentRecordPending {
		t.Errorf("payment record = %+v", rec)
	}
}

func TestExecuteConvertNormalizesWalletRefs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const sellerHex = " 0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed "
	r := f.store.Repos()
	if err := r.Accounts.Upsert(ctx, domain.Account{
		UserID:      testBuyer,
		Tier2Status: domain.KycApproved,
		Wallets:     map[string]string{"USDC": buyerUSDC},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Accounts.Upsert(ctx, domain.Account{
		UserID:          testSeller,
		Tier2Status:     domain.KycApproved,
		Wallets:         map[string]string{"USDC": sellerHex, FiatCurrency: sellerEUR},
		PayoutIBAN:      testIBAN,
		PayoutAccountID: "payout-" + testSeller,
	}); err != nil {
		t.Fatal(err)
	}
	txn := f.agreedDeal(t, domain.StatusKyc2Verification, domain.PaymentHybrid, 40, 60, "500000")
	if err := f.store.Atomic(ctx, func(ctx context.Context, r domain.Repos) error {
		return f.machine.Apply(ctx, r, &txn, domain.StatusFundProtection, domain.SystemActor, "verified")
	}); err != nil {
		t.Fatal(err)
	}
	f.rail.fund(buyerUSDC, "200000")

	for _, st := range []struct {
		typ   domain.StepType
		actor domain.Actor
		ev    domain.StepEvidence
	}{
		{domain.StepCryptoDeposit, buyerActor, domain.StepEvidence{TxHash: validHash(4)}},
		{domain.StepCryptoTransfer, buyerActor, domain.StepEvidence{}},
		{domain.StepCryptoConvert, sellerActor, domain.StepEvidence{}},
	} {
		if _, err := f.exec.Execute(ctx, txn.ID, st.typ, st.actor, st.ev); err != nil {
			t.Fatalf("%s: %v", st.typ, err)
		}
	}

	const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	f.rail.mu.Lock()
	defer f.rail.mu.Unlock()
	if len(f.rail.transfers) != 1 || f.rail.transfers[0].Destination != checksummed {
		t.Fatalf("transfers = %+v, want destination %s", f.rail.transfers, checksummed)
	}
	if len(f.rail.converts) != 1 {
		t.Fatalf("converts = %d, want 1", len(f.rail.converts))
	}
	if got := f.rail.converts[0]; got.Source != checksummed || got.Destination != sellerEUR {
		t.Fatalf("convert source %q destination %q, want %q and %q", got.Source, got.Destination, checksummed, sellerEUR)
	}
}
