package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

type transactionRepo struct{ v *view }

func (r *transactionRepo) Create(_ context.Context, t domain.Transaction) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.transactions[t.ID]; ok {
			return domain.Errorf(domain.ErrAlreadyExists, "transaction %s already exists", t.ID)
		}
		st.transactions[t.ID] = t
		return nil
	})
}

func (r *transactionRepo) Get(_ context.Context, id string) (domain.Transaction, error) {
	var t domain.Transaction
	err := r.v.do(func(st *state) error {
		var ok bool
		if t, ok = st.transactions[id]; !ok {
			return domain.Errorf(domain.ErrNotFound, "transaction %s not found", id)
		}
		return nil
	})
	return t, err
}

// GetForUpdate is Get: Atomic units are already serialized.
func (r *transactionRepo) GetForUpdate(ctx context.Context, id string) (domain.Transaction, error) {
	return r.Get(ctx, id)
}

func (r *transactionRepo) Update(_ context.Context, t domain.Transaction) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.transactions[t.ID]; !ok {
			return domain.Errorf(domain.ErrNotFound, "transaction %s not found", t.ID)
		}
		st.transactions[t.ID] = t
		return nil
	})
}

func (r *transactionRepo) ListByParty(_ context.Context, userID string, status domain.TransactionStatus) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := r.v.do(func(st *state) error {
		for _, t := range st.transactions {
			if t.BuyerID != userID && t.SellerID != userID {
				continue
			}
			if status != "" && t.Status != status {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

type counterOfferRepo struct{ v *view }

func (r *counterOfferRepo) Create(_ context.Context, c domain.CounterOffer) error {
	return r.v.do(func(st *state) error {
		st.offers = append(st.offers, c)
		return nil
	})
}

func (r *counterOfferRepo) ListByTransaction(_ context.Context, transactionID string) ([]domain.CounterOffer, error) {
	var out []domain.CounterOffer
	err := r.v.do(func(st *state) error {
		for _, c := range st.offers {
			if c.TransactionID == transactionID {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

func (r *counterOfferRepo) MarkResponse(_ context.Context, id string, accepted bool) error {
	return r.v.do(func(st *state) error {
		for i := range st.offers {
			if st.offers[i].ID != id {
				continue
			}
			if st.offers[i].Accepted || st.offers[i].Rejected {
				return domain.Errorf(domain.ErrAlreadyCompleted, "counter-offer %s was already answered", id)
			}
			st.offers[i].Accepted = accepted
			st.offers[i].Rejected = !accepted
			return nil
		}
		return domain.Errorf(domain.ErrNotFound, "counter-offer %s not found", id)
	})
}

type historyRepo struct{ v *view }

func (r *historyRepo) Append(_ context.Context, h domain.StatusHistory) error {
	return r.v.do(func(st *state) error {
		st.history = append(st.history, h)
		return nil
	})
}

func (r *historyRepo) ListByTransaction(_ context.Context, transactionID string) ([]domain.StatusHistory, error) {
	var out []domain.StatusHistory
	err := r.v.do(func(st *state) error {
		for _, h := range st.history {
			if h.TransactionID == transactionID {
				out = append(out, h)
			}
		}
		return nil
	})
	return out, err
}

type stepRepo struct{ v *view }

func (r *stepRepo) CreateBatch(_ context.Context, steps []domain.FundProtectionStep) error {
	return r.v.do(func(st *state) error {
		for _, s := range steps {
			for _, existing := range st.steps {
				if existing.TransactionID == s.TransactionID && existing.StepNumber == s.StepNumber {
					return domain.Errorf(domain.ErrAlreadyExists, "step %d of transaction %s already exists", s.StepNumber, s.TransactionID)
				}
			}
		}
		st.steps = append(st.steps, steps...)
		return nil
	})
}

func (r *stepRepo) ListByTransaction(_ context.Context, transactionID string) ([]domain.FundProtectionStep, error) {
	var out []domain.FundProtectionStep
	err := r.v.do(func(st *state) error {
		for _, s := range st.steps {
			if s.TransactionID == transactionID {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, err
}

func (r *stepRepo) Count(ctx context.Context, transactionID string) (int, error) {
	steps, err := r.ListByTransaction(ctx, transactionID)
	return len(steps), err
}

func (r *stepRepo) Complete(_ context.Context, step domain.FundProtectionStep) error {
	return r.v.do(func(st *state) error {
		for i := range st.steps {
			if st.steps[i].ID != step.ID {
				continue
			}
			if st.steps[i].Status != domain.StepPending {
				return domain.Errorf(domain.ErrAlreadyCompleted, "step %d is already completed", st.steps[i].StepNumber)
			}
			cur := &st.steps[i]
			cur.Status = domain.StepCompleted
			cur.Source = step.Source
			cur.Destination = step.Destination
			cur.TxHash = step.TxHash
			cur.ProofURL = step.ProofURL
			cur.CompletedAt = step.CompletedAt
			return nil
		}
		return domain.Errorf(domain.ErrStepNotFound, "step %s not found", step.ID)
	})
}

func (r *stepRepo) UpdateAmount(_ context.Context, id string, amount decimal.Decimal) error {
	return r.v.do(func(st *state) error {
		for i := range st.steps {
			if st.steps[i].ID == id {
				st.steps[i].Amount = amount
				return nil
			}
		}
		return domain.Errorf(domain.ErrStepNotFound, "step %s not found", id)
	})
}

type escrowRepo struct{ v *view }

func (r *escrowRepo) Create(_ context.Context, e domain.EscrowDetails) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.escrow[e.TransactionID]; ok {
			return domain.Errorf(domain.ErrAlreadyExists, "escrow for %s already exists", e.TransactionID)
		}
		st.escrow[e.TransactionID] = e
		return nil
	})
}

func (r *escrowRepo) Get(_ context.Context, transactionID string) (domain.EscrowDetails, error) {
	var e domain.EscrowDetails
	err := r.v.do(func(st *state) error {
		var ok bool
		if e, ok = st.escrow[transactionID]; !ok {
			return domain.Errorf(domain.ErrNotFound, "escrow for %s not found", transactionID)
		}
		return nil
	})
	return e, err
}

func (r *escrowRepo) Update(_ context.Context, e domain.EscrowDetails) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.escrow[e.TransactionID]; !ok {
			return domain.Errorf(domain.ErrNotFound, "escrow for %s not found", e.TransactionID)
		}
		st.escrow[e.TransactionID] = e
		return nil
	})
}

type accountRepo struct{ v *view }

func (r *accountRepo) Get(_ context.Context, userID string) (domain.Account, error) {
	var a domain.Account
	err := r.v.do(func(st *state) error {
		var ok bool
		if a, ok = st.accounts[userID]; !ok {
			return domain.Errorf(domain.ErrNotFound, "account %s not found", userID)
		}
		a.Wallets = maps.Clone(a.Wallets)
		return nil
	})
	return a, err
}

func (r *accountRepo) Upsert(_ context.Context, a domain.Account) error {
	return r.v.do(func(st *state) error {
		a.Wallets = maps.Clone(a.Wallets)
		st.accounts[a.UserID] = a
		return nil
	})
}

type balanceRepo struct{ v *view }

func (r *balanceRepo) Adjust(_ context.Context, userID, currency string, delta decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.v.do(func(st *state) error {
		k := balanceKey{userID, currency}
		b := st.balances[k]
		b.UserID, b.Currency = userID, currency
		b.Amount = b.Amount.Add(delta)
		b.UpdatedAt = time.Now().UTC()
		st.balances[k] = b
		amount = b.Amount
		return nil
	})
	return amount, err
}

func (r *balanceRepo) Get(_ context.Context, userID, currency string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.v.do(func(st *state) error {
		amount = st.balances[balanceKey{userID, currency}].Amount
		return nil
	})
	return amount, err
}

type paymentRepo struct{ v *view }

func (r *paymentRepo) Create(_ context.Context, p domain.PaymentRecord) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.payments[p.SettlementID]; ok {
			return domain.Errorf(domain.ErrAlreadyExists, "payment %s already recorded", p.SettlementID)
		}
		st.payments[p.SettlementID] = p
		return nil
	})
}

func (r *paymentRepo) GetBySettlementID(_ context.Context, settlementID string) (domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	err := r.v.do(func(st *state) error {
		var ok bool
		if p, ok = st.payments[settlementID]; !ok {
			return domain.Errorf(domain.ErrNotFound, "payment %s not found", settlementID)
		}
		return nil
	})
	return p, err
}

func (r *paymentRepo) UpdateStatus(_ context.Context, settlementID string, status domain.PaymentRecordStatus) error {
	return r.v.do(func(st *state) error {
		p, ok := st.payments[settlementID]
		if !ok {
			return domain.Errorf(domain.ErrNotFound, "payment %s not found", settlementID)
		}
		p.Status = status
		p.UpdatedAt = time.Now().UTC()
		st.payments[settlementID] = p
		return nil
	})
}

type webhookRepo struct{ v *view }

func (r *webhookRepo) Find(_ context.Context, source, providerEventID string) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := r.v.do(func(st *state) error {
		for _, w := range st.webhooks {
			if w.Source == source && w.ProviderEventID == providerEventID {
				e = w
				return nil
			}
		}
		return domain.Errorf(domain.ErrNotFound, "webhook %s/%s not found", source, providerEventID)
	})
	return e, err
}

func (r *webhookRepo) Insert(_ context.Context, e domain.WebhookEvent) error {
	return r.v.do(func(st *state) error {
		for _, w := range st.webhooks {
			if w.Source == e.Source && w.ProviderEventID == e.ProviderEventID {
				return domain.Errorf(domain.ErrAlreadyExists, "webhook %s/%s already received", e.Source, e.ProviderEventID)
			}
		}
		st.webhooks = append(st.webhooks, e)
		return nil
	})
}

func (r *webhookRepo) MarkProcessed(_ context.Context, id string, processingErr string) error {
	return r.v.do(func(st *state) error {
		for i := range st.webhooks {
			if st.webhooks[i].ID == id {
				now := time.Now().UTC()
				st.webhooks[i].Processed = true
				st.webhooks[i].Error = processingErr
				st.webhooks[i].ProcessedAt = &now
				return nil
			}
		}
		return domain.Errorf(domain.ErrNotFound, "webhook %s not found", id)
	})
}

func (r *webhookRepo) ListFailed(_ context.Context, opts domain.ListOpts) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	err := r.v.do(func(st *state) error {
		for _, w := range st.webhooks {
			if w.Error == "" {
				continue
			}
			if opts.Since != nil && w.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && w.CreatedAt.After(*opts.Until) {
				continue
			}
			out = append(out, w)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, err
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, err
}
