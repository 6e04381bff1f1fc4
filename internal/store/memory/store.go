// Package memory implements the domain stores in process memory. It backs the
// sandbox mode and the tests; state is lost on exit.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// state is one consistent snapshot of every table.
type state struct {
	transactions map[string]domain.Transaction
	offers       []domain.CounterOffer
	history      []domain.StatusHistory
	steps        []domain.FundProtectionStep
	escrow       map[string]domain.EscrowDetails
	accounts     map[string]domain.Account
	balances     map[balanceKey]domain.CustodyBalance
	payments     map[string]domain.PaymentRecord
	webhooks     []domain.WebhookEvent
}

type balanceKey struct {
	userID, currency string
}

func newState() *state {
	return &state{
		transactions: make(map[string]domain.Transaction),
		escrow:       make(map[string]domain.EscrowDetails),
		accounts:     make(map[string]domain.Account),
		balances:     make(map[balanceKey]domain.CustodyBalance),
		payments:     make(map[string]domain.PaymentRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		transactions: maps.Clone(s.transactions),
		offers:       append([]domain.CounterOffer(nil), s.offers...),
		history:      append([]domain.StatusHistory(nil), s.history...),
		steps:        append([]domain.FundProtectionStep(nil), s.steps...),
		escrow:       maps.Clone(s.escrow),
		accounts:     make(map[string]domain.Account, len(s.accounts)),
		balances:     maps.Clone(s.balances),
		payments:     maps.Clone(s.payments),
		webhooks:     append([]domain.WebhookEvent(nil), s.webhooks...),
	}
	for id, a := range s.accounts {
		a.Wallets = maps.Clone(a.Wallets)
		c.accounts[id] = a
	}
	return c
}

// Store is a domain.Store held in memory. Atomic units are serialized and
// either swap in their working copy or discard it.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: newState()}
}

var _ domain.Store = (*Store)(nil)

// Repos returns repositories that each lock the store per call.
func (s *Store) Repos() domain.Repos {
	return reposFor(&view{store: s})
}

// Atomic runs fn against a private copy of the data and commits it only when
// fn returns nil. Repos obtained from s.Repos must not be used inside fn.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, reposFor(&view{tx: work})); err != nil {
		return err
	}
	s.data = work
	return nil
}

// view resolves which snapshot a repository call operates on.
type view struct {
	store *Store
	tx    *state
}

func (v *view) do(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.data)
}

func reposFor(v *view) domain.Repos {
	return domain.Repos{
		Transactions:  &transactionRepo{v},
		CounterOffers: &counterOfferRepo{v},
		History:       &historyRepo{v},
		Steps:         &stepRepo{v},
		Escrow:        &escrowRepo{v},
		Accounts:      &accountRepo{v},
		Balances:      &balanceRepo{v},
		Payments:      &paymentRepo{v},
		Webhooks:      &webhookRepo{v},
	}
}
