package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// onKycStatusChanged records a tier decision. The first approval provisions
// custody accounts; a tier-2 approval unblocks the user's pending deals.
func (p *Processor) onKycStatusChanged(ctx context.Context, d domain.KycStatusChangedData) error {
	if d.UserID == "" {
		return errors.New("KYC_STATUS_CHANGED without userId")
	}
	if d.Tier != 1 && d.Tier != 2 {
		return fmt.Errorf("unknown KYC tier %d", d.Tier)
	}
	switch d.Status {
	case domain.KycPending, domain.KycApproved, domain.KycRejected:
	default:
		return fmt.Errorf("unknown KYC status %q", d.Status)
	}

	var acct domain.Account
	err := p.updateAccount(ctx, d.UserID, func(a *domain.Account) bool {
		if d.Tier == 1 {
			a.Tier1Status = d.Status
		} else {
			a.Tier2Status = d.Status
		}
		acct = *a
		return true
	})
	if err != nil {
		return err
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, d.UserID); err != nil {
			p.logger.WarnContext(ctx, "invalidate verification cache failed",
				slog.String("user_id", d.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	if d.Status != domain.KycApproved {
		return nil
	}
	if !acct.Provisioned() {
		if err := p.provision(ctx, d.UserID); err != nil {
			return err
		}
	}
	if d.Tier == 2 {
		return p.markKyc2Verified(ctx, d.UserID)
	}
	return nil
}

// provision creates the user's missing custody wallets and payout account.
// Partial progress is saved so a redelivery does not create duplicates.
func (p *Processor) provision(ctx context.Context, userID string) error {
	return p.locker.WithKey(ctx, accountLockKey(userID), func(ctx context.Context) error {
		repos := p.store.Repos()
		acct, err := getAccount(ctx, repos, userID)
		if err != nil {
			return err
		}
		if acct.Provisioned() {
			return nil
		}

		var provErr error
		for _, cur := range p.currencies {
			if acct.Wallet(cur) != "" {
				continue
			}
			id, err := p.rail.CreateCustodyAccount(ctx, userID, cur)
			if err != nil {
				provErr = domain.Wrap(domain.ErrProviderError, err, "create %s custody account", cur)
				break
			}
			if acct.Wallets == nil {
				acct.Wallets = make(map[string]string)
			}
			acct.Wallets[cur] = id
		}
		if provErr == nil && acct.PayoutAccountID == "" {
			pa, err := p.rail.CreatePayoutAccount(ctx, userID)
			if err != nil {
				provErr = domain.Wrap(domain.ErrProviderError, err, "create payout account")
			} else {
				acct.PayoutAccountID = pa.AccountID
				if acct.PayoutIBAN == "" {
					acct.PayoutIBAN = pa.IBAN
				}
			}
		}

		now := p.now()
		if provErr == nil {
			acct.ProvisionedAt = &now
		}
		acct.UpdatedAt = now
		if err := repos.Accounts.Upsert(ctx, acct); err != nil {
			return errors.Join(provErr, fmt.Errorf("webhook: save account %s: %w", userID, err))
		}
		if provErr == nil {
			p.logger.InfoContext(ctx, "custody accounts provisioned",
				slog.String("user_id", userID),
				slog.Int("wallets", len(acct.Wallets)),
			)
		}
		return provErr
	})
}

// markKyc2Verified sets the tier-2 flag on every open deal of the user and
// advances the ones that were waiting for it.
func (p *Processor) markKyc2Verified(ctx context.Context, userID string) error {
	txns, err := p.store.Repos().Transactions.ListByParty(ctx, userID, "")
	if err != nil {
		return fmt.Errorf("webhook: list transactions of %s: %w", userID, err)
	}

	var errs []error
	for _, t := range txns {
		switch t.Status {
		case domain.StatusOffer, domain.StatusNegotiation, domain.StatusAgreement, domain.StatusKyc2Verification:
		default:
			continue
		}

		var (
			cur     domain.Transaction
			entered []domain.TransactionStatus
		)
		err := p.locker.With(ctx, t.ID, func(ctx context.Context) error {
			return p.store.Atomic(ctx, func(ctx context.Context, r domain.Repos) error {
				var err error
				cur, err = r.Transactions.GetForUpdate(ctx, t.ID)
				if err != nil {
					return err
				}
				role, ok := cur.RoleOf(userID)
				if !ok {
					return nil
				}
				if role == domain.RoleBuyer {
					cur.BuyerKyc2Verified = true
				} else {
					cur.SellerKyc2Verified = true
				}
				cur.UpdatedAt = p.now()
				if err := r.Transactions.Update(ctx, cur); err != nil {
					return fmt.Errorf("webhook: update transaction %s: %w", cur.ID, err)
				}
				entered, err = p.machine.Advance(ctx, r, &cur, domain.SystemActor, "tier-2 KYC approved")
				return err
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("transaction %s: %w", t.ID, err))
			continue
		}
		p.events.StatusChanges(ctx, cur.ID, domain.SystemActor, entered)
		for _, s := range entered {
			if s == domain.StatusFundProtection {
				for _, uid := range []string{cur.BuyerID, cur.SellerID} {
					p.events.Notify(ctx, uid, domain.EventStatusChanged, "Fund protection started",
						"Both parties are verified. Settlement steps are ready.")
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) onWalletCreated(ctx context.Context, d domain.WalletCreatedData) error {
	if d.UserID == "" || d.Currency == "" || d.WalletID == "" {
		return errors.New("WALLET_CREATED requires userId, currency and walletId")
	}
	cur := strings.ToUpper(d.Currency)
	return p.updateAccount(ctx, d.UserID, func(a *domain.Account) bool {
		if a.Wallet(cur) != "" {
			return false
		}
		if a.Wallets == nil {
			a.Wallets = make(map[string]string)
		}
		a.Wallets[cur] = d.WalletID
		return true
	})
}

func (p *Processor) onIBANCreated(ctx context.Context, d domain.IBANCreatedData) error {
	if d.UserID == "" || d.IBAN == "" {
		return errors.New("IBAN_CREATED requires userId and iban")
	}
	return p.updateAccount(ctx, d.UserID, func(a *domain.Account) bool {
		if a.PayoutIBAN != "" {
			return false
		}
		a.PayoutIBAN = d.IBAN
		if a.PayoutAccountID == "" {
			a.PayoutAccountID = d.AccountID
		}
		return true
	})
}

func (p *Processor) onTransactionCompleted(ctx context.Context, d domain.TransactionCompletedData) error {
	if d.SettlementID == "" {
		return errors.New("TRANSACTION_COMPLETED without settlementId")
	}
	var status domain.PaymentRecordStatus
	switch strings.ToUpper(d.Status) {
	case "COMPLETED", "SUCCEEDED", "SETTLED":
		status = domain.PaymentRecordCompleted
	case "FAILED", "REJECTED", "RETURNED":
		status = domain.PaymentRecordFailed
	default:
		return fmt.Errorf("unknown settlement status %q", d.Status)
	}
	if err := p.store.Repos().Payments.UpdateStatus(ctx, d.SettlementID, status); err != nil {
		return fmt.Errorf("update payment %s: %w", d.SettlementID, err)
	}
	return nil
}

// updateAccount applies fn to the user's account under the account lock and
// saves it when fn reports a change.
func (p *Processor) updateAccount(ctx context.Context, userID string, fn func(a *domain.Account) bool) error {
	return p.locker.WithKey(ctx, accountLockKey(userID), func(ctx context.Context) error {
		repos := p.store.Repos()
		acct, err := getAccount(ctx, repos, userID)
		if err != nil {
			return err
		}
		if !fn(&acct) {
			return nil
		}
		acct.UpdatedAt = p.now()
		if err := repos.Accounts.Upsert(ctx, acct); err != nil {
			return fmt.Errorf("webhook: save account %s: %w", userID, err)
		}
		return nil
	})
}

func getAccount(ctx context.Context, r domain.Repos, userID string) (domain.Account, error) {
	acct, err := r.Accounts.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Account{UserID: userID}, nil
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("webhook: get account %s: %w", userID, err)
	}
	return acct, nil
}

func accountLockKey(userID string) string {
	return "account:" + userID
}
