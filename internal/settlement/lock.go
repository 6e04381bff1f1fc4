package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// lockPollInterval is how often a busy transaction lock is retried.
const lockPollInterval = 25 * time.Millisecond

// TxLocker serializes read-modify-write sequences on one transaction so two
// requests cannot both pass a precondition check before either writes.
type TxLocker struct {
	locks domain.LockManager
	ttl   time.Duration
	wait  time.Duration
}

// NewTxLocker creates a TxLocker. ttl bounds how long a crashed holder can
// block others; wait bounds how long a caller queues for a busy lock.
func NewTxLocker(locks domain.LockManager, ttl, wait time.Duration) *TxLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &TxLocker{locks: locks, ttl: ttl, wait: wait}
}

// With runs fn while holding the lock for transactionID.
func (l *TxLocker) With(ctx context.Context, transactionID string, fn func(ctx context.Context) error) error {
	return l.WithKey(ctx, "txn:"+transactionID, fn)
}

// WithKey runs fn while holding the lock named key.
func (l *TxLocker) WithKey(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(l.wait)
	for {
		unlock, err := l.locks.Acquire(ctx, key, l.ttl)
		if err == nil {
			defer unlock()
			return fn(ctx)
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("settlement: lock %s: %w", key, err)
		}
		if time.Now().After(deadline) {
			return domain.Errorf(domain.ErrLockHeld, "%s is busy, retry later", key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
