package domain

import (
	"context"
	"time"
)

// RateLimiter provides rate limiting keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion keyed by resource.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus carries transaction events to live subscribers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// TransactionChannel is the bus channel for one transaction's events.
func TransactionChannel(transactionID string) string {
	return "txn:" + transactionID
}

// VerificationCache keeps recent identity-provider answers so repeated status
// checks do not hit the provider.
type VerificationCache interface {
	Get(ctx context.Context, userID string) (VerificationStatus, bool, error)
	Set(ctx context.Context, userID string, status VerificationStatus, ttl time.Duration) error
	Invalidate(ctx context.Context, userID string) error
}

// EventReplayer is implemented by buses that keep a short per-channel history,
// letting a late subscriber catch up before following live events.
type EventReplayer interface {
	Recent(ctx context.Context, channel string, n int) ([][]byte, error)
}
