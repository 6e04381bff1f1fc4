// Package local implements the domain cache interfaces in process memory for
// single-instance deployments and tests.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// LockManager implements domain.LockManager with an in-process table of
// expiring tokens.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]heldLock
	nowFn func() time.Time
}

type heldLock struct {
	token   string
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]heldLock), nowFn: time.Now}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. An expired
// holder is evicted. The returned unlock is safe to call more than once and
// never releases a lock taken over after expiry.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.nowFn()
	if h, ok := lm.held[key]; ok && now.Before(h.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	lm.held[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if h, ok := lm.held[key]; ok && h.token == token {
				delete(lm.held, key)
			}
		})
	}, nil
}

// RateLimiter implements domain.RateLimiter with one token bucket per key.
// A bucket refills limit tokens per window and bursts up to limit.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more request for key fits the limit.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	every := rate.Every(window / time.Duration(limit))

	rl.mu.Lock()
	lim, ok := rl.buckets[key]
	if !ok || lim.Burst() != limit || lim.Limit() != every {
		lim = rate.NewLimiter(every, limit)
		rl.buckets[key] = lim
	}
	rl.mu.Unlock()

	return lim.Allow(), nil
}

// historyLen is how many payloads each channel keeps for Recent.
const historyLen = 50

// EventBus implements domain.EventBus by fanning payloads out to in-process
// subscribers. Slow subscribers drop messages rather than block publishers.
type EventBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	history map[string][][]byte
}

// NewEventBus creates an EventBus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		history: make(map[string][][]byte),
	}
}

// Publish delivers payload to every current subscriber of channel.
func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.history[channel], payload)
	if len(h) > historyLen {
		h = h[len(h)-historyLen:]
	}
	b.history[channel] = h
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel until ctx is
// cancelled, at which point the channel is closed.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Recent returns up to n of the channel's latest payloads, oldest first.
func (b *EventBus) Recent(_ context.Context, channel string, n int) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.history[channel]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([][]byte(nil), h...), nil
}

// VerificationCache implements domain.VerificationCache with an expiring map.
type VerificationCache struct {
	mu      sync.Mutex
	entries map[string]cachedStatus
	nowFn   func() time.Time
}

type cachedStatus struct {
	status  domain.VerificationStatus
	expires time.Time
}

// NewVerificationCache creates an empty VerificationCache.
func NewVerificationCache() *VerificationCache {
	return &VerificationCache{entries: make(map[string]cachedStatus), nowFn: time.Now}
}

// Get returns the cached status and whether an unexpired one was present.
func (vc *VerificationCache) Get(_ context.Context, userID string) (domain.VerificationStatus, bool, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	e, ok := vc.entries[userID]
	if !ok || !vc.nowFn().Before(e.expires) {
		delete(vc.entries, userID)
		return domain.VerificationStatus{}, false, nil
	}
	return e.status, true, nil
}

// Set stores status for ttl.
func (vc *VerificationCache) Set(_ context.Context, userID string, status domain.VerificationStatus, ttl time.Duration) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.entries[userID] = cachedStatus{status: status, expires: vc.nowFn().Add(ttl)}
	return nil
}

// Invalidate drops the cached status.
func (vc *VerificationCache) Invalidate(_ context.Context, userID string) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	delete(vc.entries, userID)
	return nil
}

// Compile-time interface checks.
var (
	_ domain.LockManager       = (*LockManager)(nil)
	_ domain.RateLimiter       = (*RateLimiter)(nil)
	_ domain.EventBus          = (*EventBus)(nil)
	_ domain.EventReplayer     = (*EventBus)(nil)
	_ domain.VerificationCache = (*VerificationCache)(nil)
)
