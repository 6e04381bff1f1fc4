package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

func TestLockManagerExclusive(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()

	unlock, err := lm.Acquire(ctx, "txn:1", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := lm.Acquire(ctx, "txn:1", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second acquire error = %v, want ErrLockHeld", err)
	}
	if _, err := lm.Acquire(ctx, "txn:2", time.Minute); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}

	unlock()
	unlock()
	if _, err := lm.Acquire(ctx, "txn:1", time.Minute); err != nil {
		t.Fatalf("acquire after unlock: %v", err)
	}
}

func TestLockManagerExpiry(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()
	now := time.Now()
	lm.nowFn = func() time.Time { return now }

	staleUnlock, err := lm.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, err := lm.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("expired lock should be taken over: %v", err)
	}

	// The stale holder must not release the new holder's lock.
	staleUnlock()
	if _, err := lm.Acquire(ctx, "k", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("error = %v, want ErrLockHeld", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter()
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "user", 3, time.Hour)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := rl.Allow(ctx, "user", 3, time.Hour); ok {
		t.Fatal("fourth request in window should be limited")
	}
	if ok, _ := rl.Allow(ctx, "other", 3, time.Hour); !ok {
		t.Fatal("keys must not share a bucket")
	}
}

func TestEventBusDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewEventBus()

	ch, err := bus.Subscribe(ctx, "txn:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "txn:1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, "txn:2", []byte("elsewhere")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected extra message")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestEventBusRecent(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()
	for i := 0; i < historyLen+5; i++ {
		if err := bus.Publish(ctx, "txn:1", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := bus.Recent(ctx, "txn:1", 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{byte(historyLen + 2), byte(historyLen + 3), byte(historyLen + 4)}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d payloads, want 3", len(got))
	}
	for i := range want {
		if got[i][0] != want[i] {
			t.Errorf("Recent()[%d] = %d, want %d", i, got[i][0], want[i])
		}
	}
	all, _ := bus.Recent(ctx, "txn:1", 0)
	if len(all) != historyLen {
		t.Errorf("history length = %d, want %d", len(all), historyLen)
	}
}

func TestVerificationCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	vc := NewVerificationCache()
	vc.nowFn = func() time.Time { return now }

	approved := domain.VerificationStatus{Tier1: domain.KycApproved, Tier2: domain.KycApproved}
	if err := vc.Set(ctx, "u1", approved, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := vc.Get(ctx, "u1")
	if err != nil || !ok || got != approved {
		t.Fatalf("Get() = %+v, %v, %v", got, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := vc.Get(ctx, "u1"); ok {
		t.Fatal("expired entry returned")
	}

	_ = vc.Set(ctx, "u2", approved, time.Hour)
	_ = vc.Invalidate(ctx, "u2")
	if _, ok, _ := vc.Get(ctx, "u2"); ok {
		t.Fatal("invalidated entry returned")
	}
}
