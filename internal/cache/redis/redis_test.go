package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// newTestClient connects to DEALBROKER_TEST_REDIS_ADDR under a fresh key
// prefix, skipping when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("DEALBROKER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEALBROKER_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{
		Addr:      addr,
		KeyPrefix: "test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: "dealbroker:"}
	if got := c.key("lock:", "txn:1"); got != "dealbroker:lock:txn:1" {
		t.Errorf("key() = %q", got)
	}
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "txn:1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := lm.Acquire(ctx, "txn:1", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrLockHeld", err)
	}
	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "txn:1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after unlock error = %v", err)
	}
	again()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "buyer", 2, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := rl.Allow(ctx, "buyer", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third request in window should be limited")
	}
}

func TestEventBusPublishAndReplay(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewEventBus(c)

	ch, err := bus.Subscribe(ctx, "txn:9")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"a", "b"} {
		if err := bus.Publish(ctx, "txn:9", []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case got := <-ch:
		if string(got) != "a" {
			t.Errorf("first live payload = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no payload delivered")
	}

	recent, err := bus.Recent(ctx, "txn:9", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || string(recent[0]) != "a" || string(recent[1]) != "b" {
		t.Errorf("Recent() = %q", recent)
	}
}

func TestVerificationCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	vc := NewVerificationCache(c)

	if _, ok, err := vc.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("Get() on empty cache = %v, %v", ok, err)
	}
	st := domain.VerificationStatus{Tier1: domain.KycApproved, Tier2: domain.KycPending}
	if err := vc.Set(ctx, "u1", st, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := vc.Get(ctx, "u1")
	if err != nil || !ok || got != st {
		t.Fatalf("Get() = %+v, %v, %v", got, ok, err)
	}
	if err := vc.Invalidate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := vc.Get(ctx, "u1"); ok {
		t.Fatal("entry survived Invalidate")
	}
}
