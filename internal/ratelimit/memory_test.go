package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source shared between a test and
// the storage under test.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestMemoryStorage(t *testing.T) (*MemoryStorage, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	ms := NewMemoryStorage().WithClock(clock.Now)
	t.Cleanup(func() { ms.Close() })
	return ms, clock
}

func TestMemoryStorage_NewBucketStartsFull(t *testing.T) {
	ms, _ := newTestMemoryStorage(t)
	ctx := context.Background()

	decision, err := ms.CheckAndConsume(ctx, "ip:1.2.3.4:GET /a", 10, 10, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Error("first request on a fresh bucket should be allowed")
	}
	if decision.Remaining != 9 {
		t.Errorf("expected 9 remaining, got %d", decision.Remaining)
	}
}

func TestMemoryStorage_BurstThenDeny(t *testing.T) {
	ms, _ := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "ip:1.2.3.4:GET /a"

	// Capacity 5, refill 5 per minute. Five requests drain the bucket.
	for i := 0; i < 5; i++ {
		decision, err := ms.CheckAndConsume(ctx, key, 5, 5, 1)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d within capacity should be allowed", i)
		}
	}

	decision, err := ms.CheckAndConsume(ctx, key, 5, 5, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Error("request beyond capacity should be denied")
	}
	if decision.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", decision.Remaining)
	}
	// Deficit is 1 token at 5 tokens per minute: 12 seconds.
	if decision.RetryAfter != 12*time.Second {
		t.Errorf("expected retry after 12s, got %v", decision.RetryAfter)
	}
}

func TestMemoryStorage_RefillOverTime(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "user:alice:POST /b"

	// Drain a 2-token bucket refilling 2 per minute.
	for i := 0; i < 2; i++ {
		if d, _ := ms.CheckAndConsume(ctx, key, 2, 2, 1); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if d, _ := ms.CheckAndConsume(ctx, key, 2, 2, 1); d.Allowed {
		t.Fatal("drained bucket should deny")
	}

	// 30 seconds at 2 tokens per minute refills exactly one token.
	clock.Advance(30 * time.Second)

	decision, err := ms.CheckAndConsume(ctx, key, 2, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Error("request after refill should be allowed")
	}

	if d, _ := ms.CheckAndConsume(ctx, key, 2, 2, 1); d.Allowed {
		t.Error("only one token should have refilled")
	}
}

func TestMemoryStorage_RefillClampsAtCapacity(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "ip:1.2.3.4:GET /a"

	if d, _ := ms.CheckAndConsume(ctx, key, 3, 60, 1); !d.Allowed {
		t.Fatal("first request should be allowed")
	}

	// Hours of idle time must not accumulate beyond capacity.
	clock.Advance(4 * time.Hour)

	for i := 0; i < 3; i++ {
		if d, _ := ms.CheckAndConsume(ctx, key, 3, 60, 1); !d.Allowed {
			t.Fatalf("request %d within capacity should be allowed", i)
		}
	}
	if d, _ := ms.CheckAndConsume(ctx, key, 3, 60, 1); d.Allowed {
		t.Error("bucket should be clamped at capacity, not overfilled")
	}
}

func TestMemoryStorage_DenialWritesBackRefilledBalance(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "user:bob:POST /c"

	// Drain a 4-token bucket with one cost-4 request.
	if d, _ := ms.CheckAndConsume(ctx, key, 4, 2, 4); !d.Allowed {
		t.Fatal("cost within capacity should be allowed")
	}

	// 30s at 2 per minute refills one token. A cost-2 request is denied,
	// but the refilled token must survive the denial.
	clock.Advance(30 * time.Second)
	decision, _ := ms.CheckAndConsume(ctx, key, 4, 2, 2)
	if decision.Allowed {
		t.Fatal("cost above balance should be denied")
	}
	if decision.Remaining != 1 {
		t.Errorf("expected refilled balance of 1 after denial, got %d", decision.Remaining)
	}

	// Without advancing time the single refilled token is still spendable.
	if d, _ := ms.CheckAndConsume(ctx, key, 4, 2, 1); !d.Allowed {
		t.Error("refilled token should remain after a denial")
	}
}

func TestMemoryStorage_RepeatedDenialsDoNotDrain(t *testing.T) {
	ms, _ := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "ip:1.2.3.4:GET /a"

	if d, _ := ms.CheckAndConsume(ctx, key, 1, 1, 1); !d.Allowed {
		t.Fatal("first request should be allowed")
	}

	var first Decision
	for i := 0; i < 10; i++ {
		decision, err := ms.CheckAndConsume(ctx, key, 1, 1, 1)
		if err != nil {
			t.Fatalf("denial %d: unexpected error: %v", i, err)
		}
		if decision.Allowed {
			t.Fatalf("denial %d: empty bucket should deny", i)
		}
		if i == 0 {
			first = decision
			continue
		}
		if decision.RetryAfter != first.RetryAfter {
			t.Errorf("denial %d: retry after drifted from %v to %v", i, first.RetryAfter, decision.RetryAfter)
		}
	}
}

func TestMemoryStorage_ClockBackwards(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "ip:1.2.3.4:GET /a"

	if d, _ := ms.CheckAndConsume(ctx, key, 5, 5, 1); !d.Allowed {
		t.Fatal("first request should be allowed")
	}

	clock.Advance(-10 * time.Minute)

	decision, err := ms.CheckAndConsume(ctx, key, 5, 5, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Error("backwards clock should not drain the bucket")
	}
	if decision.Remaining != 3 {
		t.Errorf("backwards clock should refill nothing, expected 3 remaining, got %d", decision.Remaining)
	}
}

func TestMemoryStorage_KeysAreIndependent(t *testing.T) {
	ms, _ := newTestMemoryStorage(t)
	ctx := context.Background()

	if d, _ := ms.CheckAndConsume(ctx, "user:alice:GET /a", 1, 1, 1); !d.Allowed {
		t.Fatal("alice's first request should be allowed")
	}
	if d, _ := ms.CheckAndConsume(ctx, "user:alice:GET /a", 1, 1, 1); d.Allowed {
		t.Fatal("alice's bucket should be drained")
	}

	// A different identifier has its own untouched bucket.
	if d, _ := ms.CheckAndConsume(ctx, "user:bob:GET /a", 1, 1, 1); !d.Allowed {
		t.Error("bob's bucket should be unaffected by alice's")
	}
}

func TestMemoryStorage_GetRemaining(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "ip:1.2.3.4:GET /a"

	// Absent key reports a full bucket.
	if got := ms.GetRemaining(ctx, key, 10, 10); got != 10 {
		t.Errorf("absent key: expected 10, got %d", got)
	}

	ms.CheckAndConsume(ctx, key, 10, 10, 4)
	if got := ms.GetRemaining(ctx, key, 10, 10); got != 6 {
		t.Errorf("expected 6 remaining, got %d", got)
	}

	// Reads do not consume.
	if got := ms.GetRemaining(ctx, key, 10, 10); got != 6 {
		t.Errorf("read should not mutate, expected 6, got %d", got)
	}

	// 30s at 10 per minute refills 5, clamped within capacity.
	clock.Advance(30 * time.Second)
	if got := ms.GetRemaining(ctx, key, 10, 10); got != 10 {
		t.Errorf("expected refill to 10, got %d", got)
	}
}

func TestMemoryStorage_Reset(t *testing.T) {
	ms, _ := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "user:alice:GET /a"

	ms.CheckAndConsume(ctx, key, 1, 1, 1)
	if d, _ := ms.CheckAndConsume(ctx, key, 1, 1, 1); d.Allowed {
		t.Fatal("bucket should be drained before reset")
	}

	if err := ms.Reset(ctx, key); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}

	decision, _ := ms.CheckAndConsume(ctx, key, 1, 1, 1)
	if !decision.Allowed {
		t.Error("reset bucket should start full again")
	}
}

func TestMemoryStorage_ExpiredEntryTreatedAsFresh(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()
	key := "ip:1.2.3.4:GET /a"

	ms.CheckAndConsume(ctx, key, 2, 2, 2)

	// TTL is twice the full-refill period: 2 tokens at 2 per minute
	// refill in one minute, so the entry expires after two.
	clock.Advance(3 * time.Minute)

	decision, _ := ms.CheckAndConsume(ctx, key, 2, 2, 2)
	if !decision.Allowed {
		t.Error("expired entry should behave like a fresh full bucket")
	}
}

func TestMemoryStorage_Prune(t *testing.T) {
	ms, clock := newTestMemoryStorage(t)
	ctx := context.Background()

	ms.CheckAndConsume(ctx, "a", 1, 60, 1)
	ms.CheckAndConsume(ctx, "b", 100, 1, 1)

	// Key "a" has the one-minute TTL floor; key "b" refills for 100
	// minutes and lives far longer.
	clock.Advance(2 * time.Minute)
	ms.prune()

	ms.mu.Lock()
	_, aAlive := ms.buckets["a"]
	_, bAlive := ms.buckets["b"]
	ms.mu.Unlock()

	if aAlive {
		t.Error("expired bucket should have been pruned")
	}
	if !bAlive {
		t.Error("live bucket should have survived pruning")
	}
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	ms, _ := newTestMemoryStorage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ms.CheckAndConsume(ctx, "a", 1, 1, 1); err == nil {
		t.Error("cancelled context should surface an error")
	}
}

func TestStateTTL(t *testing.T) {
	tests := []struct {
		name       string
		maxTokens  int
		refillRate float64
		expected   time.Duration
	}{
		{
			name:       "twice the full refill period",
			maxTokens:  10,
			refillRate: 10,
			expected:   2 * time.Minute,
		},
		{
			name:       "slow refill stretches the ttl",
			maxTokens:  100,
			refillRate: 10,
			expected:   20 * time.Minute,
		},
		{
			name:       "fast refill hits the one minute floor",
			maxTokens:  1,
			refillRate: 60,
			expected:   time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateTTL(tt.maxTokens, tt.refillRate); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvaluate_RetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Empty bucket, cost 3 at 6 tokens per minute: 30 seconds to refill
	// the deficit.
	state := bucketState{Tokens: 0, LastRefill: now}
	decision, _ := evaluate(state, now, 10, 6, 3)
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.RetryAfter != 30*time.Second {
		t.Errorf("expected retry after 30s, got %v", decision.RetryAfter)
	}
}
