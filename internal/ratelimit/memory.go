package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryStorage is the in-process Storage backend. It is suitable for
// single-instance deployments and tests; it cannot enforce a cluster-wide
// limit. Atomicity is provided by a mutex around the check-and-consume
// step.
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryEntry
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type memoryEntry struct {
	state  bucketState
	expiry time.Time
}

// NewMemoryStorage creates an in-memory backend and starts a janitor
// goroutine that prunes expired buckets.
func NewMemoryStorage() *MemoryStorage {
	ms := &MemoryStorage{
		buckets: make(map[string]*memoryEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	ms.wg.Add(1)
	go ms.janitor()

	return ms
}

// WithClock overrides the time source. Test use only.
func (ms *MemoryStorage) WithClock(now func() time.Time) *MemoryStorage {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
	return ms
}

// CheckAndConsume implements Storage.
func (ms *MemoryStorage) CheckAndConsume(ctx context.Context, key string, maxTokens int, refillRate float64, cost int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	state := bucketState{Tokens: float64(maxTokens), LastRefill: now}
	if entry, ok := ms.buckets[key]; ok && now.Before(entry.expiry) {
		state = entry.state
	}

	decision, next := evaluate(state, now, maxTokens, refillRate, cost)
	ms.buckets[key] = &memoryEntry{
		state:  next,
		expiry: now.Add(stateTTL(maxTokens, refillRate)),
	}

	return decision, nil
}

// GetRemaining implements Storage.
func (ms *MemoryStorage) GetRemaining(ctx context.Context, key string, maxTokens int, refillRate float64) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	entry, ok := ms.buckets[key]
	if !ok || !now.Before(entry.expiry) {
		return maxTokens
	}

	return int(math.Floor(entry.state.refilled(now, maxTokens, refillRate)))
}

// Reset implements Storage.
func (ms *MemoryStorage) Reset(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.buckets, key)
	return nil
}

// Ping implements Storage.
func (ms *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor goroutine.
func (ms *MemoryStorage) Close() error {
	close(ms.stopCh)
	ms.wg.Wait()
	return nil
}

func (ms *MemoryStorage) janitor() {
	defer ms.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.prune()
		case <-ms.stopCh:
			return
		}
	}
}

func (ms *MemoryStorage) prune() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	for key, entry := range ms.buckets {
		if now.After(entry.expiry) {
			delete(ms.buckets, key)
		}
	}
}
