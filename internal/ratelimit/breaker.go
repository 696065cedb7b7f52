package ratelimit

import (
	"context"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/circuitbreaker"
)

// BreakerStorage decorates a Storage with a circuit breaker on the
// check-and-consume path. While the breaker is open every check fails
// immediately with ErrCircuitOpen instead of waiting out the backend
// timeout, and the algorithm layer fails open as usual.
type BreakerStorage struct {
	inner Storage
	cb    *circuitbreaker.CircuitBreaker
}

// NewBreakerStorage wraps inner with the given breaker.
func NewBreakerStorage(inner Storage, cb *circuitbreaker.CircuitBreaker) *BreakerStorage {
	return &BreakerStorage{inner: inner, cb: cb}
}

// CheckAndConsume implements Storage.
func (b *BreakerStorage) CheckAndConsume(ctx context.Context, key string, maxTokens int, refillRate float64, cost int) (Decision, error) {
	var decision Decision
	err := b.cb.Execute(func() error {
		var err error
		decision, err = b.inner.CheckAndConsume(ctx, key, maxTokens, refillRate, cost)
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// GetRemaining implements Storage. An open breaker skips the backend and
// reports a full bucket, matching the fail-open decision the caller saw.
func (b *BreakerStorage) GetRemaining(ctx context.Context, key string, maxTokens int, refillRate float64) int {
	if b.cb.GetState() == circuitbreaker.StateOpen {
		return maxTokens
	}
	return b.inner.GetRemaining(ctx, key, maxTokens, refillRate)
}

// Reset implements Storage.
func (b *BreakerStorage) Reset(ctx context.Context, key string) error {
	return b.inner.Reset(ctx, key)
}

// Ping implements Storage.
func (b *BreakerStorage) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

// Close implements Storage.
func (b *BreakerStorage) Close() error {
	return b.inner.Close()
}

// ensure interface compliance
var (
	_ Storage = (*BreakerStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
	_ Storage = (*DynamoDBStorage)(nil)
)

// BreakerConfig builds a breaker configuration, falling back to defaults
// for unset values.
func BreakerConfig(failureThreshold, successThreshold int, timeout time.Duration) *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if successThreshold > 0 {
		cfg.SuccessThreshold = successThreshold
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg
}
