package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrBackendUnavailable indicates the backing store could not serve the
// request. The algorithm layer converts it into an allow decision.
var ErrBackendUnavailable = errors.New("bucket storage unavailable")

// Decision is the outcome of one atomic check-and-consume.
type Decision struct {
	// Allowed reports whether the cost was consumed.
	Allowed bool
	// RetryAfter is how long a denied caller should wait before retrying.
	// Zero when allowed.
	RetryAfter time.Duration
	// Remaining is the whole number of tokens left after the decision.
	Remaining int
}

// Storage is the abstraction over the shared bucket-state store. All
// synchronization is internal; callers may invoke it from any number of
// goroutines without external locking.
type Storage interface {
	// CheckAndConsume atomically refills the bucket for key and consumes
	// cost tokens if available. Two concurrent calls for the same key never
	// both act on a pre-update token count. Errors propagate to the caller;
	// the fail-open decision belongs to the algorithm layer, not here.
	CheckAndConsume(ctx context.Context, key string, maxTokens int, refillRate float64, cost int) (Decision, error)

	// GetRemaining is a best-effort, non-mutating read of the current
	// (refilled but not consumed) token count for informational headers.
	// It returns maxTokens when the key is absent or the store is
	// unreachable.
	GetRemaining(ctx context.Context, key string, maxTokens int, refillRate float64) int

	// Reset deletes bucket state for key. Administrative and test use only.
	Reset(ctx context.Context, key string) error

	// Ping checks backend availability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// bucketState is the per-key quota state owned by a storage backend.
type bucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// refilled returns the token count after lazily applying the refill that
// accrued since LastRefill, clamped to capacity. RefillRate is tokens per
// 60 seconds of wall-clock time.
func (s bucketState) refilled(now time.Time, maxTokens int, refillRate float64) float64 {
	elapsed := now.Sub(s.LastRefill).Seconds()
	if elapsed < 0 {
		// Clock went backwards; refill nothing rather than drain.
		elapsed = 0
	}
	current := s.Tokens + elapsed*refillRate/60
	return math.Min(float64(maxTokens), current)
}

// evaluate applies the token-bucket step to a known state and returns the
// decision plus the state to write back. On denial the refilled (but not
// consumed) balance and the new timestamp are written so subsequent calls
// refill from the correct baseline.
func evaluate(state bucketState, now time.Time, maxTokens int, refillRate float64, cost int) (Decision, bucketState) {
	current := state.refilled(now, maxTokens, refillRate)

	if current >= float64(cost) {
		next := bucketState{Tokens: current - float64(cost), LastRefill: now}
		return Decision{Allowed: true, Remaining: int(math.Floor(next.Tokens))}, next
	}

	deficit := float64(cost) - current
	retryAfter := time.Duration(deficit * 60 / refillRate * float64(time.Second))
	next := bucketState{Tokens: current, LastRefill: now}
	return Decision{Allowed: false, RetryAfter: retryAfter, Remaining: int(math.Floor(current))}, next
}

// stateTTL bounds storage growth for idle buckets: twice the time needed to
// refill from empty, with a one-minute floor.
func stateTTL(maxTokens int, refillRate float64) time.Duration {
	full := time.Duration(float64(maxTokens) / refillRate * 60 * float64(time.Second))
	ttl := 2 * full
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
