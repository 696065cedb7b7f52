package ratelimit

import (
	"context"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/logger"
	"github.com/maltehedderich/admission-control-go/internal/metrics"
)

// Algorithm interprets a Rule against Storage for one key and cost.
// Implementations never return an error and never panic; failure policy is
// theirs to apply.
type Algorithm interface {
	Allow(ctx context.Context, store Storage, key string, rule *Rule, cost int) (allowed bool, retryAfter time.Duration)
}

// TokenBucket is the token-bucket Algorithm. It delegates the atomic work
// to Storage.CheckAndConsume and is the single point in the stack where a
// storage error becomes an allow decision.
//
// Failing open is deliberate: a rate limiter that fails closed turns a
// storage outage into a total service outage, which is strictly worse than
// momentarily admitting excess traffic.
type TokenBucket struct {
	log *logger.ComponentLogger
}

// NewTokenBucket creates the token-bucket algorithm.
func NewTokenBucket() *TokenBucket {
	return &TokenBucket{
		log: logger.Get().WithComponent("tokenbucket"),
	}
}

// Allow implements Algorithm.
func (tb *TokenBucket) Allow(ctx context.Context, store Storage, key string, rule *Rule, cost int) (bool, time.Duration) {
	decision, err := store.CheckAndConsume(ctx, key, rule.MaxTokens, rule.RefillRate, cost)
	if err != nil {
		metrics.RecordStorageError("check_and_consume")
		metrics.RecordFailOpen()
		tb.log.Warn("storage check failed, admitting request", logger.Fields{
			"key":   key,
			"rule":  rule.Name,
			"error": err.Error(),
		})
		return true, 0
	}

	tb.log.Debug("check and consume", logger.Fields{
		"key":       key,
		"allowed":   decision.Allowed,
		"remaining": decision.Remaining,
	})

	return decision.Allowed, decision.RetryAfter
}
