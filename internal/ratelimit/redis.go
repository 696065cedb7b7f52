package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed tokenbucket.lua
var tokenBucketScript string

var checkAndConsumeScript = redis.NewScript(tokenBucketScript)

// RedisStorage is the distributed Storage backend. The check-and-consume
// step runs as a single server-side Lua script, so concurrent calls for the
// same key are linearized by Redis regardless of how many engine instances
// share the store.
type RedisStorage struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisConfig contains configuration for Redis storage.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStorage creates a Redis backend and verifies connectivity.
func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "admission:"
	}

	return &RedisStorage{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// NewRedisStorageWithClient wraps an existing client. Test use.
func NewRedisStorageWithClient(client *redis.Client, prefix string, now func() time.Time) *RedisStorage {
	if prefix == "" {
		prefix = "admission:"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStorage{client: client, prefix: prefix, now: now}
}

// CheckAndConsume implements Storage. The whole read-refill-consume cycle
// executes inside Redis; Run falls back from EVALSHA to EVAL when the
// script cache has been flushed.
func (rs *RedisStorage) CheckAndConsume(ctx context.Context, key string, maxTokens int, refillRate float64, cost int) (Decision, error) {
	now := float64(rs.now().UnixMicro()) / 1e6
	ttl := int(stateTTL(maxTokens, refillRate).Seconds())

	result, err := checkAndConsumeScript.Run(ctx, rs.client, []string{rs.prefix + key},
		maxTokens,
		refillRate,
		cost,
		now,
		ttl,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrBackendUnavailable, result)
	}

	allowed, _ := values[0].(int64)
	retryAfter := asFloat(values[1])
	remaining, _ := values[2].(int64)

	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
		Remaining:  int(remaining),
	}, nil
}

// GetRemaining implements Storage. It reads outside the atomic script; the
// value is informational only and may be stale by the time it is used.
func (rs *RedisStorage) GetRemaining(ctx context.Context, key string, maxTokens int, refillRate float64) int {
	fields, err := rs.client.HMGet(ctx, rs.prefix+key, "tokens", "last_refill").Result()
	if err != nil || len(fields) != 2 || fields[0] == nil || fields[1] == nil {
		return maxTokens
	}

	tokens, err := parseRedisFloat(fields[0])
	if err != nil {
		return maxTokens
	}
	lastRefill, err := parseRedisFloat(fields[1])
	if err != nil {
		return maxTokens
	}

	state := bucketState{
		Tokens:     tokens,
		LastRefill: time.UnixMicro(int64(lastRefill * 1e6)),
	}
	return int(math.Floor(state.refilled(rs.now(), maxTokens, refillRate)))
}

// Reset implements Storage.
func (rs *RedisStorage) Reset(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Ping implements Storage.
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

func asFloat(val interface{}) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func parseRedisFloat(val interface{}) (float64, error) {
	s, ok := val.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", val)
	}
	return strconv.ParseFloat(s, 64)
}
