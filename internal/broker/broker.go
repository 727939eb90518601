// Package broker wraps the shared key-value fabric (Redis in production,
// an in-memory table in tests) behind the small surface the rest of the
// daemon needs: TTL'd values for webhook dedup, tagged keys for the forge
// cache, and compare-token locks for leader election.
package broker

import (
	"context"
	"time"
)

// KV is the broker surface. Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only when the key is absent and reports
	// whether that happened. The dedup window rides on this.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments an integer key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a key's TTL. Missing keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to a set; SMembers lists them. Missing sets read
	// as empty. The cache's tag index uses these.
	SAdd(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	// AcquireLock takes the lock when free, stamping it with token.
	// RenewLock and ReleaseLock succeed only while the stored token
	// matches, so a node that lost the lock cannot disturb the new holder.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// Ping verifies connectivity; used by the readiness probe.
	Ping(ctx context.Context) error
}
