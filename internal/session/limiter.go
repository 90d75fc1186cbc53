package session

import (
	"context"
	"time"

	"callmeter/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps concurrent billed calls per host. It is advisory admission
// control, not a billing primitive: if it is unavailable the engine admits
// the call and the wallet still meters every second.
type Limiter interface {
	Acquire(ctx context.Context, hostID string) (bool, error)
	Release(ctx context.Context, hostID string) error
}

// RedisLimiter enforces the cap with atomic Lua counters shared across
// engine instances. The TTL bounds slot leakage if an instance crashes
// while holding slots.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, hostID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, capKey(hostID), l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, hostID string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, capKey(hostID))
}

func capKey(hostID string) string { return "callcap." + hostID }
