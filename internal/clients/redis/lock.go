package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/coursebridge/completion-backend/internal/logger"
)

// Locker is a best-effort run lock over redis SETNX. It keeps overlapping
// scheduler fires from duplicating a whole batch run; per-record correctness
// still comes from the claim tokens in the staleness table.
type Locker struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewLocker(log *logger.Logger, rdb *goredis.Client) *Locker {
	if rdb == nil {
		return nil
	}
	return &Locker{
		log: log.With("client", "RedisLocker"),
		rdb: rdb,
	}
}

// Acquire returns false when another holder owns the lock. The TTL bounds a
// crashed holder's exclusivity.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (l *Locker) Release(ctx context.Context, key string) {
	if l == nil || l.rdb == nil {
		return
	}
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		l.log.Warn("Failed to release lock", "key", key, "error", err)
	}
}
