package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps each scope's window in a Redis list so several
// processes can share it. Push and trim run in one MULTI block, so the
// list never exceeds the capacity.
type RedisWindow struct {
	rdb      *redis.Client
	capacity int
	ttl      time.Duration
}

// NewRedisWindow creates a Redis-backed window. A positive idleTTL expires
// scopes that receive no message for that long.
func NewRedisWindow(rdb *redis.Client, capacity int, idleTTL time.Duration) *RedisWindow {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &RedisWindow{rdb: rdb, capacity: capacity, ttl: idleTTL}
}

func (w *RedisWindow) Append(ctx context.Context, scope, msg string) error {
	key := windowKey(scope)
	pipe := w.rdb.TxPipeline()
	pipe.RPush(ctx, key, msg)
	pipe.LTrim(ctx, key, int64(-w.capacity), -1)
	if w.ttl > 0 {
		pipe.Expire(ctx, key, w.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session append: %w", err)
	}
	return nil
}

func (w *RedisWindow) Snapshot(ctx context.Context, scope string, excludeLast bool) ([]string, error) {
	items, err := w.rdb.LRange(ctx, windowKey(scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session snapshot: %w", err)
	}
	return snapshot(items, excludeLast), nil
}

func windowKey(scope string) string { return fmt.Sprintf("session:%s", scope) }
