package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// balances and open positions. Writes go to the primary and invalidate the
// account's cache entries after they commit. Units of work always read
// through the primary's transaction, so a stale cached read can never feed
// a buy.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SetBalance(ctx context.Context, key model.AccountKey, amount decimal.Decimal) error {
	if err := s.primary.SetBalance(ctx, key, amount); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, key model.AccountKey, displayName string, pos model.Position) error {
	if err := s.primary.UpsertPosition(ctx, key, displayName, pos); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

func (s *CachedStore) Update(ctx context.Context, key model.AccountKey, fn func(tx Tx) error) error {
	if err := s.primary.Update(ctx, key, fn); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error) {
	if raw, err := s.rdb.Get(ctx, balanceKey(key)).Result(); err == nil {
		if b, err := decimal.NewFromString(raw); err == nil {
			return b, nil
		}
	}

	gen, genErr := s.generation(ctx, key)
	b, err := s.primary.GetBalance(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if genErr == nil {
		s.fill(ctx, key, balanceKey(key), gen, b.String())
	}
	return b, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, key model.AccountKey) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(key)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	gen, genErr := s.generation(ctx, key)
	positions, err := s.primary.ListPositions(ctx, key)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		if data, err := json.Marshal(positions); err == nil {
			s.fill(ctx, key, positionsKey(key), gen, string(data))
		}
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListHolders(ctx context.Context, scope string) ([]model.Holder, error) {
	return s.primary.ListHolders(ctx, scope)
}

func (s *CachedStore) ListTrades(ctx context.Context, key model.AccountKey) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, key)
}

// --- Cache helpers ---

// fillScript stores ARGV[2] under KEYS[2] only while the account generation
// in KEYS[1] still equals ARGV[1]. A read that raced a commit therefore
// never repopulates the cache with the pre-commit value.
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[1]) or "0"
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// generation returns the account's invalidation counter, "0" before the
// first write.
func (s *CachedStore) generation(ctx context.Context, key model.AccountKey) (string, error) {
	gen, err := s.rdb.Get(ctx, generationKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

func (s *CachedStore) fill(ctx context.Context, key model.AccountKey, cacheKey, gen, value string) {
	keys := []string{generationKey(key), cacheKey}
	if err := fillScript.Run(ctx, s.rdb, keys, gen, value, s.ttl.Milliseconds()).Err(); err != nil {
		slog.Debug("cache fill failed", "scope", key.Scope, "holder", key.Holder, "err", err)
	}
}

// invalidate bumps the generation before dropping the cached values, so
// fills started before the commit are refused.
func (s *CachedStore) invalidate(ctx context.Context, key model.AccountKey) {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, generationKey(key))
	pipe.Del(ctx, balanceKey(key), positionsKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache invalidation failed", "scope", key.Scope, "holder", key.Holder, "err", err)
	}
}

// cacheKey length-prefixes the scope so no (scope, holder) pair can collide
// with another when either part contains the separator.
func cacheKey(kind string, key model.AccountKey) string {
	return fmt.Sprintf("ledger:%s:%d:%s:%s", kind, len(key.Scope), key.Scope, key.Holder)
}

func balanceKey(key model.AccountKey) string    { return cacheKey("balance", key) }
func positionsKey(key model.AccountKey) string  { return cacheKey("positions", key) }
func generationKey(key model.AccountKey) string { return cacheKey("gen", key) }
