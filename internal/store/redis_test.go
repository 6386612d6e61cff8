package store_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

func newCachedStore(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	primary := store.NewMemoryStore(starting)
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		s, _, _ := newCachedStore(t)
		return s
	})
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	s, primary, mr := newCachedStore(t)
	ctx := context.Background()
	key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Equal(starting))
	assert.True(t, mr.Exists("ledger:balance:6:chat-1:alice"))

	// Bypassing the cache leaves the cached value in place until the TTL.
	require.NoError(t, primary.SetBalance(ctx, key, d(5)))
	b, err = s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Equal(starting))

	mr.FastForward(2 * time.Minute)
	b, err = s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Equal(d(5)))
}

func TestCachedStore_UpdateInvalidates(t *testing.T) {
	s, _, mr := newCachedStore(t)
	ctx := context.Background()
	key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

	_, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	_, err = s.ListPositions(ctx, key)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ledger:positions:6:chat-1:alice"))

	err = s.Update(ctx, key, func(tx store.Tx) error {
		if err := tx.SetBalance(ctx, d(99250)); err != nil {
			return err
		}
		return tx.UpsertPosition(ctx, "Alice", model.Position{Ticker: "AAPL", Shares: d(5), AvgPrice: d(150)})
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("ledger:balance:6:chat-1:alice"))
	assert.False(t, mr.Exists("ledger:positions:6:chat-1:alice"))

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Equal(d(99250)))

	positions, err := s.ListPositions(ctx, key)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Ticker)
}

func TestCachedStore_RedisDownFallsBackToPrimary(t *testing.T) {
	s, primary, mr := newCachedStore(t)
	ctx := context.Background()
	key := model.AccountKey{Scope: "chat-1", Holder: "alice"}
	require.NoError(t, primary.SetBalance(ctx, key, d(7)))

	mr.Close()

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Equal(d(7)))
}

func TestCachedStore_SeparatorInKeysDoesNotCollide(t *testing.T) {
	s, _, _ := newCachedStore(t)
	ctx := context.Background()
	a := model.AccountKey{Scope: "chat:1", Holder: "bob"}
	b := model.AccountKey{Scope: "chat", Holder: "1:bob"}

	require.NoError(t, s.SetBalance(ctx, a, d(5)))
	require.NoError(t, s.Update(ctx, a, func(tx store.Tx) error {
		return tx.UpsertPosition(ctx, "Bob", model.Position{Ticker: "AAPL", Shares: d(1), AvgPrice: d(10)})
	}))

	// Warm the cache for a, then read b.
	got, err := s.GetBalance(ctx, a)
	require.NoError(t, err)
	assert.True(t, got.Equal(d(5)))
	positions, err := s.ListPositions(ctx, a)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	got, err = s.GetBalance(ctx, b)
	require.NoError(t, err)
	assert.True(t, got.Equal(starting), "b got %s", got)
	positions, err = s.ListPositions(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// pausingStore reads the balance, then parks until released, so a commit
// can land between the primary read and the cache fill.
type pausingStore struct {
	store.Store
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) GetBalance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error) {
	b, err := p.Store.GetBalance(ctx, key)
	if p.armed.CompareAndSwap(true, false) {
		close(p.read)
		<-p.release
	}
	return b, err
}

func (p *pausingStore) ListPositions(ctx context.Context, key model.AccountKey) ([]model.Position, error) {
	positions, err := p.Store.ListPositions(ctx, key)
	if p.armed.CompareAndSwap(true, false) {
		close(p.read)
		<-p.release
	}
	return positions, err
}

func newPausingCachedStore(t *testing.T) (*store.CachedStore, *pausingStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := &pausingStore{
		Store:   store.NewMemoryStore(starting),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	p.armed.Store(true)
	return store.NewCachedStore(p, rdb, time.Minute), p
}

func TestCachedStore_ReadRacingCommitDoesNotCacheStaleBalance(t *testing.T) {
	s, p := newPausingCachedStore(t)
	ctx := context.Background()
	key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

	done := make(chan decimal.Decimal)
	go func() {
		b, _ := s.GetBalance(ctx, key)
		done <- b
	}()

	<-p.read
	require.NoError(t, s.Update(ctx, key, func(tx store.Tx) error {
		return tx.SetBalance(ctx, d(98500))
	}))
	close(p.release)

	// The racing read may itself report the old value.
	assert.True(t, (<-done).Equal(starting))

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Equal(d(98500)), "got %s after commit", b)
}

func TestCachedStore_ReadRacingCommitDoesNotCacheStalePositions(t *testing.T) {
	s, p := newPausingCachedStore(t)
	ctx := context.Background()
	key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

	done := make(chan []model.Position)
	go func() {
		positions, _ := s.ListPositions(ctx, key)
		done <- positions
	}()

	<-p.read
	require.NoError(t, s.Update(ctx, key, func(tx store.Tx) error {
		return tx.UpsertPosition(ctx, "Alice", model.Position{Ticker: "AAPL", Shares: d(10), AvgPrice: d(150)})
	}))
	close(p.release)
	assert.Empty(t, <-done)

	positions, err := s.ListPositions(ctx, key)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Ticker)
}
