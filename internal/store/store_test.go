package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

var starting = decimal.NewFromInt(100000)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// runStoreSuite exercises the behavior every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("UnknownAccountReportsStartingBalance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

		b, err := s.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.True(t, b.Equal(starting), "got %s", b)

		positions, err := s.ListPositions(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, positions)

		holders, err := s.ListHolders(ctx, "chat-1")
		require.NoError(t, err)
		assert.Empty(t, holders, "reading a balance must not create a holder")
	})

	t.Run("SetBalanceIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

		require.NoError(t, s.SetBalance(ctx, key, d(1234.5)))
		require.NoError(t, s.SetBalance(ctx, key, d(1234.5)))

		b, err := s.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.True(t, b.Equal(d(1234.5)), "got %s", b)
	})

	t.Run("ScopesAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := model.AccountKey{Scope: "chat-1", Holder: "alice"}
		b := model.AccountKey{Scope: "chat-2", Holder: "alice"}

		require.NoError(t, s.SetBalance(ctx, a, d(10)))
		require.NoError(t, s.UpsertPosition(ctx, a, "Alice", model.Position{Ticker: "AAPL", Shares: d(1), AvgPrice: d(10)}))

		bal, err := s.GetBalance(ctx, b)
		require.NoError(t, err)
		assert.True(t, bal.Equal(starting))

		positions, err := s.ListPositions(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("ListPositionsFiltersClosedAndSorts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

		require.NoError(t, s.UpsertPosition(ctx, key, "Alice", model.Position{Ticker: "TSLA", Shares: d(2), AvgPrice: d(200)}))
		require.NoError(t, s.UpsertPosition(ctx, key, "Alice", model.Position{Ticker: "AAPL", Shares: d(5), AvgPrice: d(150)}))
		require.NoError(t, s.UpsertPosition(ctx, key, "Alice", model.Position{Ticker: "GME", Shares: decimal.Zero, AvgPrice: d(20)}))

		positions, err := s.ListPositions(ctx, key)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, "AAPL", positions[0].Ticker)
		assert.Equal(t, "TSLA", positions[1].Ticker)
		assert.True(t, positions[0].Shares.Equal(d(5)))
		assert.True(t, positions[0].AvgPrice.Equal(d(150)))
	})

	t.Run("UpsertPositionReplacesRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

		require.NoError(t, s.UpsertPosition(ctx, key, "Alice", model.Position{Ticker: "AAPL", Shares: d(5), AvgPrice: d(150)}))
		require.NoError(t, s.UpsertPosition(ctx, key, "Alice", model.Position{Ticker: "AAPL", Shares: d(8), AvgPrice: d(156.25)}))

		positions, err := s.ListPositions(ctx, key)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.True(t, positions[0].Shares.Equal(d(8)))
		assert.True(t, positions[0].AvgPrice.Equal(d(156.25)))
	})

	t.Run("ListHoldersOnePerHolder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := model.AccountKey{Scope: "chat-1", Holder: "alice"}
		bob := model.AccountKey{Scope: "chat-1", Holder: "bob"}
		other := model.AccountKey{Scope: "chat-2", Holder: "carol"}

		require.NoError(t, s.UpsertPosition(ctx, alice, "Alice", model.Position{Ticker: "AAPL", Shares: d(1), AvgPrice: d(1)}))
		require.NoError(t, s.UpsertPosition(ctx, alice, "Alice B", model.Position{Ticker: "MSFT", Shares: d(1), AvgPrice: d(1)}))
		require.NoError(t, s.UpsertPosition(ctx, bob, "Bob", model.Position{Ticker: "AAPL", Shares: d(1), AvgPrice: d(1)}))
		require.NoError(t, s.UpsertPosition(ctx, other, "Carol", model.Position{Ticker: "AAPL", Shares: d(1), AvgPrice: d(1)}))

		holders, err := s.ListHolders(ctx, "chat-1")
		require.NoError(t, err)
		require.Len(t, holders, 2)
		assert.Equal(t, "alice", holders[0].ID)
		assert.Equal(t, "Alice B", holders[0].DisplayName)
		assert.Equal(t, "bob", holders[1].ID)
	})

	t.Run("UpdateCommitsAllWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		err := s.Update(ctx, key, func(tx store.Tx) error {
			bal, err := tx.Balance(ctx)
			if err != nil {
				return err
			}
			if err := tx.SetBalance(ctx, bal.Sub(d(750))); err != nil {
				return err
			}
			if err := tx.UpsertPosition(ctx, "Alice", model.Position{Ticker: "AAPL", Shares: d(5), AvgPrice: d(150)}); err != nil {
				return err
			}
			return tx.AppendTrade(ctx, &model.Trade{
				ID: "t-1", Scope: key.Scope, Holder: key.Holder, Ticker: "AAPL",
				Quantity: d(5), Price: d(150), Cost: d(750), ExecutedAt: at,
			})
		})
		require.NoError(t, err)

		bal, err := s.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.True(t, bal.Equal(d(99250)), "got %s", bal)

		positions, err := s.ListPositions(ctx, key)
		require.NoError(t, err)
		require.Len(t, positions, 1)

		trades, err := s.ListTrades(ctx, key)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.Equal(t, "t-1", trades[0].ID)
		assert.True(t, trades[0].Cost.Equal(d(750)))
		assert.True(t, trades[0].ExecutedAt.Equal(at))
	})

	t.Run("UpdateReadsItsOwnWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

		err := s.Update(ctx, key, func(tx store.Tx) error {
			require.NoError(t, tx.SetBalance(ctx, d(42)))
			require.NoError(t, tx.UpsertPosition(ctx, "Alice", model.Position{Ticker: "AAPL", Shares: d(1), AvgPrice: d(2)}))

			bal, err := tx.Balance(ctx)
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(42)))

			pos, ok, err := tx.Position(ctx, "AAPL")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, pos.Shares.Equal(d(1)))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UpdateRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}
		boom := errors.New("boom")

		err := s.Update(ctx, key, func(tx store.Tx) error {
			if err := tx.SetBalance(ctx, d(1)); err != nil {
				return err
			}
			if err := tx.UpsertPosition(ctx, "Alice", model.Position{Ticker: "AAPL", Shares: d(5), AvgPrice: d(150)}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		bal, err := s.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.True(t, bal.Equal(starting), "balance changed after rollback: %s", bal)

		positions, err := s.ListPositions(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, positions)

		trades, err := s.ListTrades(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, trades)
	})

	t.Run("UpdatesOnOneKeySerialize", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.AccountKey{Scope: "chat-1", Holder: "alice"}

		const workers = 8
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, key, func(tx store.Tx) error {
					bal, err := tx.Balance(ctx)
					if err != nil {
						return err
					}
					return tx.SetBalance(ctx, bal.Sub(d(1)))
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		bal, err := s.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.True(t, bal.Equal(starting.Sub(d(workers))), "lost update: %s", bal)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore(starting)
	})
}
