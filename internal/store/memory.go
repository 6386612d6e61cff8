package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/keylock"
	"github.com/atmx/paper-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	starting decimal.Decimal
	locks    *keylock.Striped

	mu        sync.RWMutex
	balances  map[model.AccountKey]decimal.Decimal
	positions map[model.AccountKey]map[string]memoryPosition
	trades    map[model.AccountKey][]model.Trade
}

type memoryPosition struct {
	pos         model.Position
	displayName string
}

// NewMemoryStore creates a new in-memory store whose unknown accounts
// report startingBalance.
func NewMemoryStore(startingBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		starting:  startingBalance,
		locks:     keylock.New(0),
		balances:  make(map[model.AccountKey]decimal.Decimal),
		positions: make(map[model.AccountKey]map[string]memoryPosition),
		trades:    make(map[model.AccountKey][]model.Trade),
	}
}

func (s *MemoryStore) GetBalance(_ context.Context, key model.AccountKey) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(key), nil
}

func (s *MemoryStore) SetBalance(_ context.Context, key model.AccountKey, amount decimal.Decimal) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[key] = amount
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, key model.AccountKey) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, mp := range s.positions[key] {
		if mp.pos.Open() {
			result = append(result, mp.pos)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ticker < result[j].Ticker })
	return result, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, key model.AccountKey, displayName string, pos model.Position) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(key, displayName, pos)
	return nil
}

func (s *MemoryStore) ListHolders(_ context.Context, scope string) ([]model.Holder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[string]string)
	for key, rows := range s.positions {
		if key.Scope != scope || len(rows) == 0 {
			continue
		}
		// Same rule as the SQL stores: MAX(display_name) per holder.
		for _, mp := range rows {
			if cur, ok := names[key.Holder]; !ok || mp.displayName > cur {
				names[key.Holder] = mp.displayName
			}
		}
	}

	holders := make([]model.Holder, 0, len(names))
	for id, name := range names {
		holders = append(holders, model.Holder{ID: id, DisplayName: name})
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].ID < holders[j].ID })
	return holders, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, key model.AccountKey) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[key]
	out := make([]model.Trade, len(trades))
	copy(out, trades)
	return out, nil
}

// Update stages every write made by fn and applies them under a single
// write lock once fn succeeds, so readers never observe half a unit.
func (s *MemoryStore) Update(ctx context.Context, key model.AccountKey, fn func(tx Tx) error) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	tx := &memoryTx{store: s, key: key, positions: make(map[string]memoryPosition)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.balance != nil {
		s.balances[key] = *tx.balance
	}
	for _, mp := range tx.positions {
		s.upsertLocked(key, mp.displayName, mp.pos)
	}
	s.trades[key] = append(s.trades[key], tx.trades...)
	return nil
}

func (s *MemoryStore) balanceLocked(key model.AccountKey) decimal.Decimal {
	if b, ok := s.balances[key]; ok {
		return b
	}
	return s.starting
}

func (s *MemoryStore) upsertLocked(key model.AccountKey, displayName string, pos model.Position) {
	rows, ok := s.positions[key]
	if !ok {
		rows = make(map[string]memoryPosition)
		s.positions[key] = rows
	}
	rows[pos.Ticker] = memoryPosition{pos: pos, displayName: displayName}
}

// memoryTx buffers writes until MemoryStore.Update commits them.
type memoryTx struct {
	store     *MemoryStore
	key       model.AccountKey
	balance   *decimal.Decimal
	positions map[string]memoryPosition
	trades    []model.Trade
}

func (t *memoryTx) Balance(ctx context.Context) (decimal.Decimal, error) {
	if t.balance != nil {
		return *t.balance, nil
	}
	return t.store.GetBalance(ctx, t.key)
}

func (t *memoryTx) SetBalance(_ context.Context, amount decimal.Decimal) error {
	t.balance = &amount
	return nil
}

func (t *memoryTx) Position(_ context.Context, ticker string) (model.Position, bool, error) {
	if mp, ok := t.positions[ticker]; ok {
		return mp.pos, true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	mp, ok := t.store.positions[t.key][ticker]
	return mp.pos, ok, nil
}

func (t *memoryTx) UpsertPosition(_ context.Context, displayName string, pos model.Position) error {
	t.positions[pos.Ticker] = memoryPosition{pos: pos, displayName: displayName}
	return nil
}

func (t *memoryTx) AppendTrade(_ context.Context, trade *model.Trade) error {
	t.trades = append(t.trades, *trade)
	return nil
}
