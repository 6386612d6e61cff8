// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments), in-memory (for testing) and a Redis
// read-through cache that wraps any of them.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

// ErrCorrupt is returned when a persisted value cannot be decoded.
var ErrCorrupt = errors.New("store: corrupt record")

// Tx is the view of a single account inside a unit of work. Writes made
// through a Tx become visible to other readers only when the enclosing
// Update returns nil; otherwise none of them are applied.
type Tx interface {
	// Balance returns the stored balance, or the starting balance when the
	// account has never been written.
	Balance(ctx context.Context) (decimal.Decimal, error)

	// SetBalance stages a new cash balance.
	SetBalance(ctx context.Context, amount decimal.Decimal) error

	// Position returns the row for ticker, open or not.
	Position(ctx context.Context, ticker string) (model.Position, bool, error)

	// UpsertPosition stages a replace-or-insert of the ticker row.
	UpsertPosition(ctx context.Context, displayName string, pos model.Position) error

	// AppendTrade stages an immutable journal record.
	AppendTrade(ctx context.Context, trade *model.Trade) error
}

// Store is the persistence interface. Every method is keyed by an
// account; storage failures are returned unchanged and never retried.
type Store interface {
	// --- Balances ---

	// GetBalance returns the stored balance or the starting balance. It
	// never persists the default.
	GetBalance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error)

	// SetBalance is an idempotent upsert of the cash balance.
	SetBalance(ctx context.Context, key model.AccountKey, amount decimal.Decimal) error

	// --- Positions ---

	// ListPositions returns open positions ordered by ticker.
	ListPositions(ctx context.Context, key model.AccountKey) ([]model.Position, error)

	// UpsertPosition replaces or inserts the row for pos.Ticker.
	UpsertPosition(ctx context.Context, key model.AccountKey, displayName string, pos model.Position) error

	// ListHolders returns one entry per holder that ever held a position
	// in scope, ordered by holder.
	ListHolders(ctx context.Context, scope string) ([]model.Holder, error)

	// --- Trade journal ---

	// ListTrades returns the account's trades, oldest first.
	ListTrades(ctx context.Context, key model.AccountKey) ([]model.Trade, error)

	// --- Unit of work ---

	// Update runs fn inside a transaction scoped to key. Updates on the
	// same key are serialized; if fn returns an error nothing it staged is
	// applied and that error is returned as is.
	Update(ctx context.Context, key model.AccountKey, fn func(tx Tx) error) error
}
