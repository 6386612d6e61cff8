package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

// postgresSchema is applied by Migrate. Scope is always part of the key;
// deployments sharing one ledger store the empty scope.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		scope      TEXT        NOT NULL DEFAULT '',
		holder     TEXT        NOT NULL,
		balance    NUMERIC     NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (scope, holder)
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		scope        TEXT        NOT NULL DEFAULT '',
		holder       TEXT        NOT NULL,
		display_name TEXT        NOT NULL DEFAULT '',
		ticker       TEXT        NOT NULL,
		shares       NUMERIC     NOT NULL,
		avg_price    NUMERIC     NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (scope, holder, ticker)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          TEXT        PRIMARY KEY,
		scope       TEXT        NOT NULL DEFAULT '',
		holder      TEXT        NOT NULL,
		ticker      TEXT        NOT NULL,
		quantity    NUMERIC     NOT NULL,
		price       NUMERIC     NOT NULL,
		cost        NUMERIC     NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_account_idx ON trades (scope, holder, executed_at)`,
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool     *pgxpool.Pool
	starting decimal.Decimal
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, startingBalance decimal.Decimal) *PostgresStore {
	return &PostgresStore{pool: pool, starting: startingBalance}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) GetBalance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error) {
	return pgBalance(ctx, s.pool, key, s.starting)
}

func (s *PostgresStore) SetBalance(ctx context.Context, key model.AccountKey, amount decimal.Decimal) error {
	return pgSetBalance(ctx, s.pool, key, amount)
}

func (s *PostgresStore) ListPositions(ctx context.Context, key model.AccountKey) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, shares::TEXT, avg_price::TEXT
		 FROM positions
		 WHERE scope = $1 AND holder = $2 AND shares > 0
		 ORDER BY ticker`, key.Scope, key.Holder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var sharesS, avgS string
		if err := rows.Scan(&p.Ticker, &sharesS, &avgS); err != nil {
			return nil, err
		}
		if p.Shares, err = parseDecimal(sharesS); err != nil {
			return nil, err
		}
		if p.AvgPrice, err = parseDecimal(avgS); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, key model.AccountKey, displayName string, pos model.Position) error {
	return pgUpsertPosition(ctx, s.pool, key, displayName, pos)
}

func (s *PostgresStore) ListHolders(ctx context.Context, scope string) ([]model.Holder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holder, MAX(display_name)
		 FROM positions
		 WHERE scope = $1
		 GROUP BY holder
		 ORDER BY holder`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holders []model.Holder
	for rows.Next() {
		var h model.Holder
		if err := rows.Scan(&h.ID, &h.DisplayName); err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, key model.AccountKey) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, holder, ticker,
		        quantity::TEXT, price::TEXT, cost::TEXT, executed_at
		 FROM trades
		 WHERE scope = $1 AND holder = $2
		 ORDER BY executed_at, id`, key.Scope, key.Holder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// Update runs fn in a transaction holding a transaction-scoped advisory
// lock on the account, so concurrent updates of one key serialize even
// before its balance row exists. Other keys are not blocked.
func (s *PostgresStore) Update(ctx context.Context, key model.AccountKey, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		return fn(&postgresTx{q: tx, key: key, starting: s.starting})
	})
}

type postgresTx struct {
	q        querier
	key      model.AccountKey
	starting decimal.Decimal
}

func (t *postgresTx) Balance(ctx context.Context) (decimal.Decimal, error) {
	return pgBalance(ctx, t.q, t.key, t.starting)
}

func (t *postgresTx) SetBalance(ctx context.Context, amount decimal.Decimal) error {
	return pgSetBalance(ctx, t.q, t.key, amount)
}

func (t *postgresTx) Position(ctx context.Context, ticker string) (model.Position, bool, error) {
	var sharesS, avgS string
	err := t.q.QueryRow(ctx,
		`SELECT shares::TEXT, avg_price::TEXT
		 FROM positions
		 WHERE scope = $1 AND holder = $2 AND ticker = $3`,
		t.key.Scope, t.key.Holder, ticker).Scan(&sharesS, &avgS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}

	p := model.Position{Ticker: ticker}
	if p.Shares, err = parseDecimal(sharesS); err != nil {
		return model.Position{}, false, err
	}
	if p.AvgPrice, err = parseDecimal(avgS); err != nil {
		return model.Position{}, false, err
	}
	return p, true, nil
}

func (t *postgresTx) UpsertPosition(ctx context.Context, displayName string, pos model.Position) error {
	return pgUpsertPosition(ctx, t.q, t.key, displayName, pos)
}

func (t *postgresTx) AppendTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, scope, holder, ticker, quantity, price, cost, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.Scope, tr.Holder, tr.Ticker,
		tr.Quantity.String(), tr.Price.String(), tr.Cost.String(),
		tr.ExecutedAt,
	)
	return err
}

// --- Shared query helpers ---

func pgBalance(ctx context.Context, q querier, key model.AccountKey, starting decimal.Decimal) (decimal.Decimal, error) {
	var balanceS string
	err := q.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE scope = $1 AND holder = $2`,
		key.Scope, key.Holder).Scan(&balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return starting, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return parseDecimal(balanceS)
}

func pgSetBalance(ctx context.Context, q querier, key model.AccountKey, amount decimal.Decimal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO balances (scope, holder, balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (scope, holder) DO UPDATE SET
		     balance    = EXCLUDED.balance,
		     updated_at = EXCLUDED.updated_at`,
		key.Scope, key.Holder, amount.String(),
	)
	return err
}

func pgUpsertPosition(ctx context.Context, q querier, key model.AccountKey, displayName string, pos model.Position) error {
	_, err := q.Exec(ctx,
		`INSERT INTO positions (scope, holder, display_name, ticker, shares, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, now())
		 ON CONFLICT (scope, holder, ticker) DO UPDATE SET
		     display_name = EXCLUDED.display_name,
		     shares       = EXCLUDED.shares,
		     avg_price    = EXCLUDED.avg_price,
		     updated_at   = EXCLUDED.updated_at`,
		key.Scope, key.Holder, displayName, pos.Ticker,
		pos.Shares.String(), pos.AvgPrice.String(),
	)
	return err
}

// scanTrades reads pgx rows into Trade slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var qtyS, priceS, costS string
		var executedAt time.Time

		if err := rows.Scan(&tr.ID, &tr.Scope, &tr.Holder, &tr.Ticker,
			&qtyS, &priceS, &costS, &executedAt); err != nil {
			return nil, err
		}

		var err error
		if tr.Quantity, err = parseDecimal(qtyS); err != nil {
			return nil, err
		}
		if tr.Price, err = parseDecimal(priceS); err != nil {
			return nil, err
		}
		if tr.Cost, err = parseDecimal(costS); err != nil {
			return nil, err
		}
		tr.ExecutedAt = executedAt.UTC()
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrCorrupt, s, err)
	}
	return d, nil
}
