package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/paper-ledger/internal/model"
)

// Decimals are stored as TEXT so SQLite's numeric affinity never rounds
// them through float64.

type balanceRow struct {
	Scope     string `gorm:"column:scope;primaryKey"`
	Holder    string `gorm:"column:holder;primaryKey"`
	Balance   string `gorm:"column:balance;type:TEXT;not null"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (balanceRow) TableName() string { return "balances" }

type positionRow struct {
	Scope       string `gorm:"column:scope;primaryKey"`
	Holder      string `gorm:"column:holder;primaryKey"`
	Ticker      string `gorm:"column:ticker;primaryKey"`
	DisplayName string `gorm:"column:display_name"`
	Shares      string `gorm:"column:shares;type:TEXT;not null"`
	AvgPrice    string `gorm:"column:avg_price;type:TEXT;not null"`
	UpdatedAt   int64  `gorm:"column:updated_at"`
}

func (positionRow) TableName() string { return "positions" }

type tradeRow struct {
	ID         string `gorm:"column:id;primaryKey"`
	Scope      string `gorm:"column:scope;index:idx_trades_account,priority:1"`
	Holder     string `gorm:"column:holder;index:idx_trades_account,priority:2"`
	Ticker     string `gorm:"column:ticker"`
	Quantity   string `gorm:"column:quantity;type:TEXT"`
	Price      string `gorm:"column:price;type:TEXT"`
	Cost       string `gorm:"column:cost;type:TEXT"`
	ExecutedAt int64  `gorm:"column:executed_at;index:idx_trades_account,priority:3"`
}

func (tradeRow) TableName() string { return "trades" }

// SQLiteStore implements Store on an embedded SQLite file through gorm.
// It keeps a single connection, so every transaction is serialized.
type SQLiteStore struct {
	db       *gorm.DB
	starting decimal.Decimal
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the ledger tables.
func NewSQLiteStore(path string, startingBalance decimal.Decimal) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&balanceRow{}, &positionRow{}, &tradeRow{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &SQLiteStore{db: db, starting: startingBalance}, nil
}

// Close closes the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) GetBalance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error) {
	return sqliteBalance(s.db.WithContext(ctx), key, s.starting)
}

func (s *SQLiteStore) SetBalance(ctx context.Context, key model.AccountKey, amount decimal.Decimal) error {
	return sqliteSetBalance(s.db.WithContext(ctx), key, amount)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, key model.AccountKey) ([]model.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).
		Where("scope = ? AND holder = ?", key.Scope, key.Holder).
		Order("ticker").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	var positions []model.Position
	for _, r := range rows {
		p, err := r.position()
		if err != nil {
			return nil, err
		}
		// shares is TEXT, so the open filter runs here rather than in SQL.
		if p.Open() {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

func (s *SQLiteStore) UpsertPosition(ctx context.Context, key model.AccountKey, displayName string, pos model.Position) error {
	return sqliteUpsertPosition(s.db.WithContext(ctx), key, displayName, pos)
}

func (s *SQLiteStore) ListHolders(ctx context.Context, scope string) ([]model.Holder, error) {
	type holderRow struct {
		Holder      string
		DisplayName string
	}
	var rows []holderRow
	if err := s.db.WithContext(ctx).
		Model(&positionRow{}).
		Select("holder, MAX(display_name) AS display_name").
		Where("scope = ?", scope).
		Group("holder").
		Order("holder").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	holders := make([]model.Holder, 0, len(rows))
	for _, r := range rows {
		holders = append(holders, model.Holder{ID: r.Holder, DisplayName: r.DisplayName})
	}
	return holders, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, key model.AccountKey) ([]model.Trade, error) {
	var rows []tradeRow
	if err := s.db.WithContext(ctx).
		Where("scope = ? AND holder = ?", key.Scope, key.Holder).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		tr, err := r.trade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].ExecutedAt.Equal(trades[j].ExecutedAt) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
	return trades, nil
}

// Update runs fn inside a gorm transaction; returning an error from fn
// rolls every staged write back.
func (s *SQLiteStore) Update(ctx context.Context, key model.AccountKey, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqliteTx{db: tx, key: key, starting: s.starting})
	})
}

type sqliteTx struct {
	db       *gorm.DB
	key      model.AccountKey
	starting decimal.Decimal
}

func (t *sqliteTx) Balance(ctx context.Context) (decimal.Decimal, error) {
	return sqliteBalance(t.db.WithContext(ctx), t.key, t.starting)
}

func (t *sqliteTx) SetBalance(ctx context.Context, amount decimal.Decimal) error {
	return sqliteSetBalance(t.db.WithContext(ctx), t.key, amount)
}

func (t *sqliteTx) Position(ctx context.Context, ticker string) (model.Position, bool, error) {
	var row positionRow
	err := t.db.WithContext(ctx).
		Where("scope = ? AND holder = ? AND ticker = ?", t.key.Scope, t.key.Holder, ticker).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	p, err := row.position()
	if err != nil {
		return model.Position{}, false, err
	}
	return p, true, nil
}

func (t *sqliteTx) UpsertPosition(ctx context.Context, displayName string, pos model.Position) error {
	return sqliteUpsertPosition(t.db.WithContext(ctx), t.key, displayName, pos)
}

func (t *sqliteTx) AppendTrade(ctx context.Context, tr *model.Trade) error {
	row := tradeRow{
		ID:         tr.ID,
		Scope:      tr.Scope,
		Holder:     tr.Holder,
		Ticker:     tr.Ticker,
		Quantity:   tr.Quantity.String(),
		Price:      tr.Price.String(),
		Cost:       tr.Cost.String(),
		ExecutedAt: tr.ExecutedAt.UnixNano(),
	}
	return t.db.WithContext(ctx).Create(&row).Error
}

// --- Shared helpers ---

func sqliteBalance(db *gorm.DB, key model.AccountKey, starting decimal.Decimal) (decimal.Decimal, error) {
	var row balanceRow
	err := db.Where("scope = ? AND holder = ?", key.Scope, key.Holder).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return starting, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return parseDecimal(row.Balance)
}

func sqliteSetBalance(db *gorm.DB, key model.AccountKey, amount decimal.Decimal) error {
	row := balanceRow{
		Scope:     key.Scope,
		Holder:    key.Holder,
		Balance:   amount.String(),
		UpdatedAt: time.Now().Unix(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "holder"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
	}).Create(&row).Error
}

func sqliteUpsertPosition(db *gorm.DB, key model.AccountKey, displayName string, pos model.Position) error {
	row := positionRow{
		Scope:       key.Scope,
		Holder:      key.Holder,
		Ticker:      pos.Ticker,
		DisplayName: displayName,
		Shares:      pos.Shares.String(),
		AvgPrice:    pos.AvgPrice.String(),
		UpdatedAt:   time.Now().Unix(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "holder"}, {Name: "ticker"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "shares", "avg_price", "updated_at"}),
	}).Create(&row).Error
}

func (r positionRow) position() (model.Position, error) {
	shares, err := parseDecimal(r.Shares)
	if err != nil {
		return model.Position{}, err
	}
	avg, err := parseDecimal(r.AvgPrice)
	if err != nil {
		return model.Position{}, err
	}
	return model.Position{Ticker: r.Ticker, Shares: shares, AvgPrice: avg}, nil
}

func (r tradeRow) trade() (model.Trade, error) {
	qty, err := parseDecimal(r.Quantity)
	if err != nil {
		return model.Trade{}, err
	}
	price, err := parseDecimal(r.Price)
	if err != nil {
		return model.Trade{}, err
	}
	cost, err := parseDecimal(r.Cost)
	if err != nil {
		return model.Trade{}, err
	}
	return model.Trade{
		ID:         r.ID,
		Scope:      r.Scope,
		Holder:     r.Holder,
		Ticker:     r.Ticker,
		Quantity:   qty,
		Price:      price,
		Cost:       cost,
		ExecutedAt: time.Unix(0, r.ExecutedAt).UTC(),
	}, nil
}
