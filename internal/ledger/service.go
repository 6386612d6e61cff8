// Package ledger executes buys against the store and exposes the account
// reads used by command handlers.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/keylock"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/quote"
	"github.com/atmx/paper-ledger/internal/store"
	"github.com/atmx/paper-ledger/internal/ticker"
)

// Notifier is told about every executed buy after it commits.
type Notifier interface {
	TradeExecuted(result model.BuyResult)
}

// Service serializes mutations per account with a striped lock and runs
// each buy as one store unit of work.
type Service struct {
	store    store.Store
	prices   quote.Source
	mode     ScopeMode
	locks    *keylock.Striped
	notifier Notifier // optional

	now   func() time.Time
	newID func() string
}

// NewService creates a ledger service. Pass nil for notifier if nothing
// listens for executed trades; prices may be nil when BuyAtMarket is not
// used.
func NewService(st store.Store, prices quote.Source, mode ScopeMode, notifier Notifier) *Service {
	if mode == "" {
		mode = ScopeConversation
	}
	return &Service{
		store:    st,
		prices:   prices,
		mode:     mode,
		locks:    keylock.New(keylock.DefaultStripes),
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

// Mode returns the deployment scope mode.
func (s *Service) Mode() ScopeMode { return s.mode }

// Account returns the key holder's ledger lives under in scope.
func (s *Service) Account(scope, holder string) model.AccountKey {
	return s.mode.Key(scope, holder)
}

// --- Reads ---

// Balance returns the cash balance, or the starting balance for an account
// that has never been written.
func (s *Service) Balance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error) {
	key = s.normalize(key)
	b, err := s.store.GetBalance(ctx, key)
	if err != nil {
		return decimal.Zero, storageErr("get balance", err)
	}
	return b, nil
}

// Positions returns the open positions of the account, ordered by ticker.
func (s *Service) Positions(ctx context.Context, key model.AccountKey) ([]model.Position, error) {
	key = s.normalize(key)
	positions, err := s.store.ListPositions(ctx, key)
	if err != nil {
		return nil, storageErr("list positions", err)
	}
	return positions, nil
}

// Holders returns everyone who has held a position in scope.
func (s *Service) Holders(ctx context.Context, scope string) ([]model.Holder, error) {
	holders, err := s.store.ListHolders(ctx, s.mode.Scope(scope))
	if err != nil {
		return nil, storageErr("list holders", err)
	}
	return holders, nil
}

// Trades returns the account's executed buys, oldest first.
func (s *Service) Trades(ctx context.Context, key model.AccountKey) ([]model.Trade, error) {
	key = s.normalize(key)
	trades, err := s.store.ListTrades(ctx, key)
	if err != nil {
		return nil, storageErr("list trades", err)
	}
	return trades, nil
}

// --- Mutations ---

// SetBalance overwrites the cash balance. Negative amounts are rejected.
func (s *Service) SetBalance(ctx context.Context, key model.AccountKey, amount decimal.Decimal) error {
	key = s.normalize(key)
	if key.Holder == "" {
		return invalid("holder is required")
	}
	if amount.IsNegative() {
		return invalid("balance must not be negative")
	}

	unlock := s.locks.Lock(key.String())
	defer unlock()

	if err := s.store.SetBalance(ctx, key, amount); err != nil {
		slog.Error("set balance failed", "scope", key.Scope, "holder", key.Holder, "err", err)
		return storageErr("set balance", err)
	}
	return nil
}

// Buy applies order as one unit of work: the balance decrement, the
// position upsert and the journal record persist together or not at all.
func (s *Service) Buy(ctx context.Context, order model.BuyOrder) (*model.BuyResult, error) {
	start := time.Now()
	defer func() { metrics.BuyLatency.Observe(time.Since(start).Seconds()) }()

	order, err := s.validate(order)
	if err != nil {
		metrics.BuyRejections.WithLabelValues("invalid_input").Inc()
		return nil, err
	}
	key := order.Key
	cost := order.Quantity.Mul(order.Price)

	unlock := s.locks.Lock(key.String())
	defer unlock()

	var result model.BuyResult
	err = s.store.Update(ctx, key, func(tx store.Tx) error {
		balance, err := tx.Balance(ctx)
		if err != nil {
			return storageErr("read balance", err)
		}
		if balance.LessThan(cost) {
			return newInsufficientFunds(cost, balance)
		}

		current, found, err := tx.Position(ctx, order.Ticker)
		if err != nil {
			return storageErr("read position", err)
		}
		next := applyBuy(current, found, order.Quantity, order.Price)
		next.Ticker = order.Ticker
		newBalance := balance.Sub(cost)

		if err := tx.SetBalance(ctx, newBalance); err != nil {
			return storageErr("write balance", err)
		}
		if err := tx.UpsertPosition(ctx, order.DisplayName, next); err != nil {
			return storageErr("write position", err)
		}

		trade := model.Trade{
			ID:         s.newID(),
			Scope:      key.Scope,
			Holder:     key.Holder,
			Ticker:     order.Ticker,
			Quantity:   order.Quantity,
			Price:      order.Price,
			Cost:       cost,
			ExecutedAt: s.now(),
		}
		if err := tx.AppendTrade(ctx, &trade); err != nil {
			return storageErr("append trade", err)
		}

		result = model.BuyResult{Trade: trade, Balance: newBalance, Position: next}
		return nil
	})
	if err != nil {
		return nil, s.rejected(key, order, err)
	}

	metrics.BuysTotal.Inc()
	metrics.BuyVolume.Add(cost.InexactFloat64())
	slog.Info("buy executed",
		"trade_id", result.Trade.ID,
		"scope", key.Scope,
		"holder", key.Holder,
		"ticker", order.Ticker,
		"qty", order.Quantity.String(),
		"price", order.Price.String(),
		"cost", cost.String(),
		"balance", result.Balance.String(),
	)

	if s.notifier != nil {
		s.notifier.TradeExecuted(result)
	}
	return &result, nil
}

// BuyAtMarket resolves the current price of tickerSymbol and buys at it.
// The order is validated before the lookup, and a failed lookup leaves the
// ledger untouched.
func (s *Service) BuyAtMarket(ctx context.Context, key model.AccountKey, displayName, tickerSymbol string, quantity decimal.Decimal) (*model.BuyResult, error) {
	order := model.BuyOrder{
		Key:         key,
		DisplayName: displayName,
		Ticker:      tickerSymbol,
		Quantity:    quantity,
		Price:       decimal.NewFromInt(1), // placeholder until resolved
	}
	order, err := s.validate(order)
	if err != nil {
		metrics.BuyRejections.WithLabelValues("invalid_input").Inc()
		return nil, err
	}
	if s.prices == nil {
		metrics.BuyRejections.WithLabelValues("price_unavailable").Inc()
		return nil, ErrPriceUnavailable
	}

	price, err := s.prices.Price(ctx, order.Ticker)
	if err != nil || !price.IsPositive() {
		metrics.BuyRejections.WithLabelValues("price_unavailable").Inc()
		slog.Warn("price lookup failed", "ticker", order.Ticker, "err", err)
		return nil, priceErr(order.Ticker, price, err)
	}

	order.Price = price
	return s.Buy(ctx, order)
}

// applyBuy folds a buy of qty at price into the current position using the
// quantity-weighted average. A closed or missing position starts fresh.
func applyBuy(current model.Position, found bool, qty, price decimal.Decimal) model.Position {
	if !found || !current.Open() {
		return model.Position{Shares: qty, AvgPrice: price}
	}
	shares := current.Shares.Add(qty)
	avg := current.CostBasis().Add(qty.Mul(price)).Div(shares)
	return model.Position{Shares: shares, AvgPrice: avg}
}

func (s *Service) validate(order model.BuyOrder) (model.BuyOrder, error) {
	order.Key = s.normalize(order.Key)
	if order.Key.Holder == "" {
		return order, invalid("holder is required")
	}
	sym, err := ticker.Normalize(order.Ticker)
	if err != nil {
		return order, invalid("%v", err)
	}
	order.Ticker = sym
	if !order.Quantity.IsPositive() {
		return order, invalid("quantity must be positive, got %s", order.Quantity)
	}
	if !order.Price.IsPositive() {
		return order, invalid("price must be positive, got %s", order.Price)
	}
	order.DisplayName = strings.TrimSpace(order.DisplayName)
	if order.DisplayName == "" {
		order.DisplayName = order.Key.Holder
	}
	return order, nil
}

func (s *Service) normalize(key model.AccountKey) model.AccountKey {
	return s.mode.Key(key.Scope, strings.TrimSpace(key.Holder))
}

// rejected classifies a failed unit of work for metrics and logs, and
// makes sure storage failures carry ErrStorage.
func (s *Service) rejected(key model.AccountKey, order model.BuyOrder, err error) error {
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		metrics.BuyRejections.WithLabelValues("insufficient_funds").Inc()
		slog.Info("buy rejected",
			"scope", key.Scope,
			"holder", key.Holder,
			"ticker", order.Ticker,
			"qty", order.Quantity.String(),
			"shortfall", insufficient.Shortfall.String(),
		)
		return err
	}

	metrics.BuyRejections.WithLabelValues("storage").Inc()
	slog.Error("buy failed",
		"scope", key.Scope,
		"holder", key.Holder,
		"ticker", order.Ticker,
		"err", err,
	)
	return storageErr("buy", err)
}
