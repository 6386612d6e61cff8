// Package model defines the core domain types shared across the ledger.
// All monetary values and share quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKey identifies one simulated trading account. Scope groups
// accounts per conversation; it is empty when the deployment shares a
// single ledger across all conversations.
type AccountKey struct {
	Scope  string `json:"scope"`
	Holder string `json:"holder"`
}

// String returns a stable textual form of the key, used for lock
// striping and cache keys.
func (k AccountKey) String() string {
	return k.Scope + "\x1f" + k.Holder
}

// Holder is a person who has held at least one position in a scope.
type Holder struct {
	ID          string `json:"holder"`
	DisplayName string `json:"display_name"`
}

// Position is a holding of one ticker. AvgPrice is the quantity-weighted
// average of every buy price applied to it.
type Position struct {
	Ticker   string          `json:"ticker"`
	Shares   decimal.Decimal `json:"shares"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Open reports whether the position still holds shares. Closed positions
// are excluded from every read.
func (p Position) Open() bool {
	return p.Shares.IsPositive()
}

// CostBasis is the total amount paid for the held shares.
func (p Position) CostBasis() decimal.Decimal {
	return p.Shares.Mul(p.AvgPrice)
}

// BuyOrder is a validated-at-the-edge request to buy Quantity shares of
// Ticker at Price for the account Key.
type BuyOrder struct {
	Key         AccountKey      `json:"key"`
	DisplayName string          `json:"display_name"`
	Ticker      string          `json:"ticker"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// Trade is an immutable journal record of an executed buy.
// Once created, these are never modified or deleted.
type Trade struct {
	ID         string          `json:"id"`
	Scope      string          `json:"scope"`
	Holder     string          `json:"holder"`
	Ticker     string          `json:"ticker"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Cost       decimal.Decimal `json:"cost"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// BuyResult is the state of the account right after a successful buy.
type BuyResult struct {
	Trade    Trade           `json:"trade"`
	Balance  decimal.Decimal `json:"balance"`
	Position Position        `json:"position"`
}

// LineItem is one valued position in a Valuation. When the price lookup
// failed, CurrentPrice falls back to AvgPrice and Degraded is set.
type LineItem struct {
	Ticker       string          `json:"ticker"`
	Shares       decimal.Decimal `json:"shares"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	PctChange    decimal.Decimal `json:"pct_change"`
	Degraded     bool            `json:"degraded"`
}

// Valuation is a mark-to-market report of one account.
type Valuation struct {
	Scope         string          `json:"scope"`
	Holder        string          `json:"holder"`
	Cash          decimal.Decimal `json:"cash"`
	Positions     []LineItem      `json:"positions"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	Degraded      bool            `json:"degraded"` // at least one line item degraded
}

// Standing is one row of a scope leaderboard.
type Standing struct {
	Holder   Holder          `json:"holder"`
	NetWorth decimal.Decimal `json:"net_worth"`
	Degraded bool            `json:"degraded"`
}
