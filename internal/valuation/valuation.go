// Package valuation marks ledger accounts to market.
//
// A failed price lookup degrades only its own line item, which is then
// valued at cost basis; the report as a whole still succeeds. Storage
// failures abort the report.
package valuation

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/quote"
)

// DefaultConcurrency bounds parallel price lookups per report.
const DefaultConcurrency = 4

var hundred = decimal.NewFromInt(100)

// Ledger is the read side of the ledger used for valuation.
type Ledger interface {
	Account(scope, holder string) model.AccountKey
	Balance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error)
	Positions(ctx context.Context, key model.AccountKey) ([]model.Position, error)
	Holders(ctx context.Context, scope string) ([]model.Holder, error)
}

// Service computes valuations and leaderboards.
type Service struct {
	ledger      Ledger
	prices      quote.Source
	concurrency int
}

// NewService creates a valuation service.
func NewService(l Ledger, prices quote.Source) *Service {
	return &Service{ledger: l, prices: prices, concurrency: DefaultConcurrency}
}

// Value returns the mark-to-market report for key.
func (s *Service) Value(ctx context.Context, key model.AccountKey) (*model.Valuation, error) {
	key = s.ledger.Account(key.Scope, key.Holder)

	cash, err := s.ledger.Balance(ctx, key)
	if err != nil {
		return nil, err
	}
	positions, err := s.ledger.Positions(ctx, key)
	if err != nil {
		return nil, err
	}

	lines := make([]model.LineItem, len(positions))
	var eg errgroup.Group
	eg.SetLimit(s.concurrency)
	for i, p := range positions {
		eg.Go(func() error {
			lines[i] = s.line(ctx, p)
			return nil
		})
	}
	_ = eg.Wait()

	v := &model.Valuation{
		Scope:         key.Scope,
		Holder:        key.Holder,
		Cash:          cash,
		Positions:     lines,
		HoldingsValue: decimal.Zero,
	}
	for _, li := range lines {
		v.HoldingsValue = v.HoldingsValue.Add(li.MarketValue)
		if li.Degraded {
			v.Degraded = true
		}
	}
	v.NetWorth = cash.Add(v.HoldingsValue)
	return v, nil
}

// line prices one position, falling back to its average price.
func (s *Service) line(ctx context.Context, p model.Position) model.LineItem {
	li := model.LineItem{
		Ticker:   p.Ticker,
		Shares:   p.Shares,
		AvgPrice: p.AvgPrice,
	}

	price, err := s.lookup(ctx, p.Ticker)
	if err != nil {
		metrics.DegradedLines.Inc()
		slog.Warn("valuing at cost basis", "ticker", p.Ticker, "err", err)
		li.CurrentPrice = p.AvgPrice
		li.MarketValue = p.CostBasis()
		li.PctChange = decimal.Zero
		li.Degraded = true
		return li
	}

	li.CurrentPrice = price
	li.MarketValue = p.Shares.Mul(price)
	li.PctChange = pctChange(p.AvgPrice, price)
	return li
}

func (s *Service) lookup(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if s.prices == nil {
		return decimal.Zero, quote.ErrUnavailable
	}
	price, err := s.prices.Price(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, quote.ErrUnavailable
	}
	return price, nil
}

func pctChange(avg, current decimal.Decimal) decimal.Decimal {
	if avg.IsZero() {
		return decimal.Zero
	}
	return current.Sub(avg).Div(avg).Mul(hundred)
}

// Leaderboard values every holder in scope and ranks them by net worth,
// highest first.
func (s *Service) Leaderboard(ctx context.Context, scope string) ([]model.Standing, error) {
	holders, err := s.ledger.Holders(ctx, scope)
	if err != nil {
		return nil, err
	}

	standings := make([]model.Standing, len(holders))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i, h := range holders {
		eg.Go(func() error {
			v, err := s.Value(gctx, s.ledger.Account(scope, h.ID))
			if err != nil {
				return err
			}
			standings[i] = model.Standing{Holder: h, NetWorth: v.NetWorth, Degraded: v.Degraded}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(standings, func(i, j int) bool {
		if !standings[i].NetWorth.Equal(standings[j].NetWorth) {
			return standings[i].NetWorth.GreaterThan(standings[j].NetWorth)
		}
		return standings[i].Holder.ID < standings[j].Holder.ID
	})
	return standings, nil
}
