package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is returned for non-positive quantities or prices,
	// unusable tickers and empty holders. Nothing is read or written.
	ErrInvalidInput = errors.New("ledger: invalid input")

	// ErrInsufficientFunds is matched by every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrPriceUnavailable is returned by BuyAtMarket when no price could be
	// resolved. The buy is not attempted.
	ErrPriceUnavailable = errors.New("ledger: price unavailable")

	// ErrStorage wraps any failure of the underlying store.
	ErrStorage = errors.New("ledger: storage failure")
)

// InsufficientFundsError reports a buy whose cost exceeds the balance.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func newInsufficientFunds(required, available decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{
		Required:  required,
		Available: available,
		Shortfall: required.Sub(available),
	}
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds: need %s, have %s (short %s)",
		e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func priceErr(ticker string, price decimal.Decimal, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s: non-positive price %s", ErrPriceUnavailable, ticker, price)
	}
	return fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, ticker, err)
}
