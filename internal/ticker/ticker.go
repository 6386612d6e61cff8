// Package ticker handles stock ticker parsing and validation.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {ROOT}[.{SUFFIX}|-{SUFFIX}]
// Examples: AAPL, BRK.B, BRK-B, RY.TO, 7203.T
var symbolRegex = regexp.MustCompile(
	`^[A-Z0-9]{1,10}([.\-][A-Z0-9]{1,4})?$`,
)

var (
	ErrEmpty         = errors.New("ticker: empty symbol")
	ErrInvalidTicker = errors.New("ticker: invalid symbol")
)

// Normalize trims, strips a leading cashtag and upper-cases raw, then
// validates the result against the symbol grammar.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return "", ErrEmpty
	}
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, raw)
	}
	return s, nil
}

// Valid reports whether raw normalizes to a valid symbol.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}
