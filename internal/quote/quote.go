// Package quote resolves current share prices for tickers.
package quote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/atmx/paper-ledger/internal/metrics"
)

// ErrUnavailable is returned when no usable price could be resolved.
var ErrUnavailable = errors.New("quote: price unavailable")

// Source looks up the current price of a ticker. Implementations return
// an error wrapping ErrUnavailable when the price cannot be resolved.
type Source interface {
	Price(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// DefaultBaseURL is the Yahoo Finance chart API host.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// pricePath selects the last traded price from a chart response.
const pricePath = "chart.result.0.meta.regularMarketPrice"

// HTTPSource fetches prices from a Yahoo-style chart endpoint.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates an HTTPSource. A nil httpClient gets a client with
// the given timeout.
func NewHTTPSource(baseURL string, httpClient *http.Client, timeout time.Duration) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Price returns the regular market price of ticker.
func (s *HTTPSource) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	price, err := s.fetch(ctx, ticker)
	if err != nil {
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, ticker, err)
	}
	metrics.QuoteLookups.WithLabelValues("ok").Inc()
	return price, nil
}

func (s *HTTPSource) fetch(ctx context.Context, ticker string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", s.baseURL, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "paper-ledger/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	if !gjson.ValidBytes(body) {
		return decimal.Zero, errors.New("malformed response")
	}

	res := gjson.GetBytes(body, pricePath)
	if res.Type != gjson.Number {
		return decimal.Zero, errors.New("no price in response")
	}
	price, err := decimal.NewFromString(res.Raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

// StaticSource serves prices from an in-memory table. Tickers without an
// entry are unavailable.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticSource creates a StaticSource seeded with prices.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	s := &StaticSource{prices: make(map[string]decimal.Decimal, len(prices))}
	for t, p := range prices {
		s.prices[t] = p
	}
	return s
}

// Set replaces the price of ticker.
func (s *StaticSource) Set(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

// Delete removes ticker so later lookups fail.
func (s *StaticSource) Delete(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, ticker)
}

func (s *StaticSource) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, ticker, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, ticker)
	}
	return p, nil
}
