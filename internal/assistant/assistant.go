// Package assistant wraps the hosted language model used to answer direct
// questions, fact-check conversation and read buy intents from free text.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/atmx/paper-ledger/internal/ticker"
)

var (
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("assistant: empty response")

	// ErrNoOrder is returned when no usable order could be read.
	ErrNoOrder = errors.New("assistant: no order in message")
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Order is a buy intent read from free text. It is untrusted: the ledger
// still validates it before any mutation.
type Order struct {
	Ticker   string
	Quantity decimal.Decimal
}

// Analyst builds prompts and interprets model replies.
type Analyst struct {
	gen Generator
}

// NewAnalyst creates an Analyst backed by gen.
func NewAnalyst(gen Generator) *Analyst {
	return &Analyst{gen: gen}
}

// Answer replies to a message addressed to the assistant.
func (a *Analyst) Answer(ctx context.Context, history, message string) (string, error) {
	return a.generate(ctx, fmt.Sprintf(directPrompt, history, message))
}

// FactCheck returns a correction for message and true, or false when the
// message needs none.
func (a *Analyst) FactCheck(ctx context.Context, history, message string) (string, bool, error) {
	reply, err := a.generate(ctx, fmt.Sprintf(factCheckPrompt, history, message))
	if err != nil {
		return "", false, err
	}
	if reply == NoCorrection {
		return "", false, nil
	}
	return reply, true, nil
}

// ExtractOrder reads a ticker and share count from text.
func (a *Analyst) ExtractOrder(ctx context.Context, text string) (Order, error) {
	reply, err := a.generate(ctx, fmt.Sprintf(extractPrompt, text))
	if err != nil {
		return Order{}, err
	}
	return ParseOrder(reply)
}

func (a *Analyst) generate(ctx context.Context, prompt string) (string, error) {
	if a == nil || a.gen == nil {
		return "", ErrEmptyResponse
	}
	reply, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}

// ParseOrder decodes a model reply of the form {"ticker": .., "quantity": ..}.
// Code fences and surrounding prose are tolerated.
func ParseOrder(reply string) (Order, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Order{}, fmt.Errorf("%w: no JSON object", ErrNoOrder)
	}
	raw := reply[start : end+1]
	if !gjson.Valid(raw) {
		return Order{}, fmt.Errorf("%w: malformed JSON", ErrNoOrder)
	}
	parsed := gjson.Parse(raw)

	sym, err := ticker.Normalize(parsed.Get("ticker").String())
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrNoOrder, err)
	}

	qtyField := parsed.Get("quantity")
	var qty decimal.Decimal
	switch qtyField.Type {
	case gjson.Number:
		qty, err = decimal.NewFromString(qtyField.Raw)
	case gjson.String:
		qty, err = decimal.NewFromString(strings.TrimSpace(qtyField.Str))
	default:
		err = errors.New("missing quantity")
	}
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrNoOrder, err)
	}
	if !qty.IsPositive() {
		return Order{}, fmt.Errorf("%w: quantity must be positive", ErrNoOrder)
	}
	return Order{Ticker: sym, Quantity: qty}, nil
}
