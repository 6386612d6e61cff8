// Package command turns inbound chat messages into ledger commands and
// assistant replies. It is transport-agnostic: callers resolve identity
// and deliver the returned Reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/assistant"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/session"
	"github.com/atmx/paper-ledger/internal/ticker"
)

// minFactCheckWords is the word count a spectated message must exceed to
// be fact-checked.
const minFactCheckWords = 4

const (
	fallbackAnswer = "I'm sorry, I couldn't process that right now. Ensure GEMINI_API_KEY is active."
	factCheckLead  = "⚠️ *Fact Check:*\n\n"
	buyUsage       = "Usage: /buy TICKER QUANTITY (for example /buy AAPL 10)"
	genericFailure = "❌ Something went wrong on our side. Please try again later."
)

const helpText = "Hello! 🤖 *Fact Checker & Analyst Bot* is active.\n\n" +
	"I spectate this group to intervene if I detect objectively factually incorrect statements.\n" +
	"You can also reply to my messages or tag me to ask for my opinion, reasoning, or analysis of the ongoing conversation!\n\n" +
	"*Paper trading*\n" +
	"/balance - show your cash\n" +
	"/buy TICKER QUANTITY - buy shares at the current price\n" +
	"/portfolio - value your positions\n" +
	"/leaderboard - rank everyone by net worth"

// Message is one inbound chat message with its resolved identity.
type Message struct {
	Scope       string
	Holder      string
	DisplayName string
	Text        string

	Private    bool   // one-to-one chat with the bot
	ReplyToBot bool   // the message replies to one of the bot's messages
	ReplyText  string // text of the replied-to message, if any
}

// Reply is what the bot says back.
type Reply struct {
	Text     string `json:"text"`
	Markdown bool   `json:"markdown"`
	Quote    bool   `json:"quote"` // thread the reply under the inbound message
}

// Ledger is the part of the ledger commands need.
type Ledger interface {
	Account(scope, holder string) model.AccountKey
	Balance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error)
	BuyAtMarket(ctx context.Context, key model.AccountKey, displayName, ticker string, quantity decimal.Decimal) (*model.BuyResult, error)
}

// Valuer values accounts and scopes.
type Valuer interface {
	Value(ctx context.Context, key model.AccountKey) (*model.Valuation, error)
	Leaderboard(ctx context.Context, scope string) ([]model.Standing, error)
}

// Handler dispatches messages.
type Handler struct {
	ledger  Ledger
	valuer  Valuer
	window  session.Window
	analyst *assistant.Analyst // nil disables answers and fact-checks
	mention string
}

// NewHandler creates a Handler. botUsername is matched as "@name" to
// detect messages addressed to the bot.
func NewHandler(l Ledger, v Valuer, w session.Window, a *assistant.Analyst, botUsername string) *Handler {
	h := &Handler{ledger: l, valuer: v, window: w, analyst: a}
	if name := strings.TrimPrefix(strings.TrimSpace(botUsername), "@"); name != "" {
		h.mention = "@" + name
	}
	return h
}

// Handle processes msg. A nil Reply means the bot stays silent.
func (h *Handler) Handle(ctx context.Context, msg Message) (*Reply, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}
	if msg.DisplayName == "" {
		msg.DisplayName = "User"
	}
	if strings.HasPrefix(text, "/") {
		return h.command(ctx, msg, text)
	}
	return h.conversation(ctx, msg, text)
}

// --- Commands ---

func (h *Handler) command(ctx context.Context, msg Message, text string) (*Reply, error) {
	name, args, _ := strings.Cut(text, " ")
	name = strings.ToLower(strings.TrimPrefix(name, "/"))
	// Group chats address commands as /buy@botname.
	name, _, _ = strings.Cut(name, "@")
	args = strings.TrimSpace(args)

	switch name {
	case "start", "help":
		return &Reply{Text: helpText, Markdown: true}, nil
	case "balance":
		return h.balance(ctx, msg)
	case "buy":
		return h.buy(ctx, msg, args)
	case "portfolio":
		return h.portfolio(ctx, msg)
	case "leaderboard":
		return h.leaderboard(ctx, msg)
	default:
		return &Reply{Text: "Unknown command. Try /help."}, nil
	}
}

func (h *Handler) balance(ctx context.Context, msg Message) (*Reply, error) {
	b, err := h.ledger.Balance(ctx, h.ledger.Account(msg.Scope, msg.Holder))
	if err != nil {
		return failure(err)
	}
	return &Reply{Text: fmt.Sprintf("💵 %s, your cash balance is %s.", msg.DisplayName, money(b))}, nil
}

func (h *Handler) buy(ctx context.Context, msg Message, args string) (*Reply, error) {
	if args == "" {
		return &Reply{Text: buyUsage}, nil
	}

	sym, qty, ok := parseOrderArgs(args)
	if !ok {
		if h.analyst == nil {
			return &Reply{Text: "❌ I couldn't read that order. " + buyUsage}, nil
		}
		order, err := h.analyst.ExtractOrder(ctx, args)
		if err != nil {
			slog.Info("order extraction failed", "scope", msg.Scope, "err", err)
			return &Reply{Text: "❌ I couldn't read that order. " + buyUsage}, nil
		}
		sym, qty = order.Ticker, order.Quantity
	}

	res, err := h.ledger.BuyAtMarket(ctx, h.ledger.Account(msg.Scope, msg.Holder), msg.DisplayName, sym, qty)
	if err != nil {
		return buyRejection(sym, err)
	}
	return &Reply{Text: formatBuy(res)}, nil
}

func (h *Handler) portfolio(ctx context.Context, msg Message) (*Reply, error) {
	v, err := h.valuer.Value(ctx, h.ledger.Account(msg.Scope, msg.Holder))
	if err != nil {
		return failure(err)
	}
	return &Reply{Text: formatPortfolio(msg.DisplayName, v), Markdown: true}, nil
}

func (h *Handler) leaderboard(ctx context.Context, msg Message) (*Reply, error) {
	standings, err := h.valuer.Leaderboard(ctx, msg.Scope)
	if err != nil {
		return failure(err)
	}
	return &Reply{Text: formatLeaderboard(standings), Markdown: true}, nil
}

// parseOrderArgs accepts "TICKER QTY" or "QTY TICKER".
func parseOrderArgs(args string) (string, decimal.Decimal, bool) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", decimal.Zero, false
	}
	for _, pair := range [][2]string{{fields[0], fields[1]}, {fields[1], fields[0]}} {
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			continue
		}
		sym, err := ticker.Normalize(pair[0])
		if err != nil {
			continue
		}
		return sym, qty, true
	}
	return "", decimal.Zero, false
}

func buyRejection(sym string, err error) (*Reply, error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return &Reply{Text: fmt.Sprintf("❌ Insufficient funds. This order costs %s but you only have %s (short %s).",
			money(insufficient.Required), money(insufficient.Available), money(insufficient.Shortfall))}, nil
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return &Reply{Text: fmt.Sprintf("❌ Couldn't get a current price for %s. Nothing was bought.", strings.ToUpper(sym))}, nil
	case errors.Is(err, ledger.ErrInvalidInput):
		return &Reply{Text: "❌ Invalid order: the ticker must be a valid symbol and the quantity positive. " + buyUsage}, nil
	default:
		return failure(err)
	}
}

// failure hides internal detail from the chat and hands the error back to
// the caller for logging.
func failure(err error) (*Reply, error) {
	return &Reply{Text: genericFailure}, err
}

// --- Conversation ---

func (h *Handler) conversation(ctx context.Context, msg Message, text string) (*Reply, error) {
	if err := h.window.Append(ctx, msg.Scope, session.Format(msg.DisplayName, text)); err != nil {
		slog.Error("session append failed", "scope", msg.Scope, "err", err)
	}
	prior, err := h.window.Snapshot(ctx, msg.Scope, true)
	if err != nil {
		slog.Error("session snapshot failed", "scope", msg.Scope, "err", err)
		prior = nil
	}
	history := session.Transcript(prior)

	if h.direct(msg, text) {
		return h.answer(ctx, msg, history, text), nil
	}
	if len(strings.Fields(text)) > minFactCheckWords {
		return h.factCheck(ctx, msg, history, text), nil
	}
	return nil, nil
}

func (h *Handler) direct(msg Message, text string) bool {
	mentioned := h.mention != "" && strings.Contains(text, h.mention)
	return msg.Private || msg.ReplyToBot || mentioned
}

func (h *Handler) answer(ctx context.Context, msg Message, history, text string) *Reply {
	query := text
	if h.mention != "" {
		query = strings.TrimSpace(strings.ReplaceAll(query, h.mention, ""))
	}
	if query == "" && msg.ReplyText != "" {
		query = "[Replying to: " + msg.ReplyText + "]"
	}

	if h.analyst == nil {
		return &Reply{Text: fallbackAnswer}
	}
	out, err := h.analyst.Answer(ctx, history, session.Format(msg.DisplayName, query))
	if err != nil {
		slog.Error("assistant answer failed", "scope", msg.Scope, "err", err)
		return &Reply{Text: fallbackAnswer}
	}
	return &Reply{Text: out, Markdown: true}
}

func (h *Handler) factCheck(ctx context.Context, msg Message, history, text string) *Reply {
	if h.analyst == nil {
		return nil
	}
	correction, needed, err := h.analyst.FactCheck(ctx, history, session.Format(msg.DisplayName, text))
	if err != nil {
		slog.Warn("fact check failed", "scope", msg.Scope, "err", err)
		return nil
	}
	if !needed {
		return nil
	}
	return &Reply{Text: factCheckLead + correction, Markdown: true, Quote: true}
}
