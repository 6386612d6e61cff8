package command_test

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-ledger/internal/assistant"
	"github.com/atmx/paper-ledger/internal/command"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/quote"
	"github.com/atmx/paper-ledger/internal/session"
	"github.com/atmx/paper-ledger/internal/store"
	"github.com/atmx/paper-ledger/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeGenerator struct {
	replies []string
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if len(f.replies) == 0 {
		return "", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

type env struct {
	h      *command.Handler
	ledger *ledger.Service
	prices *quote.StaticSource
	window *session.Registry
	gen    *fakeGenerator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	prices := quote.NewStaticSource(map[string]decimal.Decimal{"AAPL": d(150), "TSLA": d(900)})
	l := ledger.NewService(store.NewMemoryStore(d(100000)), prices, ledger.ScopeConversation, nil)
	v := valuation.NewService(l, prices)
	w := session.NewRegistry(15, 0, 0)
	gen := &fakeGenerator{}
	return &env{
		h:      command.NewHandler(l, v, w, assistant.NewAnalyst(gen), "paperbot"),
		ledger: l,
		prices: prices,
		window: w,
		gen:    gen,
	}
}

func msg(text string) command.Message {
	return command.Message{Scope: "chat-1", Holder: "42", DisplayName: "Alice", Text: text}
}

func handle(t *testing.T, e *env, m command.Message) *command.Reply {
	t.Helper()
	r, err := e.h.Handle(context.Background(), m)
	require.NoError(t, err)
	return r
}

// --- Commands ---

func TestBalance_DefaultsToStartingBalance(t *testing.T) {
	e := newEnv(t)
	r := handle(t, e, msg("/balance"))
	require.NotNil(t, r)
	assert.Contains(t, r.Text, "$100,000.00")
}

func TestBuy_StructuredArgs(t *testing.T) {
	e := newEnv(t)

	r := handle(t, e, msg("/buy aapl 10"))
	require.NotNil(t, r)
	assert.Contains(t, r.Text, "Bought 10 AAPL @ $150.00")
	assert.Contains(t, r.Text, "Cash: $98,500.00")

	r = handle(t, e, msg("/buy@paperbot 5 AAPL"))
	assert.Contains(t, r.Text, "Position: 15 AAPL")

	bal, err := e.ledger.Balance(context.Background(), model.AccountKey{Scope: "chat-1", Holder: "42"})
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(97750)))
}

func TestBuy_FreeTextUsesExtractor(t *testing.T) {
	e := newEnv(t)
	e.gen.replies = []string{`{"ticker": "AAPL", "quantity": 2}`}

	r := handle(t, e, msg("/buy two shares of apple please"))
	require.NotNil(t, r)
	assert.Contains(t, r.Text, "Bought 2 AAPL")
	require.Len(t, e.gen.prompts, 1)
	assert.Contains(t, e.gen.prompts[0], "two shares of apple please")
}

func TestBuy_UnreadableOrder(t *testing.T) {
	e := newEnv(t)
	e.gen.replies = []string{`{"ticker": "", "quantity": 0}`}

	r := handle(t, e, msg("/buy something nice"))
	assert.Contains(t, r.Text, "couldn't read that order")
}

func TestBuy_Rejections(t *testing.T) {
	e := newEnv(t)

	r := handle(t, e, msg("/buy TSLA 1000"))
	assert.Contains(t, r.Text, "Insufficient funds")
	assert.Contains(t, r.Text, "$900,000.00")
	assert.Contains(t, r.Text, "short $800,000.00")

	r = handle(t, e, msg("/buy NVDA 1"))
	assert.Contains(t, r.Text, "Couldn't get a current price for NVDA")

	r = handle(t, e, msg("/buy AAPL 0"))
	assert.Contains(t, r.Text, "Invalid order")

	r = handle(t, e, msg("/buy"))
	assert.Contains(t, r.Text, "Usage")

	bal, err := e.ledger.Balance(context.Background(), model.AccountKey{Scope: "chat-1", Holder: "42"})
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(100000)))
}

func TestPortfolio(t *testing.T) {
	e := newEnv(t)
	handle(t, e, msg("/buy AAPL 10"))
	handle(t, e, msg("/buy TSLA 1"))
	e.prices.Set("AAPL", d(180))
	e.prices.Delete("TSLA")

	r := handle(t, e, msg("/portfolio"))
	require.NotNil(t, r)
	assert.True(t, r.Markdown)
	assert.Contains(t, r.Text, "Portfolio for Alice")
	assert.Contains(t, r.Text, "*AAPL*: 10 @ $150.00 → $180.00 (+20.00%) = $1,800.00")
	assert.Contains(t, r.Text, "*TSLA*: 1 @ $900.00 = $900.00 ⚠️")
	assert.Contains(t, r.Text, "Net worth: *$100,300.00*")
}

func TestLeaderboard(t *testing.T) {
	e := newEnv(t)
	r := handle(t, e, msg("/leaderboard"))
	assert.Contains(t, r.Text, "No one has bought anything yet")

	handle(t, e, msg("/buy AAPL 10"))
	bob := command.Message{Scope: "chat-1", Holder: "7", DisplayName: "Bob", Text: "/buy TSLA 1"}
	handle(t, e, bob)
	e.prices.Set("TSLA", d(1000))

	r = handle(t, e, msg("/leaderboard"))
	lines := strings.Split(r.Text, "\n")
	assert.Equal(t, "1. Bob: $100,100.00", lines[len(lines)-2])
	assert.Equal(t, "2. Alice: $100,000.00", lines[len(lines)-1])
}

func TestCommandsAreNotAddedToSession(t *testing.T) {
	e := newEnv(t)
	handle(t, e, msg("/balance"))

	got, err := e.window.Snapshot(context.Background(), "chat-1", false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// --- Conversation ---

func TestConversation_ShortSpectatorMessageIsIgnored(t *testing.T) {
	e := newEnv(t)
	r := handle(t, e, msg("hello there everyone"))
	assert.Nil(t, r)
	assert.Empty(t, e.gen.prompts)

	got, err := e.window.Snapshot(context.Background(), "chat-1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice: hello there everyone"}, got)
}

func TestConversation_FactCheck(t *testing.T) {
	e := newEnv(t)
	handle(t, e, msg("hi"))

	e.gen.replies = []string{assistant.NoCorrection}
	r := handle(t, e, msg("I think tech stocks will do well"))
	assert.Nil(t, r)
	require.Len(t, e.gen.prompts, 1)
	assert.Contains(t, e.gen.prompts[0], "--- RECENT CHAT HISTORY ---\nAlice: hi\n\n")

	e.gen.replies = []string{"The Eiffel Tower is in Paris."}
	r = handle(t, e, msg("the Eiffel Tower is in Rome"))
	require.NotNil(t, r)
	assert.Equal(t, "⚠️ *Fact Check:*\n\nThe Eiffel Tower is in Paris.", r.Text)
	assert.True(t, r.Quote)
}

func TestConversation_FirstMessageHasNoPriorContext(t *testing.T) {
	e := newEnv(t)
	e.gen.replies = []string{"Sure."}

	m := msg("@paperbot what is a stock split?")
	r := handle(t, e, m)
	require.NotNil(t, r)
	assert.Equal(t, "Sure.", r.Text)
	assert.Contains(t, e.gen.prompts[0], session.NoPriorContext)
	assert.Contains(t, e.gen.prompts[0], "--- DIRECT QUERY FOR YOU ---\nAlice: what is a stock split?")
}

func TestConversation_BareMentionOnReply(t *testing.T) {
	e := newEnv(t)
	e.gen.replies = []string{"That claim is wrong."}

	m := msg("@paperbot")
	m.ReplyText = "Bonds always beat stocks"
	r := handle(t, e, m)
	require.NotNil(t, r)
	assert.Contains(t, e.gen.prompts[0], "Alice: [Replying to: Bonds always beat stocks]")
}

func TestConversation_PrivateChatIsDirect(t *testing.T) {
	e := newEnv(t)
	m := msg("hey")
	m.Private = true

	r := handle(t, e, m)
	require.NotNil(t, r)
	// The generator returned nothing, so the user gets the fallback.
	assert.Contains(t, r.Text, "couldn't process that right now")
}

func TestConversation_ReplyToBotIsDirect(t *testing.T) {
	e := newEnv(t)
	e.gen.replies = []string{"Because of inflation."}
	m := msg("why?")
	m.ReplyToBot = true

	r := handle(t, e, m)
	require.NotNil(t, r)
	assert.Equal(t, "Because of inflation.", r.Text)
}

func TestConversation_NoAnalyst(t *testing.T) {
	l := ledger.NewService(store.NewMemoryStore(d(100000)), nil, ledger.ScopeConversation, nil)
	h := command.NewHandler(l, valuation.NewService(l, nil), session.NewRegistry(3, 0, 0), nil, "paperbot")

	r, err := h.Handle(context.Background(), msg("@paperbot hello"))
	require.NoError(t, err)
	assert.Contains(t, r.Text, "GEMINI_API_KEY")

	r, err = h.Handle(context.Background(), msg("this message has more than four words"))
	require.NoError(t, err)
	assert.Nil(t, r)
}
