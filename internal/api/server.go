// Package api exposes the ledger, the valuation service and the session
// window over HTTP, and streams executed trades over WebSocket.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/command"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/session"
)

// GlobalScope addresses the empty scope in URLs.
const GlobalScope = "_"

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	Account(scope, holder string) model.AccountKey
	Balance(ctx context.Context, key model.AccountKey) (decimal.Decimal, error)
	SetBalance(ctx context.Context, key model.AccountKey, amount decimal.Decimal) error
	Positions(ctx context.Context, key model.AccountKey) ([]model.Position, error)
	Holders(ctx context.Context, scope string) ([]model.Holder, error)
	Trades(ctx context.Context, key model.AccountKey) ([]model.Trade, error)
	Buy(ctx context.Context, order model.BuyOrder) (*model.BuyResult, error)
	BuyAtMarket(ctx context.Context, key model.AccountKey, displayName, ticker string, quantity decimal.Decimal) (*model.BuyResult, error)
}

// Server holds the HTTP handlers.
type Server struct {
	ledger   Ledger
	valuer   command.Valuer
	window   session.Window
	messages *command.Handler // optional
	hub      *Hub             // optional
}

// NewServer creates the HTTP surface. Pass nil for messages or hub to leave
// those routes out.
func NewServer(l Ledger, v command.Valuer, w session.Window, messages *command.Handler, hub *Hub) *Server {
	return &Server{ledger: l, valuer: v, window: w, messages: messages, hub: hub}
}

// Routes mounts the API on r. Callers mount it under /api/v1.
func (s *Server) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/accounts/{scope}/{holder}", func(r chi.Router) {
		r.Get("/balance", s.GetBalance)
		r.Put("/balance", s.PutBalance)
		r.Get("/positions", s.GetPositions)
		r.Get("/trades", s.GetTrades)
		r.Get("/valuation", s.GetValuation)
		r.Post("/buy", s.PostBuy)
	})

	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Get("/holders", s.GetHolders)
		r.Get("/leaderboard", s.GetLeaderboard)
		r.Get("/session", s.GetSession)
		if s.messages != nil {
			r.Post("/messages", s.PostMessage)
		}
	})
}

// --- Request/Response types ---

// BalanceResponse is returned by the balance endpoints.
type BalanceResponse struct {
	Scope   string          `json:"scope"`
	Holder  string          `json:"holder"`
	Balance decimal.Decimal `json:"balance"`
}

// SetBalanceRequest is the JSON body for PUT .../balance.
type SetBalanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// BuyRequest is the JSON body for POST .../buy. Without a price the order
// executes at the current market price.
type BuyRequest struct {
	DisplayName string           `json:"display_name"`
	Ticker      string           `json:"ticker"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
}

// MessageRequest is the JSON body for POST /scopes/{scope}/messages.
type MessageRequest struct {
	Holder      string `json:"holder"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	Private     bool   `json:"private"`
	ReplyToBot  bool   `json:"reply_to_bot"`
	ReplyText   string `json:"reply_text"`
}

// --- HTTP Handlers ---

// GetBalance handles GET /api/v1/accounts/{scope}/{holder}/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	key := s.account(r)
	b, err := s.ledger.Balance(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Scope: key.Scope, Holder: key.Holder, Balance: b})
}

// PutBalance handles PUT /api/v1/accounts/{scope}/{holder}/balance
func (s *Server) PutBalance(w http.ResponseWriter, r *http.Request) {
	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := s.account(r)
	if err := s.ledger.SetBalance(r.Context(), key, req.Balance); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Scope: key.Scope, Holder: key.Holder, Balance: req.Balance})
}

// GetPositions handles GET /api/v1/accounts/{scope}/{holder}/positions
func (s *Server) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.Positions(r.Context(), s.account(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetTrades handles GET /api/v1/accounts/{scope}/{holder}/trades
func (s *Server) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ledger.Trades(r.Context(), s.account(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetValuation handles GET /api/v1/accounts/{scope}/{holder}/valuation
func (s *Server) GetValuation(w http.ResponseWriter, r *http.Request) {
	v, err := s.valuer.Value(r.Context(), s.account(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if v.Positions == nil {
		v.Positions = []model.LineItem{}
	}
	writeJSON(w, http.StatusOK, v)
}

// PostBuy handles POST /api/v1/accounts/{scope}/{holder}/buy
func (s *Server) PostBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := s.account(r)
	var (
		res *model.BuyResult
		err error
	)
	if req.Price != nil {
		res, err = s.ledger.Buy(r.Context(), model.BuyOrder{
			Key:         key,
			DisplayName: req.DisplayName,
			Ticker:      req.Ticker,
			Quantity:    req.Quantity,
			Price:       *req.Price,
		})
	} else {
		res, err = s.ledger.BuyAtMarket(r.Context(), key, req.DisplayName, req.Ticker, req.Quantity)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHolders handles GET /api/v1/scopes/{scope}/holders
func (s *Server) GetHolders(w http.ResponseWriter, r *http.Request) {
	holders, err := s.ledger.Holders(r.Context(), scopeParam(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if holders == nil {
		holders = []model.Holder{}
	}
	writeJSON(w, http.StatusOK, holders)
}

// GetLeaderboard handles GET /api/v1/scopes/{scope}/leaderboard
func (s *Server) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	standings, err := s.valuer.Leaderboard(r.Context(), scopeParam(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if standings == nil {
		standings = []model.Standing{}
	}
	writeJSON(w, http.StatusOK, standings)
}

// GetSession handles GET /api/v1/scopes/{scope}/session?exclude_last=true
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	excludeLast, _ := strconv.ParseBool(r.URL.Query().Get("exclude_last"))
	items, err := s.window.Snapshot(r.Context(), scopeParam(r), excludeLast)
	if err != nil {
		slog.Error("session snapshot failed", "err", err)
		writeError(w, "failed to read session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// PostMessage handles POST /api/v1/scopes/{scope}/messages
// Returns the bot's reply, or 204 when it stays silent.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Holder == "" {
		writeError(w, "holder is required", http.StatusBadRequest)
		return
	}

	reply, err := s.messages.Handle(r.Context(), command.Message{
		Scope:       scopeParam(r),
		Holder:      req.Holder,
		DisplayName: req.DisplayName,
		Text:        req.Text,
		Private:     req.Private,
		ReplyToBot:  req.ReplyToBot,
		ReplyText:   req.ReplyText,
	})
	if err != nil {
		// The reply already carries a user-safe message.
		slog.Error("message handling failed", "scope", scopeParam(r), "err", err)
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// --- Helpers ---

func (s *Server) account(r *http.Request) model.AccountKey {
	return s.ledger.Account(scopeParam(r), chi.URLParam(r, "holder"))
}

func scopeParam(r *http.Request) string {
	scope := chi.URLParam(r, "scope")
	if scope == GlobalScope {
		return ""
	}
	return scope
}

// errorStatus maps ledger errors to HTTP statuses and client-safe messages.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return http.StatusBadGateway, ledger.ErrPriceUnavailable.Error()
	default:
		return http.StatusInternalServerError, "internal storage error"
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
