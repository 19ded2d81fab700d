package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/distributor"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/risk"
	"github.com/copyflow/signal-engine/internal/store"
)

// Service wires the HTTP handlers to the distributor and store.
type Service struct {
	store     store.Store
	dist      *distributor.Service
	hub       *WSHub
	masterKey string
	log       *slog.Logger
}

// NewService creates the API service. An empty masterKey disables the
// broadcast endpoint.
func NewService(st store.Store, dist *distributor.Service, hub *WSHub, masterKey string, log *slog.Logger) *Service {
	return &Service{store: st, dist: dist, hub: hub, masterKey: masterKey, log: log}
}

// Routes mounts all API routes on r.
func (s *Service) Routes(r chi.Router) {
	r.With(s.requireMasterKey).Post("/signals", s.BroadcastSignal)

	r.Get("/accounts/{accountID}/positions", s.ListPositions)
	r.Get("/accounts/{accountID}/trades", s.ListTrades)
	r.Get("/accounts/{accountID}/transactions", s.ListTransactions)
	r.Get("/accounts/{accountID}/summary", s.GetSummary)

	r.Get("/ws", s.hub.HandleWS)
}

// requireMasterKey authenticates signal broadcasts with a shared key in
// the X-Master-Key header. Constant-time compare; no key configured means
// no broadcasts at all.
func (s *Service) requireMasterKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.masterKey == "" {
			writeError(w, "broadcast disabled", http.StatusForbidden)
			return
		}
		key := r.Header.Get("X-Master-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.masterKey)) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BroadcastRequest is the payload for POST /api/v1/signals.
type BroadcastRequest struct {
	Action   string          `json:"action"` // "long" or "short"
	Symbol   string          `json:"symbol"` // e.g. "BTC/USDT"
	Entry    decimal.Decimal `json:"entry"`
	Stop     decimal.Decimal `json:"stop"`
	Target   decimal.Decimal `json:"target"`
	Leverage decimal.Decimal `json:"leverage"`
	RiskPct  decimal.Decimal `json:"risk_pct"` // fraction; 0 → default
}

// BroadcastResponse reports the fan-out result.
type BroadcastResponse struct {
	SignalID   string `json:"signal_id"`
	Deliveries int    `json:"deliveries"`
}

// BroadcastSignal handles POST /api/v1/signals.
func (s *Service) BroadcastSignal(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sig, n, err := s.dist.Broadcast(r.Context(), model.Signal{
		Action:   model.Side(req.Action),
		Symbol:   req.Symbol,
		Entry:    req.Entry,
		Stop:     req.Stop,
		Target:   req.Target,
		Leverage: req.Leverage,
		RiskPct:  req.RiskPct,
	})
	if errors.Is(err, risk.ErrInvalidSignal) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("broadcast signal", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(BroadcastResponse{SignalID: sig.ID, Deliveries: n})
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	positions, err := s.store.OpenPositionsByAccount(r.Context(), accountID)
	if err != nil {
		s.log.Error("list positions", "account_id", accountID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.OpenPosition{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// ListTrades handles GET /api/v1/accounts/{accountID}/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	trades, err := s.store.TradesByAccount(r.Context(), accountID, limitParam(r, 100))
	if err != nil {
		s.log.Error("list trades", "account_id", accountID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	txs, err := s.store.TransactionsByAccount(r.Context(), accountID, limitParam(r, 100))
	if err != nil {
		s.log.Error("list transactions", "account_id", accountID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

// Summary is the billing-facing rollup for one account.
type Summary struct {
	AccountID      string          `json:"account_id"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	BillableProfit decimal.Decimal `json:"billable_profit"`
	OpenPositions  int             `json:"open_positions"`
}

// GetSummary handles GET /api/v1/accounts/{accountID}/summary. Billable
// profit counts only trades attributed to a signal.
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	pnl, err := s.store.SumRealizedPnL(ctx, accountID)
	if err != nil {
		s.log.Error("sum pnl", "account_id", accountID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	billable, err := s.store.BillableProfit(ctx, accountID)
	if err != nil {
		s.log.Error("billable profit", "account_id", accountID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	open, err := s.store.OpenPositionsByAccount(ctx, accountID)
	if err != nil {
		s.log.Error("open positions", "account_id", accountID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Summary{
		AccountID:      accountID,
		RealizedPnL:    pnl,
		BillableProfit: billable,
		OpenPositions:  len(open),
	})
}

func limitParam(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
