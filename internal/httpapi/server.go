// Package httpapi exposes the trading ledger over HTTP: order placement and
// management, positions, risk state, fills, and the reconciliation log.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeledger/internal/domain"
	"tradeledger/internal/engine"
	"tradeledger/internal/store"
)

// Server serves the ledger HTTP API.
type Server struct {
	engine *engine.Engine
	book   *engine.PositionBook
	risk   *engine.RiskMonitor
	recon  *engine.Reconciler
	trades store.TradeStore
	log    *slog.Logger
}

// NewServer wires the API over the engine components.
func NewServer(eng *engine.Engine, book *engine.PositionBook, risk *engine.RiskMonitor, recon *engine.Reconciler, trades store.TradeStore, log *slog.Logger) *Server {
	return &Server{engine: eng, book: book, risk: risk, recon: recon, trades: trades, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("PATCH /api/orders/{id}", s.handleModifyOrder)
	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/{symbol}", s.handleGetPosition)
	mux.HandleFunc("GET /api/positions/{symbol}/risk", s.handlePositionRisk)
	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("POST /api/risk/killswitch/deactivate", s.handleDeactivate)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/reconciliation", s.handleReconciliation)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var herr *engine.TradingHaltedError
	var serr *engine.SubmissionError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.As(err, &herr):
		writeError(w, http.StatusLocked, herr.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusBadGateway, serr.Error())
	case errors.Is(err, engine.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrOrderNotCancellable), errors.Is(err, engine.ErrOrderNotModifiable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order request body")
		return
	}

	order, err := s.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders, err := s.engine.ListOrders(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, OrdersResponse{Orders: orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelOrder(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var changes domain.OrderChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order changes body")
		return
	}
	if changes.Empty() {
		writeError(w, http.StatusBadRequest, "no changes requested")
		return
	}

	if err := s.engine.ModifyOrder(r.Context(), r.PathValue("id"), changes); err != nil {
		writeEngineError(w, err)
		return
	}

	order, err := s.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, order)
}

// handleValidate runs the pre-trade checks without placing the order.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order request body")
		return
	}

	err := s.engine.Validate(r.Context(), req)
	if err == nil {
		writeJSON(w, ValidateResponse{Valid: true})
		return
	}

	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, ValidateResponse{Valid: false, Check: verr.Check, Reason: verr.Reason})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PositionsResponse{Positions: s.book.List()})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	pos, ok := s.book.Get(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no position for "+symbol)
		return
	}
	writeJSON(w, pos)
}

// handlePositionRisk reports distance-to-stop and weight for one open
// position, using the monitor's last account value as the equity base.
func (s *Server) handlePositionRisk(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	risk, err := s.book.PositionRisk(symbol, s.risk.Summary().CurrentValue)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, risk)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.risk.Summary())
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.risk.Deactivate(req.Confirm); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, s.risk.Summary())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := s.trades.ListTrades(r.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, TradesResponse{Trades: trades})
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recs, err := s.recon.Discrepancies(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list discrepancies")
		return
	}
	if recs == nil {
		recs = []domain.Discrepancy{}
	}
	writeJSON(w, ReconciliationResponse{Discrepancies: recs})
}

// parseTimeRange reads the optional start/end RFC 3339 query params,
// defaulting to the last 24 hours.
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start time")
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid end time")
		}
		end = t
	}
	return start, end, nil
}
