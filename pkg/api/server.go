package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/exchange"
)

// PartyHeader carries the caller's party id. Authentication happens upstream.
const PartyHeader = "X-Party-ID"

const defaultListLimit = 50

// Server handles REST API and WebSocket connections
type Server struct {
	x        *exchange.Exchange
	accounts *account.Manager
	cfg      params.Node
	router   *mux.Router
	hub      *Hub
	log      *zap.Logger
}

// NewServer builds the router and registers its hub as the exchange's event sink.
func NewServer(x *exchange.Exchange, accounts *account.Manager, cfg params.Node, log *zap.Logger) *Server {
	s := &Server{
		x:        x,
		accounts: accounts,
		cfg:      cfg,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		log:      log,
	}
	x.SetPublisher(s.hub)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instruments
	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments", s.handleCreateInstrument).Methods("POST")
	api.HandleFunc("/instruments/{id}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/instruments/{id}/band", s.handleGetBand).Methods("GET")
	api.HandleFunc("/instruments/{id}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/instruments/{id}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/instruments/{id}/engagement", s.handleEngagement).Methods("POST")
	api.HandleFunc("/trending", s.handleTrending).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	// Accounts
	api.HandleFunc("/account", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/account/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/account/transactions", s.handleGetTransactions).Methods("GET")
	api.HandleFunc("/account/portfolio", s.handleGetPortfolio).Methods("GET")

	// Protocol
	api.HandleFunc("/treasury", s.handleGetTreasury).Methods("GET")
	api.HandleFunc("/reconciliation", s.handleGetReconciliation).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", PartyHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.cfg.APIAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api_listening", zap.String("addr", s.cfg.APIAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

// handleListInstruments serves ?sort=newest|market_cap|volume|price_change|price|upvotes|hype
// and an optional ?limit.
func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	insts, err := s.x.Ranked(exchange.SortKey(r.URL.Query().Get("sort")), n)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, instrument.Views(insts))
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	n := 10
	if r.URL.Query().Has("limit") {
		n = limit(r)
	}
	respondJSON(w, http.StatusOK, instrument.Views(s.x.Trending(n)))
}

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	var req CreateInstrumentRequest
	if !decode(w, r, &req) {
		return
	}

	create := exchange.CreateRequest{
		Ticker:       req.Ticker,
		Name:         req.Name,
		CreatorID:    party,
		InitialPrice: req.InitialPrice,
		TotalShares:  req.TotalShares,
		IPOPercent:   req.IPOPercent,
	}
	if req.IPODurationMinutes != nil {
		d := time.Duration(*req.IPODurationMinutes) * time.Minute
		create.IPODuration = &d
	}
	inst, err := s.x.CreateInstrument(r.Context(), create)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, inst.View())
}

// lookup resolves {id} as an instrument id first, then as a ticker.
func (s *Server) lookup(r *http.Request) (*instrument.Instrument, error) {
	ref := mux.Vars(r)["id"]
	inst, err := s.x.Instrument(ref)
	if errors.Is(err, apperr.ErrNotFound) {
		return s.x.InstrumentByTicker(ref)
	}
	return inst, err
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.lookup(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst.View())
}

func (s *Server) handleGetBand(w http.ResponseWriter, r *http.Request) {
	inst, err := s.lookup(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	band, err := s.x.GetTradingBand(inst.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, band)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	inst, err := s.lookup(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	depth, err := s.x.Depth(inst.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, depth)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	inst, err := s.lookup(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	trades, err := s.x.RecentTrades(inst.ID, limit(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	inst, err := s.lookup(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req EngagementRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.x.ApplyEngagement(r.Context(), inst.ID, party, req.Action, req.Content)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	var req SubmitOrderRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.x.SubmitOrder(r.Context(), exchange.OrderRequest{
		InstrumentID: req.InstrumentID,
		Party:        party,
		Side:         req.Side,
		Quantity:     req.Quantity,
		LimitPrice:   req.Price,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	orders, err := s.x.ListOpenOrders(party)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	o, err := s.x.CancelOrder(r.Context(), party, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	acc, err := s.accounts.Get(party)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	open, err := s.x.ListOpenOrders(party)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountInfo(acc, open))
}

// handleDeposit credits simulated cash. Deposits open the account on first use.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.accounts.Deposit(party, req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	s.handleGetAccount(w, r)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	txns, err := s.x.Transactions(party, limit(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txns)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	party, ok := s.party(w, r)
	if !ok {
		return
	}
	p, err := s.x.Portfolio(party)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetTreasury(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.x.Treasury())
}

func (s *Server) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	fails, err := s.x.ReconciliationFailures(limit(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fails)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) party(w http.ResponseWriter, r *http.Request) (string, bool) {
	party := r.Header.Get(PartyHeader)
	if party == "" {
		respondError(w, http.StatusUnauthorized, "missing party", PartyHeader+" header required")
		return "", false
	}
	return party, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, 500)
}

// statusOf maps error kinds to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch apperr.Kind(err) {
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrUnauthorized:
		return http.StatusForbidden
	case apperr.ErrInsufficientFunds, apperr.ErrInsufficientShares:
		return http.StatusUnprocessableEntity
	case apperr.ErrInvalidQuantity, apperr.ErrInvalidPrice, apperr.ErrInvalidArgument,
		apperr.ErrOutOfBand, apperr.ErrInvalidEngagement:
		return http.StatusBadRequest
	case apperr.ErrPrimaryOfferingSellDisabled, apperr.ErrAlreadyTerminal,
		apperr.ErrDuplicate, apperr.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", zap.Error(err))
		respondError(w, status, apperr.ErrSystem.Error(), "")
		return
	}
	respondError(w, status, apperr.Kind(err).Error(), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
