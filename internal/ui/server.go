// Package ui serves the operator REST API and the websocket push feed.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"mmbot/internal/config"
	"mmbot/internal/engine"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:3001"}

type Server struct {
	engine Engine
	hub    *Hub
	router *mux.Router
	http   *http.Server
	log    *logger.Logger
	t      *tomb.Tomb
}

func NewServer(cfg config.UIConfig, eng Engine, hub *Hub, log *logger.Logger) *Server {
	s := &Server{
		engine: eng,
		hub:    hub,
		router: mux.NewRouter(),
		log:    log,
	}
	s.setupRoutes()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("ui")
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/trades", s.handleGetTrades).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleGetOrders).Methods(http.MethodGet)
	api.HandleFunc("/position", s.handleGetPosition).Methods(http.MethodGet)
	api.HandleFunc("/safety", s.handleGetSafety).Methods(http.MethodGet)
	api.HandleFunc("/target-base-position", s.handleGetTargetBasePosition).Methods(http.MethodGet)
	api.HandleFunc("/connectivity", s.handleGetConnectivity).Methods(http.MethodGet)
	api.HandleFunc("/quoting-state", s.handleGetQuotingState).Methods(http.MethodGet)
	api.HandleFunc("/levels", s.handleGetLevels).Methods(http.MethodGet)
	api.HandleFunc("/product", s.handleGetProduct).Methods(http.MethodGet)

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel-all", s.handleCancelAll).Methods(http.MethodPost)
	api.HandleFunc("/trades/clean", s.handleCleanTrade).Methods(http.MethodPost)
	api.HandleFunc("/trades/clean-closed", s.handleCleanClosed).Methods(http.MethodPost)
	api.HandleFunc("/trades/clean-all", s.handleCleanAll).Methods(http.MethodPost)
	api.HandleFunc("/quoting-state", s.handleSetQuotingState).Methods(http.MethodPost)

	api.HandleFunc("/fair-value", s.handleSetFairValue).Methods(http.MethodPost)
	api.HandleFunc("/target-bias", s.handleSetTargetBias).Methods(http.MethodPost)
	api.HandleFunc("/levels", s.handleInjectLevels).Methods(http.MethodPost)

	s.router.Handle("/ws", s.hub)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start binds the listener and runs the hub and the HTTP server in the
// background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	t, tctx := tomb.WithContext(ctx)
	s.t = t
	t.Go(func() error {
		return s.hub.Run(tctx)
	})
	t.Go(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.logEntry().WithField("addr", ln.Addr().String()).Info("ui server listening")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if s.t != nil {
		s.t.Kill(nil)
		if werr := s.t.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// ==============================
// Snapshots
// ==============================

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Trades())
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.OpenOrders())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Position())
}

func (s *Server) handleGetSafety(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Safety())
}

func (s *Server) handleGetTargetBasePosition(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.TargetBasePosition())
}

func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ConnectivityResponse{
		Exchange: s.engine.ExchangeConnectivity(),
		Quoting:  s.engine.QuotingState(),
	})
}

func (s *Server) handleGetQuotingState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, QuotingStateRequest{State: s.engine.QuotingState()})
}

func (s *Server) handleGetLevels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Levels())
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Product())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{Status: "ok"})
}

// ==============================
// Commands
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.OrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if msg := validateOrder(req); msg != "" {
		s.reject(w, r, msg)
		return
	}
	respondJSON(w, s.engine.SubmitOrder(r.Context(), req))
}

func validateOrder(req engine.OrderRequest) string {
	switch {
	case req.Side != models.SideBid && req.Side != models.SideAsk:
		return "side must be Bid or Ask"
	case req.Price <= 0:
		return "price must be positive"
	case req.Quantity <= 0:
		return "quantity must be positive"
	case req.Type != "" && req.Type != models.OrderTypeLimit && req.Type != models.OrderTypeMarket:
		return "unknown orderType"
	case req.TimeInForce != "" && req.TimeInForce != models.TimeInForceGTC &&
		req.TimeInForce != models.TimeInForceIOC && req.TimeInForce != models.TimeInForceFOK:
		return "unknown timeInForce"
	}
	return ""
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		s.reject(w, r, "missing orderId")
		return
	}
	if err := s.engine.CancelOrder(r.Context(), req.OrderID); err != nil {
		s.logEntry().WithError(err).WithField("order_id", req.OrderID).Warn("cancel failed")
		respondError(w, http.StatusBadGateway, "cancel failed", err.Error())
		return
	}
	respondJSON(w, StatusResponse{Status: "submitted"})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelAll(r.Context()); err != nil {
		s.logEntry().WithError(err).Warn("cancel all failed")
		respondError(w, http.StatusBadGateway, "cancel all failed", err.Error())
		return
	}
	respondJSON(w, StatusResponse{Status: "submitted"})
}

func (s *Server) handleCleanTrade(w http.ResponseWriter, r *http.Request) {
	var req CleanTradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TradeID == "" {
		s.reject(w, r, "missing tradeId")
		return
	}
	removed := 0
	if s.engine.CleanTrade(r.Context(), req.TradeID) {
		removed = 1
	}
	respondJSON(w, CleanResponse{Removed: removed})
}

func (s *Server) handleCleanClosed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, CleanResponse{Removed: s.engine.CleanClosedTrades(r.Context())})
}

func (s *Server) handleCleanAll(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, CleanResponse{Removed: s.engine.CleanAllTrades(r.Context())})
}

func (s *Server) handleSetQuotingState(w http.ResponseWriter, r *http.Request) {
	var req QuotingStateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.State != models.Connected && req.State != models.Disconnected {
		s.reject(w, r, "state must be Connected or Disconnected")
		return
	}
	s.engine.SetAutoStart(req.State)
	respondJSON(w, QuotingStateRequest{State: s.engine.QuotingState()})
}

// ==============================
// Strategy inputs
// ==============================

func (s *Server) handleSetFairValue(w http.ResponseWriter, r *http.Request) {
	var req FairValueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FairValue <= 0 {
		s.reject(w, r, "fairValue must be positive")
		return
	}
	s.engine.SetFairValue(r.Context(), req.FairValue)
	respondJSON(w, StatusResponse{Status: "accepted"})
}

func (s *Server) handleSetTargetBias(w http.ResponseWriter, r *http.Request) {
	var req TargetBiasRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TargetBias == nil {
		s.reject(w, r, "missing targetBias")
		return
	}
	if *req.TargetBias < -1 || *req.TargetBias > 1 {
		s.reject(w, r, "targetBias must be within [-1, 1]")
		return
	}
	if req.SideBias != nil {
		s.engine.SetSideBias(r.Context(), *req.SideBias)
	}
	s.engine.SetTargetBias(r.Context(), *req.TargetBias)
	respondJSON(w, s.engine.TargetBasePosition())
}

func (s *Server) handleInjectLevels(w http.ResponseWriter, r *http.Request) {
	var levels models.Levels
	if !s.decode(w, r, &levels) {
		return
	}
	if msg := validateLevels(levels); msg != "" {
		s.reject(w, r, msg)
		return
	}
	if err := s.engine.InjectLevels(r.Context(), levels); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, engine.ErrLevelsUnsupported) {
			status = http.StatusConflict
		}
		s.logEntry().WithError(err).Warn("inject levels failed")
		respondError(w, status, "inject levels failed", err.Error())
		return
	}
	respondJSON(w, StatusResponse{Status: "accepted"})
}

func validateLevels(levels models.Levels) string {
	if levels.Empty() {
		return "levels must contain at least one bid or ask"
	}
	for _, side := range [][]models.Level{levels.Bids, levels.Asks} {
		for _, l := range side {
			if l.Price <= 0 || l.Size <= 0 {
				return "level price and size must be positive"
			}
		}
	}
	return ""
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logEntry().WithError(err).WithField("path", r.URL.Path).Warn("malformed request body")
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, msg string) {
	s.logEntry().WithField("path", r.URL.Path).Warn(msg)
	respondError(w, http.StatusBadRequest, "invalid request", msg)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, reason string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   reason,
		Message: message,
	})
}
