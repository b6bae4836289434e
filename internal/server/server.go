// Package server exposes the escrow ledger over HTTP. Handlers translate
// requests into core operations and map domain errors to status codes; no
// settlement logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"escrowledger/internal/auth"
	"escrowledger/internal/chains"
	"escrowledger/internal/config"
	"escrowledger/internal/hmacauth"
	"escrowledger/internal/identity"
	"escrowledger/internal/intent"
	"escrowledger/internal/ledger"
	"escrowledger/internal/order"
	"escrowledger/internal/processor"
	"escrowledger/internal/reconciler"
)

const signatureHeader = "X-Paystack-Signature"

// maxWebhookBody bounds how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

type Server struct {
	cfg        *config.AppConfig
	orders     *order.Machine
	ledger     *ledger.Engine
	generator  *intent.Generator
	reconciler *reconciler.Reconciler
	auth       *auth.Service
	indexer    *hmacauth.Verifier
	metrics    *metricsRegistry
	log        logrus.FieldLogger
	httpServer *http.Server
	dbHealthFn func(context.Context) error
}

type Deps struct {
	Orders     *order.Machine
	Ledger     *ledger.Engine
	Generator  *intent.Generator
	Reconciler *reconciler.Reconciler
	Auth       *auth.Service
	DBHealth   func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:        cfg,
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		generator:  deps.Generator,
		reconciler: deps.Reconciler,
		auth:       deps.Auth,
		indexer:    hmacauth.NewVerifier(cfg.Secrets.IndexerSecret, cfg.Service.IndexerClockSkew),
		metrics:    newMetricsRegistry(),
		log:        log.WithField("component", "server"),
		dbHealthFn: deps.DBHealth,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())

		r.Post("/webhooks/processor", s.handleProcessorWebhook)
		r.With(s.indexer.Middleware).Post("/internal/chain/confirmations", s.handleChainConfirmation)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/orders", s.handleCreateOrder)
			r.Get("/orders/{id}", s.handleGetOrder)
			r.Get("/orders/{id}/history", s.handleOrderHistory)
			r.Post("/orders/{id}/deposit-intent", s.handleDepositIntent)
			r.Post("/orders/{id}/release-intent", s.handleReleaseIntent)
			r.Post("/orders/{id}/cancel", s.handleCancel)
			r.Post("/orders/{id}/deliverable", s.handleDeliverableUploaded)
			r.Post("/orders/{id}/delivered", s.handleDelivered)
			r.Post("/orders/{id}/refund", s.handleRefund)
			r.Get("/balance", s.handleBalance)
			r.Get("/ledger", s.handleLedgerHistory)
		})
	})

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type createOrderRequest struct {
	SellerID string `json:"seller_id"`
	Rail     string `json:"rail"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	o, err := s.orders.Create(r.Context(), caller.UserID, req.SellerID, order.Rail(req.Rail), req.Currency, amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.incOrder("created")
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !s.orderVisible(r.Context(), o) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !s.orderVisible(r.Context(), o) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	history, err := s.orders.History(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "transitions": history})
}

type depositIntentRequest struct {
	Chain string `json:"chain,omitempty"`
}

func (s *Server) handleDepositIntent(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())

	var req depositIntentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}
	}

	di, err := s.generator.CreateDepositIntent(r.Context(), caller, chi.URLParam(r, "id"), req.Chain)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incIntent(string(di.Intent.Type), string(di.Intent.Rail))
	writeJSON(w, http.StatusCreated, di)
}

func (s *Server) handleReleaseIntent(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	ri, err := s.generator.CreateReleaseIntent(r.Context(), caller, orderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incIntent(string(ri.Intent.Type), string(ri.Intent.Rail))

	// fiat releases settle in-process; crypto releases wait for the chain.
	// The settlement must not die halfway because the caller hung up, so it
	// runs detached from the request's cancellation.
	if ri.Intent.Rail == order.RailFiat {
		res, err := s.reconciler.SettleFiatRelease(context.WithoutCancel(r.Context()), orderID, ri.Intent.ID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"intent": ri.Intent, "settlement": res})
		return
	}
	writeJSON(w, http.StatusCreated, ri)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if caller.UserID != o.BuyerID && caller.UserID != o.SellerID {
		writeError(w, http.StatusForbidden, "not a party to this order")
		return
	}
	updated, err := s.orders.Cancel(r.Context(), o.ID, o.Status, "cancel:"+caller.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incOrder("cancelled")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeliverableUploaded(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if caller.UserID != o.SellerID {
		writeError(w, http.StatusForbidden, "only the seller uploads the deliverable")
		return
	}
	updated, err := s.orders.MarkDeliverableUploaded(r.Context(), o.ID, "deliverable:"+caller.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incOrder("deliverable_uploaded")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if caller.UserID != o.BuyerID && caller.UserID != o.SellerID {
		writeError(w, http.StatusForbidden, "not a party to this order")
		return
	}
	updated, err := s.orders.MarkDelivered(r.Context(), o.ID, o.Status, "delivered:"+caller.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incOrder("delivered")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if caller.UserID != o.SellerID {
		writeError(w, http.StatusForbidden, "only the seller refunds an order")
		return
	}
	updated, err := s.orders.Refund(r.Context(), o.ID, o.Status, "refund:"+caller.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incOrder("refunded")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "currency query parameter is required")
		return
	}
	account := ledger.AccountID(caller.UserID, currency)
	balance, err := s.ledger.BalanceOf(r.Context(), account)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": account, "currency": currency, "balance": balance})
}

func (s *Server) handleLedgerHistory(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "currency query parameter is required")
		return
	}
	account := ledger.AccountID(caller.UserID, currency)
	entries, err := s.ledger.History(r.Context(), account)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": account, "entries": entries})
}

func (s *Server) handleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Secrets.WebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := s.reconciler.HandleFiatEvent(r.Context(), raw, r.Header.Get(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, reconciler.ErrInvalidSignature):
			s.metrics.incRejection()
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, reconciler.ErrBadEvent):
			s.metrics.incRejection()
			writeError(w, http.StatusBadRequest, "malformed event")
		default:
			s.log.WithError(err).Error("fiat webhook processing failed")
			writeError(w, http.StatusInternalServerError, "processing failed")
		}
		return
	}
	s.metrics.incFiatEvent(res.Outcome)
	writeJSON(w, http.StatusOK, res)
}

type chainConfirmationRequest struct {
	OrderKey      string `json:"order_key"`
	TxHash        string `json:"tx_hash"`
	Confirmations uint64 `json:"confirmations"`
}

func (s *Server) handleChainConfirmation(w http.ResponseWriter, r *http.Request) {
	var req chainConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	res, err := s.reconciler.HandleChainConfirmation(r.Context(), req.OrderKey, req.TxHash, req.Confirmations)
	if err != nil {
		if errors.Is(err, reconciler.ErrBadEvent) {
			s.metrics.incRejection()
			writeError(w, http.StatusBadRequest, "malformed event")
			return
		}
		s.log.WithError(err).Error("chain confirmation processing failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	s.metrics.incChainConfirmation(res.Outcome)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(ctx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbInfo,
		"chains":   len(s.cfg.Chains),
	})
}

// orderVisible hides orders from callers who are not a party to them.
func (s *Server) orderVisible(ctx context.Context, o order.Order) bool {
	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		return false
	}
	return caller.UserID == o.BuyerID || caller.UserID == o.SellerID
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, identity.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, intent.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStaleState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, intent.ErrValidation), errors.Is(err, chains.ErrNoChain),
		errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, processor.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "payment processor unavailable")
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
