// Package server exposes the operational HTTP surface: health, status, the
// payout pause switch and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olaccursed/ico-bot/ledger"
	"github.com/olaccursed/ico-bot/observability/logging"
	"github.com/olaccursed/ico-bot/payout"
	"github.com/olaccursed/ico-bot/rates"
	"github.com/olaccursed/ico-bot/router"
)

// Server wires the ops endpoints over chi.
type Server struct {
	addr       string
	dispatcher *payout.Dispatcher
	oracle     *rates.Oracle
	router     *router.Router
	logger     *slog.Logger
}

// New constructs the ops server.
func New(addr string, dispatcher *payout.Dispatcher, oracle *rates.Oracle, rt *router.Router, logger *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("listen address required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, dispatcher: dispatcher, oracle: oracle, router: rt, logger: logger}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/payouts/pause", s.handlePause)
	r.Post("/payouts/resume", s.handleResume)
	if s.router != nil {
		r.Post("/events/new", s.handleEvent(s.router.HandleNew))
		r.Post("/events/stable", s.handleEvent(s.router.HandleStable))
		r.Post("/addresses", s.handleSaveAddress)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("ops server listening", "addr", s.addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return <-errCh
}

// correlate tags every request with an id that carries through the logs.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Payouts    payout.Status `json:"payouts"`
	RatesReady bool          `json:"rates_ready"`
	SaleOpen   bool          `json:"sale_open"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.Status(r.Context())
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}
	resp := statusResponse{Payouts: status}
	if s.oracle != nil {
		resp.RatesReady = s.oracle.IsReady()
	}
	if s.router != nil {
		resp.SaleOpen = s.router.SaleOpen()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Pause()
	s.logger.Warn("payouts paused by operator", "request_id", w.Header().Get("X-Request-Id"))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Resume()
	s.logger.Info("payouts resumed by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// eventRequest is the wire shape chain watchers post to /events/*.
type eventRequest struct {
	TxID             string `json:"txid"`
	Currency         string `json:"currency"`
	ReceivingAddress string `json:"receiving_address"`
	ByteballAddress  string `json:"byteball_address"`
	DeviceAddress    string `json:"device_address"`
	Amount           string `json:"amount"`
	BlockNumber      int64  `json:"block_number"`
}

func (req eventRequest) payment() (ledger.Payment, error) {
	currency, ok := ledger.ParseCurrency(req.Currency)
	if !ok {
		return ledger.Payment{}, fmt.Errorf("unsupported currency %q", req.Currency)
	}
	if req.TxID == "" {
		return ledger.Payment{}, fmt.Errorf("txid required")
	}
	amount, ok := new(big.Rat).SetString(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return ledger.Payment{}, fmt.Errorf("invalid amount %q", req.Amount)
	}
	return ledger.Payment{
		TxID:             req.TxID,
		Currency:         currency,
		ReceivingAddress: req.ReceivingAddress,
		ByteballAddress:  req.ByteballAddress,
		DeviceAddress:    req.DeviceAddress,
		Amount:           amount,
		BlockNumber:      req.BlockNumber,
	}, nil
}

func (s *Server) handleEvent(handle func(context.Context, ledger.Payment) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
			return
		}
		p, err := req.payment()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := handle(r.Context(), p); err != nil {
			s.logger.Error("event handling failed", "currency", string(p.Currency), "txid", p.TxID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not processed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

type addressRequest struct {
	DeviceAddress string `json:"device_address"`
	Platform      string `json:"platform"`
	Address       string `json:"address"`
}

func (s *Server) handleSaveAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if req.DeviceAddress == "" || req.Platform == "" || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_address, platform and address required"})
		return
	}
	if err := s.router.SaveRefundAddress(r.Context(), req.DeviceAddress, strings.ToUpper(req.Platform), req.Address); err != nil {
		s.logger.Error("refund address save failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "address not saved"})
		return
	}
	s.logger.Info("refund address saved",
		"platform", strings.ToUpper(req.Platform),
		logging.MaskField("device_address", req.DeviceAddress),
		logging.MaskField("address", req.Address))
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}
