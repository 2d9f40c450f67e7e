// Package api serves the ledger's boundary operations over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_ledger/internal/ledger"
	"github.com/eddiefleurent/spread_ledger/internal/metrics"
	"github.com/eddiefleurent/spread_ledger/internal/models"
	"github.com/eddiefleurent/spread_ledger/internal/portfolio"
	"github.com/eddiefleurent/spread_ledger/internal/reconcile"
	"github.com/eddiefleurent/spread_ledger/internal/storage"
)

const maxBodyBytes = 1 << 20

// Ledger is the set of operations the server exposes. *ledger.Service
// implements it.
type Ledger interface {
	OpenTrade(ctx context.Context, userID string, p ledger.Proposal) (*models.Trade, error)
	CloseTrade(ctx context.Context, userID, tradeID string, req ledger.CloseRequest) (*models.Trade, error)
	ListTrades(ctx context.Context, userID string, f storage.Filter) ([]models.Trade, error)
	PortfolioSummary(ctx context.Context, userID string) (*portfolio.Summary, error)
	RunReconciliation(ctx context.Context) (*reconcile.Summary, error)
	LivePositions(ctx context.Context) (reconcile.PositionView, bool)
	Wipe(ctx context.Context, userID string) error
}

// Server is the HTTP front of the ledger.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	ledger    Ledger
	logger    *logrus.Logger
	port      int
	authToken string
}

// Config holds the server settings.
type Config struct {
	Port      int
	AuthToken string
}

// NewServer builds the router. Requests other than /health must carry
// cfg.AuthToken when it is set.
func NewServer(cfg Config, l Ledger, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		ledger:    l,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(metrics.Middleware)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/trades", s.handleListTrades)
			r.Post("/trades", s.handleOpenTrade)
			r.Delete("/trades", s.handleWipe)
			r.Post("/trades/{tradeID}/close", s.handleCloseTrade)
			r.Get("/summary", s.handleSummary)
		})
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/broker/positions", s.handleBrokerPositions)
	})
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "missing or invalid auth token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting ledger API on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleOpenTrade(w http.ResponseWriter, r *http.Request) {
	var p ledger.Proposal
	if !s.decode(w, r, &p) {
		return
	}
	trade, err := s.ledger.OpenTrade(r.Context(), chi.URLParam(r, "userID"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	var req ledger.CloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	trade, err := s.ledger.CloseTrade(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "tradeID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(string(ledger.KindValidation), err.Error()))
		return
	}
	trades, err := s.ledger.ListTrades(r.Context(), chi.URLParam(r, "userID"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.PortfolioSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleWipe(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Wipe(r.Context(), chi.URLParam(r, "userID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.RunReconciliation(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type positionsResponse struct {
	Available bool `json:"available"`
	reconcile.PositionView
}

func (s *Server) handleBrokerPositions(w http.ResponseWriter, r *http.Request) {
	view, ok := s.ledger.LivePositions(r.Context())
	writeJSON(w, http.StatusOK, positionsResponse{Available: ok, PositionView: view})
}

// parseFilter reads ?status=a,b&source=user&open=true.
func parseFilter(r *http.Request) (storage.Filter, error) {
	var f storage.Filter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := models.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return f, fmt.Errorf("unknown status %q", part)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("source"); raw != "" {
		src := models.Source(raw)
		if !src.Valid() {
			return f, fmt.Errorf("unknown source %q", raw)
		}
		f.Source = src
	}
	if raw := q.Get("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("open must be a boolean")
		}
		f.OpenOnly = open
	}
	return f, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody(string(ledger.KindValidation), "malformed request body: "+err.Error()))
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindConflict:
		return http.StatusConflict
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)

	message := "internal error"
	var e *ledger.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error("Request failed")
	}
	writeJSON(w, status, errorBody(string(kind), message))
}

func errorBody(kind, message string) map[string]any {
	return map[string]any{"error": map[string]string{"kind": kind, "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}
