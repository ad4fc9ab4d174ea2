package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"liquidityManager/internal/manager"
	"liquidityManager/internal/model"
)

// EventSource reads published lifecycle events of one position back.
type EventSource interface {
	Events(ctx context.Context, id model.PositionID) ([]model.EventRecord, error)
}

// Server exposes the manager over HTTP.
type Server struct {
	router   *mux.Router
	addr     string
	manager  *manager.Manager
	events   EventSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer wires the routes. events and gatherer may be nil; the matching
// endpoints then answer 404.
func NewServer(addr string, m *manager.Manager, events EventSource, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if addr == "" {
		addr = ":8080"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:   mux.NewRouter(),
		addr:     addr,
		manager:  m,
		events:   events,
		gatherer: gatherer,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pool", s.handleGetPool).Methods(http.MethodGet)
	api.HandleFunc("/deposits/{id}", s.handleGetDeposit).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.handleListPositions).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/unallocated/{owner}", s.handleGetUnallocated).Methods(http.MethodGet)

	api.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/positions", s.handleMint).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/increase", s.handleIncrease).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/decrease", s.handleDecrease).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/collect", s.handleCollect).Methods(http.MethodPost)

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, errorResponse{
		Error:     true,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// writeOperationError maps a manager error onto its HTTP status.
func (s *Server) writeOperationError(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
	} else {
		s.logger.Warn("operation rejected", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	}
	s.writeErrorResponse(w, status, err.Error())
}

// StatusFor classifies an operation error.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, model.ErrUnknownPosition):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCollectionPending),
		errors.Is(err, model.ErrNoPendingCollection),
		errors.Is(err, model.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientCustodyBalance):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrSlippageExceeded),
		errors.Is(err, model.ErrExpired),
		errors.Is(err, model.ErrInvalidRange),
		errors.Is(err, model.ErrZeroLiquidity),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientAllowance),
		errors.Is(err, model.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapper.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
