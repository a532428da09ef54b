// Package statusapi serves the operator HTTP surface of a kiosk client.
//
// Routes:
//
//	GET  /status        coordinator state, current endpoint and per-session status
//	GET  /events        failover event history, oldest first
//	GET  /events/stats  failover bus statistics and the latest decision
//	POST /failover      manual migration, body {"reason": "...", "direction": "failover"|"failback"}
//	GET  /metrics       Prometheus metrics
//	GET  /health        liveness
//
// With WithTokenSecret, POST /failover requires an HS256 bearer token issued
// by IssueToken.
package statusapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/kioskworks/kiosksync/pkg/coordinator"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/models"
)

const (
	DirectionFailover = "failover"
	DirectionFailback = "failback"

	defaultReason   = "manual trigger from status API"
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 16
)

// Migrator is the part of the coordinator the API drives.
type Migrator interface {
	Status() coordinator.Status
	TriggerFailover(ctx context.Context, reason string) error
	TriggerFailback(ctx context.Context, reason string) error
}

// EventSource is the part of the failover bus the API reads.
type EventSource interface {
	Statistics() failover.Statistics
	History() []models.FailoverEvent
}

type Server struct {
	migrator Migrator
	events   EventSource
	metrics  *metrics.Registry
	logger   logger.Logger
	router   *mux.Router
	secret   []byte
}

// FailoverRequest is the body of POST /failover. Both fields are optional.
type FailoverRequest struct {
	Reason    string `json:"reason"`
	Direction string `json:"direction"`
}

// FailoverResponse reports where the sessions ended up.
type FailoverResponse struct {
	Direction       string                 `json:"direction"`
	Reason          string                 `json:"reason"`
	CurrentEndpoint models.BackendEndpoint `json:"currentEndpoint"`
}

// New builds the router. reg may be nil, in which case /metrics answers 404.
func New(m Migrator, events EventSource, reg *metrics.Registry, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{migrator: m, events: events, metrics: reg, logger: log}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/failover", s.requireOperator(s.handleFailover)).Methods(http.MethodPost)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	s.logger.Info("statusapi: listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.migrator.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	history := s.events.History()
	if history == nil {
		history = []models.FailoverEvent{}
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.events.Statistics())
}

// handleFailover runs a migration synchronously and answers once it is done.
// A migration already running yields 409.
func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req FailoverRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = defaultReason
	}
	if req.Direction == "" {
		req.Direction = DirectionFailover
	}

	switch req.Direction {
	case DirectionFailover:
		err = s.migrator.TriggerFailover(r.Context(), req.Reason)
	case DirectionFailback:
		err = s.migrator.TriggerFailback(r.Context(), req.Reason)
	default:
		respondError(w, http.StatusBadRequest, "direction must be failover or failback")
		return
	}

	switch {
	case errors.Is(err, coordinator.ErrMigrationInProgress):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("statusapi: manual migration failed", "direction", req.Direction, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("statusapi: manual migration done", "direction", req.Direction, "reason", req.Reason, "operator", operatorFrom(r.Context()))
	respondJSON(w, http.StatusOK, FailoverResponse{
		Direction:       req.Direction,
		Reason:          req.Reason,
		CurrentEndpoint: s.migrator.Status().CurrentEndpoint,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
