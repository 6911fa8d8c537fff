// Package httpmetrics provides the optional HTTP status server: GET /status
// for a JSON view of driver state plus subsystem counters, and GET /healthz
// for the aggregate health check. It is pure side-observation — it never
// drives Driver/Recorder/Player state, only reads published snapshots.
package httpmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/opd-ai/go-oniontrace/pkg/health"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/metrics"
)

// MetricsProvider supplies a point-in-time metrics snapshot.
type MetricsProvider interface {
	Snapshot() *metrics.Snapshot
}

// HealthProvider supplies an aggregate health check.
type HealthProvider interface {
	Check(ctx context.Context) health.OverallHealth
}

// StateProvider supplies the driver's current state machine name (Idle,
// Connecting, Authenticating, Bootstrapping, Recording, Playing).
type StateProvider interface {
	State() string
}

// Server is the optional status HTTP server, started only when
// Config.EnableMetrics is true.
type Server struct {
	address         string
	stateProvider   StateProvider
	metricsProvider MetricsProvider
	healthProvider  HealthProvider
	logger          *logger.Logger
	server          *http.Server
	listener        net.Listener
	mux             *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a status server bound to address (not yet listening;
// call Start).
func NewServer(address string, stateProvider StateProvider, metricsProvider MetricsProvider, healthProvider HealthProvider, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()

	s := &Server{
		address:         address,
		stateProvider:   stateProvider,
		metricsProvider: metricsProvider,
		healthProvider:  healthProvider,
		logger:          log.Component("httpmetrics"),
		mux:             mux,
		ctx:             ctx,
		cancel:          cancel,
	}

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = listener
	s.logger.Info("status server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down. Must run before the control
// client is torn down so it never observes a half-torn-down Driver.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warning("status server shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	s.logger.Info("status server stopped")
	return nil
}

// Address returns the server's actual listening address, or the configured
// address before Start.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

type statusResponse struct {
	State   string            `json:"state"`
	Metrics *metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		State:   s.stateProvider.State(),
		Metrics: s.metricsProvider.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(resp); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overall := s.healthProvider.Check(ctx)

	statusCode := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(overall); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
