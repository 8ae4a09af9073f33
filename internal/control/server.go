package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the control plane's HTTP surface: `/health` (this package's
// supplemented structured health report) and `/metrics` (Prometheus text
// exposition), grounded on the teacher's metrics.Server but carrying a
// real health report instead of a bare 200.
type Server struct {
	addr    string
	health  *HealthRegistry
	logger  zerolog.Logger
	httpSrv *http.Server
}

// NewServer builds the HTTP server; call Start to begin listening.
func NewServer(addr string, health *HealthRegistry, logger zerolog.Logger) *Server {
	s := &Server{addr: addr, health: health, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// Start blocks serving until the listener fails or Stop closes it.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("control plane http server starting")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
