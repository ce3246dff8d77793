package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/metrics"
)

// StatusServer is the plaintext companion endpoint of the tunnel:
// liveness, readiness, Prometheus metrics and a JSON stats summary.
type StatusServer struct {
	server  *http.Server
	ready   atomic.Bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewStatusServer(addr string, gatherer prometheus.Gatherer, m *metrics.Metrics, logger *slog.Logger) *StatusServer {
	mux := http.NewServeMux()
	ss := &StatusServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metrics: m,
		logger:  logger,
	}

	// Default to not ready until explicitly set
	ss.ready.Store(false)

	mux.HandleFunc("/health", ss.handleHealth)
	mux.HandleFunc("/ready", ss.handleReady)
	mux.HandleFunc("/stats", ss.handleStats)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return ss
}

// Handler exposes the routes, mainly for tests.
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *StatusServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *StatusServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("Status server error", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *StatusServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *StatusServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

func (s *StatusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.metrics.Snapshot()); err != nil {
		s.logger.Error("encode stats", "error", err)
	}
}
