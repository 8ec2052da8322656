package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/health"
)

// Server represents the metrics HTTP server
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	health   func() health.Status
	server   *http.Server
	mu       sync.Mutex
}

// NewServer creates a new metrics server with the provided registry
func NewServer(addr, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
	}
}

// WithHealth makes /health report the status returned by fn. An unhealthy
// status is served with 503.
func (s *Server) WithHealth(fn func() health.Status) *Server {
	s.health = fn
	return s
}

// Handler returns the HTTP handler serving metrics and a health probe
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if s.health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		status := s.health()
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Run serves metrics until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Run", "metrics registry not provided")
	}

	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Run", "start server")
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.reset()
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "Server", "Run", fmt.Sprintf("listen on %s", s.addr))
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.reset()
		if err != nil {
			return errors.WrapTransient(err, "Server", "Run", "shutdown HTTP server")
		}
		return nil
	}
}

func (s *Server) reset() {
	s.mu.Lock()
	s.server = nil
	s.mu.Unlock()
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s%s", s.addr, s.path)
}
