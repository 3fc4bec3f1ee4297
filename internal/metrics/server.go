package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
)

// Server exposes the Prometheus scrape endpoint on its own port, kept off
// the public API surface. Both the API and worker binaries run one.
type Server struct {
	srv *http.Server
	log *logging.Logger
}

// NewServer creates the scrape server.
func NewServer(port int, log *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown. A closed server is not an error.
func (s *Server) Start() error {
	s.log.Infof("Metrics server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight scrapes and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
