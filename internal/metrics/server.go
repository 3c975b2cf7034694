package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer exposes a Collector's metrics over HTTP, in the shape
// stlalpha-vision3's telnetserver.Server takes for its own listen loop
// (a Config with Host/Port, a blocking Start, a graceful shutdown).
type PrometheusServer struct {
	addr string
	path string
	reg  *prometheus.Registry
	srv  *http.Server
}

// NewPrometheusServer builds a server that serves reg's metrics at path
// (e.g. "/metrics") on addr (e.g. ":9100").
func NewPrometheusServer(addr, path string, reg *prometheus.Registry) *PrometheusServer {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &PrometheusServer{
		addr: addr,
		path: path,
		reg:  reg,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start listens and serves until ctx is cancelled or the server fails.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("INFO: metrics server listening on %s%s", s.addr, s.path)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: serve: %w", err)
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
