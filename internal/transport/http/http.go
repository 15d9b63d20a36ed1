// Package http serves bus endpoints over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/rpcflow/internal/bus"
)

const (
	defaultThreshold      = 64 * 1024
	defaultSuspendTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr string
	// Threshold is the response size up to which Content-Length is sent. Larger
	// responses are streamed chunked.
	Threshold int
	// SuspendTimeout bounds how long a request waits for a suspended exchange.
	SuspendTimeout time.Duration
}

// Server routes HTTP requests to endpoint destinations.
type Server struct {
	bus        *bus.Bus
	mux        *http.ServeMux
	server     *http.Server
	logger     *slog.Logger
	addr       string
	threshold  int
	suspend    time.Duration
	ListenAddr string
	ready      chan struct{}
}

// NewServer creates a server for the endpoints of b.
func NewServer(b *bus.Bus, cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("HTTP listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	suspend := cfg.SuspendTimeout
	if suspend <= 0 {
		suspend = defaultSuspendTimeout
	}
	return &Server{
		bus:       b,
		mux:       http.NewServeMux(),
		logger:    logger,
		addr:      cfg.ListenAddr,
		threshold: threshold,
		suspend:   suspend,
		ready:     make(chan struct{}),
	}, nil
}

// Mount serves ep at path. An empty path mounts the endpoint at /<name>.
func (s *Server) Mount(ep *bus.Endpoint, path string) *Destination {
	if path == "" {
		path = "/" + ep.Name()
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	d := &Destination{
		address:   path,
		bus:       s.bus,
		observer:  s.bus.Observer(ep),
		logger:    s.logger.With("endpoint", ep.Name()),
		threshold: s.threshold,
		suspend:   s.suspend,
	}
	s.mux.Handle(path, otelhttp.NewHandler(d, "rpcflow."+ep.Name()))
	s.logger.Info("endpoint mounted", "endpoint", ep.Name(), "path", path)
	return d
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start accepts requests until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()

	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: readHeaderTimeout}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.ListenAddr)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.suspend)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
