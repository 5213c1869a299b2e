package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the inbound adapter that puts the admission test in front of
// an upstream service.
type Server struct {
	admitter        Admitter
	server          *http.Server
	addr            string
	logger          *slog.Logger
	upstream        *url.URL
	identityHeader  string
	trustedProxies  []netip.Prefix
	routes          *RouteTable
	shutdownTimeout time.Duration
	registry        *prometheus.Registry
	metrics         *Metrics
	keys            KeyCounter
	healthChecker   *HealthChecker
	adminHandler    http.Handler

	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithUpstream proxies admitted requests to upstream.
// Without an upstream, admitted requests are answered with 204 No Content.
func WithUpstream(upstream *url.URL) Option {
	return func(s *Server) {
		s.upstream = upstream
	}
}

// WithIdentityHeader trusts header as the caller identity for "user" rules.
func WithIdentityHeader(header string) Option {
	return func(s *Server) {
		s.identityHeader = header
	}
}

// WithTrustedProxies sets the reverse proxies whose forwarding headers are
// believed when resolving the client IP. Default is none.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) {
		s.trustedProxies = prefixes
	}
}

// WithRoutes sets the route patterns "route" rules key on.
func WithRoutes(routes *RouteTable) Option {
	return func(s *Server) {
		s.routes = routes
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithRegistry sets the Prometheus registry served on /metrics.
// Default is a fresh registry with Go and process collectors.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithKeyCounter reports limiter key counts on the rate_limit_keys gauge.
func WithKeyCounter(keys KeyCounter) Option {
	return func(s *Server) {
		s.keys = keys
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithAdminHandler mounts h under /admin/api/.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) {
		s.adminHandler = h
	}
}

// NewServer creates a Server wrapping the given admitter.
func NewServer(admitter Admitter, opts ...Option) *Server {
	s := &Server{
		admitter:        admitter,
		addr:            "127.0.0.1:8080",
		logger:          slog.Default(),
		shutdownTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewMetrics(s.registry)
	s.handler = s.buildHandler()

	return s
}

// Metrics returns the Prometheus metrics of the server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the complete routing tree, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler wires the mux.
// Middleware order (outermost first):
// 1. MetricsMiddleware - Record duration and status (MUST be outermost to capture full duration)
// 2. RequestID - Extract/generate request ID and enrich logger
// 3. RealIP - Client IP from the TCP peer, or forwarding headers of trusted proxies
// 4. Route - Resolve the configured route pattern
// 5. APIKey - Extract bearer token
// 6. Identity - Trusted identity header
// 7. Admission - Admission test
// 8. Upstream - Reverse proxy or 204
//
// The admin API sits outside the admission chain and accepts loopback
// clients only.
func (s *Server) buildHandler() http.Handler {
	var gated http.Handler = s.upstreamHandler()
	gated = AdmissionMiddleware(s.admitter, s.metrics, s.keys)(gated)
	gated = IdentityMiddleware(s.identityHeader)(gated)
	gated = APIKeyMiddleware(gated)
	gated = RouteMiddleware(s.routes)(gated)
	gated = RealIPMiddleware(s.trustedProxies)(gated)
	gated = RequestIDMiddleware(s.logger)(gated)

	mux := http.NewServeMux()
	if s.adminHandler != nil {
		mux.Handle("/admin/api/", s.adminHandler)
	}
	if s.healthChecker != nil {
		mux.Handle("/health", s.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.Handle("/", gated)

	return MetricsMiddleware(s.metrics)(mux)
}

// upstreamHandler returns the handler admitted requests reach.
func (s *Server) upstreamHandler() http.Handler {
	if s.upstream == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	proxy := httputil.NewSingleHostReverseProxy(s.upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		LoggerFromContext(r.Context()).Error("upstream request failed",
			"upstream", s.upstream.String(),
			"path", r.URL.Path,
			"error", err,
		)
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		if err := s.shutdown(srv); err != nil {
			return err
		}
		// Wait for Serve to return.
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, or "" before Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}
