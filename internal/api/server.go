package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/app"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/discovery"
	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/middleware"
)

// Options are the collaborators a Server routes to. Metrics, Janitor and
// IPLimiter may be nil.
type Options struct {
	Config    *config.Config
	Gateway   *config.GatewayConfig
	Service   *app.GatewayService
	Metrics   *metrics.Metrics
	Janitor   *app.Janitor
	IPLimiter *middleware.IPRateLimiter
}

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	svc       *app.GatewayService
	guard     *middleware.Guard
	adminAuth *middleware.AdminAuth
	ipLimiter *middleware.IPRateLimiter
	metrics   *metrics.Metrics
	janitor   *app.Janitor
	discovery *discovery.Document
	routes    []proxyRoute

	httpServer *http.Server
}

// NewServer creates a new API server. The admin API is only mounted when an
// admin key hash is configured.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Gateway == nil || opts.Service == nil {
		return nil, errors.New("api: config, gateway and service are required")
	}

	routes, err := buildProxyRoutes(opts.Gateway.Routes)
	if err != nil {
		return nil, err
	}

	ipLimiter := opts.IPLimiter
	if ipLimiter == nil {
		ipLimiter = middleware.NewIPRateLimiter(opts.Config.IPRateLimitRPS, opts.Config.IPRateLimitBurst)
	}

	s := &Server{
		config:    opts.Config,
		svc:       opts.Service,
		guard:     middleware.NewGuard(opts.Service),
		ipLimiter: ipLimiter,
		metrics:   opts.Metrics,
		janitor:   opts.Janitor,
		discovery: discovery.Build(opts.Gateway),
		routes:    routes,
	}
	if opts.Config.AdminAPIKeyHash != "" {
		s.adminAuth = middleware.NewAdminAuth(opts.Config.AdminAPIKeyHash)
	}
	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(discovery.WellKnownPath, s.handleDiscovery)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	// Registration and authentication, throttled per IP before any
	// signature work
	mux.Handle("/agent/register", s.ipLimiter.Limit(http.HandlerFunc(s.handleRegister)))
	mux.Handle("/agent/verify", s.ipLimiter.Limit(http.HandlerFunc(s.handleVerify)))
	mux.Handle("/agent/auth", s.ipLimiter.Limit(http.HandlerFunc(s.handleAuth)))

	// Forward-auth for external proxies
	mux.HandleFunc("/v1/guard/check", s.handleGuardCheck)

	// Operator API
	if s.adminAuth != nil {
		mux.Handle("/admin/agents/", s.adminAuth.Authenticate(http.HandlerFunc(s.handleAdminAgents)))
	}

	// Protected upstreams
	for _, route := range s.routes {
		mux.Handle(route.prefix, s.guard.Require(route.scope)(route.proxy))
	}

	// Chain: RequestID -> AccessLog -> LimitBody -> Routes
	return middleware.RequestID(
		middleware.AccessLog(
			middleware.LimitBody(s.config.MaxBodyBytes)(mux)))
}

// Start starts the HTTP server and the per-IP limiter cleanup. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.ipLimiter.Run(ctx)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info(ctx, "starting server", "port", s.config.Port, "routes", len(s.routes), "admin", s.adminAuth != nil)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.janitor != nil {
		resp["janitor"] = s.janitor.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.discovery)
}
