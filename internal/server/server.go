package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clowdr-app/clowdr-sub007/internal/api"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/serverutil"
)

type TLSConfig = serverutil.TLSConfig

type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	Security        SecurityConfig
	AdminToken      string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Mounter registers routes on the shared router.
type Mounter interface {
	Mount(router chi.Router)
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	tls             TLSConfig
	shutdownTimeout time.Duration
}

// New wires the router. notifications may be nil when the service runs
// without SNS delivery.
func New(handler *api.Handler, notifications Mounter, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	tlsCfg := TLSConfig{
		CertFile: strings.TrimSpace(cfg.TLS.CertFile),
		KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if (tlsCfg.CertFile == "") != (tlsCfg.KeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}

	router := chi.NewRouter()
	router.Use(
		requestIDMiddleware(logger),
		logging.RequestLogger(logging.RequestLoggerConfig{
			Logger:            logger,
			DisableRemoteAddr: true,
			AdditionalFields: func(r *http.Request, status int, duration time.Duration) []any {
				ip, source := resolveClientIP(r, resolver)
				return []any{"remote_ip", ip, "ip_source", source}
			},
		}),
		metrics.HTTPMiddleware(recorder),
		securityHeadersMiddleware(cfg.Security),
		rateLimitMiddleware(newRateLimiter(cfg.RateLimit), resolver, logger),
	)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	router.Get("/healthz", handler.Health)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	if notifications != nil {
		notifications.Mount(router)
	}
	router.Group(func(admin chi.Router) {
		admin.Use(adminAuthMiddleware(cfg.AdminToken, resolver, logger))
		admin.Post("/conferences/{conferenceID}/immediate-switch", handler.ImmediateSwitch)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if tlsCfg.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		tls:             tlsCfg,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready, when
// set, receives the bound address.
func (s *Server) Run(ctx context.Context, ready func(net.Addr)) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Logger:          s.logger,
		Ready:           ready,
	})
}
