package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pulsecast/internal/api"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/webhook"
)

// TLSConfig holds optional certificate paths for serving HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config assembles the HTTP surface.
type Config struct {
	Addr    string
	TLS     TLSConfig
	CORS    CORSConfig
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	API     *api.Handler
	Hooks   *webhook.Handler
}

// Server wraps the HTTP listener serving the API, media-server hooks, viewer
// sockets, and operational endpoints.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

// New builds the router and server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(policy, logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Mount("/api", cfg.API.Routes())
	if cfg.Hooks != nil {
		r.Mount("/hooks", cfg.Hooks.Routes())
	}
	r.Get("/ws/{streamID}", cfg.API.Websocket)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
