// Package server wires internal/api's handlers onto a chi router with the
// teacher's middleware stack (request id, request logging, panic recovery,
// CORS) and owns the HTTP listener lifecycle.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allyourbase/smsgw/internal/api"
	"github.com/allyourbase/smsgw/internal/apikey"
	"github.com/allyourbase/smsgw/internal/config"
)

// Server is the gateway's HTTP server.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
}

// New builds a Server with middleware and routes configured. authSvc
// supplies the per-request API key authentication for C7.
func New(cfg *config.Config, logger *slog.Logger, handler *api.Handler, authSvc *apikey.Service) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	handler.Mount(r, authSvc.Middleware)

	return &Server{cfg: cfg, router: r, logger: logger}
}

// Router returns the underlying chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests, or HTTPS via certmagic if
// Server.TLSDomain is configured. Blocks until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.cfg.Server.TLSDomain != "" {
		ln, err := buildTLSListener(ctx, s.cfg, s.logger)
		if err != nil {
			return err
		}
		s.logger.Info("server starting with TLS", "address", ln.Addr())
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	s.http.Addr = s.cfg.Address()
	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, bounded by Server.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}

// buildTLSListener uses certmagic to obtain a Let's Encrypt certificate and
// returns a TLS listener on :443.
func buildTLSListener(ctx context.Context, cfg *config.Config, logger *slog.Logger) (net.Listener, error) {
	certDir := cfg.Server.TLSCertDir
	if certDir == "" {
		certDir = "./smsgw-certs"
	}

	if cfg.Server.TLSEmail != "" {
		certmagic.DefaultACME.Email = cfg.Server.TLSEmail
	}

	magic := certmagic.NewDefault()
	magic.Storage = &certmagic.FileStorage{Path: certDir}

	logger.Info("obtaining TLS certificate", "domain", cfg.Server.TLSDomain)
	if err := magic.ManageSync(ctx, []string{cfg.Server.TLSDomain}); err != nil {
		return nil, fmt.Errorf("obtaining TLS certificate for %s: %w", cfg.Server.TLSDomain, err)
	}

	tlsCfg := magic.TLSConfig()
	ln, err := tls.Listen("tcp", ":443", tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("listening on :443: %w", err)
	}
	return ln, nil
}
