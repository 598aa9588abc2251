// Package server собирает HTTP relay: маршруты, middleware и жизненный цикл процесса.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/ledgerkeeper/internal/metrics"
	"github.com/iudanet/ledgerkeeper/internal/server/config"
	"github.com/iudanet/ledgerkeeper/internal/server/handlers"
	"github.com/iudanet/ledgerkeeper/internal/server/jwt"
	"github.com/iudanet/ledgerkeeper/internal/server/middleware"
	"github.com/iudanet/ledgerkeeper/internal/server/storage"
)

// Server relay процесс
type Server struct {
	cfg      *config.Config
	storage  storage.Storage
	logger   *slog.Logger
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry
	handler  http.Handler
}

// New собирает relay поверх открытого хранилища
func New(cfg *config.Config, store storage.Storage, logger *slog.Logger, version string) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewRelay(registry)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	syncHandler, err := handlers.NewSyncHandler(logger, store, m, cfg.Sync.Handlers())
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		storage:  store,
		logger:   logger,
		limiter:  middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, logger),
		registry: registry,
	}

	authHandler := handlers.NewAuthHandler(logger, store, jwtService)
	healthHandler := handlers.NewHealthHandler(logger, store, version)
	requireAuth := middleware.AuthMiddleware(logger, jwtService)
	limited := s.limiter.Middleware

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/auth/register", limited(http.HandlerFunc(authHandler.Register)))
	mux.Handle("GET /api/v1/auth/salt/{company}", limited(http.HandlerFunc(authHandler.GetSalt)))
	mux.Handle("POST /api/v1/auth/login", limited(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /api/v1/auth/refresh", limited(http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("POST /api/v1/auth/logout", limited(http.HandlerFunc(authHandler.Logout)))

	mux.Handle("POST /api/v1/sync/push", requireAuth(http.HandlerFunc(syncHandler.Push)))
	mux.Handle("GET /api/v1/sync/pull", requireAuth(http.HandlerFunc(syncHandler.Pull)))

	mux.HandleFunc("GET /api/v1/health", healthHandler.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	// Порядок: recovery снаружи, чтобы паника в логировании тоже перехватывалась
	var h http.Handler = mux
	h = middleware.MetricsMiddleware(m)(h)
	h = middleware.LoggingMiddleware(logger, "/api/v1/health", "/metrics")(h)
	h = middleware.RecoveryMiddleware(logger)(h)
	s.handler = h

	return s, nil
}

// Handler возвращает корневой http.Handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run обслуживает запросы на cfg.Address до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает запросы на ln. По отмене ctx сервер завершает
// текущие запросы за ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.limiter.Stop()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.InfoContext(gctx, "relay listening", slog.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.InfoContext(shutdownCtx, "relay shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.cleanupTokens(gctx)
		return nil
	})

	return g.Wait()
}

// cleanupTokens периодически удаляет истекшие refresh token
func (s *Server) cleanupTokens(ctx context.Context) {
	interval := s.cfg.Auth.CleanupInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.storage.DeleteExpiredTokens(ctx, now)
			if err != nil {
				s.logger.WarnContext(ctx, "failed to delete expired tokens", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "expired tokens deleted", slog.Int("count", n))
			}
		}
	}
}
