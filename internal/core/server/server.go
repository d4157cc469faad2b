// Package server assembles the HTTP surface and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/feature-promotion/internal/core/health"
	"github.com/mohammed-shakir/feature-promotion/internal/core/middleware"
	"github.com/mohammed-shakir/feature-promotion/internal/core/router"
)

type Deps struct {
	Auth           middleware.Authenticator
	Sessions       router.Sessions
	Token          http.Handler
	Metrics        http.Handler
	MetricsPath    string
	Ready          []health.Check
	AllowedOrigins []string
}

// NewHandler wires the public probes and the authenticated API.
func NewHandler(d Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(d.AllowedOrigins))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready...))
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(d.Auth))
		if d.Token != nil {
			r.Method(http.MethodGet, "/token", d.Token)
		}
		router.New(d.Sessions, d.AllowedOrigins, logger).Mount(r)
	})
	return r
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
