package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/health"
	"github.com/mohammed-shakir/feature-promotion/internal/session"
)

type denyAll struct{}

func (denyAll) Authenticate(context.Context, string) (baas.User, error) {
	return baas.User{}, baas.ErrUnauthorized
}

func newHandler(ready ...health.Check) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(Deps{
		Auth:     denyAll{},
		Sessions: session.NewManager(session.Deps{}),
		Token:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
		Ready:          ready,
		AllowedOrigins: []string{"*"},
	}, logger)
}

func TestHandler_HealthEndpointsArePublic(t *testing.T) {
	h := newHandler()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
}

func TestHandler_APIRequiresAuth(t *testing.T) {
	h := newHandler()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/token"},
		{http.MethodPost, "/sessions"},
		{http.MethodGet, "/sessions/abc"},
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status=%d want 401", tc.method, tc.path, rr.Code)
		}
	}
}

func TestHandler_ReadinessReflectsChecks(t *testing.T) {
	h := newHandler(health.Check{Name: "redis", Fn: func(context.Context) error { return errors.New("down") }})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "127.0.0.1:0", newHandler(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
