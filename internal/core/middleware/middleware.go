// Package middleware defines HTTP middlewares for the core server.
package middleware

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
	mylog "github.com/mohammed-shakir/feature-promotion/internal/logger"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is needed for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func Logging(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = mylog.NewID()
			}
			w.Header().Set("X-Request-ID", reqID)
			ctx := mylog.WithRequestID(r.Context(), reqID)
			ctx = mylog.WithComponent(ctx, "http")

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			observability.ObserveHTTP(r.Method, route, sw.code, elapsed.Seconds())
			l.LogAttrs(ctx, slog.LevelDebug, "http request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", sw.code),
				slog.Duration("duration", elapsed),
			)
		}
		return http.HandlerFunc(fn)
	}
}

// Recover turns panics into a JSON 500.
func Recover(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					l.ErrorContext(r.Context(), "panic recovered", "err", rec)
					WriteError(w, http.StatusInternalServerError, "Internal", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// CORS allows the listed origins; "*" allows any.
func CORS(allowed []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// Authenticator resolves a BaaS token to its user; *baas.Client.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (baas.User, error)
}

type userCtxKey struct{}

func UserFrom(ctx context.Context) (baas.User, bool) {
	u, ok := ctx.Value(userCtxKey{}).(baas.User)
	return u, ok
}

// Auth requires a BaaS token in the Authorization header. Browsers cannot
// set headers on websocket upgrades, so access_token is accepted there.
func Auth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			user, err := a.Authenticate(r.Context(), token)
			if err != nil {
				status, kind := http.StatusUnauthorized, "Unauthorized"
				if !errors.Is(err, baas.ErrUnauthorized) {
					status, kind = http.StatusBadGateway, "AuthUnavailable"
				}
				WriteError(w, status, kind, "authentication failed")
				return
			}
			ctx := context.WithValue(r.Context(), userCtxKey{}, user)
			ctx = baas.WithToken(ctx, token)
			ctx = mylog.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteError writes the JSON error notice {"error","kind"}.
func WriteError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Kind: kind})
}
