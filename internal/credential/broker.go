// Package credential exchanges the server-held ArcGIS client secret for a
// short-lived access token.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

var (
	// ErrUnavailable means no credential could be obtained; sessions cannot start.
	ErrUnavailable = errors.New("credential unavailable")
	// ErrExpired is returned for operations on a session whose credential
	// has expired. Credentials are not refreshed; a new session is required.
	ErrExpired = errors.New("credential expired")
)

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// Server is the authority the token is registered for on the client.
	Server string
}

type Broker struct {
	cc     *clientcredentials.Config
	client *http.Client
	server string
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, client *http.Client, logger *slog.Logger) (*Broker, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("credential: client id and secret are required")
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("credential: token url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cc: &clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       cfg.TokenURL,
			EndpointParams: url.Values{"f": {"json"}},
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		client: client,
		server: cfg.Server,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Token performs one client-credentials exchange.
func (b *Broker) Token(ctx context.Context) (model.Credential, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)
	tok, err := b.cc.Token(ctx)
	observability.ObserveUpstream("oauth2", err, time.Since(start).Seconds())
	if err != nil {
		b.logger.Warn("token exchange failed", "err", err)
		return model.Credential{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if tok.AccessToken == "" {
		return model.Credential{}, fmt.Errorf("%w: empty access token", ErrUnavailable)
	}
	return model.Credential{
		AccessToken: tok.AccessToken,
		Server:      b.server,
		ExpiresAt:   tok.Expiry,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Server      string `json:"server,omitempty"`
}

// Handler serves GET /token for the map SDK's identity manager.
func Handler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := b.Token(r.Context())
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrUnavailable.Error(), "kind": "CredentialUnavailable"})
			return
		}
		out := tokenResponse{AccessToken: cred.AccessToken, Server: cred.Server}
		if !cred.ExpiresAt.IsZero() {
			out.ExpiresIn = int64(cred.ExpiresAt.Sub(b.now()).Seconds())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(out)
	}
}
