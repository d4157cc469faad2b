// Package baas talks to the PocketBase backend that owns users and museums.
package baas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

var (
	ErrUnauthorized  = errors.New("baas: unauthorized")
	ErrInvalidUserID = errors.New("baas: invalid user id")
	ErrUnavailable   = errors.New("baas: unavailable")
)

// PocketBase record ids; anything else could break out of the filter expression.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

const (
	identityCacheSize = 4096
	identityCacheTTL  = 5 * time.Minute
	maxBody           = 4 << 20
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type identity struct {
	user    User
	expires time.Time
}

type Client struct {
	base       *url.URL
	http       *http.Client
	logger     *slog.Logger
	collection string
	identities *expirable.LRU[uint64, identity]
	now        func() time.Time
}

func New(rawURL, museumCollection string, client *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("baas: invalid base url %q", rawURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if museumCollection == "" {
		museumCollection = "museums"
	}
	return &Client{
		base:       u,
		http:       client,
		logger:     logger,
		collection: museumCollection,
		identities: expirable.NewLRU[uint64, identity](identityCacheSize, nil, identityCacheTTL),
		now:        time.Now,
	}, nil
}

type tokenCtxKey struct{}

// WithToken attaches the caller's auth token; BaaS reads made with the
// returned context are performed on the caller's behalf.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenCtxKey{}, token)
}

func TokenFrom(ctx context.Context) string {
	s, _ := ctx.Value(tokenCtxKey{}).(string)
	return s
}

type authResponse struct {
	Token  string `json:"token"`
	Record User   `json:"record"`
}

// Authenticate resolves a user token to the user record. Results are cached
// by token hash until the token's own expiry or five minutes, whichever
// comes first.
func (c *Client) Authenticate(ctx context.Context, token string) (User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return User{}, ErrUnauthorized
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	now := c.now()
	if !exp.IsZero() && !exp.After(now) {
		return User{}, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	key := xxhash.Sum64String(token)
	if id, ok := c.identities.Get(key); ok && (id.expires.IsZero() || id.expires.After(now)) {
		return id.user, nil
	}

	var out authResponse
	err = c.do(ctx, http.MethodPost, "/api/collections/users/auth-refresh", nil, token, &out)
	if err != nil {
		return User{}, err
	}
	if out.Record.ID == "" {
		return User{}, fmt.Errorf("%w: auth response without user", ErrUnauthorized)
	}
	c.identities.Add(key, identity{user: out.Record, expires: exp})
	return out.Record, nil
}

// tokenExpiry reads the exp claim. The signature is checked by PocketBase on
// auth-refresh; here it only bounds how long a resolved identity is reused.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("token exp: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

type listResponse struct {
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalItems int      `json:"totalItems"`
	Items      []Museum `json:"items"`
}

// MuseumForUser returns the museum whose users relation contains userID, or
// nil when there is none.
func (c *Client) MuseumForUser(ctx context.Context, userID string) (*Museum, error) {
	if !userIDPattern.MatchString(userID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	q := url.Values{}
	q.Set("page", "1")
	q.Set("perPage", "1")
	q.Set("skipTotal", "1")
	q.Set("filter", fmt.Sprintf("users ~ %q", userID))

	var out listResponse
	path := "/api/collections/" + url.PathEscape(c.collection) + "/records"
	if err := c.do(ctx, http.MethodGet, path, q, TokenFrom(ctx), &out); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	m := out.Items[0]
	return &m, nil
}

// Ready checks the BaaS health endpoint.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, "", nil)
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, token string, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("baas request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveUpstream("baas", err, time.Since(start).Seconds())
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	observability.ObserveUpstream("baas", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, errMessage(body, resp.StatusCode))
	case resp.StatusCode >= 300:
		c.logger.WarnContext(ctx, "baas call failed", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s %s: %s", ErrUnavailable, method, path, errMessage(body, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func errMessage(body []byte, status int) string {
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return "status " + strconv.Itoa(status)
}
