// Package session owns one map session: its credential, jurisdiction view,
// selection state and event stream, with a single teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
	"github.com/mohammed-shakir/feature-promotion/internal/core/stream"
	"github.com/mohammed-shakir/feature-promotion/internal/credential"
	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
	"github.com/mohammed-shakir/feature-promotion/internal/jurisdiction"
	"github.com/mohammed-shakir/feature-promotion/internal/promotion"
	"github.com/mohammed-shakir/feature-promotion/internal/selection"
	"github.com/mohammed-shakir/feature-promotion/internal/selector"
)

var (
	ErrNotFound                = errors.New("session not found")
	ErrClosed                  = errors.New("session closed")
	ErrJurisdictionUnavailable = errors.New("jurisdiction unavailable")
	ErrInvalidCoordinate       = errors.New("invalid map coordinate")
)

// Stream message types.
const (
	EventSelection    = "selection.change"
	EventPromotion    = "promotion"
	EventPin          = "pin"
	EventJurisdiction = "jurisdiction"
)

type Session struct {
	ID     string
	UserID string

	cred      model.Credential
	authToken string
	caps      model.Capabilities
	logger    *slog.Logger
	now       func() time.Time

	boundaries Boundaries
	selector   *selector.Selector
	workflow   *promotion.Workflow
	view       *jurisdiction.View
	filter     jurisdiction.Filter
	state      *selection.State
	tracker    *selection.Tracker
	hub        *stream.Hub
	unsub      func()

	seq      atomic.Uint64
	lastSeen atomic.Int64
	closed   atomic.Bool

	mu  sync.Mutex
	pin *model.MapCoordinate

	closeOnce sync.Once
}

// SketchResult reports one sketch query. A stale result was superseded by
// a later sketch and left the selection untouched.
type SketchResult struct {
	Seq    uint64            `json:"seq"`
	IDs    []model.FeatureID `json:"ids"`
	Stale  bool              `json:"stale,omitempty"`
	Change selection.Change  `json:"change"`
}

type PinResult struct {
	Coordinate     model.MapCoordinate `json:"coordinate"`
	InJurisdiction bool                `json:"in_jurisdiction"`
}

type Snapshot struct {
	ID                  string               `json:"id"`
	Capabilities        model.Capabilities   `json:"capabilities"`
	Boundary            *model.Geometry      `json:"boundary"`
	Selection           []selection.Entry    `json:"selection"`
	Table               selection.Table      `json:"table"`
	Pin                 *model.MapCoordinate `json:"pin,omitempty"`
	CredentialExpiresAt time.Time            `json:"credential_expires_at"`
}

// check fails once the session is closed or its credential has lapsed.
// Credentials are not refreshed; the client opens a new session.
func (s *Session) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.cred.Valid(s.now()) {
		return credential.ErrExpired
	}
	return nil
}

func (s *Session) touch() { s.lastSeen.Store(s.now().UnixNano()) }

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// upstreamErr maps a rejected token to ErrExpired.
func upstreamErr(err error) error {
	if errors.Is(err, arcgis.ErrInvalidToken) {
		return fmt.Errorf("%w: %w", credential.ErrExpired, err)
	}
	return err
}

// Sketch unions geoms, selects the staging features they hit and replaces
// the selection with them. Results of sketches overtaken by a newer one are
// discarded.
func (s *Session) Sketch(ctx context.Context, geoms []model.Geometry) (SketchResult, error) {
	if err := s.check(); err != nil {
		return SketchResult{}, err
	}
	seq := s.seq.Add(1)

	geom, err := geometry.Union(ctx, geoms)
	if err != nil {
		return SketchResult{Seq: seq}, err
	}
	ids, err := s.selector.Select(ctx, geom, s.view.Constraint())
	if err != nil {
		return SketchResult{Seq: seq}, upstreamErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq.Load() {
		observability.IncStaleSketch()
		s.logger.DebugContext(ctx, "stale sketch discarded", "seq", seq, "latest", s.seq.Load())
		return SketchResult{Seq: seq, Stale: true}, nil
	}
	change, err := s.state.Replace(ids, &geom)
	if err != nil {
		return SketchResult{Seq: seq}, ErrClosed
	}
	return SketchResult{Seq: seq, IDs: ids, Change: change}, nil
}

// UpdateSelection applies a highlight change made in the table. It waits
// for a running promotion so the post-promotion clear cannot drop it.
func (s *Session) UpdateSelection(added, removed []model.FeatureID) (selection.Change, error) {
	if err := s.check(); err != nil {
		return selection.Change{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.state.ApplyTableChange(added, removed)
	if err != nil {
		return c, ErrClosed
	}
	return c, nil
}

func (s *Session) ClearSelection() (selection.Change, error) {
	if err := s.check(); err != nil {
		return selection.Change{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.state.Clear()
	if err != nil {
		return c, ErrClosed
	}
	return c, nil
}

// ResetFilter restores the jurisdiction filter; the selection is kept.
func (s *Session) ResetFilter() (*model.Geometry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.state.ResetFilter(); err != nil {
		return nil, ErrClosed
	}
	return s.filter.Reset(s.view), nil
}

// RefreshJurisdiction reloads the user's boundary bypassing caches.
func (s *Session) RefreshJurisdiction(ctx context.Context) (*model.Geometry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.reloadBoundary(ctx, true)
}

// reloadBoundary fetches the boundary and applies it. When it changed, the
// selection is cleared since it may reach outside the new scope.
func (s *Session) reloadBoundary(ctx context.Context, refresh bool) (*model.Geometry, error) {
	if !s.caps.Jurisdiction || s.boundaries == nil {
		return nil, nil
	}
	ctx = baas.WithToken(ctx, s.authToken)
	var (
		b   *model.Geometry
		err error
	)
	if refresh {
		b, err = s.boundaries.Refresh(ctx, s.UserID)
	} else {
		b, err = s.boundaries.Load(ctx, s.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJurisdictionUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.view.Constraint()
	s.filter.Apply(s.view, b)
	s.state.SetStanding(b)
	if sameBoundary(prev, b) {
		return b, nil
	}
	// in-flight sketches were scoped by the old boundary
	s.seq.Add(1)
	if _, err := s.state.Clear(); err != nil {
		return nil, ErrClosed
	}
	s.hub.Publish(EventJurisdiction, map[string]any{"boundary": b})
	s.logger.InfoContext(ctx, "jurisdiction changed", "absent", b == nil)
	return b, nil
}

func sameBoundary(a, b *model.Geometry) bool {
	switch {
	case a == nil || b == nil:
		return a == b
	case a.SpatialRef() != b.SpatialRef():
		return false
	case a.Geom == nil || b.Geom == nil:
		return a.Geom == nil && b.Geom == nil
	}
	return orb.Equal(a.Geom, b.Geom)
}

// Promote moves the current selection to production. On full success the
// selection is cleared; on partial failure it is kept.
func (s *Session) Promote(ctx context.Context, confirm bool) (promotion.Result, error) {
	if err := s.check(); err != nil {
		return promotion.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := promotion.Scope{SessionID: s.ID, UserID: s.UserID}
	res, err := s.workflow.Promote(ctx, scope, s.state.IDs(), promotion.Confirmed(confirm))
	if err != nil {
		return res, upstreamErr(err)
	}
	// sketches still in flight may list features that just left staging
	s.seq.Add(1)
	if res.Status == promotion.StatusPromoted {
		if _, err := s.state.Clear(); err != nil {
			return res, ErrClosed
		}
	}
	s.hub.Publish(EventPromotion, res)
	return res, nil
}

// Pin records a map coordinate the client zoomed to.
func (s *Session) Pin(c model.MapCoordinate) (PinResult, error) {
	if err := s.check(); err != nil {
		return PinResult{}, err
	}
	if c.IsNull() {
		return PinResult{}, fmt.Errorf("%w: null island", ErrInvalidCoordinate)
	}
	if c.WKID == 0 {
		c.WKID = model.WGS84
	}
	if c.WKID == model.WGS84 && (c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180) {
		return PinResult{}, fmt.Errorf("%w: lat/lng out of range", ErrInvalidCoordinate)
	}
	res := PinResult{Coordinate: c, InJurisdiction: s.filter.Admits(s.view, c.Point())}

	s.mu.Lock()
	s.pin = &c
	s.mu.Unlock()
	s.hub.Publish(EventPin, res)
	return res, nil
}

// Features returns the records of the selected features.
func (s *Session) Features(ctx context.Context) ([]model.Feature, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	feats, err := s.selector.Fetch(ctx, s.state.IDs())
	if err != nil {
		return nil, upstreamErr(err)
	}
	return feats, nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	pin := s.pin
	s.mu.Unlock()
	return Snapshot{
		ID:                  s.ID,
		Capabilities:        s.caps,
		Boundary:            s.view.Constraint(),
		Selection:           s.state.Snapshot(),
		Table:               s.state.Table(),
		Pin:                 pin,
		CredentialExpiresAt: s.cred.ExpiresAt,
	}
}

// Credential returns the session's feature service credential.
func (s *Session) Credential() model.Credential { return s.cred }

// LiveHighlights counts highlight handles not yet released.
func (s *Session) LiveHighlights() int64 { return s.tracker.Live() }

// Events attaches a websocket client to the session's event stream.
func (s *Session) Events(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.hub.Serve(up, w, r)
}

// close releases every handle the session holds. Safe to call repeatedly.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.unsub()
		s.state.Release()
		s.hub.Close()
	})
}
