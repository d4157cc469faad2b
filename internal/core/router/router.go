// Package router maps the session HTTP API onto session operations.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/middleware"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/stream"
	"github.com/mohammed-shakir/feature-promotion/internal/credential"
	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
	mylog "github.com/mohammed-shakir/feature-promotion/internal/logger"
	"github.com/mohammed-shakir/feature-promotion/internal/promotion"
	"github.com/mohammed-shakir/feature-promotion/internal/selector"
	"github.com/mohammed-shakir/feature-promotion/internal/session"
)

const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

// Sessions is the session registry; *session.Manager.
type Sessions interface {
	Open(ctx context.Context, userID, authToken string) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Close(id string) error
}

type Handlers struct {
	sessions Sessions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(sessions Sessions, allowedOrigins []string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sessions: sessions, upgrader: stream.NewUpgrader(allowedOrigins), logger: logger}
}

// Mount registers the /sessions routes on r. Callers put authentication in
// front of it.
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.open)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.snapshot)
			r.Delete("/", h.close)
			r.Post("/sketches", h.sketch)
			r.Post("/selection", h.updateSelection)
			r.Delete("/selection", h.clearSelection)
			r.Post("/filter/reset", h.resetFilter)
			r.Post("/jurisdiction/refresh", h.refreshJurisdiction)
			r.Post("/promotion", h.promote)
			r.Post("/pin", h.pin)
			r.Get("/features", h.features)
			r.Get("/events", h.events)
		})
	})
}

type openResponse struct {
	ID                  string             `json:"id"`
	Capabilities        model.Capabilities `json:"capabilities"`
	Boundary            *model.Geometry    `json:"boundary"`
	CredentialExpiresAt string             `json:"credential_expires_at,omitempty"`
}

func (h *Handlers) open(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized", "no user")
		return
	}
	s, err := h.sessions.Open(r.Context(), user.ID, baas.TokenFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap := s.Snapshot()
	out := openResponse{ID: snap.ID, Capabilities: snap.Capabilities, Boundary: snap.Boundary}
	if !snap.CredentialExpiresAt.IsZero() {
		out.CredentialExpiresAt = snap.CredentialExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, out)
}

// session resolves {id}; sessions of other users look like missing ones.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, *http.Request, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err == nil {
		if user, ok := middleware.UserFrom(r.Context()); !ok || user.ID != s.UserID {
			err = session.ErrNotFound
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, r, false
	}
	return s, r.WithContext(mylog.WithSessionID(r.Context(), s.ID)), true
}

func (h *Handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) close(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Close(s.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) sketch(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	geoms, warn, err := ParseSketchRequest(r)
	if warn != "" {
		h.logger.WarnContext(r.Context(), warn)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := s.Sketch(r.Context(), geoms)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type selectionRequest struct {
	Added   []model.FeatureID `json:"added"`
	Removed []model.FeatureID `json:"removed"`
}

func (h *Handlers) updateSelection(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := s.UpdateSelection(req.Added, req.Removed)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) clearSelection(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	c, err := s.ClearSelection()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) resetFilter(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	f, err := s.ResetFilter()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter": f})
}

func (h *Handlers) refreshJurisdiction(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	b, err := s.RefreshJurisdiction(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boundary": b})
}

type promotionRequest struct {
	Confirm bool `json:"confirm"`
}

type promotionResponse struct {
	promotion.Result
	Kind    string `json:"kind,omitempty"`
	Warning string `json:"warning,omitempty"`
}

func (h *Handlers) promote(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var req promotionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := s.Promote(r.Context(), req.Confirm)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := promotionResponse{Result: res}
	if res.Status == promotion.StatusPartial {
		out.Kind = "PromotionPartialFailure"
		out.Warning = strings.Join(res.Warnings, "; ")
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) pin(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var c model.MapCoordinate
	if err := decode(w, r, &c); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := s.Pin(c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) features(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	feats, err := s.Features(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if feats == nil {
		feats = []model.Feature{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": feats})
}

func (h *Handlers) events(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Events(&h.upgrader, w, r); err != nil {
		if errors.Is(err, session.ErrClosed) || errors.Is(err, stream.ErrClosed) {
			h.fail(w, r, session.ErrClosed)
			return
		}
		// the upgrader has already answered
		h.logger.DebugContext(r.Context(), "event stream upgrade failed", "err", err)
	}
}

// ErrorKind maps an error to its HTTP status and kind.
func ErrorKind(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "SessionNotFound"
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, "SessionClosed"
	case errors.Is(err, credential.ErrExpired):
		return http.StatusUnauthorized, "CredentialExpired"
	case errors.Is(err, credential.ErrUnavailable):
		return http.StatusBadGateway, "CredentialUnavailable"
	case errors.Is(err, session.ErrJurisdictionUnavailable):
		return http.StatusBadGateway, "JurisdictionUnavailable"
	case errors.Is(err, session.ErrInvalidCoordinate):
		return http.StatusBadRequest, "InvalidCoordinate"
	case errors.Is(err, geometry.ErrNoGeometry),
		errors.Is(err, geometry.ErrSpatialRefMismatch),
		errors.Is(err, geometry.ErrNotPolygonal):
		return http.StatusBadRequest, "UnionFailed"
	case errors.Is(err, selector.ErrUnavailable):
		return http.StatusBadGateway, "QueryFailed"
	case errors.Is(err, geometry.ErrInvalidGeometry):
		return http.StatusBadRequest, "UnionFailed"
	case errors.Is(err, promotion.ErrEmptySelection):
		return http.StatusConflict, "EmptySelection"
	case errors.Is(err, promotion.ErrProductionDisabled):
		return http.StatusConflict, "ProductionDisabled"
	case errors.Is(err, promotion.ErrCancelled):
		return http.StatusConflict, "PromotionCancelled"
	case errors.Is(err, promotion.ErrFetchFailed):
		return http.StatusBadGateway, "FetchFailed"
	case errors.Is(err, promotion.ErrInsertFailed):
		return http.StatusBadGateway, "InsertFailed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	}
	return http.StatusInternalServerError, "Internal"
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := ErrorKind(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "kind", kind, "err", err)
	} else {
		h.logger.DebugContext(r.Context(), "request rejected", "kind", kind, "err", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	middleware.WriteError(w, status, kind, msg)
}

type sketchRequest struct {
	Geometries []model.Geometry `json:"geometries"`
	BBox       string           `json:"bbox"`
}

// ParseSketchRequest reads {"geometries":[...]} or {"bbox":"x1,y1,x2,y2,EPSG:4326"}.
func ParseSketchRequest(r *http.Request) ([]model.Geometry, string, error) {
	var warn string
	var req sketchRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody)).Decode(&req); err != nil {
		return nil, "", fmt.Errorf("%w: decode sketch: %w", errBadRequest, err)
	}
	rawBBox := strings.TrimSpace(req.BBox)

	// geometries win over bbox
	if rawBBox != "" && len(req.Geometries) > 0 {
		warn = "both geometries and bbox supplied; preferring geometries"
		rawBBox = ""
	}
	if rawBBox != "" {
		bb, err := parseBBOX(rawBBox)
		if err != nil {
			return nil, warn, fmt.Errorf("%w: invalid bbox: %w", errBadRequest, err)
		}
		return []model.Geometry{bb.Geometry()}, warn, nil
	}
	if len(req.Geometries) == 0 {
		return nil, warn, fmt.Errorf("%w: geometries or bbox required", errBadRequest)
	}
	for i, g := range req.Geometries {
		switch g.Geom.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, warn, fmt.Errorf("%w: geometry %d: unsupported type %T (must be Polygon or MultiPolygon)", errBadRequest, i, g.Geom)
		}
	}
	return req.Geometries, warn, nil
}

func parseBBOX(bboxParam string) (model.BBox, error) {
	parts := strings.Split(bboxParam, ",")
	if len(parts) != 5 {
		return model.BBox{}, errors.New("expected 5 comma-separated values: x1,y1,x2,y2,EPSG:4326")
	}
	xMin, err := parseFloat(parts[0])
	if err != nil {
		return model.BBox{}, fmt.Errorf("x1: %w", err)
	}
	yMin, err := parseFloat(parts[1])
	if err != nil {
		return model.BBox{}, fmt.Errorf("y1: %w", err)
	}
	xMax, err := parseFloat(parts[2])
	if err != nil {
		return model.BBox{}, fmt.Errorf("x2: %w", err)
	}
	yMax, err := parseFloat(parts[3])
	if err != nil {
		return model.BBox{}, fmt.Errorf("y2: %w", err)
	}

	srid := strings.ToUpper(strings.TrimSpace(parts[4]))
	if srid != "EPSG:4326" {
		return model.BBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
	}

	if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
		return model.BBox{}, errors.New("longitude must be in [-180,180]")
	}
	if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
		return model.BBox{}, errors.New("latitude must be in [-90,90]")
	}
	if xMax <= xMin || yMax <= yMin {
		return model.BBox{}, errors.New("coordinates must satisfy x2>x1 and y2>y1")
	}
	return model.BBox{X1: xMin, Y1: yMin, X2: xMax, Y2: yMax, SRID: srid}, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

func decode(w http.ResponseWriter, r *http.Request, out any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
