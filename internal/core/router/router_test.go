package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis/arcgistest"
	"github.com/mohammed-shakir/feature-promotion/internal/core/middleware"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/credential"
	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
	"github.com/mohammed-shakir/feature-promotion/internal/selection"
	"github.com/mohammed-shakir/feature-promotion/internal/selector"
	"github.com/mohammed-shakir/feature-promotion/internal/session"
)

func TestParseBBOX_Valid(t *testing.T) {
	bb, err := parseBBOX("11.0,55.0,12.0,56.0,EPSG:4326")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := model.BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"}
	if bb != want {
		t.Fatalf("got %+v want %+v", bb, want)
	}
}

func TestParseBBOX_Invalid(t *testing.T) {
	for _, in := range []string{
		"11,55,12,56,EPSG:3857",
		"11,55,12,56",
		"12,55,11,56,EPSG:4326",
		"11,95,12,96,EPSG:4326",
		"a,55,12,56,EPSG:4326",
	} {
		if _, err := parseBBOX(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func sketchReq(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/sketches", strings.NewReader(body))
}

func TestParseSketchRequest(t *testing.T) {
	poly := `{"type":"Polygon","coordinates":[[[11,55],[12,55],[12,56],[11,56],[11,55]]]}`

	geoms, warn, err := ParseSketchRequest(sketchReq(`{"geometries":[` + poly + `],"bbox":"0,0,1,1,EPSG:4326"}`))
	if err != nil || warn == "" || len(geoms) != 1 {
		t.Fatalf("geoms=%d warn=%q err=%v", len(geoms), warn, err)
	}
	if b := geoms[0].Geom.Bound(); b.Min.X() != 11 {
		t.Fatalf("bbox should have been dropped, got bound %v", b)
	}

	geoms, _, err = ParseSketchRequest(sketchReq(`{"bbox":"11,55,12,56,EPSG:4326"}`))
	if err != nil || len(geoms) != 1 {
		t.Fatalf("bbox sketch: geoms=%d err=%v", len(geoms), err)
	}
	if _, ok := geoms[0].Geom.(orb.Polygon); !ok {
		t.Fatalf("bbox geometry type %T", geoms[0].Geom)
	}

	for _, bad := range []string{
		`{}`,
		`not json`,
		`{"geometries":[{"type":"LineString","coordinates":[[0,0],[1,1]]}]}`,
		`{"bbox":"1,2,3"}`,
	} {
		if _, _, err := ParseSketchRequest(sketchReq(bad)); err == nil {
			t.Fatalf("%s: expected error", bad)
		}
	}
}

type stubCredentials struct{}

func (stubCredentials) Token(context.Context) (model.Credential, error) {
	return model.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type stubAuth map[string]string

func (a stubAuth) Authenticate(_ context.Context, token string) (baas.User, error) {
	id, ok := a[token]
	if !ok {
		return baas.User{}, baas.ErrUnauthorized
	}
	return baas.User{ID: id}, nil
}

type apiFixture struct {
	srv     *httptest.Server
	staging *arcgistest.Layer
	prod    *arcgistest.Layer
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	staging := arcgistest.NewLayer("OBJECTID")
	prod := arcgistest.NewLayer("OBJECTID")
	staging.Token, prod.Token = "tok", "tok"
	t.Cleanup(staging.Close)
	t.Cleanup(prod.Close)
	for id, pt := range map[model.FeatureID]orb.Point{101: {1, 1}, 102: {2, 2}} {
		g := model.NewGeometry(pt, model.WGS84)
		staging.Seed(model.Feature{ID: id, Geometry: &g})
	}

	sl, err := arcgis.NewLayer("staging", staging.URL(), http.DefaultClient, nil, "OBJECTID")
	if err != nil {
		t.Fatal(err)
	}
	pl, err := arcgis.NewLayer("production", prod.URL(), http.DefaultClient, nil, "OBJECTID")
	if err != nil {
		t.Fatal(err)
	}
	mgr := session.NewManager(session.Deps{
		Credentials:  stubCredentials{},
		Staging:      sl,
		Production:   pl,
		Capabilities: model.Capabilities{Production: true},
	})
	t.Cleanup(mgr.CloseAll)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(stubAuth{"alice-token": "alice", "bob-token": "bob"}))
		New(mgr, []string{"*"}, logger).Mount(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, staging: staging, prod: prod}
}

func (a *apiFixture) call(t *testing.T, method, path, token, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type errorNotice struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestAPI_SelectAndPromote(t *testing.T) {
	a := newAPI(t)

	var opened struct {
		ID string `json:"id"`
	}
	if code := a.call(t, http.MethodPost, "/sessions", "alice-token", "", &opened); code != http.StatusCreated {
		t.Fatalf("open status=%d", code)
	}

	var sk session.SketchResult
	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/sketches", "alice-token", `{"bbox":"0,0,3,3,EPSG:4326"}`, &sk); code != http.StatusOK {
		t.Fatalf("sketch status=%d", code)
	}
	if len(sk.IDs) != 2 {
		t.Fatalf("ids=%v want 101,102", sk.IDs)
	}

	var notice errorNotice
	if code := a.call(t, http.MethodGet, "/sessions/"+opened.ID, "bob-token", "", &notice); code != http.StatusNotFound || notice.Kind != "SessionNotFound" {
		t.Fatalf("foreign session: status=%d kind=%q", code, notice.Kind)
	}

	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/promotion", "alice-token", `{"confirm":false}`, &notice); code != http.StatusConflict || notice.Kind != "PromotionCancelled" {
		t.Fatalf("declined: status=%d kind=%q", code, notice.Kind)
	}

	var pr struct {
		Status   string `json:"status"`
		Promoted []any  `json:"promoted"`
	}
	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/promotion", "alice-token", `{"confirm":true}`, &pr); code != http.StatusOK {
		t.Fatalf("promote status=%d", code)
	}
	if pr.Status != "promoted" || len(pr.Promoted) != 2 {
		t.Fatalf("promotion=%+v", pr)
	}
	if len(a.prod.Features()) != 2 || len(a.staging.Features()) != 0 {
		t.Fatalf("prod=%d staging=%d", len(a.prod.Features()), len(a.staging.Features()))
	}

	var snap session.Snapshot
	a.call(t, http.MethodGet, "/sessions/"+opened.ID, "alice-token", "", &snap)
	if len(snap.Selection) != 0 {
		t.Fatalf("selection after promotion=%v", snap.Selection)
	}

	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/promotion", "alice-token", `{"confirm":true}`, &notice); code != http.StatusConflict || notice.Kind != "EmptySelection" {
		t.Fatalf("empty: status=%d kind=%q", code, notice.Kind)
	}

	if code := a.call(t, http.MethodDelete, "/sessions/"+opened.ID, "alice-token", "", nil); code != http.StatusNoContent {
		t.Fatalf("delete status=%d", code)
	}
	if code := a.call(t, http.MethodGet, "/sessions/"+opened.ID, "alice-token", "", &notice); code != http.StatusNotFound {
		t.Fatalf("after delete status=%d", code)
	}
}

func TestAPI_ErrorNotices(t *testing.T) {
	a := newAPI(t)
	var opened struct {
		ID string `json:"id"`
	}
	a.call(t, http.MethodPost, "/sessions", "alice-token", "", &opened)

	var notice errorNotice
	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/sketches", "alice-token", `{"bbox":"bad"}`, &notice); code != http.StatusBadRequest || notice.Kind != "BadRequest" {
		t.Fatalf("bad bbox: status=%d kind=%q", code, notice.Kind)
	}

	a.staging.FailQueries(true)
	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/sketches", "alice-token", `{"bbox":"0,0,3,3,EPSG:4326"}`, &notice); code != http.StatusBadGateway || notice.Kind != "QueryFailed" {
		t.Fatalf("query failure: status=%d kind=%q", code, notice.Kind)
	}

	if code := a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/pin", "alice-token", `{"lat":0,"lng":0}`, &notice); code != http.StatusBadRequest || notice.Kind != "InvalidCoordinate" {
		t.Fatalf("null pin: status=%d kind=%q", code, notice.Kind)
	}
}

func TestAPI_EventStream(t *testing.T) {
	a := newAPI(t)
	var opened struct {
		ID string `json:"id"`
	}
	a.call(t, http.MethodPost, "/sessions", "alice-token", "", &opened)

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/sessions/" + opened.ID + "/events?access_token=alice-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// a pong proves the connection is registered with the session
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != "pong" {
		t.Fatalf("pong=%+v err=%v", pong, err)
	}

	var c selection.Change
	a.call(t, http.MethodPost, "/sessions/"+opened.ID+"/selection", "alice-token", `{"added":[101]}`, &c)

	var msg struct {
		Type string           `json:"type"`
		Data selection.Change `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != session.EventSelection || len(msg.Data.Added) != 1 || msg.Data.Added[0] != 101 {
		t.Fatalf("message=%+v", msg)
	}
}

func TestErrorKind_Mapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{credential.ErrUnavailable, http.StatusBadGateway, "CredentialUnavailable"},
		{credential.ErrExpired, http.StatusUnauthorized, "CredentialExpired"},
		{session.ErrClosed, http.StatusGone, "SessionClosed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "Timeout"},
		{fmt.Errorf("union input: %w", geometry.ErrInvalidGeometry), http.StatusBadRequest, "UnionFailed"},
		{fmt.Errorf("%w: %w", selector.ErrUnavailable, geometry.ErrInvalidGeometry), http.StatusBadGateway, "QueryFailed"},
		{io.EOF, http.StatusInternalServerError, "Internal"},
	}
	for _, tc := range cases {
		status, kind := ErrorKind(tc.err)
		if status != tc.status || kind != tc.kind {
			t.Fatalf("%v: got %d/%s want %d/%s", tc.err, status, kind, tc.status, tc.kind)
		}
	}
}
