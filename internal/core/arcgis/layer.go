// Package arcgis is a small client for ArcGIS feature service layers: spatial
// queries, edits and attachments.
package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

const maxQueryPages = 50

// Layer is one feature service layer, e.g. .../FeatureServer/0.
type Layer struct {
	name     string
	base     *url.URL
	client   *http.Client
	logger   *slog.Logger
	oidField string
	token    string
	startNow func() time.Time // for tests
}

func NewLayer(name, rawURL string, client *http.Client, logger *slog.Logger, oidField string) (*Layer, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(rawURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse layer url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("layer url %q must be absolute", rawURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if oidField == "" {
		oidField = "OBJECTID"
	}
	return &Layer{
		name:     name,
		base:     u,
		client:   client,
		logger:   logger,
		oidField: oidField,
		startNow: time.Now,
	}, nil
}

func (l *Layer) Name() string { return l.name }

func (l *Layer) URL() string { return l.base.String() }

func (l *Layer) ObjectIDField() string { return l.oidField }

// WithToken returns a copy of the layer that authorizes calls with token.
func (l *Layer) WithToken(token string) *Layer {
	cp := *l
	cp.token = token
	return &cp
}

type wireFeature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry"`
}

type queryResponse struct {
	ObjectIDFieldName     string            `json:"objectIdFieldName"`
	Features              []wireFeature     `json:"features"`
	ObjectIDs             []int64           `json:"objectIds"`
	SpatialReference      *spatialReference `json:"spatialReference"`
	ExceededTransferLimit bool              `json:"exceededTransferLimit"`
}

// Query returns all features matching q, following transfer-limit paging.
func (l *Layer) Query(ctx context.Context, q Query) ([]model.Feature, error) {
	q.IDsOnly = false
	params, err := BuildQueryParams(q)
	if err != nil {
		return nil, err
	}

	var out []model.Feature
	offset := 0
	for page := 0; page < maxQueryPages; page++ {
		if offset > 0 {
			params.Set("resultOffset", strconv.Itoa(offset))
		}
		var resp queryResponse
		if err := l.post(ctx, "query", params, &resp); err != nil {
			return nil, err
		}
		oidField := l.oidField
		if resp.ObjectIDFieldName != "" {
			oidField = resp.ObjectIDFieldName
		}
		defWKID := model.WGS84
		if sr := resp.SpatialReference; sr != nil {
			if sr.LatestWKID != 0 {
				defWKID = sr.LatestWKID
			} else if sr.WKID != 0 {
				defWKID = sr.WKID
			}
		}
		for _, wf := range resp.Features {
			f, err := decodeFeature(wf, oidField, defWKID)
			if err != nil {
				return nil, fmt.Errorf("%s query: %w", l.name, err)
			}
			out = append(out, f)
		}
		if !resp.ExceededTransferLimit || len(resp.Features) == 0 {
			return out, nil
		}
		offset += len(resp.Features)
	}
	return nil, fmt.Errorf("%s query: %w after %d pages (%d features)", l.name, ErrTruncated, maxQueryPages, len(out))
}

// QueryIDs returns only the object ids matching q.
func (l *Layer) QueryIDs(ctx context.Context, q Query) ([]model.FeatureID, error) {
	q.IDsOnly = true
	params, err := BuildQueryParams(q)
	if err != nil {
		return nil, err
	}
	var resp queryResponse
	if err := l.post(ctx, "query", params, &resp); err != nil {
		return nil, err
	}
	ids := make([]model.FeatureID, 0, len(resp.ObjectIDs))
	for _, id := range resp.ObjectIDs {
		ids = append(ids, model.FeatureID(id))
	}
	return ids, nil
}

func decodeFeature(wf wireFeature, oidField string, defWKID int) (model.Feature, error) {
	id, ok := attrID(wf.Attributes, oidField)
	if !ok {
		return model.Feature{}, fmt.Errorf("feature without %q attribute", oidField)
	}
	g, err := DecodeGeometry(wf.Geometry, defWKID)
	if err != nil {
		return model.Feature{}, fmt.Errorf("feature %d: %w", id, err)
	}
	return model.Feature{ID: id, Attributes: wf.Attributes, Geometry: g}, nil
}

func attrID(attrs map[string]any, field string) (model.FeatureID, bool) {
	v, ok := attrs[field]
	if !ok {
		for k, vv := range attrs {
			if strings.EqualFold(k, field) {
				v, ok = vv, true
				break
			}
		}
	}
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return model.FeatureID(i), err == nil
	case float64:
		return model.FeatureID(int64(n)), true
	case int64:
		return model.FeatureID(n), true
	case int:
		return model.FeatureID(n), true
	}
	return 0, false
}

// EditOutcome is the per-feature result of applyEdits.
type EditOutcome struct {
	ObjectID model.FeatureID `json:"objectId"`
	Success  bool            `json:"success"`
	Error    *EditError      `json:"error,omitempty"`
}

type EditResult struct {
	Adds    []EditOutcome `json:"addResults"`
	Deletes []EditOutcome `json:"deleteResults"`
}

// ApplyEdits adds and deletes features in one request. Per-feature failures
// are reported in the result, not as an error.
func (l *Layer) ApplyEdits(ctx context.Context, adds []model.Feature, deletes []model.FeatureID) (EditResult, error) {
	if len(adds) == 0 && len(deletes) == 0 {
		return EditResult{}, nil
	}
	params, err := BuildApplyEditsParams(adds, deletes)
	if err != nil {
		return EditResult{}, err
	}
	var res EditResult
	if err := l.post(ctx, "applyEdits", params, &res); err != nil {
		return EditResult{}, err
	}
	if len(res.Adds) != len(adds) {
		return res, fmt.Errorf("%s applyEdits: %d add results for %d adds", l.name, len(res.Adds), len(adds))
	}
	return res, nil
}

func (l *Layer) endpoint(path string) string {
	return l.base.String() + "/" + strings.TrimLeft(path, "/")
}

func (l *Layer) post(ctx context.Context, path string, params url.Values, out any) error {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	if l.token != "" {
		form.Set("token", l.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return l.do(req, path, out)
}

func (l *Layer) do(req *http.Request, op string, out any) (err error) {
	start := l.startNow()
	defer func() {
		observability.ObserveUpstream(l.name, err, time.Since(start).Seconds())
	}()

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: do request: %w", l.name, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return fmt.Errorf("%s %s: upstream status %d: %s", l.name, op, resp.StatusCode, string(b))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", l.name, op, err)
	}
	l.logger.Debug("arcgis call done",
		"layer", l.name,
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start).String())
	return decodeBody(body, out)
}

func decodeBody(body []byte, out any) error {
	var env struct {
		Error *ServiceError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
