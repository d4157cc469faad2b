// Package arcgistest provides an in-memory feature service layer for tests.
package arcgistest

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
)

const layerPath = "/arcgis/rest/services/test/FeatureServer/0"

type attachment struct {
	info arcgis.AttachmentInfo
	data []byte
}

// Layer is a fake feature layer. Failure switches may be flipped at any time.
type Layer struct {
	OIDField string
	Token    string // when set, requests must carry it

	// BeforeQuery runs before a spatial query is answered; tests use it to
	// delay or block individual queries.
	BeforeQuery func(geom *model.Geometry)

	mu            sync.Mutex
	features      map[model.FeatureID]model.Feature
	attachments   map[model.FeatureID][]attachment
	nextID        model.FeatureID
	nextAttID     int64
	failQuery     bool
	failAdds      bool
	failAddsAfter int
	failDeletes   bool
	failAttach    bool
	calls         map[string]int

	srv *httptest.Server
}

func NewLayer(oidField string) *Layer {
	if oidField == "" {
		oidField = "OBJECTID"
	}
	l := &Layer{
		OIDField:      oidField,
		features:      map[model.FeatureID]model.Feature{},
		attachments:   map[model.FeatureID][]attachment{},
		nextID:        1,
		nextAttID:     1,
		failAddsAfter: -1,
		calls:         map[string]int{},
	}
	l.srv = httptest.NewServer(l)
	return l
}

func (l *Layer) Close() { l.srv.Close() }

// URL is the layer endpoint, e.g. http://127.0.0.1:1234/.../FeatureServer/0.
func (l *Layer) URL() string { return l.srv.URL + layerPath }

// Seed stores f under its own id.
func (l *Layer) Seed(f model.Feature) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.Attributes == nil {
		f.Attributes = map[string]any{}
	}
	f.Attributes[l.OIDField] = int64(f.ID)
	l.features[f.ID] = f
	if f.ID >= l.nextID {
		l.nextID = f.ID + 1
	}
}

func (l *Layer) SeedAttachment(oid model.FeatureID, name, contentType string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attachments[oid] = append(l.attachments[oid], attachment{
		info: arcgis.AttachmentInfo{ID: l.nextAttID, Name: name, ContentType: contentType, Size: int64(len(data))},
		data: data,
	})
	l.nextAttID++
}

func (l *Layer) Feature(id model.FeatureID) (model.Feature, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.features[id]
	return f, ok
}

func (l *Layer) Features() []model.Feature {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := slices.Sorted(maps.Keys(l.features))
	out := make([]model.Feature, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.features[id])
	}
	return out
}

func (l *Layer) Attachments(oid model.FeatureID) []arcgis.AttachmentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []arcgis.AttachmentInfo
	for _, a := range l.attachments[oid] {
		out = append(out, a.info)
	}
	return out
}

func (l *Layer) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Layer) FailQueries(v bool) { l.set(func() { l.failQuery = v }) }
func (l *Layer) FailAdds(v bool)    { l.set(func() { l.failAdds = v }) }
func (l *Layer) FailDeletes(v bool) { l.set(func() { l.failDeletes = v }) }
func (l *Layer) FailAttachments(v bool) {
	l.set(func() { l.failAttach = v })
}

// FailAddsAfter lets the first n adds of the next applyEdits succeed and
// fails the rest. Negative disables.
func (l *Layer) FailAddsAfter(n int) { l.set(func() { l.failAddsAfter = n }) }

func (l *Layer) set(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op, ok := strings.CutPrefix(r.URL.Path, layerPath+"/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(32 << 20)
	} else {
		_ = r.ParseForm()
	}
	if l.Token != "" && r.FormValue("token") != l.Token {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 498, "message": "Invalid token."}})
		return
	}

	l.mu.Lock()
	l.calls[opName(op)]++
	l.mu.Unlock()

	switch {
	case op == "query":
		l.query(w, r)
	case op == "applyEdits":
		l.applyEdits(w, r)
	case op == "queryAttachments":
		l.queryAttachments(w, r)
	case strings.HasSuffix(op, "/addAttachment"):
		l.addAttachment(w, r, strings.TrimSuffix(op, "/addAttachment"))
	case strings.Contains(op, "/attachments/"):
		l.download(w, op)
	default:
		http.NotFound(w, r)
	}
}

func opName(op string) string {
	switch {
	case strings.HasSuffix(op, "/addAttachment"):
		return "addAttachment"
	case strings.Contains(op, "/attachments/"):
		return "downloadAttachment"
	}
	return op
}

func (l *Layer) query(w http.ResponseWriter, r *http.Request) {
	var geom *model.Geometry
	if raw := r.FormValue("geometry"); raw != "" {
		g, err := arcgis.DecodeGeometry(json.RawMessage(raw), model.WGS84)
		if err != nil {
			writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": err.Error()}})
			return
		}
		geom = g
	}
	if l.BeforeQuery != nil {
		l.BeforeQuery(geom)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failQuery {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 500, "message": "Unable to complete operation."}})
		return
	}

	wanted := parseIDs(r.FormValue("objectIds"))
	var hits []model.Feature
	for _, id := range slices.Sorted(maps.Keys(l.features)) {
		f := l.features[id]
		if len(wanted) > 0 && !slices.Contains(wanted, id) {
			continue
		}
		if geom != nil && (f.Geometry == nil || !geometry.Intersects(geom.Geom, f.Geometry.Geom)) {
			continue
		}
		hits = append(hits, f)
	}

	if r.FormValue("returnIdsOnly") == "true" {
		ids := make([]int64, 0, len(hits))
		for _, f := range hits {
			ids = append(ids, int64(f.ID))
		}
		writeJSON(w, map[string]any{"objectIdFieldName": l.OIDField, "objectIds": ids})
		return
	}

	withGeom := r.FormValue("returnGeometry") == "true"
	feats := make([]map[string]any, 0, len(hits))
	for _, f := range hits {
		out := map[string]any{"attributes": f.Attributes}
		if withGeom && f.Geometry != nil {
			_, raw, err := arcgis.EncodeGeometry(*f.Geometry)
			if err == nil {
				out["geometry"] = json.RawMessage(raw)
			}
		}
		feats = append(feats, out)
	}
	writeJSON(w, map[string]any{
		"objectIdFieldName": l.OIDField,
		"spatialReference":  map[string]any{"wkid": model.WGS84},
		"features":          feats,
	})
}

func (l *Layer) applyEdits(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	addResults := []map[string]any{}
	if raw := r.FormValue("adds"); raw != "" {
		var adds []struct {
			Attributes map[string]any  `json:"attributes"`
			Geometry   json.RawMessage `json:"geometry"`
		}
		if err := json.Unmarshal([]byte(raw), &adds); err != nil {
			writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": err.Error()}})
			return
		}
		for i, a := range adds {
			if l.failAdds || (l.failAddsAfter >= 0 && i >= l.failAddsAfter) {
				addResults = append(addResults, map[string]any{
					"objectId": nil, "success": false,
					"error": map[string]any{"code": 1000, "description": "insert rejected"},
				})
				continue
			}
			if a.Attributes == nil {
				a.Attributes = map[string]any{}
			}
			if _, ok := a.Attributes[l.OIDField]; ok {
				addResults = append(addResults, map[string]any{
					"objectId": nil, "success": false,
					"error": map[string]any{"code": 1001, "description": "object id supplied"},
				})
				continue
			}
			g, _ := arcgis.DecodeGeometry(a.Geometry, model.WGS84)
			id := l.nextID
			l.nextID++
			a.Attributes[l.OIDField] = int64(id)
			l.features[id] = model.Feature{ID: id, Attributes: a.Attributes, Geometry: g}
			addResults = append(addResults, map[string]any{"objectId": int64(id), "success": true})
		}
		l.failAddsAfter = -1
	}

	deleteResults := []map[string]any{}
	for _, id := range parseIDs(r.FormValue("deletes")) {
		_, exists := l.features[id]
		if l.failDeletes || !exists {
			deleteResults = append(deleteResults, map[string]any{
				"objectId": int64(id), "success": false,
				"error": map[string]any{"code": 1002, "description": "delete rejected"},
			})
			continue
		}
		delete(l.features, id)
		delete(l.attachments, id)
		deleteResults = append(deleteResults, map[string]any{"objectId": int64(id), "success": true})
	}

	writeJSON(w, map[string]any{"addResults": addResults, "deleteResults": deleteResults})
}

func (l *Layer) queryAttachments(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	groups := []map[string]any{}
	for _, id := range parseIDs(r.FormValue("objectIds")) {
		atts := l.attachments[id]
		if len(atts) == 0 {
			continue
		}
		infos := make([]arcgis.AttachmentInfo, 0, len(atts))
		for _, a := range atts {
			infos = append(infos, a.info)
		}
		groups = append(groups, map[string]any{"parentObjectId": int64(id), "attachmentInfos": infos})
	}
	writeJSON(w, map[string]any{"attachmentGroups": groups})
}

func (l *Layer) download(w http.ResponseWriter, op string) {
	parts := strings.Split(op, "/")
	if len(parts) != 3 {
		http.NotFound(w, nil)
		return
	}
	oid, _ := strconv.ParseInt(parts[0], 10, 64)
	aid, _ := strconv.ParseInt(parts[2], 10, 64)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.attachments[model.FeatureID(oid)] {
		if a.info.ID == aid {
			w.Header().Set("Content-Type", a.info.ContentType)
			_, _ = w.Write(a.data)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (l *Layer) addAttachment(w http.ResponseWriter, r *http.Request, rawOID string) {
	oid, _ := strconv.ParseInt(rawOID, 10, 64)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAttach {
		writeJSON(w, map[string]any{"addAttachmentResult": map[string]any{
			"objectId": nil, "success": false,
			"error": map[string]any{"code": 1003, "description": "attachment rejected"},
		}})
		return
	}
	file, hdr, err := r.FormFile("attachment")
	if err != nil {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": err.Error()}})
		return
	}
	defer func() { _ = file.Close() }()
	data, _ := io.ReadAll(file)

	id := l.nextAttID
	l.nextAttID++
	l.attachments[model.FeatureID(oid)] = append(l.attachments[model.FeatureID(oid)], attachment{
		info: arcgis.AttachmentInfo{ID: id, Name: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Size: int64(len(data))},
		data: data,
	})
	writeJSON(w, map[string]any{"addAttachmentResult": map[string]any{"objectId": id, "success": true}})
}

func parseIDs(s string) []model.FeatureID {
	var out []model.FeatureID
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, model.FeatureID(n))
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
