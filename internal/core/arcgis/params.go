package arcgis

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

// Query describes a layer query. Geometry and ObjectIDs may be combined.
type Query struct {
	Geometry       *model.Geometry
	ObjectIDs      []model.FeatureID
	Where          string
	OutFields      []string
	ReturnGeometry bool
	IDsOnly        bool
	OutWKID        int
}

// BuildQueryParams renders q as form values for the layer /query endpoint.
func BuildQueryParams(q Query) (url.Values, error) {
	params := url.Values{}
	params.Set("f", "json")

	where := strings.TrimSpace(q.Where)
	if where == "" {
		where = "1=1"
	}
	params.Set("where", where)

	if q.Geometry != nil {
		typ, raw, err := EncodeGeometry(*q.Geometry)
		if err != nil {
			return nil, err
		}
		params.Set("geometry", string(raw))
		params.Set("geometryType", typ)
		params.Set("inSR", strconv.Itoa(q.Geometry.SpatialRef()))
		params.Set("spatialRel", "esriSpatialRelIntersects")
	}
	if len(q.ObjectIDs) > 0 {
		params.Set("objectIds", JoinIDs(q.ObjectIDs))
	}

	if q.IDsOnly {
		params.Set("returnIdsOnly", "true")
		return params, nil
	}

	fields := "*"
	if len(q.OutFields) > 0 {
		fields = strings.Join(q.OutFields, ",")
	}
	params.Set("outFields", fields)
	params.Set("returnGeometry", strconv.FormatBool(q.ReturnGeometry))
	if q.ReturnGeometry && q.OutWKID != 0 {
		params.Set("outSR", strconv.Itoa(q.OutWKID))
	}
	return params, nil
}

func JoinIDs(ids []model.FeatureID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

type editFeature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
}

// BuildApplyEditsParams renders adds and deletes for the layer /applyEdits
// endpoint. Add features are sent without identity fields.
func BuildApplyEditsParams(adds []model.Feature, deletes []model.FeatureID) (url.Values, error) {
	params := url.Values{}
	params.Set("f", "json")
	params.Set("rollbackOnFailure", "false")

	if len(adds) > 0 {
		out := make([]editFeature, 0, len(adds))
		for _, f := range adds {
			ef := editFeature{Attributes: f.Attributes}
			if ef.Attributes == nil {
				ef.Attributes = map[string]any{}
			}
			if f.Geometry != nil {
				_, raw, err := EncodeGeometry(*f.Geometry)
				if err != nil {
					return nil, fmt.Errorf("feature %d: %w", f.ID, err)
				}
				ef.Geometry = raw
			}
			out = append(out, ef)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode adds: %w", err)
		}
		params.Set("adds", string(b))
	}
	if len(deletes) > 0 {
		params.Set("deletes", JoinIDs(deletes))
	}
	return params, nil
}
