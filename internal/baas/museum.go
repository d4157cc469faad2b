package baas

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

var ErrMalformedBoundary = errors.New("baas: malformed museum boundary")

type Museum struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Users   []string        `json:"users"`
	GeoJSON json.RawMessage `json:"geojson"`
}

type boundaryDoc struct {
	Geometry *struct {
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
}

// Boundary builds the jurisdiction polygon from the first coordinate ring of
// the museum's geojson geometry. A museum without geojson has no boundary
// (nil); an empty ring yields an empty polygon that admits nothing.
func (m *Museum) Boundary() (*model.Geometry, error) {
	if m == nil || len(m.GeoJSON) == 0 || string(m.GeoJSON) == "null" {
		return nil, nil
	}
	var doc boundaryDoc
	if err := json.Unmarshal(m.GeoJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBoundary, err)
	}
	if doc.Geometry == nil || len(doc.Geometry.Coordinates) == 0 {
		return nil, fmt.Errorf("%w: missing geometry.coordinates", ErrMalformedBoundary)
	}
	var rings [][][2]float64
	if err := json.Unmarshal(doc.Geometry.Coordinates, &rings); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBoundary, err)
	}
	if len(rings) == 0 || len(rings[0]) == 0 {
		return &model.Geometry{Geom: orb.Polygon{}, WKID: model.WGS84}, nil
	}

	ring := make(orb.Ring, 0, len(rings[0])+1)
	for _, c := range rings[0] {
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	if len(ring) < 4 {
		return nil, fmt.Errorf("%w: ring has %d points", ErrMalformedBoundary, len(ring))
	}
	return &model.Geometry{Geom: orb.Polygon{ring}, WKID: model.WGS84}, nil
}
