package arcgis

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

const (
	GeometryPoint      = "esriGeometryPoint"
	GeometryMultipoint = "esriGeometryMultipoint"
	GeometryPolyline   = "esriGeometryPolyline"
	GeometryPolygon    = "esriGeometryPolygon"
	GeometryEnvelope   = "esriGeometryEnvelope"
)

type spatialReference struct {
	WKID       int `json:"wkid,omitempty"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

type esriGeometry struct {
	X                *float64          `json:"x,omitempty"`
	Y                *float64          `json:"y,omitempty"`
	XMin             *float64          `json:"xmin,omitempty"`
	YMin             *float64          `json:"ymin,omitempty"`
	XMax             *float64          `json:"xmax,omitempty"`
	YMax             *float64          `json:"ymax,omitempty"`
	Points           [][]float64       `json:"points,omitempty"`
	Paths            [][][]float64     `json:"paths,omitempty"`
	Rings            [][][]float64     `json:"rings,omitempty"`
	SpatialReference *spatialReference `json:"spatialReference,omitempty"`
}

// EncodeGeometry converts g into esri JSON and reports its esri geometry type.
// Polygon rings are written clockwise (outer) and counter-clockwise (holes).
func EncodeGeometry(g model.Geometry) (string, json.RawMessage, error) {
	out := esriGeometry{SpatialReference: &spatialReference{WKID: g.SpatialRef()}}
	var typ string

	switch t := g.Geom.(type) {
	case orb.Point:
		x, y := t.X(), t.Y()
		out.X, out.Y = &x, &y
		typ = GeometryPoint
	case orb.MultiPoint:
		for _, p := range t {
			out.Points = append(out.Points, []float64{p.X(), p.Y()})
		}
		typ = GeometryMultipoint
	case orb.LineString:
		out.Paths = [][][]float64{path(t)}
		typ = GeometryPolyline
	case orb.MultiLineString:
		for _, l := range t {
			out.Paths = append(out.Paths, path(l))
		}
		typ = GeometryPolyline
	case orb.Bound:
		out.Rings = polygonRings(t.ToPolygon())
		typ = GeometryPolygon
	case orb.Polygon:
		out.Rings = polygonRings(t)
		typ = GeometryPolygon
	case orb.MultiPolygon:
		for _, p := range t {
			out.Rings = append(out.Rings, polygonRings(p)...)
		}
		typ = GeometryPolygon
	case nil:
		return "", nil, errors.New("encode geometry: nil geometry")
	default:
		return "", nil, fmt.Errorf("encode geometry: unsupported type %s", t.GeoJSONType())
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", nil, fmt.Errorf("encode geometry: %w", err)
	}
	return typ, b, nil
}

func path(l orb.LineString) [][]float64 {
	out := make([][]float64, 0, len(l))
	for _, p := range l {
		out = append(out, []float64{p.X(), p.Y()})
	}
	return out
}

func polygonRings(p orb.Polygon) [][][]float64 {
	out := make([][][]float64, 0, len(p))
	for i, r := range p {
		want := orb.CW
		if i > 0 {
			want = orb.CCW
		}
		ring := r
		if r.Orientation() != want {
			ring = slices.Clone(r)
			ring.Reverse()
		}
		out = append(out, path(orb.LineString(ring)))
	}
	return out
}

// DecodeGeometry parses esri JSON. Clockwise rings start a new polygon and
// counter-clockwise rings are holes of the preceding one.
func DecodeGeometry(raw json.RawMessage, defaultWKID int) (*model.Geometry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var eg esriGeometry
	if err := json.Unmarshal(raw, &eg); err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	wkid := defaultWKID
	if sr := eg.SpatialReference; sr != nil {
		switch {
		case sr.LatestWKID != 0:
			wkid = sr.LatestWKID
		case sr.WKID != 0:
			wkid = sr.WKID
		}
	}

	var g orb.Geometry
	switch {
	case eg.X != nil && eg.Y != nil:
		g = orb.Point{*eg.X, *eg.Y}
	case eg.XMin != nil && eg.YMin != nil && eg.XMax != nil && eg.YMax != nil:
		g = orb.Bound{Min: orb.Point{*eg.XMin, *eg.YMin}, Max: orb.Point{*eg.XMax, *eg.YMax}}.ToPolygon()
	case len(eg.Points) > 0:
		mp := make(orb.MultiPoint, 0, len(eg.Points))
		for _, p := range eg.Points {
			pt, err := toPoint(p)
			if err != nil {
				return nil, err
			}
			mp = append(mp, pt)
		}
		g = mp
	case len(eg.Paths) > 0:
		ml := make(orb.MultiLineString, 0, len(eg.Paths))
		for _, p := range eg.Paths {
			ls, err := toLine(p)
			if err != nil {
				return nil, err
			}
			ml = append(ml, ls)
		}
		if len(ml) == 1 {
			g = ml[0]
		} else {
			g = ml
		}
	case len(eg.Rings) > 0:
		var polys orb.MultiPolygon
		for _, r := range eg.Rings {
			ls, err := toLine(r)
			if err != nil {
				return nil, err
			}
			ring := orb.Ring(ls)
			if len(ring) < 4 {
				return nil, errors.New("decode geometry: ring has < 4 points")
			}
			if ring.Orientation() == orb.CCW && len(polys) > 0 {
				polys[len(polys)-1] = append(polys[len(polys)-1], ring)
				continue
			}
			polys = append(polys, orb.Polygon{ring})
		}
		if len(polys) == 1 {
			g = polys[0]
		} else {
			g = polys
		}
	default:
		return nil, nil
	}

	out := model.NewGeometry(g, wkid)
	return &out, nil
}

func toPoint(p []float64) (orb.Point, error) {
	if len(p) < 2 {
		return orb.Point{}, errors.New("decode geometry: coordinate must have x and y")
	}
	return orb.Point{p[0], p[1]}, nil
}

func toLine(coords [][]float64) (orb.LineString, error) {
	ls := make(orb.LineString, 0, len(coords))
	for _, c := range coords {
		pt, err := toPoint(c)
		if err != nil {
			return nil, err
		}
		ls = append(ls, pt)
	}
	return ls, nil
}
