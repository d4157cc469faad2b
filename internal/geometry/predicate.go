package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/peterstace/simplefeatures/geom"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

// IntersectsIn tests a against b after moving b into a's spatial reference.
func IntersectsIn(a, b model.Geometry) (bool, error) {
	if canonical(a.SpatialRef()) != canonical(b.SpatialRef()) {
		var err error
		if b, err = Reproject(b, a.SpatialRef()); err != nil {
			return false, err
		}
	}
	ga, err := toSF(a.Geom)
	if err != nil {
		return false, err
	}
	gb, err := toSF(b.Geom)
	if err != nil {
		return false, err
	}
	return geom.Intersects(ga, gb), nil
}

// Intersects reports whether a and b share at least one point. Boundaries
// count as shared. Geometries that cannot be decoded intersect nothing.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	ga, err := toSF(a)
	if err != nil {
		return false
	}
	gb, err := toSF(b)
	if err != nil {
		return false
	}
	return geom.Intersects(ga, gb)
}

// toSF moves g into simplefeatures through WKB. Degenerate parts are
// dropped first; nothing left yields the empty geometry.
func toSF(g orb.Geometry) (geom.Geometry, error) {
	g = normalize(g)
	if g == nil {
		return geom.Geometry{}, nil
	}
	b, err := wkb.Marshal(g)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("%w: encode %s: %w", ErrInvalidGeometry, g.GeoJSONType(), err)
	}
	out, err := geom.UnmarshalWKB(b)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("%w: %w", ErrInvalidGeometry, err)
	}
	return out, nil
}

func fromSF(g geom.Geometry) (orb.Geometry, error) {
	if g.IsEmpty() {
		return nil, nil
	}
	out, err := wkb.Unmarshal(g.AsBinary())
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidGeometry, err)
	}
	return out, nil
}

// normalize rewrites rings and bounds as polygons and drops parts too
// short to be valid. It returns nil when nothing remains.
func normalize(g orb.Geometry) orb.Geometry {
	switch t := g.(type) {
	case orb.Point:
		return t
	case orb.MultiPoint:
		if len(t) == 0 {
			return nil
		}
		return t
	case orb.LineString:
		switch len(t) {
		case 0:
			return nil
		case 1:
			return t[0]
		}
		return t
	case orb.MultiLineString:
		out := make(orb.MultiLineString, 0, len(t))
		for _, l := range t {
			if len(l) >= 2 {
				out = append(out, l)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.Ring:
		if p, ok := cleanPolygon(orb.Polygon{t}); ok {
			return p
		}
	case orb.Polygon:
		if p, ok := cleanPolygon(t); ok {
			return p
		}
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(t))
		for _, p := range t {
			if c, ok := cleanPolygon(p); ok {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.Bound:
		return t.ToPolygon()
	case orb.Collection:
		out := make(orb.Collection, 0, len(t))
		for _, c := range t {
			if n := normalize(c); n != nil {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

func cleanPolygon(p orb.Polygon) (orb.Polygon, bool) {
	if len(p) == 0 || len(p[0]) < 4 {
		return nil, false
	}
	out := orb.Polygon{p[0]}
	for _, hole := range p[1:] {
		if len(hole) >= 4 {
			out = append(out, hole)
		}
	}
	return out, true
}
