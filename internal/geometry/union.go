// Package geometry combines sketch geometries and evaluates the spatial
// predicates used when scoping selections.
package geometry

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/peterstace/simplefeatures/geom"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

var (
	ErrNoGeometry         = errors.New("geometry: nothing to union")
	ErrSpatialRefMismatch = errors.New("geometry: spatial references differ and cannot be reprojected")
	ErrNotPolygonal       = errors.New("geometry: only polygonal geometries can be unioned")
	ErrInvalidGeometry    = errors.New("geometry: invalid geometry")
)

// Union combines sketch polygons into one query geometry whose point set is
// the union of the inputs. A single input is returned unchanged.
func Union(ctx context.Context, geoms []model.Geometry) (model.Geometry, error) {
	switch len(geoms) {
	case 0:
		return model.Geometry{}, ErrNoGeometry
	case 1:
		return geoms[0], nil
	}

	target := geoms[0].SpatialRef()
	var polys []orb.Polygon
	for i, g := range geoms {
		if err := ctx.Err(); err != nil {
			return model.Geometry{}, fmt.Errorf("union: %w", err)
		}
		rg, err := Reproject(g, target)
		if err != nil {
			return model.Geometry{}, fmt.Errorf("union input %d: %w", i, err)
		}
		parts, err := Parts(rg.Geom)
		if err != nil {
			return model.Geometry{}, fmt.Errorf("union input %d: %w", i, err)
		}
		polys = append(polys, parts...)
	}
	if len(polys) == 0 {
		return model.Geometry{}, ErrNoGeometry
	}

	acc, err := toSF(polys[0])
	if err != nil {
		return model.Geometry{}, fmt.Errorf("union input: %w", err)
	}
	for _, p := range polys[1:] {
		if err := ctx.Err(); err != nil {
			return model.Geometry{}, fmt.Errorf("union: %w", err)
		}
		next, err := toSF(p)
		if err != nil {
			return model.Geometry{}, fmt.Errorf("union input: %w", err)
		}
		if acc, err = geom.Union(acc, next); err != nil {
			return model.Geometry{}, fmt.Errorf("%w: %w", ErrInvalidGeometry, err)
		}
	}

	merged, err := fromSF(acc)
	if err != nil {
		return model.Geometry{}, err
	}
	parts, err := Parts(merged)
	if err != nil {
		return model.Geometry{}, err
	}
	switch len(parts) {
	case 0:
		return model.Geometry{}, ErrNoGeometry
	case 1:
		return model.NewGeometry(parts[0], target), nil
	}
	return model.NewGeometry(orb.MultiPolygon(parts), target), nil
}

// Parts flattens polygonal geometries into their polygons.
func Parts(g orb.Geometry) ([]orb.Polygon, error) {
	switch t := g.(type) {
	case nil:
		return nil, nil
	case orb.Polygon:
		if len(t) == 0 {
			return nil, nil
		}
		return []orb.Polygon{t}, nil
	case orb.MultiPolygon:
		out := make([]orb.Polygon, 0, len(t))
		for _, p := range t {
			if len(p) > 0 {
				out = append(out, p)
			}
		}
		return out, nil
	case orb.Ring:
		return []orb.Polygon{{t}}, nil
	case orb.Bound:
		return []orb.Polygon{t.ToPolygon()}, nil
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range t {
			p, err := Parts(c)
			if err != nil {
				return nil, err
			}
			out = append(out, p...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: got %s", ErrNotPolygonal, g.GeoJSONType())
	}
}

// Reproject converts g into the target spatial reference. Only WGS84 and
// web mercator are supported.
func Reproject(g model.Geometry, target int) (model.Geometry, error) {
	from := canonical(g.SpatialRef())
	to := canonical(target)
	if from == to {
		return model.NewGeometry(g.Geom, target), nil
	}
	if g.Geom == nil {
		return model.NewGeometry(nil, target), nil
	}
	switch {
	case from == model.WGS84 && to == model.WebMercator:
		return model.NewGeometry(project.Geometry(orb.Clone(g.Geom), project.WGS84.ToMercator), target), nil
	case from == model.WebMercator && to == model.WGS84:
		return model.NewGeometry(project.Geometry(orb.Clone(g.Geom), project.Mercator.ToWGS84), target), nil
	default:
		return model.Geometry{}, fmt.Errorf("%w: %d -> %d", ErrSpatialRefMismatch, g.SpatialRef(), target)
	}
}

func canonical(wkid int) int {
	if wkid == model.WebMercatorEsr {
		return model.WebMercator
	}
	return wkid
}

// IsEmpty reports whether g covers no area or points at all.
func IsEmpty(g orb.Geometry) bool {
	return normalize(g) == nil
}
