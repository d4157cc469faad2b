// Package selector finds the staging features that intersect a query
// geometry, honouring the session's jurisdiction constraint.
package selector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
)

// ErrUnavailable wraps any failure of the feature service. No partial
// result accompanies it.
var ErrUnavailable = errors.New("selector unavailable")

const (
	maxParallelParts = 4
	fetchBatch       = 500
)

type Layer interface {
	Query(ctx context.Context, q arcgis.Query) ([]model.Feature, error)
	QueryIDs(ctx context.Context, q arcgis.Query) ([]model.FeatureID, error)
	ObjectIDField() string
}

type Selector struct {
	layer  Layer
	logger *slog.Logger
}

func New(layer Layer, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{layer: layer, logger: logger}
}

// Select returns the sorted, de-duplicated ids of features intersecting
// geom and, when constraint is non-nil, also intersecting constraint.
func (s *Selector) Select(ctx context.Context, geom model.Geometry, constraint *model.Geometry) ([]model.FeatureID, error) {
	if constraint != nil && geometry.IsEmpty(constraint.Geom) {
		observability.IncSelectorQuery("empty")
		return nil, nil
	}
	parts, err := geometry.Parts(geom.Geom)
	if err != nil {
		return nil, err
	}
	if constraint != nil {
		parts, err = s.prune(parts, geom.SpatialRef(), *constraint)
		if err != nil {
			return nil, err
		}
	}
	if len(parts) == 0 {
		observability.IncSelectorQuery("empty")
		return nil, nil
	}

	results := make([][]model.FeatureID, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelParts)
	for i, part := range parts {
		pg := model.NewGeometry(part, geom.SpatialRef())
		g.Go(func() error {
			ids, err := s.queryPart(gctx, pg, constraint)
			if err != nil {
				return err
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.IncSelectorQuery("error")
		s.logger.WarnContext(ctx, "selection query failed", "layer", s.layerName(), "parts", len(parts), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	out := mergeIDs(results)
	if len(out) == 0 {
		observability.IncSelectorQuery("empty")
	} else {
		observability.IncSelectorQuery("ok")
	}
	return out, nil
}

// prune drops query parts that cannot meet the constraint at all.
func (s *Selector) prune(parts []orb.Polygon, wkid int, constraint model.Geometry) ([]orb.Polygon, error) {
	out := parts[:0:0]
	for _, p := range parts {
		ok, err := geometry.IntersectsIn(constraint, model.NewGeometry(p, wkid))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Selector) queryPart(ctx context.Context, part model.Geometry, constraint *model.Geometry) ([]model.FeatureID, error) {
	if constraint == nil {
		return s.layer.QueryIDs(ctx, arcgis.Query{Geometry: &part})
	}
	feats, err := s.layer.Query(ctx, arcgis.Query{
		Geometry:       &part,
		OutFields:      []string{s.layer.ObjectIDField()},
		ReturnGeometry: true,
		OutWKID:        constraint.SpatialRef(),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]model.FeatureID, 0, len(feats))
	for _, f := range feats {
		if f.Geometry == nil {
			continue
		}
		ok, err := geometry.IntersectsIn(*constraint, *f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", f.ID, err)
		}
		if ok {
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

// Fetch returns the full records for ids, ordered by id. Ids that do not
// exist are absent from the result.
func (s *Selector) Fetch(ctx context.Context, ids []model.FeatureID) ([]model.Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.Feature
	for batch := range slices.Chunk(ids, fetchBatch) {
		feats, err := s.layer.Query(ctx, arcgis.Query{ObjectIDs: batch, ReturnGeometry: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		out = append(out, feats...)
	}
	slices.SortFunc(out, func(a, b model.Feature) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Selector) layerName() string {
	if n, ok := s.layer.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "staging"
}

func mergeIDs(parts [][]model.FeatureID) []model.FeatureID {
	var out []model.FeatureID
	for _, p := range parts {
		out = append(out, p...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
