package selector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis/arcgistest"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

func box(x1, y1, x2, y2 float64) *model.Geometry {
	g := model.NewGeometry(orb.Bound{Min: orb.Point{x1, y1}, Max: orb.Point{x2, y2}}.ToPolygon(), model.WGS84)
	return &g
}

func pt(x, y float64) *model.Geometry {
	g := model.NewGeometry(orb.Point{x, y}, model.WGS84)
	return &g
}

func setup(t *testing.T) (*Selector, *arcgistest.Layer) {
	t.Helper()
	fake := arcgistest.NewLayer("OBJECTID")
	t.Cleanup(fake.Close)
	fake.Seed(model.Feature{ID: 3, Geometry: pt(1, 1)})
	fake.Seed(model.Feature{ID: 1, Geometry: pt(2, 2)})
	fake.Seed(model.Feature{ID: 7, Geometry: pt(6, 6)})
	fake.Seed(model.Feature{ID: 9, Geometry: box(4, 4, 12, 12)})
	fake.Seed(model.Feature{ID: 20, Geometry: pt(50, 50)})

	l, err := arcgis.NewLayer("staging", fake.URL(), http.DefaultClient, nil, "OBJECTID")
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	return New(l, nil), fake
}

func TestSelect_SortedAndDeduplicatedAcrossParts(t *testing.T) {
	s, fake := setup(t)
	q := model.NewGeometry(orb.MultiPolygon{
		box(0, 0, 3, 3).Geom.(orb.Polygon),
		box(5, 5, 7, 7).Geom.(orb.Polygon),
		box(8, 8, 9, 9).Geom.(orb.Polygon),
	}, model.WGS84)

	got, err := s.Select(context.Background(), q, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if want := []model.FeatureID{1, 3, 7, 9}; !slices.Equal(got, want) {
		t.Fatalf("ids=%v want %v", got, want)
	}
	if n := fake.Calls("query"); n != 3 {
		t.Fatalf("queries=%d want one per part", n)
	}
}

func TestSelect_EmptyResult(t *testing.T) {
	s, _ := setup(t)
	got, err := s.Select(context.Background(), *box(30, 30, 31, 31), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("ids=%v err=%v", got, err)
	}
}

func TestSelect_ConstraintExcludesFeaturesOutside(t *testing.T) {
	s, _ := setup(t)
	boundary := box(0, 0, 5, 5)

	got, err := s.Select(context.Background(), *box(0, 0, 100, 100), boundary)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// 9 overlaps the boundary, 7 and 20 lie entirely outside
	if want := []model.FeatureID{1, 3, 9}; !slices.Equal(got, want) {
		t.Fatalf("ids=%v want %v", got, want)
	}
}

func TestSelect_EmptyConstraintSkipsQuery(t *testing.T) {
	s, fake := setup(t)
	empty := model.NewGeometry(orb.Polygon{}, model.WGS84)

	got, err := s.Select(context.Background(), *box(0, 0, 100, 100), &empty)
	if err != nil || len(got) != 0 {
		t.Fatalf("ids=%v err=%v", got, err)
	}
	if fake.Calls("query") != 0 {
		t.Fatal("empty constraint must not query the service")
	}
}

func TestSelect_PartsOutsideConstraintArePruned(t *testing.T) {
	s, fake := setup(t)
	q := model.NewGeometry(orb.MultiPolygon{
		box(0, 0, 3, 3).Geom.(orb.Polygon),
		box(40, 40, 60, 60).Geom.(orb.Polygon),
	}, model.WGS84)

	got, err := s.Select(context.Background(), q, box(0, 0, 5, 5))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if want := []model.FeatureID{1, 3}; !slices.Equal(got, want) {
		t.Fatalf("ids=%v want %v", got, want)
	}
	if n := fake.Calls("query"); n != 1 {
		t.Fatalf("queries=%d want 1", n)
	}
}

func TestSelect_ServiceFailureIsUnavailable(t *testing.T) {
	s, fake := setup(t)
	fake.FailQueries(true)

	got, err := s.Select(context.Background(), *box(0, 0, 3, 3), nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if got != nil {
		t.Fatalf("partial result %v returned with error", got)
	}
}

type truncatingLayer struct{}

func (truncatingLayer) Query(context.Context, arcgis.Query) ([]model.Feature, error) {
	return nil, fmt.Errorf("staging query: %w", arcgis.ErrTruncated)
}

func (truncatingLayer) QueryIDs(context.Context, arcgis.Query) ([]model.FeatureID, error) {
	return []model.FeatureID{1}, nil
}

func (truncatingLayer) ObjectIDField() string { return "OBJECTID" }

func TestSelect_TruncatedResultIsUnavailable(t *testing.T) {
	s := New(truncatingLayer{}, nil)
	got, err := s.Select(context.Background(), *box(0, 0, 3, 3), box(0, 0, 10, 10))
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, arcgis.ErrTruncated) {
		t.Fatalf("err=%v want ErrUnavailable wrapping ErrTruncated", err)
	}
	if got != nil {
		t.Fatalf("partial result %v returned with error", got)
	}
}

func TestSelect_NonPolygonalQuery(t *testing.T) {
	s, _ := setup(t)
	if _, err := s.Select(context.Background(), *pt(1, 1), nil); err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want a geometry error", err)
	}
}

func TestFetch(t *testing.T) {
	s, _ := setup(t)
	feats, err := s.Fetch(context.Background(), []model.FeatureID{7, 1, 404})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(feats) != 2 || feats[0].ID != 1 || feats[1].ID != 7 {
		t.Fatalf("features=%+v", feats)
	}
	if feats[0].Geometry == nil {
		t.Fatal("geometry missing")
	}
}
