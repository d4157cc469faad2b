package geometry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

func TestIntersects(t *testing.T) {
	square := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}.ToPolygon()
	withHole := orb.Polygon{
		square[0],
		orb.Bound{Min: orb.Point{4, 4}, Max: orb.Point{6, 6}}.ToPolygon()[0],
	}

	cases := []struct {
		name string
		a, b orb.Geometry
		want bool
	}{
		{"point inside", square, orb.Point{5, 5}, true},
		{"point outside", square, orb.Point{11, 5}, false},
		{"point on edge", square, orb.Point{10, 5}, true},
		{"point in hole", withHole, orb.Point{5, 5}, false},
		{"overlapping squares", square, orb.Bound{Min: orb.Point{9, 9}, Max: orb.Point{12, 12}}.ToPolygon(), true},
		{"contained square", square, orb.Bound{Min: orb.Point{2, 2}, Max: orb.Point{3, 3}}.ToPolygon(), true},
		{"container square", orb.Bound{Min: orb.Point{2, 2}, Max: orb.Point{3, 3}}.ToPolygon(), square, true},
		{"disjoint squares", square, orb.Bound{Min: orb.Point{20, 20}, Max: orb.Point{30, 30}}.ToPolygon(), false},
		{"crossing without vertices inside", orb.Bound{Min: orb.Point{-1, 4}, Max: orb.Point{11, 6}}.ToPolygon(), orb.Bound{Min: orb.Point{4, -1}, Max: orb.Point{6, 11}}.ToPolygon(), true},
		{"line through", square, orb.LineString{{-5, 5}, {15, 5}}, true},
		{"line outside", square, orb.LineString{{-5, 15}, {15, 15}}, false},
		{"multipoint one inside", square, orb.MultiPoint{{20, 20}, {1, 1}}, true},
		{"nil", square, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Intersects(tc.a, tc.b); got != tc.want {
				t.Fatalf("Intersects=%v want %v", got, tc.want)
			}
			if got := Intersects(tc.b, tc.a); got != tc.want {
				t.Fatalf("Intersects (swapped)=%v want %v", got, tc.want)
			}
		})
	}
}

func TestIntersectsIn_ReprojectsSecondOperand(t *testing.T) {
	boundary := model.NewGeometry(orb.Bound{Min: orb.Point{10, 50}, Max: orb.Point{11, 51}}.ToPolygon(), model.WGS84)
	inside := model.NewGeometry(project.Point(orb.Point{10.5, 50.5}, project.WGS84.ToMercator), model.WebMercatorEsr)
	outside := model.NewGeometry(project.Point(orb.Point{12.5, 50.5}, project.WGS84.ToMercator), model.WebMercator)

	if ok, err := IntersectsIn(boundary, inside); err != nil || !ok {
		t.Fatalf("inside: ok=%v err=%v", ok, err)
	}
	if ok, err := IntersectsIn(boundary, outside); err != nil || ok {
		t.Fatalf("outside: ok=%v err=%v", ok, err)
	}
	if _, err := IntersectsIn(boundary, model.NewGeometry(orb.Point{1, 1}, 27700)); err == nil {
		t.Fatal("expected error for unsupported spatial reference")
	}
}
