package baas

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
)

func TestMuseumBoundary(t *testing.T) {
	cases := []struct {
		name    string
		geojson string
		absent  bool
		empty   bool
		wantErr bool
	}{
		{name: "no geojson", geojson: ``, absent: true},
		{name: "null", geojson: `null`, absent: true},
		{name: "open ring is closed", geojson: `{"geometry":{"coordinates":[[[0,0],[1,0],[1,1],[0,1]]]}}`},
		{name: "empty ring", geojson: `{"geometry":{"coordinates":[[]]}}`, empty: true},
		{name: "no rings", geojson: `{"geometry":{"coordinates":[]}}`, empty: true},
		{name: "too few points", geojson: `{"geometry":{"coordinates":[[[0,0],[1,1]]]}}`, wantErr: true},
		{name: "not coordinates", geojson: `{"geometry":{"coordinates":"x"}}`, wantErr: true},
		{name: "no geometry", geojson: `{"type":"Feature"}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Museum{ID: "m", GeoJSON: json.RawMessage(tc.geojson)}
			b, err := m.Boundary()
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedBoundary) {
					t.Fatalf("err=%v want ErrMalformedBoundary", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Boundary: %v", err)
			}
			if tc.absent {
				if b != nil {
					t.Fatalf("boundary=%v want absent", b)
				}
				return
			}
			if b == nil {
				t.Fatal("boundary absent")
			}
			if got := geometry.IsEmpty(b.Geom); got != tc.empty {
				t.Fatalf("IsEmpty=%v want %v", got, tc.empty)
			}
		})
	}
}
