// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Well-known spatial reference ids.
const (
	WGS84          = 4326
	WebMercator    = 3857
	WebMercatorEsr = 102100
)

// Geometry is a geometry value tagged with its spatial reference.
type Geometry struct {
	Geom orb.Geometry
	WKID int
}

func NewGeometry(g orb.Geometry, wkid int) Geometry {
	return Geometry{Geom: g, WKID: wkid}
}

// SpatialRef returns the wkid, defaulting to WGS84 when unset.
func (g Geometry) SpatialRef() int {
	if g.WKID == 0 {
		return WGS84
	}
	return g.WKID
}

func (g Geometry) IsZero() bool { return g.Geom == nil }

// MarshalJSON writes a GeoJSON geometry object with an extra "wkid" member.
func (g Geometry) MarshalJSON() ([]byte, error) {
	if g.Geom == nil {
		return []byte("null"), nil
	}
	raw, err := geojson.NewGeometry(g.Geom).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal geometry: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("marshal geometry: %w", err)
	}
	m["wkid"] = json.RawMessage(strconv.Itoa(g.SpatialRef()))
	return json.Marshal(m)
}

func (g *Geometry) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*g = Geometry{}
		return nil
	}
	var hdr struct {
		WKID int `json:"wkid"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return fmt.Errorf("parse geometry: %w", err)
	}
	gg, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return fmt.Errorf("parse geometry: %w", err)
	}
	g.Geom = gg.Geometry()
	g.WKID = hdr.WKID
	if g.WKID == 0 {
		g.WKID = WGS84
	}
	return nil
}

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching the bbox query parameter format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

// Geometry returns the rectangle as a closed polygon in EPSG:4326.
func (b BBox) Geometry() Geometry {
	bound := orb.Bound{Min: orb.Point{b.X1, b.Y1}, Max: orb.Point{b.X2, b.Y2}}
	return Geometry{Geom: bound.ToPolygon(), WKID: WGS84}
}

// FeatureID is the object id of a feature, unique within one dataset.
type FeatureID int64

func (id FeatureID) String() string { return strconv.FormatInt(int64(id), 10) }

type Feature struct {
	ID         FeatureID      `json:"id"`
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
}

// MapCoordinate is a pin/zoom location. (0,0) is the null sentinel.
type MapCoordinate struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	WKID int     `json:"wkid,omitempty"`
}

func NewMapCoordinate(lat, lng float64) MapCoordinate {
	return MapCoordinate{Lat: lat, Lng: lng, WKID: WGS84}
}

func (c MapCoordinate) IsNull() bool { return c.Lat == 0 && c.Lng == 0 }

func (c MapCoordinate) Point() Geometry {
	wkid := c.WKID
	if wkid == 0 {
		wkid = WGS84
	}
	return Geometry{Geom: orb.Point{c.Lng, c.Lat}, WKID: wkid}
}

// Credential is a short-lived bearer token for feature service calls.
// It lives in memory only.
type Credential struct {
	AccessToken string
	Server      string
	ExpiresAt   time.Time
}

func (c Credential) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// String never prints the token.
func (c Credential) String() string {
	return fmt.Sprintf("credential(server=%s, expires=%s)", c.Server, c.ExpiresAt.Format(time.RFC3339))
}

// Capabilities switch optional parts of the selection/promotion workflow.
type Capabilities struct {
	Jurisdiction bool `json:"jurisdiction"`
	Production   bool `json:"production"`
	Attachments  bool `json:"attachments"`
}
