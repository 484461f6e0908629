package models

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Location `json:"bottomLeft"`
	TopRight   Location `json:"topRight"`
}

// BoundFromOrb converts an orb bound (x=lon, y=lat) to a BoundingBox
func BoundFromOrb(b orb.Bound) BoundingBox {
	return BoundingBox{
		BottomLeft: Location{Lat: b.Min.Lat(), Lon: b.Min.Lon()},
		TopRight:   Location{Lat: b.Max.Lat(), Lon: b.Max.Lon()},
	}
}

// Orb returns the box as an orb bound
func (b BoundingBox) Orb() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.BottomLeft.Lon, b.BottomLeft.Lat},
		Max: orb.Point{b.TopRight.Lon, b.TopRight.Lat},
	}
}

// Valid reports whether every corner is finite and inside WGS84 ranges and
// the corners are ordered.
func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.BottomLeft.Lat, b.BottomLeft.Lon, b.TopRight.Lat, b.TopRight.Lon} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.BottomLeft.Lat < -90 || b.TopRight.Lat > 90 {
		return false
	}
	if b.BottomLeft.Lon < -180 || b.TopRight.Lon > 180 {
		return false
	}
	return b.BottomLeft.Lat <= b.TopRight.Lat && b.BottomLeft.Lon <= b.TopRight.Lon
}

// Style holds the rendering hints attached to a layer
type Style struct {
	FillColor   string  `json:"fillColor" yaml:"fill_color"`
	StrokeColor string  `json:"strokeColor" yaml:"stroke_color"`
	StrokeWidth float64 `json:"strokeWidth" yaml:"stroke_width"`
	PointRadius float64 `json:"pointRadius" yaml:"point_radius"`
	Opacity     float64 `json:"opacity" yaml:"opacity"`
}

// DefaultStyle is applied to uploaded layers that do not carry their own
func DefaultStyle() Style {
	return Style{
		FillColor:   "rgb(66, 179, 244)",
		StrokeColor: "#66ff33",
		StrokeWidth: 2,
		PointRadius: 7,
		Opacity:     0.7,
	}
}

// LayerInfo is the public summary of a catalog layer
type LayerInfo struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Source       string       `json:"source,omitempty"`
	FeatureCount int          `json:"numberOfFeatures"`
	Extent       *BoundingBox `json:"extent,omitempty"`
	Fittable     bool         `json:"fittable"`
	Style        Style        `json:"style"`
	Visible      bool         `json:"visible"`
	Temporary    bool         `json:"temporary"`
	Removable    bool         `json:"isRemovable"`
	Selectable   bool         `json:"isSelectable"`
	CreatedAt    time.Time    `json:"createdAt"`
}
