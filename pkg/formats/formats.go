// Package formats converts vector files into GeoJSON feature collections
// and encodes collections for export.
package formats

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kass/go-geo-explorer/pkg/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Format identifies an input file format
type Format string

const (
	GeoJSON Format = "geojson"
	KML     Format = "kml"
	GPX     Format = "gpx"
	GeoRSS  Format = "georss"
)

// All lists the formats Decode understands
var All = []Format{GeoJSON, KML, GPX, GeoRSS}

var (
	ErrUnsupportedFormat     = errors.New("unsupported format")
	ErrUnsupportedProjection = errors.New("unsupported projection")
	ErrNoFeatures            = errors.New("no features found")
)

// ParseError wraps a decoder failure with the format that was attempted
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var suffixes = map[string]Format{
	"geojson": GeoJSON,
	"json":    GeoJSON,
	"kml":     KML,
	"gpx":     GPX,
	"georss":  GeoRSS,
	"rss":     GeoRSS,
	"xml":     GeoRSS,
	"atom":    GeoRSS,
}

// FromSuffix maps a file suffix such as ".kml" or "gpx" to a format
func FromSuffix(suffix string) (Format, error) {
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(suffix), "."))
	if f, ok := suffixes[key]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, suffix)
}

// Detect picks the format from a file name extension
func Detect(filename string) (Format, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, filename)
	}
	return FromSuffix(ext)
}

// Decode converts data in the given format into a feature collection
func Decode(format Format, data []byte) (*geojson.FeatureCollection, error) {
	switch format {
	case GeoJSON:
		return decodeGeoJSON(data)
	case KML:
		return decodeKML(data)
	case GPX:
		return decodeGPX(data)
	case GeoRSS:
		return decodeGeoRSS(data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Extent returns the union of all feature bounds. The bool is false when
// no feature has a geometry or the extent is not a finite WGS84 box, in
// which case a map should not be fitted to it.
func Extent(fc *geojson.FeatureCollection) (models.BoundingBox, bool) {
	if fc == nil {
		return models.BoundingBox{}, false
	}

	var bound orb.Bound
	found := false
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		if !found {
			bound = b
			found = true
			continue
		}
		bound = bound.Union(b)
	}
	if !found {
		return models.BoundingBox{}, false
	}

	box := models.BoundFromOrb(bound)
	return box, box.Valid()
}

func parseErr(format Format, err error) error {
	return &ParseError{Format: format, Err: err}
}
