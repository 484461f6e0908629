package formats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

type crsMember struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

type geojsonHeader struct {
	Type string     `json:"type"`
	CRS  *crsMember `json:"crs"`
}

// decodeGeoJSON accepts a FeatureCollection, a single Feature or a bare
// geometry. Legacy crs members naming web mercator are reprojected to
// WGS84; any other non-WGS84 crs is rejected.
func decodeGeoJSON(data []byte) (*geojson.FeatureCollection, error) {
	var head geojsonHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, parseErr(GeoJSON, err)
	}

	mercator, err := checkCRS(head.CRS)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	switch head.Type {
	case "FeatureCollection":
		decoded, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, parseErr(GeoJSON, err)
		}
		for _, f := range decoded.Features {
			if f != nil {
				fc.Append(f)
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, parseErr(GeoJSON, err)
		}
		fc.Append(f)
	case "Point", "MultiPoint", "LineString", "MultiLineString", "Polygon", "MultiPolygon", "GeometryCollection":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, parseErr(GeoJSON, err)
		}
		fc.Append(geojson.NewFeature(g.Geometry()))
	default:
		return nil, parseErr(GeoJSON, fmt.Errorf("unknown type %q", head.Type))
	}

	for _, f := range fc.Features {
		if f.Properties == nil {
			f.Properties = make(geojson.Properties)
		}
		if mercator && f.Geometry != nil {
			f.Geometry = project.Geometry(f.Geometry, project.Mercator.ToWGS84)
			f.BBox = nil
		}
	}
	return fc, nil
}

// checkCRS reports whether coordinates are web mercator
func checkCRS(crs *crsMember) (bool, error) {
	if crs == nil || crs.Properties.Name == "" {
		return false, nil
	}

	name := strings.ToUpper(crs.Properties.Name)
	switch {
	case strings.HasSuffix(name, "CRS84"), strings.HasSuffix(name, ":4326"):
		return false, nil
	case strings.HasSuffix(name, ":3857"), strings.HasSuffix(name, ":900913"), strings.HasSuffix(name, ":3785"):
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedProjection, crs.Properties.Name)
}
