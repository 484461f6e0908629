package formats

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// decodeGeoRSS reads RSS or Atom feeds with GeoRSS simple encodings
// (point, line, polygon, box) or W3C geo lat/long elements
func decodeGeoRSS(data []byte) (*geojson.FeatureCollection, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, parseErr(GeoRSS, err)
	}

	fc := geojson.NewFeatureCollection()
	for i, item := range feed.Items {
		geom, err := itemGeometry(item.Extensions)
		if err != nil {
			return nil, parseErr(GeoRSS, fmt.Errorf("item %d: %w", i, err))
		}
		if geom == nil {
			continue
		}

		f := geojson.NewFeature(geom)
		if item.GUID != "" {
			f.ID = item.GUID
		}
		setText(f.Properties, "title", item.Title)
		setText(f.Properties, "description", item.Description)
		setText(f.Properties, "link", item.Link)
		if len(item.Categories) > 0 {
			f.Properties["categories"] = strings.Join(item.Categories, ", ")
		}
		switch {
		case item.PublishedParsed != nil:
			setTime(f.Properties, "published", *item.PublishedParsed)
		case item.UpdatedParsed != nil:
			setTime(f.Properties, "published", *item.UpdatedParsed)
		}
		fc.Append(f)
	}

	if len(fc.Features) == 0 {
		return nil, ErrNoFeatures
	}
	return fc, nil
}

func itemGeometry(extensions ext.Extensions) (orb.Geometry, error) {
	if georss, ok := extensions["georss"]; ok {
		if v := first(georss, "point"); v != "" {
			pts, err := parseLatLonList(v)
			if err != nil {
				return nil, err
			}
			if len(pts) != 1 {
				return nil, fmt.Errorf("georss:point has %d positions", len(pts))
			}
			return pts[0], nil
		}
		if v := first(georss, "line"); v != "" {
			pts, err := parseLatLonList(v)
			if err != nil {
				return nil, err
			}
			if len(pts) < 2 {
				return nil, fmt.Errorf("georss:line has %d positions", len(pts))
			}
			return orb.LineString(pts), nil
		}
		if v := first(georss, "polygon"); v != "" {
			pts, err := parseLatLonList(v)
			if err != nil {
				return nil, err
			}
			if len(pts) < 4 {
				return nil, fmt.Errorf("georss:polygon has %d positions", len(pts))
			}
			return orb.Polygon{orb.Ring(pts)}, nil
		}
		if v := first(georss, "box"); v != "" {
			pts, err := parseLatLonList(v)
			if err != nil {
				return nil, err
			}
			if len(pts) != 2 {
				return nil, fmt.Errorf("georss:box has %d positions", len(pts))
			}
			return orb.MultiPoint(pts).Bound().ToPolygon(), nil
		}
	}

	if geo, ok := extensions["geo"]; ok {
		lat, lon := first(geo, "lat"), first(geo, "long")
		if lat == "" || lon == "" {
			if point, ok := geo["Point"]; ok && len(point) > 0 {
				lat, lon = first(point[0].Children, "lat"), first(point[0].Children, "long")
			}
		}
		if lat != "" && lon != "" {
			return parsePair(lat, lon)
		}
	}
	return nil, nil
}

func first(m map[string][]ext.Extension, name string) string {
	values, ok := m[name]
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// parseLatLonList reads the GeoRSS "lat lon lat lon ..." encoding
func parseLatLonList(s string) ([]orb.Point, error) {
	fields := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd number of coordinates in %q", s)
	}
	pts := make([]orb.Point, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		p, err := parsePair(fields[i], fields[i+1])
		if err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, nil
}

func parsePair(latText, lonText string) (orb.Point, error) {
	lat, err := strconv.ParseFloat(latText, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("invalid latitude %q", latText)
	}
	lon, err := strconv.ParseFloat(lonText, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("invalid longitude %q", lonText)
	}
	return orb.Point{lon, lat}, nil
}
