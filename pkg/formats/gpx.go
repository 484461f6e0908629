package formats

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tkrajina/gpxgo/gpx"
)

// decodeGPX turns waypoints into Points, routes into LineStrings and
// tracks into MultiLineStrings with one line per segment
func decodeGPX(data []byte) (*geojson.FeatureCollection, error) {
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, parseErr(GPX, err)
	}

	fc := geojson.NewFeatureCollection()

	for _, wpt := range doc.Waypoints {
		f := geojson.NewFeature(orb.Point{wpt.Longitude, wpt.Latitude})
		f.Properties["kind"] = "waypoint"
		setText(f.Properties, "name", wpt.Name)
		setText(f.Properties, "description", wpt.Description)
		setText(f.Properties, "comment", wpt.Comment)
		setText(f.Properties, "symbol", wpt.Symbol)
		setText(f.Properties, "type", wpt.Type)
		if wpt.Elevation.NotNull() {
			f.Properties["elevation"] = wpt.Elevation.Value()
		}
		setTime(f.Properties, "time", wpt.Timestamp)
		fc.Append(f)
	}

	for _, rte := range doc.Routes {
		line := make(orb.LineString, 0, len(rte.Points))
		for _, p := range rte.Points {
			line = append(line, orb.Point{p.Longitude, p.Latitude})
		}
		if len(line) == 0 {
			continue
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "route"
		setText(f.Properties, "name", rte.Name)
		setText(f.Properties, "description", rte.Description)
		setText(f.Properties, "comment", rte.Comment)
		fc.Append(f)
	}

	for _, trk := range doc.Tracks {
		var lines orb.MultiLineString
		var start time.Time
		for _, seg := range trk.Segments {
			line := make(orb.LineString, 0, len(seg.Points))
			for _, p := range seg.Points {
				line = append(line, orb.Point{p.Longitude, p.Latitude})
				if start.IsZero() && !p.Timestamp.IsZero() {
					start = p.Timestamp
				}
			}
			if len(line) > 0 {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		f := geojson.NewFeature(lines)
		f.Properties["kind"] = "track"
		setText(f.Properties, "name", trk.Name)
		setText(f.Properties, "description", trk.Description)
		setText(f.Properties, "comment", trk.Comment)
		setText(f.Properties, "type", trk.Type)
		setTime(f.Properties, "time", start)
		fc.Append(f)
	}

	if len(fc.Features) == 0 {
		return nil, ErrNoFeatures
	}
	return fc, nil
}

func setText(props geojson.Properties, key, value string) {
	if value != "" {
		props[key] = value
	}
}

func setTime(props geojson.Properties, key string, t time.Time) {
	if !t.IsZero() {
		props[key] = t.UTC().Format(time.RFC3339)
	}
}
