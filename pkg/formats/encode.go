package formats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/kass/go-geo-explorer/pkg/table"
)

// WKTColumn is the geometry column name written by EncodeCSV
const WKTColumn = "wkt"

// EncodeGeoJSON renders fc as a compact FeatureCollection document
func EncodeGeoJSON(fc *geojson.FeatureCollection) ([]byte, error) {
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	if fc.Features == nil {
		fc = &geojson.FeatureCollection{Type: fc.Type, BBox: fc.BBox, Features: []*geojson.Feature{}}
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode geojson: %w", err)
	}
	return data, nil
}

// EncodeCSV writes one row per feature: the geometry as WKT followed by
// the property columns in name order
func EncodeCSV(w io.Writer, fc *geojson.FeatureCollection) error {
	var features []*geojson.Feature
	if fc != nil {
		features = fc.Features
	}
	columns := table.Columns(features)

	cw := csv.NewWriter(w)
	header := append([]string{WKTColumn}, columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	row := make([]string, len(header))
	for _, f := range features {
		if f == nil {
			continue
		}
		row[0] = ""
		if f.Geometry != nil {
			row[0] = wkt.MarshalString(f.Geometry)
		}
		for i, col := range columns {
			row[i+1] = table.Format(f.Properties[col])
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}
