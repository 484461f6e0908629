package schema

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// NormalizeStats counts the changes Normalize made
type NormalizeStats struct {
	Features int `json:"features"`
	Removed  int `json:"removed"`
	Added    int `json:"added"`
}

// Normalize returns a copy of fc whose feature properties are limited to
// the declared metadata properties, with declared defaults filled in for
// missing ones. The input is not modified. A schema that declares no
// metadata sub-schema keeps all properties.
func (s *Schema) Normalize(fc *geojson.FeatureCollection) (*geojson.FeatureCollection, NormalizeStats) {
	out := geojson.NewFeatureCollection()
	var stats NormalizeStats
	if fc == nil {
		return out, stats
	}
	out.BBox = append(geojson.BBox(nil), fc.BBox...)

	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		stats.Features++

		nf := &geojson.Feature{
			ID:         f.ID,
			Type:       f.Type,
			BBox:       append(geojson.BBox(nil), f.BBox...),
			Properties: make(geojson.Properties),
		}
		if nf.Type == "" {
			nf.Type = "Feature"
		}
		if f.Geometry != nil {
			nf.Geometry = orb.Clone(f.Geometry)
		}

		for k, v := range f.Properties {
			if s.hasMetadata {
				if _, ok := s.declared(k); !ok {
					stats.Removed++
					continue
				}
			}
			nf.Properties[k] = deepCopy(v)
		}

		for _, p := range s.properties {
			if !p.HasDefault {
				continue
			}
			if _, ok := nf.Properties[p.Name]; !ok {
				nf.Properties[p.Name] = deepCopy(p.Default)
				stats.Added++
			}
		}

		out.Append(nf)
	}
	return out, stats
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case geojson.Properties:
		m := make(geojson.Properties, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	}
	return v
}
