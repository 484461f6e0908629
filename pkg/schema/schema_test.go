package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCollection = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "geometry": {"type": "Point", "coordinates": [13.4, 52.5]},
      "properties": {"name": "Spree gauge", "event_type": "flood", "activation_id": "EMSR-101", "status": "active"}
    },
    {
      "type": "Feature",
      "geometry": {"type": "Polygon", "coordinates": [[[10, 50], [11, 50], [11, 51], [10, 50]]]},
      "properties": {"name": "Harz burn scar", "event_type": "fire", "activation_id": "EMSR-102", "source": "sentinel-2"}
    }
  ]
}`

const invalidCollection = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "geometry": null,
      "properties": {"name": "ok", "event_type": "storm", "activation_id": "A1"}
    },
    {
      "type": "Feature",
      "geometry": {"type": "Point", "coordinates": [0, 0]},
      "properties": {"event_type": "storm", "activation_id": "A2"}
    },
    {
      "type": "Feature",
      "geometry": {"type": "Point", "coordinates": [1, 1]},
      "properties": {"name": "bad enum", "event_type": "meteor", "activation_id": "A3"}
    }
  ]
}`

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, DefaultName, s.Name())
	assert.Equal(t, []string{"name", "event_type", "activation_id"}, s.Required())

	var names []string
	for _, p := range s.Properties() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"activation_id", "event_type", "name", "source", "status"}, names)

	status, ok := s.declared("status")
	require.True(t, ok)
	assert.True(t, status.HasDefault)
	assert.Equal(t, "active", status.Default)
	assert.Equal(t, "string", status.Type)
	assert.Equal(t, []interface{}{"planned", "active", "closed"}, status.Enum)
	assert.False(t, status.Required)
}

func TestBuiltins(t *testing.T) {
	assert.Equal(t, []string{"aoi", DefaultName}, Builtins())

	aoi, err := Builtin("aoi")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "area_type"}, aoi.Required())

	_, err = Builtin("missing")
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestValidateValid(t *testing.T) {
	report, err := Default().Validate([]byte(validCollection))
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Violations)
	assert.Equal(t, 2, report.Features)
	assert.Equal(t, DefaultName, report.Schema)
}

func TestValidateInvalid(t *testing.T) {
	report, err := Default().Validate([]byte(invalidCollection))
	require.NoError(t, err)
	assert.False(t, report.Valid)

	var missing, enum *Violation
	for i := range report.Violations {
		v := &report.Violations[i]
		switch v.Keyword {
		case "required":
			missing = v
		case "enum":
			enum = v
		}
	}

	require.NotNil(t, missing)
	assert.Equal(t, 1, missing.Feature)
	assert.Equal(t, "name", missing.Property)
	assert.Contains(t, missing.Message, "name")

	require.NotNil(t, enum)
	assert.Equal(t, 2, enum.Feature)
	assert.Equal(t, "event_type", enum.Property)

	assert.Contains(t, report.Messages(), "feature 1: should have required property 'name'")
	assert.Equal(t, []string{"event_type", "name"}, report.Properties())
}

func TestValidateReportsEveryRequiredProperty(t *testing.T) {
	s := Default()
	for _, name := range s.Required() {
		t.Run(name, func(t *testing.T) {
			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(validCollection), &doc))
			features := doc["features"].([]interface{})
			props := features[1].(map[string]interface{})["properties"].(map[string]interface{})
			delete(props, name)

			raw, err := json.Marshal(doc)
			require.NoError(t, err)

			report, err := s.Validate(raw)
			require.NoError(t, err)
			assert.False(t, report.Valid)
			require.Len(t, report.Violations, 1)
			assert.Equal(t, 1, report.Violations[0].Feature)
			assert.Equal(t, name, report.Violations[0].Property)
			assert.Contains(t, report.Violations[0].Message, name)
		})
	}
}

func TestValidateDocumentLevel(t *testing.T) {
	report, err := Default().Validate([]byte(`{"type": "Feature"}`))
	require.NoError(t, err)
	assert.False(t, report.Valid)
	for _, v := range report.Violations {
		assert.Equal(t, -1, v.Feature)
	}
}

func TestValidateUndecodable(t *testing.T) {
	_, err := Default().Validate([]byte(`{"type": "FeatureCollection",`))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestValidateNullProperties(t *testing.T) {
	docs := map[string]string{
		"null":   `{"type": "FeatureCollection", "features": [{"type": "Feature", "geometry": null, "properties": null}]}`,
		"absent": `{"type": "FeatureCollection", "features": [{"type": "Feature", "geometry": null}]}`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			report, err := Default().Validate([]byte(doc))
			require.NoError(t, err)
			assert.False(t, report.Valid)
			assert.Equal(t, []string{"activation_id", "event_type", "name"}, report.Properties())
			for _, v := range report.Violations {
				assert.Equal(t, 0, v.Feature)
				assert.Equal(t, "required", v.Keyword)
			}
		})
	}
}

func TestValidateNumbers(t *testing.T) {
	doc := `{"type": "FeatureCollection", "features": [{"type": "Feature", "geometry": {"type": "Point", "coordinates": [13.4, 52.5]},
	  "properties": {"name": "gauge", "event_type": "flood", "activation_id": "EMSR-1", "level": 12345678901234567890}}]}`
	report, err := Default().Validate([]byte(doc))
	require.NoError(t, err)
	assert.True(t, report.Valid)

	_, err = Default().Validate([]byte(`{"type": "FeatureCollection", "features": []} {}`))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestValidateCollection(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	ok := geojson.NewFeature(orb.Point{1, 2})
	ok.Properties = geojson.Properties{"name": "a", "event_type": "other", "activation_id": "x"}
	fc.Append(ok)
	fc.Append(geojson.NewFeature(orb.Point{3, 4}))

	report, err := Default().ValidateCollection(fc)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Len(t, report.Violations, 3)
	for _, v := range report.Violations {
		assert.Equal(t, 1, v.Feature)
	}

	_, err = Default().ValidateCollection(nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestNormalize(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.LineString{{1, 2}, {3, 4}})
	f.Properties = geojson.Properties{
		"name":          "gauge",
		"event_type":    "flood",
		"activation_id": "A1",
		"status":        "closed",
		"extra":         "dropped",
		"nested":        map[string]interface{}{"x": 1.0},
	}
	fc.Append(f)

	out, stats := Default().Normalize(fc)
	require.Len(t, out.Features, 1)

	props := out.Features[0].Properties
	assert.Equal(t, geojson.Properties{
		"name":          "gauge",
		"event_type":    "flood",
		"activation_id": "A1",
		"status":        "closed",
		"source":        "unknown",
	}, props)
	assert.Equal(t, NormalizeStats{Features: 1, Removed: 2, Added: 1}, stats)

	// the input is untouched and the geometry is a copy
	assert.Contains(t, f.Properties, "extra")
	assert.NotContains(t, f.Properties, "source")
	line := out.Features[0].Geometry.(orb.LineString)
	line[0][0] = 99
	assert.Equal(t, orb.LineString{{1, 2}, {3, 4}}, f.Geometry)
}

func TestNormalizeOutputValidates(t *testing.T) {
	fc, err := geojson.UnmarshalFeatureCollection([]byte(validCollection))
	require.NoError(t, err)
	fc.Features[0].Properties["comment"] = "not declared"

	out, _ := Default().Normalize(fc)
	report, err := Default().ValidateCollection(out)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	for _, f := range out.Features {
		assert.NotContains(t, f.Properties, "comment")
		assert.Contains(t, f.Properties, "source")
		assert.Contains(t, f.Properties, "status")
	}
}

func TestCompileYAML(t *testing.T) {
	doc := []byte(`
type: object
properties:
  features:
    type: array
    items:
      properties:
        properties:
          type: object
          required: [code]
          properties:
            code: {type: string}
            level: {type: number, default: 1}
`)
	s, err := Compile("custom.yaml", doc)
	require.NoError(t, err)
	assert.Equal(t, "custom", s.Name())
	assert.Equal(t, []string{"code"}, s.Required())

	report, err := s.Validate([]byte(`{"features": [{"properties": {"level": 2}}]}`))
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "code", report.Violations[0].Property)
}

func TestCompileInvalid(t *testing.T) {
	_, err := Compile("broken.json", []byte(`{"type": 5}`))
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = Compile("broken.json", []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = Compile("broken.yaml", []byte("a: [b"))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestLoadAndResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "object"}`), 0o644))

	s, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "local", s.Name())
	assert.Empty(t, s.Properties())

	s, err = Resolve("")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, s.Name())

	_, err = Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
