package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gauges = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [13.4, 52.5]},
     "properties": {"name": "Spree", "event_type": "flood", "activation_id": "EMSR-1"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [12.4, 51.3]},
     "properties": {"name": "Elster", "event_type": "flood", "activation_id": "EMSR-1"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [2.35, 48.85]},
     "properties": {"name": "Seine", "event_type": "fire", "activation_id": "EMSR-2"}}
  ]
}`

const unnamed = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0]},
     "properties": {"event_type": "flood", "activation_id": "A1"}}
  ]
}`

const placemark = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Placemark>
      <name>Gauge</name>
      <Point><coordinates>13.4,52.5,0</coordinates></Point>
    </Placemark>
  </Document>
</kml>`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) *geojson.FeatureCollection {
	t.Helper()
	fc, err := geojson.UnmarshalFeatureCollection([]byte(out))
	require.NoError(t, err)
	return fc
}

func names(fc *geojson.FeatureCollection) []string {
	var out []string
	for _, f := range fc.Features {
		out = append(out, f.Properties.MustString("name", ""))
	}
	return out
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, "validate", writeFile(t, "gauges.geojson", gauges))
	require.NoError(t, err)
	assert.Contains(t, out, "valid (3 features")

	out, err = run(t, "validate", writeFile(t, "unnamed.geojson", unnamed))
	assert.ErrorIs(t, err, errInvalidDocuments)
	assert.Contains(t, out, "1 violations")
	assert.Contains(t, out, "name")
}

func TestConvertCommand(t *testing.T) {
	kml := writeFile(t, "gauge.kml", placemark)

	out, err := run(t, "convert", kml)
	require.NoError(t, err)
	fc := decode(t, out)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Gauge", fc.Features[0].Properties.MustString("name", ""))

	target := filepath.Join(t.TempDir(), "gauge.csv")
	_, err = run(t, "convert", kml, "--format", "csv", "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "POINT")
	assert.Contains(t, lines[1], "Gauge")

	_, err = run(t, "convert", kml, "--format", "shp")
	assert.Error(t, err)
}

func TestConvertNormalize(t *testing.T) {
	doc := `{"type": "FeatureCollection", "features": [
	  {"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 1]},
	   "properties": {"name": "a", "event_type": "flood", "activation_id": "A", "note": "drop me"}}]}`

	out, err := run(t, "convert", writeFile(t, "a.geojson", doc), "--normalize")
	require.NoError(t, err)
	fc := decode(t, out)
	require.Len(t, fc.Features, 1)
	props := fc.Features[0].Properties
	assert.NotContains(t, props, "note")
	assert.Equal(t, "active", props["status"])
}

func TestQueryCommand(t *testing.T) {
	input := writeFile(t, "gauges.geojson", gauges)

	out, err := run(t, "query", input, "--bbox", "10,50,15,55")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Spree", "Elster"}, names(decode(t, out)))

	out, err = run(t, "query", input, "--bbox", "10,50,15,55", "--filter", `name == "Spree"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Spree"}, names(decode(t, out)))

	out, err = run(t, "query", input, "--near", "48.9,2.3", "-n", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Seine"}, names(decode(t, out)))

	out, err = run(t, "query", input, "--near", "52.5,13.4", "--radius", "50")
	require.NoError(t, err)
	assert.Equal(t, []string{"Spree"}, names(decode(t, out)))

	out, err = run(t, "query", input, "--filter", `event_type == "fire"`, "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Seine")
	assert.NotContains(t, out, "Spree")
}

func TestQueryErrors(t *testing.T) {
	input := writeFile(t, "gauges.geojson", gauges)

	_, err := run(t, "query", input, "--bbox", "1,2,3")
	assert.Error(t, err)

	_, err = run(t, "query", input, "--bbox", "15,50,10,55")
	assert.Error(t, err)

	_, err = run(t, "query", input, "--filter", "name =")
	assert.Error(t, err)

	_, err = run(t, "query", filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}

func TestSchemasCommand(t *testing.T) {
	out, err := run(t, "schemas")
	require.NoError(t, err)
	assert.Contains(t, out, "builtin: aoi")
	assert.Contains(t, out, "status (string) default=active")

	out, err = run(t, "schemas", "--schema", "aoi")
	require.NoError(t, err)
	assert.Contains(t, out, "active: aoi")
	assert.Contains(t, out, "area_type")
}
