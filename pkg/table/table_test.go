package table

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
)

func row(props geojson.Properties) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{1, 2})
	f.Properties = props
	return f
}

func ids(features []*geojson.Feature) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		out = append(out, Format(f.Properties["id"]))
	}
	return out
}

func TestColumns(t *testing.T) {
	features := []*geojson.Feature{
		row(geojson.Properties{"name": "a", "status": "x"}),
		nil,
		row(geojson.Properties{"level": 1.0, "name": "b"}),
	}
	assert.Equal(t, []string{"level", "name", "status"}, Columns(features))
	assert.Empty(t, Columns(nil))
}

func TestValues(t *testing.T) {
	features := []*geojson.Feature{
		row(geojson.Properties{"status": "closed"}),
		row(geojson.Properties{"status": "active"}),
		row(geojson.Properties{"status": "active"}),
		row(geojson.Properties{"status": nil}),
		row(geojson.Properties{}),
		row(geojson.Properties{"status": "planned"}),
	}

	assert.Equal(t, []string{"active", "closed", "planned"}, Values(features, "status", 0))
	assert.Equal(t, []string{"active", "closed"}, Values(features, "status", 2))
	assert.Empty(t, Values(features, "missing", 0))
}

func TestSort(t *testing.T) {
	features := []*geojson.Feature{
		row(geojson.Properties{"id": "a", "level": 10.0}),
		row(geojson.Properties{"id": "b", "level": 9.0}),
		row(geojson.Properties{"id": "c"}),
		row(geojson.Properties{"id": "d", "level": 100.0}),
		row(geojson.Properties{"id": "e", "level": 9.0}),
	}

	assert.Equal(t, []string{"b", "e", "a", "d", "c"}, ids(Sort(features, "level", false)))
	assert.Equal(t, []string{"d", "a", "b", "e", "c"}, ids(Sort(features, "level", true)))

	// input is left untouched
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(features))
	assert.Equal(t, ids(features), ids(Sort(features, "", false)))
}

func TestSortMixedValues(t *testing.T) {
	features := []*geojson.Feature{
		row(geojson.Properties{"id": "a", "v": "banana"}),
		row(geojson.Properties{"id": "b", "v": 2.0}),
		row(geojson.Properties{"id": "c", "v": "apple"}),
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids(Sort(features, "v", false)))
}

func TestPaginate(t *testing.T) {
	features := make([]*geojson.Feature, 45)
	for i := range features {
		features[i] = row(geojson.Properties{"id": fmt.Sprintf("%02d", i), "n": float64(i)})
	}

	testCases := []struct {
		name      string
		req       PageRequest
		wantLen   int
		wantFirst string
		wantPage  int
		wantSize  int
	}{
		{"default page size", PageRequest{}, 20, "00", 0, 20},
		{"second page", PageRequest{Page: 1}, 20, "20", 1, 20},
		{"last partial page", PageRequest{Page: 2}, 5, "40", 2, 20},
		{"past the end", PageRequest{Page: 7}, 0, "", 7, 20},
		{"negative page", PageRequest{Page: -3, PageSize: 10}, 10, "00", 0, 10},
		{"huge page", PageRequest{Page: math.MaxInt / 4}, 0, "", math.MaxInt / 4, 20},
		{"huge page size", PageRequest{Page: 1, PageSize: math.MaxInt}, 0, "", 1, math.MaxInt},
		{"sorted descending", PageRequest{PageSize: 5, SortBy: "n", Desc: true}, 5, "44", 0, 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			page := Paginate(features, tc.req)
			assert.Len(t, page.Features, tc.wantLen)
			assert.Equal(t, 45, page.Total)
			assert.Equal(t, tc.wantPage, page.Page)
			assert.Equal(t, tc.wantSize, page.PageSize)
			if tc.wantLen > 0 {
				assert.Equal(t, tc.wantFirst, Format(page.Features[0].Properties["id"]))
			}
		})
	}

	assert.Equal(t, 3, Paginate(features, PageRequest{}).Pages)
	assert.Equal(t, 9, Paginate(features, PageRequest{PageSize: 5}).Pages)
	assert.Equal(t, 0, Paginate(nil, PageRequest{}).Pages)
}

func TestFormat(t *testing.T) {
	testCases := []struct {
		value    interface{}
		expected string
	}{
		{nil, ""},
		{"text", "text"},
		{3.0, "3"},
		{2.5, "2.5"},
		{1e21, "1000000000000000000000"},
		{-0.125, "-0.125"},
		{42, "42"},
		{int64(-7), "-7"},
		{true, "true"},
		{false, "false"},
		{json.Number("12.50"), "12.50"},
		{map[string]interface{}{"a": 1.0}, `{"a":1}`},
		{[]interface{}{"x", 2.0}, `["x",2]`},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, Format(tc.value))
		})
	}
}
