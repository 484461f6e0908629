// Package table implements the attribute table operations behind the
// feature grid: column discovery, distinct values, sorting and paging.
package table

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/paulmach/orb/geojson"
)

// DefaultPageSize is the number of features per page when none is requested
const DefaultPageSize = 20

// PageRequest selects a page of a feature table
type PageRequest struct {
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	SortBy   string `json:"sort,omitempty"`
	Desc     bool   `json:"desc,omitempty"`
}

// Page is one page of a feature table
type Page struct {
	Features []*geojson.Feature `json:"-"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
	Pages    int                `json:"pages"`
	Total    int                `json:"total"`
}

// Columns returns the sorted union of property keys
func Columns(features []*geojson.Feature) []string {
	seen := make(map[string]struct{})
	for _, f := range features {
		if f == nil {
			continue
		}
		for k := range f.Properties {
			seen[k] = struct{}{}
		}
	}

	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Values returns the sorted distinct rendered values of column.
// A limit <= 0 means no limit.
func Values(features []*geojson.Feature, column string, limit int) []string {
	seen := make(map[string]struct{})
	for _, f := range features {
		if f == nil {
			continue
		}
		v, ok := f.Properties[column]
		if !ok || v == nil {
			continue
		}
		seen[Format(v)] = struct{}{}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	if limit > 0 && len(values) > limit {
		values = values[:limit]
	}
	return values
}

// Sort returns a stably sorted copy of features ordered by column.
// Numbers compare numerically, other values by their rendering, and
// features missing the column always sort last.
func Sort(features []*geojson.Feature, column string, desc bool) []*geojson.Feature {
	out := make([]*geojson.Feature, len(features))
	copy(out, features)
	if column == "" {
		return out
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, aok := lookup(out[i], column)
		b, bok := lookup(out[j], column)
		if !aok || !bok {
			return aok && !bok
		}
		c := compare(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// Paginate sorts features as requested and cuts out one page.
// Pages are zero-based; a page past the end yields no features.
func Paginate(features []*geojson.Feature, req PageRequest) Page {
	size := req.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := req.Page
	if page < 0 {
		page = 0
	}

	sorted := Sort(features, req.SortBy, req.Desc)
	total := len(sorted)

	start, end := total, total
	if page <= total/size {
		start = page * size
		end = min(start+size, total)
	}

	return Page{
		Features: sorted[start:end],
		Page:     page,
		PageSize: size,
		Pages:    int(math.Ceil(float64(total) / float64(size))),
		Total:    total,
	}
}

// Format renders a property value the way the table displays it
func Format(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func lookup(f *geojson.Feature, column string) (interface{}, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.Properties[column]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func compare(a, b interface{}) int {
	af, aNum := number(a)
	bf, bNum := number(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}

	as, bs := Format(a), Format(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
