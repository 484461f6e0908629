package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is a single schema violation. Feature is the index into the
// features array, or -1 when the violation is not tied to a feature.
type Violation struct {
	Feature  int    `json:"feature"`
	Property string `json:"property,omitempty"`
	Keyword  string `json:"keyword"`
	Message  string `json:"message"`
}

// String renders the violation the way the validation dialog lists it
func (v Violation) String() string {
	if v.Feature < 0 {
		return v.Message
	}
	if v.Property != "" && v.Keyword != "required" {
		return fmt.Sprintf("feature %d: property '%s': %s", v.Feature, v.Property, v.Message)
	}
	return fmt.Sprintf("feature %d: %s", v.Feature, v.Message)
}

// Report is the outcome of validating one document
type Report struct {
	Schema     string      `json:"schema"`
	Valid      bool        `json:"valid"`
	Features   int         `json:"features"`
	Violations []Violation `json:"violations"`
}

// Messages returns the violations as human readable lines
func (r *Report) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// Properties returns the distinct property names with violations
func (r *Report) Properties() []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range r.Violations {
		if v.Property != "" && !seen[v.Property] {
			seen[v.Property] = true
			out = append(out, v.Property)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks a JSON document against the schema. Schema violations
// are reported in the Report; an error is returned only when doc cannot
// be decoded. Features with null or absent properties are validated as
// having an empty property object.
func (s *Schema) Validate(doc []byte) (*Report, error) {
	instance, err := decodeJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	fillProperties(instance)
	return s.validate(instance)
}

// ValidateCollection checks an in-memory feature collection. Features
// with no properties are validated as having an empty property object.
func (s *Schema) ValidateCollection(fc *geojson.FeatureCollection) (*Report, error) {
	if fc == nil {
		return nil, fmt.Errorf("%w: nil feature collection", ErrInvalidDocument)
	}
	doc, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	instance, err := decodeJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	fillProperties(instance)
	return s.validate(instance)
}

// decodeJSON decodes doc the way the validator expects instances: numbers
// stay json.Number and trailing data is rejected
func decodeJSON(doc []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after document")
	}
	return v, nil
}

// fillProperties treats null or absent feature properties as an empty
// object so missing required metadata is reported per property
func fillProperties(instance interface{}) {
	root, ok := instance.(map[string]interface{})
	if !ok {
		return
	}
	features, ok := root["features"].([]interface{})
	if !ok {
		return
	}
	for _, f := range features {
		if m, ok := f.(map[string]interface{}); ok && m["properties"] == nil {
			m["properties"] = map[string]interface{}{}
		}
	}
}

func (s *Schema) validate(instance interface{}) (*Report, error) {
	report := &Report{Schema: s.name, Valid: true, Violations: []Violation{}}
	if root, ok := instance.(map[string]interface{}); ok {
		if features, ok := root["features"].([]interface{}); ok {
			report.Features = len(features)
		}
	}

	err := s.compiled.Validate(instance)
	if err == nil {
		return report, nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, fmt.Errorf("failed to validate: %w", err)
	}

	report.Valid = false
	for _, leaf := range leaves(verr) {
		report.Violations = append(report.Violations, s.violations(instance, leaf)...)
	}
	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Feature != b.Feature {
			return a.Feature < b.Feature
		}
		return a.Property < b.Property
	})
	return report, nil
}

var quoted = regexp.MustCompile(`'([^']+)'`)

func leaves(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, c := range err.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func (s *Schema) violations(instance interface{}, leaf *jsonschema.ValidationError) []Violation {
	tokens := splitPointer(leaf.InstanceLocation)
	keyword := lastToken(leaf.KeywordLocation)

	feature := -1
	property := ""
	inProperties := false
	if len(tokens) >= 2 && tokens[0] == "features" {
		if n, err := strconv.Atoi(tokens[1]); err == nil {
			feature = n
		}
		if len(tokens) >= 3 && tokens[2] == "properties" {
			inProperties = true
			if len(tokens) >= 4 {
				property = tokens[3]
			}
		}
	}

	if keyword != "required" {
		return []Violation{{Feature: feature, Property: property, Keyword: keyword, Message: leaf.Message}}
	}

	missing := s.missing(instance, tokens, leaf.AbsoluteKeywordLocation)
	if len(missing) == 0 {
		for _, m := range quoted.FindAllStringSubmatch(leaf.Message, -1) {
			missing = append(missing, m[1])
		}
	}
	if len(missing) == 0 {
		return []Violation{{Feature: feature, Keyword: keyword, Message: leaf.Message}}
	}

	out := make([]Violation, 0, len(missing))
	for _, name := range missing {
		v := Violation{
			Feature: feature,
			Keyword: keyword,
			Message: fmt.Sprintf("should have required property '%s'", name),
		}
		if inProperties && len(tokens) == 3 {
			v.Property = name
		}
		out = append(out, v)
	}
	return out
}

// missing lists the names of the failed required keyword that are absent
// from the instance object
func (s *Schema) missing(instance interface{}, tokens []string, keywordURL string) []string {
	i := strings.Index(keywordURL, "#")
	if i < 0 {
		return nil
	}
	fragment, err := url.PathUnescape(keywordURL[i+1:])
	if err != nil {
		fragment = keywordURL[i+1:]
	}
	required, ok := pointer(s.root, fragment).([]interface{})
	if !ok {
		return nil
	}
	obj, ok := at(instance, tokens).(map[string]interface{})
	if !ok {
		return nil
	}

	var out []string
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := obj[name]; !present {
			out = append(out, name)
		}
	}
	return out
}

func at(node interface{}, tokens []string) interface{} {
	for _, token := range tokens {
		switch t := node.(type) {
		case map[string]interface{}:
			node = t[token]
		case []interface{}:
			n, err := strconv.Atoi(token)
			if err != nil || n < 0 || n >= len(t) {
				return nil
			}
			node = t[n]
		default:
			return nil
		}
	}
	return node
}

func splitPointer(ptr string) []string {
	ptr = strings.TrimPrefix(ptr, "#")
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return nil
	}
	tokens := strings.Split(ptr, "/")
	for i, t := range tokens {
		tokens[i] = strings.ReplaceAll(strings.ReplaceAll(t, "~1", "/"), "~0", "~")
	}
	return tokens
}

func lastToken(ptr string) string {
	tokens := splitPointer(ptr)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}
