// Package schema validates the metadata of GeoJSON feature collections
// against JSON Schema documents and normalizes collections to the
// properties a schema declares.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// DefaultName is the builtin schema used when none is configured
const DefaultName = "geojson-map"

//go:embed schemas/*
var builtinFS embed.FS

var (
	// ErrInvalidDocument is returned when the validated payload is not JSON
	ErrInvalidDocument = errors.New("invalid document")
	// ErrInvalidSchema is returned when a schema document does not compile
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrUnknownSchema is returned for builtin names that do not exist
	ErrUnknownSchema = errors.New("unknown schema")
)

// PropertySchema describes one declared metadata property
type PropertySchema struct {
	Name        string        `json:"name"`
	Type        string        `json:"type,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	HasDefault  bool          `json:"hasDefault"`
	Required    bool          `json:"required"`
	Description string        `json:"description,omitempty"`
}

// Schema is a compiled schema document together with its metadata sub-schema
type Schema struct {
	name        string
	root        interface{}
	compiled    *jsonschema.Schema
	properties  []PropertySchema
	required    []string
	hasMetadata bool
}

// Compile compiles a schema document. Names ending in .yaml or .yml are
// read as YAML, anything else as JSON.
func Compile(name string, doc []byte) (*Schema, error) {
	if isYAML(name) {
		converted, err := yamlToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to convert yaml: %v", ErrInvalidSchema, err)
		}
		doc = converted
	}

	var root interface{}
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	url := "mem://schemas/" + baseName(name)
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	s := &Schema{name: baseName(name), root: root, compiled: compiled}
	s.extractMetadata(root)
	return s, nil
}

// Load compiles the schema file at path
func Load(path string) (*Schema, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return Compile(filepath.Base(path), doc)
}

// Default returns the embedded geojson-map schema
func Default() *Schema {
	s, err := Builtin(DefaultName)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", DefaultName, err))
	}
	return s
}

// Builtin compiles one of the embedded schemas by name
func Builtin(name string) (*Schema, error) {
	entries, err := builtinFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if baseName(e.Name()) != name {
			continue
		}
		doc, err := builtinFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		return Compile(e.Name(), doc)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
}

// Builtins lists the names of the embedded schemas
func Builtins() []string {
	entries, err := builtinFS.ReadDir("schemas")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, baseName(e.Name()))
	}
	sort.Strings(names)
	return names
}

// Resolve picks a builtin schema by name or loads a schema file by path.
// An empty reference yields the default schema.
func Resolve(ref string) (*Schema, error) {
	if ref == "" {
		return Default(), nil
	}
	if _, err := os.Stat(ref); err == nil {
		return Load(ref)
	}
	return Builtin(ref)
}

// Name returns the schema name without extension
func (s *Schema) Name() string {
	return s.name
}

// Properties returns the declared metadata properties in name order
func (s *Schema) Properties() []PropertySchema {
	out := make([]PropertySchema, len(s.properties))
	copy(out, s.properties)
	return out
}

// Required returns the names of the required metadata properties
func (s *Schema) Required() []string {
	out := make([]string, len(s.required))
	copy(out, s.required)
	return out
}

func (s *Schema) declared(name string) (PropertySchema, bool) {
	for _, p := range s.properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertySchema{}, false
}

// extractMetadata walks properties.features.items.properties.properties,
// following local refs, and records the declared feature properties
func (s *Schema) extractMetadata(root interface{}) {
	node := root
	for _, key := range []string{"properties", "features", "items", "properties", "properties"} {
		node = resolveRef(root, node)
		m, ok := node.(map[string]interface{})
		if !ok {
			return
		}
		node = m[key]
	}
	meta, ok := resolveRef(root, node).(map[string]interface{})
	if !ok {
		return
	}
	s.hasMetadata = true

	required := make(map[string]bool)
	if list, ok := meta["required"].([]interface{}); ok {
		for _, r := range list {
			if name, ok := r.(string); ok {
				required[name] = true
				s.required = append(s.required, name)
			}
		}
	}

	props, _ := meta["properties"].(map[string]interface{})
	for name, raw := range props {
		def, _ := resolveRef(root, raw).(map[string]interface{})
		p := PropertySchema{Name: name, Required: required[name]}
		if def != nil {
			p.Type = typeName(def["type"])
			p.Enum, _ = def["enum"].([]interface{})
			p.Default, p.HasDefault = def["default"]
			p.Description, _ = def["description"].(string)
		}
		s.properties = append(s.properties, p)
	}
	// required names that are not listed under properties are still declared
	for _, name := range s.required {
		if _, ok := props[name]; !ok {
			s.properties = append(s.properties, PropertySchema{Name: name, Required: true})
		}
	}
	sort.Slice(s.properties, func(i, j int) bool {
		return s.properties[i].Name < s.properties[j].Name
	})
}

// resolveRef follows local "#/..." references until it reaches a node
// without one. Cycles stop after a fixed depth.
func resolveRef(root, node interface{}) interface{} {
	for depth := 0; depth < 32; depth++ {
		m, ok := node.(map[string]interface{})
		if !ok {
			return node
		}
		ref, ok := m["$ref"].(string)
		if !ok || !strings.HasPrefix(ref, "#") {
			return node
		}
		node = pointer(root, strings.TrimPrefix(ref, "#"))
	}
	return nil
}

func pointer(root interface{}, ptr string) interface{} {
	return at(root, splitPointer(ptr))
}

func typeName(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "|")
	}
	return ""
}

func yamlToJSON(doc []byte) ([]byte, error) {
	var v interface{}
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func baseName(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
