// Package filter parses and evaluates attribute filter expressions such as
//
//	ATTRIBUTE == "Value"
//	name like "river" and status != "closed"
//
// against the property bag of GeoJSON features.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/paulmach/orb/geojson"

	"github.com/kass/go-geo-explorer/pkg/table"
)

// ErrInvalidExpression is wrapped by every parse failure
var ErrInvalidExpression = errors.New("invalid expression")

// Operator is a comparison operator
type Operator string

const (
	OpEqual    Operator = "=="
	OpNotEqual Operator = "!="
	OpLike     Operator = "like"
)

// Operators lists the supported operators in the order a UI offers them
var Operators = []Operator{OpEqual, OpNotEqual, OpLike}

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `[-+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`},
	{Name: "Operator", Pattern: `==|!=`},
	{Name: "Ident", Pattern: `[\p{L}_][\p{L}\p{N}_.:\-]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var identPattern = regexp.MustCompile(`^[\p{L}_][\p{L}\p{N}_.:\-]*$`)

var parser = participle.MustBuild[Expression](
	participle.Lexer(exprLexer),
	participle.Unquote("String"),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(2),
)

// Expression is a disjunction of conjunctions of comparisons
type Expression struct {
	Or []*Conjunction `parser:"@@ ( 'or' @@ )*"`
}

// Conjunction is a list of comparisons that must all match
type Conjunction struct {
	And []*Comparison `parser:"@@ ( 'and' @@ )*"`
}

// Comparison is a single attribute test
type Comparison struct {
	Attribute string `parser:"@(Ident | String)"`
	Operator  string `parser:"@('==' | '!=' | 'like')"`
	Value     string `parser:"@(String | Number)"`
}

// Parse parses an expression. Single quotes are treated as double quotes.
func Parse(expr string) (*Expression, error) {
	return parse(strings.ReplaceAll(expr, "'", `"`))
}

func parse(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	parsed, err := parser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	for _, c := range parsed.comparisons() {
		c.Operator = strings.ToLower(c.Operator)
		if c.Attribute == "" {
			return nil, fmt.Errorf("%w: empty attribute name", ErrInvalidExpression)
		}
	}
	return parsed, nil
}

// Build assembles an expression from its parts the way the table filter
// form does, then parses it
func Build(attribute string, op Operator, value string) (*Expression, error) {
	if attribute == "" || op == "" || value == "" {
		return nil, fmt.Errorf("%w: expression incomplete", ErrInvalidExpression)
	}
	if !identPattern.MatchString(attribute) {
		attribute = strconv.Quote(attribute)
	}
	return parse(attribute + " " + string(op) + " " + strconv.Quote(value))
}

// Match reports whether the property bag satisfies the expression
func (e *Expression) Match(props geojson.Properties) bool {
	if e == nil {
		return false
	}
	for _, c := range e.Or {
		if c.match(props) {
			return true
		}
	}
	return false
}

func (c *Conjunction) match(props geojson.Properties) bool {
	for _, cmp := range c.And {
		if !cmp.match(props) {
			return false
		}
	}
	return len(c.And) > 0
}

func (c *Comparison) match(props geojson.Properties) bool {
	raw, ok := props[c.Attribute]
	if !ok || raw == nil {
		return Operator(c.Operator) == OpNotEqual
	}
	value := table.Format(raw)

	switch Operator(c.Operator) {
	case OpEqual:
		return value == c.Value
	case OpNotEqual:
		return value != c.Value
	case OpLike:
		return strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
	}
	return false
}

// Attributes returns the attribute names referenced by the expression
func (e *Expression) Attributes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range e.comparisons() {
		if !seen[c.Attribute] {
			seen[c.Attribute] = true
			out = append(out, c.Attribute)
		}
	}
	return out
}

// String renders the expression in canonical form
func (e *Expression) String() string {
	ors := make([]string, 0, len(e.Or))
	for _, c := range e.Or {
		ands := make([]string, 0, len(c.And))
		for _, cmp := range c.And {
			ands = append(ands, cmp.String())
		}
		ors = append(ors, strings.Join(ands, " and "))
	}
	return strings.Join(ors, " or ")
}

func (c *Comparison) String() string {
	attr := c.Attribute
	if !identPattern.MatchString(attr) {
		attr = strconv.Quote(attr)
	}
	return fmt.Sprintf("%s %s %q", attr, c.Operator, c.Value)
}

func (e *Expression) comparisons() []*Comparison {
	var out []*Comparison
	for _, c := range e.Or {
		out = append(out, c.And...)
	}
	return out
}

// Apply returns the features matching the expression, in input order
func Apply(e *Expression, features []*geojson.Feature) []*geojson.Feature {
	matched := make([]*geojson.Feature, 0)
	for _, f := range features {
		if f == nil {
			continue
		}
		if e.Match(f.Properties) {
			matched = append(matched, f)
		}
	}
	return matched
}

// Evaluate parses expr and applies it to features
func Evaluate(expr string, features []*geojson.Feature) ([]*geojson.Feature, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return Apply(e, features), nil
}
