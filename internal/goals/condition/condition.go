// Package condition parses goal matching rules into a typed expression tree
// and evaluates them against telemetry records.
//
// The JSON layout is one of:
//
//	{"all": [<node>, ...]}
//	{"any": [<node>, ...]}
//	{"not": <node>}
//	{"field": "path", "op": "starts_with", "value": "/checkout"}
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.elara.ws/pcre"
)

// Op is a comparison operator.
type Op string

const (
	OpEq         Op = "eq"
	OpNeq        Op = "neq"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpMatches    Op = "matches"
	OpExists     Op = "exists"
	OpIn         Op = "in"
)

// Fields resolves a field name on the record under evaluation.
type Fields interface {
	Field(name string) (any, bool)
}

// Node is one node of a parsed condition tree.
type Node interface {
	Eval(f Fields) bool
}

// All is satisfied when every child is. An empty All always matches.
type All struct{ Children []Node }

// Any is satisfied when at least one child is.
type Any struct{ Children []Node }

// Not negates its child.
type Not struct{ Child Node }

// Compare tests one field against a literal.
type Compare struct {
	Field string
	Op    Op
	Value Literal

	re *pcre.Regexp
}

func (n All) Eval(f Fields) bool {
	for _, c := range n.Children {
		if !c.Eval(f) {
			return false
		}
	}
	return true
}

func (n Any) Eval(f Fields) bool {
	for _, c := range n.Children {
		if c.Eval(f) {
			return true
		}
	}
	return false
}

func (n Not) Eval(f Fields) bool { return !n.Child.Eval(f) }

func (n Compare) Eval(f Fields) bool {
	actual, ok := f.Field(n.Field)
	if ok && actual == nil {
		ok = false
	}
	switch n.Op {
	case OpExists:
		return ok == n.Value.Bool
	case OpNeq:
		return !ok || !equal(actual, n.Value)
	}
	if !ok {
		return false
	}
	switch n.Op {
	case OpEq:
		return equal(actual, n.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, ok := toNumber(actual)
		if !ok {
			return false
		}
		return compareNumbers(n.Op, a, n.Value.Number)
	case OpContains:
		return strings.Contains(toString(actual), n.Value.String)
	case OpStartsWith:
		return strings.HasPrefix(toString(actual), n.Value.String)
	case OpEndsWith:
		return strings.HasSuffix(toString(actual), n.Value.String)
	case OpMatches:
		return n.re.MatchString(toString(actual))
	case OpIn:
		for _, item := range n.Value.List {
			if equal(actual, item) {
				return true
			}
		}
		return false
	}
	return false
}

// Parse decodes a JSON condition tree. Unknown shapes or operators, and
// literals of the wrong type for their operator, are errors.
func Parse(data []byte) (Node, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("condition is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return parseNode(raw, "$")
}

func parseNode(raw any, at string) (Node, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected an object", at)
	}
	if children, ok := obj["all"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%s: \"all\" cannot be combined with other keys", at)
		}
		nodes, err := parseList(children, at+".all")
		return All{Children: nodes}, err
	}
	if children, ok := obj["any"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%s: \"any\" cannot be combined with other keys", at)
		}
		nodes, err := parseList(children, at+".any")
		if err == nil && len(nodes) == 0 {
			err = fmt.Errorf("%s.any: needs at least one condition", at)
		}
		return Any{Children: nodes}, err
	}
	if child, ok := obj["not"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%s: \"not\" cannot be combined with other keys", at)
		}
		node, err := parseNode(child, at+".not")
		if err != nil {
			return nil, err
		}
		return Not{Child: node}, nil
	}
	return parseCompare(obj, at)
}

func parseList(raw any, at string) ([]Node, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected an array", at)
	}
	nodes := make([]Node, 0, len(items))
	for i, item := range items {
		node, err := parseNode(item, fmt.Sprintf("%s[%d]", at, i))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func parseCompare(obj map[string]any, at string) (Node, error) {
	for key := range obj {
		if key != "field" && key != "op" && key != "value" {
			return nil, fmt.Errorf("%s: unknown key %q", at, key)
		}
	}
	field, _ := obj["field"].(string)
	if strings.TrimSpace(field) == "" {
		return nil, fmt.Errorf("%s: field is required", at)
	}
	opName, _ := obj["op"].(string)
	op := Op(opName)
	raw, hasValue := obj["value"]

	lit, err := parseLiteral(raw)
	if err != nil && hasValue {
		return nil, fmt.Errorf("%s.value: %w", at, err)
	}
	n := Compare{Field: field, Op: op, Value: lit}

	switch op {
	case OpEq, OpNeq:
		if !hasValue || lit.Kind == KindList {
			return nil, fmt.Errorf("%s: %s needs a scalar value", at, op)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if lit.Kind != KindNumber {
			return nil, fmt.Errorf("%s: %s needs a numeric value", at, op)
		}
	case OpContains, OpStartsWith, OpEndsWith:
		if lit.Kind != KindString {
			return nil, fmt.Errorf("%s: %s needs a string value", at, op)
		}
	case OpMatches:
		if lit.Kind != KindString {
			return nil, fmt.Errorf("%s: matches needs a pattern", at)
		}
		re, err := pcre.Compile(lit.String)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid pattern: %w", at, err)
		}
		n.re = re
	case OpExists:
		if !hasValue {
			n.Value = Literal{Kind: KindBool, Bool: true}
		} else if lit.Kind != KindBool {
			return nil, fmt.Errorf("%s: exists takes a boolean", at)
		}
	case OpIn:
		if lit.Kind != KindList {
			return nil, fmt.Errorf("%s: in needs a list", at)
		}
	default:
		return nil, fmt.Errorf("%s: unknown operator %q", at, opName)
	}
	return n, nil
}

// LiteralKind tags the type of a Literal.
type LiteralKind int

const (
	KindNull LiteralKind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

// Literal is a typed constant from a condition tree.
type Literal struct {
	Kind   LiteralKind
	String string
	Number float64
	Bool   bool
	List   []Literal
}

func parseLiteral(raw any) (Literal, error) {
	switch v := raw.(type) {
	case nil:
		return Literal{Kind: KindNull}, nil
	case string:
		return Literal{Kind: KindString, String: v}, nil
	case bool:
		return Literal{Kind: KindBool, Bool: v}, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: KindNumber, Number: f}, nil
	case float64:
		return Literal{Kind: KindNumber, Number: v}, nil
	case []any:
		list := Literal{Kind: KindList, List: make([]Literal, 0, len(v))}
		for _, item := range v {
			lit, err := parseLiteral(item)
			if err != nil {
				return Literal{}, err
			}
			if lit.Kind == KindList {
				return Literal{}, fmt.Errorf("nested lists are not supported")
			}
			list.List = append(list.List, lit)
		}
		return list, nil
	}
	return Literal{}, fmt.Errorf("unsupported literal %T", raw)
}

func equal(actual any, lit Literal) bool {
	switch lit.Kind {
	case KindString:
		return toString(actual) == lit.String
	case KindNumber:
		a, ok := toNumber(actual)
		return ok && a == lit.Number
	case KindBool:
		b, ok := actual.(bool)
		if !ok {
			if s, isString := actual.(string); isString {
				b, ok = parseBool(s)
			}
		}
		return ok && b == lit.Bool
	case KindNull:
		return actual == nil
	}
	return false
}

func compareNumbers(op Op, a, b float64) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

// Number extracts a numeric value from a resolved field.
func Number(v any) (float64, bool) { return toNumber(v) }

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func parseBool(s string) (bool, bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return b, err == nil
}
