// internal/harness/expect.go
package harness

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// Check operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
	OpGT        = "gt"
	OpGTE       = "gte"
	OpLT        = "lt"
	OpLTE       = "lte"
	OpTruthy    = "truthy"
	OpFalsy     = "falsy"
)

// Check is a predicate over one observed fact. When Fact is set the operand
// is another observed fact instead of Value.
type Check struct {
	Op    string
	Value interface{}
	Fact  string
}

// Expectation binds a check to a named fact.
type Expectation struct {
	Name  string `yaml:"name,omitempty"`
	Fact  string `yaml:"fact"`
	Check Check  `yaml:"check"`
}

func (e Expectation) label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Fact
}

var shorthandOps = []struct {
	prefix, op string
}{
	{">=", OpGTE}, {"<=", OpLTE}, {"==", OpEquals}, {"!=", OpNotEquals}, {">", OpGT}, {"<", OpLT},
}

// ParseCheck parses the scalar shorthand: ">0", ">=3", "<20", "==ok", "!=0"
// or a plain value compared for equality.
func ParseCheck(s string) Check {
	trimmed := strings.TrimSpace(s)
	for _, so := range shorthandOps {
		if strings.HasPrefix(trimmed, so.prefix) {
			return Check{Op: so.op, Value: scalarValue(strings.TrimSpace(trimmed[len(so.prefix):]))}
		}
	}
	return Check{Op: OpEquals, Value: s}
}

func scalarValue(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

// UnmarshalYAML accepts a scalar shorthand (strings are parsed with
// ParseCheck, so quote them: ">0") or a single key mapping such as
// {gt: 0}, {contains: "Gästebuch"}, {truthy: true} or {gt_fact: fish_before}.
func (c *Check) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v interface{}
		if err := node.Decode(&v); err != nil {
			return err
		}
		if s, ok := v.(string); ok {
			*c = ParseCheck(s)
			return nil
		}
		*c = Check{Op: OpEquals, Value: normalizeNumber(v)}
		return nil

	case yaml.MappingNode:
		var m map[string]interface{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("line %d: check must have exactly one operator, got %d", node.Line, len(m))
		}
		for key, v := range m {
			op, isFact := strings.CutSuffix(key, "_fact")
			if op == "eq" {
				op = OpEquals
			}
			switch op {
			case OpEquals, OpNotEquals, OpContains, OpGT, OpGTE, OpLT, OpLTE:
			case OpTruthy, OpFalsy:
				if isFact {
					return fmt.Errorf("line %d: %s cannot reference a fact", node.Line, key)
				}
				b, ok := v.(bool)
				if !ok {
					return fmt.Errorf("line %d: %s takes a boolean", node.Line, key)
				}
				if !b {
					op = map[string]string{OpTruthy: OpFalsy, OpFalsy: OpTruthy}[op]
				}
				*c = Check{Op: op}
				return nil
			default:
				return fmt.Errorf("line %d: unknown check operator %q", node.Line, key)
			}
			if isFact {
				name, ok := v.(string)
				if !ok || name == "" {
					return fmt.Errorf("line %d: %s takes a fact name", node.Line, key)
				}
				*c = Check{Op: op, Fact: name}
				return nil
			}
			*c = Check{Op: op, Value: normalizeNumber(v)}
		}
		return nil
	}
	return fmt.Errorf("line %d: check must be a scalar or a mapping", node.Line)
}

// String renders the expected side of a report row.
func (c Check) String() string {
	operand := formatValue(c.Value)
	if c.Fact != "" {
		operand = c.Fact
	}
	switch c.Op {
	case OpEquals:
		return operand
	case OpNotEquals:
		return "!= " + operand
	case OpContains:
		return "contains " + strconv.Quote(operand)
	case OpGT:
		return "> " + operand
	case OpGTE:
		return ">= " + operand
	case OpLT:
		return "< " + operand
	case OpLTE:
		return "<= " + operand
	case OpTruthy:
		return "truthy"
	case OpFalsy:
		return "falsy"
	}
	return c.Op + " " + operand
}

// AssertAll evaluates every expectation against the observation. It is pure:
// mismatches become FAIL rows and the same inputs always give the same rows.
func AssertAll(obs *Observation, expectations []Expectation) []reporting.Row {
	if obs == nil {
		obs = NewObservation()
	}
	rows := make([]reporting.Row, 0, len(expectations))
	for _, exp := range expectations {
		rows = append(rows, assertOne(obs, exp))
	}
	return rows
}

func assertOne(obs *Observation, exp Expectation) reporting.Row {
	expected := exp.Check.String()

	actual, extractErr, seen := obs.Lookup(exp.Fact)
	switch {
	case extractErr != nil:
		return reporting.FailRow(exp.label(), expected, "<error>", extractErr.Error())
	case !seen:
		return reporting.FailRow(exp.label(), expected, "<missing>", fmt.Sprintf("fact %q was not observed", exp.Fact))
	}

	operand := exp.Check.Value
	if exp.Check.Fact != "" {
		ref, refErr, refSeen := obs.Lookup(exp.Check.Fact)
		switch {
		case refErr != nil:
			return reporting.FailRow(exp.label(), expected, formatValue(actual), fmt.Sprintf("reference fact %q failed: %v", exp.Check.Fact, refErr))
		case !refSeen:
			return reporting.FailRow(exp.label(), expected, formatValue(actual), fmt.Sprintf("reference fact %q was not observed", exp.Check.Fact))
		}
		operand = ref
		expected = strings.Replace(expected, exp.Check.Fact, fmt.Sprintf("%s (%s)", exp.Check.Fact, formatValue(ref)), 1)
	}

	ok, err := evaluate(exp.Check.Op, actual, operand)
	got := formatValue(actual)
	if err != nil {
		return reporting.FailRow(exp.label(), expected, got, err.Error())
	}
	if !ok {
		return reporting.FailRow(exp.label(), expected, got, "")
	}
	return reporting.PassRow(exp.label(), expected, got)
}

func evaluate(op string, actual, operand interface{}) (bool, error) {
	switch op {
	case OpEquals:
		return equal(actual, operand), nil
	case OpNotEquals:
		return !equal(actual, operand), nil
	case OpContains:
		return contains(actual, operand), nil
	case OpTruthy:
		return isTruthy(actual), nil
	case OpFalsy:
		return !isTruthy(actual), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		a, okA := toNumber(actual)
		b, okB := toNumber(operand)
		if !okA {
			return false, fmt.Errorf("actual value %s is not a number", formatValue(actual))
		}
		if !okB {
			return false, fmt.Errorf("operand %s is not a number", formatValue(operand))
		}
		switch op {
		case OpGT:
			return a > b, nil
		case OpGTE:
			return a >= b, nil
		case OpLT:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, errors.New("unknown check operator " + op)
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	if isScalar(a) || isScalar(b) {
		return formatValue(a) == formatValue(b)
	}
	return reflect.DeepEqual(normalizeNumber(a), normalizeNumber(b))
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := toNumber(v)
	return ok
}

func contains(actual, operand interface{}) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, formatValue(operand))
	case []interface{}:
		for _, item := range v {
			if equal(item, operand) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := v[formatValue(operand)]
		return ok
	}
	return false
}

// isTruthy follows JavaScript truthiness for JSON values.
func isTruthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if n, ok := toNumber(v); ok {
		return n != 0 && !math.IsNaN(n)
	}
	return true
}

// toNumber accepts Go numerics only; numeric-looking strings stay strings
// so "3" and 3 compare equal through formatValue instead.
func toNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint:
		return float64(x), true
	}
	return 0, false
}

func normalizeNumber(v interface{}) interface{} {
	if n, ok := toNumber(v); ok {
		return n
	}
	return v
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	if n, ok := toNumber(v); ok {
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
