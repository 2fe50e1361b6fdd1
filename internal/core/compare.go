package core

import (
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"
)

// Operator compares a getter's result (left) against a rule's literal
// operand (right).
type Operator func(dynamic, literal any) bool

// Operator names understood by the default registry.
const (
	OpEqual                 = "equal"
	OpNotEqual              = "not_equal"
	OpGreater               = "greater"
	OpGreaterOrEqual        = "greater_or_equal"
	OpLess                  = "less"
	OpLessOrEqual           = "less_or_equal"
	OpContains              = "contains"
	OpNotContains           = "not_contains"
	OpBeginsWith            = "begins_with"
	OpEndsWith              = "ends_with"
	OpIn                    = "in"
	OpNotIn                 = "not_in"
	OpIsEmpty               = "is_empty"
	OpIsNotEmpty            = "is_not_empty"
	OpRegex                 = "regex"
	OpNotRegex              = "not_regex"
	OpVersionEqual          = "version_equal"
	OpVersionGreater        = "version_greater"
	OpVersionGreaterOrEqual = "version_greater_or_equal"
	OpVersionLess           = "version_less"
	OpVersionLessOrEqual    = "version_less_or_equal"
)

// Operators is a registry of comparison operators keyed by name.
type Operators map[string]Operator

// DefaultOperators returns a fresh registry holding every built-in operator.
// Callers may add to or replace entries in the returned map.
func DefaultOperators() Operators {
	return Operators{
		OpEqual:          valuesEqual,
		OpNotEqual:       func(d, l any) bool { return !valuesEqual(d, l) },
		OpGreater:        orderedBy(func(c int) bool { return c > 0 }),
		OpGreaterOrEqual: orderedBy(func(c int) bool { return c >= 0 }),
		OpLess:           orderedBy(func(c int) bool { return c < 0 }),
		OpLessOrEqual:    orderedBy(func(c int) bool { return c <= 0 }),
		OpContains:       contains,
		OpNotContains:    func(d, l any) bool { return !contains(d, l) },
		OpBeginsWith: func(d, l any) bool {
			ds, dok := stringOf(d)
			ls, lok := stringOf(l)
			return dok && lok && strings.HasPrefix(ds, ls)
		},
		OpEndsWith: func(d, l any) bool {
			ds, dok := stringOf(d)
			ls, lok := stringOf(l)
			return dok && lok && strings.HasSuffix(ds, ls)
		},
		OpIn:                    func(d, l any) bool { return valueIn(d, l) },
		OpNotIn:                 func(d, l any) bool { return !valueIn(d, l) },
		OpIsEmpty:               func(d, _ any) bool { return isEmpty(d) },
		OpIsNotEmpty:            func(d, _ any) bool { return !isEmpty(d) },
		OpRegex:                 matchesPattern,
		OpNotRegex:              func(d, l any) bool { return !matchesPattern(d, l) },
		OpVersionEqual:          versionBy(func(c int) bool { return c == 0 }),
		OpVersionGreater:        versionBy(func(c int) bool { return c > 0 }),
		OpVersionGreaterOrEqual: versionBy(func(c int) bool { return c >= 0 }),
		OpVersionLess:           versionBy(func(c int) bool { return c < 0 }),
		OpVersionLessOrEqual:    versionBy(func(c int) bool { return c <= 0 }),
	}
}

// isEmpty follows the host's emptiness rules.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == "" || v == "0"
	case *Map:
		return v.Len() == 0
	}

	if i, ok := asInt64(value); ok {
		return i == 0
	}
	if u, ok := asUint64(value); ok {
		return u == 0
	}
	if f, ok := asFloat64(value); ok {
		return f == 0
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}

	return false
}

func truthy(value any) bool {
	return !isEmpty(value)
}

func contains(dynamic, literal any) bool {
	if list, ok := asList(dynamic); ok {
		for _, item := range list {
			if valuesEqual(item, literal) {
				return true
			}
		}
		return false
	}
	if m, ok := asMap(dynamic); ok {
		found := false
		m.Range(func(_ string, item any) bool {
			found = valuesEqual(item, literal)
			return !found
		})
		return found
	}

	ds, dok := stringOf(dynamic)
	ls, lok := stringOf(literal)
	return dok && lok && strings.Contains(ds, ls)
}

func valueIn(value any, ruleValue any) bool {
	if list, ok := asList(ruleValue); ok {
		for _, item := range list {
			if valuesEqual(value, item) {
				return true
			}
		}
		return false
	}

	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

func matchesPattern(dynamic, literal any) bool {
	subject, ok := stringOf(dynamic)
	if !ok {
		return false
	}
	pattern, ok := literal.(string)
	if !ok {
		return false
	}

	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

// compilePattern accepts either a bare RE2 pattern or a delimited pattern
// such as "/^foo/i". The i, m and s flags are honoured; others are ignored.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) >= 2 && pattern[0] == '/' {
		if end := strings.LastIndexByte(pattern, '/'); end > 0 {
			body := pattern[1:end]
			var flags strings.Builder
			for _, f := range pattern[end+1:] {
				if f == 'i' || f == 'm' || f == 's' {
					flags.WriteRune(f)
				}
			}
			if flags.Len() > 0 {
				body = "(?" + flags.String() + ")" + body
			}
			return regexp.Compile(body)
		}
	}
	return regexp.Compile(pattern)
}

func orderedBy(accept func(int) bool) Operator {
	return func(dynamic, literal any) bool {
		if lf, ok := numericOf(dynamic); ok {
			if rf, ok := numericOf(literal); ok {
				return accept(compareFloats(lf, rf))
			}
		}
		ls, lok := dynamic.(string)
		rs, rok := literal.(string)
		if lok && rok {
			return accept(strings.Compare(ls, rs))
		}
		return false
	}
}

func versionBy(accept func(int) bool) Operator {
	return func(dynamic, literal any) bool {
		ds, dok := stringOf(dynamic)
		ls, lok := stringOf(literal)
		if !dok || !lok {
			return false
		}
		left, err := version.NewVersion(ds)
		if err != nil {
			return false
		}
		right, err := version.NewVersion(ls)
		if err != nil {
			return false
		}
		return accept(left.Compare(right))
	}
}

func compareFloats(left, right float64) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

// numericOf returns value as a float64 when it is a number or a numeric
// string.
func numericOf(value any) (float64, bool) {
	if i, ok := asInt64(value); ok {
		return float64(i), true
	}
	if u, ok := asUint64(value); ok {
		return float64(u), true
	}
	if f, ok := asFloat64(value); ok {
		return f, true
	}
	if s, ok := value.(string); ok {
		return parseNumericString(s)
	}
	return 0, false
}

func parseNumericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// valuesEqual is a loose equality: numbers compare by value across kinds,
// numeric strings compare to numbers by value, booleans compare by
// truthiness and containers compare element-wise.
func valuesEqual(left any, right any) bool {
	if left == nil || right == nil {
		return nullEquals(left, right)
	}

	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	if leftBool, ok := left.(bool); ok {
		return leftBool == truthy(right)
	}
	if rightBool, ok := right.(bool); ok {
		return rightBool == truthy(left)
	}

	if leftString, ok := left.(string); ok {
		if rightString, ok := right.(string); ok {
			return leftString == rightString
		}
		return numericStringEquals(leftString, right)
	}
	if rightString, ok := right.(string); ok {
		return numericStringEquals(rightString, left)
	}

	if leftMap, ok := asMap(left); ok {
		rightMap, ok := asMap(right)
		return ok && mapsEqual(leftMap, rightMap)
	}

	if leftList, ok := asList(left); ok {
		rightList, ok := asList(right)
		if !ok || len(leftList) != len(rightList) {
			return false
		}
		for i := range leftList {
			if !valuesEqual(leftList[i], rightList[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(left, right)
}

// nullEquals compares against null: a string side must be "", anything
// else must be empty.
func nullEquals(left, right any) bool {
	other := left
	if other == nil {
		other = right
	}
	if s, ok := other.(string); ok {
		return s == ""
	}
	return isEmpty(other)
}

func numericStringEquals(s string, number any) bool {
	n, ok := numericOf(number)
	if !ok {
		return false
	}
	parsed, ok := parseNumericString(s)
	return ok && parsed == n
}

func mapsEqual(left, right *Map) bool {
	if left.Len() != right.Len() {
		return false
	}
	equal := true
	left.Range(func(key string, value any) bool {
		other, ok := right.Get(key)
		equal = ok && valuesEqual(value, other)
		return equal
	})
	return equal
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}

// Equal reports whether two values are equal under the loose equality used
// by the equal operator.
func Equal(left, right any) bool {
	return valuesEqual(left, right)
}

// Empty reports whether value is empty under the host's rules: nil, false,
// zero numbers, "", "0" and empty containers.
func Empty(value any) bool {
	return isEmpty(value)
}

// Numeric returns value as a float64 when it is a number or a numeric
// string.
func Numeric(value any) (float64, bool) {
	return numericOf(value)
}
