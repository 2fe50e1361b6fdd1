package callable

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/matt-riley/condz/internal/core"
)

// Builtins returns a registry holding the standard string, array and version
// helpers conditions commonly call.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("strlen", stringFunc(func(s string) any { return int64(len(s)) }))
	r.Register("strtolower", stringFunc(func(s string) any { return strings.ToLower(s) }))
	r.Register("strtoupper", stringFunc(func(s string) any { return strings.ToUpper(s) }))
	r.Register("trim", trim)
	r.Register("count", count)
	r.Register("in_array", inArray)
	r.Register("is_numeric", isNumeric)
	r.Register("version_compare", versionCompare)
	r.Register("boolval", boolval)
	return r
}

func argument(args []any, i int, name string) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: %s needs at least %d arguments", ErrBadArgument, name, i+1)
	}
	return args[i], nil
}

func stringArgument(args []any, i int, name string) (string, error) {
	value, err := argument(args, i, name)
	if err != nil {
		return "", err
	}
	s, ok := core.String(value)
	if !ok {
		return "", fmt.Errorf("%w: %s argument %d is %T, want string", ErrBadArgument, name, i+1, value)
	}
	return s, nil
}

func stringFunc(fn func(string) any) Func {
	return func(_ context.Context, args []any) (any, error) {
		s, err := stringArgument(args, 0, "string function")
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func trim(_ context.Context, args []any) (any, error) {
	s, err := stringArgument(args, 0, "trim")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return strings.Trim(s, " \t\n\r\x00\x0B"), nil
	}
	cutset, err := stringArgument(args, 1, "trim")
	if err != nil {
		return nil, err
	}
	return strings.Trim(s, cutset), nil
}

func count(_ context.Context, args []any) (any, error) {
	value, err := argument(args, 0, "count")
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case nil:
		return int64(0), nil
	case *core.Map:
		return int64(v.Len()), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return int64(rv.Len()), nil
	default:
		return int64(1), nil
	}
}

func inArray(_ context.Context, args []any) (any, error) {
	needle, err := argument(args, 0, "in_array")
	if err != nil {
		return nil, err
	}
	haystack, err := argument(args, 1, "in_array")
	if err != nil {
		return nil, err
	}

	if m, ok := haystack.(*core.Map); ok {
		found := false
		m.Range(func(_ string, item any) bool {
			found = core.Equal(item, needle)
			return !found
		})
		return found, nil
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: in_array haystack is %T", ErrBadArgument, haystack)
	}
	for i := 0; i < rv.Len(); i++ {
		if core.Equal(rv.Index(i).Interface(), needle) {
			return true, nil
		}
	}
	return false, nil
}

func isNumeric(_ context.Context, args []any) (any, error) {
	value, err := argument(args, 0, "is_numeric")
	if err != nil {
		return nil, err
	}
	if _, ok := value.(bool); ok {
		return false, nil
	}
	_, ok := core.Numeric(value)
	return ok, nil
}

func boolval(_ context.Context, args []any) (any, error) {
	value, err := argument(args, 0, "boolval")
	if err != nil {
		return nil, err
	}
	return !core.Empty(value), nil
}

// versionCompare returns -1, 0 or 1, or a boolean when an operator is given.
func versionCompare(_ context.Context, args []any) (any, error) {
	left, err := stringArgument(args, 0, "version_compare")
	if err != nil {
		return nil, err
	}
	right, err := stringArgument(args, 1, "version_compare")
	if err != nil {
		return nil, err
	}

	lv, err := version.NewVersion(left)
	if err != nil {
		return nil, fmt.Errorf("%w: version_compare: %v", ErrBadArgument, err)
	}
	rv, err := version.NewVersion(right)
	if err != nil {
		return nil, fmt.Errorf("%w: version_compare: %v", ErrBadArgument, err)
	}
	c := lv.Compare(rv)

	if len(args) < 3 {
		return int64(c), nil
	}
	op, err := stringArgument(args, 2, "version_compare")
	if err != nil {
		return nil, err
	}
	switch op {
	case "<", "lt":
		return c < 0, nil
	case "<=", "le":
		return c <= 0, nil
	case ">", "gt":
		return c > 0, nil
	case ">=", "ge":
		return c >= 0, nil
	case "==", "eq":
		return c == 0, nil
	case "!=", "<>", "ne":
		return c != 0, nil
	default:
		return nil, fmt.Errorf("%w: version_compare operator %q", ErrBadArgument, op)
	}
}
