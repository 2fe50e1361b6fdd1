// Package callable holds the functions a condition or dynamic value may
// invoke by reference.
package callable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("callable not found")
	ErrInvalidRef  = errors.New("invalid callable reference")
	ErrBadArgument = errors.New("bad argument")
)

// Func is a registered callable. args are the already spread call
// arguments.
type Func func(ctx context.Context, args []any) (any, error)

type entry struct {
	name string
	fn   Func
}

// Registry maps callable names to functions. Names match
// case-insensitively. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]entry)}
}

// Key folds a callable name to the form lookups compare.
func Key(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, `\`))
}

// Register stores fn under name, replacing any previous entry. Method
// references are registered as "Class::method".
func (r *Registry) Register(name string, fn Func) {
	if fn == nil {
		panic("callable: nil func for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[Key(name)] = entry{name: name, fn: fn}
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for _, e := range r.funcs {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the function a reference points at.
func (r *Registry) Lookup(ref any) (Func, bool) {
	name, err := Name(ref)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.funcs[Key(name)]
	return e.fn, ok
}

// Has reports whether ref resolves to a registered function.
func (r *Registry) Has(ref any) bool {
	_, ok := r.Lookup(ref)
	return ok
}

// Call invokes the function ref points at. A panic inside the function is
// returned as an error.
func (r *Registry) Call(ctx context.Context, ref any, args []any) (result any, err error) {
	name, err := Name(ref)
	if err != nil {
		return nil, err
	}
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("callable %s panicked: %v", name, recovered)
		}
	}()

	return fn(ctx, args)
}

// Name normalises a callable reference to its registry name. Accepted forms
// are "name", "Class::method" and a two element list ["Class", "method"].
func Name(ref any) (string, error) {
	switch v := ref.(type) {
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", ErrInvalidRef
		}
		if class, method, ok := strings.Cut(name, "::"); ok {
			return methodName(class, method)
		}
		return name, nil
	case []string:
		if len(v) != 2 {
			return "", fmt.Errorf("%w: want [class, method], got %d elements", ErrInvalidRef, len(v))
		}
		return methodName(v[0], v[1])
	case []any:
		if len(v) != 2 {
			return "", fmt.Errorf("%w: want [class, method], got %d elements", ErrInvalidRef, len(v))
		}
		class, ok := v[0].(string)
		if !ok {
			return "", fmt.Errorf("%w: class is %T", ErrInvalidRef, v[0])
		}
		method, ok := v[1].(string)
		if !ok {
			return "", fmt.Errorf("%w: method is %T", ErrInvalidRef, v[1])
		}
		return methodName(class, method)
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidRef, ref)
	}
}

func methodName(class, method string) (string, error) {
	class = strings.TrimSpace(class)
	method = strings.TrimSpace(method)
	if class == "" || method == "" {
		return "", fmt.Errorf("%w: empty class or method", ErrInvalidRef)
	}
	return class + "::" + method, nil
}
