package core

import (
	"context"
	"errors"
	"fmt"
)

type fakeProvider struct {
	options   map[string]any
	themeMods map[string]any
	constants map[string]any
	functions map[string]bool
	classes   map[string]bool
	methods   map[string]bool
	features  map[string]bool
	callables map[string]func(args []any) (any, error)

	optionLookups []string
	invocations   [][]any
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		options:   map[string]any{},
		themeMods: map[string]any{},
		constants: map[string]any{},
		functions: map[string]bool{"strlen": true},
		classes:   map[string]bool{},
		methods:   map[string]bool{},
		features:  map[string]bool{},
		callables: map[string]func(args []any) (any, error){},
	}
}

func (p *fakeProvider) Option(_ context.Context, key string) (any, bool) {
	p.optionLookups = append(p.optionLookups, key)
	v, ok := p.options[key]
	return v, ok
}

func (p *fakeProvider) ThemeMod(_ context.Context, key string) (any, bool) {
	v, ok := p.themeMods[key]
	return v, ok
}

func (p *fakeProvider) Constant(_ context.Context, name string) (any, bool) {
	v, ok := p.constants[name]
	return v, ok
}

func (p *fakeProvider) FunctionExists(_ context.Context, name string) bool { return p.functions[name] }
func (p *fakeProvider) ClassExists(_ context.Context, name string) bool    { return p.classes[name] }
func (p *fakeProvider) MethodExists(_ context.Context, class, method string) bool {
	return p.methods[class+"::"+method]
}
func (p *fakeProvider) UserHasAccess(_ context.Context, feature string) bool { return p.features[feature] }

func (p *fakeProvider) IsInvokable(_ context.Context, ref any) bool {
	name, ok := ref.(string)
	if !ok {
		return false
	}
	_, ok = p.callables[name]
	return ok
}

func (p *fakeProvider) Invoke(_ context.Context, ref any, args []any) (any, error) {
	name, ok := ref.(string)
	if !ok {
		return nil, errors.New("not invokable")
	}
	fn, ok := p.callables[name]
	if !ok {
		return nil, fmt.Errorf("unknown callable %q", name)
	}
	p.invocations = append(p.invocations, args)
	return fn(args)
}

// themedProvider adds the theme-level option layer.
type themedProvider struct {
	*fakeProvider
	themeOptions map[string]any
}

func (p *themedProvider) PixelgradeOption(_ context.Context, key string) (any, bool) {
	v, ok := p.themeOptions[key]
	return v, ok
}

func mustDecode(t interface {
	Helper()
	Fatalf(string, ...any)
}, document string) any {
	t.Helper()
	value, err := DecodeJSON([]byte(document))
	if err != nil {
		t.Fatalf("DecodeJSON(%s) error = %v", document, err)
	}
	return value
}
