package environment

import (
	"context"
	"reflect"
	"strings"

	"github.com/mitchellh/copystructure"

	"github.com/matt-riley/condz/internal/callable"
	"github.com/matt-riley/condz/internal/core"
)

var (
	_ core.Provider            = (*Provider)(nil)
	_ core.ThemeOptionProvider = (*Provider)(nil)
)

// Provider answers evaluator lookups from a Snapshot. Function, class and
// method names match case-insensitively, as they do on the host. Callables
// are served from a registry first and from the snapshot's recorded
// callback results second.
//
// A Provider never hands out values shared with its snapshot.
type Provider struct {
	snapshot  Snapshot
	callables *callable.Registry

	functions map[string]struct{}
	classes   map[string]struct{}
	methods   map[string]struct{}
	features  map[string]struct{}
	callbacks map[string]any
}

// NewProvider indexes snapshot for lookups. A nil registry means only
// recorded callbacks are invokable.
func NewProvider(snapshot Snapshot, registry *callable.Registry) *Provider {
	if registry == nil {
		registry = callable.NewRegistry()
	}

	p := &Provider{
		snapshot:  snapshot,
		callables: registry,
		functions: lowerSet(snapshot.Functions),
		classes:   lowerSet(snapshot.Classes),
		methods:   make(map[string]struct{}),
		features:  make(map[string]struct{}, len(snapshot.Features)),
		callbacks: make(map[string]any, len(snapshot.Callbacks)),
	}
	for name, value := range snapshot.Callbacks {
		if key, err := callable.Name(name); err == nil {
			p.callbacks[callable.Key(key)] = value
		}
	}
	for class, methods := range snapshot.Methods {
		for _, method := range methods {
			p.methods[methodKey(class, method)] = struct{}{}
		}
	}
	for _, feature := range snapshot.Features {
		p.features[feature] = struct{}{}
	}
	return p
}

func lowerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[callable.Key(name)] = struct{}{}
	}
	return set
}

func methodKey(class, method string) string {
	return strings.ToLower(strings.TrimPrefix(class, `\`)) + "::" + strings.ToLower(method)
}

func (p *Provider) Option(_ context.Context, key string) (any, bool) {
	return lookup(p.snapshot.Options, key)
}

func (p *Provider) ThemeMod(_ context.Context, key string) (any, bool) {
	return lookup(p.snapshot.ThemeMods, key)
}

// PixelgradeOption reports absent for every key when the snapshot has no
// theme option layer.
func (p *Provider) PixelgradeOption(_ context.Context, key string) (any, bool) {
	if p.snapshot.ThemeOptions == nil {
		return nil, false
	}
	return lookup(p.snapshot.ThemeOptions, key)
}

func (p *Provider) Constant(_ context.Context, name string) (any, bool) {
	return lookup(p.snapshot.Constants, name)
}

func (p *Provider) FunctionExists(_ context.Context, name string) bool {
	if _, ok := p.functions[callable.Key(name)]; ok {
		return true
	}
	return p.callables.Has(name)
}

func (p *Provider) ClassExists(_ context.Context, name string) bool {
	_, ok := p.classes[callable.Key(name)]
	return ok
}

func (p *Provider) MethodExists(_ context.Context, class, method string) bool {
	_, ok := p.methods[methodKey(class, method)]
	return ok
}

func (p *Provider) UserHasAccess(_ context.Context, feature string) bool {
	_, ok := p.features[feature]
	return ok
}

func (p *Provider) IsInvokable(_ context.Context, ref any) bool {
	if p.callables.Has(ref) {
		return true
	}
	_, ok := p.recorded(ref)
	return ok
}

// Invoke calls a registered callable, or returns the site's recorded result
// for it.
func (p *Provider) Invoke(ctx context.Context, ref any, args []any) (any, error) {
	if p.callables.Has(ref) {
		return p.callables.Call(ctx, ref, args)
	}
	if value, ok := p.recorded(ref); ok {
		return value, nil
	}
	return p.callables.Call(ctx, ref, args)
}

func (p *Provider) recorded(ref any) (any, bool) {
	name, err := callable.Name(ref)
	if err != nil {
		return nil, false
	}
	return lookup(p.callbacks, callable.Key(name))
}

func lookup(values map[string]any, key string) (any, bool) {
	value, ok := values[key]
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

var copier copystructure.Config

func init() {
	copier = copystructure.Config{
		Copiers: map[reflect.Type]copystructure.CopierFunc{
			reflect.TypeOf(core.Map{}): copyOrderedMap,
		},
	}
}

func copyOrderedMap(v any) (any, error) {
	m := v.(core.Map)
	out := core.NewMap()
	var err error
	m.Range(func(key string, item any) bool {
		var copied any
		copied, err = copier.Copy(item)
		if err != nil {
			return false
		}
		out.Set(key, copied)
		return true
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// copyValue deep-copies value. Values copystructure cannot handle are
// returned as is.
func copyValue(value any) any {
	if value == nil {
		return nil
	}
	copied, err := copier.Copy(value)
	if err != nil {
		return value
	}
	return copied
}
