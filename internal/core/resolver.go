package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-viper/mapstructure/v2"
)

// DynamicValueType marks a mapping inside a configuration tree as a
// descriptor to be replaced by its resolved value.
const DynamicValueType = "dynamicValue"

const defaultMaxTreeDepth = 64

// Source names where a descriptor's value comes from.
type Source string

const (
	SourceCallback         Source = "callback"
	SourcePixelgradeOption Source = "pixelgradeOption"
	SourceOption           Source = "option"
	SourceThemeMod         Source = "themeMod"
	SourceConstant         Source = "constant"
)

// Descriptor is a decoded dynamic value.
type Descriptor struct {
	Type     string `mapstructure:"type"`
	Source   Source `mapstructure:"source"`
	Option   string `mapstructure:"option"`
	Constant string `mapstructure:"constant"`
	Callable any    `mapstructure:"callable"`
	Args     any    `mapstructure:"args"`
	Default  any    `mapstructure:"default"`

	HasDefault bool `mapstructure:"-"`
	HasArgs    bool `mapstructure:"-"`
}

func (d Descriptor) fallback() any {
	if d.HasDefault {
		return d.Default
	}
	return false
}

// DecodeDescriptor reads a descriptor from a mapping.
func DecodeDescriptor(value any) (Descriptor, error) {
	m, ok := asMap(value)
	if !ok {
		return Descriptor{}, fmt.Errorf("decode descriptor: got %T, want object", value)
	}

	var d Descriptor
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &d,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := decoder.Decode(shallowPlain(m)); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	d.HasDefault = m.Has(keyDefault)
	d.HasArgs = m.Has(keyArgs)

	return d, nil
}

// IsDynamicValue reports whether value is a mapping tagged as a dynamic
// value descriptor.
func IsDynamicValue(value any) bool {
	m, ok := asMap(value)
	if !ok {
		return false
	}
	t, _ := m.Get(keyType)
	return t == DynamicValueType
}

// ResolvedHandler observes every descriptor resolution.
type ResolvedHandler func(ctx context.Context, source Source, found bool)

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithTreeDepth bounds how many container levels, counting the root,
// [Resolver.Process] descends into.
func WithTreeDepth(depth int) ResolverOption {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithResolverIssueHandler installs a callback for resolution issues.
func WithResolverIssueHandler(handler IssueHandler) ResolverOption {
	return func(r *Resolver) { r.onIssue = handler }
}

// WithResolvedHandler installs a callback invoked after each resolution.
func WithResolvedHandler(handler ResolvedHandler) ResolverOption {
	return func(r *Resolver) { r.onResolved = handler }
}

// WithResolverLogger sets the logger used for debug output.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.log = logger
		}
	}
}

// Resolver turns dynamic value descriptors into concrete values.
type Resolver struct {
	provider   Provider
	maxDepth   int
	onIssue    IssueHandler
	onResolved ResolvedHandler
	log        *slog.Logger
}

// NewResolver returns a Resolver reading from provider.
func NewResolver(provider Provider, opts ...ResolverOption) *Resolver {
	if provider == nil {
		panic("provider is nil")
	}

	r := &Resolver{
		provider: provider,
		maxDepth: defaultMaxTreeDepth,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the value a descriptor points at. An unknown or missing
// source yields nil; absent keys yield the descriptor's default or false. A
// callback's own result is returned as is.
//
// A field of the wrong shape is reported and treated as absent, so a known
// source with an unusable key still yields its default.
func (r *Resolver) Resolve(ctx context.Context, descriptor any) any {
	d, err := DecodeDescriptor(descriptor)
	if err != nil {
		r.report(ctx, Issue{Kind: IssueMalformedDynamic, Detail: err.Error()})
		m, ok := asMap(descriptor)
		if !ok {
			return nil
		}
		d = partialDescriptor(m)
	}
	return r.ResolveDescriptor(ctx, d)
}

// partialDescriptor keeps the fields of m that have a usable shape.
func partialDescriptor(m *Map) Descriptor {
	d := Descriptor{
		Type:       stringField(m, keyType),
		Source:     Source(stringField(m, "source")),
		Option:     stringField(m, "option"),
		Constant:   stringField(m, "constant"),
		HasDefault: m.Has(keyDefault),
		HasArgs:    m.Has(keyArgs),
	}
	d.Callable, _ = m.Get("callable")
	d.Args, _ = m.Get(keyArgs)
	d.Default, _ = m.Get(keyDefault)
	return d
}

// ResolveDescriptor is [Resolver.Resolve] for an already decoded descriptor.
func (r *Resolver) ResolveDescriptor(ctx context.Context, d Descriptor) any {
	p := r.provider

	switch d.Source {
	case SourceOption:
		return r.lookup(ctx, d, sanitizeKey(d.Option), func(key string) (any, bool) { return p.Option(ctx, key) })
	case SourceThemeMod:
		return r.lookup(ctx, d, sanitizeKey(d.Option), func(key string) (any, bool) { return p.ThemeMod(ctx, key) })
	case SourcePixelgradeOption:
		return r.lookup(ctx, d, sanitizeKey(d.Option), func(key string) (any, bool) { return themeOption(ctx, p, key) })
	case SourceConstant:
		return r.lookup(ctx, d, sanitizeIdentifier(d.Constant), func(name string) (any, bool) { return p.Constant(ctx, name) })
	case SourceCallback:
		var args []any
		if d.HasArgs {
			args = argumentList(d.Args)
		}
		value, issue := invoke(ctx, p, d.Callable, args)
		if issue != nil {
			r.report(ctx, *issue)
		}
		r.resolved(ctx, d.Source, issue == nil)
		return value
	default:
		r.report(ctx, Issue{Kind: IssueUnknownSource, Detail: string(d.Source)})
		return nil
	}
}

func (r *Resolver) lookup(ctx context.Context, d Descriptor, key string, get func(string) (any, bool)) any {
	if key == "" {
		r.resolved(ctx, d.Source, false)
		return d.fallback()
	}
	value, ok := get(key)
	r.resolved(ctx, d.Source, ok)
	if !ok {
		return d.fallback()
	}
	return value
}

// Process returns a copy of tree in which every nested dynamic value
// descriptor has been replaced by its resolved value. Mappings and lists are
// rebuilt, so the input is never modified and the result shares no
// containers with it. Replaced nodes are not descended into.
func (r *Resolver) Process(ctx context.Context, tree any) any {
	return r.process(ctx, tree, 0)
}

func (r *Resolver) process(ctx context.Context, value any, depth int) any {
	if depth >= r.maxDepth {
		r.report(ctx, Issue{Kind: IssueDepthExceeded, Detail: fmt.Sprintf("tree nesting limit %d", r.maxDepth)})
		return cloneTree(value)
	}

	switch v := value.(type) {
	case *Map:
		if v == nil {
			return v
		}
		out := NewMap()
		v.Range(func(key string, child any) bool {
			out.Set(key, r.child(ctx, child, depth))
			return true
		})
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = r.child(ctx, child, depth)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = r.child(ctx, child, depth)
		}
		return out
	default:
		return value
	}
}

func (r *Resolver) child(ctx context.Context, child any, depth int) any {
	if IsDynamicValue(child) {
		return r.Resolve(ctx, child)
	}
	return r.process(ctx, child, depth+1)
}

func (r *Resolver) report(ctx context.Context, issue Issue) {
	r.log.DebugContext(ctx, "dynamic value issue", "kind", string(issue.Kind), "detail", issue.Detail)
	if r.onIssue != nil {
		r.onIssue(ctx, issue)
	}
}

func (r *Resolver) resolved(ctx context.Context, source Source, found bool) {
	if r.onResolved != nil {
		r.onResolved(ctx, source, found)
	}
}

// cloneTree deep-copies mappings and lists; scalars are shared.
func cloneTree(value any) any {
	switch v := value.(type) {
	case *Map:
		if v == nil {
			return v
		}
		out := NewMap()
		v.Range(func(key string, child any) bool {
			out.Set(key, cloneTree(child))
			return true
		})
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = cloneTree(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = cloneTree(child)
		}
		return out
	default:
		return value
	}
}
