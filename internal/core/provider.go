package core

import "context"

// Provider is the capability set the resolver and evaluator read from. Host
// environments implement it over their own option stores, constant tables
// and introspection data.
//
// Lookups report whether a value exists; defaults are applied by the caller.
type Provider interface {
	Option(ctx context.Context, key string) (any, bool)
	ThemeMod(ctx context.Context, key string) (any, bool)
	Constant(ctx context.Context, name string) (any, bool)

	FunctionExists(ctx context.Context, name string) bool
	ClassExists(ctx context.Context, name string) bool
	MethodExists(ctx context.Context, class, method string) bool
	UserHasAccess(ctx context.Context, feature string) bool

	IsInvokable(ctx context.Context, ref any) bool
	Invoke(ctx context.Context, ref any, args []any) (any, error)
}

// ThemeOptionProvider is implemented by providers that have a theme-level
// option layer loaded. Providers without it make pixelgradeOption lookups
// fall back to their defaults.
type ThemeOptionProvider interface {
	PixelgradeOption(ctx context.Context, key string) (any, bool)
}

func themeOption(ctx context.Context, provider Provider, key string) (any, bool) {
	layer, ok := provider.(ThemeOptionProvider)
	if !ok {
		return nil, false
	}
	return layer.PixelgradeOption(ctx, key)
}
