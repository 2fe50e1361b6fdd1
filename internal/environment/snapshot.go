// Package environment models what a site reports about itself and exposes
// it to the evaluator as a core.Provider.
package environment

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/matt-riley/condz/internal/core"
)

// Snapshot is a site's reported state. A nil ThemeOptions means the
// theme-level option layer is not loaded on the site.
type Snapshot struct {
	Options      map[string]any      `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options"`
	ThemeMods    map[string]any      `json:"theme_mods,omitempty" yaml:"theme_mods,omitempty" mapstructure:"theme_mods"`
	ThemeOptions map[string]any      `json:"theme_options,omitempty" yaml:"theme_options,omitempty" mapstructure:"theme_options"`
	Constants    map[string]any      `json:"constants,omitempty" yaml:"constants,omitempty" mapstructure:"constants"`
	Functions    []string            `json:"functions,omitempty" yaml:"functions,omitempty" mapstructure:"functions"`
	Classes      []string            `json:"classes,omitempty" yaml:"classes,omitempty" mapstructure:"classes"`
	Methods      map[string][]string `json:"methods,omitempty" yaml:"methods,omitempty" mapstructure:"methods"`
	Features     []string            `json:"features,omitempty" yaml:"features,omitempty" mapstructure:"features"`
	// Callbacks holds results the site recorded for callables that only
	// exist on the site, keyed by callable name.
	Callbacks map[string]any `json:"callbacks,omitempty" yaml:"callbacks,omitempty" mapstructure:"callbacks"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_\\][A-Za-z0-9_\\]*$`)

// Validate reports every malformed name in the snapshot.
func (s Snapshot) Validate() error {
	var result *multierror.Error
	check := func(field, name string) {
		if !identifierPattern.MatchString(name) {
			result = multierror.Append(result, fmt.Errorf("%s: invalid name %q", field, name))
		}
	}

	for name := range s.Constants {
		check("constants", name)
	}
	for _, name := range s.Functions {
		check("functions", name)
	}
	for _, name := range s.Classes {
		check("classes", name)
	}
	for class, methods := range s.Methods {
		check("methods", class)
		for _, method := range methods {
			check("methods."+class, method)
		}
	}
	for _, feature := range s.Features {
		if feature == "" {
			result = multierror.Append(result, fmt.Errorf("features: empty name"))
		}
	}

	return result.ErrorOrNil()
}

// UnmarshalJSON decodes a snapshot keeping nested objects ordered.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	value, err := core.DecodeJSON(data)
	if err != nil {
		return err
	}
	return s.decode(value)
}

// Decode builds a snapshot from a value tree as returned by
// [core.DecodeJSON] or [DecodeDocument].
func Decode(value any) (Snapshot, error) {
	var s Snapshot
	if err := s.decode(value); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func (s *Snapshot) decode(value any) error {
	if value == nil {
		*s = Snapshot{}
		return nil
	}
	if _, ok := value.(*core.Map); !ok {
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("decode snapshot: got %T, want object", value)
		}
	}

	var decoded Snapshot
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &decoded,
		DecodeHook:  orderedMapHook,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	*s = decoded
	return nil
}

// orderedMapHook exposes a *core.Map as map[string]any when the target is a
// typed map or struct. Values stored into interfaces keep their *core.Map.
func orderedMapHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	m, ok := data.(*core.Map)
	if !ok || m == nil {
		return data, nil
	}
	if to.Kind() != reflect.Map && to.Kind() != reflect.Struct {
		return data, nil
	}
	out := make(map[string]any, m.Len())
	m.Range(func(key string, value any) bool {
		out[key] = value
		return true
	})
	return out, nil
}
