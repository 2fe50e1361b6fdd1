package environment

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/condz/internal/core"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

// LoadFile reads a snapshot from a .yaml, .yml, .jsonc or .json file.
func LoadFile(path string) (Snapshot, error) {
	value, err := ReadDocument(path)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot, err := Decode(value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return snapshot, nil
}

// ReadDocument reads a file into the core value model, choosing the decoder
// by extension.
func ReadDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	value, err := DecodeDocument(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return value, nil
}

// DecodeDocument decodes data according to the extension of name. JSONC
// comments and trailing commas are stripped before JSON decoding.
func DecodeDocument(name string, data []byte) (any, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return decodeYAML(data)
	case ".jsonc":
		return core.DecodeJSON(jsonc.ToJSON(data))
	case ".json":
		return core.DecodeJSON(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

func decodeYAML(data []byte) (any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if doc.Kind == 0 {
		return nil, nil
	}
	return fromYAML(&doc)
}

// fromYAML converts a node tree so mappings keep their document order.
func fromYAML(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return fromYAML(node.Content[0])
	case yaml.AliasNode:
		return fromYAML(node.Alias)
	case yaml.MappingNode:
		m := core.NewMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valueNode := node.Content[i], node.Content[i+1]
			if keyNode.Tag == "!!merge" {
				if err := mergeYAML(m, valueNode); err != nil {
					return nil, err
				}
				continue
			}
			value, err := fromYAML(valueNode)
			if err != nil {
				return nil, err
			}
			m.Set(keyNode.Value, value)
		}
		return m, nil
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			value, err := fromYAML(child)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		return list, nil
	case yaml.ScalarNode:
		var value any
		if err := node.Decode(&value); err != nil {
			return nil, fmt.Errorf("decode yaml line %d: %w", node.Line, err)
		}
		return normalizeScalar(value), nil
	default:
		return nil, fmt.Errorf("decode yaml line %d: unexpected node kind %d", node.Line, node.Kind)
	}
}

func mergeYAML(into *core.Map, node *yaml.Node) error {
	value, err := fromYAML(node)
	if err != nil {
		return err
	}
	sources, ok := value.([]any)
	if !ok {
		sources = []any{value}
	}
	for _, source := range sources {
		m, ok := source.(*core.Map)
		if !ok {
			return fmt.Errorf("decode yaml line %d: merge value is not a mapping", node.Line)
		}
		m.Range(func(key string, item any) bool {
			if !into.Has(key) {
				into.Set(key, item)
			}
			return true
		})
	}
	return nil
}

func normalizeScalar(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return float64(v)
	case float64:
		if !math.IsInf(v, 0) && !math.IsNaN(v) && math.Trunc(v) == v && v >= math.MinInt64 && v < math.MaxInt64 {
			return int64(v)
		}
		return v
	default:
		return value
	}
}
