package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Map is a string-keyed mapping that remembers insertion order. Condition
// groups without a "rules" wrapper and configuration trees are both walked in
// the order their keys were written, so JSON documents decode into Map rather
// than map[string]any.
type Map struct {
	keys   []string
	values map[string]any
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// MapOf builds a Map from alternating key/value arguments. It panics when a
// key is not a string or a value is missing, which only happens with
// programmer error in literals.
func MapOf(pairs ...any) *Map {
	if len(pairs)%2 != 0 {
		panic("core.MapOf: odd number of arguments")
	}

	m := &Map{
		keys:   make([]string, 0, len(pairs)/2),
		values: make(map[string]any, len(pairs)/2),
	}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("core.MapOf: key %v is %T, want string", pairs[i], pairs[i]))
		}
		m.Set(key, pairs[i+1])
	}

	return m
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	value, ok := m.values[key]
	return value, ok
}

// Has reports whether key is present, even when its value is nil.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores value under key. Overwriting keeps the original position.
func (m *Map) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key if present.
func (m *Map) Delete(key string) {
	if m == nil {
		return
	}
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *Map) Range(fn func(key string, value any) bool) {
	if m == nil {
		return
	}
	for _, key := range m.keys {
		if !fn(key, m.values[key]) {
			return
		}
	}
}

// Clone returns a shallow copy: nested values are shared.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	clone := &Map{
		keys:   append([]string(nil), m.keys...),
		values: make(map[string]any, len(m.values)),
	}
	for k, v := range m.values {
		clone.values[k] = v
	}
	return clone
}

// Plain converts the Map, and every nested Map, into map[string]any. Order
// is lost.
func (m *Map) Plain() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m.keys))
	for _, key := range m.keys {
		out[key] = plainValue(m.values[key])
	}
	return out
}

func plainValue(value any) any {
	switch v := value.(type) {
	case *Map:
		return v.Plain()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = plainValue(item)
		}
		return out
	default:
		return value
	}
}

// MarshalJSON encodes the Map as a JSON object preserving key order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		encodedValue, err := json.Marshal(m.values[key])
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", key, err)
		}
		buf.Write(encodedValue)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	value, err := DecodeJSON(data)
	if err != nil {
		return err
	}
	decoded, ok := value.(*Map)
	if !ok {
		return fmt.Errorf("decode map: got %T, want object", value)
	}
	*m = *decoded
	return nil
}

// DecodeJSON decodes a single JSON document into the value model: *Map for
// objects, []any for arrays, int64 or float64 for numbers.
func DecodeJSON(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	value, err := decodeValue(decoder)
	if err != nil {
		return nil, err
	}

	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("decode json: trailing data after document")
		}
		return nil, fmt.Errorf("decode json: %w", err)
	}

	return value, nil
}

func decodeValue(decoder *json.Decoder) (any, error) {
	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	switch t := token.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := NewMap()
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return nil, fmt.Errorf("decode json: %w", err)
				}
				key, ok := keyToken.(string)
				if !ok {
					return nil, fmt.Errorf("decode json: object key %v is not a string", keyToken)
				}
				value, err := decodeValue(decoder)
				if err != nil {
					return nil, err
				}
				m.Set(key, value)
			}
			if _, err := decoder.Token(); err != nil {
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return m, nil
		case '[':
			list := make([]any, 0)
			for decoder.More() {
				value, err := decodeValue(decoder)
				if err != nil {
					return nil, err
				}
				list = append(list, value)
			}
			if _, err := decoder.Token(); err != nil {
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return list, nil
		default:
			return nil, fmt.Errorf("decode json: unexpected delimiter %q", t)
		}
	case json.Number:
		return normalizeNumber(t), nil
	default:
		return t, nil
	}
}

func normalizeNumber(number json.Number) any {
	if i, err := number.Int64(); err == nil {
		return i
	}
	f, err := number.Float64()
	if err != nil {
		return number.String()
	}
	if isWholeFinite(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// asMap returns a Map view of value. Plain maps are converted with their keys
// sorted so that iteration stays deterministic.
func asMap(value any) (*Map, bool) {
	switch v := value.(type) {
	case *Map:
		if v == nil {
			return nil, false
		}
		return v, true
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := &Map{keys: keys, values: make(map[string]any, len(v))}
		for k, item := range v {
			m.values[k] = item
		}
		return m, true
	default:
		return nil, false
	}
}

// asList returns value as a list when it is a sequence.
func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []*Map:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

// stringOf returns a string operand. Numbers and booleans are formatted the
// way the host formats them when it casts to string.
func stringOf(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		if v {
			return "1", true
		}
		return "", true
	case nil:
		return "", true
	}
	if i, ok := asInt64(value); ok {
		return strconv.FormatInt(i, 10), true
	}
	if u, ok := asUint64(value); ok {
		return strconv.FormatUint(u, 10), true
	}
	if f, ok := asFloat64(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// String formats a scalar the way the host casts it to a string. The second
// result is false for containers.
func String(value any) (string, bool) {
	return stringOf(value)
}
