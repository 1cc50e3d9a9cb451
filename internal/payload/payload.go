// Package payload owns the tree-shaped value carried across the bridge in
// every direction: messages, requests, replies, contexts and transfers.
//
// A Map holds string keys; values are string, bool, int64, float64, Map, or
// []any of those shapes. Nothing else crosses the boundary.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// MaxDepth bounds nesting of maps and lists.
const MaxDepth = 64

var (
	ErrUnsupportedValue = errors.New("payload: unsupported value")
	ErrTooDeep          = errors.New("payload: nesting too deep")
	ErrNotObject        = errors.New("payload: top-level value is not an object")
)

// Map is one MessagePayload.
type Map map[string]any

// Normalize validates in and returns a Map with canonical value kinds.
// Integer kinds become int64, float32 becomes float64, json.Number is
// resolved to int64 when integral and float64 otherwise.
func Normalize(in map[string]any) (Map, error) {
	if in == nil {
		return Map{}, nil
	}
	out, err := normalizeMap(in, "", 1)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FromJSON decodes a JSON object into a normalized Map.
func FromJSON(data []byte) (Map, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("payload: decode json: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Normalize(obj)
}

// Clone returns a deep copy.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports structural equality of two normalized maps.
func Equal(a, b Map) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Map:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(in map[string]any, path string, depth int) (Map, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w at %q", ErrTooDeep, path)
	}
	out := make(Map, len(in))
	for k, v := range in {
		nv, err := normalizeValue(v, joinPath(path, k), depth)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any, path string, depth int) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uintValue(uint64(t), path)
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return uintValue(t, path)
	case float32:
		return floatValue(float64(t), path)
	case float64:
		return floatValue(t, path)
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w at %q: number %q", ErrUnsupportedValue, path, string(t))
		}
		return floatValue(f, path)
	case Map:
		return normalizeMap(t, path, depth+1)
	case map[string]any:
		return normalizeMap(t, path, depth+1)
	case []any:
		if depth+1 > MaxDepth {
			return nil, fmt.Errorf("%w at %q", ErrTooDeep, path)
		}
		out := make([]any, len(t))
		for i, item := range t {
			nv, err := normalizeValue(item, path+"["+strconv.Itoa(i)+"]", depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w at %q: null", ErrUnsupportedValue, path)
	default:
		return nil, fmt.Errorf("%w at %q: %T", ErrUnsupportedValue, path, v)
	}
}

func uintValue(v uint64, path string) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("%w at %q: integer overflows int64", ErrUnsupportedValue, path)
	}
	return int64(v), nil
}

func floatValue(v float64, path string) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w at %q: non-finite number", ErrUnsupportedValue, path)
	}
	return v, nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
