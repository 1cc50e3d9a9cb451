package payload

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/watchbridge/internal/protocol/tlv"
)

var ErrMalformed = errors.New("payload: malformed encoding")

// Encode writes m as a TLV sequence of key/value field pairs. Keys are
// emitted in sorted order so equal maps encode to equal bytes.
func Encode(m Map) ([]byte, error) {
	fields, err := encodeMap(m, 1)
	if err != nil {
		return nil, err
	}
	return tlv.EncodeFields(fields), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Map, error) {
	return decodeMap(b, 1)
}

func encodeMap(m Map, depth int) ([]tlv.Field, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	fields := make([]tlv.Field, 0, 2*len(m))
	for _, k := range m.Keys() {
		vf, err := encodeValue(m[k], depth)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		fields = append(fields, tlv.Field{Type: tlv.TypeString, Value: []byte(k)}, vf)
	}
	return fields, nil
}

func encodeValue(v any, depth int) (tlv.Field, error) {
	switch t := v.(type) {
	case string:
		return tlv.Field{Type: tlv.TypeString, Value: []byte(t)}, nil
	case bool:
		return tlv.Field{Type: tlv.TypeBool, Value: tlv.PutBool(t)}, nil
	case int64:
		return tlv.Field{Type: tlv.TypeI64, Value: tlv.PutI64(t)}, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return tlv.Field{}, fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
		}
		return tlv.Field{Type: tlv.TypeF64, Value: tlv.PutF64(t)}, nil
	case Map:
		inner, err := encodeMap(t, depth+1)
		if err != nil {
			return tlv.Field{}, err
		}
		return tlv.Field{Type: tlv.TypeMap, Value: tlv.EncodeFields(inner)}, nil
	case []any:
		if depth+1 > MaxDepth {
			return tlv.Field{}, ErrTooDeep
		}
		inner := make([]tlv.Field, 0, len(t))
		for i, item := range t {
			f, err := encodeValue(item, depth+1)
			if err != nil {
				return tlv.Field{}, fmt.Errorf("index %d: %w", i, err)
			}
			inner = append(inner, f)
		}
		return tlv.Field{Type: tlv.TypeList, Value: tlv.EncodeFields(inner)}, nil
	default:
		return tlv.Field{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func decodeMap(b []byte, depth int) (Map, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: odd field count %d", ErrMalformed, len(fields))
	}
	out := make(Map, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		kf := fields[i]
		if kf.Type != tlv.TypeString {
			return nil, fmt.Errorf("%w: key type %d", ErrMalformed, kf.Type)
		}
		v, err := decodeValue(fields[i+1], depth)
		if err != nil {
			return nil, err
		}
		out[string(kf.Value)] = v
	}
	return out, nil
}

func decodeValue(f tlv.Field, depth int) (any, error) {
	switch f.Type {
	case tlv.TypeString:
		return string(f.Value), nil
	case tlv.TypeBool:
		v, err := tlv.BoolFromBytes(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	case tlv.TypeI64:
		v, err := tlv.I64FromBytes(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	case tlv.TypeF64:
		v, err := tlv.F64FromBytes(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		// Map values are always finite.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrMalformed)
		}
		return v, nil
	case tlv.TypeMap:
		return decodeMap(f.Value, depth+1)
	case tlv.TypeList:
		if depth+1 > MaxDepth {
			return nil, ErrTooDeep
		}
		items, err := tlv.DecodeFields(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := decodeValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: value type %d", ErrMalformed, f.Type)
	}
}
