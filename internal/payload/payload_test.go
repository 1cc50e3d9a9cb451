package payload

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/danmuck/watchbridge/internal/protocol/tlv"
)

func sample() map[string]any {
	return map[string]any{
		"action":  "refresh",
		"count":   3,
		"ratio":   0.25,
		"enabled": true,
		"nested": map[string]any{
			"ids":   []any{"a", int32(2), 3.5, false},
			"inner": map[string]any{"deep": uint8(7)},
		},
		"empty": []any{},
	}
}

func TestNormalizeCanonicalKinds(t *testing.T) {
	m, err := Normalize(sample())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if _, ok := m["count"].(int64); !ok {
		t.Fatalf("expected int64 count, got %T", m["count"])
	}
	nested, ok := m["nested"].(Map)
	if !ok {
		t.Fatalf("expected nested Map, got %T", m["nested"])
	}
	ids := nested["ids"].([]any)
	if ids[1] != int64(2) || ids[2] != 3.5 {
		t.Fatalf("unexpected list kinds: %#v", ids)
	}
	if nested["inner"].(Map)["deep"] != int64(7) {
		t.Fatalf("unexpected deep value: %#v", nested["inner"])
	}
}

func TestNormalizeRejectsUnsupported(t *testing.T) {
	cases := []map[string]any{
		{"nil": nil},
		{"struct": struct{}{}},
		{"nan": math.NaN()},
		{"list": []any{make(chan int)}},
		{"big": uint64(math.MaxUint64)},
	}
	for _, in := range cases {
		if _, err := Normalize(in); !errors.Is(err, ErrUnsupportedValue) {
			t.Fatalf("expected ErrUnsupportedValue for %v, got %v", in, err)
		}
	}
}

func TestNormalizeDepthLimit(t *testing.T) {
	root := map[string]any{}
	cur := root
	for i := 0; i < MaxDepth+1; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	if _, err := Normalize(root); !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
}

func TestFromJSONKeepsIntegersAndFloatsApart(t *testing.T) {
	m, err := FromJSON([]byte(`{"n":12,"f":1.5,"big":9007199254740993,"list":[1,"x",{"k":true}]}`))
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if m["n"] != int64(12) || m["f"] != 1.5 {
		t.Fatalf("unexpected numbers: %#v", m)
	}
	if m["big"] != int64(9007199254740993) {
		t.Fatalf("expected exact int64, got %#v", m["big"])
	}
	if _, err := FromJSON([]byte(`[1,2]`)); !errors.Is(err, ErrNotObject) {
		t.Fatalf("expected ErrNotObject, got %v", err)
	}
}

func TestEncodeDecodePreservesShape(t *testing.T) {
	in, err := Normalize(sample())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Equal(in, out) {
		a, _ := json.Marshal(in)
		z, _ := json.Marshal(out)
		t.Fatalf("shape mismatch:\n in=%s\nout=%s", a, z)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	in, _ := Normalize(sample())
	a, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(in.Clone())
	if err != nil {
		t.Fatalf("encode clone: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical encodings")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 6, 0, 0, 0, 1, 'k'}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for dangling key, got %v", err)
	}
	if _, err := Decode([]byte{0, 0, 6, 0, 0, 0, 9}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short value, got %v", err)
	}

	key := tlv.Field{Type: tlv.TypeString, Value: []byte("x")}
	cases := map[string]tlv.Field{
		"nan":       {Type: tlv.TypeF64, Value: tlv.PutF64(math.NaN())},
		"+inf":      {Type: tlv.TypeF64, Value: tlv.PutF64(math.Inf(1))},
		"-inf":      {Type: tlv.TypeF64, Value: tlv.PutF64(math.Inf(-1))},
		"bool byte": {Type: tlv.TypeBool, Value: []byte{2}},
		"short i64": {Type: tlv.TypeI64, Value: []byte{0, 1}},
		"short f64": {Type: tlv.TypeF64, Value: []byte{0, 1, 2}},
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			b := tlv.EncodeFields([]tlv.Field{key, value})
			if m, err := Decode(b); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v (%v)", err, m)
			}
		})
	}
}

func TestEncodeRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := Encode(Map{"x": v}); !errors.Is(err, ErrUnsupportedValue) {
			t.Fatalf("expected ErrUnsupportedValue for %v, got %v", v, err)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	in, _ := Normalize(sample())
	cp := in.Clone()
	cp["nested"].(Map)["ids"].([]any)[0] = "changed"
	if in["nested"].(Map)["ids"].([]any)[0] != "a" {
		t.Fatalf("clone shares nested list")
	}
}
