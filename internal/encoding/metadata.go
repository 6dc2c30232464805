package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Metadata is an ordered mapping from string keys to recursive Value trees.
// Ordering is preserved across Encode/Decode so export dumps stay stable,
// matching spec.md §9's "keep insertion order for export stability".
type Metadata struct {
	keys   []string
	values map[string]Value
}

// NewMetadata returns an empty, ready-to-use Metadata.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]Value)}
}

// Set assigns key to v, appending key to the insertion order the first time
// it's seen and leaving the order untouched on overwrite.
func (m *Metadata) Set(key string, v Value) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get returns the value for key and whether it was present.
func (m *Metadata) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	return len(m.keys)
}

// ValueKind tags the recursive Value union.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// Value is the recursive {null, bool, int, float, string, array, object}
// metadata value type named by spec.md §9. Exactly one of the typed fields
// is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Bool   bool
	Int    int64
	Float  float64
	String string
	Array  []Value
	Object *Metadata
}

func NullValue() Value            { return Value{Kind: KindNull} }
func BoolValue(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value       { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value   { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value   { return Value{Kind: KindString, String: s} }
func ArrayValue(vs []Value) Value  { return Value{Kind: KindArray, Array: vs} }
func ObjectValue(m *Metadata) Value { return Value{Kind: KindObject, Object: m} }

// jsonOrderedEntry is the wire shape used to preserve key order through
// encoding/json, which does not otherwise guarantee map ordering.
type jsonOrderedEntry struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// EncodeMetadata serializes Metadata to a portable, order-preserving JSON
// byte stream, matching the teacher's "metadata serialized as a portable
// object tree" contract (spec.md §4.2).
func EncodeMetadata(m *Metadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	entries := make([]jsonOrderedEntry, 0, m.Len())
	for _, k := range m.keys {
		raw, err := encodeValue(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("encoding: metadata key %q: %w", k, err)
		}
		entries = append(entries, jsonOrderedEntry{Key: k, Value: raw})
	}
	return json.Marshal(entries)
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(data []byte) (*Metadata, error) {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return NewMetadata(), nil
	}
	var entries []jsonOrderedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("encoding: decode metadata: %w", err)
	}
	m := NewMetadata()
	for _, e := range entries {
		v, err := decodeValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding: metadata key %q: %w", e.Key, err)
		}
		m.Set(e.Key, v)
	}
	return m, nil
}

type jsonValueWire struct {
	Kind  ValueKind          `json:"kind"`
	Bool  bool               `json:"bool,omitempty"`
	Int   int64              `json:"int,omitempty"`
	Float float64            `json:"float,omitempty"`
	Str   string             `json:"str,omitempty"`
	Array []json.RawMessage  `json:"array,omitempty"`
	Object []jsonOrderedEntry `json:"object,omitempty"`
}

func encodeValue(v Value) (json.RawMessage, error) {
	w := jsonValueWire{Kind: v.Kind}
	switch v.Kind {
	case KindNull:
	case KindBool:
		w.Bool = v.Bool
	case KindInt:
		w.Int = v.Int
	case KindFloat:
		w.Float = v.Float
	case KindString:
		w.Str = v.String
	case KindArray:
		w.Array = make([]json.RawMessage, len(v.Array))
		for i, e := range v.Array {
			raw, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			w.Array[i] = raw
		}
	case KindObject:
		if v.Object != nil {
			for _, k := range v.Object.keys {
				raw, err := encodeValue(v.Object.values[k])
				if err != nil {
					return nil, err
				}
				w.Object = append(w.Object, jsonOrderedEntry{Key: k, Value: raw})
			}
		}
	default:
		return nil, fmt.Errorf("encoding: unknown value kind %d", v.Kind)
	}
	return json.Marshal(w)
}

func decodeValue(raw json.RawMessage) (Value, error) {
	var w jsonValueWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Value{}, err
	}
	switch w.Kind {
	case KindNull:
		return NullValue(), nil
	case KindBool:
		return BoolValue(w.Bool), nil
	case KindInt:
		return IntValue(w.Int), nil
	case KindFloat:
		return FloatValue(w.Float), nil
	case KindString:
		return StringValue(w.Str), nil
	case KindArray:
		arr := make([]Value, len(w.Array))
		for i, e := range w.Array {
			v, err := decodeValue(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return ArrayValue(arr), nil
	case KindObject:
		m := NewMetadata()
		for _, e := range w.Object {
			v, err := decodeValue(e.Value)
			if err != nil {
				return Value{}, err
			}
			m.Set(e.Key, v)
		}
		return ObjectValue(m), nil
	default:
		return Value{}, fmt.Errorf("encoding: unknown value kind %d", w.Kind)
	}
}
