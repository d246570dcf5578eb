package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind identifies which scalar a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindStringList
)

var kindNames = map[Kind]string{
	KindNull:       "null",
	KindString:     "string",
	KindInt:        "int",
	KindFloat:      "float",
	KindBool:       "bool",
	KindTime:       "time",
	KindStringList: "string_list",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged union of the scalar types a graph property may hold.
// The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
	l    []string
}

func StringValue(s string) Value       { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value           { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value       { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value           { return Value{kind: KindBool, b: b} }
func TimeValue(t time.Time) Value      { return Value{kind: KindTime, t: t.UTC()} }
func StringListValue(l []string) Value { return Value{kind: KindStringList, l: append([]string(nil), l...)} }

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is unset.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool)      { return v.s, v.kind == KindString }
func (v Value) AsInt() (int64, bool)          { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)      { return v.f, v.kind == KindFloat }
func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }
func (v Value) AsTime() (time.Time, bool)     { return v.t, v.kind == KindTime }
func (v Value) AsStringList() ([]string, bool) { return v.l, v.kind == KindStringList }

// Any returns the value as a plain Go value suitable for driver parameters.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindStringList:
		return append([]string(nil), v.l...)
	}
	return nil
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	case KindStringList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if v.l[i] != o.l[i] {
				return false
			}
		}
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v.Any())
}

// MarshalJSON encodes the value as its plain JSON equivalent.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindTime {
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	}
	return json.Marshal(v.Any())
}

// ValueOf converts a value returned by a driver or decoded from JSON into a
// Value. Unsupported types produce an error rather than being stringified.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		return FloatValue(t), nil
	case time.Time:
		return TimeValue(t), nil
	case []string:
		return StringListValue(t), nil
	case []any:
		list := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("unsupported list element type %T", item)
			}
			list = append(list, s)
		}
		return StringListValue(list), nil
	}
	return Value{}, fmt.Errorf("unsupported property type %T", x)
}

// Properties is a property bag of typed values.
type Properties map[string]Value

// PropertiesFrom converts a loosely typed map, failing on the first
// unsupported value.
func PropertiesFrom(m map[string]any) (Properties, error) {
	props := make(Properties, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		if v.IsNull() {
			continue
		}
		props[k] = v
	}
	return props, nil
}

// Clone returns a shallow copy (values are immutable).
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with o.
func (p Properties) Merge(o Properties) Properties {
	out := p.Clone()
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Map converts the bag to plain Go values for driver parameters.
func (p Properties) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the string property or "" when absent or not a string.
func (p Properties) String(key string) string {
	s, _ := p[key].AsString()
	return s
}
