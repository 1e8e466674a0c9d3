package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType is the type of a setting value.
type ValueType string

// Setting value types.
const (
	TypeBool  ValueType = "bool"
	TypeInt   ValueType = "int"
	TypeFloat ValueType = "float"
	TypeEnum  ValueType = "enum"
)

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeEnum:
		return true
	}
	return false
}

// Value is a typed setting value. The zero Value has no type and is never
// accepted by a descriptor.
type Value struct {
	typ ValueType
	b   bool
	i   int64
	f   float64
	s   string
}

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{typ: TypeBool, b: v} }

// Int returns an integer Value.
func Int(v int64) Value { return Value{typ: TypeInt, i: v} }

// Float returns a floating point Value.
func Float(v float64) Value { return Value{typ: TypeFloat, f: v} }

// Enum returns an enumeration Value.
func Enum(v string) Value { return Value{typ: TypeEnum, s: v} }

// Type returns the value's type, or "" for the zero Value.
func (v Value) Type() ValueType { return v.typ }

// IsZero reports whether v carries no value at all.
func (v Value) IsZero() bool { return v.typ == "" }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.b }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return v.i }

// AsEnum returns the enumeration payload.
func (v Value) AsEnum() string { return v.s }

// AsFloat returns the numeric payload as float64. Integers are widened.
func (v Value) AsFloat() float64 {
	if v.typ == TypeInt {
		return float64(v.i)
	}
	return v.f
}

// Numeric reports whether v is an int or float.
func (v Value) Numeric() bool { return v.typ == TypeInt || v.typ == TypeFloat }

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.typ {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeEnum:
		return v.s
	}
	return nil
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f
	case TypeEnum:
		return v.s == o.s
	}
	return true
}

func (v Value) String() string {
	switch v.typ {
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeEnum:
		return v.s
	}
	return "<none>"
}

type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ == "" {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.typ, Value: raw})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	switch w.Type {
	case TypeBool:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return fmt.Errorf("decoding bool value: %w", err)
		}
		*v = Bool(b)
	case TypeInt:
		var i int64
		if err := json.Unmarshal(w.Value, &i); err != nil {
			return fmt.Errorf("decoding int value: %w", err)
		}
		*v = Int(i)
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return fmt.Errorf("decoding float value: %w", err)
		}
		*v = Float(f)
	case TypeEnum:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("decoding enum value: %w", err)
		}
		*v = Enum(s)
	default:
		return fmt.Errorf("decoding value: unknown type %q", w.Type)
	}
	return nil
}

// Coerce converts a loosely typed input (JSON, YAML, query strings) into a
// Value of the descriptor's type. It does not check ranges; call Validate
// on the result.
func Coerce(desc SettingDescriptor, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		if v.typ == TypeInt && desc.Type == TypeFloat {
			return Float(float64(v.i)), nil
		}
		return v, nil
	}

	switch desc.Type {
	case TypeBool:
		switch x := raw.(type) {
		case bool:
			return Bool(x), nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				break
			}
			return Bool(b), nil
		}
	case TypeInt:
		switch x := raw.(type) {
		case int:
			return Int(int64(x)), nil
		case int64:
			return Int(x), nil
		case uint64:
			if x <= math.MaxInt64 {
				return Int(int64(x)), nil
			}
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return Int(int64(x)), nil
			}
		case json.Number:
			i, err := x.Int64()
			if err == nil {
				return Int(i), nil
			}
		case string:
			i, err := strconv.ParseInt(x, 10, 64)
			if err == nil {
				return Int(i), nil
			}
		}
	case TypeFloat:
		switch x := raw.(type) {
		case float64:
			return Float(x), nil
		case float32:
			return Float(float64(x)), nil
		case int:
			return Float(float64(x)), nil
		case int64:
			return Float(float64(x)), nil
		case json.Number:
			f, err := x.Float64()
			if err == nil {
				return Float(f), nil
			}
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err == nil {
				return Float(f), nil
			}
		}
	case TypeEnum:
		switch x := raw.(type) {
		case string:
			return Enum(x), nil
		case int, int64, float64:
			return Enum(fmt.Sprint(x)), nil
		case json.Number:
			return Enum(x.String()), nil
		}
	}
	return Value{}, fmt.Errorf("%w: %s: cannot use %v (%T) as %s", ErrInvalidSettingValue, desc.Name, raw, raw, desc.Type)
}
