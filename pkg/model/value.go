package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ValueType enumerates the variants an attribute value can hold.
type ValueType int

const (
	TypeEmpty ValueType = iota
	TypeString
	TypeBool
	TypeInt
	TypeDouble
	TypeBytes
	TypeArray
	TypeMap
)

// Value is an attribute value: one of string, bool, int, double, bytes,
// array or map. The zero Value is the empty variant.
type Value struct {
	typ ValueType
	str string
	b   bool
	i   int64
	f   float64
	bs  []byte
	arr []Value
	m   map[string]Value
}

func StringValue(s string) Value   { return Value{typ: TypeString, str: s} }
func BoolValue(b bool) Value       { return Value{typ: TypeBool, b: b} }
func IntValue(i int64) Value       { return Value{typ: TypeInt, i: i} }
func DoubleValue(f float64) Value  { return Value{typ: TypeDouble, f: f} }
func BytesValue(bs []byte) Value   { return Value{typ: TypeBytes, bs: bs} }
func ArrayValue(vs ...Value) Value { return Value{typ: TypeArray, arr: vs} }
func MapValue(m map[string]Value) Value {
	return Value{typ: TypeMap, m: m}
}

func (v Value) Type() ValueType       { return v.typ }
func (v Value) Str() string           { return v.str }
func (v Value) Bool() bool            { return v.b }
func (v Value) Int() int64            { return v.i }
func (v Value) Double() float64       { return v.f }
func (v Value) Bytes() []byte         { return v.bs }
func (v Value) Array() []Value        { return v.arr }
func (v Value) Map() map[string]Value { return v.m }

// IsScalar reports whether the value is a plain string, bool, int or double.
func (v Value) IsScalar() bool {
	switch v.typ {
	case TypeString, TypeBool, TypeInt, TypeDouble:
		return true
	}
	return false
}

// AsString renders the value as a string. Composite variants render as their
// JSON text.
func (v Value) AsString() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case TypeBytes:
		return base64.StdEncoding.EncodeToString(v.bs)
	case TypeArray, TypeMap:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}

// AsNumber returns the numeric interpretation of the value. Ints and doubles
// convert directly and numeric strings parse; everything else reports false.
func (v Value) AsNumber() (float64, bool) {
	switch v.typ {
	case TypeInt:
		return float64(v.i), true
	case TypeDouble:
		return v.f, true
	case TypeString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeEmpty:
		return true
	case TypeString:
		return v.str == o.str
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeDouble:
		return v.f == o.f
	case TypeBytes:
		return bytes.Equal(v.bs, o.bs)
	case TypeArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, mv := range v.m {
			ov, ok := o.m[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the natural JSON form of each variant. Bytes render as
// base64 strings, matching how they are stored.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeString:
		return json.Marshal(v.str)
	case TypeBool:
		return json.Marshal(v.b)
	case TypeInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case TypeDouble:
		return json.Marshal(v.f)
	case TypeBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bs))
	case TypeArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case TypeMap:
		return json.Marshal(v.m)
	}
	return []byte("null"), nil
}

// UnmarshalJSON sniffs the variant from the JSON token. Numbers without a
// fraction or exponent become ints, everything else numeric becomes a double.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case 'n':
		*v = Value{}
	case '[':
		var arr []Value
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*v = ArrayValue(arr...)
	case '{':
		var m map[string]Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = MapValue(m)
	default:
		if bytes.ContainsAny(data, ".eE") {
			f, err := strconv.ParseFloat(string(data), 64)
			if err != nil {
				return fmt.Errorf("invalid number %q: %w", data, err)
			}
			*v = DoubleValue(f)
			return nil
		}
		i, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			// out of int64 range, keep the double
			f, ferr := strconv.ParseFloat(string(data), 64)
			if ferr != nil {
				return fmt.Errorf("invalid number %q: %w", data, err)
			}
			*v = DoubleValue(f)
			return nil
		}
		*v = IntValue(i)
	}
	return nil
}

// Attributes is a set of named values. It marshals flattened: nested maps
// become dotted key paths and array elements that are not scalars are
// replaced by their JSON text, so stored documents are always one level deep.
type Attributes map[string]Value

// Flatten returns the single-level form of the attribute set.
func (a Attributes) Flatten() map[string]Value {
	flat := make(map[string]Value, len(a))
	for k, v := range a {
		flattenInto(flat, k, v)
	}
	return flat
}

func flattenInto(flat map[string]Value, key string, v Value) {
	switch v.Type() {
	case TypeMap:
		for mk, mv := range v.Map() {
			flattenInto(flat, key+"."+mk, mv)
		}
	case TypeArray:
		arr := v.Array()
		out := make([]Value, len(arr))
		for i, el := range arr {
			if el.IsScalar() {
				out[i] = el
				continue
			}
			out[i] = StringValue(el.AsString())
		}
		flat[key] = ArrayValue(out...)
	default:
		flat[key] = v
	}
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	flat := a.Flatten()

	// deterministic key order keeps encoded documents stable.
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := flat[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	var m map[string]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = m
	return nil
}
