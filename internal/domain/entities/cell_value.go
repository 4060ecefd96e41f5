package entities

import (
	"encoding/json"
	"math"
	"sort"
)

// ValueKind discriminates CellValue
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "null"
}

// CellValue is a typed JSON-like value stored in a cell. The zero value is null.
// Arrays are atomic: merges replace them wholesale.
type CellValue struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	arr  []CellValue
	obj  map[string]CellValue
}

func NullValue() CellValue { return CellValue{} }

func StringValue(s string) CellValue { return CellValue{kind: KindString, str: s} }

func NumberValue(n float64) CellValue { return CellValue{kind: KindNumber, num: n} }

func BoolValue(b bool) CellValue { return CellValue{kind: KindBool, b: b} }

func ArrayValue(items ...CellValue) CellValue {
	return CellValue{kind: KindArray, arr: append([]CellValue(nil), items...)}
}

func ObjectValue(fields map[string]CellValue) CellValue {
	obj := make(map[string]CellValue, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return CellValue{kind: KindObject, obj: obj}
}

func (v CellValue) Kind() ValueKind { return v.kind }

func (v CellValue) IsNull() bool { return v.kind == KindNull }

func (v CellValue) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v CellValue) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

func (v CellValue) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the array elements. The slice must not be modified.
func (v CellValue) Items() []CellValue { return v.arr }

// Keys returns object field names in sorted order.
func (v CellValue) Keys() []string {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field returns the named object field.
func (v CellValue) Field(name string) (CellValue, bool) {
	f, ok := v.obj[name]
	return f, ok
}

// Equal compares values structurally.
func (v CellValue) Equal(o CellValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, fv := range v.obj {
			ov, ok := o.obj[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// FromInterface converts decoded JSON (or plain Go scalars) into a CellValue.
// Unsupported types become null.
func FromInterface(x interface{}) CellValue {
	switch t := x.(type) {
	case nil:
		return NullValue()
	case CellValue:
		return t
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case float32:
		return NumberValue(float64(t))
	case int:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return StringValue(t.String())
		}
		return NumberValue(f)
	case []interface{}:
		items := make([]CellValue, len(t))
		for i, item := range t {
			items[i] = FromInterface(item)
		}
		return CellValue{kind: KindArray, arr: items}
	case map[string]interface{}:
		obj := make(map[string]CellValue, len(t))
		for k, item := range t {
			obj[k] = FromInterface(item)
		}
		return CellValue{kind: KindObject, obj: obj}
	}
	return NullValue()
}

// Interface converts back to plain Go values suitable for encoding/json.
func (v CellValue) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil
		}
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (v CellValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler
func (v *CellValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromInterface(raw)
	return nil
}
