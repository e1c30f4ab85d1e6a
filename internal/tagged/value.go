// Package tagged implements the dynamically-typed result value carried by
// task results and shared context entries: Null, Bool, Number, String, Array,
// or Object. A Value round-trips through JSON and can be rendered into
// template expressions without the caller needing to know its shape ahead of
// time.
package tagged

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged union over the JSON data model. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value            { return Value{kind: KindNull} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Array(v []Value) Value  { return Value{kind: KindArray, arr: v} }
func Object(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)               { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool)          { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool)           { return v.s, v.kind == KindString }
func (v Value) AsArray() ([]Value, bool)           { return v.arr, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Field looks up a key on an Object value; returns Null if not present or not
// an object.
func (v Value) Field(key string) Value {
	if v.kind != KindObject {
		return Null()
	}
	if child, ok := v.obj[key]; ok {
		return child
	}
	return Null()
}

// Truthy follows the renderer's notion of truthiness for conditionals:
// false, null, zero, and empty string/array/object are falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.arr) > 0
	case KindObject:
		return len(v.obj) > 0
	default:
		return false
	}
}

// String renders a human-readable representation, used by the template
// renderer when interpolating a value into prompt text.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObject:
		data, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(data)
	default:
		return ""
	}
}

// FromRaw parses a string into a Value. A result string is parsed as JSON
// if it looks like a JSON object or array; otherwise it is wrapped as-is in
// a String value.
func FromRaw(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v Value
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return String(raw)
}

// FromAny converts an arbitrary decoded JSON value (as produced by
// json.Unmarshal into interface{}) into a Value.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return Array(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return Object(out)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		return json.Marshal(v.obj)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var a any
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = FromAny(a)
	return nil
}

// DeepMerge merges src into dst, last-writer-wins per leaf.
// Nested objects are merged key-by-key; any other type (including arrays)
// is replaced wholesale by src.
func DeepMerge(dst, src Value) Value {
	dstObj, dstIsObj := dst.AsObject()
	srcObj, srcIsObj := src.AsObject()
	if !dstIsObj || !srcIsObj {
		return src
	}
	merged := make(map[string]Value, len(dstObj)+len(srcObj))
	for k, v := range dstObj {
		merged[k] = v
	}
	for k, v := range srcObj {
		if existing, ok := merged[k]; ok {
			merged[k] = DeepMerge(existing, v)
		} else {
			merged[k] = v
		}
	}
	return Object(merged)
}
