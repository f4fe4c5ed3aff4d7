// Package execctx implements the scoped variable environment shared by
// composite tools, the rule interpreter, and the bytecode VM.
package execctx

import (
	"strconv"

	"devicenerd/internal/jsonval"
)

// Kind tags a variable value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject // borrowed jsonval object
	KindArray  // borrowed jsonval array
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "invalid"
}

// Value is the sum type stored in contexts and on the VM stack.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	ref  *jsonval.Value
}

func Null() Value            { return Value{kind: KindNull} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Int(i int64) Value      { return Value{kind: KindInt, i: i} }
func Float(f float64) Value  { return Value{kind: KindFloat, f: f} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// Ref wraps a parsed JSON tree. Objects and arrays are borrows; the caller
// keeps the root alive. Scalar trees collapse to their scalar kinds.
func Ref(v *jsonval.Value) Value {
	switch v.Kind() {
	case jsonval.KindNull:
		return Null()
	case jsonval.KindBool:
		return Bool(v.AsBool())
	case jsonval.KindNumber:
		n := v.AsNumber()
		if float64(int64(n)) == n {
			return Int(int64(n))
		}
		return Float(n)
	case jsonval.KindString:
		return String(v.AsString())
	case jsonval.KindArray:
		return Value{kind: KindArray, ref: v}
	default:
		return Value{kind: KindObject, ref: v}
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload; non-bools read as false.
func (v Value) Bool() bool { return v.kind == KindBool && v.b }

// Int returns the value as an integer, truncating floats.
func (v Value) Int() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	}
	return 0
}

// Float returns the value as a float.
func (v Value) Float() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.i)
	case KindFloat:
		return v.f
	}
	return 0
}

// IsNumber reports whether the value is int or float.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// Str returns the string payload; non-strings read as "".
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.s
}

// JSON returns the borrowed tree of an object or array value.
func (v Value) JSON() *jsonval.Value {
	if v.kind != KindObject && v.kind != KindArray {
		return nil
	}
	return v.ref
}

// Truthy converts a value to a condition result: false for null, zero,
// the empty string, and false; true otherwise.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindObject, KindArray:
		return true
	}
	return false
}

// Stringify renders a value for template substitution: decimal for
// numbers, true/false for booleans, JSON text for object and array refs,
// empty for null.
func (v Value) Stringify() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindObject, KindArray:
		return jsonval.Stringify(v.ref)
	}
	return ""
}

// Equal compares two values. Int and float compare numerically; other
// heterogeneous pairs are unequal.
func Equal(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.Float() == b.Float()
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.s == b.s
	case KindObject, KindArray:
		return jsonval.Equal(a.ref, b.ref)
	}
	return false
}
