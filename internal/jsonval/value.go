// Package jsonval implements the parsed JSON value tree used across the
// runtime: a tagged sum over {null, bool, number, string, array, object}
// with typed field getters.
//
// Ownership contract: string getters return owned copies; object and array
// getters return borrows of sub-trees whose lifetime is tied to the root.
// Values are immutable after Parse, so a borrowed sub-tree stays valid for
// as long as the caller holds any reference into the tree.
package jsonval

import (
	"strconv"
	"strings"
)

// Kind tags a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "invalid"
}

// Field is one object member. Order is preserved so stringify inverts parse.
type Field struct {
	Name  string
	Value *Value
}

// Value is one node of a parsed JSON tree.
type Value struct {
	kind Kind
	b    bool
	num  float64
	raw  string // original numeric literal, kept for round-trip output
	str  string
	arr  []*Value
	obj  []Field
}

// Constructors. Used by the execution context and the tool dispatcher when
// building result trees in memory.

func Null() *Value               { return &Value{kind: KindNull} }
func Bool(b bool) *Value         { return &Value{kind: KindBool, b: b} }
func Number(n float64) *Value    { return &Value{kind: KindNumber, num: n} }
func Int(n int64) *Value         { return &Value{kind: KindNumber, num: float64(n), raw: strconv.FormatInt(n, 10)} }
func String(s string) *Value     { return &Value{kind: KindString, str: s} }
func Array(vs ...*Value) *Value  { return &Value{kind: KindArray, arr: vs} }
func Object(fs ...Field) *Value  { return &Value{kind: KindObject, obj: fs} }
func F(name string, v *Value) Field { return Field{Name: name, Value: v} }

// Kind returns the value's tag.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether the value is absent or JSON null.
func (v *Value) IsNull() bool { return v == nil || v.kind == KindNull }

// AsBool returns the boolean payload, or false if the kind differs.
func (v *Value) AsBool() bool { return v != nil && v.kind == KindBool && v.b }

// AsNumber returns the numeric payload, or 0 if the kind differs.
func (v *Value) AsNumber() float64 {
	if v == nil || v.kind != KindNumber {
		return 0
	}
	return v.num
}

// AsString returns an owned copy of the string payload, or "" on mismatch.
func (v *Value) AsString() string {
	if v == nil || v.kind != KindString {
		return ""
	}
	return strings.Clone(v.str)
}

// GetField returns the named member of an object, or nil. The returned
// value is a borrow into the receiver's tree.
func (v *Value) GetField(name string) *Value {
	if v == nil || v.kind != KindObject {
		return nil
	}
	for i := range v.obj {
		if v.obj[i].Name == name {
			return v.obj[i].Value
		}
	}
	return nil
}

// FieldExists reports whether an object has the named member.
func (v *Value) FieldExists(name string) bool { return v.GetField(name) != nil }

// GetString returns an owned copy of a string field, "" on any mismatch.
func (v *Value) GetString(name string) string { return v.GetField(name).AsString() }

// GetStringOK is GetString with an explicit presence flag.
func (v *Value) GetStringOK(name string) (string, bool) {
	f := v.GetField(name)
	if f == nil || f.kind != KindString {
		return "", false
	}
	return strings.Clone(f.str), true
}

// GetInt returns an integer field, 0 on mismatch or fractional value.
func (v *Value) GetInt(name string) int64 {
	n, _ := v.GetIntOK(name)
	return n
}

// GetIntOK returns an integer field with a presence flag. A number with a
// fractional part does not count as an integer.
func (v *Value) GetIntOK(name string) (int64, bool) {
	f := v.GetField(name)
	if f == nil || f.kind != KindNumber {
		return 0, false
	}
	n := int64(f.num)
	if float64(n) != f.num {
		return 0, false
	}
	return n, true
}

// GetFloat returns a numeric field, 0 on mismatch.
func (v *Value) GetFloat(name string) float64 { return v.GetField(name).AsNumber() }

// GetFloatOK returns a numeric field with a presence flag.
func (v *Value) GetFloatOK(name string) (float64, bool) {
	f := v.GetField(name)
	if f == nil || f.kind != KindNumber {
		return 0, false
	}
	return f.num, true
}

// GetBool returns a boolean field, false on mismatch.
func (v *Value) GetBool(name string) bool { return v.GetField(name).AsBool() }

// GetBoolOK returns a boolean field with a presence flag.
func (v *Value) GetBoolOK(name string) (bool, bool) {
	f := v.GetField(name)
	if f == nil || f.kind != KindBool {
		return false, false
	}
	return f.b, true
}

// GetObject returns a borrowed object field, nil on mismatch.
func (v *Value) GetObject(name string) *Value {
	f := v.GetField(name)
	if f == nil || f.kind != KindObject {
		return nil
	}
	return f
}

// GetArray returns a borrowed array field, nil on mismatch.
func (v *Value) GetArray(name string) *Value {
	f := v.GetField(name)
	if f == nil || f.kind != KindArray {
		return nil
	}
	return f
}

// ArrayLength returns the element count, 0 for non-arrays.
func (v *Value) ArrayLength() int {
	if v == nil || v.kind != KindArray {
		return 0
	}
	return len(v.arr)
}

// ArrayGet returns a borrowed element, nil when out of range.
func (v *Value) ArrayGet(i int) *Value {
	if v == nil || v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return nil
	}
	return v.arr[i]
}

// ArrayGetString returns an owned copy of a string element, "" on mismatch.
func (v *Value) ArrayGetString(i int) string { return v.ArrayGet(i).AsString() }

// ArrayGetFloat returns a numeric element, 0 on mismatch.
func (v *Value) ArrayGetFloat(i int) float64 { return v.ArrayGet(i).AsNumber() }

// Fields returns the object's members in declaration order (borrowed).
func (v *Value) Fields() []Field {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.obj
}

// Elements returns the array's members in order (borrowed).
func (v *Value) Elements() []*Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Clone deep-copies a tree, detaching it from its root's lifetime.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, b: v.b, num: v.num, raw: v.raw, str: strings.Clone(v.str)}
	if v.arr != nil {
		out.arr = make([]*Value, len(v.arr))
		for i, e := range v.arr {
			out.arr[i] = e.Clone()
		}
	}
	if v.obj != nil {
		out.obj = make([]Field, len(v.obj))
		for i, f := range v.obj {
			out.obj[i] = Field{Name: strings.Clone(f.Name), Value: f.Value.Clone()}
		}
	}
	return out
}

// Equal compares two trees structurally. Object field order is ignored;
// duplicate field names compare by first occurrence, matching lookup.
func Equal(a, b *Value) bool {
	if a.IsNull() && b.IsNull() {
		return true
	}
	if a == nil || b == nil || a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for i := range a.obj {
			if !Equal(a.GetField(a.obj[i].Name), b.GetField(a.obj[i].Name)) {
				return false
			}
		}
		return true
	}
	return true
}
