package jsonval

import (
	"testing"
)

func TestParseBasics(t *testing.T) {
	v, err := ParseString(`{"name":"sensor","value":42,"ratio":0.5,"on":true,"tags":["a","b"],"meta":null}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := v.GetString("name"); got != "sensor" {
		t.Errorf("GetString = %q", got)
	}
	if got := v.GetInt("value"); got != 42 {
		t.Errorf("GetInt = %d", got)
	}
	if got := v.GetFloat("ratio"); got != 0.5 {
		t.Errorf("GetFloat = %v", got)
	}
	if !v.GetBool("on") {
		t.Error("GetBool = false")
	}
	tags := v.GetArray("tags")
	if tags.ArrayLength() != 2 || tags.ArrayGetString(1) != "b" {
		t.Errorf("array access failed: %v", Stringify(tags))
	}
	if !v.FieldExists("meta") || !v.GetField("meta").IsNull() {
		t.Error("null field mishandled")
	}
}

func TestTypedGettersFailSilently(t *testing.T) {
	v, err := ParseString(`{"s":"x","n":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.GetString("n"); got != "" {
		t.Errorf("GetString on number = %q, want empty", got)
	}
	if got := v.GetInt("s"); got != 0 {
		t.Errorf("GetInt on string = %d, want 0", got)
	}
	if v.GetObject("s") != nil {
		t.Error("GetObject on string should be nil")
	}
	if v.GetArray("missing") != nil {
		t.Error("GetArray on missing field should be nil")
	}
	if _, ok := v.GetIntOK("missing"); ok {
		t.Error("GetIntOK on missing field should report absent")
	}
}

func TestGetIntRejectsFraction(t *testing.T) {
	v, _ := ParseString(`{"x":1.5}`)
	if _, ok := v.GetIntOK("x"); ok {
		t.Error("1.5 should not read as integer")
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		`{}`,
		`[]`,
		`{"a":1,"b":[true,false,null],"c":{"d":"e"}}`,
		`{"neg":-3,"exp":1e3,"frac":0.25}`,
		`"line\nbreak\ttab\"quote\\slash"`,
		`[1,2,3]`,
	}
	for _, in := range inputs {
		v, err := ParseString(in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", in, err)
		}
		out := Stringify(v)
		v2, err := ParseString(out)
		if err != nil {
			t.Fatalf("re-Parse(%q) failed: %v", out, err)
		}
		if !Equal(v, v2) {
			t.Errorf("round trip changed value: %q -> %q", in, out)
		}
	}
}

func TestUnicodeEscapeVerbatim(t *testing.T) {
	v, err := ParseString(`"preépost"`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	// The escape is not expanded.
	if got := v.AsString(); got != `preépost` {
		t.Errorf("got %q", got)
	}
	// And it survives stringify unchanged.
	if out := Stringify(v); out != `"preépost"` {
		t.Errorf("Stringify = %q", out)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		``, `{`, `[1,`, `{"a"}`, `{"a":}`, `tru`, `"unterminated`,
		`01x`, `{"a":1}extra`, "\"ctrl\x01\"", `"bad\q"`, `"trunc\u12"`,
	}
	for _, in := range bad {
		if _, err := ParseString(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestBorrowedSubtreeSurvives(t *testing.T) {
	root, _ := ParseString(`{"outer":{"inner":7}}`)
	sub := root.GetObject("outer")
	root = nil
	_ = root
	if got := sub.GetInt("inner"); got != 7 {
		t.Errorf("borrowed subtree lost data: %d", got)
	}
}

func TestClone(t *testing.T) {
	v, _ := ParseString(`{"a":[1,{"b":"c"}]}`)
	c := v.Clone()
	if !Equal(v, c) {
		t.Fatal("clone differs")
	}
	if Stringify(v) != Stringify(c) {
		t.Fatal("clone stringify differs")
	}
}
