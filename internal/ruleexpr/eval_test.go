package ruleexpr

import (
	"testing"

	"devicenerd/internal/execctx"
)

type varMap map[string]execctx.Value

func (m varMap) GetVariable(name string) execctx.Value {
	if v, ok := m[name]; ok {
		return v
	}
	return execctx.Null()
}

func evalStr(t *testing.T, src string, vars Vars) execctx.Value {
	t.Helper()
	in := NewInterpreter()
	v, err := in.Evaluate(src, vars)
	if err != nil {
		t.Fatalf("Evaluate(%q) failed: %v", src, err)
	}
	return v
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want execctx.Value
	}{
		{"1 + 2", execctx.Int(3)},
		{"10 - 4", execctx.Int(6)},
		{"3 * 4", execctx.Int(12)},
		{"10 / 4", execctx.Float(2.5)},
		{"10 / 5", execctx.Int(2)},
		{"10 % 3", execctx.Int(1)},
		{"1.5 + 0.5", execctx.Float(2.0)},
		{"-3 + 1", execctx.Int(-2)},
		{"2 + 3 * 4", execctx.Int(14)},
		{"(2 + 3) * 4", execctx.Int(20)},
		{"10 - 2 - 3", execctx.Int(5)}, // left associative
	}
	for _, tt := range tests {
		got := evalStr(t, tt.src, nil)
		if !execctx.Equal(got, tt.want) {
			t.Errorf("%q = %v (%v), want %v", tt.src, got.Stringify(), got.Kind(), tt.want.Stringify())
		}
	}
}

func TestDivisionByZeroYieldsNull(t *testing.T) {
	for _, src := range []string{"1 / 0", "1 % 0", "1.5 / 0"} {
		if got := evalStr(t, src, nil); !got.IsNull() {
			t.Errorf("%q = %v, want null", src, got.Stringify())
		}
	}
}

func TestStringsAndConcat(t *testing.T) {
	if got := evalStr(t, `"foo" + "bar"`, nil); got.Str() != "foobar" {
		t.Errorf("concat = %q", got.Str())
	}
	// Numeric op on a non-number is null.
	if got := evalStr(t, `"foo" + 1`, nil); !got.IsNull() {
		t.Errorf("string+number = %v, want null", got.Stringify())
	}
	if got := evalStr(t, `"a" * 2`, nil); !got.IsNull() {
		t.Errorf("string*number = %v, want null", got.Stringify())
	}
}

func TestComparisons(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"3 >= 3", true},
		{"1 == 1", true},
		{"1 == 1.0", true},
		{"1 != 2", true},
		{`"a" == "a"`, true},
		{`"a" != "b"`, true},
		{"true == true", true},
		// Heterogeneous comparisons are false, both == and !=.
		{`"1" == 1`, false},
		{`"1" != 1`, false},
		{`"a" < "b"`, false}, // ordering is numeric-only
	}
	for _, tt := range tests {
		got := evalStr(t, tt.src, nil)
		if got.Kind() != execctx.KindBool || got.Bool() != tt.want {
			t.Errorf("%q = %v, want %v", tt.src, got.Stringify(), tt.want)
		}
	}
}

func TestLogicalOperators(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"true && true", true},
		{"true && false", false},
		{"false || true", true},
		{"false || false", false},
		{"!false", true},
		{"!1", false},
		{"!!1", true},
		{"1 < 2 && 2 < 3", true},
		{"1 > 2 || 3 > 2", true},
	}
	for _, tt := range tests {
		got := evalStr(t, tt.src, nil)
		if got.Bool() != tt.want {
			t.Errorf("%q = %v, want %v", tt.src, got.Stringify(), tt.want)
		}
	}
}

func TestStrictEvaluation(t *testing.T) {
	// Both sides are evaluated even when the left decides the outcome.
	in := NewInterpreter()
	calls := 0
	in.RegisterFunction("probe", func(args []execctx.Value) execctx.Value {
		calls++
		return execctx.Bool(true)
	})
	p, err := Compile("false && probe()")
	if err != nil {
		t.Fatal(err)
	}
	if got := in.Eval(p, nil); got.Bool() {
		t.Error("false && x should be false")
	}
	if calls != 1 {
		t.Errorf("probe called %d times, want 1 (strict evaluation)", calls)
	}
}

func TestVariables(t *testing.T) {
	vars := varMap{
		"temp":     execctx.Int(30),
		"name":     execctx.String("dev1"),
		"online":   execctx.Bool(true),
	}
	if got := evalStr(t, "temp > 25", vars); !got.Bool() {
		t.Error("temp > 25 should be true")
	}
	if got := evalStr(t, `name == "dev1" && online`, vars); !got.Bool() {
		t.Error("compound variable expression failed")
	}
	// Missing variable is null; numeric op on null is null.
	if got := evalStr(t, "missing + 1", vars); !got.IsNull() {
		t.Errorf("missing+1 = %v", got.Stringify())
	}
	// Comparing a missing variable is false.
	if got := evalStr(t, "missing > 0", vars); got.Bool() {
		t.Error("missing > 0 should be false")
	}
}

func TestFunctions(t *testing.T) {
	in := NewInterpreter()
	in.RegisterFunction("max", func(args []execctx.Value) execctx.Value {
		if len(args) != 2 || !args[0].IsNumber() || !args[1].IsNumber() {
			return execctx.Null()
		}
		if args[0].Float() >= args[1].Float() {
			return args[0]
		}
		return args[1]
	})
	v, err := in.Evaluate("max(3, 7) + 1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 8 {
		t.Errorf("max(3,7)+1 = %v", v.Stringify())
	}

	// Unknown function yields null.
	v, err = in.Evaluate("nosuch(1)", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Errorf("unknown function = %v, want null", v.Stringify())
	}
}

func TestCompileErrors(t *testing.T) {
	bad := []string{"", "1 +", "(1", "1 ~ 2", `"unterminated`, "f(1,", "1 2"}
	for _, src := range bad {
		if _, err := Compile(src); err == nil {
			t.Errorf("Compile(%q) should fail", src)
		}
	}
}

func TestPrecedenceTable(t *testing.T) {
	// || binds loosest, unary ! tightest.
	got := evalStr(t, "1 + 1 == 2 && !false || false", nil)
	if !got.Bool() {
		t.Error("precedence chain evaluated wrong")
	}
	got = evalStr(t, "2 * 3 + 4 * 5 == 26", nil)
	if !got.Bool() {
		t.Error("mul/add precedence wrong")
	}
}
