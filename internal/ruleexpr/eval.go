package ruleexpr

import (
	"math"
	"sync"

	"devicenerd/internal/execctx"
)

// Vars resolves identifiers during evaluation. *execctx.Context satisfies
// it; absent names must resolve to a null value.
type Vars interface {
	GetVariable(name string) execctx.Value
}

// Func is a registered expression function. Handlers receive evaluated
// arguments and must be total.
type Func func(args []execctx.Value) execctx.Value

// Interpreter evaluates compiled expressions against a variable resolver
// and a function table.
type Interpreter struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewInterpreter creates an interpreter with an empty function table.
func NewInterpreter() *Interpreter {
	return &Interpreter{funcs: make(map[string]Func)}
}

// RegisterFunction binds a name to a handler, replacing any previous one.
func (in *Interpreter) RegisterFunction(name string, fn Func) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.funcs[name] = fn
}

// Evaluate compiles and evaluates in one step.
func (in *Interpreter) Evaluate(src string, vars Vars) (execctx.Value, error) {
	p, err := Compile(src)
	if err != nil {
		return execctx.Null(), err
	}
	return in.Eval(p, vars), nil
}

// Eval runs a compiled program. Evaluation is strict: both operands of
// every binary operator are evaluated before combining.
func (in *Interpreter) Eval(p *Program, vars Vars) execctx.Value {
	return in.eval(p.root, vars)
}

func (in *Interpreter) eval(n node, vars Vars) execctx.Value {
	switch t := n.(type) {
	case numNode:
		f := float64(t)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return execctx.Int(int64(f))
		}
		return execctx.Float(f)
	case strNode:
		return execctx.String(string(t))
	case boolNode:
		return execctx.Bool(bool(t))
	case varNode:
		if vars == nil {
			return execctx.Null()
		}
		return vars.GetVariable(string(t))
	case unaryNode:
		v := in.eval(t.operand, vars)
		return execctx.Bool(!v.Truthy())
	case callNode:
		args := make([]execctx.Value, len(t.args))
		for i, a := range t.args {
			args[i] = in.eval(a, vars)
		}
		in.mu.RLock()
		fn := in.funcs[t.name]
		in.mu.RUnlock()
		if fn == nil {
			return execctx.Null()
		}
		return fn(args)
	case binaryNode:
		l := in.eval(t.left, vars)
		r := in.eval(t.right, vars)
		return applyBinary(t.op, l, r)
	}
	return execctx.Null()
}

func applyBinary(op string, l, r execctx.Value) execctx.Value {
	switch op {
	case "||":
		return execctx.Bool(l.Truthy() || r.Truthy())
	case "&&":
		return execctx.Bool(l.Truthy() && r.Truthy())
	case "==":
		if !typesComparable(l, r) {
			return execctx.Bool(false)
		}
		return execctx.Bool(execctx.Equal(l, r))
	case "!=":
		if !typesComparable(l, r) {
			return execctx.Bool(false)
		}
		return execctx.Bool(!execctx.Equal(l, r))
	case "<", ">", "<=", ">=":
		if !l.IsNumber() || !r.IsNumber() {
			return execctx.Bool(false)
		}
		a, b := l.Float(), r.Float()
		switch op {
		case "<":
			return execctx.Bool(a < b)
		case ">":
			return execctx.Bool(a > b)
		case "<=":
			return execctx.Bool(a <= b)
		default:
			return execctx.Bool(a >= b)
		}
	case "+":
		if l.Kind() == execctx.KindString && r.Kind() == execctx.KindString {
			return execctx.String(l.Str() + r.Str())
		}
		return arith(op, l, r)
	case "-", "*", "/", "%":
		return arith(op, l, r)
	}
	return execctx.Null()
}

func typesComparable(l, r execctx.Value) bool {
	if l.IsNumber() && r.IsNumber() {
		return true
	}
	return l.Kind() == r.Kind()
}

func arith(op string, l, r execctx.Value) execctx.Value {
	if !l.IsNumber() || !r.IsNumber() {
		return execctx.Null()
	}
	bothInt := l.Kind() == execctx.KindInt && r.Kind() == execctx.KindInt
	switch op {
	case "+":
		if bothInt {
			return execctx.Int(l.Int() + r.Int())
		}
		return execctx.Float(l.Float() + r.Float())
	case "-":
		if bothInt {
			return execctx.Int(l.Int() - r.Int())
		}
		return execctx.Float(l.Float() - r.Float())
	case "*":
		if bothInt {
			return execctx.Int(l.Int() * r.Int())
		}
		return execctx.Float(l.Float() * r.Float())
	case "/":
		if r.Float() == 0 {
			return execctx.Null()
		}
		if bothInt && l.Int()%r.Int() == 0 {
			return execctx.Int(l.Int() / r.Int())
		}
		return execctx.Float(l.Float() / r.Float())
	case "%":
		if r.Float() == 0 {
			return execctx.Null()
		}
		if bothInt {
			return execctx.Int(l.Int() % r.Int())
		}
		return execctx.Float(math.Mod(l.Float(), r.Float()))
	}
	return execctx.Null()
}
