package vm

import (
	"fmt"
	"time"

	"devicenerd/internal/execctx"
)

// ErrorCode classifies an execution failure.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInvalidProgram
	ErrStackOverflow
	ErrStackUnderflow
	ErrInvalidIndex
	ErrDivisionByZero
	ErrUnsupportedOpcode
	ErrTypeMismatch
	ErrUnknownFunction
	ErrExecutionFailed
	ErrTimeout
	ErrOutOfMemory
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "ok"
	case ErrInvalidProgram:
		return "invalid-program"
	case ErrStackOverflow:
		return "stack-overflow"
	case ErrStackUnderflow:
		return "stack-underflow"
	case ErrInvalidIndex:
		return "invalid-index"
	case ErrDivisionByZero:
		return "division-by-zero"
	case ErrUnsupportedOpcode:
		return "unsupported-opcode"
	case ErrTypeMismatch:
		return "type-mismatch"
	case ErrUnknownFunction:
		return "unknown-function"
	case ErrExecutionFailed:
		return "execution-failed"
	case ErrTimeout:
		return "timeout"
	case ErrOutOfMemory:
		return "out-of-memory"
	}
	return "unknown"
}

// Result is the outcome of one program execution.
type Result struct {
	Success bool
	Return  execctx.Value
	Code    ErrorCode
	Message string
}

func failure(code ErrorCode, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HostFunc is a function callable from bytecode via CALL.
type HostFunc func(args []execctx.Value) (execctx.Value, error)

// RegisterFunction exposes a host function to programs run by this
// manager.
func (m *Manager) RegisterFunction(name string, fn HostFunc) {
	m.funcsMu.Lock()
	defer m.funcsMu.Unlock()
	if m.funcs == nil {
		m.funcs = make(map[string]HostFunc)
	}
	m.funcs[name] = fn
}

func (m *Manager) hostFunc(name string) HostFunc {
	m.funcsMu.RLock()
	defer m.funcsMu.RUnlock()
	return m.funcs[name]
}

// timeCheckStride is how many linear instructions run between wall-clock
// checks. Branches always check.
const timeCheckStride = 32

// contextOverhead approximates the per-execution context cost charged to
// the memory quota alongside the program itself.
const contextOverhead = 256

// Execute runs a program to completion under the active quotas. The
// context supplies initial variable values by name and receives updated
// values only when execution succeeds; a failed run never partially
// mutates the caller's scope.
func (m *Manager) Execute(prog *Program, ctx *execctx.Context) Result {
	cfg := m.GetConfig()

	m.mu.Lock()
	m.stats.Executions++
	m.mu.Unlock()

	if err := prog.Validate(); err != nil {
		return m.fail(failure(ErrInvalidProgram, "%v", err))
	}
	progSize := prog.EstimatedSize()
	if progSize > cfg.MaxBytecodeSize {
		return m.fail(failure(ErrInvalidProgram,
			"program size %d exceeds max_bytecode_size %d", progSize, cfg.MaxBytecodeSize))
	}

	charge := progSize + cfg.MaxStackSize*16 + contextOverhead
	if !m.Charge(charge) {
		return m.fail(failure(ErrOutOfMemory, "memory quota exceeded charging %d bytes", charge))
	}
	defer m.Release(charge)

	slots := make([]execctx.Value, len(prog.VarNames))
	dirty := make([]bool, len(prog.VarNames))
	if ctx != nil {
		for i, name := range prog.VarNames {
			slots[i] = ctx.GetVariable(name)
		}
	}

	stack := make([]execctx.Value, 0, cfg.MaxStackSize)
	push := func(v execctx.Value) bool {
		if len(stack) >= cfg.MaxStackSize {
			return false
		}
		stack = append(stack, v)
		return true
	}
	pop := func() (execctx.Value, bool) {
		if len(stack) == 0 {
			return execctx.Null(), false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	deadline := time.Now().Add(time.Duration(cfg.MaxExecutionTimeMs) * time.Millisecond)
	sinceCheck := 0
	expired := func() bool {
		sinceCheck = 0
		return time.Now().After(deadline)
	}

	var ret execctx.Value
	pc := 0
	for {
		if pc < 0 || pc >= len(prog.Instructions) {
			return m.fail(failure(ErrInvalidProgram, "program counter %d ran off the end", pc))
		}
		sinceCheck++
		if sinceCheck >= timeCheckStride && expired() {
			return m.timeout(cfg)
		}

		ins := prog.Instructions[pc]
		pc++

		switch ins.Op {
		case OpNop:

		case OpPushNum:
			n := ins.Operand.Number
			var v execctx.Value
			if n == float64(int64(n)) {
				v = execctx.Int(int64(n))
			} else {
				v = execctx.Float(n)
			}
			if !push(v) {
				return m.fail(failure(ErrStackOverflow, "stack limit %d", cfg.MaxStackSize))
			}

		case OpPushStr:
			if !push(execctx.String(prog.Strings[ins.Operand.Index])) {
				return m.fail(failure(ErrStackOverflow, "stack limit %d", cfg.MaxStackSize))
			}

		case OpPushBool:
			if !push(execctx.Bool(ins.Operand.Number != 0)) {
				return m.fail(failure(ErrStackOverflow, "stack limit %d", cfg.MaxStackSize))
			}

		case OpPushVar:
			if !push(slots[ins.Operand.Index]) {
				return m.fail(failure(ErrStackOverflow, "stack limit %d", cfg.MaxStackSize))
			}

		case OpPop:
			if _, ok := pop(); !ok {
				return m.fail(failure(ErrStackUnderflow, "POP on empty stack at %d", pc-1))
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpEq:
			b, ok := pop()
			if !ok {
				return m.fail(failure(ErrStackUnderflow, "%s needs two operands at %d", ins.Op, pc-1))
			}
			a, ok := pop()
			if !ok {
				return m.fail(failure(ErrStackUnderflow, "%s needs two operands at %d", ins.Op, pc-1))
			}
			v, res := binaryOp(ins.Op, a, b, cfg)
			if res.Code != ErrNone {
				return m.fail(res)
			}
			if !push(v) {
				return m.fail(failure(ErrStackOverflow, "stack limit %d", cfg.MaxStackSize))
			}

		case OpJump:
			if expired() {
				return m.timeout(cfg)
			}
			pc = ins.Operand.Index

		case OpJumpIf, OpJumpIfNot:
			if expired() {
				return m.timeout(cfg)
			}
			cond, ok := pop()
			if !ok {
				return m.fail(failure(ErrStackUnderflow, "%s on empty stack at %d", ins.Op, pc-1))
			}
			taken := cond.Truthy()
			if ins.Op == OpJumpIfNot {
				taken = !taken
			}
			if taken {
				pc = ins.Operand.Index
			}

		case OpSetVar:
			v, ok := pop()
			if !ok {
				return m.fail(failure(ErrStackUnderflow, "SET_VAR on empty stack at %d", pc-1))
			}
			slots[ins.Operand.Index] = v
			dirty[ins.Operand.Index] = true

		case OpCall:
			name := prog.FuncNames[ins.Operand.Index]
			fn := m.hostFunc(name)
			if fn == nil {
				return m.fail(failure(ErrUnknownFunction, "function %q not registered", name))
			}
			argc := ins.Operand.Argc
			if len(stack) < argc {
				return m.fail(failure(ErrStackUnderflow, "CALL %s wants %d args, stack has %d", name, argc, len(stack)))
			}
			args := make([]execctx.Value, argc)
			for i := argc - 1; i >= 0; i-- {
				args[i], _ = pop()
			}
			out, err := fn(args)
			if err != nil {
				return m.fail(failure(ErrExecutionFailed, "%s: %v", name, err))
			}
			if !push(out) {
				return m.fail(failure(ErrStackOverflow, "stack limit %d", cfg.MaxStackSize))
			}

		case OpRet:
			v, ok := pop()
			if !ok {
				return m.fail(failure(ErrStackUnderflow, "RET on empty stack at %d", pc-1))
			}
			ret = v
			goto done

		case OpHalt:
			if len(stack) > 0 {
				ret = stack[len(stack)-1]
			} else {
				ret = execctx.Null()
			}
			goto done

		default:
			return m.fail(failure(ErrUnsupportedOpcode, "opcode %d at %d", ins.Op, pc-1))
		}
	}

done:
	// Success: now, and only now, fold variable writes back into the
	// caller's scope.
	if ctx != nil {
		for i, d := range dirty {
			if d {
				if err := ctx.SetVariable(prog.VarNames[i], slots[i]); err != nil {
					return m.fail(failure(ErrExecutionFailed, "store %s: %v", prog.VarNames[i], err))
				}
			}
		}
	}
	return Result{Success: true, Return: ret, Code: ErrNone}
}

func (m *Manager) fail(r Result) Result {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()
	m.log.Warn("execution failed: %s: %s", r.Code, r.Message)
	return r
}

func (m *Manager) timeout(cfg Config) Result {
	m.mu.Lock()
	m.stats.Errors++
	m.stats.Timeouts++
	m.mu.Unlock()
	return failure(ErrTimeout, "exceeded max_execution_time_ms %d", cfg.MaxExecutionTimeMs)
}

func binaryOp(op Opcode, a, b execctx.Value, cfg Config) (execctx.Value, Result) {
	if op == OpEq {
		return execctx.Bool(execctx.Equal(a, b)), Result{Code: ErrNone}
	}
	if op == OpAdd && a.Kind() == execctx.KindString && b.Kind() == execctx.KindString {
		return execctx.String(a.Str() + b.Str()), Result{Code: ErrNone}
	}
	if !a.IsNumber() || !b.IsNumber() {
		return execctx.Null(), failure(ErrTypeMismatch, "%s on %s and %s", op, a.Kind(), b.Kind())
	}
	bothInt := a.Kind() == execctx.KindInt && b.Kind() == execctx.KindInt
	switch op {
	case OpAdd:
		if bothInt {
			return execctx.Int(a.Int() + b.Int()), Result{Code: ErrNone}
		}
		return execctx.Float(a.Float() + b.Float()), Result{Code: ErrNone}
	case OpSub:
		if bothInt {
			return execctx.Int(a.Int() - b.Int()), Result{Code: ErrNone}
		}
		return execctx.Float(a.Float() - b.Float()), Result{Code: ErrNone}
	case OpMul:
		if bothInt {
			return execctx.Int(a.Int() * b.Int()), Result{Code: ErrNone}
		}
		return execctx.Float(a.Float() * b.Float()), Result{Code: ErrNone}
	case OpDiv:
		if b.Float() == 0 {
			return execctx.Null(), failure(ErrDivisionByZero, "division by zero")
		}
		if bothInt && a.Int()%b.Int() == 0 {
			return execctx.Int(a.Int() / b.Int()), Result{Code: ErrNone}
		}
		return execctx.Float(a.Float() / b.Float()), Result{Code: ErrNone}
	}
	return execctx.Null(), failure(ErrUnsupportedOpcode, "%s", op)
}
