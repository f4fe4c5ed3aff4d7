// Package vm implements the sandboxed stack machine that executes compiled
// tool bodies under strict memory and wall-clock quotas.
package vm

// Opcode is a bytecode instruction tag.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpPushNum
	OpPushStr
	OpPushBool
	OpPushVar
	OpPop
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpEq
	OpJump
	OpJumpIf
	OpJumpIfNot
	OpSetVar
	OpCall
	OpRet
	OpHalt

	opcodeCount = iota
)

func (o Opcode) String() string {
	names := [...]string{
		"NOP", "PUSH_NUM", "PUSH_STR", "PUSH_BOOL", "PUSH_VAR", "POP",
		"ADD", "SUB", "MUL", "DIV", "EQ",
		"JUMP", "JUMP_IF", "JUMP_IF_NOT",
		"SET_VAR", "CALL", "RET", "HALT",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "INVALID"
}

// OperandKind tags an instruction operand.
type OperandKind uint8

const (
	OperandNone     OperandKind = iota
	OperandNumber               // immediate number
	OperandString               // string-pool index
	OperandVariable             // variable-slot index
	OperandAddress              // jump target
	OperandFunction             // function-name index
)

// Operand is the tagged union carried by an instruction.
type Operand struct {
	Kind   OperandKind
	Number float64
	Index  int
	// Argc is the argument count for CALL.
	Argc int
}

// Instruction is one opcode plus operand.
type Instruction struct {
	Op      Opcode
	Operand Operand
}

// Convenience constructors used by tests and the dynamic-tool compiler.

func Nop() Instruction          { return Instruction{Op: OpNop} }
func PushNum(n float64) Instruction {
	return Instruction{Op: OpPushNum, Operand: Operand{Kind: OperandNumber, Number: n}}
}
func PushStr(idx int) Instruction {
	return Instruction{Op: OpPushStr, Operand: Operand{Kind: OperandString, Index: idx}}
}
func PushBool(b bool) Instruction {
	n := 0.0
	if b {
		n = 1.0
	}
	return Instruction{Op: OpPushBool, Operand: Operand{Kind: OperandNumber, Number: n}}
}
func PushVar(idx int) Instruction {
	return Instruction{Op: OpPushVar, Operand: Operand{Kind: OperandVariable, Index: idx}}
}
func Pop() Instruction  { return Instruction{Op: OpPop} }
func Add() Instruction  { return Instruction{Op: OpAdd} }
func Sub() Instruction  { return Instruction{Op: OpSub} }
func Mul() Instruction  { return Instruction{Op: OpMul} }
func Div() Instruction  { return Instruction{Op: OpDiv} }
func Eq() Instruction   { return Instruction{Op: OpEq} }
func Jump(addr int) Instruction {
	return Instruction{Op: OpJump, Operand: Operand{Kind: OperandAddress, Index: addr}}
}
func JumpIf(addr int) Instruction {
	return Instruction{Op: OpJumpIf, Operand: Operand{Kind: OperandAddress, Index: addr}}
}
func JumpIfNot(addr int) Instruction {
	return Instruction{Op: OpJumpIfNot, Operand: Operand{Kind: OperandAddress, Index: addr}}
}
func SetVar(idx int) Instruction {
	return Instruction{Op: OpSetVar, Operand: Operand{Kind: OperandVariable, Index: idx}}
}
func Call(fnIdx, argc int) Instruction {
	return Instruction{Op: OpCall, Operand: Operand{Kind: OperandFunction, Index: fnIdx, Argc: argc}}
}
func Ret() Instruction  { return Instruction{Op: OpRet} }
func Halt() Instruction { return Instruction{Op: OpHalt} }
