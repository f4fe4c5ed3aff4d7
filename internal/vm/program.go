package vm

import (
	"fmt"
)

// Program is a validated unit of bytecode: instructions plus the string,
// variable, property, and function name tables they index into.
type Program struct {
	Name         string
	Instructions []Instruction
	Strings      []string
	VarNames     []string
	PropNames    []string
	FuncNames    []string
}

// instructionOverhead approximates the in-memory cost of one instruction
// for quota accounting.
const instructionOverhead = 24

// EstimatedSize returns the program's memory footprint in bytes, used
// against max_bytecode_size and the tracked allocator.
func (p *Program) EstimatedSize() int {
	size := len(p.Name) + len(p.Instructions)*instructionOverhead
	for _, s := range p.Strings {
		size += len(s) + 16
	}
	for _, s := range p.VarNames {
		size += len(s) + 16
	}
	for _, s := range p.PropNames {
		size += len(s) + 16
	}
	for _, s := range p.FuncNames {
		size += len(s) + 16
	}
	return size
}

// Validate checks that every index in every instruction is in range for
// this program. Run before the first step; a program that fails here is
// never executed.
func (p *Program) Validate() error {
	if len(p.Instructions) == 0 {
		return fmt.Errorf("vm: empty program")
	}
	for pc, ins := range p.Instructions {
		if ins.Op >= opcodeCount {
			return fmt.Errorf("vm: instruction %d: unknown opcode %d", pc, ins.Op)
		}
		op := ins.Operand
		switch ins.Op {
		case OpPushStr:
			if op.Index < 0 || op.Index >= len(p.Strings) {
				return fmt.Errorf("vm: instruction %d: string index %d out of range [0,%d)", pc, op.Index, len(p.Strings))
			}
		case OpPushVar, OpSetVar:
			if op.Index < 0 || op.Index >= len(p.VarNames) {
				return fmt.Errorf("vm: instruction %d: variable index %d out of range [0,%d)", pc, op.Index, len(p.VarNames))
			}
		case OpJump, OpJumpIf, OpJumpIfNot:
			if op.Index < 0 || op.Index >= len(p.Instructions) {
				return fmt.Errorf("vm: instruction %d: jump target %d out of range [0,%d)", pc, op.Index, len(p.Instructions))
			}
		case OpCall:
			if op.Index < 0 || op.Index >= len(p.FuncNames) {
				return fmt.Errorf("vm: instruction %d: function index %d out of range [0,%d)", pc, op.Index, len(p.FuncNames))
			}
			if op.Argc < 0 {
				return fmt.Errorf("vm: instruction %d: negative arg count", pc)
			}
		}
	}
	return nil
}
