package vm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Binary program layout, little-endian:
//
//	magic    uint32  "DNBC"
//	version  uint16
//	counts   uint16 x5 (instructions, strings, vars, props, funcs)
//	name     u16-prefixed bytes
//	instructions: opcode u8, operand kind u8, argc u16, index u32, number f64
//	string/var/prop/func tables: u16-prefixed bytes each
const (
	programMagic   uint32 = 0x444E4243 // "DNBC"
	programVersion uint16 = 1
)

// Encode serializes a program to its binary form.
func Encode(p *Program) []byte {
	var b bytes.Buffer
	w := func(v any) { binary.Write(&b, binary.LittleEndian, v) }

	w(programMagic)
	w(programVersion)
	w(uint16(len(p.Instructions)))
	w(uint16(len(p.Strings)))
	w(uint16(len(p.VarNames)))
	w(uint16(len(p.PropNames)))
	w(uint16(len(p.FuncNames)))

	writeStr := func(s string) {
		w(uint16(len(s)))
		b.WriteString(s)
	}
	writeStr(p.Name)

	for _, ins := range p.Instructions {
		w(uint8(ins.Op))
		w(uint8(ins.Operand.Kind))
		w(uint16(ins.Operand.Argc))
		w(uint32(ins.Operand.Index))
		w(math.Float64bits(ins.Operand.Number))
	}
	for _, s := range p.Strings {
		writeStr(s)
	}
	for _, s := range p.VarNames {
		writeStr(s)
	}
	for _, s := range p.PropNames {
		writeStr(s)
	}
	for _, s := range p.FuncNames {
		writeStr(s)
	}
	return b.Bytes()
}

// Decode parses a binary program and validates it.
func Decode(data []byte) (*Program, error) {
	r := bytes.NewReader(data)
	read := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var magic uint32
	var version uint16
	if err := read(&magic); err != nil || magic != programMagic {
		return nil, fmt.Errorf("vm: bad program magic")
	}
	if err := read(&version); err != nil || version != programVersion {
		return nil, fmt.Errorf("vm: unsupported program version")
	}

	var nIns, nStr, nVar, nProp, nFunc uint16
	for _, v := range []*uint16{&nIns, &nStr, &nVar, &nProp, &nFunc} {
		if err := read(v); err != nil {
			return nil, fmt.Errorf("vm: truncated header")
		}
	}

	readStr := func() (string, error) {
		var n uint16
		if err := read(&n); err != nil {
			return "", err
		}
		if n == 0 {
			return "", nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	p := &Program{}
	var err error
	if p.Name, err = readStr(); err != nil {
		return nil, fmt.Errorf("vm: truncated name")
	}

	p.Instructions = make([]Instruction, nIns)
	for i := range p.Instructions {
		var op, kind uint8
		var argc uint16
		var index uint32
		var numBits uint64
		if err := read(&op); err != nil {
			return nil, fmt.Errorf("vm: truncated instruction %d", i)
		}
		read(&kind)
		read(&argc)
		read(&index)
		if err := read(&numBits); err != nil {
			return nil, fmt.Errorf("vm: truncated instruction %d", i)
		}
		p.Instructions[i] = Instruction{
			Op: Opcode(op),
			Operand: Operand{
				Kind:   OperandKind(kind),
				Argc:   int(argc),
				Index:  int(index),
				Number: math.Float64frombits(numBits),
			},
		}
	}

	tables := []struct {
		n   uint16
		dst *[]string
	}{
		{nStr, &p.Strings}, {nVar, &p.VarNames}, {nProp, &p.PropNames}, {nFunc, &p.FuncNames},
	}
	for _, t := range tables {
		if t.n == 0 {
			continue
		}
		*t.dst = make([]string, t.n)
		for i := range *t.dst {
			if (*t.dst)[i], err = readStr(); err != nil {
				return nil, fmt.Errorf("vm: truncated string table")
			}
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeBase64 wraps Encode for JSON transport.
func EncodeBase64(p *Program) string {
	return base64.StdEncoding.EncodeToString(Encode(p))
}

// DecodeBase64 parses a base64-wrapped binary program.
func DecodeBase64(s string) (*Program, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vm: bad base64 program: %w", err)
	}
	return Decode(data)
}
