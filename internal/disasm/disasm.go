// Package disasm provides x86-64 disassembly and instruction-shape
// recognition for engine executables.
package disasm

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// ErrDecode wraps failures to decode an instruction.
var ErrDecode = errors.New("disasm: decode error")

// MaxInstLen is the longest legal x86 instruction.
const MaxInstLen = 15

// Class is a coarse instruction category used by the shape matchers.
type Class uint8

const (
	ClassOther Class = iota
	ClassCall
	ClassJmp
	ClassJcc
	ClassRet
	ClassLea
	ClassMov
	ClassSub
	ClassAdd
	ClassPush
	ClassPop
	ClassTest
	ClassCmp
	ClassXor
	ClassNop
	ClassInt3
)

var classNames = [...]string{"other", "call", "jmp", "jcc", "ret", "lea", "mov", "sub", "add", "push", "pop", "test", "cmp", "xor", "nop", "int3"}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "other"
}

// Inst is a decoded x86-64 instruction with its address.
type Inst struct {
	Addr      uint64
	Len       int
	Raw       []byte
	Op        x86asm.Op
	Args      x86asm.Args
	MemBytes  int
	Class     Class
	Target    uint64 // resolved branch target or RIP-relative memory address
	HasTarget bool
	Indirect  bool // call/jmp through memory or register
	Text      string
}

// End returns the address of the next instruction.
func (in Inst) End() uint64 { return in.Addr + uint64(in.Len) }

// Reg returns operand i as a register, normalised to its 64-bit family.
func (in Inst) Reg(i int) (x86asm.Reg, bool) {
	if i >= len(in.Args) || in.Args[i] == nil {
		return 0, false
	}
	r, ok := in.Args[i].(x86asm.Reg)
	if !ok {
		return 0, false
	}
	return Family(r), true
}

// RawReg returns operand i as a register without normalisation.
func (in Inst) RawReg(i int) (x86asm.Reg, bool) {
	if i >= len(in.Args) || in.Args[i] == nil {
		return 0, false
	}
	r, ok := in.Args[i].(x86asm.Reg)
	return r, ok
}

// Mem returns operand i as a memory reference.
func (in Inst) Mem(i int) (x86asm.Mem, bool) {
	if i >= len(in.Args) || in.Args[i] == nil {
		return x86asm.Mem{}, false
	}
	m, ok := in.Args[i].(x86asm.Mem)
	return m, ok
}

// Imm returns the first immediate operand.
func (in Inst) Imm() (int64, bool) {
	for _, a := range in.Args {
		if a == nil {
			break
		}
		if v, ok := a.(x86asm.Imm); ok {
			return int64(v), true
		}
	}
	return 0, false
}

// Writes reports whether the instruction overwrites reg (64-bit family) as
// its destination operand.
func (in Inst) Writes(reg x86asm.Reg) bool {
	switch in.Class {
	case ClassCmp, ClassTest, ClassPush, ClassJmp, ClassJcc, ClassRet, ClassNop, ClassInt3:
		return false
	case ClassCall:
		return isVolatile(reg)
	}
	r, ok := in.Reg(0)
	return ok && r == reg
}

// Family maps a sub-register to its 64-bit general purpose register.
func Family(r x86asm.Reg) x86asm.Reg {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return r
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX)
	case r >= x86asm.AL && r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return x86asm.RAX + (r - x86asm.AH)
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return x86asm.RSP + (r - x86asm.SPB)
	}
	return r
}

// isVolatile reports whether reg is caller-saved in either x64 calling convention.
func isVolatile(reg x86asm.Reg) bool {
	switch reg {
	case x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RSI, x86asm.RDI,
		x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11:
		return true
	}
	return false
}

func classify(op x86asm.Op) Class {
	switch op {
	case x86asm.CALL:
		return ClassCall
	case x86asm.JMP:
		return ClassJmp
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return ClassJcc
	case x86asm.RET, x86asm.LRET:
		return ClassRet
	case x86asm.LEA:
		return ClassLea
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return ClassMov
	case x86asm.SUB:
		return ClassSub
	case x86asm.ADD:
		return ClassAdd
	case x86asm.PUSH:
		return ClassPush
	case x86asm.POP:
		return ClassPop
	case x86asm.TEST:
		return ClassTest
	case x86asm.CMP:
		return ClassCmp
	case x86asm.XOR:
		return ClassXor
	case x86asm.NOP:
		return ClassNop
	case x86asm.INT:
		return ClassInt3
	}
	return ClassOther
}

// Decode decodes one instruction from code located at addr.
func Decode(code []byte, addr uint64) (Inst, error) {
	xi, err := x86asm.Decode(code, 64)
	if err != nil {
		return Inst{}, fmt.Errorf("%w at 0x%x: %v", ErrDecode, addr, err)
	}
	// A lone prefix or a cut-off opcode decodes without error but with no op.
	if xi.Op == 0 {
		return Inst{}, fmt.Errorf("%w at 0x%x: no opcode", ErrDecode, addr)
	}
	signExtendDisp(&xi)
	in := Inst{
		Addr:     addr,
		Len:      xi.Len,
		Raw:      append([]byte(nil), code[:xi.Len]...),
		Op:       xi.Op,
		Args:     xi.Args,
		MemBytes: xi.MemBytes,
		Class:    classify(xi.Op),
		Text:     strings.ToLower(x86asm.IntelSyntax(xi, addr, nil)),
	}
	next := addr + uint64(xi.Len)
	for _, a := range xi.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Rel:
			in.Target = uint64(int64(next) + int64(v))
			in.HasTarget = true
		case x86asm.Mem:
			if v.Base == x86asm.RIP {
				in.Target = uint64(int64(next) + v.Disp)
				in.HasTarget = true
			}
			if in.Class == ClassCall || in.Class == ClassJmp {
				in.Indirect = true
			}
		case x86asm.Reg:
			if in.Class == ClassCall || in.Class == ClassJmp {
				in.Indirect = true
			}
		}
	}
	return in, nil
}

// signExtendDisp rewrites register-relative displacements as signed
// values. x86asm zero-extends disp32, so [rip-0x10] would otherwise come
// back as [rip+0xfffffff0]. Absolute moffs operands have no base or index
// and keep their full 64-bit value.
func signExtendDisp(xi *x86asm.Inst) {
	for i, a := range xi.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok && (m.Base != 0 || m.Index != 0) {
			m.Disp = int64(int32(m.Disp))
			xi.Args[i] = m
		}
	}
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64 // VA of the first byte in data
	MaxSteps int    // maximum instructions to decode; 0 = 10M
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble linearly decodes a byte region. Undecodable bytes are emitted
// as single-byte ".byte" pseudo instructions so the sweep always advances.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	for off := 0; off < len(data) && len(result) < maxSteps; {
		addr := opts.BaseAddr + uint64(off)
		in, err := Decode(data[off:], addr)
		if err != nil {
			in = Inst{
				Addr: addr,
				Len:  1,
				Raw:  []byte{data[off]},
				Text: fmt.Sprintf(".byte 0x%02x", data[off]),
			}
		}
		result = append(result, in)
		off += in.Len
	}
	return result
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%010x  ", inst.Addr)
		hex := make([]string, len(inst.Raw))
		for i, c := range inst.Raw {
			hex[i] = fmt.Sprintf("%02x", c)
		}
		fmt.Fprintf(&b, "%-30s  ", strings.Join(hex, " "))
		b.WriteString(inst.Text)

		commented := false
		if lookup != nil && inst.HasTarget {
			if name, ok := lookup(inst.Target); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup over a fixed name table.
func PlaceholderLookup(names map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := names[addr]; ok {
			return name, true
		}
		return "", false
	}
}
