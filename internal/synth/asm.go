// Package synth assembles small x86-64 images in memory. It emits the
// instruction shapes produced by the engine's code generator so matchers and
// the discovery engine can be exercised without a real game executable.
package synth

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Ref is a branch or RIP-relative operand: an absolute address or a label.
type Ref struct {
	label string
	addr  uint64
}

// Abs refers to a fixed address.
func Abs(addr uint64) Ref { return Ref{addr: addr} }

// L refers to a label defined with Asm.Label.
func L(name string) Ref { return Ref{label: name} }

type fixup struct {
	off  int // position of the displacement
	size int // 1 or 4
	end  int // offset of the end of the instruction
	ref  Ref
}

// Asm is an append-only x86-64 emitter with label fixups.
type Asm struct {
	base   uint64
	buf    []byte
	labels map[string]uint64
	fixups []fixup
}

// NewAsm starts emitting at base.
func NewAsm(base uint64) *Asm {
	return &Asm{base: base, labels: make(map[string]uint64)}
}

// Base returns the address of the first byte.
func (a *Asm) Base() uint64 { return a.base }

// PC returns the address of the next emitted byte.
func (a *Asm) PC() uint64 { return a.base + uint64(len(a.buf)) }

// Label defines name at the current address and returns it.
func (a *Asm) Label(name string) uint64 {
	if _, dup := a.labels[name]; dup {
		panic(fmt.Sprintf("synth: label %q defined twice", name))
	}
	a.labels[name] = a.PC()
	return a.PC()
}

// Addr returns the address of a defined label.
func (a *Asm) Addr(name string) uint64 {
	addr, ok := a.labels[name]
	if !ok {
		panic(fmt.Sprintf("synth: label %q undefined", name))
	}
	return addr
}

// Raw appends bytes verbatim.
func (a *Asm) Raw(b ...byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

// Align pads with int3 to a multiple of n.
func (a *Asm) Align(n int) *Asm {
	for a.PC()%uint64(n) != 0 {
		a.buf = append(a.buf, 0xcc)
	}
	return a
}

// Pad appends n int3 bytes.
func (a *Asm) Pad(n int) *Asm {
	for i := 0; i < n; i++ {
		a.buf = append(a.buf, 0xcc)
	}
	return a
}

func (a *Asm) u32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// rel emits a size-byte displacement to ref measured from the end of the
// instruction, which ends tail bytes after the displacement.
func (a *Asm) rel(ref Ref, size, tail int) {
	off := len(a.buf)
	a.buf = append(a.buf, make([]byte, size)...)
	a.fixups = append(a.fixups, fixup{off: off, size: size, end: off + size + tail, ref: ref})
}

func num(r x86asm.Reg) byte {
	if r < x86asm.RAX || r > x86asm.R15 {
		panic(fmt.Sprintf("synth: %v is not a 64-bit register", r))
	}
	return byte(r - x86asm.RAX)
}

func rex(w bool, reg, rm byte) byte {
	b := byte(0x40)
	if w {
		b |= 8
	}
	if reg >= 8 {
		b |= 4
	}
	if rm >= 8 {
		b |= 1
	}
	return b
}

// SubRSP emits sub rsp, imm.
func (a *Asm) SubRSP(imm uint32) *Asm {
	if imm < 0x80 {
		return a.Raw(0x48, 0x83, 0xec, byte(imm))
	}
	a.Raw(0x48, 0x81, 0xec)
	a.u32(imm)
	return a
}

// AddRSP emits add rsp, imm.
func (a *Asm) AddRSP(imm uint32) *Asm {
	if imm < 0x80 {
		return a.Raw(0x48, 0x83, 0xc4, byte(imm))
	}
	a.Raw(0x48, 0x81, 0xc4)
	a.u32(imm)
	return a
}

// SubRSPRAX emits sub rsp, rax.
func (a *Asm) SubRSPRAX() *Asm { return a.Raw(0x48, 0x2b, 0xe0) }

// MovRegRSP emits mov reg, rsp.
func (a *Asm) MovRegRSP(reg x86asm.Reg) *Asm {
	n := num(reg)
	return a.Raw(rex(true, n, 0), 0x8b, 0xc0|(n&7)<<3|4)
}

// Push emits push reg.
func (a *Asm) Push(reg x86asm.Reg) *Asm {
	n := num(reg)
	if n >= 8 {
		a.Raw(0x41)
	}
	return a.Raw(0x50 + n&7)
}

// Pop emits pop reg.
func (a *Asm) Pop(reg x86asm.Reg) *Asm {
	n := num(reg)
	if n >= 8 {
		a.Raw(0x41)
	}
	return a.Raw(0x58 + n&7)
}

// MovRAXRip emits mov rax, [rip+ref].
func (a *Asm) MovRAXRip(ref Ref) *Asm {
	a.Raw(0x48, 0x8b, 0x05)
	a.rel(ref, 4, 0)
	return a
}

// TestRAX emits test rax, rax.
func (a *Asm) TestRAX() *Asm { return a.Raw(0x48, 0x85, 0xc0) }

// CmpRipZero emits cmp qword [rip+ref], 0.
func (a *Asm) CmpRipZero(ref Ref) *Asm {
	a.Raw(0x48, 0x83, 0x3d)
	a.rel(ref, 4, 1)
	return a.Raw(0x00)
}

// Jnz8 emits jnz rel8.
func (a *Asm) Jnz8(ref Ref) *Asm {
	a.Raw(0x75)
	a.rel(ref, 1, 0)
	return a
}

// Jnz emits jnz rel32.
func (a *Asm) Jnz(ref Ref) *Asm {
	a.Raw(0x0f, 0x85)
	a.rel(ref, 4, 0)
	return a
}

// LeaRip emits lea reg, [rip+ref].
func (a *Asm) LeaRip(reg x86asm.Reg, ref Ref) *Asm {
	n := num(reg)
	a.Raw(rex(true, n, 0), 0x8d, (n&7)<<3|5)
	a.rel(ref, 4, 0)
	return a
}

// MovImm32 emits mov r32, imm32, zero-extending into the full register.
func (a *Asm) MovImm32(reg x86asm.Reg, imm uint32) *Asm {
	n := num(reg)
	if n >= 8 {
		a.Raw(0x41)
	}
	a.Raw(0xb8 + n&7)
	a.u32(imm)
	return a
}

// MovImm64 emits mov r64, imm64.
func (a *Asm) MovImm64(reg x86asm.Reg, imm uint64) *Asm {
	n := num(reg)
	a.Raw(rex(true, 0, n), 0xb8+n&7)
	a.buf = binary.LittleEndian.AppendUint64(a.buf, imm)
	return a
}

// XorSelf emits xor r32, r32.
func (a *Asm) XorSelf(reg x86asm.Reg) *Asm {
	n := num(reg)
	if n >= 8 {
		a.Raw(rex(false, n, n))
	}
	return a.Raw(0x33, 0xc0|(n&7)<<3|n&7)
}

// MovStackImm emits mov qword [base+disp8], imm32 for base rsp or r11.
func (a *Asm) MovStackImm(base x86asm.Reg, disp int8, imm uint32) *Asm {
	switch base {
	case x86asm.RSP:
		a.Raw(0x48, 0xc7, 0x44, 0x24, byte(disp))
	case x86asm.R11:
		a.Raw(0x49, 0xc7, 0x43, byte(disp))
	default:
		panic("synth: stack base must be rsp or r11")
	}
	a.u32(imm)
	return a
}

// MovStackReg emits mov qword [base+disp8], reg for base rsp or r11.
func (a *Asm) MovStackReg(base x86asm.Reg, disp int8, reg x86asm.Reg) *Asm {
	n := num(reg)
	switch base {
	case x86asm.RSP:
		return a.Raw(rex(true, n, 0), 0x89, 0x44|(n&7)<<3, 0x24, byte(disp))
	case x86asm.R11:
		return a.Raw(rex(true, n, 11), 0x89, 0x43|(n&7)<<3, byte(disp))
	}
	panic("synth: stack base must be rsp or r11")
}

// Call emits call rel32.
func (a *Asm) Call(ref Ref) *Asm {
	a.Raw(0xe8)
	a.rel(ref, 4, 0)
	return a
}

// CallRip emits call [rip+ref].
func (a *Asm) CallRip(ref Ref) *Asm {
	a.Raw(0xff, 0x15)
	a.rel(ref, 4, 0)
	return a
}

// Jmp emits jmp rel32.
func (a *Asm) Jmp(ref Ref) *Asm {
	a.Raw(0xe9)
	a.rel(ref, 4, 0)
	return a
}

// Ret emits ret.
func (a *Asm) Ret() *Asm { return a.Raw(0xc3) }

// Int3 emits int3.
func (a *Asm) Int3() *Asm { return a.Raw(0xcc) }

// Nop emits nop.
func (a *Asm) Nop() *Asm { return a.Raw(0x90) }

// Assemble resolves fixups and returns the code.
func (a *Asm) Assemble() ([]byte, error) {
	out := append([]byte(nil), a.buf...)
	for _, f := range a.fixups {
		target := f.ref.addr
		if f.ref.label != "" {
			t, ok := a.labels[f.ref.label]
			if !ok {
				return nil, fmt.Errorf("synth: undefined label %q", f.ref.label)
			}
			target = t
		}
		delta := int64(target) - int64(a.base+uint64(f.end))
		switch f.size {
		case 1:
			if delta < -128 || delta > 127 {
				return nil, fmt.Errorf("synth: rel8 to 0x%x out of range", target)
			}
			out[f.off] = byte(int8(delta))
		case 4:
			binary.LittleEndian.PutUint32(out[f.off:], uint32(int32(delta)))
		}
	}
	return out, nil
}

// MustAssemble is Assemble that panics on error.
func (a *Asm) MustAssemble() []byte {
	b, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return b
}
