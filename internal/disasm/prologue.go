package disasm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrNoPrologue is returned when a function entry does not match a known
// stack frame setup.
var ErrNoPrologue = errors.New("disasm: unrecognised prologue")

// prologueWindow bounds how many instructions FrameSize inspects.
const prologueWindow = 24

// Prologue describes a parsed function entry.
type Prologue struct {
	Frame    uint32     // bytes reserved by sub rsp
	SaveReg  x86asm.Reg // register holding the entry rsp (mov r11, rsp), 0 if none
	Pushes   int
	ChkStk   bool   // frame allocated through a stack probe call
	BodyAddr uint64 // first instruction after the frame setup
}

// ParsePrologue recognises a frame setup of pushes, leas and rsp saves
// (mov r11, rsp / mov rbp, rsp) in any order, followed by either
//
//	sub rsp, imm
//	mov eax, imm; call probe; sub rsp, rax
func ParsePrologue(insts []Inst) (Prologue, error) {
	var p Prologue
	i := 0
	next := func() (Inst, bool) {
		if i >= len(insts) {
			return Inst{}, false
		}
		in := insts[i]
		i++
		return in, true
	}

	in, ok := next()
	if !ok {
		return p, fmt.Errorf("%w: empty", ErrNoPrologue)
	}
setup:
	for {
		switch in.Class {
		case ClassPush:
			p.Pushes++
		case ClassLea:
		case ClassMov:
			src, ok := in.Reg(1)
			if !ok || src != x86asm.RSP {
				break setup
			}
			if p.SaveReg == 0 {
				p.SaveReg, _ = in.Reg(0)
			}
		default:
			break setup
		}
		if in, ok = next(); !ok {
			return p, fmt.Errorf("%w: truncated", ErrNoPrologue)
		}
	}

	// Stack probe form.
	if in.Class == ClassMov {
		if dst, ok := in.RawReg(0); ok && dst == x86asm.EAX {
			imm, ok := in.Imm()
			if !ok {
				return p, fmt.Errorf("%w: mov eax without immediate at 0x%x", ErrNoPrologue, in.Addr)
			}
			call, ok := next()
			if !ok || call.Class != ClassCall {
				return p, fmt.Errorf("%w: expected stack probe call after 0x%x", ErrNoPrologue, in.Addr)
			}
			sub, ok := next()
			if !ok || sub.Class != ClassSub {
				return p, fmt.Errorf("%w: expected sub rsp, rax after 0x%x", ErrNoPrologue, call.Addr)
			}
			d, _ := sub.Reg(0)
			s, _ := sub.Reg(1)
			if d != x86asm.RSP || s != x86asm.RAX {
				return p, fmt.Errorf("%w: expected sub rsp, rax at 0x%x", ErrNoPrologue, sub.Addr)
			}
			p.Frame = uint32(imm)
			p.ChkStk = true
			p.BodyAddr = sub.End()
			return p, nil
		}
	}

	if in.Class != ClassSub {
		return p, fmt.Errorf("%w: %s at 0x%x", ErrNoPrologue, in.Text, in.Addr)
	}
	if d, ok := in.Reg(0); !ok || d != x86asm.RSP {
		return p, fmt.Errorf("%w: sub of non-rsp at 0x%x", ErrNoPrologue, in.Addr)
	}
	imm, ok := in.Imm()
	if !ok {
		return p, fmt.Errorf("%w: sub rsp without immediate at 0x%x", ErrNoPrologue, in.Addr)
	}
	p.Frame = uint32(imm)
	p.BodyAddr = in.End()
	return p, nil
}

// FrameSize decodes the prologue of the function at addr and returns its
// stack frame size.
func FrameSize(r *Reader, addr uint64) (uint32, error) {
	p, err := ReadPrologue(r, addr)
	if err != nil {
		return 0, err
	}
	return p.Frame, nil
}

// ReadPrologue decodes and parses the prologue of the function at addr.
func ReadPrologue(r *Reader, addr uint64) (Prologue, error) {
	insts, err := r.Seq(addr, prologueWindow)
	if len(insts) == 0 && err != nil {
		return Prologue{}, err
	}
	return ParsePrologue(insts)
}
