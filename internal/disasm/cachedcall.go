package disasm

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// ErrNotCachedCall is returned when a function does not have the
// cache-check-then-call shape.
var ErrNotCachedCall = errors.New("disasm: not a cached call")

// ABI selects the integer argument registers.
type ABI int

const (
	ABIWin64 ABI = iota
	ABISysV
)

// ArgRegs returns the integer argument registers in order.
func (a ABI) ArgRegs() []x86asm.Reg {
	if a == ABISysV {
		return []x86asm.Reg{x86asm.RDI, x86asm.RSI, x86asm.RDX, x86asm.RCX, x86asm.R8, x86asm.R9}
	}
	return []x86asm.Reg{x86asm.RCX, x86asm.RDX, x86asm.R8, x86asm.R9}
}

// ParamReg returns the register carrying argument i, if it is passed in a register.
func (a ABI) ParamReg(i int) (x86asm.Reg, bool) {
	regs := a.ArgRegs()
	if i < 0 || i >= len(regs) {
		return 0, false
	}
	return regs[i], true
}

func (a ABI) String() string {
	if a == ABISysV {
		return "sysv"
	}
	return "win64"
}

// CachedCall is the parsed shape
//
//	prologue
//	mov rax, [cache]; test rax, rax; jnz done    (or cmp qword [cache], 0; jnz done)
//	<argument setup>
//	call fn
//	done: mov rax, [cache]; add rsp, N; ret
type CachedCall struct {
	Entry     uint64   // first instruction of the parsed body
	End       uint64   // address after the last parsed instruction
	Cache     uint64   // address of the cached return value
	Func      uint64   // called function
	Params    []uint64 // argument values in call order
	Redirects []uint64 // call sites followed before reaching the cached body
	Frame     uint32
	Tail      bool // epilogue reloaded the cache and returned
}

const (
	maxRedirects = 4
	maxArgSetup  = 64
	fakeStack    = uint64(0x1000_0000_0000_0000)
)

// ParseCachedCall parses the function at addr. A body that immediately calls
// another function is treated as a redirect and followed.
func ParseCachedCall(r *Reader, addr uint64, abi ABI) (*CachedCall, error) {
	var redirects []uint64
	for depth := 0; ; depth++ {
		if depth > maxRedirects {
			return nil, fmt.Errorf("%w: redirect chain too long at 0x%x", ErrNotCachedCall, addr)
		}
		insts, err := r.Seq(addr, prologueWindow)
		if len(insts) == 0 {
			return nil, err
		}
		pro, err := parseFramePrelude(insts)
		if err != nil {
			return nil, err
		}
		in, err := r.At(pro.BodyAddr)
		if err != nil {
			return nil, err
		}
		if in.Class == ClassCall && !in.Indirect && in.HasTarget {
			redirects = append(redirects, in.Addr)
			addr = in.Target
			continue
		}
		cc, err := parseCacheBody(r, addr, pro, in, abi)
		if err != nil {
			return nil, err
		}
		cc.Redirects = redirects
		return cc, nil
	}
}

// parseFramePrelude accepts the short prelude used by cached-call functions:
// an optional rsp save into a register followed by sub rsp, imm.
func parseFramePrelude(insts []Inst) (Prologue, error) {
	var p Prologue
	i := 0
	if insts[i].Class == ClassMov {
		if src, ok := insts[i].Reg(1); ok && src == x86asm.RSP {
			p.SaveReg, _ = insts[i].Reg(0)
			i++
		}
	}
	if i >= len(insts) {
		return p, fmt.Errorf("%w: truncated prelude", ErrNoPrologue)
	}
	in := insts[i]
	d, _ := in.Reg(0)
	imm, hasImm := in.Imm()
	if in.Class != ClassSub || d != x86asm.RSP || !hasImm {
		return p, fmt.Errorf("%w: unexpected prelude at 0x%x: %s", ErrNoPrologue, in.Addr, in.Text)
	}
	p.Frame = uint32(imm)
	p.BodyAddr = in.End()
	return p, nil
}

func parseCacheBody(r *Reader, entry uint64, pro Prologue, in Inst, abi ABI) (*CachedCall, error) {
	cc := &CachedCall{Entry: entry, Frame: pro.Frame}

	switch {
	case in.Class == ClassMov && in.HasTarget:
		// mov rax, [cache]; test rax, rax; jnz done
		cc.Cache = in.Target
		t, err := r.At(in.End())
		if err != nil {
			return nil, err
		}
		if t.Class != ClassTest {
			return nil, fmt.Errorf("%w: expected test at 0x%x, got %s", ErrNotCachedCall, t.Addr, t.Text)
		}
		in = t
	case in.Class == ClassCmp && in.HasTarget:
		// cmp qword [cache], 0; jnz done
		if v, ok := in.Imm(); !ok || v != 0 {
			return nil, fmt.Errorf("%w: cmp against non-zero at 0x%x", ErrNotCachedCall, in.Addr)
		}
		cc.Cache = in.Target
	default:
		return nil, fmt.Errorf("%w: unexpected instruction at 0x%x: %s", ErrNotCachedCall, in.Addr, in.Text)
	}

	j, err := r.At(in.End())
	if err != nil {
		return nil, err
	}
	if j.Class != ClassJcc || j.Op != x86asm.JNE {
		return nil, fmt.Errorf("%w: expected jnz at 0x%x, got %s", ErrNotCachedCall, j.Addr, j.Text)
	}

	fn, params, next, err := gatherCallParams(r, j.End(), pro, abi)
	if err != nil {
		return nil, err
	}
	cc.Func = fn
	cc.Params = params
	cc.End = next

	// Epilogue: mov rax, [cache]; add rsp, N; ret
	ep, err := r.Seq(next, 3)
	if err == nil && len(ep) == 3 &&
		ep[0].Class == ClassMov && ep[0].HasTarget && ep[0].Target == cc.Cache &&
		ep[1].Class == ClassAdd && ep[2].Class == ClassRet {
		cc.Tail = true
		cc.End = ep[2].End()
	}
	return cc, nil
}

// gatherCallParams tracks register and stack writes up to the next direct
// call and returns the call target and the arguments in call order. Register
// arguments sort before stack arguments; stack arguments sort by slot.
func gatherCallParams(r *Reader, addr uint64, pro Prologue, abi ABI) (uint64, []uint64, uint64, error) {
	regs := make(map[x86asm.Reg]uint64)
	regs[x86asm.RSP] = fakeStack
	if pro.SaveReg != 0 {
		regs[pro.SaveReg] = fakeStack + uint64(pro.Frame)
	}
	argIndex := make(map[x86asm.Reg]int)
	for i, reg := range abi.ArgRegs() {
		argIndex[reg] = i
	}

	// Slot offset to value; later writes to the same slot win.
	params := make(map[int64]uint64)
	setReg := func(reg x86asm.Reg, v uint64) {
		regs[reg] = v
		if i, ok := argIndex[reg]; ok {
			params[0xffff-int64(i)] = v
		}
	}
	stackOffset := func(in Inst, m x86asm.Mem) (int64, error) {
		switch {
		case pro.SaveReg != 0 && Family(m.Base) == pro.SaveReg:
			return -m.Disp, nil
		case Family(m.Base) == x86asm.RSP:
			return int64(pro.Frame) - m.Disp, nil
		}
		return 0, fmt.Errorf("%w: store through %v at 0x%x", ErrNotCachedCall, m.Base, in.Addr)
	}

	for n := 0; n < maxArgSetup; n++ {
		in, err := r.At(addr)
		if err != nil {
			return 0, nil, 0, err
		}
		addr = in.End()

		switch in.Class {
		case ClassCall:
			if in.Indirect || !in.HasTarget {
				return 0, nil, 0, fmt.Errorf("%w: indirect call at 0x%x", ErrNotCachedCall, in.Addr)
			}
			offsets := make([]int64, 0, len(params))
			for off := range params {
				if off >= 0 {
					offsets = append(offsets, off)
				}
			}
			sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
			out := make([]uint64, len(offsets))
			for i, off := range offsets {
				out[i] = params[off]
			}
			return in.Target, out, addr, nil

		case ClassLea:
			dst, ok := in.Reg(0)
			if !ok {
				return 0, nil, 0, fmt.Errorf("%w: lea without register at 0x%x", ErrNotCachedCall, in.Addr)
			}
			if in.HasTarget {
				setReg(dst, in.Target)
			} else {
				delete(regs, dst)
			}

		case ClassXor:
			a, aok := in.Reg(0)
			b, bok := in.Reg(1)
			if !aok || !bok || a != b {
				return 0, nil, 0, fmt.Errorf("%w: unexpected xor at 0x%x", ErrNotCachedCall, in.Addr)
			}
			setReg(a, 0)

		case ClassMov:
			if m, ok := in.Mem(0); ok {
				off, err := stackOffset(in, m)
				if err != nil {
					return 0, nil, 0, err
				}
				if v, ok := in.Imm(); ok {
					if in.MemBytes == 4 {
						v = int64(uint32(v))
					}
					params[off] = uint64(v)
				} else if src, ok := in.Reg(1); ok {
					params[off] = regs[src]
				}
				continue
			}
			dst, ok := in.Reg(0)
			if !ok {
				return 0, nil, 0, fmt.Errorf("%w: unexpected mov at 0x%x", ErrNotCachedCall, in.Addr)
			}
			if v, ok := in.Imm(); ok {
				if raw, _ := in.RawReg(0); raw >= x86asm.EAX && raw <= x86asm.R15L {
					v = int64(uint32(v))
				}
				setReg(dst, uint64(v))
			} else if src, ok := in.Reg(1); ok {
				setReg(dst, regs[src])
			} else {
				delete(regs, dst)
			}

		default:
			return 0, nil, 0, fmt.Errorf("%w: unexpected instruction in argument setup at 0x%x: %s", ErrNotCachedCall, in.Addr, in.Text)
		}
	}
	return 0, nil, 0, fmt.Errorf("%w: no call within %d instructions", ErrNotCachedCall, maxArgSetup)
}
