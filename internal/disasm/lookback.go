package disasm

import "golang.org/x/arch/x86/x86asm"

// RegLoad is a constant value loaded into a register before a call.
type RegLoad struct {
	Addr  uint64 // instruction that defined the register
	Value uint64
	Lea   bool // value came from lea reg, [rip+disp]
}

// FindRegLoad scans window backward from its last instruction for the
// definition of reg. It accepts lea reg, [rip+disp] and mov reg, imm and
// gives up when reg is written by anything else, when a call intervenes, or
// after max instructions.
func FindRegLoad(window []Inst, reg x86asm.Reg, max int) (RegLoad, bool) {
	reg = Family(reg)
	steps := 0
	for i := len(window) - 1; i >= 0 && steps < max; i-- {
		steps++
		in := window[i]
		if in.Class == ClassCall {
			return RegLoad{}, false
		}
		if !in.Writes(reg) {
			continue
		}
		switch in.Class {
		case ClassLea:
			if m, ok := in.Mem(1); ok && m.Base == x86asm.RIP && m.Index == 0 {
				return RegLoad{Addr: in.Addr, Value: in.Target, Lea: true}, true
			}
		case ClassMov:
			if v, ok := in.Imm(); ok {
				if r, _ := in.RawReg(0); r >= x86asm.EAX && r <= x86asm.R15L {
					v = int64(uint32(v))
				}
				return RegLoad{Addr: in.Addr, Value: uint64(v)}, true
			}
		}
		return RegLoad{}, false
	}
	return RegLoad{}, false
}
