package synth

import "golang.org/x/arch/x86/x86asm"

// ABI selects the argument registers used by the generated call shapes.
type ABI int

const (
	Win64 ABI = iota
	SysV
)

func (abi ABI) argRegs() []x86asm.Reg {
	if abi == SysV {
		return []x86asm.Reg{x86asm.RDI, x86asm.RSI, x86asm.RDX, x86asm.RCX, x86asm.R8, x86asm.R9}
	}
	return []x86asm.Reg{x86asm.RCX, x86asm.RDX, x86asm.R8, x86asm.R9}
}

// stackArgBase is the rsp displacement of the first stack argument.
func (abi ABI) stackArgBase() int8 {
	if abi == SysV {
		return 0
	}
	return 0x20
}

// Helper emits a construct helper with the given stack frame: a register
// save, the frame reservation, some body and a matching epilogue.
func Helper(a *Asm, name string, frame uint32) uint64 {
	a.Align(16)
	start := a.Label(name)
	a.Push(x86asm.RBX)
	a.SubRSP(frame)
	a.Nop().Nop()
	a.AddRSP(frame)
	a.Pop(x86asm.RBX)
	a.Ret()
	return start
}

// ProbeHelper emits a construct helper whose frame is reserved through a
// stack probe call.
func ProbeHelper(a *Asm, name string, frame uint32, probe Ref) uint64 {
	a.Align(16)
	start := a.Label(name)
	a.MovImm32(x86asm.RAX, frame)
	a.Call(probe)
	a.SubRSPRAX()
	a.Nop()
	a.AddRSP(frame)
	a.Ret()
	return start
}

// Leaf emits a function with no frame that just returns.
func Leaf(a *Asm, name string) uint64 {
	a.Align(16)
	start := a.Label(name)
	a.Ret()
	return start
}

// ZConstructOpts varies the generated generator shape.
type ZConstructOpts struct {
	ABI     ABI
	CmpForm bool // cmp [cache], 0 instead of mov rax, [cache]; test rax, rax
}

// ZConstruct emits a Z_Construct generator: check the cache, call helper
// with (&cache, params) when empty, then return the cache.
func ZConstruct(a *Asm, name string, cache, params uint64, helper Ref, o ZConstructOpts) uint64 {
	a.Align(16)
	start := a.Label(name)
	done := name + ".done"
	regs := o.ABI.argRegs()
	a.SubRSP(0x28)
	if o.CmpForm {
		a.CmpRipZero(Abs(cache))
	} else {
		a.MovRAXRip(Abs(cache)).TestRAX()
	}
	a.Jnz8(L(done))
	a.LeaRip(regs[1], Abs(params))
	a.LeaRip(regs[0], Abs(cache))
	a.Call(helper)
	a.Label(done)
	a.MovRAXRip(Abs(cache))
	a.AddRSP(0x28)
	a.Ret()
	return start
}

// Redirect emits a function that reserves a frame and immediately calls
// target, the shape of a generator that forwards to another.
func Redirect(a *Asm, name string, target Ref) uint64 {
	a.Align(16)
	start := a.Label(name)
	a.SubRSP(0x28)
	a.Call(target)
	a.AddRSP(0x28)
	a.Ret()
	return start
}

// Trampoline emits a jmp rel32 to target.
func Trampoline(a *Asm, name string, target Ref) uint64 {
	a.Align(16)
	start := a.Label(name)
	a.Jmp(target)
	return start
}

// StaticClassArgs are the fourteen arguments passed to the class body
// constructor by a StaticClass accessor.
type StaticClassArgs struct {
	PackageName    uint64 // UTF-16
	Name           uint64 // UTF-16
	Cache          uint64
	RegisterNative uint64
	Size           uint32
	Align          uint32
	ClassFlags     uint32
	CastFlags      uint32
	ConfigName     uint64 // UTF-16
	Ctor           uint64
	VTableCtor     uint64
	AddRefObjects  uint64
	Super          uint64
	Within         uint64
}

func (s StaticClassArgs) values() []arg {
	return []arg{
		{ptr: true, v: s.PackageName},
		{ptr: true, v: s.Name},
		{ptr: true, v: s.Cache},
		{ptr: true, v: s.RegisterNative},
		{v: uint64(s.Size)},
		{v: uint64(s.Align)},
		{v: uint64(s.ClassFlags)},
		{v: uint64(s.CastFlags)},
		{ptr: true, v: s.ConfigName},
		{ptr: true, v: s.Ctor},
		{ptr: true, v: s.VTableCtor},
		{ptr: true, v: s.AddRefObjects},
		{ptr: true, v: s.Super},
		{ptr: true, v: s.Within},
	}
}

type arg struct {
	ptr bool
	v   uint64
}

// StaticClassFrame is the frame reserved by generated accessors.
const StaticClassFrame = 0x78

// StaticClass emits a StaticClass accessor: cmp [cache], 0; jnz; store the
// stack arguments through r11; load the register arguments; call body.
func StaticClass(a *Asm, name string, args StaticClassArgs, body Ref, abi ABI) uint64 {
	a.Align(16)
	start := a.Label(name)
	done := name + ".done"
	regs := abi.argRegs()
	a.MovRegRSP(x86asm.R11)
	a.SubRSP(StaticClassFrame)
	a.CmpRipZero(Abs(args.Cache))
	a.Jnz(L(done))

	vals := args.values()
	// Stack arguments, stored relative to the saved entry rsp.
	for i := len(regs); i < len(vals); i++ {
		disp := int8(int(abi.stackArgBase()) + 8*(i-len(regs)) - StaticClassFrame)
		v := vals[i]
		switch {
		case v.ptr && v.v != 0:
			a.LeaRip(x86asm.RAX, Abs(v.v))
			a.MovStackReg(x86asm.R11, disp, x86asm.RAX)
		default:
			a.MovStackImm(x86asm.R11, disp, uint32(v.v))
		}
	}
	// Register arguments, last first.
	for i := len(regs) - 1; i >= 0; i-- {
		v := vals[i]
		switch {
		case v.ptr && v.v != 0:
			a.LeaRip(regs[i], Abs(v.v))
		case v.v == 0:
			a.XorSelf(regs[i])
		default:
			a.MovImm32(regs[i], uint32(v.v))
		}
	}
	a.Call(body)
	a.Label(done)
	a.MovRAXRip(Abs(args.Cache))
	a.AddRSP(StaticClassFrame)
	a.Ret()
	return start
}
