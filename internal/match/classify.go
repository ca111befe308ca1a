package match

import (
	"fmt"

	"unreflect/internal/disasm"
	"unreflect/internal/layout"
)

// FuncClass is the recognised shape of a function.
type FuncClass uint8

const (
	Unparsable FuncClass = iota
	ConstructHelper
	ZConstructGenerator
	StaticClassAccessor
)

var funcClassNames = [...]string{"unparsable", "construct_helper", "zconstruct", "static_class"}

func (c FuncClass) String() string {
	if int(c) < len(funcClassNames) {
		return funcClassNames[c]
	}
	return fmt.Sprintf("FuncClass(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c FuncClass) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// staticClassMinParams is the fewest arguments accepted as a class body call.
const staticClassMinParams = 12

// StaticClassParams are the arguments a StaticClass accessor passes to the
// private class body constructor.
type StaticClassParams struct {
	PackageName     uint64 `json:"package_name"` // UTF-16
	Name            uint64 `json:"name"`         // UTF-16
	Cache           uint64 `json:"cache"`
	RegisterNatives uint64 `json:"register_natives"`
	Size            uint32 `json:"size"`
	Align           uint32 `json:"align"`
	ClassFlags      uint32 `json:"class_flags"`
	CastFlags       uint64 `json:"cast_flags"`
	ConfigName      uint64 `json:"config_name"` // UTF-16
	Ctor            uint64 `json:"ctor"`
	VTableCtor      uint64 `json:"vtable_ctor"`
	AddRefObjects   uint64 `json:"add_referenced_objects"`
	Super           uint64 `json:"super"`
	Within          uint64 `json:"within"`
}

func staticClassParams(p []uint64) *StaticClassParams {
	at := func(i int) uint64 {
		if i < len(p) {
			return p[i]
		}
		return 0
	}
	return &StaticClassParams{
		PackageName:     at(0),
		Name:            at(1),
		Cache:           at(2),
		RegisterNatives: at(3),
		Size:            uint32(at(4)),
		Align:           uint32(at(5)),
		ClassFlags:      uint32(at(6)),
		CastFlags:       at(7),
		ConfigName:      at(8),
		Ctor:            at(9),
		VTableCtor:      at(10),
		AddRefObjects:   at(11),
		Super:           at(12),
		Within:          at(13),
	}
}

// Classification is the result of Classify.
type Classification struct {
	Addr        uint64   // entry after following trampolines
	Trampolines []uint64 // jumps followed to reach Addr
	Class       FuncClass
	Helper      layout.Kind // helper kind called (ConstructHelper: the helper's own kind)
	Call        *disasm.CachedCall
	Params      uint64 // params struct of a generator
	Redirect    uint64 // generator this one forwards to, 0 if none
	Static      *StaticClassParams
	Err         error // why the function is Unparsable
}

// Classify recognises the function at addr. Trampolines are followed first.
// Decode failures produce an Unparsable classification, never a panic.
func Classify(env *Env, addr uint64, anchors Anchors) *Classification {
	c := &Classification{Addr: addr}
	final, hops, err := disasm.FollowJumps(env.Reader, addr, maxHops)
	c.Addr, c.Trampolines = final, hops
	if err != nil {
		c.Err = err
		return c
	}
	if k, ok := anchors.KindAt(final); ok {
		c.Class = ConstructHelper
		c.Helper = k
		return c
	}

	cc, err := disasm.ParseCachedCall(env.Reader, final, env.ABI)
	if err != nil {
		c.Err = err
		return c
	}
	c.Call = cc
	if len(cc.Redirects) > 0 {
		c.Redirect = cc.Entry
	}
	callee, _, err := disasm.FollowJumps(env.Reader, cc.Func, maxHops)
	if err != nil {
		callee = cc.Func
	}

	switch n := len(cc.Params); {
	case n == 2:
		k, ok := anchors.KindAt(callee)
		if !ok {
			c.Err = fmt.Errorf("%w: two-argument call of 0x%x, not a construct helper", disasm.ErrNotCachedCall, callee)
			return c
		}
		c.Class = ZConstructGenerator
		c.Helper = k
		c.Params = cc.Params[1]
	case n == 0:
		// Cached forward to another generator.
		c.Class = ZConstructGenerator
		c.Redirect = callee
	case n >= staticClassMinParams:
		c.Class = StaticClassAccessor
		c.Static = staticClassParams(cc.Params)
	default:
		c.Err = fmt.Errorf("%w: call of 0x%x with %d arguments", disasm.ErrNotCachedCall, callee, n)
	}
	return c
}
