package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// CallEdge represents a call site extracted from disassembly.
type CallEdge struct {
	FromPC     uint64 `json:"from_pc"`
	Kind       string `json:"kind"`                // "call", "jmp", "call_reg", "call_mem", "jmp_reg", "jmp_mem"
	TargetPC   uint64 `json:"target_pc,omitempty"` // resolved VA for direct transfers
	TargetName string `json:"target_name,omitempty"`
	Reg        string `json:"reg,omitempty"`  // register for register-indirect transfers
	Slot       uint64 `json:"slot,omitempty"` // pointer slot for [rip+disp] transfers
	Via        string `json:"via,omitempty"`  // provenance of the register value
}

// RegDef records the last definition of a register within the window.
type RegDef struct {
	Annotation string
	Age        int // instructions since definition
}

// RegTracker tracks last-def provenance for general purpose registers.
// Definitions older than the window are expired.
type RegTracker struct {
	defs map[x86asm.Reg]RegDef
	w    int
}

// NewRegTracker creates a tracker with the given window size.
func NewRegTracker(w int) *RegTracker {
	return &RegTracker{defs: make(map[x86asm.Reg]RegDef), w: w}
}

// Reset clears all tracked definitions. Call between functions.
func (rt *RegTracker) Reset() {
	clear(rt.defs)
}

// Tick ages all definitions by 1 and expires those beyond the window.
func (rt *RegTracker) Tick() {
	for r, d := range rt.defs {
		d.Age++
		if d.Age > rt.w {
			delete(rt.defs, r)
			continue
		}
		rt.defs[r] = d
	}
}

// Define records that reg was defined with the given annotation.
func (rt *RegTracker) Define(reg x86asm.Reg, annotation string) {
	rt.defs[Family(reg)] = RegDef{Annotation: annotation}
}

// Lookup returns the annotation for reg, or "" if expired or unknown.
func (rt *RegTracker) Lookup(reg x86asm.Reg) string {
	return rt.defs[Family(reg)].Annotation
}

// Kill clears the definition for reg.
func (rt *RegTracker) Kill(reg x86asm.Reg) {
	delete(rt.defs, Family(reg))
}

// killVolatile drops every caller-saved register after a call.
func (rt *RegTracker) killVolatile() {
	for r := range rt.defs {
		if isVolatile(r) {
			delete(rt.defs, r)
		}
	}
}

// ExtractCallEdges scans instructions for call sites and tail jumps leaving
// the instruction range. Register-indirect targets are resolved through a
// register tracker with window w, populated by the annotators. symbols names
// direct targets and pointer slots.
func ExtractCallEdges(insts []Inst, symbols SymbolLookup, annotators []Annotator, w int) []CallEdge {
	if len(insts) == 0 {
		return nil
	}
	lo, hi := insts[0].Addr, insts[len(insts)-1].End()
	name := func(addr uint64) string {
		if symbols == nil {
			return ""
		}
		s, _ := symbols(addr)
		return s
	}

	rt := NewRegTracker(w)
	var edges []CallEdge
	for _, inst := range insts {
		switch inst.Class {
		case ClassCall, ClassJmp:
			kind := "call"
			if inst.Class == ClassJmp {
				kind = "jmp"
			}
			e := CallEdge{FromPC: inst.Addr}
			switch {
			case !inst.Indirect && inst.HasTarget:
				if kind == "jmp" && inst.Target >= lo && inst.Target < hi {
					// Local branch.
					rt.Tick()
					continue
				}
				e.Kind = kind
				e.TargetPC = inst.Target
				e.TargetName = name(inst.Target)
			case inst.HasTarget:
				e.Kind = kind + "_mem"
				e.Slot = inst.Target
				e.TargetName = name(inst.Target)
			default:
				e.Kind = kind + "_reg"
				if r, ok := inst.Reg(0); ok {
					e.Reg = strings.ToLower(r.String())
					e.Via = rt.Lookup(r)
				}
			}
			edges = append(edges, e)
			if inst.Class == ClassCall {
				rt.killVolatile()
			}
			rt.Tick()
			continue
		}

		var annotation string
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				annotation = s
				break
			}
		}
		if dst, ok := inst.Reg(0); ok && (inst.Class == ClassLea || inst.Class == ClassMov) {
			rt.Tick()
			switch {
			case annotation != "":
				rt.Define(dst, annotation)
			case inst.Class == ClassMov:
				if src, ok := inst.Reg(1); ok && rt.Lookup(src) != "" {
					rt.Define(dst, rt.Lookup(src))
				} else {
					rt.Kill(dst)
				}
			default:
				rt.Kill(dst)
			}
			continue
		}
		if dst, ok := inst.Reg(0); ok && inst.Writes(dst) {
			rt.Kill(dst)
		}
		rt.Tick()
	}
	return edges
}
