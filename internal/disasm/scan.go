package disasm

import (
	"encoding/binary"
	"sort"
)

// CallRef is a direct reference to a function from code.
type CallRef struct {
	Site uint64 // address of the call/jmp instruction
	Tail bool   // e9 tail jump instead of e8 call
	Slot uint64 // pointer slot for ff 15 indirect calls, 0 for direct
}

func rel32Target(code []byte, base uint64, off, length int) uint64 {
	delta := int32(binary.LittleEndian.Uint32(code[off+length-4:]))
	return uint64(int64(base) + int64(off) + int64(length) + int64(delta))
}

// FindCalls returns every e8 rel32 call and e9 rel32 jump in code that lands
// on target. base is the address of code[0].
func FindCalls(code []byte, base, target uint64) []CallRef {
	var out []CallRef
	for off := 0; off+5 <= len(code); off++ {
		op := code[off]
		if op != 0xe8 && op != 0xe9 {
			continue
		}
		if rel32Target(code, base, off, 5) == target {
			out = append(out, CallRef{Site: base + uint64(off), Tail: op == 0xe9})
		}
	}
	return out
}

// FindIndirectCalls returns every ff 15 (call [rip+disp32]) in code whose
// pointer slot is one of slots.
func FindIndirectCalls(code []byte, base uint64, slots []uint64) []CallRef {
	if len(slots) == 0 {
		return nil
	}
	want := make(map[uint64]bool, len(slots))
	for _, s := range slots {
		want[s] = true
	}
	var out []CallRef
	for off := 0; off+6 <= len(code); off++ {
		if code[off] != 0xff || code[off+1] != 0x15 {
			continue
		}
		slot := rel32Target(code, base, off, 6)
		if want[slot] {
			out = append(out, CallRef{Site: base + uint64(off), Slot: slot})
		}
	}
	return out
}

// FindPointers returns the 8-byte aligned locations in data holding target.
func FindPointers(data []byte, base, target uint64) []uint64 {
	var out []uint64
	start := int((8 - base%8) % 8)
	for off := start; off+8 <= len(data); off += 8 {
		if binary.LittleEndian.Uint64(data[off:]) == target {
			out = append(out, base+uint64(off))
		}
	}
	return out
}

// CallTarget is a function address with the sites that call it.
type CallTarget struct {
	Addr  uint64
	Sites []uint64
}

// CallTargets collects every e8 rel32 call in code whose target falls in
// [lo, hi) and is called at least minCount times. Results are ordered by
// call count, most called first, then by address.
func CallTargets(code []byte, base, lo, hi uint64, minCount int) []CallTarget {
	calls := make(map[uint64][]uint64)
	for off := 0; off+5 <= len(code); off++ {
		if code[off] != 0xe8 {
			continue
		}
		t := rel32Target(code, base, off, 5)
		if t < lo || t >= hi {
			continue
		}
		calls[t] = append(calls[t], base+uint64(off))
	}
	out := make([]CallTarget, 0, len(calls))
	for addr, sites := range calls {
		if len(sites) < minCount {
			continue
		}
		out = append(out, CallTarget{Addr: addr, Sites: sites})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Sites) != len(out[j].Sites) {
			return len(out[i].Sites) > len(out[j].Sites)
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}
