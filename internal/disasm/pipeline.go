package disasm

import (
	"fmt"

	"unreflect/internal/uefmt"
)

// FuncRecord is one line in functions.jsonl.
type FuncRecord struct {
	PC     string `json:"pc"`
	Size   int    `json:"size"`
	Name   string `json:"name"`
	Frame  uint32 `json:"frame,omitempty"`
	Blocks int    `json:"blocks"`
}

// CallEdgeRecord is one line in call_edges.jsonl.
type CallEdgeRecord struct {
	FromFunc string `json:"from_func"`
	FromPC   string `json:"from_pc"`
	Kind     string `json:"kind"`
	Target   string `json:"target,omitempty"` // resolved name or "0x..."
	Reg      string `json:"reg,omitempty"`
	Via      string `json:"via,omitempty"`
}

// StringRefRecord is one line in string_refs.jsonl.
type StringRefRecord struct {
	Func     string `json:"func"`
	PC       string `json:"pc"`
	Addr     string `json:"addr"`
	Encoding string `json:"encoding"`
	Value    string `json:"value"`
}

// FunctionRecords builds the JSONL records for one decoded function.
func FunctionRecords(name string, insts []Inst, mem Memory, symbols SymbolLookup) (FuncRecord, []CallEdgeRecord, []StringRefRecord) {
	fr := FuncRecord{Name: name}
	if len(insts) == 0 {
		return fr, nil, nil
	}
	fr.PC = fmt.Sprintf("0x%x", insts[0].Addr)
	fr.Size = int(insts[len(insts)-1].End() - insts[0].Addr)
	if p, err := ParsePrologue(insts); err == nil {
		fr.Frame = p.Frame
	}
	fr.Blocks = len(BuildCFG(name, insts).Blocks)

	var strs []StringRefRecord
	var anns []Annotator
	if mem != nil {
		anns = append(anns, StringAnnotator(mem, 0))
		for _, in := range insts {
			if in.Class != ClassLea || !in.HasTarget {
				continue
			}
			for _, enc := range []uefmt.Encoding{uefmt.UTF16, uefmt.UTF8} {
				if s, ok := ReadString(mem, in.Target, enc, uefmt.DefaultStringLimit); ok {
					strs = append(strs, StringRefRecord{
						Func:     name,
						PC:       fmt.Sprintf("0x%x", in.Addr),
						Addr:     fmt.Sprintf("0x%x", in.Target),
						Encoding: enc.String(),
						Value:    s,
					})
					break
				}
			}
		}
	}

	var calls []CallEdgeRecord
	for _, e := range ExtractCallEdges(insts, symbols, anns, 8) {
		r := CallEdgeRecord{
			FromFunc: name,
			FromPC:   fmt.Sprintf("0x%x", e.FromPC),
			Kind:     e.Kind,
			Reg:      e.Reg,
			Via:      e.Via,
			Target:   e.TargetName,
		}
		if r.Target == "" {
			switch {
			case e.TargetPC != 0:
				r.Target = fmt.Sprintf("0x%x", e.TargetPC)
			case e.Slot != 0:
				r.Target = fmt.Sprintf("[0x%x]", e.Slot)
			}
		}
		calls = append(calls, r)
	}
	return fr, calls, strs
}
