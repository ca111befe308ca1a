package graph

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"unreflect/internal/disasm"
)

// FuncInfo holds the data needed to build the CFG of one function. Strings
// maps instruction addresses to the literal they load.
type FuncInfo struct {
	Name      string
	Insts     []disasm.Inst
	CallEdges []disasm.CallEdge
	Strings   map[uint64]string
}

// BuildCFG constructs a lattice.CFGGraph from disassembled functions.
func BuildCFG(funcs []FuncInfo) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, f := range funcs {
		lcfg, _ := BuildFuncCFG(f)
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

// BuildFuncCFG builds a single-function lattice.FuncCFG and returns it with
// its number of basic blocks.
func BuildFuncCFG(f FuncInfo) (*lattice.FuncCFG, int) {
	dcfg := disasm.BuildCFG(f.Name, f.Insts)
	lcfg := convertFuncCFG(&dcfg, f.CallEdges)
	injectStringRefs(lcfg, &dcfg, f.Strings)
	return lcfg, len(dcfg.Blocks)
}

// CFGDOT renders the control flow graphs of funcs.
func CFGDOT(funcs []FuncInfo, title string) string {
	return render.DOTCFG(BuildCFG(funcs), title)
}

// injectStringRefs adds string literal loads to the blocks holding them.
func injectStringRefs(lcfg *lattice.FuncCFG, dcfg *disasm.FuncCFG, strRefs map[uint64]string) {
	if len(strRefs) == 0 {
		return
	}
	for bi, db := range dcfg.Blocks {
		added := false
		for idx := db.Start; idx < db.End && idx < len(dcfg.Insts); idx++ {
			if val, ok := strRefs[dcfg.Insts[idx].Addr]; ok {
				lcfg.Blocks[bi].Calls = append(lcfg.Blocks[bi].Calls, lattice.CallSite{
					Offset: idx,
					Callee: truncLabel(fmt.Sprintf("%q", val), 50),
				})
				added = true
			}
		}
		if added {
			sort.SliceStable(lcfg.Blocks[bi].Calls, func(i, j int) bool {
				return lcfg.Blocks[bi].Calls[i].Offset < lcfg.Blocks[bi].Calls[j].Offset
			})
		}
	}
}

// calleeName labels a call edge: its symbol, then the register provenance,
// then the raw target or pointer slot.
func calleeName(e disasm.CallEdge) string {
	switch {
	case e.TargetName != "":
		return e.TargetName
	case e.Via != "":
		return e.Via
	case e.TargetPC != 0:
		return fmt.Sprintf("0x%x", e.TargetPC)
	case e.Slot != 0:
		return fmt.Sprintf("[0x%x]", e.Slot)
	case e.Reg != "":
		return e.Reg
	}
	return e.Kind
}

// convertFuncCFG maps a disasm.FuncCFG to a lattice.FuncCFG. Call edges are
// placed in the blocks holding their instructions.
func convertFuncCFG(dcfg *disasm.FuncCFG, edges []disasm.CallEdge) *lattice.FuncCFG {
	edgeByPC := make(map[uint64]disasm.CallEdge, len(edges))
	for _, e := range edges {
		edgeByPC[e.FromPC] = e
	}

	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		for idx := db.Start; idx < db.End && idx < len(dcfg.Insts); idx++ {
			if e, ok := edgeByPC[dcfg.Insts[idx].Addr]; ok {
				lb.Calls = append(lb.Calls, lattice.CallSite{
					Offset: idx,
					Callee: calleeName(e),
				})
			}
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}
