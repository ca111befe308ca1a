package disasm

// BasicBlock is a run of instructions entered only at its first.
type BasicBlock struct {
	ID      int
	Start   int    // index into FuncCFG.Insts (inclusive)
	End     int    // index into FuncCFG.Insts (exclusive)
	Succs   []Succ // successor edges
	IsEntry bool
	IsTerm  bool // ends with ret, int3, an indirect jump or a jump out of the function
}

// Succ is a control-flow edge. Cond is "" for unconditional edges, "T" for
// a taken jcc and "F" for its fallthrough.
type Succ struct {
	BlockID int
	Cond    string
}

// FuncCFG is the control flow graph of one function.
type FuncCFG struct {
	Name   string
	Blocks []BasicBlock
	Insts  []Inst
}

// BuildCFG splits a linear instruction stream into basic blocks. A block
// starts at the entry, at every in-range jump target and after every
// terminator; calls do not end blocks.
func BuildCFG(name string, insts []Inst) FuncCFG {
	cfg := FuncCFG{Name: name, Insts: insts}
	if len(insts) == 0 {
		return cfg
	}

	index := make(map[uint64]int, len(insts))
	for i, in := range insts {
		index[in.Addr] = i
	}
	local := func(b *BranchInfo) (int, bool) {
		if b.IsRet || b.Indirect || b.Trap {
			return 0, false
		}
		i, ok := index[b.Target]
		return i, ok
	}

	leader := make([]bool, len(insts)+1)
	leader[0] = true
	for i, in := range insts {
		if b := DecodeBranch(in); b != nil {
			leader[i+1] = true
			if t, ok := local(b); ok {
				leader[t] = true
			}
		}
	}

	blockOf := make([]int, len(insts)+1)
	for i := range blockOf {
		blockOf[i] = -1
	}
	for i := 0; i < len(insts); {
		j := i + 1
		for j < len(insts) && !leader[j] {
			j++
		}
		blockOf[i] = len(cfg.Blocks)
		cfg.Blocks = append(cfg.Blocks, BasicBlock{ID: len(cfg.Blocks), Start: i, End: j, IsEntry: i == 0})
		i = j
	}

	for i := range cfg.Blocks {
		blk := &cfg.Blocks[i]
		next := blockOf[blk.End]
		b := DecodeBranch(insts[blk.End-1])
		switch {
		case b == nil:
			if next >= 0 {
				blk.Succs = []Succ{{BlockID: next}}
			}
		case b.Cond:
			if t, ok := local(b); ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: blockOf[t], Cond: "T"})
			}
			if next >= 0 {
				blk.Succs = append(blk.Succs, Succ{BlockID: next, Cond: "F"})
			}
		default:
			if t, ok := local(b); ok {
				blk.Succs = []Succ{{BlockID: blockOf[t]}}
			} else {
				blk.IsTerm = true
			}
		}
	}
	return cfg
}
