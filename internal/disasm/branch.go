package disasm

// BranchInfo describes a control transfer that ends a basic block.
type BranchInfo struct {
	Target   uint64 // absolute target address (0 if ret or indirect)
	Cond     bool   // true if conditional (has fallthrough)
	IsRet    bool
	Indirect bool // jmp through register or memory
	Trap     bool // int3; execution does not continue
}

// DecodeBranch returns the block-ending control transfer of inst, or nil if
// inst falls through. Calls are not terminators.
func DecodeBranch(inst Inst) *BranchInfo {
	switch inst.Class {
	case ClassRet:
		return &BranchInfo{IsRet: true}
	case ClassInt3:
		return &BranchInfo{Trap: true}
	case ClassJcc:
		return &BranchInfo{Target: inst.Target, Cond: true}
	case ClassJmp:
		if inst.Indirect {
			return &BranchInfo{Indirect: true}
		}
		return &BranchInfo{Target: inst.Target}
	}
	return nil
}

// IsBranchTerminator reports whether inst ends a basic block.
func IsBranchTerminator(inst Inst) bool {
	return DecodeBranch(inst) != nil
}
