package disasm

import "testing"

func disasmAt(code []byte, addr uint64) []Inst {
	return Disassemble(code, Options{BaseAddr: addr})
}

func TestBuildCFG_Linear(t *testing.T) {
	insts := disasmAt([]byte{0x90, 0x90, 0xc3}, 0x1000)
	cfg := BuildCFG("linear", insts)
	if len(cfg.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(cfg.Blocks))
	}
	blk := cfg.Blocks[0]
	if blk.Start != 0 || blk.End != 3 {
		t.Errorf("block range = [%d,%d), want [0,3)", blk.Start, blk.End)
	}
	if !blk.IsTerm || !blk.IsEntry {
		t.Errorf("block = %+v, want entry and terminal", blk)
	}
}

func TestBuildCFG_ConditionalBranch(t *testing.T) {
	//   0x1000: test rax, rax
	//   0x1003: jne 0x1006
	//   0x1005: ret
	//   0x1006: nop
	//   0x1007: ret
	code := []byte{0x48, 0x85, 0xc0, 0x75, 0x01, 0xc3, 0x90, 0xc3}
	cfg := BuildCFG("cond", disasmAt(code, 0x1000))

	if len(cfg.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(cfg.Blocks))
	}
	b0 := cfg.Blocks[0]
	if len(b0.Succs) != 2 {
		t.Fatalf("block 0 succs = %+v", b0.Succs)
	}
	var hasT, hasF bool
	for _, s := range b0.Succs {
		if s.Cond == "T" && s.BlockID == 2 {
			hasT = true
		}
		if s.Cond == "F" && s.BlockID == 1 {
			hasF = true
		}
	}
	if !hasT || !hasF {
		t.Errorf("block 0 succs = %+v, want T->2 and F->1", b0.Succs)
	}
	if !cfg.Blocks[1].IsTerm || !cfg.Blocks[2].IsTerm {
		t.Error("ret blocks should be terminal")
	}
}

func TestBuildCFG_Loop(t *testing.T) {
	// 0x1000: nop; 0x1001: jmp 0x1000
	cfg := BuildCFG("loop", disasmAt([]byte{0x90, 0xeb, 0xfd}, 0x1000))
	if len(cfg.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(cfg.Blocks))
	}
	succs := cfg.Blocks[0].Succs
	if len(succs) != 1 || succs[0].BlockID != 0 || succs[0].Cond != "" {
		t.Errorf("succs = %+v, want self edge", succs)
	}
}

func TestBuildCFG_TailJump(t *testing.T) {
	// 0x1000: sub rsp, 28h; 0x1004: add rsp, 28h; 0x1008: jmp 0x2000
	code := []byte{0x48, 0x83, 0xec, 0x28, 0x48, 0x83, 0xc4, 0x28, 0xe9, 0xf3, 0x0f, 0x00, 0x00}
	cfg := BuildCFG("tail", disasmAt(code, 0x1000))
	if len(cfg.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(cfg.Blocks))
	}
	if !cfg.Blocks[0].IsTerm || len(cfg.Blocks[0].Succs) != 0 {
		t.Errorf("tail jump block = %+v", cfg.Blocks[0])
	}
}

func TestBuildCFG_Empty(t *testing.T) {
	cfg := BuildCFG("empty", nil)
	if len(cfg.Blocks) != 0 || cfg.Name != "empty" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestDecodeBranch(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want *BranchInfo
	}{
		{"ret", []byte{0xc3}, &BranchInfo{IsRet: true}},
		{"int3", []byte{0xcc}, &BranchInfo{Trap: true}},
		{"jne", []byte{0x75, 0x10}, &BranchInfo{Target: 0x1012, Cond: true}},
		{"jmp", []byte{0xeb, 0x10}, &BranchInfo{Target: 0x1012}},
		{"jmp rax", []byte{0xff, 0xe0}, &BranchInfo{Indirect: true}},
		{"call", []byte{0xe8, 0, 0, 0, 0}, nil},
		{"nop", []byte{0x90}, nil},
	}
	for _, tt := range tests {
		in, err := Decode(tt.code, 0x1000)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		got := DecodeBranch(in)
		if (got == nil) != (tt.want == nil) {
			t.Errorf("%s: DecodeBranch = %+v, want %+v", tt.name, got, tt.want)
			continue
		}
		if got != nil && *got != *tt.want {
			t.Errorf("%s: DecodeBranch = %+v, want %+v", tt.name, *got, *tt.want)
		}
		if IsBranchTerminator(in) != (tt.want != nil) {
			t.Errorf("%s: IsBranchTerminator mismatch", tt.name)
		}
	}
}
