package graph

import (
	"strings"
	"testing"

	"github.com/zboralski/lattice/render"

	"unreflect/internal/disasm"
)

func TestBuildCFG_DOTOutput(t *testing.T) {
	// entry (B0):
	//   0x1000: test rax, rax
	//   0x1003: je 0x100b        ; T -> B2, F -> B1
	//
	// fallthrough (B1):
	//   0x1005: call 0x1100      ; "Foo"
	//   0x100a: ret
	//
	// taken (B2):
	//   0x100b: call 0x1200      ; unnamed
	//   0x1010: ret
	code := []byte{
		0x48, 0x85, 0xc0,
		0x74, 0x06,
		0xe8, 0xf6, 0x00, 0x00, 0x00,
		0xc3,
		0xe8, 0xf0, 0x01, 0x00, 0x00,
		0xc3,
	}
	insts := disasm.Disassemble(code, disasm.Options{BaseAddr: 0x1000})
	edges := []disasm.CallEdge{
		{FromPC: 0x1005, Kind: "call", TargetPC: 0x1100, TargetName: "Foo"},
		{FromPC: 0x100b, Kind: "call", TargetPC: 0x1200},
	}
	funcs := []FuncInfo{{
		Name:      "Z_Construct_UClass_AActor",
		Insts:     insts,
		CallEdges: edges,
		Strings:   map[uint64]string{0x1000: "Actor"},
	}}

	cfg := BuildCFG(funcs)
	if len(cfg.Funcs) != 1 {
		t.Fatalf("expected 1 function, got %d", len(cfg.Funcs))
	}
	f := cfg.Funcs[0]
	if f.Name != "Z_Construct_UClass_AActor" {
		t.Errorf("func name = %q", f.Name)
	}
	if len(f.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(f.Blocks))
	}

	b0 := f.Blocks[0]
	if len(b0.Succs) != 2 {
		t.Errorf("B0 succs = %+v", b0.Succs)
	}
	if len(b0.Calls) != 1 || b0.Calls[0].Callee != `"Actor"` {
		t.Errorf("B0 calls = %+v", b0.Calls)
	}

	b1 := f.Blocks[1]
	if len(b1.Calls) != 1 || b1.Calls[0].Callee != "Foo" {
		t.Errorf("B1 calls = %+v", b1.Calls)
	}
	if !b1.Term {
		t.Error("B1 should be terminal")
	}

	b2 := f.Blocks[2]
	if len(b2.Calls) != 1 || b2.Calls[0].Callee != "0x1200" {
		t.Errorf("B2 calls = %+v", b2.Calls)
	}

	dot := render.DOTCFG(cfg, "unreflect CFG example")
	if dot == "" {
		t.Error("expected non-empty DOT output")
	}
	if CFGDOT(funcs, "unreflect CFG example") == "" {
		t.Error("expected non-empty CFGDOT output")
	}
}

func TestCalleeName(t *testing.T) {
	tests := []struct {
		edge disasm.CallEdge
		want string
	}{
		{disasm.CallEdge{Kind: "call", TargetPC: 0x10, TargetName: "Foo"}, "Foo"},
		{disasm.CallEdge{Kind: "call_reg", Reg: "rax", Via: "lea 0x2000"}, "lea 0x2000"},
		{disasm.CallEdge{Kind: "call", TargetPC: 0x10}, "0x10"},
		{disasm.CallEdge{Kind: "call_mem", Slot: 0x3000}, "[0x3000]"},
		{disasm.CallEdge{Kind: "call_reg", Reg: "rax"}, "rax"},
		{disasm.CallEdge{Kind: "jmp_reg"}, "jmp_reg"},
	}
	for _, tt := range tests {
		if got := calleeName(tt.edge); got != tt.want {
			t.Errorf("calleeName(%+v) = %q, want %q", tt.edge, got, tt.want)
		}
	}
}

func TestTruncLabel(t *testing.T) {
	if got := truncLabel("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 60)
	got := truncLabel(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Errorf("got %q", got)
	}
}
