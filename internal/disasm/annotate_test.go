package disasm

import (
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"unreflect/internal/binx"
	"unreflect/internal/synth"
	"unreflect/internal/uefmt"
)

func TestStringAnnotator(t *testing.T) {
	b := synth.NewBuilder(binx.FormatPE, testBase)
	wide := b.RData.UTF16Z("/Script/Engine")
	narrow := b.RData.UTF8Z("Actor.Tick")
	single := b.RData.UTF16Z("A")
	binary := b.RData.Bytes([]byte{0x01, 0x02, 0x03, 0x00})

	a := b.Text
	a.LeaRip(x86asm.RCX, synth.Abs(wide))
	a.LeaRip(x86asm.RDX, synth.Abs(narrow))
	a.LeaRip(x86asm.R8, synth.Abs(single))
	a.LeaRip(x86asm.R9, synth.Abs(binary))
	a.MovRAXRip(synth.Abs(wide))
	img := b.MustBuild()

	text, _ := img.Section(".text")
	insts := Disassemble(text.Data, Options{BaseAddr: text.Addr})
	ann := StringAnnotator(img, 0)

	want := []string{`u"/Script/Engine"`, `"Actor.Tick"`, "", "", ""}
	if len(insts) != len(want) {
		t.Fatalf("got %d insts, want %d", len(insts), len(want))
	}
	for i, w := range want {
		if got := ann(insts[i]); got != w {
			t.Errorf("inst %d (%s): annotation = %q, want %q", i, insts[i].Text, got, w)
		}
	}
}

func TestReadString(t *testing.T) {
	b := synth.NewBuilder(binx.FormatPE, testBase)
	addr := b.RData.UTF16Z("Default__Actor")
	img := b.MustBuild()

	if s, ok := ReadString(img, addr, uefmt.UTF16, 64); !ok || s != "Default__Actor" {
		t.Errorf("ReadString = %q, %v", s, ok)
	}
	if _, ok := ReadString(img, addr, uefmt.UTF16, 4); ok {
		t.Error("limit not enforced")
	}
	if _, ok := ReadString(img, 0x10, uefmt.UTF16, 64); ok {
		t.Error("unmapped address read as a string")
	}
}

func TestFrameAnnotator(t *testing.T) {
	insts := Disassemble([]byte{
		0x48, 0x81, 0xec, 0x98, 0x00, 0x00, 0x00, // sub rsp, 0x98
		0x48, 0x83, 0xe9, 0x08, // sub rcx, 8
	}, Options{BaseAddr: 0x1000})
	ann := FrameAnnotator()
	if got := ann(insts[0]); got != "frame 0x98" {
		t.Errorf("sub rsp = %q", got)
	}
	if got := ann(insts[1]); got != "" {
		t.Errorf("sub rcx = %q, want empty", got)
	}
}

func TestFunctionRecords(t *testing.T) {
	b := synth.NewBuilder(binx.FormatPE, testBase)
	helper := synth.Helper(b.Text, "helper", 0x98)
	params := b.RData.Zero(0x50)
	cache := b.Data.Zero(8)
	name := b.RData.UTF16Z("Actor")
	gen := synth.ZConstruct(b.Text, "gen", cache, params, synth.L("helper"), synth.ZConstructOpts{})
	b.Text.LeaRip(x86asm.RCX, synth.Abs(name))
	img := b.MustBuild()

	r := NewReader(img, 0)
	insts, err := r.Walk(gen, 64)
	if err != nil {
		t.Fatal(err)
	}
	lookup := PlaceholderLookup(map[uint64]string{helper: "ConstructUClass"})
	fr, calls, strs := FunctionRecords("Z_Construct_UClass_AActor", insts, img, lookup)

	if fr.Frame != 0x28 || fr.Blocks < 2 || !strings.HasPrefix(fr.PC, "0x14000") {
		t.Errorf("func record = %+v", fr)
	}
	if len(calls) != 1 || calls[0].Target != "ConstructUClass" || calls[0].Kind != "call" {
		t.Errorf("calls = %+v", calls)
	}
	// The generator references only unnamed zero data; the trailing lea is
	// past the ret and not part of the walk.
	if len(strs) != 0 {
		t.Errorf("strings = %+v", strs)
	}

	tail, err := r.Seq(insts[len(insts)-1].End(), 1)
	if err != nil {
		t.Fatal(err)
	}
	_, _, strs = FunctionRecords("tail", tail, img, nil)
	if len(strs) != 1 || strs[0].Value != "Actor" || strs[0].Encoding != uefmt.UTF16.String() {
		t.Errorf("tail strings = %+v", strs)
	}
}
