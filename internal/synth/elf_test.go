package synth

import (
	"bytes"
	"testing"

	"unreflect/internal/binx"
	"unreflect/internal/layout"
)

func TestEncodeELFLoads(t *testing.T) {
	tbl, ok := layout.Builtin().Get("ue5.3")
	if !ok {
		t.Fatal("no ue5.3 table")
	}
	s := NewScenario(binx.FormatELF, tbl)
	img, err := binx.Load(EncodeELF(s.Image))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Format != binx.FormatELF {
		t.Errorf("format = %v, want ELF", img.Format)
	}
	if img.Base != s.Image.Base {
		t.Errorf("base = 0x%x, want 0x%x", img.Base, s.Image.Base)
	}
	if len(img.Sections) != len(s.Image.Sections) {
		t.Fatalf("sections = %d, want %d", len(img.Sections), len(s.Image.Sections))
	}
	for i, want := range s.Image.Sections {
		got := img.Sections[i]
		if got.Name != want.Name || got.Addr != want.Addr || got.Size != want.Size {
			t.Errorf("section %d = %s 0x%x+0x%x, want %s 0x%x+0x%x",
				i, got.Name, got.Addr, got.Size, want.Name, want.Addr, want.Size)
		}
		if got.Exec != want.Exec || got.Writable != want.Writable {
			t.Errorf("section %s flags exec=%v writable=%v", got.Name, got.Exec, got.Writable)
		}
		if !bytes.Equal(got.Data[:len(want.Data)], want.Data) {
			t.Errorf("section %s data differs", got.Name)
		}
	}

	for name, addr := range s.Strings {
		b, err := img.ReadBytes(addr, len(name))
		if err != nil || string(b) != name {
			t.Errorf("string %q at 0x%x = %q, %v", name, addr, b, err)
		}
	}
}
