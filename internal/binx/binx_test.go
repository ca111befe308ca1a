package binx

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testImage() *Image {
	return New(FormatPE, 0x140000000,
		&Section{Name: ".rdata", Addr: 0x140002000, Data: []byte{1, 2, 3, 4}, Size: 0x10},
		&Section{Name: ".text", Addr: 0x140001000, Data: []byte{0xc3, 0x90, 0x90, 0x90}, Exec: true},
	)
}

func TestReadBytes(t *testing.T) {
	img := testImage()

	got, err := img.ReadBytes(0x140002001, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 2 || got[2] != 4 {
		t.Errorf("ReadBytes = %v", got)
	}

	// Reads into the virtual tail return zeros.
	got, err = img.ReadBytes(0x140002002, 6)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{3, 4, 0, 0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tail read = %v, want %v", got, want)
		}
	}
}

func TestReadBytesOutOfBounds(t *testing.T) {
	img := testImage()
	tests := []struct {
		name string
		addr uint64
		n    int
	}{
		{"unmapped", 0x140000000, 1},
		{"zero address", 0, 8},
		{"crosses section end", 0x14000200c, 8},
		{"past last section", 0x140003000, 1},
		{"negative length", 0x140001000, -1},
	}
	for _, tt := range tests {
		_, err := img.ReadBytes(tt.addr, tt.n)
		if !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("%s: err = %v, want ErrOutOfBounds", tt.name, err)
		}
	}
}

func TestSectionLookup(t *testing.T) {
	img := testImage()

	if len(img.Sections) != 2 || img.Sections[0].Name != ".text" {
		t.Fatalf("sections not sorted by address: %v", img.Sections[0].Name)
	}
	s, ok := img.SectionOf(0x140002008)
	if !ok || s.Name != ".rdata" {
		t.Errorf("SectionOf(.rdata tail) = %v, %v", s, ok)
	}
	if !s.ReadOnlyData() {
		t.Error(".rdata should be read-only data")
	}
	if img.Contains(0x140001004) {
		t.Error("address past .text data should be unmapped")
	}
	if code := img.CodeSections(); len(code) != 1 || code[0].Name != ".text" {
		t.Errorf("CodeSections = %v", code)
	}
	if _, err := img.Section(".pdata"); !errors.Is(err, ErrNoSection) {
		t.Errorf("Section(.pdata) err = %v", err)
	}
}

func TestLoadRejectsUnknownMagic(t *testing.T) {
	_, err := Load([]byte("not an executable at all"))
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("err = %v, want ErrUnsupportedImage", err)
	}
}

// elfHeader builds a bare ELF64 header with no sections or segments.
func elfHeader(machine elfMachine) []byte {
	h := make([]byte, 64)
	copy(h, "\x7fELF")
	h[4] = 2 // ELFCLASS64
	h[5] = 1 // little endian
	h[6] = 1
	binary.LittleEndian.PutUint16(h[16:], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(h[18:], uint16(machine))
	binary.LittleEndian.PutUint32(h[20:], 1)
	binary.LittleEndian.PutUint16(h[52:], 64)
	binary.LittleEndian.PutUint16(h[54:], 56)
	binary.LittleEndian.PutUint16(h[58:], 64)
	return h
}

type elfMachine uint16

func TestLoadRejectsNonX64ELF(t *testing.T) {
	_, err := Load(elfHeader(183)) // EM_AARCH64
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("aarch64: err = %v, want ErrUnsupportedImage", err)
	}
	_, err = Load(elfHeader(62)) // EM_X86_64, but nothing mapped
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("empty x86-64: err = %v, want ErrUnsupportedImage", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.exe"))
	if err == nil || errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("err = %v, want open error", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "garbage.exe")
	if err := os.WriteFile(tmp, []byte("MZ but not really"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(tmp)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("err = %v, want ErrUnsupportedImage", err)
	}
}

func TestReflectionModule(t *testing.T) {
	if _, split := reflectionModule([]string{"KERNEL32.dll", "MyGame-CoreUObject.dll"}); !split {
		t.Error("modular CoreUObject import not detected")
	}
	if _, split := reflectionModule([]string{"KERNEL32.dll", "d3d12.dll"}); split {
		t.Error("monolithic image reported as split")
	}
}

func TestDetectEngineVersion(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf16", append([]byte{0, 0}, encodeUTF16("++UE5+Release-5.3\x00")...), "5.3"},
		{"utf8", []byte("xx++UE5+Release-5.1\x00yy"), "5.1"},
		{"trailing dot", []byte("++UE5+Release-5.2.\x00"), "5.2"},
		{"absent", []byte("nothing to see"), ""},
	}
	for _, tt := range tests {
		img := New(FormatPE, 0x1000, &Section{Name: ".rdata", Addr: 0x2000, Data: tt.data})
		if got := DetectEngineVersion(img); got != tt.want {
			t.Errorf("%s: DetectEngineVersion = %q, want %q", tt.name, got, tt.want)
		}
	}
}
