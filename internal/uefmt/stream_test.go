package uefmt

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

var errOOB = errors.New("out of bounds")

type byteMem struct {
	base uint64
	data []byte
}

func (m byteMem) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr < m.base || addr-m.base+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: 0x%x", errOOB, addr)
	}
	off := addr - m.base
	return m.data[off : off+uint64(n)], nil
}

func TestReadIntegers(t *testing.T) {
	mem := byteMem{base: 0x1000, data: []byte{
		0x01,
		0x02, 0x01,
		0x04, 0x03, 0x02, 0x01,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0xff, 0xff, 0xff, 0xff,
	}}
	s := NewStream(mem, 0x1000)

	u8, _ := s.ReadUint8()
	u16, _ := s.ReadUint16()
	u32, _ := s.ReadUint32()
	u64, _ := s.ReadUint64()
	i32, err := s.ReadInt32()
	if err != nil {
		t.Fatal(err)
	}
	if u8 != 0x01 || u16 != 0x0102 || u32 != 0x01020304 || u64 != 0x0102030405060708 || i32 != -1 {
		t.Errorf("got %x %x %x %x %d", u8, u16, u32, u64, i32)
	}
	if s.Addr() != 0x1013 {
		t.Errorf("Addr = 0x%x, want 0x1013", s.Addr())
	}
	if _, err := s.ReadUint8(); !errors.Is(err, errOOB) {
		t.Errorf("read past end: err = %v", err)
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		addr uint64
		n    int
		want uint64
	}{
		{0x1000, 8, 0x1000},
		{0x1001, 8, 0x1008},
		{0x1007, 4, 0x1008},
		{0x1003, 1, 0x1003},
		{0x1003, 2, 0x1004},
	}
	for _, tt := range tests {
		s := NewStream(byteMem{}, tt.addr)
		s.Align(tt.n)
		if s.Addr() != tt.want {
			t.Errorf("Align(0x%x, %d) = 0x%x, want 0x%x", tt.addr, tt.n, s.Addr(), tt.want)
		}
	}
}

func TestReadPtrArray(t *testing.T) {
	mem := byteMem{base: 0x2000, data: []byte{
		0x00, 0x10, 0, 0, 0, 0, 0, 0,
		0x00, 0x20, 0, 0, 0, 0, 0, 0,
	}}
	ptrs, err := NewStream(mem, 0x2000).ReadPtrArray(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ptrs) != 2 || ptrs[0] != 0x1000 || ptrs[1] != 0x2000 {
		t.Errorf("ReadPtrArray = %x", ptrs)
	}
	if _, err := NewStream(mem, 0x2000).ReadPtrArray(3); err == nil {
		t.Error("expected error reading past end")
	}
}

func utf16z(s string) []byte {
	var out []byte
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return append(out, 0, 0)
}

func TestReadStringZ(t *testing.T) {
	tests := []struct {
		name  string
		enc   Encoding
		data  []byte
		check RuneCheck
		want  string
		err   error
	}{
		{"utf8", UTF8, []byte("Actor\x00junk"), nil, "Actor", nil},
		{"utf8 empty", UTF8, []byte("\x00"), nil, "", nil},
		{"utf16", UTF16, utf16z("/Script/Engine"), nil, "/Script/Engine", nil},
		{"name runes", UTF8, []byte("K2_GetActorLocation\x00"), NameRune, "K2_GetActorLocation", nil},
		{"rejected rune", UTF8, []byte("bad\x01\x00"), nil, "", ErrBadString},
		{"invalid utf8", UTF8, []byte{0xc3, 0x28, 0}, nil, "", ErrBadString},
		{"unterminated", UTF8, []byte("abc"), nil, "", errOOB},
	}
	for _, tt := range tests {
		s := NewStream(byteMem{base: 0x3000, data: tt.data}, 0x3000)
		got, err := s.ReadStringZ(tt.enc, 0, tt.check)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("%s: err = %v, want %v", tt.name, err, tt.err)
			}
			if s.Addr() != 0x3000 {
				t.Errorf("%s: failed read moved stream to 0x%x", tt.name, s.Addr())
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestReadStringZLimit(t *testing.T) {
	data := []byte(strings.Repeat("a", 8) + "\x00")
	if _, err := NewStream(byteMem{base: 0, data: data}, 0).ReadUTF8Z(8, nil); err != nil {
		t.Errorf("string at limit: %v", err)
	}
	if _, err := NewStream(byteMem{base: 0, data: data}, 0).ReadUTF8Z(7, nil); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("string over limit: err = %v", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, text := range []string{"Engine", "bCanEverTick", "/Script/CoreUObject", "Ünïcødé"} {
		for _, enc := range []Encoding{UTF8, UTF16} {
			var data []byte
			if enc == UTF16 {
				data = utf16z(text)
			} else {
				data = append([]byte(text), 0)
			}
			s := NewStream(byteMem{base: 0x100, data: data}, 0x100)
			got, err := s.ReadStringZ(enc, 0, nil)
			if err != nil {
				t.Fatalf("%s/%s: %v", text, enc, err)
			}
			if got != text {
				t.Errorf("%s/%s: got %q", text, enc, got)
			}
			if s.Addr() != 0x100+uint64(len(data)) {
				t.Errorf("%s/%s: terminator not consumed", text, enc)
			}
		}
	}
}

func TestDiags(t *testing.T) {
	var d Diags
	d.Add(0x10, DiagOutOfBounds, "name pointer")
	d.Addf(0x20, DiagKindConflict, "%s vs %s", "Struct", "Enum")
	d.Add(0x30, DiagOutOfBounds, "array")
	if d.Len() != 3 || d.Count(DiagOutOfBounds) != 2 {
		t.Errorf("Len=%d Count=%d", d.Len(), d.Count(DiagOutOfBounds))
	}
	if got := d.Items()[1].String(); got != "[kind_conflict] 0x20: Struct vs Enum" {
		t.Errorf("String = %q", got)
	}
}
