package synth

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"unreflect/internal/binx"
	"unreflect/internal/layout"
)

// Default section placement relative to the image base.
const (
	TextOffset  = 0x1000
	RDataOffset = 0x100000
	DataOffset  = 0x200000
)

// Data is an append-only data section. Every allocation is 8-byte aligned.
type Data struct {
	base uint64
	buf  []byte
}

// NewData starts a data section at base.
func NewData(base uint64) *Data { return &Data{base: base} }

// PC returns the address of the next allocation.
func (d *Data) PC() uint64 {
	d.align()
	return d.base + uint64(len(d.buf))
}

func (d *Data) align() {
	for len(d.buf)%8 != 0 {
		d.buf = append(d.buf, 0)
	}
}

// Bytes appends b and returns its address.
func (d *Data) Bytes(b []byte) uint64 {
	addr := d.PC()
	d.buf = append(d.buf, b...)
	return addr
}

// Zero reserves n zero bytes.
func (d *Data) Zero(n int) uint64 { return d.Bytes(make([]byte, n)) }

// U64s appends an array of 64-bit values.
func (d *Data) U64s(vs ...uint64) uint64 {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[8*i:], v)
	}
	return d.Bytes(b)
}

// UTF8Z appends a NUL-terminated UTF-8 string.
func (d *Data) UTF8Z(s string) uint64 {
	return d.Bytes(append([]byte(s), 0))
}

// UTF16Z appends a NUL-terminated UTF-16LE string.
func (d *Data) UTF16Z(s string) uint64 {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		b = binary.LittleEndian.AppendUint16(b, u)
	}
	return d.Bytes(append(b, 0, 0))
}

// Struct appends an instance of l with the named field values. For
// discriminated layouts the discriminator value selects the tail. Unknown
// field names panic.
func (d *Data) Struct(l *layout.Layout, values map[string]uint64) uint64 {
	return d.Bytes(EncodeStruct(l, values))
}

// At writes b at an address previously returned by this section.
func (d *Data) At(addr uint64, b []byte) {
	off := addr - d.base
	copy(d.buf[off:], b)
}

// EncodeStruct serialises one instance of l.
func EncodeStruct(l *layout.Layout, values map[string]uint64) []byte {
	fields := l.Fields
	size := l.Size
	if l.Discriminated() {
		v := values[l.Discriminator] & l.DiscMask
		tail, ok := l.Variants[v]
		if !ok {
			panic(fmt.Sprintf("synth: %s has no variant 0x%x", l.Kind, v))
		}
		fields = append(append([]layout.Field(nil), fields...), tail...)
		size, _ = l.VariantSize(v)
	}
	b := make([]byte, size)
	used := 0
	for _, f := range fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		used++
		p := b[f.Offset:]
		switch f.Width {
		case 1:
			p[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(p, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(p, uint32(v))
		default:
			binary.LittleEndian.PutUint64(p, v)
		}
	}
	if used != len(values) {
		panic(fmt.Sprintf("synth: %s: %d of %d values match no field", l.Kind, len(values)-used, len(values)))
	}
	return b
}

// Builder lays out a three-section image: code, read-only data and
// writable data.
type Builder struct {
	Format binx.Format
	Base   uint64
	Text   *Asm
	RData  *Data
	Data   *Data
}

// NewBuilder creates a builder with sections at the default offsets.
func NewBuilder(format binx.Format, base uint64) *Builder {
	return &Builder{
		Format: format,
		Base:   base,
		Text:   NewAsm(base + TextOffset),
		RData:  NewData(base + RDataOffset),
		Data:   NewData(base + DataOffset),
	}
}

// Build assembles the code and returns the image.
func (b *Builder) Build() (*binx.Image, error) {
	code, err := b.Text.Assemble()
	if err != nil {
		return nil, err
	}
	textName, rdataName := ".text", ".rdata"
	if b.Format == binx.FormatELF {
		rdataName = ".rodata"
	}
	b.RData.align()
	b.Data.align()
	img := binx.New(b.Format, b.Base,
		&binx.Section{Name: textName, Addr: b.Text.Base(), Data: code, Exec: true},
		&binx.Section{Name: rdataName, Addr: b.RData.base, Data: b.RData.buf},
		&binx.Section{Name: ".data", Addr: b.Data.base, Data: b.Data.buf, Size: uint64(len(b.Data.buf)) + 0x100, Writable: true},
	)
	return img, nil
}

// MustBuild is Build that panics on error.
func (b *Builder) MustBuild() *binx.Image {
	img, err := b.Build()
	if err != nil {
		panic(err)
	}
	return img
}
