package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownVariant = errors.New("layout: unknown variant")
	ErrBadLayout      = errors.New("layout: invalid layout")
)

// Layout is the memory layout of one native struct. A discriminated layout
// has a common header followed by a tail selected by the masked value of the
// Discriminator field.
type Layout struct {
	Kind   Kind
	Fields []Field
	Size   int // header size rounded to 8; element stride for inline arrays

	Discriminator string
	DiscMask      uint64
	Variants      map[uint64][]Field

	headerEnd   int
	variantEnds map[uint64]int
}

// NewLayout builds a fixed layout, computing offsets by natural alignment.
func NewLayout(kind Kind, fields ...Field) *Layout {
	l := &Layout{Kind: kind, Fields: append([]Field(nil), fields...)}
	l.headerEnd = layoutFields(l.Fields, 0)
	l.Size = align8(l.headerEnd)
	return l
}

// NewDiscriminated builds a layout whose tail depends on header field disc.
func NewDiscriminated(kind Kind, header []Field, disc string, mask uint64, variants map[uint64][]Field) *Layout {
	l := NewLayout(kind, header...)
	l.Discriminator = disc
	l.DiscMask = mask
	l.Variants = make(map[uint64][]Field, len(variants))
	l.variantEnds = make(map[uint64]int, len(variants))
	for v, tail := range variants {
		fs := append([]Field(nil), tail...)
		l.variantEnds[v] = layoutFields(fs, l.headerEnd)
		l.Variants[v] = fs
	}
	return l
}

// Discriminated reports whether the layout has variant tails.
func (l *Layout) Discriminated() bool { return l.Discriminator != "" }

// Field returns the header field with the given name.
func (l *Layout) Field(name string) (*Field, bool) {
	for i := range l.Fields {
		if l.Fields[i].Name == name {
			return &l.Fields[i], true
		}
	}
	return nil, false
}

// VariantSize returns the total size of the struct for a discriminator value.
func (l *Layout) VariantSize(v uint64) (int, bool) {
	end, ok := l.variantEnds[v&l.DiscMask]
	if !ok {
		return 0, false
	}
	return align8(end), true
}

// Validate checks that count and discriminator references name real fields.
func (l *Layout) Validate() error {
	check := func(fields []Field) error {
		for _, f := range fields {
			if f.Width <= 0 {
				return fmt.Errorf("%w: %s.%s has no width", ErrBadLayout, l.Kind, f.Name)
			}
			if f.Type.IsArray() {
				c, ok := l.Field(f.Count)
				if !ok {
					return fmt.Errorf("%w: %s.%s count field %q missing", ErrBadLayout, l.Kind, f.Name, f.Count)
				}
				if c.Type != FieldPrimitive {
					return fmt.Errorf("%w: %s.%s count field %q is not an integer", ErrBadLayout, l.Kind, f.Name, f.Count)
				}
			}
		}
		return nil
	}
	if err := check(l.Fields); err != nil {
		return err
	}
	if l.Discriminated() {
		if _, ok := l.Field(l.Discriminator); !ok {
			return fmt.Errorf("%w: %s discriminator %q missing", ErrBadLayout, l.Kind, l.Discriminator)
		}
		for _, tail := range l.Variants {
			if err := check(tail); err != nil {
				return err
			}
		}
	}
	return nil
}

// Memory is the byte source Decode reads from.
type Memory interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
}

// Value is one decoded field.
type Value struct {
	Field *Field
	Raw   uint64 // zero-extended field bits
}

// Int returns the value sign-extended according to the field width.
func (v Value) Int() int64 {
	if !v.Field.Signed {
		return int64(v.Raw)
	}
	shift := 64 - 8*uint(v.Field.Width)
	return int64(v.Raw<<shift) >> shift
}

// Decoded is a struct instance read from memory.
type Decoded struct {
	Layout  *Layout
	Addr    uint64
	Size    int
	Variant uint64
	Raw     []byte
	Values  []Value
}

// Get returns the value of the named field.
func (d *Decoded) Get(name string) (Value, bool) {
	for _, v := range d.Values {
		if v.Field.Name == name {
			return v, true
		}
	}
	return Value{}, false
}

// Uint returns the raw value of the named field, or 0.
func (d *Decoded) Uint(name string) uint64 {
	v, _ := d.Get(name)
	return v.Raw
}

// Int returns the signed value of the named field, or 0.
func (d *Decoded) Int(name string) int64 {
	v, ok := d.Get(name)
	if !ok {
		return 0
	}
	return v.Int()
}

func readField(b []byte, f *Field) uint64 {
	p := b[f.Offset:]
	switch f.Width {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p))
	default:
		return binary.LittleEndian.Uint64(p)
	}
}

// Decode reads one struct instance at addr.
func Decode(mem Memory, addr uint64, l *Layout) (*Decoded, error) {
	hdr, err := mem.ReadBytes(addr, l.headerEnd)
	if err != nil {
		return nil, fmt.Errorf("layout: read %s header at 0x%x: %w", l.Kind.StructName(), addr, err)
	}
	d := &Decoded{Layout: l, Addr: addr, Size: l.Size}
	fields := l.Fields
	end := l.headerEnd

	if l.Discriminated() {
		df, _ := l.Field(l.Discriminator)
		d.Variant = readField(hdr, df) & l.DiscMask
		tail, ok := l.Variants[d.Variant]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s=0x%x at 0x%x", ErrUnknownVariant, l.Kind.StructName(), l.Discriminator, d.Variant, addr)
		}
		fields = append(append([]Field(nil), l.Fields...), tail...)
		end = l.variantEnds[d.Variant]
		d.Size = align8(end)
	}

	raw, err := mem.ReadBytes(addr, end)
	if err != nil {
		return nil, fmt.Errorf("layout: read %s at 0x%x: %w", l.Kind.StructName(), addr, err)
	}
	d.Raw = append([]byte(nil), raw...)
	d.Values = make([]Value, len(fields))
	for i := range fields {
		f := &fields[i]
		d.Values[i] = Value{Field: f, Raw: readField(d.Raw, f)}
	}
	return d, nil
}
