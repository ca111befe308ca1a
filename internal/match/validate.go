package match

import (
	"errors"
	"fmt"
	"strings"

	"unreflect/internal/binx"
	"unreflect/internal/layout"
	"unreflect/internal/uefmt"
)

// MaxEntries bounds every element count accepted by the params validators.
const MaxEntries = 0x2000

// ErrInvalidParams is returned when a struct does not look like the params
// struct of the requested kind.
var ErrInvalidParams = errors.New("match: invalid params struct")

// fieldLimits caps plausible values of size fields.
var fieldLimits = map[string]uint64{
	"SizeOf":        0x1000000,
	"StructureSize": 0x1000000,
	"AlignOf":       4096,
}

// required fields must hold a non-zero pointer.
func required(f *layout.Field) bool {
	return f.Name == "NameUTF8" || f.Type == layout.FieldFunction && f.Role == layout.RoleStaticClass
}

// codePointer reports whether a not-followed pointer field names a function.
func codePointer(f *layout.Field) bool {
	return strings.HasSuffix(f.Name, "Func") || strings.HasSuffix(f.Name, "Fn")
}

// ValidateParams decodes the params struct of kind k at addr and checks that
// string pointers land in data, function pointers in code and counts and
// sizes are plausible.
func ValidateParams(view binx.View, addr uint64, l *layout.Layout) error {
	d, err := layout.Decode(view, addr, l)
	if err != nil {
		return err
	}
	bad := func(f *layout.Field, format string, args ...any) error {
		return fmt.Errorf("%w: %s.%s: %s", ErrInvalidParams, l.Kind.StructName(), f.Name, fmt.Sprintf(format, args...))
	}
	inCode := func(p uint64) bool {
		s, ok := view.SectionOf(p)
		return ok && s.Exec
	}
	inData := func(p uint64) bool {
		s, ok := view.SectionOf(p)
		return ok && !s.Exec
	}

	for _, v := range d.Values {
		f := v.Field
		p := v.Raw
		if p == 0 {
			if required(f) {
				return bad(f, "null")
			}
			continue
		}
		switch f.Type {
		case layout.FieldString:
			if !inData(p) {
				return bad(f, "0x%x is not in a data section", p)
			}
			if f.Name == "NameUTF8" {
				if _, err := uefmt.NewStream(view, p).ReadStringZ(f.Encoding, 0, nil); err != nil {
					return bad(f, "%v", err)
				}
			}
		case layout.FieldFunction:
			if !inCode(p) {
				return bad(f, "0x%x is not in a code section", p)
			}
		case layout.FieldOpaque:
			if codePointer(f) && !inCode(p) || !codePointer(f) && !view.Contains(p) {
				return bad(f, "0x%x is not mapped as expected", p)
			}
		case layout.FieldStructArray, layout.FieldPointerArray, layout.FieldFunctionArray:
			n := d.Int(f.Count)
			if n < 0 || n > MaxEntries {
				return bad(f, "count %d out of range", n)
			}
			if !inData(p) {
				return bad(f, "0x%x is not in a data section", p)
			}
		case layout.FieldPrimitive:
			if lim, ok := fieldLimits[f.Name]; ok && p > lim {
				return bad(f, "0x%x exceeds 0x%x", p, lim)
			}
		}
	}
	// Counts without an array pointer.
	for _, f := range l.Fields {
		if !f.Type.IsArray() {
			continue
		}
		n := d.Int(f.Count)
		if n < 0 || n > MaxEntries {
			return bad(&f, "count %d out of range", n)
		}
		if n > 0 && d.Uint(f.Name) == 0 {
			return bad(&f, "%d entries at null", n)
		}
	}
	return nil
}

// GuessKinds returns every helper kind whose params layout validates at addr.
func GuessKinds(view binx.View, table *layout.Table, addr uint64) []layout.Kind {
	var out []layout.Kind
	for _, k := range layout.HelperKinds {
		l, ok := table.Layout(k)
		if !ok {
			continue
		}
		if ValidateParams(view, addr, l) == nil {
			out = append(out, k)
		}
	}
	return out
}
