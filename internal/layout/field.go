package layout

import (
	"fmt"

	"unreflect/internal/uefmt"
)

// FieldType classifies how a field's bytes are interpreted.
type FieldType uint8

const (
	FieldPrimitive    FieldType = iota // integer of Width bytes
	FieldFlags                         // bitflags of Width bytes named by Enum
	FieldOpaque                        // pointer that is recorded but not followed
	FieldString                        // pointer to a NUL-terminated string
	FieldStruct                        // pointer to a single struct of kind Target
	FieldStructArray                   // pointer to Count inline structs of kind Target
	FieldPointerArray                  // pointer to Count pointers to structs of kind Target
	FieldFunction                      // pointer to a function
	FieldFunctionArray                 // pointer to Count function pointers
)

var fieldTypeNames = [...]string{"primitive", "flags", "opaque", "string", "struct", "struct_array", "pointer_array", "function", "function_array"}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t FieldType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// IsPointer reports whether the field holds an address.
func (t FieldType) IsPointer() bool { return t >= FieldOpaque }

// IsArray reports whether the field points at Count elements.
func (t FieldType) IsArray() bool {
	return t == FieldStructArray || t == FieldPointerArray || t == FieldFunctionArray
}

// Field is one member of a native struct.
type Field struct {
	Name     string
	Type     FieldType
	Width    int // bytes
	Signed   bool
	Offset   int // computed by natural alignment
	Encoding uefmt.Encoding
	Target   Kind   // struct kinds
	Role     Role   // function kinds
	Helper   Kind   // expected helper kind for RoleZConstruct, Invalid if unknown
	Count    string // name of the element count field for arrays
	Enum     string // flag enum name
}

func prim(name string, width int, signed bool) Field {
	return Field{Name: name, Type: FieldPrimitive, Width: width, Signed: signed}
}

func U8(name string) Field   { return prim(name, 1, false) }
func U16(name string) Field  { return prim(name, 2, false) }
func U32(name string) Field  { return prim(name, 4, false) }
func U64(name string) Field  { return prim(name, 8, false) }
func I32(name string) Field  { return prim(name, 4, true) }
func I64(name string) Field  { return prim(name, 8, true) }
func Bool(name string) Field { return prim(name, 1, false) }

// Flags declares a bitflag field.
func Flags(name, enum string, width int) Field {
	return Field{Name: name, Type: FieldFlags, Width: width, Enum: enum}
}

// Opaque declares a pointer that is not followed.
func Opaque(name string) Field { return Field{Name: name, Type: FieldOpaque, Width: 8} }

// Str declares a string pointer.
func Str(name string, enc uefmt.Encoding) Field {
	return Field{Name: name, Type: FieldString, Width: 8, Encoding: enc}
}

// Ptr declares a pointer to a single struct.
func Ptr(name string, target Kind) Field {
	return Field{Name: name, Type: FieldStruct, Width: 8, Target: target}
}

// Inline declares a pointer to an inline array of structs.
func Inline(name string, target Kind, count string) Field {
	return Field{Name: name, Type: FieldStructArray, Width: 8, Target: target, Count: count}
}

// Ptrs declares a pointer to an array of struct pointers.
func Ptrs(name string, target Kind, count string) Field {
	return Field{Name: name, Type: FieldPointerArray, Width: 8, Target: target, Count: count}
}

// Func declares a function pointer.
func Func(name string, role Role, helper Kind) Field {
	return Field{Name: name, Type: FieldFunction, Width: 8, Role: role, Helper: helper}
}

// Funcs declares a pointer to an array of function pointers.
func Funcs(name string, role Role, helper Kind, count string) Field {
	return Field{Name: name, Type: FieldFunctionArray, Width: 8, Role: role, Helper: helper, Count: count}
}

// layoutFields assigns natural-alignment offsets starting at start and
// returns the end offset of the last field.
func layoutFields(fields []Field, start int) int {
	off := start
	for i := range fields {
		w := fields[i].Width
		if w > 1 && off%w != 0 {
			off += w - off%w
		}
		fields[i].Offset = off
		off += w
	}
	return off
}

func align8(n int) int { return (n + 7) &^ 7 }
