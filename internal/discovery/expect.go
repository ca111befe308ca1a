// Package discovery crawls reflection data outward from the construct helper
// call sites. A FIFO worklist of (address, expected kind) items feeds
// decoders whose results land in an append-only registry.
package discovery

import (
	"fmt"

	"unreflect/internal/layout"
	"unreflect/internal/uefmt"
)

// Category is the artefact variant an address is expected to hold.
type Category uint8

const (
	CatInvalid Category = iota
	CatString
	CatStruct
	CatFunction
)

var categoryNames = [...]string{"invalid", "string", "struct", "function"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Key identifies an artefact kind: strings, functions, or structs of one
// layout kind. Two expectations with equal keys describe the same kind.
type Key struct {
	Category Category
	Struct   layout.Kind
}

var (
	KeyString   = Key{Category: CatString}
	KeyFunction = Key{Category: CatFunction}
)

// StructKey is the key of structs of kind k.
func StructKey(k layout.Kind) Key { return Key{Category: CatStruct, Struct: k} }

func (k Key) String() string {
	if k.Category == CatStruct {
		return k.Struct.StructName()
	}
	return k.Category.String()
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Expect is what a worklist item is expected to decode as. Strings carry
// their encoding, functions an optional role hint.
type Expect struct {
	Category Category       `json:"category"`
	Struct   layout.Kind    `json:"struct,omitempty"`
	Encoding uefmt.Encoding `json:"encoding,omitempty"`
	Role     layout.Role    `json:"role,omitempty"`
	Helper   layout.Kind    `json:"helper,omitempty"`
}

// ExpectString expects a NUL-terminated string.
func ExpectString(enc uefmt.Encoding) Expect { return Expect{Category: CatString, Encoding: enc} }

// ExpectStruct expects a struct of kind k.
func ExpectStruct(k layout.Kind) Expect { return Expect{Category: CatStruct, Struct: k} }

// ExpectFunction expects a function with the given role hint. helper is the
// construct helper a generator should call, layout.Invalid if unknown.
func ExpectFunction(role layout.Role, helper layout.Kind) Expect {
	return Expect{Category: CatFunction, Role: role, Helper: helper}
}

// Key returns the kind e expects.
func (e Expect) Key() Key {
	if e.Category == CatStruct {
		return StructKey(e.Struct)
	}
	return Key{Category: e.Category}
}

func (e Expect) String() string {
	switch e.Category {
	case CatString:
		return "string(" + e.Encoding.String() + ")"
	case CatStruct:
		return "struct(" + e.Struct.StructName() + ")"
	case CatFunction:
		if e.Helper != layout.Invalid {
			return fmt.Sprintf("function(%s:%s)", e.Role, e.Helper)
		}
		return "function(" + e.Role.String() + ")"
	}
	return e.Category.String()
}

type comparison uint8

const (
	cmpConflict comparison = iota
	cmpKeep
	cmpReplace
)

// compare decides what a new expectation does to an existing one at the
// same address. A more specific function hint replaces a vaguer one; hints
// that disagree conflict. Strings match regardless of encoding.
func (e Expect) compare(have Expect) comparison {
	if e.Key() != have.Key() {
		return cmpConflict
	}
	if e.Category != CatFunction || e == have {
		return cmpKeep
	}
	switch {
	case have.refines(e):
		return cmpKeep
	case e.refines(have):
		return cmpReplace
	}
	return cmpConflict
}

// refines reports whether function hint e says at least as much as o.
func (e Expect) refines(o Expect) bool {
	if o.Role == layout.RoleAny && o.Helper == layout.Invalid {
		return true
	}
	return e.Role == o.Role && (o.Helper == layout.Invalid || e.Helper == o.Helper)
}
