// Package layout describes the native parameter structs emitted by the
// engine's reflection code generator, per engine version.
package layout

import (
	"fmt"
	"strings"
)

// Kind identifies a native reflection struct.
type Kind uint8

const (
	Invalid Kind = iota
	Package
	Class
	Struct
	Enum
	Function
	Enumerator
	ImplementedInterface
	FunctionLink
	Property
)

// HelperKinds are the kinds constructed by a dedicated helper routine, in
// anchor search order.
var HelperKinds = []Kind{Package, Class, Struct, Enum, Function}

var kindNames = map[Kind]string{
	Package:              "Package",
	Class:                "Class",
	Struct:               "Struct",
	Enum:                 "Enum",
	Function:             "Function",
	Enumerator:           "Enumerator",
	ImplementedInterface: "ImplementedInterface",
	FunctionLink:         "FunctionLink",
	Property:             "Property",
}

var structNames = map[Kind]string{
	Package:              "FPackageParams",
	Class:                "FClassParams",
	Struct:               "FStructParams",
	Enum:                 "FEnumParams",
	Function:             "FFunctionParams",
	Enumerator:           "FEnumeratorParams",
	ImplementedInterface: "FImplementedInterfaceParams",
	FunctionLink:         "FClassFunctionLinkInfo",
	Property:             "FPropertyParams",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// StructName returns the native C++ type name.
func (k Kind) StructName() string {
	if s, ok := structNames[k]; ok {
		return s
	}
	return k.String()
}

// IsHelper reports whether k has a construct helper routine.
func (k Kind) IsHelper() bool {
	switch k {
	case Package, Class, Struct, Enum, Function:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind resolves a kind name, case-insensitively. The native struct name
// is accepted too.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) || strings.EqualFold(s, structNames[k]) {
			return k, nil
		}
	}
	return Invalid, fmt.Errorf("layout: unknown kind %q", s)
}

// Role is a hint about what a function pointer is expected to be.
type Role uint8

const (
	RoleAny         Role = iota // classify by shape
	RoleZConstruct              // Z_Construct generator; helper kind optional
	RoleStaticClass             // StaticClass accessor
)

func (r Role) String() string {
	switch r {
	case RoleZConstruct:
		return "zconstruct"
	case RoleStaticClass:
		return "staticclass"
	default:
		return "any"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseRole resolves a role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return RoleAny, nil
	case "zconstruct":
		return RoleZConstruct, nil
	case "staticclass":
		return RoleStaticClass, nil
	}
	return RoleAny, fmt.Errorf("layout: unknown function role %q", s)
}
