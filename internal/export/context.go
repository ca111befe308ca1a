// Package export turns a discovery registry into per-object JSON records
// written to a directory or an archive.
package export

import (
	"errors"
	"fmt"
	"strings"

	"unreflect/internal/discovery"
	"unreflect/internal/layout"
	"unreflect/internal/match"
)

// Type names of exported objects.
const (
	TypePackage  = "package"
	TypeClass    = "class"
	TypeStruct   = "struct"
	TypeEnum     = "enum"
	TypeFunction = "function"
)

// Elements lists the exportable type names in export order.
var Elements = []string{TypePackage, TypeClass, TypeStruct, TypeEnum, TypeFunction}

var elementKinds = map[string]layout.Kind{
	TypePackage:  layout.Package,
	TypeClass:    layout.Class,
	TypeStruct:   layout.Struct,
	TypeEnum:     layout.Enum,
	TypeFunction: layout.Function,
}

var (
	// ErrUnresolved is returned when an object's name or outer chain leads
	// to an address without a usable artefact.
	ErrUnresolved = errors.New("export: unresolved reference")
	// ErrBadPath is returned by PathFor for malformed blueprint paths.
	ErrBadPath = errors.New("export: bad path")
)

// maxOuterDepth bounds outer chains; real ones are a few levels deep.
const maxOuterDepth = 16

// Unparsable is the path recorded for references to unparsable functions.
const Unparsable = "<unparsable>"

// Context resolves names and blueprint paths over a frozen registry.
type Context struct {
	Registry *discovery.Registry
	Table    *layout.Table
}

// NewContext returns a context over reg.
func NewContext(reg *discovery.Registry, table *layout.Table) *Context {
	return &Context{Registry: reg, Table: table}
}

func (c *Context) str(addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("%w: null string", ErrUnresolved)
	}
	s, ok := c.Registry.ResolveString(addr)
	if !ok {
		return "", fmt.Errorf("%w: no string at 0x%x", ErrUnresolved, addr)
	}
	return s, nil
}

// optStr returns the string at addr, or "" when there is none.
func (c *Context) optStr(addr uint64) string {
	if addr == 0 {
		return ""
	}
	s, _ := c.Registry.ResolveString(addr)
	return s
}

// Ref returns the type name and blueprint path of a package, class, struct,
// enum or function, reached through its params struct, its generator or its
// StaticClass accessor:
//
//	/Script/Engine               package
//	/Script/Engine.Actor         class
//	/Script/Engine.Actor.Tick    function
func (c *Context) Ref(a discovery.Artefact) (typename, path string, err error) {
	return c.ref(a, 0)
}

func (c *Context) ref(a discovery.Artefact, depth int) (string, string, error) {
	if depth > maxOuterDepth {
		return "", "", fmt.Errorf("%w: outer chain too deep at 0x%x", ErrUnresolved, a.Addr())
	}
	if msg := a.Failure(); msg != "" {
		return "", "", fmt.Errorf("%w: 0x%x: %s", ErrUnresolved, a.Addr(), msg)
	}
	switch a := a.(type) {
	case *discovery.FunctionArtefact:
		return c.funcRef(a, depth)
	case *discovery.StructArtefact:
		return c.structRef(a, depth)
	}
	return "", "", fmt.Errorf("%w: 0x%x is a %s", ErrUnresolved, a.Addr(), a.Key())
}

func (c *Context) at(addr uint64) (discovery.Artefact, error) {
	a, ok := c.Registry.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: nothing at 0x%x", ErrUnresolved, addr)
	}
	return a, nil
}

func (c *Context) funcRef(f *discovery.FunctionArtefact, depth int) (string, string, error) {
	switch f.Class {
	case match.ZConstructGenerator:
		next := f.Params
		if next == 0 {
			next = f.Redirect
		}
		a, err := c.at(next)
		if err != nil {
			return "", "", err
		}
		return c.ref(a, depth+1)
	case match.StaticClassAccessor:
		if f.Static == nil {
			break
		}
		pkg, err := c.str(f.Static.PackageName)
		if err != nil {
			return "", "", err
		}
		name, err := c.str(f.Static.Name)
		if err != nil {
			return "", "", err
		}
		return TypeClass, pkg + "." + name, nil
	}
	return "", "", fmt.Errorf("%w: 0x%x is a %s", ErrUnresolved, f.Start, f.Class)
}

func (c *Context) structRef(s *discovery.StructArtefact, depth int) (string, string, error) {
	switch s.Kind {
	case layout.Package:
		name, err := c.str(s.Uint("NameUTF8"))
		return TypePackage, name, err
	case layout.Class:
		// Class names live in the StaticClass accessor.
		a, err := c.at(s.Uint("ClassNoRegisterFunc"))
		if err != nil {
			return "", "", err
		}
		return c.ref(a, depth+1)
	case layout.Struct, layout.Enum, layout.Function:
		name, err := c.str(s.Uint("NameUTF8"))
		if err != nil {
			return "", "", err
		}
		outer, err := c.at(s.Uint("OuterFunc"))
		if err != nil {
			return "", "", err
		}
		_, outerPath, err := c.ref(outer, depth+1)
		if err != nil {
			return "", "", err
		}
		return strings.ToLower(s.Kind.String()), outerPath + "." + name, nil
	}
	return "", "", fmt.Errorf("%w: %s has no path", ErrUnresolved, s.Kind.StructName())
}

// Path returns the blueprint path of the object at addr for use in records:
// Unparsable for unparsable functions and the hex address when nothing
// usable is there.
func (c *Context) Path(addr uint64) string {
	a, ok := c.Registry.Get(addr)
	if !ok {
		return fmt.Sprintf("0x%x", addr)
	}
	if discovery.Unparsable(a) {
		if _, isFunc := a.(*discovery.FunctionArtefact); isFunc {
			return Unparsable
		}
	}
	_, path, err := c.Ref(a)
	if err != nil {
		return fmt.Sprintf("0x%x", addr)
	}
	return path
}

// PathFor maps a type name and blueprint path to a slash-separated file
// path without extension.
//
//	package  /Script/Engine             Script/Engine
//	class    /Script/Engine.Actor       Script/Engine/Actor
//	function /Script/Engine.Actor.Tick  Script/Engine/Actor/Tick
func PathFor(typename, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrBadPath, path)
	}
	path = path[1:]
	if strings.Count(path, ".") > 2 {
		return "", fmt.Errorf("%w: %q has too many dots", ErrBadPath, path)
	}
	if strings.Contains(path, "..") || strings.HasSuffix(path, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	switch typename {
	case TypePackage:
		return path, nil
	case TypeClass, TypeStruct, TypeEnum, TypeFunction:
		return strings.ReplaceAll(path, ".", "/"), nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrBadPath, typename)
}
