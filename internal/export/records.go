package export

import (
	"fmt"

	"unreflect/internal/discovery"
	"unreflect/internal/layout"
)

// PackageRecord is the export of a package.
type PackageRecord struct {
	Name            string   `json:"name"`
	Flags           []string `json:"flags,omitempty"`
	Singletons      []string `json:"singletons,omitempty"`
	BodyCRC         uint64   `json:"body_crc"`
	DeclarationsCRC uint64   `json:"declarations_crc"`
}

// FunctionLinkRecord is a class's link to one of its functions.
type FunctionLinkRecord struct {
	Name     string `json:"name"`
	Function string `json:"function"`
}

// InterfaceRecord is an interface implemented by a class.
type InterfaceRecord struct {
	Class           string `json:"class"`
	Offset          int64  `json:"offset"`
	ImplementedByK2 bool   `json:"implemented_by_k2,omitempty"`
}

// ClassRecord is the export of a class.
type ClassRecord struct {
	Name         string               `json:"name"`
	Package      string               `json:"package,omitempty"`
	Super        string               `json:"super,omitempty"`
	Within       string               `json:"within,omitempty"`
	IniName      string               `json:"ini_name,omitempty"`
	ClassFlags   []string             `json:"class_flags,omitempty"`
	CastFlags    uint64               `json:"cast_flags,omitempty"`
	Size         uint32               `json:"native_size,omitempty"`
	Align        uint32               `json:"native_align,omitempty"`
	ClassInfo    uint64               `json:"class_info,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Properties   []*PropertyRecord    `json:"properties,omitempty"`
	Interfaces   []InterfaceRecord    `json:"interfaces,omitempty"`
	Functions    []FunctionLinkRecord `json:"functions,omitempty"`
}

// StructRecord is the export of a script struct.
type StructRecord struct {
	Name        string            `json:"name"`
	Super       string            `json:"super,omitempty"`
	ObjectFlags []string          `json:"object_flags,omitempty"`
	StructFlags []string          `json:"struct_flags,omitempty"`
	Size        uint64            `json:"native_size"`
	Align       uint64            `json:"native_align"`
	Properties  []*PropertyRecord `json:"properties,omitempty"`
}

// EnumeratorRecord is one enum value.
type EnumeratorRecord struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// EnumRecord is the export of an enum.
type EnumRecord struct {
	Name        string             `json:"name"`
	CppType     string             `json:"cpp_type_name,omitempty"`
	ObjectFlags []string           `json:"object_flags,omitempty"`
	EnumFlags   []string           `json:"enum_flags,omitempty"`
	CppForm     string             `json:"cpp_form"`
	Params      []EnumeratorRecord `json:"params"`
}

// FunctionRecord is the export of a function or delegate signature.
type FunctionRecord struct {
	Name          string            `json:"name"`
	Super         string            `json:"super,omitempty"`
	OwningClass   string            `json:"owning_class_name,omitempty"`
	DelegateName  string            `json:"delegate_name,omitempty"`
	ObjectFlags   []string          `json:"object_flags,omitempty"`
	FunctionFlags []string          `json:"function_flags,omitempty"`
	StructureSize uint64            `json:"structure_size"`
	RPCId         uint64            `json:"rpc_id,omitempty"`
	RPCResponseId uint64            `json:"rpc_response_id,omitempty"`
	Properties    []*PropertyRecord `json:"properties,omitempty"`
}

// PropertyRecord is one property. Container element types are folded into
// their container.
type PropertyRecord struct {
	Name           string   `json:"name,omitempty"`
	Type           string   `json:"type"`
	Offset         uint64   `json:"offset,omitempty"`
	ArrayDim       int64    `json:"array_dim,omitempty"`
	PropertyFlags  []string `json:"property_flags,omitempty"`
	ObjectFlags    []string `json:"object_flags,omitempty"`
	NotifyFunc     string   `json:"notify_func_name,omitempty"`
	ArrayFlags     []string `json:"array_flags,omitempty"`
	MapFlags       []string `json:"map_flags,omitempty"`
	BoolSize       uint64   `json:"bool_element_size,omitempty"`
	BoolOuterSize  uint64   `json:"bool_size_of_outer,omitempty"`
	Enum           string   `json:"enum_name,omitempty"`
	Class          string   `json:"class,omitempty"`
	ClassMeta      string   `json:"class_meta,omitempty"`
	ObjectRef      string   `json:"object_ref,omitempty"`
	Struct         string   `json:"struct,omitempty"`
	DelegateType   string   `json:"delegate_type,omitempty"`
	InterfaceClass string   `json:"interface_class,omitempty"`

	ArrayElement *PropertyRecord `json:"array_element,omitempty"`
	SetElement   *PropertyRecord `json:"set_element,omitempty"`
	MapKey       *PropertyRecord `json:"map_key,omitempty"`
	MapValue     *PropertyRecord `json:"map_value,omitempty"`
	EnumType     *PropertyRecord `json:"enum_type,omitempty"`
}

// Record builds the export record of a package, class, struct, enum or
// function params struct.
func (c *Context) Record(s *discovery.StructArtefact) (any, error) {
	if s.Err != "" {
		return nil, fmt.Errorf("%w: 0x%x: %s", ErrUnresolved, s.Start, s.Err)
	}
	switch s.Kind {
	case layout.Package:
		return c.packageRecord(s)
	case layout.Class:
		return c.classRecord(s)
	case layout.Struct:
		return c.structRecord(s)
	case layout.Enum:
		return c.enumRecord(s)
	case layout.Function:
		return c.functionRecord(s)
	}
	return nil, fmt.Errorf("export: no record for %s", s.Kind.StructName())
}

// flags names the bits of a flags field.
func flags(s *discovery.StructArtefact, name string) []string {
	f, ok := s.Field(name)
	if !ok {
		return nil
	}
	return layout.FlagNames(f.Enum, f.Value)
}

func intField(s *discovery.StructArtefact, name string) int64 {
	if f, ok := s.Field(name); ok {
		return f.Int
	}
	return 0
}

// refPaths returns the paths of an array field's resolved elements.
func (c *Context) refPaths(s *discovery.StructArtefact, name string) []string {
	f, ok := s.Field(name)
	if !ok {
		return nil
	}
	var out []string
	for _, r := range f.Refs {
		if r.Unresolved {
			continue
		}
		out = append(out, c.Path(r.Addr))
	}
	return out
}

// elements returns the resolved struct elements of an array field.
func (c *Context) elements(s *discovery.StructArtefact, name string) []*discovery.StructArtefact {
	f, ok := s.Field(name)
	if !ok {
		return nil
	}
	var out []*discovery.StructArtefact
	for _, r := range f.Refs {
		if r.Unresolved {
			continue
		}
		if e, ok := c.Registry.Struct(r.Addr); ok && e.Err == "" {
			out = append(out, e)
		}
	}
	return out
}

// optPath returns the path of the object at addr, or "" for a null pointer.
func (c *Context) optPath(addr uint64) string {
	if addr == 0 {
		return ""
	}
	return c.Path(addr)
}

func (c *Context) packageRecord(s *discovery.StructArtefact) (*PackageRecord, error) {
	name, err := c.str(s.Uint("NameUTF8"))
	if err != nil {
		return nil, err
	}
	return &PackageRecord{
		Name:            name,
		Flags:           flags(s, "PackageFlags"),
		Singletons:      c.refPaths(s, "SingletonFuncArray"),
		BodyCRC:         s.Uint("BodyCRC"),
		DeclarationsCRC: s.Uint("DeclarationsCRC"),
	}, nil
}

func (c *Context) classRecord(s *discovery.StructArtefact) (*ClassRecord, error) {
	acc, ok := c.Registry.Function(s.Uint("ClassNoRegisterFunc"))
	if !ok || acc.Static == nil {
		return nil, fmt.Errorf("%w: class 0x%x has no StaticClass accessor", ErrUnresolved, s.Start)
	}
	st := acc.Static
	name, err := c.str(st.Name)
	if err != nil {
		return nil, err
	}
	r := &ClassRecord{
		Name:         name,
		Package:      c.optStr(st.PackageName),
		Super:        c.optPath(st.Super),
		Within:       c.optPath(st.Within),
		IniName:      c.optStr(s.Uint("ClassConfigNameUTF8")),
		ClassFlags:   flags(s, "ClassFlags"),
		CastFlags:    st.CastFlags,
		Size:         st.Size,
		Align:        st.Align,
		ClassInfo:    s.Uint("CppClassInfo"),
		Dependencies: c.refPaths(s, "DependencySingletonFuncArray"),
		Properties:   c.properties(s),
	}
	for _, link := range c.elements(s, "FunctionLinkArray") {
		r.Functions = append(r.Functions, FunctionLinkRecord{
			Name:     c.optStr(link.Uint("FuncNameUTF8")),
			Function: c.Path(link.Uint("CreateFuncPtr")),
		})
	}
	for _, iface := range c.elements(s, "ImplementedInterfaceArray") {
		r.Interfaces = append(r.Interfaces, InterfaceRecord{
			Class:           c.optPath(iface.Uint("ClassFunc")),
			Offset:          intField(iface, "Offset"),
			ImplementedByK2: iface.Uint("bImplementedByK2") != 0,
		})
	}
	return r, nil
}

func (c *Context) structRecord(s *discovery.StructArtefact) (*StructRecord, error) {
	name, err := c.str(s.Uint("NameUTF8"))
	if err != nil {
		return nil, err
	}
	return &StructRecord{
		Name:        name,
		Super:       c.optPath(s.Uint("SuperFunc")),
		ObjectFlags: flags(s, "ObjectFlags"),
		StructFlags: flags(s, "StructFlags"),
		Size:        s.Uint("SizeOf"),
		Align:       s.Uint("AlignOf"),
		Properties:  c.properties(s),
	}, nil
}

func (c *Context) enumRecord(s *discovery.StructArtefact) (*EnumRecord, error) {
	name, err := c.str(s.Uint("NameUTF8"))
	if err != nil {
		return nil, err
	}
	r := &EnumRecord{
		Name:        name,
		CppType:     c.optStr(s.Uint("CppTypeUTF8")),
		ObjectFlags: flags(s, "ObjectFlags"),
		EnumFlags:   flags(s, "EnumFlags"),
		CppForm:     layout.CppForm(s.Uint("CppForm")).String(),
		Params:      []EnumeratorRecord{},
	}
	for _, e := range c.elements(s, "EnumeratorParams") {
		r.Params = append(r.Params, EnumeratorRecord{
			Name:  c.optStr(e.Uint("NameUTF8")),
			Value: intField(e, "Value"),
		})
	}
	return r, nil
}

func (c *Context) functionRecord(s *discovery.StructArtefact) (*FunctionRecord, error) {
	name, err := c.str(s.Uint("NameUTF8"))
	if err != nil {
		return nil, err
	}
	return &FunctionRecord{
		Name:          name,
		Super:         c.optPath(s.Uint("SuperFunc")),
		OwningClass:   c.optStr(s.Uint("OwningClassName")),
		DelegateName:  c.optStr(s.Uint("DelegateName")),
		ObjectFlags:   flags(s, "ObjectFlags"),
		FunctionFlags: flags(s, "FunctionFlags"),
		StructureSize: s.Uint("StructureSize"),
		RPCId:         s.Uint("RPCId"),
		RPCResponseId: s.Uint("RPCResponseId"),
		Properties:    c.properties(s),
	}, nil
}

// properties exports a PropertyArray. Containers are listed after their
// element types, so the list is walked backwards and each container takes
// the properties preceding it.
func (c *Context) properties(s *discovery.StructArtefact) []*PropertyRecord {
	props := c.elements(s, "PropertyArray")
	i := len(props) - 1
	next := func() *discovery.StructArtefact {
		if i < 0 {
			return nil
		}
		p := props[i]
		i--
		return p
	}
	inner := func() *PropertyRecord {
		p := next()
		if p == nil {
			return nil
		}
		r := c.property(p)
		r.Name = ""
		return r
	}

	var out []*PropertyRecord
	for p := next(); p != nil; p = next() {
		r := c.property(p)
		switch propertyGen(p) {
		case layout.GenArray:
			r.ArrayElement = inner()
		case layout.GenMap:
			r.MapKey = inner()
			r.MapValue = inner()
		case layout.GenSet:
			r.SetElement = inner()
		case layout.GenEnum:
			r.EnumType = inner()
		}
		out = append(out, r)
	}
	for l, h := 0, len(out)-1; l < h; l, h = l+1, h-1 {
		out[l], out[h] = out[h], out[l]
	}
	return out
}

func propertyGen(p *discovery.StructArtefact) layout.PropertyGen {
	return layout.PropertyGen(p.Uint("Flags") & layout.PropertyGenMask)
}

func (c *Context) property(p *discovery.StructArtefact) *PropertyRecord {
	gen := propertyGen(p)
	r := &PropertyRecord{
		Name:          c.optStr(p.Uint("NameUTF8")),
		Type:          gen.String(),
		Offset:        p.Uint("Offset"),
		PropertyFlags: flags(p, "PropertyFlags"),
		ObjectFlags:   flags(p, "ObjectFlags"),
		NotifyFunc:    c.optStr(p.Uint("RepNotifyFuncUTF8")),
	}
	if dim := intField(p, "ArrayDim"); dim != 1 {
		r.ArrayDim = dim
	}
	switch gen {
	case layout.GenArray:
		r.ArrayFlags = flags(p, "ArrayFlags")
	case layout.GenMap:
		r.MapFlags = flags(p, "MapFlags")
	case layout.GenBool:
		r.BoolSize = p.Uint("ElementSize")
		r.BoolOuterSize = p.Uint("SizeOfOuter")
	case layout.GenByte, layout.GenEnum:
		r.Enum = c.optPath(p.Uint("EnumFunc"))
	case layout.GenClass:
		r.ClassMeta = c.optPath(p.Uint("MetaClassFunc"))
		r.Class = c.optPath(p.Uint("ClassFunc"))
	case layout.GenSoftClass:
		r.ClassMeta = c.optPath(p.Uint("MetaClassFunc"))
	case layout.GenDelegate, layout.GenInlineMulticastDelegate, layout.GenSparseMulticastDelegate:
		r.DelegateType = c.optPath(p.Uint("SignatureFunctionFunc"))
	case layout.GenInterface:
		r.InterfaceClass = c.optPath(p.Uint("InterfaceClassFunc"))
	case layout.GenObject, layout.GenWeakObject, layout.GenLazyObject, layout.GenSoftObject:
		r.ObjectRef = c.optPath(p.Uint("ClassFunc"))
	case layout.GenStruct:
		r.Struct = c.optPath(p.Uint("ScriptStructFunc"))
	}
	return r
}
