package layout

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-version"

	"unreflect/internal/uefmt"
)

// ErrNoTable is returned when no layout table matches a request.
var ErrNoTable = errors.New("layout: no table")

// Table is the set of layouts and helper frame signatures for a range of
// engine versions starting at MinVersion.
type Table struct {
	Name       string
	MinVersion *version.Version
	Layouts    map[Kind]*Layout
	Frames     map[Kind][]uint32
}

// Layout returns the layout for k.
func (t *Table) Layout(k Kind) (*Layout, bool) {
	l, ok := t.Layouts[k]
	return l, ok
}

// FrameKinds returns the helper kinds whose frame signature matches frame.
func (t *Table) FrameKinds(frame uint32) []Kind {
	var out []Kind
	for _, k := range HelperKinds {
		for _, f := range t.Frames[k] {
			if f == frame {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// Validate checks every layout and that each helper kind has a layout.
func (t *Table) Validate() error {
	for _, k := range HelperKinds {
		if _, ok := t.Layouts[k]; !ok {
			return fmt.Errorf("%w: table %s has no %s layout", ErrBadLayout, t.Name, k)
		}
	}
	for _, l := range t.Layouts {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Clone returns a copy of t whose maps can be modified independently.
func (t *Table) Clone(name string) *Table {
	c := &Table{
		Name:       name,
		MinVersion: t.MinVersion,
		Layouts:    make(map[Kind]*Layout, len(t.Layouts)),
		Frames:     make(map[Kind][]uint32, len(t.Frames)),
	}
	for k, l := range t.Layouts {
		c.Layouts[k] = l
	}
	for k, f := range t.Frames {
		c.Frames[k] = append([]uint32(nil), f...)
	}
	return c
}

// Tables is a set of layout tables indexed by name.
type Tables struct {
	mu     sync.RWMutex
	byName map[string]*Table
}

// NewTables returns an empty table set.
func NewTables() *Tables {
	return &Tables{byName: make(map[string]*Table)}
}

// Add inserts t, replacing any table with the same name.
func (ts *Tables) Add(t *Table) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.byName[t.Name] = t
}

// Get returns the table with the given name.
func (ts *Tables) Get(name string) (*Table, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.byName[name]
	return t, ok
}

// List returns all tables ordered by MinVersion, then name.
func (ts *Tables) List() []*Table {
	ts.mu.RLock()
	out := make([]*Table, 0, len(ts.byName))
	for _, t := range ts.byName {
		out = append(out, t)
	}
	ts.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].MinVersion, out[j].MinVersion
		if a != nil && b != nil && !a.Equal(b) {
			return a.LessThan(b)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the table names in List order.
func (ts *Tables) Names() []string {
	list := ts.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name
	}
	return names
}

// Select returns the newest table whose MinVersion is at most v. A nil v, or
// a version older than every table, selects the newest table.
func (ts *Tables) Select(v *version.Version) (*Table, error) {
	list := ts.List()
	if len(list) == 0 {
		return nil, ErrNoTable
	}
	if v == nil {
		return list[len(list)-1], nil
	}
	for i := len(list) - 1; i >= 0; i-- {
		if mv := list[i].MinVersion; mv == nil || mv.LessThanOrEqual(v) {
			return list[i], nil
		}
	}
	return list[len(list)-1], nil
}

// SelectString parses s as a version and selects a table. An empty s selects
// the newest table.
func (ts *Tables) SelectString(s string) (*Table, error) {
	if s == "" {
		return ts.Select(nil)
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("layout: engine version %q: %w", s, err)
	}
	return ts.Select(v)
}

// DefaultFrames are the stack frame sizes reserved by each construct helper
// in shipping x64 builds.
var DefaultFrames = map[Kind][]uint32{
	Package:  {0x38},
	Class:    {0x98},
	Struct:   {0x78},
	Enum:     {0x58},
	Function: {0x68},
}

type tableFeatures struct {
	accessors bool // property setter/getter pointers
	compact   bool // 16-bit ArrayDim/Offset, byte-sized container flags
}

// Builtin returns the built-in tables.
func Builtin() *Tables {
	ts := NewTables()
	ts.Add(buildTable("ue5.0", "5.0", tableFeatures{}))
	ts.Add(buildTable("ue5.1", "5.1", tableFeatures{accessors: true}))
	ts.Add(buildTable("ue5.3", "5.3", tableFeatures{accessors: true, compact: true}))
	return ts
}

func buildTable(name, min string, f tableFeatures) *Table {
	t := &Table{
		Name:       name,
		MinVersion: version.Must(version.NewVersion(min)),
		Layouts:    baseLayouts(),
		Frames:     make(map[Kind][]uint32, len(DefaultFrames)),
	}
	for k, v := range DefaultFrames {
		t.Frames[k] = append([]uint32(nil), v...)
	}
	t.Layouts[Property] = propertyLayout(f)
	return t
}

func baseLayouts() map[Kind]*Layout {
	return map[Kind]*Layout{
		Package: NewLayout(Package,
			Str("NameUTF8", uefmt.UTF8),
			Funcs("SingletonFuncArray", RoleZConstruct, Function, "NumSingletons"),
			I32("NumSingletons"),
			Flags("PackageFlags", "EPackageFlags", 4),
			U32("BodyCRC"),
			U32("DeclarationsCRC"),
		),
		Class: NewLayout(Class,
			Func("ClassNoRegisterFunc", RoleStaticClass, Invalid),
			Str("ClassConfigNameUTF8", uefmt.UTF8),
			Opaque("CppClassInfo"),
			Funcs("DependencySingletonFuncArray", RoleZConstruct, Invalid, "NumDependencySingletons"),
			Inline("FunctionLinkArray", FunctionLink, "NumFunctions"),
			Ptrs("PropertyArray", Property, "NumProperties"),
			Inline("ImplementedInterfaceArray", ImplementedInterface, "NumImplementedInterfaces"),
			I32("NumDependencySingletons"),
			I32("NumFunctions"),
			I32("NumProperties"),
			I32("NumImplementedInterfaces"),
			Flags("ClassFlags", "EClassFlags", 4),
		),
		Struct: NewLayout(Struct,
			Func("OuterFunc", RoleZConstruct, Invalid),
			Func("SuperFunc", RoleZConstruct, Invalid),
			Opaque("StructOpsFunc"),
			Str("NameUTF8", uefmt.UTF8),
			U64("SizeOf"),
			U64("AlignOf"),
			Ptrs("PropertyArray", Property, "NumProperties"),
			I32("NumProperties"),
			Flags("ObjectFlags", "EObjectFlags", 4),
			Flags("StructFlags", "EStructFlags", 4),
		),
		Enum: NewLayout(Enum,
			Func("OuterFunc", RoleZConstruct, Invalid),
			Opaque("DisplayNameFn"),
			Str("NameUTF8", uefmt.UTF8),
			Str("CppTypeUTF8", uefmt.UTF8),
			Inline("EnumeratorParams", Enumerator, "NumEnumerators"),
			I32("NumEnumerators"),
			Flags("ObjectFlags", "EObjectFlags", 4),
			Flags("EnumFlags", "EEnumFlags", 4),
			U8("CppForm"),
		),
		Function: NewLayout(Function,
			Func("OuterFunc", RoleZConstruct, Invalid),
			Func("SuperFunc", RoleZConstruct, Invalid),
			Str("NameUTF8", uefmt.UTF8),
			Str("OwningClassName", uefmt.UTF8),
			Str("DelegateName", uefmt.UTF8),
			U64("StructureSize"),
			Ptrs("PropertyArray", Property, "NumProperties"),
			I32("NumProperties"),
			Flags("ObjectFlags", "EObjectFlags", 4),
			Flags("FunctionFlags", "EFunctionFlags", 4),
			U16("RPCId"),
			U16("RPCResponseId"),
		),
		Enumerator: NewLayout(Enumerator,
			Str("NameUTF8", uefmt.UTF8),
			I64("Value"),
		),
		ImplementedInterface: NewLayout(ImplementedInterface,
			Func("ClassFunc", RoleAny, Invalid),
			I32("Offset"),
			Bool("bImplementedByK2"),
		),
		FunctionLink: NewLayout(FunctionLink,
			Func("CreateFuncPtr", RoleZConstruct, Function),
			Str("FuncNameUTF8", uefmt.UTF8),
		),
	}
}

func propertyLayout(f tableFeatures) *Layout {
	header := []Field{
		Str("NameUTF8", uefmt.UTF8),
		Str("RepNotifyFuncUTF8", uefmt.UTF8),
		Flags("PropertyFlags", "EPropertyFlags", 8),
		U32("Flags"),
		Flags("ObjectFlags", "EObjectFlags", 4),
	}
	if !f.compact {
		header = append(header, I32("ArrayDim"))
	}
	if f.accessors {
		header = append(header, Opaque("SetterFunc"), Opaque("GetterFunc"))
	}
	if f.compact {
		header = append(header, U16("ArrayDim"))
	}

	offset := U32("Offset")
	containerFlags := func(name, enum string) Field { return Flags(name, enum, 4) }
	if f.compact {
		offset = U16("Offset")
		containerFlags = func(name, enum string) Field { return Flags(name, enum, 1) }
	}
	withOffset := func(extra ...Field) []Field {
		return append([]Field{offset}, extra...)
	}

	variants := make(map[uint64][]Field, len(propertyGenNames))
	for g := range propertyGenNames {
		variants[uint64(g)] = withOffset()
	}
	variants[uint64(GenArray)] = withOffset(containerFlags("ArrayFlags", "EArrayPropertyFlags"))
	variants[uint64(GenMap)] = withOffset(containerFlags("MapFlags", "EMapPropertyFlags"))
	if f.compact {
		variants[uint64(GenBool)] = []Field{U16("ElementSize"), U16("SizeOfOuter"), Opaque("SetBitFunc")}
	} else {
		variants[uint64(GenBool)] = []Field{U32("ElementSize"), U64("SizeOfOuter"), Opaque("SetBitFunc")}
	}
	enumFunc := withOffset(Func("EnumFunc", RoleZConstruct, Enum))
	variants[uint64(GenByte)] = enumFunc
	variants[uint64(GenEnum)] = enumFunc
	if f.accessors {
		variants[uint64(GenClass)] = withOffset(Func("ClassFunc", RoleAny, Invalid), Func("MetaClassFunc", RoleAny, Invalid))
	} else {
		variants[uint64(GenClass)] = withOffset(Func("MetaClassFunc", RoleAny, Invalid), Func("ClassFunc", RoleAny, Invalid))
	}
	signature := withOffset(Func("SignatureFunctionFunc", RoleZConstruct, Function))
	variants[uint64(GenDelegate)] = signature
	variants[uint64(GenInlineMulticastDelegate)] = signature
	variants[uint64(GenSparseMulticastDelegate)] = signature
	variants[uint64(GenFieldPath)] = withOffset(Opaque("PropertyClassFunc"))
	variants[uint64(GenInterface)] = withOffset(Func("InterfaceClassFunc", RoleStaticClass, Invalid))
	objectClass := withOffset(Func("ClassFunc", RoleAny, Invalid))
	for _, g := range []PropertyGen{GenObject, GenWeakObject, GenLazyObject, GenSoftObject} {
		variants[uint64(g)] = objectClass
	}
	variants[uint64(GenSoftClass)] = withOffset(Func("MetaClassFunc", RoleAny, Invalid))
	variants[uint64(GenStruct)] = withOffset(Func("ScriptStructFunc", RoleZConstruct, Struct))

	return NewDiscriminated(Property, header, "Flags", PropertyGenMask, variants)
}
