package synth

import (
	"fmt"

	"unreflect/internal/binx"
	"unreflect/internal/layout"
)

// Image bases used by NewGame.
const (
	PEBase  = 0x140000000
	ELFBase = 0x400000
)

// Game lays out a synthetic shipping build: the five construct helpers and
// the generators, params structs and accessors that feed them.
type Game struct {
	*Builder
	ABI     ABI
	Table   *layout.Table
	Helpers map[layout.Kind]uint64

	body uint64 // class body constructor called by accessors
	stub uint64 // leaf standing in for native callbacks
	gens int
}

// HelperLabel is the code label of the helper for k.
func HelperLabel(k layout.Kind) string { return "Construct" + k.StructName() }

// NewGame emits the helpers of table with their first frame signature.
func NewGame(format binx.Format, table *layout.Table) *Game {
	base := uint64(PEBase)
	abi := Win64
	if format == binx.FormatELF {
		base, abi = ELFBase, SysV
	}
	g := &Game{
		Builder: NewBuilder(format, base),
		ABI:     abi,
		Table:   table,
		Helpers: make(map[layout.Kind]uint64, len(layout.HelperKinds)),
	}
	for _, k := range layout.HelperKinds {
		frames := table.Frames[k]
		if len(frames) == 0 {
			panic(fmt.Sprintf("synth: table %s has no %s frame", table.Name, k))
		}
		g.Helpers[k] = Helper(g.Text, HelperLabel(k), frames[0])
	}
	g.body = Leaf(g.Text, "GetPrivateStaticClassBody")
	g.stub = Leaf(g.Text, "NativeStub")
	return g
}

// Stub returns the address of a leaf function usable as any native callback.
func (g *Game) Stub() uint64 { return g.stub }

// Body returns the class body constructor called by accessors.
func (g *Game) Body() uint64 { return g.body }

// Layout returns the table layout for k.
func (g *Game) Layout(k layout.Kind) *layout.Layout {
	l, ok := g.Table.Layout(k)
	if !ok {
		panic(fmt.Sprintf("synth: table %s has no %s layout", g.Table.Name, k))
	}
	return l
}

// Str places a UTF-8 literal in read-only data.
func (g *Game) Str(s string) uint64 { return g.RData.UTF8Z(s) }

// WStr places a UTF-16 literal in read-only data.
func (g *Game) WStr(s string) uint64 { return g.RData.UTF16Z(s) }

// Params places a params struct of kind k in read-only data.
func (g *Game) Params(k layout.Kind, values map[string]uint64) uint64 {
	return g.RData.Struct(g.Layout(k), values)
}

// Reserve allocates a zeroed params struct of kind k to be filled later,
// for structs that point at generators not emitted yet. Discriminated
// layouts cannot be reserved.
func (g *Game) Reserve(k layout.Kind) uint64 {
	l := g.Layout(k)
	if l.Discriminated() {
		panic(fmt.Sprintf("synth: cannot reserve discriminated %s", k))
	}
	return g.RData.Zero(l.Size)
}

// Fill writes the values of a struct allocated by Reserve.
func (g *Game) Fill(addr uint64, k layout.Kind, values map[string]uint64) {
	g.RData.At(addr, EncodeStruct(g.Layout(k), values))
}

// Array places an inline array of k structs.
func (g *Game) Array(k layout.Kind, elems ...map[string]uint64) uint64 {
	l := g.Layout(k)
	var b []byte
	for _, e := range elems {
		b = append(b, EncodeStruct(l, e)...)
	}
	return g.RData.Bytes(b)
}

// Ptrs places an array of pointers.
func (g *Game) Ptrs(addrs ...uint64) uint64 { return g.RData.U64s(addrs...) }

// Generator emits a generator passing params to the helper of kind k and
// returns it with its cache slot. Generators alternate between the two cache
// check forms.
func (g *Game) Generator(name string, k layout.Kind, params uint64) (fn, cache uint64) {
	cache = g.Data.Zero(8)
	opts := ZConstructOpts{ABI: g.ABI, CmpForm: g.gens%2 == 1}
	g.gens++
	fn = ZConstruct(g.Text, name, cache, params, Abs(g.Helpers[k]), opts)
	return fn, cache
}

// StaticClass emits an accessor calling the class body constructor. Zero
// cache and callback arguments are filled in.
func (g *Game) StaticClass(name string, args StaticClassArgs) uint64 {
	if args.Cache == 0 {
		args.Cache = g.Data.Zero(8)
	}
	for _, p := range []*uint64{&args.RegisterNative, &args.Ctor, &args.VTableCtor, &args.AddRefObjects} {
		if *p == 0 {
			*p = g.stub
		}
	}
	return StaticClass(g.Text, name, args, Abs(g.body), g.ABI)
}

// Property places a property params struct of the given type code.
func (g *Game) Property(name string, gen layout.PropertyGen, offset uint64, extra map[string]uint64) uint64 {
	v := map[string]uint64{
		"NameUTF8":    g.Str(name),
		"Flags":       uint64(gen),
		"ObjectFlags": objectFlags,
		"ArrayDim":    1,
		"Offset":      offset,
	}
	if gen == layout.GenBool {
		delete(v, "Offset")
		v["ElementSize"] = 1
		v["SizeOfOuter"] = 8
		v["SetBitFunc"] = g.stub
	}
	for k, x := range extra {
		v[k] = x
	}
	return g.Params(layout.Property, v)
}

// RF_Public | RF_Transient
const objectFlags = 0x41

// Scenario is a small /Script/Engine module: the UObject and AActor classes
// with their accessors, the Tick function, the FVector struct and the EMode
// enum. Maps are keyed by object name ("Engine" is the package).
type Scenario struct {
	Game       *Game
	Image      *binx.Image
	Generators map[string]uint64
	Params     map[string]uint64
	Caches     map[string]uint64
	Kinds      map[string]layout.Kind
	Accessors  map[string]uint64
	Properties map[string]uint64 // "Owner.Name"
	Strings    map[string]uint64 // UTF-8 literals
	WStrings   map[string]uint64 // UTF-16 literals
}

// NewScenario emits and builds the scenario.
func NewScenario(format binx.Format, table *layout.Table) *Scenario {
	s := EmitScenario(NewGame(format, table))
	s.Build()
	return s
}

// Build assembles the image. It may be called once, after any additions
// made through s.Game.
func (s *Scenario) Build() *binx.Image {
	s.Image = s.Game.MustBuild()
	return s.Image
}

// Objects returns the scenario's object names in emission order.
func (s *Scenario) Objects() []string {
	return []string{"Engine", "Object", "Actor", "Tick", "Vector", "EMode"}
}

// EmitScenario emits the scenario into g without building.
func EmitScenario(g *Game) *Scenario {
	s := &Scenario{
		Game:       g,
		Generators: map[string]uint64{},
		Params:     map[string]uint64{},
		Caches:     map[string]uint64{},
		Kinds:      map[string]layout.Kind{},
		Accessors:  map[string]uint64{},
		Properties: map[string]uint64{},
		Strings:    map[string]uint64{},
		WStrings:   map[string]uint64{},
	}
	str := func(v string) uint64 {
		if a, ok := s.Strings[v]; ok {
			return a
		}
		a := g.Str(v)
		s.Strings[v] = a
		return a
	}
	wstr := func(v string) uint64 {
		if a, ok := s.WStrings[v]; ok {
			return a
		}
		a := g.WStr(v)
		s.WStrings[v] = a
		return a
	}

	s.Kinds = map[string]layout.Kind{
		"Engine": layout.Package,
		"Object": layout.Class,
		"Actor":  layout.Class,
		"Tick":   layout.Function,
		"Vector": layout.Struct,
		"EMode":  layout.Enum,
	}
	for _, name := range s.Objects() {
		s.Params[name] = g.Reserve(s.Kinds[name])
	}
	for _, name := range s.Objects() {
		s.Generators[name], s.Caches[name] = g.Generator("Z_Construct_"+name, s.Kinds[name], s.Params[name])
	}
	gen := s.Generators

	s.Accessors["Object"] = g.StaticClass("UObject::StaticClass", StaticClassArgs{
		PackageName: wstr("/Script/CoreUObject"),
		Name:        wstr("Object"),
		Size:        0x28,
		Align:       8,
		ClassFlags:  0x1,
	})
	s.Accessors["Actor"] = g.StaticClass("AActor::StaticClass", StaticClassArgs{
		PackageName: wstr("/Script/Engine"),
		Name:        wstr("Actor"),
		Size:        0x2a0,
		Align:       8,
		ClassFlags:  0x10000000,
		CastFlags:   0x400,
		ConfigName:  wstr("Engine"),
	})
	// Accessors are addressed once emitted, so only later ones name a super.
	s.Accessors["Pawn"] = g.StaticClass("APawn::StaticClass", StaticClassArgs{
		PackageName: wstr("/Script/Engine"),
		Name:        wstr("Pawn"),
		Size:        0x320,
		Align:       8,
		ConfigName:  wstr("Engine"),
		Super:       s.Accessors["Actor"],
		Within:      s.Accessors["Object"],
	})

	p := s.Properties
	p["Vector.X"] = g.Property("X", layout.GenDouble, 0, nil)
	p["Vector.Y"] = g.Property("Y", layout.GenDouble, 8, nil)
	p["Vector.Z"] = g.Property("Z", layout.GenDouble, 16, nil)
	p["Tick.DeltaSeconds"] = g.Property("DeltaSeconds", layout.GenFloat, 0, map[string]uint64{"PropertyFlags": 0x80})
	p["Actor.RootLocation"] = g.Property("RootLocation", layout.GenStruct, 0x30, map[string]uint64{"ScriptStructFunc": gen["Vector"]})
	p["Actor.Owner"] = g.Property("Owner", layout.GenObject, 0x48, map[string]uint64{"ClassFunc": s.Accessors["Pawn"]})
	p["Actor.Mode"] = g.Property("Mode", layout.GenByte, 0x50, map[string]uint64{"EnumFunc": gen["EMode"]})
	p["Actor.bHidden"] = g.Property("bHidden", layout.GenBool, 0, nil)
	p["Actor.Tags_Inner"] = g.Property("Tags", layout.GenName, 0, nil)
	p["Actor.Tags"] = g.Property("Tags", layout.GenArray, 0x58, nil)

	g.Fill(s.Params["Engine"], layout.Package, map[string]uint64{
		"NameUTF8":           str("/Script/Engine"),
		"SingletonFuncArray": g.Ptrs(gen["Tick"]),
		"NumSingletons":      1,
		"PackageFlags":       0x1,
		"BodyCRC":            0x1f2e3d4c,
		"DeclarationsCRC":    0x5a6b7c8d,
	})
	g.Fill(s.Params["Object"], layout.Class, map[string]uint64{
		"ClassNoRegisterFunc": s.Accessors["Object"],
		"ClassConfigNameUTF8": str("Engine"),
		"CppClassInfo":        g.Data.Zero(8),
		"ClassFlags":          0x1,
	})
	g.Fill(s.Params["Actor"], layout.Class, map[string]uint64{
		"ClassNoRegisterFunc":          s.Accessors["Actor"],
		"ClassConfigNameUTF8":          str("Engine"),
		"CppClassInfo":                 g.Data.Zero(8),
		"DependencySingletonFuncArray": g.Ptrs(gen["Object"], gen["Engine"]),
		"NumDependencySingletons":      2,
		"FunctionLinkArray": g.Array(layout.FunctionLink, map[string]uint64{
			"CreateFuncPtr": gen["Tick"],
			"FuncNameUTF8":  str("Tick"),
		}),
		"NumFunctions": 1,
		"PropertyArray": g.Ptrs(p["Actor.RootLocation"], p["Actor.Owner"], p["Actor.Mode"],
			p["Actor.bHidden"], p["Actor.Tags_Inner"], p["Actor.Tags"]),
		"NumProperties": 6,
		"ClassFlags":    0x10000000,
	})
	g.Fill(s.Params["Tick"], layout.Function, map[string]uint64{
		"OuterFunc":     gen["Actor"],
		"NameUTF8":      str("Tick"),
		"StructureSize": 4,
		"PropertyArray": g.Ptrs(p["Tick.DeltaSeconds"]),
		"NumProperties": 1,
		"ObjectFlags":   objectFlags,
		"FunctionFlags": 0x20c00,
	})
	g.Fill(s.Params["Vector"], layout.Struct, map[string]uint64{
		"OuterFunc":     gen["Engine"],
		"StructOpsFunc": g.stub,
		"NameUTF8":      str("Vector"),
		"SizeOf":        24,
		"AlignOf":       8,
		"PropertyArray": g.Ptrs(p["Vector.X"], p["Vector.Y"], p["Vector.Z"]),
		"NumProperties": 3,
		"ObjectFlags":   objectFlags,
		"StructFlags":   0x1,
	})
	g.Fill(s.Params["EMode"], layout.Enum, map[string]uint64{
		"OuterFunc":   gen["Engine"],
		"NameUTF8":    str("EMode"),
		"CppTypeUTF8": str("EMode"),
		"EnumeratorParams": g.Array(layout.Enumerator,
			map[string]uint64{"NameUTF8": str("EMode::A"), "Value": 0},
			map[string]uint64{"NameUTF8": str("EMode::B"), "Value": 1},
		),
		"NumEnumerators": 2,
		"ObjectFlags":    objectFlags,
		"CppForm":        uint64(layout.CppFormEnumClass),
	})
	return s
}
