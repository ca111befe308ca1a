package match

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"unreflect/internal/binx"
	"unreflect/internal/disasm"
	"unreflect/internal/layout"
	"unreflect/internal/synth"
	"unreflect/internal/uefmt"
)

func table(t *testing.T) *layout.Table {
	t.Helper()
	tbl, ok := layout.Builtin().Get("ue5.3")
	require.True(t, ok)
	return tbl
}

var formats = []binx.Format{binx.FormatPE, binx.FormatELF}

func TestFindAnchors(t *testing.T) {
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			s := synth.NewScenario(f, table(t))
			env := NewEnv(s.Image, s.Game.Table)

			anchors, err := FindAnchors(context.Background(), env)
			require.NoError(t, err)
			require.Len(t, anchors, 5)
			for _, k := range layout.HelperKinds {
				an := anchors[k]
				assert.Equal(t, s.Game.Helpers[k], an.Addr, "%s", k)
				assert.Equal(t, SourceFrame, an.Source, "%s", k)
				assert.Equal(t, env.Table.Frames[k][0], an.Frame, "%s", k)
			}
			assert.Equal(t, 2, anchors[layout.Class].Calls)
			assert.Equal(t, 1, anchors[layout.Enum].Calls)

			kind, ok := anchors.KindAt(s.Game.Helpers[layout.Struct])
			assert.True(t, ok)
			assert.Equal(t, layout.Struct, kind)
			assert.Empty(t, anchors.Missing())
		})
	}
}

func TestFindAnchorsMissing(t *testing.T) {
	g := synth.NewGame(binx.FormatPE, table(t))
	params := g.Params(layout.Package, map[string]uint64{"NameUTF8": g.Str("/Script/Lonely")})
	g.Generator("Z_Construct_UPackage_Lonely", layout.Package, params)
	img := g.MustBuild()

	anchors, err := FindAnchors(context.Background(), NewEnv(img, g.Table))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingAnchor))

	var missing *MissingAnchorError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []layout.Kind{layout.Class, layout.Struct, layout.Enum, layout.Function}, missing.Missing)
	assert.Contains(t, err.Error(), "UECodeGen_Private::ConstructUClass")
	assert.Contains(t, err.Error(), "UECodeGen_Private::ConstructUFunction")
	assert.NotContains(t, err.Error(), "ConstructUPackage")

	assert.Equal(t, g.Helpers[layout.Package], anchors[layout.Package].Addr)
}

func TestFindAnchorsPatternFallback(t *testing.T) {
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			s := synth.NewScenario(f, table(t))
			// The enum helper's frame is no longer listed and collides with
			// the class signature instead.
			tbl := s.Game.Table.Clone("test")
			tbl.Frames[layout.Enum] = []uint32{tbl.Frames[layout.Class][0]}

			anchors, err := FindAnchors(context.Background(), NewEnv(s.Image, tbl))
			require.NoError(t, err)
			assert.Equal(t, s.Game.Helpers[layout.Class], anchors[layout.Class].Addr)
			assert.Equal(t, SourceFrame, anchors[layout.Class].Source)

			enum := anchors[layout.Enum]
			assert.Equal(t, s.Game.Helpers[layout.Enum], enum.Addr)
			assert.Equal(t, SourcePattern, enum.Source)
			assert.Equal(t, uint32(0x58), enum.Frame)
		})
	}
}

func TestFindAnchorsRejectsNestedCandidate(t *testing.T) {
	g := synth.NewGame(binx.FormatPE, table(t))
	params := g.Params(layout.Package, map[string]uint64{"NameUTF8": g.Str("/Script/Nested")})
	g.Generator("Z_Construct_UPackage_Nested", layout.Package, params)

	// Same frame as the package helper, but it calls the helper itself.
	a := g.Text
	a.Align(16)
	outer := a.Label("outer")
	a.Push(x86asm.RBX).SubRSP(0x38).Call(synth.Abs(g.Helpers[layout.Package])).AddRSP(0x38).Pop(x86asm.RBX).Ret()
	for i := 0; i < 3; i++ {
		synth.ZConstruct(a, fmt.Sprintf("wrapper%d", i), g.Data.Zero(8), params, synth.Abs(outer), synth.ZConstructOpts{})
	}
	img := g.MustBuild()

	anchors, err := FindAnchors(context.Background(), NewEnv(img, g.Table))
	require.ErrorIs(t, err, ErrMissingAnchor)
	assert.Equal(t, g.Helpers[layout.Package], anchors[layout.Package].Addr)
}

func scenarioEnv(t *testing.T, s *synth.Scenario) (*Env, Anchors) {
	t.Helper()
	env := NewEnv(s.Image, s.Game.Table)
	anchors, err := FindAnchors(context.Background(), env)
	require.NoError(t, err)
	return env, anchors
}

func TestEnumerateCallSites(t *testing.T) {
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			s := synth.NewScenario(f, table(t))
			env, anchors := scenarioEnv(t, s)

			sites, diags, err := EnumerateCallSites(context.Background(), env, anchors)
			require.NoError(t, err)
			assert.Empty(t, diags)
			require.Len(t, sites, len(s.Objects()))

			byStruct := map[uint64]CallSite{}
			for i, cs := range sites {
				if i > 0 {
					assert.Less(t, sites[i-1].Site, cs.Site)
				}
				byStruct[cs.Struct] = cs
			}
			for _, name := range s.Objects() {
				cs, ok := byStruct[s.Params[name]]
				require.True(t, ok, name)
				assert.Equal(t, s.Kinds[name], cs.Kind, name)
				assert.Equal(t, s.Game.Helpers[s.Kinds[name]], cs.Helper, name)
				assert.Equal(t, s.Generators[name], cs.Func, name)
				assert.Equal(t, s.Caches[name], cs.Cache, name)
				assert.False(t, cs.Tail, name)
			}
		})
	}
}

func TestEnumerateCallSitesIndirect(t *testing.T) {
	g := synth.NewGame(binx.FormatPE, table(t))
	s := synth.EmitScenario(g)
	helper := g.Helpers[layout.Struct]
	a := g.Text

	// Through a trampoline.
	tramp := synth.Trampoline(a, "ConstructUScriptStruct_thunk", synth.Abs(helper))
	viaTramp := g.Params(layout.Struct, map[string]uint64{
		"OuterFunc": s.Generators["Engine"], "NameUTF8": g.Str("Rotator"), "SizeOf": 24, "AlignOf": 8,
	})
	trampGen := synth.ZConstruct(a, "Z_Construct_Rotator", g.Data.Zero(8), viaTramp, synth.Abs(tramp), synth.ZConstructOpts{})

	// Through an import-style pointer slot.
	slot := g.Data.U64s(helper)
	viaSlot := g.Params(layout.Struct, map[string]uint64{
		"OuterFunc": s.Generators["Engine"], "NameUTF8": g.Str("Quat"), "SizeOf": 32, "AlignOf": 16,
	})
	a.Align(16)
	a.Label("Z_Construct_Quat")
	a.SubRSP(0x28).LeaRip(x86asm.RDX, synth.Abs(viaSlot)).LeaRip(x86asm.RCX, synth.Abs(g.Data.Zero(8)))
	a.CallRip(synth.Abs(slot))
	a.AddRSP(0x28).Ret()

	// No params argument.
	a.Align(16)
	a.Label("bare")
	a.SubRSP(0x28).XorSelf(x86asm.RDX)
	bare := a.PC()
	a.Call(synth.Abs(helper)).AddRSP(0x28).Ret()
	img := s.Build()

	env := NewEnv(img, g.Table)
	anchors, err := FindAnchors(context.Background(), env)
	require.NoError(t, err)
	sites, diags, err := EnumerateCallSites(context.Background(), env, anchors)
	require.NoError(t, err)

	byStruct := map[uint64]CallSite{}
	for _, cs := range sites {
		byStruct[cs.Struct] = cs
	}
	cs, ok := byStruct[viaTramp]
	require.True(t, ok, "trampoline site")
	assert.Equal(t, layout.Struct, cs.Kind)
	assert.Equal(t, trampGen, cs.Func)

	cs, ok = byStruct[viaSlot]
	require.True(t, ok, "indirect site")
	assert.Equal(t, layout.Struct, cs.Kind)

	require.Len(t, diags, 1)
	assert.Equal(t, bare, diags[0].Addr)
	assert.Equal(t, uefmt.DiagUnparsable, diags[0].Kind)
}

func TestClassify(t *testing.T) {
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			g := synth.NewGame(f, table(t))
			s := synth.EmitScenario(g)
			redirect := synth.Redirect(g.Text, "redirect", synth.Abs(s.Generators["Actor"]))
			tramp := synth.Trampoline(g.Text, "tramp", synth.Abs(s.Generators["Vector"]))
			s.Build()
			env, anchors := scenarioEnv(t, s)

			for _, name := range s.Objects() {
				c := Classify(env, s.Generators[name], anchors)
				require.NoError(t, c.Err, name)
				assert.Equal(t, ZConstructGenerator, c.Class, name)
				assert.Equal(t, s.Kinds[name], c.Helper, name)
				assert.Equal(t, s.Params[name], c.Params, name)
				assert.Zero(t, c.Redirect, name)
			}

			c := Classify(env, g.Helpers[layout.Enum], anchors)
			assert.Equal(t, ConstructHelper, c.Class)
			assert.Equal(t, layout.Enum, c.Helper)

			c = Classify(env, redirect, anchors)
			assert.Equal(t, ZConstructGenerator, c.Class)
			assert.Equal(t, s.Params["Actor"], c.Params)
			assert.Equal(t, s.Generators["Actor"], c.Redirect)

			c = Classify(env, tramp, anchors)
			assert.Equal(t, ZConstructGenerator, c.Class)
			assert.Equal(t, s.Generators["Vector"], c.Addr)
			assert.Equal(t, []uint64{tramp}, c.Trampolines)

			c = Classify(env, s.Accessors["Pawn"], anchors)
			require.Equal(t, StaticClassAccessor, c.Class)
			require.NotNil(t, c.Static)
			assert.Equal(t, s.WStrings["/Script/Engine"], c.Static.PackageName)
			assert.Equal(t, s.WStrings["Pawn"], c.Static.Name)
			assert.Equal(t, uint32(0x320), c.Static.Size)
			assert.Equal(t, s.Accessors["Actor"], c.Static.Super)
			assert.Equal(t, s.Accessors["Object"], c.Static.Within)

			c = Classify(env, g.Stub(), anchors)
			assert.Equal(t, Unparsable, c.Class)
			assert.Error(t, c.Err)
		})
	}
}

func TestClassifyBadAddress(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	env, anchors := scenarioEnv(t, s)
	c := Classify(env, 0xdead0000, anchors)
	assert.Equal(t, Unparsable, c.Class)
	assert.ErrorIs(t, c.Err, binx.ErrOutOfBounds)
}

func TestGuessKinds(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	for _, name := range s.Objects() {
		got := GuessKinds(s.Image, s.Game.Table, s.Params[name])
		assert.Equal(t, []layout.Kind{s.Kinds[name]}, got, name)
	}
}

func TestValidateParams(t *testing.T) {
	g := synth.NewGame(binx.FormatPE, table(t))
	s := synth.EmitScenario(g)
	codeName := g.Params(layout.Package, map[string]uint64{"NameUTF8": g.Helpers[layout.Package]})
	tooMany := g.Params(layout.Package, map[string]uint64{
		"NameUTF8": g.Str("/Script/Big"), "SingletonFuncArray": g.Ptrs(0), "NumSingletons": MaxEntries + 1,
	})
	dangling := g.Params(layout.Package, map[string]uint64{"NameUTF8": g.Str("/Script/Null"), "NumSingletons": 2})
	hugeStruct := g.Params(layout.Struct, map[string]uint64{"NameUTF8": g.Str("Huge"), "SizeOf": 1 << 30})
	s.Build()

	pkg := g.Layout(layout.Package)
	tests := []struct {
		name string
		addr uint64
		l    *layout.Layout
		ok   bool
	}{
		{"package", s.Params["Engine"], pkg, true},
		{"name in code", codeName, pkg, false},
		{"count out of range", tooMany, pkg, false},
		{"entries at null", dangling, pkg, false},
		{"huge struct", hugeStruct, g.Layout(layout.Struct), false},
		{"class as struct", s.Params["Actor"], g.Layout(layout.Struct), false},
		{"unmapped", 0x10, pkg, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(s.Image, tt.addr, tt.l)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
		})
	}
}

func TestFindGenerators(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	env := NewEnv(s.Image, s.Game.Table)
	groups := FindGenerators(env)
	require.Len(t, groups, 5)
	assert.Equal(t, s.Game.Helpers[layout.Class], groups[0].Helper)
	assert.Len(t, groups[0].Callers, 2)
	assert.Equal(t, s.Generators["Object"], groups[0].Callers[0].Entry)
	assert.Equal(t, s.Generators["Actor"], groups[0].Callers[1].Entry)
}

func TestEnvArgReg(t *testing.T) {
	tests := []struct {
		abi          disasm.ABI
		cache, param x86asm.Reg
	}{
		{disasm.ABIWin64, x86asm.RCX, x86asm.RDX},
		{disasm.ABISysV, x86asm.RDI, x86asm.RSI},
	}
	for _, tt := range tests {
		t.Run(tt.abi.String(), func(t *testing.T) {
			env := &Env{ABI: tt.abi}
			assert.Equal(t, tt.cache, env.argReg(0))
			assert.Equal(t, tt.param, env.argReg(1))
			assert.Panics(t, func() { env.argReg(6) })
			assert.Panics(t, func() { env.argReg(-1) })
		})
	}
}
