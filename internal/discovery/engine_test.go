package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unreflect/internal/binx"
	"unreflect/internal/layout"
	"unreflect/internal/match"
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

func discover(t *testing.T, img *binx.Image, tbl *layout.Table, opts ...Option) *Result {
	t.Helper()
	opts = append([]Option{WithTable(tbl)}, opts...)
	res, err := New(img, opts...).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Registry)
	assert.Equal(t, StateComplete, res.State)
	assert.True(t, res.Registry.Frozen())
	return res
}

// checkClosed verifies that every followed reference has an artefact of the
// expected kind.
func checkClosed(t *testing.T, reg *Registry) {
	t.Helper()
	seen := map[uint64]bool{}
	for _, a := range reg.All() {
		assert.False(t, seen[a.Addr()], "two artefacts at 0x%x", a.Addr())
		seen[a.Addr()] = true
		for _, ref := range RefsOf(a) {
			if ref.Unresolved {
				assert.NotEmpty(t, ref.Reason, "unresolved ref 0x%x from 0x%x", ref.Addr, a.Addr())
				continue
			}
			got, ok := reg.Get(ref.Addr)
			if assert.True(t, ok, "dangling ref 0x%x from 0x%x", ref.Addr, a.Addr()) {
				assert.Equal(t, ref.Target.Key(), got.Key(), "ref 0x%x", ref.Addr)
			}
		}
	}
}

func TestEngineScenario(t *testing.T) {
	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			s := synth.NewScenario(f, table(t))
			res := discover(t, s.Image, s.Game.Table)
			reg := res.Registry

			assert.Empty(t, res.Diags)
			assert.False(t, res.Partial)
			assert.Len(t, res.Anchors, 5)
			assert.Len(t, res.CallSites, 6)
			checkClosed(t, reg)

			for _, name := range s.Objects() {
				st, ok := reg.Struct(s.Params[name])
				require.True(t, ok, name)
				assert.Equal(t, s.Kinds[name], st.Kind, name)
				assert.Empty(t, st.Err, name)

				fn, ok := reg.Function(s.Generators[name])
				require.True(t, ok, name)
				assert.Equal(t, match.ZConstructGenerator, fn.Class, name)
				assert.Equal(t, s.Kinds[name], fn.Helper, name)
				assert.Equal(t, s.Params[name], fn.Params, name)
				assert.Equal(t, ExpectFunction(layout.RoleZConstruct, s.Kinds[name]), fn.Hint, name)
			}
			for k, addr := range s.Game.Helpers {
				fn, ok := reg.Function(addr)
				require.True(t, ok, "%s", k)
				assert.Equal(t, match.ConstructHelper, fn.Class, "%s", k)
			}
			for name, addr := range s.Accessors {
				fn, ok := reg.Function(addr)
				require.True(t, ok, name)
				assert.Equal(t, match.StaticClassAccessor, fn.Class, name)
				require.NotNil(t, fn.Static, name)
			}
			for name, addr := range s.Properties {
				st, ok := reg.Struct(addr)
				require.True(t, ok, name)
				assert.Equal(t, layout.Property, st.Kind, name)
			}
			for text, addr := range s.Strings {
				got, ok := reg.ResolveString(addr)
				require.True(t, ok, text)
				assert.Equal(t, text, got)
			}
			for text, addr := range s.WStrings {
				str, ok := reg.Get(addr)
				require.True(t, ok, text)
				assert.Equal(t, uefmt.UTF16, str.(*StringArtefact).Encoding, text)
				assert.Equal(t, text, str.(*StringArtefact).Text)
			}

			pawn, _ := reg.Function(s.Accessors["Pawn"])
			assert.Equal(t, s.Accessors["Actor"], pawn.Static.Super)
			assert.Equal(t, s.Accessors["Object"], pawn.Static.Within)

			actor, _ := reg.Struct(s.Params["Actor"])
			deps, ok := actor.Field("DependencySingletonFuncArray")
			require.True(t, ok)
			require.Len(t, deps.Refs, 2)
			assert.Equal(t, s.Generators["Object"], deps.Refs[0].Addr)
			assert.Equal(t, s.Generators["Engine"], deps.Refs[1].Addr)
			assert.Len(t, reg.Structs(layout.FunctionLink), 1)

			emode, _ := reg.Struct(s.Params["EMode"])
			enumerators, ok := emode.Field("EnumeratorParams")
			require.True(t, ok)
			require.Len(t, enumerators.Refs, 2)
			names := make([]string, 0, 2)
			for _, ref := range enumerators.Refs {
				e, ok := reg.Struct(ref.Addr)
				require.True(t, ok)
				text, ok := reg.ResolveString(e.Uint("NameUTF8"))
				require.True(t, ok)
				names = append(names, text)
			}
			assert.Equal(t, []string{"EMode::A", "EMode::B"}, names)

			// Native callbacks are recorded, not followed.
			_, ok = reg.Get(s.Game.Stub())
			assert.False(t, ok)

			st := reg.Stats()
			assert.Equal(t, reg.Len(), st.Total)
			assert.Zero(t, st.Unparsable)
			assert.Equal(t, 2, st.Structs[layout.Enumerator.StructName()])
		})
	}
}

func TestEngineDeterministic(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	addrs := func(res *Result) []uint64 {
		var out []uint64
		for _, a := range res.Registry.All() {
			out = append(out, a.Addr())
		}
		return out
	}
	base := discover(t, s.Image, s.Game.Table)
	again := discover(t, s.Image, s.Game.Table)
	assert.Equal(t, addrs(base), addrs(again))

	for _, workers := range []int{2, 4, 8} {
		par := discover(t, s.Image, s.Game.Table, WithWorkers(workers))
		assert.Equal(t, addrs(base), addrs(par), "workers=%d", workers)
		assert.Equal(t, base.Diags, par.Diags, "workers=%d", workers)
		for i, a := range base.Registry.All() {
			assert.Equal(t, a, par.Registry.All()[i], "workers=%d", workers)
		}
	}
}

func TestEngineSelectsTableByVersion(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	res, err := New(s.Image, WithEngineVersion("5.3.2")).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ue5.3", res.Table.Name)
	assert.Equal(t, "5.3.2", res.Version)
}

func TestEngineMissingAnchors(t *testing.T) {
	// Only the package helper is present.
	lonely := func(f binx.Format) *binx.Image {
		g := synth.NewGame(f, table(t))
		params := g.Params(layout.Package, map[string]uint64{"NameUTF8": g.Str("/Script/Lonely")})
		g.Generator("Z_Construct_UPackage_Lonely", layout.Package, params)
		return g.MustBuild()
	}
	// No helper of any kind: one frameless leaf and a caller.
	bare := func(f binx.Format) *binx.Image {
		base := uint64(synth.PEBase)
		if f == binx.FormatELF {
			base = synth.ELFBase
		}
		b := synth.NewBuilder(f, base)
		leaf := synth.Leaf(b.Text, "Leaf")
		b.Text.Align(16)
		b.Text.Label("Caller")
		b.Text.SubRSP(0x28).Call(synth.Abs(leaf)).Call(synth.Abs(leaf)).AddRSP(0x28).Ret()
		b.RData.UTF8Z("/Script/Nothing")
		return b.MustBuild()
	}

	tests := []struct {
		name    string
		build   func(binx.Format) *binx.Image
		missing []layout.Kind
	}{
		{"package only", lonely, []layout.Kind{layout.Class, layout.Struct, layout.Enum, layout.Function}},
		{"no helpers", bare, layout.HelperKinds},
	}
	for _, tt := range tests {
		for _, f := range formats {
			t.Run(tt.name+"/"+f.String(), func(t *testing.T) {
				e := New(tt.build(f), WithTable(table(t)))
				res, err := e.Run(context.Background())
				require.Error(t, err)
				assert.True(t, errors.Is(err, match.ErrMissingAnchor))

				var missing *match.MissingAnchorError
				require.True(t, errors.As(err, &missing))
				assert.Equal(t, tt.missing, missing.Missing)

				assert.Nil(t, res.Registry)
				assert.Equal(t, StateFailed, res.State)
				assert.Equal(t, StateFailed, e.State())

				_, err = e.Run(context.Background())
				assert.ErrorIs(t, err, ErrEngineUsed)
			})
		}
	}
}

func TestEngineUnresolvedRefs(t *testing.T) {
	g := synth.NewGame(binx.FormatPE, table(t))
	s := synth.EmitScenario(g)
	// A name far outside the image and a property list with a null entry.
	broken := g.Params(layout.Struct, map[string]uint64{
		"NameUTF8":      0x7000_0000_0000,
		"SizeOf":        4,
		"AlignOf":       4,
		"PropertyArray": g.Ptrs(0),
		"NumProperties": 1,
	})
	g.Generator("Z_Construct_Broken", layout.Struct, broken)
	s.Build()

	res := discover(t, s.Image, g.Table)
	checkClosed(t, res.Registry)

	st, ok := res.Registry.Struct(broken)
	require.True(t, ok)
	name, ok := st.Field("NameUTF8")
	require.True(t, ok)
	require.NotNil(t, name.Ref)
	assert.True(t, name.Ref.Unresolved)
	assert.Equal(t, "outside image", name.Ref.Reason)

	props, ok := st.Field("PropertyArray")
	require.True(t, ok)
	require.Len(t, props.Refs, 1)
	assert.True(t, props.Refs[0].Unresolved)

	// The rest of the scenario is unaffected.
	_, ok = res.Registry.Struct(s.Params["Actor"])
	assert.True(t, ok)
}

func TestEngineSharedParams(t *testing.T) {
	g := synth.NewGame(binx.FormatELF, table(t))
	s := synth.EmitScenario(g)
	dup, _ := g.Generator("Z_Construct_Vector_Alias", layout.Struct, s.Params["Vector"])
	s.Build()

	res := discover(t, s.Image, g.Table)
	assert.Len(t, res.CallSites, 7)
	assert.Len(t, res.Registry.Structs(layout.Struct), 1)
	fn, ok := res.Registry.Function(dup)
	require.True(t, ok)
	assert.Equal(t, s.Params["Vector"], fn.Params)
	checkClosed(t, res.Registry)
}

func TestEngineModes(t *testing.T) {
	build := func(t *testing.T) (*synth.Scenario, uint64) {
		g := synth.NewGame(binx.FormatPE, table(t))
		s := synth.EmitScenario(g)
		bad := g.Params(layout.Struct, map[string]uint64{
			"NameUTF8":      g.Str("Oversized"),
			"PropertyArray": g.Ptrs(0),
			"NumProperties": 0x5000,
		})
		g.Generator("Z_Construct_Oversized", layout.Struct, bad)
		s.Build()
		return s, bad
	}

	t.Run("best effort", func(t *testing.T) {
		s, bad := build(t)
		res := discover(t, s.Image, s.Game.Table)
		require.NotEmpty(t, res.Diags)
		var found bool
		for _, d := range res.Diags {
			if d.Addr == bad && d.Kind == uefmt.DiagInvalid {
				found = true
			}
		}
		assert.True(t, found, "%v", res.Diags)
		_, ok := res.Registry.Struct(s.Params["EMode"])
		assert.True(t, ok)
	})

	t.Run("strict", func(t *testing.T) {
		s, _ := build(t)
		res, err := New(s.Image, WithTable(s.Game.Table), WithMode(uefmt.ModeStrict)).Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStrict)
		assert.Equal(t, StateFailed, res.State)
		assert.True(t, res.Partial)
		require.NotNil(t, res.Registry)
		assert.True(t, res.Registry.Frozen())
	})
}

func TestEngineMaxItems(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	res := discover(t, s.Image, s.Game.Table, WithMaxItems(5))
	assert.True(t, res.Partial)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.Registry.Len())
	require.NotEmpty(t, res.Diags)
	assert.Equal(t, uefmt.DiagTruncated, res.Diags[len(res.Diags)-1].Kind)
}

func TestEngineCancelled(t *testing.T) {
	s := synth.NewScenario(binx.FormatPE, table(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(s.Image, WithTable(s.Game.Table)).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	if res.Registry != nil {
		assert.True(t, res.Partial)
		assert.True(t, res.Registry.Frozen())
	}
}
