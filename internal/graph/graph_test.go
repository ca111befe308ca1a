package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unreflect/internal/binx"
	"unreflect/internal/discovery"
	"unreflect/internal/layout"
	"unreflect/internal/synth"
)

func scenario(t *testing.T) (*synth.Scenario, *discovery.Registry) {
	t.Helper()
	tbl, ok := layout.Builtin().Get("ue5.3")
	require.True(t, ok)
	s := synth.NewScenario(binx.FormatPE, tbl)
	res, err := discovery.New(s.Image, discovery.WithTable(tbl)).Run(context.Background())
	require.NoError(t, err)
	return s, res.Registry
}

func TestBuild(t *testing.T) {
	s, reg := scenario(t)

	g := Build(reg, Options{})
	nodes := map[string]bool{}
	for _, n := range g.Nodes {
		nodes[n] = true
	}
	assert.NotEmpty(t, g.Nodes)

	actor, ok := reg.Struct(s.Params["Actor"])
	require.True(t, ok)
	actorLabel := Label(reg, actor)
	assert.True(t, strings.HasPrefix(actorLabel, "FClassParams Actor 0x"), actorLabel)
	assert.True(t, nodes[actorLabel])

	object, ok := reg.Struct(s.Params["Object"])
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(Label(reg, object), "FClassParams Object 0x"), Label(reg, object))

	gen, ok := reg.Function(s.Generators["Actor"])
	require.True(t, ok)
	genLabel := Label(reg, gen)
	assert.True(t, strings.HasPrefix(genLabel, "Z_Construct Actor 0x"), genLabel)

	helper, ok := reg.Function(s.Game.Helpers[layout.Class])
	require.True(t, ok)
	helperLabel := Label(reg, helper)
	assert.Contains(t, helperLabel, "ConstructUClass")

	acc, ok := reg.Function(s.Accessors["Pawn"])
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(Label(reg, acc), "Pawn::StaticClass"))

	edges := map[[2]string]bool{}
	for _, e := range g.Edges {
		edges[[2]string{e.Caller, e.Callee}] = true
		assert.True(t, nodes[e.Caller], e.Caller)
		assert.True(t, nodes[e.Callee], e.Callee)
	}
	assert.True(t, edges[[2]string{genLabel, actorLabel}], "generator -> params")
	assert.True(t, edges[[2]string{genLabel, helperLabel}], "generator -> helper")
}

func TestBuildWithStrings(t *testing.T) {
	s, reg := scenario(t)
	g := Build(reg, Options{Strings: true})
	assert.GreaterOrEqual(t, len(g.Nodes), len(reg.Strings()))

	str, ok := reg.Get(s.Strings["EMode::A"])
	require.True(t, ok)
	assert.Equal(t, `"EMode::A" 0x`, Label(reg, str)[:len(`"EMode::A" 0x`)])

	dot := DOT(reg, "scenario", Options{Strings: true})
	assert.NotEmpty(t, dot)
}
