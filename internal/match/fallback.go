package match

import (
	"fmt"
	"sort"

	"github.com/apex/log"

	"unreflect/internal/disasm"
	"unreflect/internal/layout"
)

const (
	// lookbackBytes bounds the window decoded before a call site.
	lookbackBytes = 64
	// lookbackInsts bounds the instructions searched for an argument load.
	lookbackInsts = 8
	// maxBodyInsts bounds the sweep over a helper body.
	maxBodyInsts = 4096
	// maxHops bounds trampoline chains.
	maxHops = 8
)

// sweep decodes a function body linearly until int3 padding, a decode error
// or a return followed by an aligned address.
func sweep(r *disasm.Reader, addr uint64, max int) []disasm.Inst {
	var out []disasm.Inst
	for len(out) < max {
		in, err := r.At(addr)
		if err != nil || in.Class == disasm.ClassInt3 {
			break
		}
		out = append(out, in)
		addr = in.End()
		if (in.Class == disasm.ClassRet || in.Class == disasm.ClassJmp) && addr%16 == 0 {
			break
		}
	}
	return out
}

// callsAny reports whether the function at addr directly calls one of targets.
func callsAny(r *disasm.Reader, addr uint64, targets map[uint64]bool) bool {
	for _, in := range sweep(r, addr, maxBodyInsts) {
		if in.Class == disasm.ClassCall && !in.Indirect && in.HasTarget && in.Target != addr && targets[in.Target] {
			return true
		}
	}
	return false
}

// paramsAt returns the params struct address loaded for the call at site.
func paramsAt(env *Env, site uint64) (uint64, []disasm.Inst, bool) {
	window := env.Reader.DecodeBefore(site, lookbackBytes)
	load, ok := disasm.FindRegLoad(window, env.argReg(1), lookbackInsts)
	if !ok || !load.Lea {
		return 0, window, false
	}
	s, ok := env.View.SectionOf(load.Value)
	if !ok || s.Exec {
		return 0, window, false
	}
	return load.Value, window, true
}

// hasGeneratorSite reports whether any of the first call sites passes a
// params struct in the second argument register.
func hasGeneratorSite(env *Env, sites []uint64) bool {
	for i, site := range sites {
		if i >= confirmSites {
			break
		}
		if _, _, ok := paramsAt(env, site); ok {
			return true
		}
	}
	return false
}

// guessFromSites picks the one kind among kinds that the params structs of
// the call sites validate as.
func guessFromSites(env *Env, sites []uint64, kinds []layout.Kind) (layout.Kind, bool) {
	allowed := make(map[layout.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	for i, site := range sites {
		if i >= confirmSites {
			break
		}
		params, _, ok := paramsAt(env, site)
		if !ok {
			continue
		}
		var match []layout.Kind
		for _, k := range GuessKinds(env.View, env.Table, params) {
			if allowed[k] {
				match = append(match, k)
			}
		}
		if len(match) == 1 {
			return match[0], true
		}
	}
	return layout.Invalid, false
}

// generatorPatterns returns the byte shapes of the two cache check forms of
// a Z_Construct generator up to its helper call.
func generatorPatterns(abi disasm.ABI) []disasm.Pattern {
	// lea params, [rip+d]; lea cache, [rip+d]
	leas := "48 8d 15 ? ? ? ? 48 8d 0d ? ? ? ?"
	if abi == disasm.ABISysV {
		leas = "48 8d 35 ? ? ? ? 48 8d 3d ? ? ? ?"
	}
	return []disasm.Pattern{
		disasm.MustCompilePattern("48 83 ec 28 48 8b 05 ? ? ? ? 48 85 c0 75 ? " + leas + " e8"),
		disasm.MustCompilePattern("48 83 ec 28 48 83 3d ? ? ? ? 00 75 ? " + leas + " e8"),
	}
}

// GeneratorGroup is the set of generators calling one helper.
type GeneratorGroup struct {
	Helper  uint64
	Callers []*disasm.CachedCall
}

// FindGenerators scans code for the generator byte shape and returns the
// parsed generators grouped by called helper, most callers first.
func FindGenerators(env *Env) []GeneratorGroup {
	groups := make(map[uint64]*GeneratorGroup)
	for _, sec := range env.View.CodeSections() {
		for _, p := range generatorPatterns(env.ABI) {
			for _, off := range p.Search(sec.Data) {
				addr := sec.Addr + uint64(off)
				cc, err := disasm.ParseCachedCall(env.Reader, addr, env.ABI)
				if err != nil || len(cc.Params) != 2 {
					continue
				}
				helper, _, err := disasm.FollowJumps(env.Reader, cc.Func, maxHops)
				if err != nil {
					continue
				}
				g := groups[helper]
				if g == nil {
					g = &GeneratorGroup{Helper: helper}
					groups[helper] = g
				}
				g.Callers = append(g.Callers, cc)
			}
		}
	}
	out := make([]GeneratorGroup, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.Callers, func(i, j int) bool { return g.Callers[i].Entry < g.Callers[j].Entry })
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Callers) != len(out[j].Callers) {
			return len(out[i].Callers) > len(out[j].Callers)
		}
		return out[i].Helper < out[j].Helper
	})
	return out
}

// patternAnchors fills missing kinds from generator byte shapes. Each group's
// kind is taken from the first caller whose params struct validates as
// exactly one kind.
func patternAnchors(env *Env, anchors Anchors) {
	for _, g := range FindGenerators(env) {
		if _, taken := anchors.KindAt(g.Helper); taken {
			continue
		}
		for _, cc := range g.Callers {
			kinds := GuessKinds(env.View, env.Table, cc.Params[1])
			if len(kinds) != 1 {
				continue
			}
			k := kinds[0]
			if _, ok := anchors[k]; ok {
				break
			}
			frame, _ := disasm.FrameSize(env.Reader, g.Helper)
			anchors[k] = Anchor{Kind: k, Addr: g.Helper, Frame: frame, Calls: len(g.Callers), Source: SourcePattern}
			log.WithFields(log.Fields{
				"kind":   k,
				"addr":   fmt.Sprintf("0x%x", g.Helper),
				"caller": fmt.Sprintf("0x%x", cc.Entry),
			}).Debug("helper kind guessed from params struct")
			break
		}
	}
}
