// Package graph renders discovery results and disassembled functions as
// lattice graphs.
package graph

import (
	"fmt"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"unreflect/internal/discovery"
	"unreflect/internal/layout"
	"unreflect/internal/match"
)

// Options selects what Build includes.
type Options struct {
	Strings    bool // string artefacts and the edges to them
	Unresolved bool // a node per unresolved reference target
}

// Build returns the discovery graph of reg: a node per artefact and an edge
// per resolved reference or call. Nodes follow registry order.
func Build(reg *discovery.Registry, opts Options) *lattice.Graph {
	g := &lattice.Graph{}
	skip := func(a discovery.Artefact) bool {
		_, isStr := a.(*discovery.StringArtefact)
		return isStr && !opts.Strings
	}
	seen := map[string]bool{}
	node := func(n string) {
		if !seen[n] {
			seen[n] = true
			g.Nodes = append(g.Nodes, n)
		}
	}
	edge := func(from string, to uint64) {
		t, ok := reg.Get(to)
		if !ok || skip(t) {
			return
		}
		g.Edges = append(g.Edges, lattice.Edge{Caller: from, Callee: Label(reg, t)})
	}

	for _, a := range reg.All() {
		if skip(a) {
			continue
		}
		from := Label(reg, a)
		node(from)
		for _, ref := range discovery.RefsOf(a) {
			if ref.Unresolved {
				if opts.Unresolved {
					to := fmt.Sprintf("? 0x%x", ref.Addr)
					node(to)
					g.Edges = append(g.Edges, lattice.Edge{Caller: from, Callee: to})
				}
				continue
			}
			edge(from, ref.Addr)
		}
		if f, ok := a.(*discovery.FunctionArtefact); ok {
			for _, c := range f.Calls {
				edge(from, c)
			}
		}
	}
	g.Dedup()
	return g
}

// DOT renders the discovery graph of reg.
func DOT(reg *discovery.Registry, title string, opts Options) string {
	return render.DOT(Build(reg, opts), title)
}

// Label names an artefact for display. The address suffix keeps labels
// unique.
func Label(reg *discovery.Registry, a discovery.Artefact) string {
	switch a := a.(type) {
	case *discovery.StringArtefact:
		if a.Err != "" {
			return fmt.Sprintf("string 0x%x", a.Start)
		}
		return fmt.Sprintf("%s 0x%x", truncLabel(fmt.Sprintf("%q", a.Text), 40), a.Start)
	case *discovery.StructArtefact:
		if name, ok := structName(reg, a); ok {
			return fmt.Sprintf("%s %s 0x%x", a.Kind.StructName(), name, a.Start)
		}
		return fmt.Sprintf("%s 0x%x", a.Kind.StructName(), a.Start)
	case *discovery.FunctionArtefact:
		return fmt.Sprintf("%s 0x%x", funcName(reg, a), a.Start)
	}
	return fmt.Sprintf("0x%x", a.Addr())
}

var nameFields = []string{"NameUTF8", "FuncNameUTF8"}

func structName(reg *discovery.Registry, s *discovery.StructArtefact) (string, bool) {
	if s.Kind == layout.Class {
		// FClassParams carries no name; the StaticClass accessor does.
		if f, ok := reg.Function(s.Uint("ClassNoRegisterFunc")); ok {
			return accessorName(reg, f)
		}
		return "", false
	}
	for _, f := range nameFields {
		if p := s.Uint(f); p != 0 {
			if name, ok := reg.ResolveString(p); ok {
				return name, true
			}
		}
	}
	return "", false
}

func funcName(reg *discovery.Registry, f *discovery.FunctionArtefact) string {
	switch f.Class {
	case match.ConstructHelper:
		return match.HelperName(f.Helper)
	case match.ZConstructGenerator:
		if s, ok := reg.Struct(f.Params); ok {
			if name, ok := structName(reg, s); ok {
				return "Z_Construct " + name
			}
		}
		return "Z_Construct"
	case match.StaticClassAccessor:
		if name, ok := accessorName(reg, f); ok {
			return name + "::StaticClass"
		}
		return "StaticClass"
	}
	return "sub"
}

func accessorName(reg *discovery.Registry, f *discovery.FunctionArtefact) (string, bool) {
	if f.Class != match.StaticClassAccessor || f.Static == nil {
		return "", false
	}
	return reg.ResolveString(f.Static.Name)
}

// truncLabel shortens a label to maxLen, appending "..." if truncated.
func truncLabel(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
