// Package match recognises the code shapes the engine's reflection code
// generator emits: the construct helpers, the Z_Construct generators that
// call them and the StaticClass accessors.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"unreflect/internal/binx"
	"unreflect/internal/disasm"
	"unreflect/internal/layout"
)

// ErrMissingAnchor is matched by *MissingAnchorError.
var ErrMissingAnchor = errors.New("match: missing construct helper")

// MissingAnchorError lists the helper kinds that could not be located.
type MissingAnchorError struct {
	Missing []layout.Kind
}

func (e *MissingAnchorError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = fmt.Sprintf("%s (%s)", HelperName(k), k)
	}
	return fmt.Sprintf("%v: %s", ErrMissingAnchor, strings.Join(names, ", "))
}

func (e *MissingAnchorError) Is(target error) bool { return target == ErrMissingAnchor }

var helperNames = map[layout.Kind]string{
	layout.Package:  "UECodeGen_Private::ConstructUPackage",
	layout.Class:    "UECodeGen_Private::ConstructUClass",
	layout.Struct:   "UECodeGen_Private::ConstructUScriptStruct",
	layout.Enum:     "UECodeGen_Private::ConstructUEnum",
	layout.Function: "UECodeGen_Private::ConstructUFunction",
}

// HelperName returns the native name of the construct helper for k.
func HelperName(k layout.Kind) string {
	if s, ok := helperNames[k]; ok {
		return s
	}
	return "Construct" + k.String()
}

// Anchor source labels.
const (
	SourceFrame   = "frame"
	SourcePattern = "pattern"
)

// Anchor is a located construct helper.
type Anchor struct {
	Kind   layout.Kind `json:"kind"`
	Addr   uint64      `json:"addr"`
	Frame  uint32      `json:"frame"`
	Calls  int         `json:"calls"`
	Source string      `json:"source"`
}

// Anchors maps each helper kind to its routine.
type Anchors map[layout.Kind]Anchor

// Addr returns the helper address for k.
func (a Anchors) Addr(k layout.Kind) (uint64, bool) {
	an, ok := a[k]
	return an.Addr, ok
}

// KindAt returns the helper kind whose routine starts at addr.
func (a Anchors) KindAt(addr uint64) (layout.Kind, bool) {
	for k, an := range a {
		if an.Addr == addr {
			return k, true
		}
	}
	return layout.Invalid, false
}

// Missing returns the helper kinds without an anchor, in search order.
func (a Anchors) Missing() []layout.Kind {
	var out []layout.Kind
	for _, k := range layout.HelperKinds {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Sorted returns the anchors in helper search order.
func (a Anchors) Sorted() []Anchor {
	out := make([]Anchor, 0, len(a))
	for _, k := range layout.HelperKinds {
		if an, ok := a[k]; ok {
			out = append(out, an)
		}
	}
	return out
}

// Env is what the matchers read: the address space, a shared instruction
// reader, the selected layout table and the calling convention.
type Env struct {
	View    binx.View
	Reader  *disasm.Reader
	Table   *layout.Table
	ABI     disasm.ABI
	Workers int
}

// ABIFor returns the calling convention used by images of format f.
func ABIFor(f binx.Format) disasm.ABI {
	if f == binx.FormatELF {
		return disasm.ABISysV
	}
	return disasm.ABIWin64
}

// NewEnv builds an Env for a loaded image.
func NewEnv(img *binx.Image, table *layout.Table) *Env {
	return &Env{
		View:   img,
		Reader: disasm.NewReader(img, 0),
		Table:  table,
		ABI:    ABIFor(img.Format),
	}
}

func (e *Env) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return 4
}

// argReg returns the register carrying argument i of a generator's helper
// call: 0 is the cache, 1 the params struct. Both ABIs pass these in
// registers, so any other index is a caller bug.
func (e *Env) argReg(i int) x86asm.Reg {
	r, ok := e.ABI.ParamReg(i)
	if !ok {
		panic(fmt.Sprintf("match: %s passes argument %d on the stack", e.ABI, i))
	}
	return r
}

// confirmSites is how many call sites of a candidate are inspected for the
// generator argument setup.
const confirmSites = 16

type candidate struct {
	addr  uint64
	frame uint32
	kinds []layout.Kind
	sites []uint64
}

// FindAnchors locates the five construct helpers. Candidates are call
// targets whose prologue reserves a frame listed for a kind in the table.
// A candidate must not call another candidate and at least one of its call
// sites must load a params struct address into the second argument register.
// The most called confirmed candidate wins each kind. Kinds still missing are
// searched for by the generator byte shape.
func FindAnchors(ctx context.Context, env *Env) (Anchors, error) {
	var targets []disasm.CallTarget
	for _, sec := range env.View.CodeSections() {
		targets = append(targets, disasm.CallTargets(sec.Data, sec.Addr, sec.Addr, sec.End(), 1)...)
	}

	var (
		mu    sync.Mutex
		cands []*candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.workers())
	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			frame, err := disasm.FrameSize(env.Reader, tgt.Addr)
			if err != nil {
				return nil
			}
			kinds := env.Table.FrameKinds(frame)
			if len(kinds) == 0 {
				return nil
			}
			mu.Lock()
			cands = append(cands, &candidate{addr: tgt.Addr, frame: frame, kinds: kinds, sites: tgt.Sites})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].addr < cands[j].addr })

	isCand := make(map[uint64]bool, len(cands))
	for _, c := range cands {
		isCand[c.addr] = true
	}

	anchors := make(Anchors)
	for _, c := range cands {
		if callsAny(env.Reader, c.addr, isCand) {
			log.WithFields(log.Fields{"addr": fmt.Sprintf("0x%x", c.addr), "frame": fmt.Sprintf("0x%x", c.frame)}).Debug("candidate calls another candidate")
			continue
		}
		if !hasGeneratorSite(env, c.sites) {
			continue
		}
		kind := c.kinds[0]
		if len(c.kinds) > 1 {
			k, ok := guessFromSites(env, c.sites, c.kinds)
			if !ok {
				continue
			}
			kind = k
		}
		// Candidates are visited by address, so a tie keeps the lower one.
		if prev, ok := anchors[kind]; ok && prev.Calls >= len(c.sites) {
			continue
		}
		anchors[kind] = Anchor{Kind: kind, Addr: c.addr, Frame: c.frame, Calls: len(c.sites), Source: SourceFrame}
	}

	if missing := anchors.Missing(); len(missing) > 0 {
		log.WithField("missing", fmt.Sprint(missing)).Debug("searching generator byte shape")
		patternAnchors(env, anchors)
	}
	for _, an := range anchors.Sorted() {
		log.WithFields(log.Fields{
			"kind":   an.Kind,
			"addr":   fmt.Sprintf("0x%x", an.Addr),
			"calls":  an.Calls,
			"source": an.Source,
		}).Debug("construct helper")
	}
	if missing := anchors.Missing(); len(missing) > 0 {
		return anchors, &MissingAnchorError{Missing: missing}
	}
	return anchors, nil
}
