package match

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apex/log"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"unreflect/internal/disasm"
	"unreflect/internal/layout"
	"unreflect/internal/uefmt"
)

// CallSite is one call of a construct helper by a generator.
type CallSite struct {
	Site   uint64      `json:"site"`
	Helper uint64      `json:"helper"`
	Kind   layout.Kind `json:"kind"`
	Struct uint64      `json:"struct"`          // params struct passed to the helper
	Cache  uint64      `json:"cache,omitempty"` // cache slot passed to the helper
	Func   uint64      `json:"func,omitempty"`  // enclosing generator, 0 if not identified
	Tail   bool        `json:"tail,omitempty"`
}

// EnumerateCallSites finds every call of each anchor: direct calls, tail
// jumps, calls through import-style pointer slots and calls of trampolines
// leading to the anchor. Helpers are scanned concurrently. Sites whose params
// argument cannot be recovered are reported as diagnostics. The result is
// sorted by site address.
func EnumerateCallSites(ctx context.Context, env *Env, anchors Anchors) ([]CallSite, []uefmt.Diag, error) {
	var (
		mu    sync.Mutex
		sites []CallSite
		diags []uefmt.Diag
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.workers())
	for _, an := range anchors.Sorted() {
		an := an
		g.Go(func() error {
			found, skipped := helperCallSites(gctx, env, an)
			if err := gctx.Err(); err != nil {
				return err
			}
			mu.Lock()
			sites = append(sites, found...)
			diags = append(diags, skipped...)
			mu.Unlock()
			log.WithFields(log.Fields{
				"kind":    an.Kind,
				"sites":   len(found),
				"skipped": len(skipped),
			}).Debug("call sites")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Site < sites[j].Site })
	sort.Slice(diags, func(i, j int) bool { return diags[i].Addr < diags[j].Addr })
	return sites, diags, nil
}

// callRefs returns the references to target from code and pointer slots.
func callRefs(env *Env, target uint64) []disasm.CallRef {
	var slots []uint64
	for _, s := range env.View.DataSections() {
		slots = append(slots, disasm.FindPointers(s.Data, s.Addr, target)...)
	}
	var refs []disasm.CallRef
	for _, sec := range env.View.CodeSections() {
		refs = append(refs, disasm.FindCalls(sec.Data, sec.Addr, target)...)
		refs = append(refs, disasm.FindIndirectCalls(sec.Data, sec.Addr, slots)...)
	}
	return refs
}

func helperCallSites(ctx context.Context, env *Env, an Anchor) ([]CallSite, []uefmt.Diag) {
	var (
		out   []CallSite
		diags []uefmt.Diag
	)
	seen := map[uint64]bool{}
	targets := []uint64{an.Addr}
	for hop := 0; len(targets) > 0 && hop <= maxHops; hop++ {
		var next []uint64
		for _, target := range targets {
			for _, ref := range callRefs(env, target) {
				if ctx.Err() != nil {
					return out, diags
				}
				if seen[ref.Site] {
					continue
				}
				seen[ref.Site] = true
				if ref.Tail && isFunctionStart(env, ref.Site) {
					// A trampoline; its callers call the helper.
					next = append(next, ref.Site)
					continue
				}
				params, window, ok := paramsAt(env, ref.Site)
				if !ok {
					diags = append(diags, uefmt.Diag{
						Addr: ref.Site,
						Kind: uefmt.DiagUnparsable,
						Msg:  fmt.Sprintf("call to %s without a params struct argument", HelperName(an.Kind)),
					})
					continue
				}
				cs := CallSite{Site: ref.Site, Helper: an.Addr, Kind: an.Kind, Struct: params, Tail: ref.Tail}
				if load, ok := disasm.FindRegLoad(window, env.argReg(0), lookbackInsts); ok && load.Lea {
					cs.Cache = load.Value
				}
				cs.Func = enclosingGenerator(env, window, an.Addr)
				out = append(out, cs)
			}
		}
		targets = next
	}
	return out, diags
}

// isFunctionStart reports whether addr begins a function: it is 16-byte
// aligned or follows padding or a return.
func isFunctionStart(env *Env, addr uint64) bool {
	if addr%16 == 0 {
		return true
	}
	b, err := env.View.ReadBytes(addr-1, 1)
	if err != nil {
		return false
	}
	return b[0] == 0xcc || b[0] == 0x90 || b[0] == 0xc3
}

// enclosingGenerator finds the generator entry in the window before a helper
// call: the last frame reservation with no call after it, optionally preceded
// by an rsp save, starting a function, whose cached call reaches helper.
func enclosingGenerator(env *Env, window []disasm.Inst, helper uint64) uint64 {
	for i := len(window) - 1; i >= 0; i-- {
		in := window[i]
		if in.Class == disasm.ClassCall {
			return 0
		}
		if in.Class != disasm.ClassSub {
			continue
		}
		if d, ok := in.Reg(0); !ok || d != x86asm.RSP {
			continue
		}
		start := in.Addr
		if i > 0 && window[i-1].Class == disasm.ClassMov {
			if src, ok := window[i-1].Reg(1); ok && src == x86asm.RSP {
				start = window[i-1].Addr
			}
		}
		if !isFunctionStart(env, start) {
			return 0
		}
		cc, err := disasm.ParseCachedCall(env.Reader, start, env.ABI)
		if err != nil {
			return 0
		}
		if fn, _, err := disasm.FollowJumps(env.Reader, cc.Func, maxHops); err != nil || fn != helper {
			return 0
		}
		return start
	}
	return 0
}
