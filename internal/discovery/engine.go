package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"unreflect/internal/binx"
	"unreflect/internal/disasm"
	"unreflect/internal/layout"
	"unreflect/internal/match"
	"unreflect/internal/uefmt"
)

// State is the engine's position in its run.
type State uint32

const (
	StateInitial State = iota
	StateEarlyAnalysis
	StateDiscovering
	StateComplete
	StateFailed
)

var stateNames = [...]string{"initial", "early_analysis", "discovering", "complete", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrStrict is wrapped by the error ending a strict run at its first
	// diagnostic.
	ErrStrict = errors.New("discovery: strict mode")
	// ErrEngineUsed is returned by a second call to Run.
	ErrEngineUsed = errors.New("discovery: engine already ran")
)

// batchPerWorker is how many items each worker gets per parallel batch.
const batchPerWorker = 16

// Option configures an Engine.
type Option func(*Engine)

// WithTable fixes the layout table instead of selecting one by version.
func WithTable(t *layout.Table) Option { return func(e *Engine) { e.table = t } }

// WithLayouts sets the tables the layout table is selected from.
func WithLayouts(ts *layout.Tables) Option { return func(e *Engine) { e.tables = ts } }

// WithWorkers decodes batches of items on n goroutines. n <= 1 is sequential.
func WithWorkers(n int) Option { return func(e *Engine) { e.workers = n } }

// WithMode selects best-effort or strict handling of per-item failures.
func WithMode(m uefmt.Mode) Option { return func(e *Engine) { e.mode = m } }

// WithMaxItems caps the number of decoded items.
func WithMaxItems(n int) Option { return func(e *Engine) { e.maxItems = n } }

// WithReader shares an instruction reader and its decode cache.
func WithReader(r *disasm.Reader) Option { return func(e *Engine) { e.reader = r } }

// WithEngineVersion overrides the version hint used to select layouts.
func WithEngineVersion(v string) Option { return func(e *Engine) { e.version = v } }

// Engine runs discovery over one image. An Engine runs once.
type Engine struct {
	img      *binx.Image
	table    *layout.Table
	tables   *layout.Tables
	version  string
	workers  int
	mode     uefmt.Mode
	maxItems int
	reader   *disasm.Reader

	state     atomic.Uint32
	processed atomic.Int64
}

// New returns an engine for img.
func New(img *binx.Image, opts ...Option) *Engine {
	e := &Engine{img: img}
	for _, o := range opts {
		o(e)
	}
	if e.tables == nil {
		e.tables = layout.Builtin()
	}
	if e.reader == nil {
		e.reader = disasm.NewReader(img, 0)
	}
	return e
}

// State returns the current state. Safe to call while Run is in progress.
func (e *Engine) State() State { return State(e.state.Load()) }

// Processed returns how many items have been decoded so far.
func (e *Engine) Processed() int { return int(e.processed.Load()) }

func (e *Engine) options() uefmt.Options {
	return uefmt.Options{Mode: e.mode, MaxItems: e.maxItems, Workers: e.workers}
}

func (e *Engine) enter(s State) {
	e.state.Store(uint32(s))
	log.WithField("state", s).Debug("discovery state")
}

// Result is the outcome of a run. Registry is nil when early analysis fails.
type Result struct {
	Registry  *Registry        `json:"-"`
	Diags     []uefmt.Diag     `json:"diags"`
	Anchors   match.Anchors    `json:"anchors"`
	CallSites []match.CallSite `json:"call_sites"`
	Table     *layout.Table    `json:"-"`
	Version   string           `json:"version,omitempty"`
	State     State            `json:"state"`
	Partial   bool             `json:"partial"`
	Processed int              `json:"processed"`
}

// Run locates the construct helpers, seeds the worklist from their call
// sites and drains it. A missing helper fails the run without a registry.
// Cancelling ctx abandons the worklist: the partial, frozen registry is
// returned with ctx's error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.state.CompareAndSwap(uint32(StateInitial), uint32(StateEarlyAnalysis)) {
		return nil, ErrEngineUsed
	}
	log.WithField("state", StateEarlyAnalysis).Debug("discovery state")
	res := &Result{State: StateEarlyAnalysis}
	fail := func(err error) (*Result, error) {
		e.enter(StateFailed)
		res.State = StateFailed
		return res, err
	}

	table, ver, err := e.selectTable()
	if err != nil {
		return fail(err)
	}
	res.Table, res.Version = table, ver
	log.WithFields(log.Fields{
		"format":  e.img.Format,
		"version": ver,
		"table":   table.Name,
	}).Info("locating construct helpers")

	env := &match.Env{
		View:    e.img,
		Reader:  e.reader,
		Table:   table,
		ABI:     match.ABIFor(e.img.Format),
		Workers: e.workers,
	}
	anchors, err := match.FindAnchors(ctx, env)
	res.Anchors = anchors
	if err != nil {
		return fail(fmt.Errorf("discovery: early analysis: %w", err))
	}
	sites, siteDiags, err := match.EnumerateCallSites(ctx, env, anchors)
	if err != nil {
		return fail(fmt.Errorf("discovery: call sites: %w", err))
	}
	res.CallSites = sites
	log.WithFields(log.Fields{
		"helpers":    len(anchors),
		"call_sites": len(sites),
	}).Info("early analysis complete")

	r := &run{
		e:   e,
		reg: NewRegistry(),
		dec: &decoder{view: e.img, table: table, env: env, anchors: anchors},
	}
	r.wl = NewWorklist(r.reg)
	for _, d := range siteDiags {
		r.note(d)
	}
	for _, an := range anchors.Sorted() {
		r.enqueue(Item{Addr: an.Addr, Expect: ExpectFunction(layout.RoleAny, layout.Invalid)}, nil)
	}
	for _, cs := range sites {
		r.enqueue(Item{Addr: cs.Struct, Expect: ExpectStruct(cs.Kind), From: cs.Site}, nil)
		if cs.Func != 0 {
			r.enqueue(Item{Addr: cs.Func, Expect: ExpectFunction(layout.RoleZConstruct, cs.Kind), From: cs.Site}, nil)
		}
	}

	e.enter(StateDiscovering)
	res.State = StateDiscovering
	partial, err := r.drain(ctx)
	r.reg.Freeze()
	res.Registry = r.reg
	res.Diags = r.diags.Items()
	res.Processed = r.processed
	res.Partial = partial || err != nil

	st := r.reg.Stats()
	fields := log.Fields{
		"artefacts":  st.Total,
		"unparsable": st.Unparsable,
		"diags":      len(res.Diags),
		"pending":    r.wl.Len(),
	}
	switch {
	case errors.Is(err, ErrStrict):
		log.WithFields(fields).Warn("discovery stopped")
		return fail(err)
	case err != nil:
		// Cancelled: the partial registry is a valid result.
		e.enter(StateComplete)
		res.State = StateComplete
		log.WithFields(fields).WithError(err).Warn("discovery abandoned")
		return res, err
	}
	e.enter(StateComplete)
	res.State = StateComplete
	log.WithFields(fields).Info("discovery complete")
	return res, nil
}

// selectTable resolves the version hint and the layout table.
func (e *Engine) selectTable() (*layout.Table, string, error) {
	ver := e.version
	if ver == "" {
		ver = e.img.EngineVersion
	}
	if ver == "" {
		ver = binx.DetectEngineVersion(e.img)
	}
	if e.table != nil {
		return e.table, ver, nil
	}
	t, err := e.tables.SelectString(ver)
	if err != nil {
		return nil, ver, fmt.Errorf("discovery: %w", err)
	}
	return t, ver, nil
}

// run is the mutable state of one Run.
type run struct {
	e         *Engine
	reg       *Registry
	wl        *Worklist
	dec       *decoder
	diags     uefmt.Diags
	processed int
	strictErr error
}

func (r *run) note(d uefmt.Diag) {
	r.diags.Add(d.Addr, d.Kind, d.Msg)
	log.WithFields(log.Fields{
		"addr": fmt.Sprintf("0x%x", d.Addr),
		"kind": d.Kind,
	}).Debug(d.Msg)
	if r.e.mode == uefmt.ModeStrict && r.strictErr == nil {
		r.strictErr = fmt.Errorf("%w: %s", ErrStrict, d)
	}
}

// enqueue pushes it, recording a conflict against ref.
func (r *run) enqueue(it Item, ref *Ref) {
	_, err := r.wl.Push(it)
	if err == nil {
		return
	}
	if ref != nil {
		ref.Unresolved = true
		ref.Reason = err.Error()
	}
	log.WithFields(log.Fields{
		"addr": fmt.Sprintf("0x%x", it.Addr),
		"from": fmt.Sprintf("0x%x", it.From),
	}).Warn(err.Error())
	r.note(uefmt.Diag{Addr: it.Addr, Kind: uefmt.DiagKindConflict, Msg: fmt.Sprintf("%s from 0x%x: %v", it.Expect, it.From, err)})
}

// apply queues an outcome's discoveries and registers its artefact.
func (r *run) apply(it Item, o *outcome) error {
	if cur, ok := r.wl.InFlight(it.Addr); ok {
		it = cur
	}
	if f, ok := o.art.(*FunctionArtefact); ok {
		f.Hint = it.Expect
		if d, bad := hintDiag(f); bad {
			o.diags = append(o.diags, d)
		}
	}
	for _, p := range o.pushes {
		r.enqueue(p.item, p.ref)
	}
	for _, d := range o.diags {
		r.note(d)
	}
	err := r.reg.insert(o.art)
	r.wl.Done(it.Addr)
	r.processed++
	if n := r.e.processed.Add(1); n%10000 == 0 {
		log.WithFields(log.Fields{"items": n, "pending": r.wl.Len()}).Debug("discovery progress")
	}
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", it, err)
	}
	return nil
}

// drain processes the worklist until it is empty, the item cap is reached,
// ctx is cancelled or a strict run records a diagnostic. It reports whether
// items were left behind by the cap.
func (r *run) drain(ctx context.Context) (bool, error) {
	opts := r.e.options()
	limit := opts.EffectiveMaxItems()
	batch := 1
	if w := opts.EffectiveWorkers(); w > 1 {
		batch = w * batchPerWorker
	}
	for {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if r.strictErr != nil {
			return true, r.strictErr
		}
		if r.wl.Len() == 0 {
			return false, nil
		}
		if r.processed >= limit {
			r.note(uefmt.Diag{Kind: uefmt.DiagTruncated, Msg: fmt.Sprintf("item cap %d reached with %d items pending", limit, r.wl.Len())})
			return true, nil
		}

		n := batch
		if rem := limit - r.processed; n > rem {
			n = rem
		}
		items := make([]Item, 0, n)
		for len(items) < n {
			it, ok := r.wl.Pop()
			if !ok {
				break
			}
			items = append(items, it)
		}
		outs, err := r.decodeAll(ctx, items, opts.EffectiveWorkers())
		if err != nil {
			return true, err
		}
		for i, it := range items {
			if err := r.apply(it, outs[i]); err != nil {
				return true, err
			}
			if r.strictErr != nil {
				return true, r.strictErr
			}
		}
	}
}

// decodeAll decodes items, concurrently when workers > 1. Outcomes are
// returned in item order.
func (r *run) decodeAll(ctx context.Context, items []Item, workers int) ([]*outcome, error) {
	outs := make([]*outcome, len(items))
	if workers <= 1 || len(items) == 1 {
		for i, it := range items {
			outs[i] = r.dec.decode(it)
		}
		return outs, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outs[i] = r.dec.decode(it)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outs, nil
}
