package discovery

import (
	"errors"
	"fmt"

	"unreflect/internal/binx"
	"unreflect/internal/disasm"
	"unreflect/internal/layout"
	"unreflect/internal/match"
	"unreflect/internal/uefmt"
)

// push is a discovery produced by a decode. ref is the field slot that
// records it, marked unresolved if the push is refused.
type push struct {
	item Item
	ref  *Ref
}

// outcome is everything one decode produced. Decoding is pure: outcomes are
// applied to the worklist and registry by the engine.
type outcome struct {
	art    Artefact
	pushes []push
	diags  []uefmt.Diag
}

func (o *outcome) diag(addr uint64, kind uefmt.DiagKind, format string, args ...any) {
	o.diags = append(o.diags, uefmt.Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// diagKind maps a decode error to its diagnostic kind.
func diagKind(err error) uefmt.DiagKind {
	switch {
	case errors.Is(err, binx.ErrOutOfBounds):
		return uefmt.DiagOutOfBounds
	case errors.Is(err, uefmt.ErrStringTooLong):
		return uefmt.DiagTruncated
	case errors.Is(err, uefmt.ErrBadString), errors.Is(err, layout.ErrUnknownVariant):
		return uefmt.DiagInvalid
	case errors.Is(err, disasm.ErrNotCachedCall), errors.Is(err, disasm.ErrNoPrologue):
		return uefmt.DiagUnparsable
	}
	return uefmt.DiagDecodeError
}

// target is a reference found while decoding, before it becomes a Ref.
type target struct {
	addr   uint64
	expect Expect
	reason string // set when the target cannot be followed
}

// decoder turns worklist items into artefacts.
type decoder struct {
	view    binx.View
	table   *layout.Table
	env     *match.Env
	anchors match.Anchors
}

func (d *decoder) decode(it Item) *outcome {
	switch it.Expect.Category {
	case CatString:
		return d.decodeString(it)
	case CatStruct:
		return d.decodeStruct(it)
	case CatFunction:
		return d.decodeFunction(it)
	}
	o := &outcome{art: &StringArtefact{Start: it.Addr, Stop: it.Addr, Err: "no expected kind"}}
	o.diag(it.Addr, uefmt.DiagUnhandledKind, "item with %s", it.Expect)
	return o
}

// refs turns targets into refs, queueing every followable one.
func (d *decoder) refs(o *outcome, from uint64, ts []target) []Ref {
	if len(ts) == 0 {
		return nil
	}
	out := make([]Ref, len(ts))
	for i, t := range ts {
		out[i] = Ref{Addr: t.addr, Target: t.expect}
		switch {
		case t.reason != "":
			out[i].Unresolved, out[i].Reason = true, t.reason
		case !d.view.Contains(t.addr):
			out[i].Unresolved, out[i].Reason = true, "outside image"
		default:
			o.pushes = append(o.pushes, push{item: Item{Addr: t.addr, Expect: t.expect, From: from}, ref: &out[i]})
		}
	}
	return out
}

func (d *decoder) decodeString(it Item) *outcome {
	enc := it.Expect.Encoding
	if enc == 0 {
		enc = uefmt.UTF8
	}
	a := &StringArtefact{Start: it.Addr, Stop: it.Addr, Encoding: enc}
	o := &outcome{art: a}
	s := uefmt.NewStream(d.view, it.Addr)
	text, err := s.ReadStringZ(enc, uefmt.DefaultStringLimit, nil)
	if err != nil {
		a.Err = err.Error()
		o.diag(it.Addr, diagKind(err), "%s: %v", it.Expect, err)
		return o
	}
	raw, err := d.view.ReadBytes(it.Addr, int(s.Addr()-it.Addr))
	if err != nil {
		a.Err = err.Error()
		o.diag(it.Addr, diagKind(err), "%s: %v", it.Expect, err)
		return o
	}
	a.Stop = s.Addr()
	a.Text = text
	a.Raw = append([]byte(nil), raw...)
	return o
}

func (d *decoder) decodeStruct(it Item) *outcome {
	k := it.Expect.Struct
	a := &StructArtefact{Start: it.Addr, Stop: it.Addr, Kind: k}
	o := &outcome{art: a}
	l, ok := d.table.Layout(k)
	if !ok {
		a.Err = fmt.Sprintf("no %s layout in table %s", k.StructName(), d.table.Name)
		o.diag(it.Addr, uefmt.DiagUnhandledKind, "%s", a.Err)
		return o
	}
	dec, err := layout.Decode(d.view, it.Addr, l)
	if err != nil {
		a.Err = err.Error()
		o.diag(it.Addr, diagKind(err), "%v", err)
		return o
	}
	a.Stop = it.Addr + uint64(dec.Size)
	a.Variant = dec.Variant
	a.Raw = dec.Raw
	a.Fields = make([]FieldValue, len(dec.Values))

	for i, v := range dec.Values {
		f := v.Field
		fv := &a.Fields[i]
		*fv = FieldValue{Name: f.Name, Type: f.Type, Value: v.Raw, Int: v.Int(), Enum: f.Enum}
		var one *target
		switch f.Type {
		case layout.FieldString:
			one = &target{addr: v.Raw, expect: ExpectString(f.Encoding)}
		case layout.FieldStruct:
			one = &target{addr: v.Raw, expect: ExpectStruct(f.Target)}
		case layout.FieldFunction:
			one = &target{addr: v.Raw, expect: ExpectFunction(f.Role, f.Helper)}
		case layout.FieldStructArray, layout.FieldPointerArray, layout.FieldFunctionArray:
			fv.Refs = d.refs(o, it.Addr, d.arrayTargets(o, dec, f))
		}
		if one != nil && one.addr != 0 {
			fv.Ref = &d.refs(o, it.Addr, []target{*one})[0]
		}
	}
	return o
}

// arrayTargets lists the elements of an array field.
func (d *decoder) arrayTargets(o *outcome, dec *layout.Decoded, f *layout.Field) []target {
	p := dec.Uint(f.Name)
	n := dec.Int(f.Count)
	if p == 0 {
		if n > 0 {
			o.diag(dec.Addr, uefmt.DiagInvalid, "%s.%s: %d entries at null", dec.Layout.Kind.StructName(), f.Name, n)
		}
		return nil
	}
	expect := ExpectStruct(f.Target)
	if f.Type == layout.FieldFunctionArray {
		expect = ExpectFunction(f.Role, f.Helper)
	}
	if n < 0 || n > match.MaxEntries {
		o.diag(dec.Addr, uefmt.DiagInvalid, "%s.%s: count %d out of range", dec.Layout.Kind.StructName(), f.Name, n)
		return []target{{addr: p, expect: expect, reason: fmt.Sprintf("count %d out of range", n)}}
	}

	out := make([]target, 0, n)
	switch f.Type {
	case layout.FieldStructArray:
		el, ok := d.table.Layout(f.Target)
		if !ok {
			o.diag(p, uefmt.DiagUnhandledKind, "no %s layout in table %s", f.Target.StructName(), d.table.Name)
			return []target{{addr: p, expect: expect, reason: "no layout"}}
		}
		for i := int64(0); i < n; i++ {
			out = append(out, target{addr: p + uint64(i)*uint64(el.Size), expect: expect})
		}
	default:
		ptrs, err := uefmt.NewStream(d.view, p).ReadPtrArray(int(n))
		if err != nil {
			o.diag(p, diagKind(err), "%s.%s: %v", dec.Layout.Kind.StructName(), f.Name, err)
			return []target{{addr: p, expect: expect, reason: err.Error()}}
		}
		for _, ptr := range ptrs {
			t := target{addr: ptr, expect: expect}
			if ptr == 0 {
				t.reason = "null entry"
			}
			out = append(out, t)
		}
	}
	return out
}

func (d *decoder) decodeFunction(it Item) *outcome {
	c := match.Classify(d.env, it.Addr, d.anchors)
	a := &FunctionArtefact{
		Start:    it.Addr,
		Stop:     d.functionEnd(it.Addr, c),
		Class:    c.Class,
		Helper:   c.Helper,
		Hint:     it.Expect,
		Call:     c.Call,
		Static:   c.Static,
		Params:   c.Params,
		Redirect: c.Redirect,
	}
	if len(c.Trampolines) > 0 {
		a.Target = c.Addr
		a.Trampolines = c.Trampolines
	}
	o := &outcome{art: a}
	if c.Class == match.Unparsable {
		if c.Err != nil {
			a.Err = c.Err.Error()
		} else {
			a.Err = "unrecognised function shape"
		}
		o.diag(it.Addr, diagKind(c.Err), "function: %s", a.Err)
		return o
	}
	if c.Call != nil {
		a.Calls = []uint64{c.Call.Func}
	}

	var ts []target
	switch c.Class {
	case match.ZConstructGenerator:
		if c.Params != 0 {
			ts = append(ts, target{addr: c.Params, expect: ExpectStruct(c.Helper)})
		}
		if c.Redirect != 0 && c.Redirect != c.Addr {
			ts = append(ts, target{addr: c.Redirect, expect: ExpectFunction(layout.RoleZConstruct, c.Helper)})
		}
	case match.StaticClassAccessor:
		st := c.Static
		for _, p := range []uint64{st.PackageName, st.Name, st.ConfigName} {
			if p != 0 {
				ts = append(ts, target{addr: p, expect: ExpectString(uefmt.UTF16)})
			}
		}
		for _, p := range []uint64{st.Super, st.Within} {
			if p != 0 {
				ts = append(ts, target{addr: p, expect: ExpectFunction(layout.RoleStaticClass, layout.Invalid)})
			}
		}
	}
	a.Refs = d.refs(o, it.Addr, ts)
	return o
}

// functionEnd is the end of the code parsed at addr itself: the trampoline
// jump, the redirecting call or the cached call body.
func (d *decoder) functionEnd(addr uint64, c *match.Classification) uint64 {
	instEnd := func(at uint64) uint64 {
		in, err := d.env.Reader.At(at)
		if err != nil {
			return addr
		}
		return in.End()
	}
	switch {
	case len(c.Trampolines) > 0:
		return instEnd(addr)
	case c.Call != nil && len(c.Call.Redirects) > 0:
		return instEnd(c.Call.Redirects[0])
	case c.Call != nil:
		return c.Call.End
	}
	return addr
}

// hintDiag reports a function whose shape contradicts the hint it was
// queued with.
func hintDiag(a *FunctionArtefact) (uefmt.Diag, bool) {
	h := a.Hint
	msg := ""
	switch {
	case a.Err != "":
	case h.Role == layout.RoleZConstruct && a.Class == match.StaticClassAccessor:
		msg = "expected a generator, found a StaticClass accessor"
	case h.Role == layout.RoleZConstruct && a.Class == match.ZConstructGenerator &&
		h.Helper != layout.Invalid && a.Helper != layout.Invalid && h.Helper != a.Helper:
		msg = fmt.Sprintf("expected a %s generator, calls the %s helper", h.Helper, a.Helper)
	case h.Role == layout.RoleStaticClass && a.Class != match.StaticClassAccessor:
		msg = fmt.Sprintf("expected a StaticClass accessor, found %s", a.Class)
	}
	if msg == "" {
		return uefmt.Diag{}, false
	}
	return uefmt.Diag{Addr: a.Start, Kind: uefmt.DiagInvalid, Msg: msg}, true
}
