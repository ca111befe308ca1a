package discovery

import (
	"unreflect/internal/disasm"
	"unreflect/internal/layout"
	"unreflect/internal/match"
	"unreflect/internal/uefmt"
)

// Artefact is a decoded unit of reflection data. The variants are
// *StringArtefact, *StructArtefact and *FunctionArtefact; consumers switch
// on the concrete type.
type Artefact interface {
	Addr() uint64
	End() uint64
	Key() Key
	// Failure is why the decode failed, "" for a parsed artefact.
	Failure() string
	artefact()
}

// StringArtefact is a NUL-terminated string. Raw holds the bytes of
// [Start, Stop) including the terminator.
type StringArtefact struct {
	Start    uint64         `json:"start"`
	Stop     uint64         `json:"stop"`
	Encoding uefmt.Encoding `json:"encoding"`
	Text     string         `json:"text"`
	Raw      []byte         `json:"-"`
	Err      string         `json:"failure,omitempty"`
}

func (a *StringArtefact) Addr() uint64    { return a.Start }
func (a *StringArtefact) End() uint64     { return a.Stop }
func (a *StringArtefact) Key() Key        { return KeyString }
func (a *StringArtefact) Failure() string { return a.Err }
func (*StringArtefact) artefact()         {}

// Ref is a pointer field's target. Unresolved refs were not followed and
// Reason says why.
type Ref struct {
	Addr       uint64 `json:"addr"`
	Target     Expect `json:"target"`
	Unresolved bool   `json:"unresolved,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// FieldValue is one decoded struct field. Pointer fields carry Ref, arrays
// carry Refs with one entry per element.
type FieldValue struct {
	Name  string           `json:"name"`
	Type  layout.FieldType `json:"type"`
	Value uint64           `json:"value"`
	Int   int64            `json:"-"` // Value sign-extended per the field width
	Enum  string           `json:"enum,omitempty"`
	Ref   *Ref             `json:"ref,omitempty"`
	Refs  []Ref            `json:"refs,omitempty"`
}

// StructArtefact is a decoded params struct.
type StructArtefact struct {
	Start   uint64       `json:"start"`
	Stop    uint64       `json:"stop"`
	Kind    layout.Kind  `json:"kind"`
	Variant uint64       `json:"variant,omitempty"` // discriminator of variant layouts
	Raw     []byte       `json:"-"`
	Fields  []FieldValue `json:"fields,omitempty"`
	Err     string       `json:"failure,omitempty"`
}

func (a *StructArtefact) Addr() uint64    { return a.Start }
func (a *StructArtefact) End() uint64     { return a.Stop }
func (a *StructArtefact) Key() Key        { return StructKey(a.Kind) }
func (a *StructArtefact) Failure() string { return a.Err }
func (*StructArtefact) artefact()         {}

// Field returns the named field.
func (a *StructArtefact) Field(name string) (*FieldValue, bool) {
	for i := range a.Fields {
		if a.Fields[i].Name == name {
			return &a.Fields[i], true
		}
	}
	return nil, false
}

// Uint returns the raw value of the named field, or 0.
func (a *StructArtefact) Uint(name string) uint64 {
	if f, ok := a.Field(name); ok {
		return f.Value
	}
	return 0
}

// FunctionArtefact is a classified function. Addresses it leads to are in
// Refs; Calls lists the functions it calls.
type FunctionArtefact struct {
	Start       uint64                   `json:"start"`
	Stop        uint64                   `json:"stop"`
	Class       match.FuncClass          `json:"class"`
	Helper      layout.Kind              `json:"helper,omitempty"`
	Hint        Expect                   `json:"hint"`
	Target      uint64                   `json:"target,omitempty"` // entry after trampolines
	Trampolines []uint64                 `json:"trampolines,omitempty"`
	Call        *disasm.CachedCall       `json:"call,omitempty"`
	Static      *match.StaticClassParams `json:"static,omitempty"`
	Params      uint64                   `json:"params,omitempty"`
	Redirect    uint64                   `json:"redirect,omitempty"`
	Refs        []Ref                    `json:"refs,omitempty"`
	Calls       []uint64                 `json:"calls,omitempty"`
	Err         string                   `json:"failure,omitempty"`
}

func (a *FunctionArtefact) Addr() uint64    { return a.Start }
func (a *FunctionArtefact) End() uint64     { return a.Stop }
func (a *FunctionArtefact) Key() Key        { return KeyFunction }
func (a *FunctionArtefact) Failure() string { return a.Err }
func (*FunctionArtefact) artefact()         {}

// Unparsable reports whether an artefact failed to decode or is an
// unparsable function.
func Unparsable(a Artefact) bool {
	if a.Failure() != "" {
		return true
	}
	if f, ok := a.(*FunctionArtefact); ok {
		return f.Class == match.Unparsable
	}
	return false
}

// RefsOf returns every reference held by an artefact, in field order.
func RefsOf(a Artefact) []Ref {
	switch a := a.(type) {
	case *StringArtefact:
		return nil
	case *StructArtefact:
		var out []Ref
		for _, f := range a.Fields {
			if f.Ref != nil {
				out = append(out, *f.Ref)
			}
			out = append(out, f.Refs...)
		}
		return out
	case *FunctionArtefact:
		return a.Refs
	}
	return nil
}
