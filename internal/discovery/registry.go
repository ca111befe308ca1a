package discovery

import (
	"errors"
	"fmt"
	"sync"

	"unreflect/internal/layout"
	"unreflect/internal/match"
)

var (
	// ErrFrozen is returned by inserts after the registry was frozen.
	ErrFrozen = errors.New("discovery: registry is frozen")
	// ErrClaimed is returned when an address already holds an artefact of
	// the same kind.
	ErrClaimed = errors.New("discovery: address already claimed")
	// ErrKindConflict is matched by *ConflictError.
	ErrKindConflict = errors.New("discovery: kind conflict")
)

// ConflictError reports an address expected as two different kinds.
type ConflictError struct {
	Addr uint64
	Have Key
	Want Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v at 0x%x: have %s, want %s", ErrKindConflict, e.Addr, e.Have, e.Want)
}

func (e *ConflictError) Is(target error) bool { return target == ErrKindConflict }

// Registry is the append-only store of artefacts, indexed by address and by
// kind. The engine owns it during a run; once frozen it is read-only and
// safe for concurrent readers.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[uint64]Artefact
	order  []Artefact
	byKey  map[Key][]Artefact
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddr: make(map[uint64]Artefact),
		byKey:  make(map[Key][]Artefact),
	}
}

// insert adds a at its address.
func (r *Registry) insert(a Artefact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if have, ok := r.byAddr[a.Addr()]; ok {
		if have.Key() == a.Key() {
			return fmt.Errorf("%w: 0x%x", ErrClaimed, a.Addr())
		}
		return &ConflictError{Addr: a.Addr(), Have: have.Key(), Want: a.Key()}
	}
	r.byAddr[a.Addr()] = a
	r.order = append(r.order, a)
	r.byKey[a.Key()] = append(r.byKey[a.Key()], a)
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get returns the artefact at addr.
func (r *Registry) Get(addr uint64) (Artefact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byAddr[addr]
	return a, ok
}

// keyAt returns the kind of the artefact at addr.
func (r *Registry) keyAt(addr uint64) (Key, bool) {
	a, ok := r.Get(addr)
	if !ok {
		return Key{}, false
	}
	return a.Key(), true
}

// Len returns the number of artefacts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All returns every artefact in insertion order.
func (r *Registry) All() []Artefact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Artefact(nil), r.order...)
}

// ByKind returns the artefacts of kind k in insertion order.
func (r *Registry) ByKind(k Key) []Artefact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Artefact(nil), r.byKey[k]...)
}

// Structs returns the struct artefacts of kind k in insertion order.
func (r *Registry) Structs(k layout.Kind) []*StructArtefact {
	list := r.ByKind(StructKey(k))
	out := make([]*StructArtefact, len(list))
	for i, a := range list {
		out[i] = a.(*StructArtefact)
	}
	return out
}

// Strings returns the string artefacts in insertion order.
func (r *Registry) Strings() []*StringArtefact {
	list := r.ByKind(KeyString)
	out := make([]*StringArtefact, len(list))
	for i, a := range list {
		out[i] = a.(*StringArtefact)
	}
	return out
}

// Functions returns the function artefacts in insertion order.
func (r *Registry) Functions() []*FunctionArtefact {
	list := r.ByKind(KeyFunction)
	out := make([]*FunctionArtefact, len(list))
	for i, a := range list {
		out[i] = a.(*FunctionArtefact)
	}
	return out
}

// ResolveString returns the text of the string decoded at addr.
func (r *Registry) ResolveString(addr uint64) (string, bool) {
	a, ok := r.Get(addr)
	if !ok {
		return "", false
	}
	s, ok := a.(*StringArtefact)
	if !ok || s.Err != "" {
		return "", false
	}
	return s.Text, true
}

// Function returns the function artefact at addr.
func (r *Registry) Function(addr uint64) (*FunctionArtefact, bool) {
	a, ok := r.Get(addr)
	if !ok {
		return nil, false
	}
	f, ok := a.(*FunctionArtefact)
	return f, ok
}

// Struct returns the struct artefact at addr.
func (r *Registry) Struct(addr uint64) (*StructArtefact, bool) {
	a, ok := r.Get(addr)
	if !ok {
		return nil, false
	}
	s, ok := a.(*StructArtefact)
	return s, ok
}

// Stats counts artefacts by kind and function class.
type Stats struct {
	Total      int            `json:"total"`
	Strings    int            `json:"strings"`
	Structs    map[string]int `json:"structs"`
	Functions  map[string]int `json:"functions"`
	Unparsable int            `json:"unparsable"`
}

// Stats returns the current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		Total:     len(r.order),
		Structs:   make(map[string]int),
		Functions: make(map[string]int),
	}
	for _, a := range r.order {
		if Unparsable(a) {
			st.Unparsable++
		}
		switch a := a.(type) {
		case *StringArtefact:
			st.Strings++
		case *StructArtefact:
			st.Structs[a.Kind.StructName()]++
		case *FunctionArtefact:
			class := a.Class
			if a.Err != "" {
				class = match.Unparsable
			}
			st.Functions[class.String()]++
		}
	}
	return st
}
