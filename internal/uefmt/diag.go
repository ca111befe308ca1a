// Package uefmt provides shared reading primitives and diagnostics for
// engine reflection data.
package uefmt

import "fmt"

// DiagKind classifies a diagnostic message.
type DiagKind string

const (
	DiagOutOfBounds   DiagKind = "out_of_bounds"
	DiagDecodeError   DiagKind = "decode_error"
	DiagKindConflict  DiagKind = "kind_conflict"
	DiagUnparsable    DiagKind = "unparsable"
	DiagUnhandledKind DiagKind = "unhandled_kind"
	DiagTruncated     DiagKind = "truncated"
	DiagInvalid       DiagKind = "invalid"
)

// Diag records a non-fatal issue encountered during discovery.
type Diag struct {
	Addr uint64   `json:"addr"`
	Kind DiagKind `json:"kind"`
	Msg  string   `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics. Not safe for concurrent use.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(addr uint64, kind DiagKind, msg string) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(addr uint64, kind DiagKind, format string, args ...any) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Count returns the number of diagnostics of the given kind.
func (d *Diags) Count(kind DiagKind) int {
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

// Mode controls error handling behavior.
type Mode int

const (
	ModeBestEffort Mode = iota // record per-item failures and keep going
	ModeStrict                 // first per-item failure aborts the run
)

// Options controls discovery behavior across packages.
type Options struct {
	Mode     Mode
	MaxItems int // worklist item cap; 0 = use default
	Workers  int // parallel decoders; 0 or 1 = sequential
}

// DefaultMaxItems is the global default worklist cap.
const DefaultMaxItems = 10_000_000

func (o Options) EffectiveMaxItems() int {
	if o.MaxItems > 0 {
		return o.MaxItems
	}
	return DefaultMaxItems
}

func (o Options) EffectiveWorkers() int {
	if o.Workers > 1 {
		return o.Workers
	}
	return 1
}
