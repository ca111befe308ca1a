package discovery

import "fmt"

// Item is a pending decode: an address, what it should hold and the address
// that referenced it (0 for seeds).
type Item struct {
	Addr   uint64
	Expect Expect
	From   uint64
}

func (it Item) String() string {
	return fmt.Sprintf("%s @ 0x%x", it.Expect, it.Addr)
}

// Worklist is a FIFO of items deduplicated by address against pending items,
// items being decoded and the registry.
type Worklist struct {
	reg      *Registry
	queue    []uint64
	pending  map[uint64]*Item
	inflight map[uint64]*Item
}

// NewWorklist returns an empty worklist consulting reg.
func NewWorklist(reg *Registry) *Worklist {
	return &Worklist{
		reg:      reg,
		pending:  make(map[uint64]*Item),
		inflight: make(map[uint64]*Item),
	}
}

// Push queues it unless the address is null, already registered or already
// pending. A pending function item is upgraded in place when it carries a
// more specific hint. Push reports whether a new item was queued; a
// *ConflictError is returned when the address is known as another kind.
func (w *Worklist) Push(it Item) (bool, error) {
	if it.Addr == 0 || it.Addr == ^uint64(0) {
		return false, nil
	}
	if have, ok := w.reg.keyAt(it.Addr); ok {
		if have != it.Expect.Key() {
			return false, &ConflictError{Addr: it.Addr, Have: have, Want: it.Expect.Key()}
		}
		return false, nil
	}
	for _, set := range []map[uint64]*Item{w.inflight, w.pending} {
		p, ok := set[it.Addr]
		if !ok {
			continue
		}
		switch it.Expect.compare(p.Expect) {
		case cmpConflict:
			if p.Expect.Key() != it.Expect.Key() {
				return false, &ConflictError{Addr: it.Addr, Have: p.Expect.Key(), Want: it.Expect.Key()}
			}
			return false, fmt.Errorf("%w at 0x%x: hint %s disagrees with %s", ErrKindConflict, it.Addr, it.Expect, p.Expect)
		case cmpReplace:
			p.Expect = it.Expect
		}
		return false, nil
	}
	item := it
	w.pending[it.Addr] = &item
	w.queue = append(w.queue, it.Addr)
	return true, nil
}

// Pop removes the oldest item and marks it in flight until Done.
func (w *Worklist) Pop() (Item, bool) {
	for len(w.queue) > 0 {
		addr := w.queue[0]
		w.queue = w.queue[1:]
		p, ok := w.pending[addr]
		if !ok {
			continue
		}
		delete(w.pending, addr)
		w.inflight[addr] = p
		return *p, true
	}
	return Item{}, false
}

// InFlight returns the current expectation of a popped item, which later
// pushes may have refined.
func (w *Worklist) InFlight(addr uint64) (Item, bool) {
	p, ok := w.inflight[addr]
	if !ok {
		return Item{}, false
	}
	return *p, true
}

// Done releases a popped item once its artefact is registered.
func (w *Worklist) Done(addr uint64) { delete(w.inflight, addr) }

// Len returns the number of queued items.
func (w *Worklist) Len() int { return len(w.pending) }

// Pending returns the queued item at addr.
func (w *Worklist) Pending(addr uint64) (Item, bool) {
	p, ok := w.pending[addr]
	if !ok {
		return Item{}, false
	}
	return *p, true
}
