package disasm

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is the address space the Reader decodes from.
type Memory interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
}

// DefaultCacheSize is the number of decoded instructions kept by a Reader.
const DefaultCacheSize = 1 << 16

// Reader decodes instructions from a Memory one address at a time.
// Decoded instructions are cached; a Reader is safe for concurrent use.
type Reader struct {
	mem   Memory
	cache *lru.Cache[uint64, Inst]
}

// NewReader creates a Reader with the given cache size (0 = default).
func NewReader(mem Memory, cacheSize int) *Reader {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New[uint64, Inst](cacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Reader{mem: mem, cache: c}
}

// Memory returns the underlying address space.
func (r *Reader) Memory() Memory { return r.mem }

// At decodes the instruction at addr.
func (r *Reader) At(addr uint64) (Inst, error) {
	if in, ok := r.cache.Get(addr); ok {
		return in, nil
	}
	code, err := r.fetch(addr)
	if err != nil {
		return Inst{}, err
	}
	in, err := Decode(code, addr)
	if err != nil {
		return Inst{}, err
	}
	r.cache.Add(addr, in)
	return in, nil
}

// fetch reads up to MaxInstLen bytes, shrinking the read near the end of a section.
func (r *Reader) fetch(addr uint64) ([]byte, error) {
	var firstErr error
	for n := MaxInstLen; n > 0; n-- {
		b, err := r.mem.ReadBytes(addr, n)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// Walk decodes up to max sequential instructions starting at addr. It stops
// after a ret or unconditional jmp. On error the instructions decoded so far
// are returned with the error.
func (r *Reader) Walk(addr uint64, max int) ([]Inst, error) {
	var out []Inst
	for len(out) < max {
		in, err := r.At(addr)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		if in.Class == ClassRet || in.Class == ClassJmp {
			break
		}
		addr = in.End()
	}
	return out, nil
}

// Seq decodes exactly n sequential instructions starting at addr.
func (r *Reader) Seq(addr uint64, n int) ([]Inst, error) {
	out := make([]Inst, 0, n)
	for len(out) < n {
		in, err := r.At(addr)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		addr = in.End()
	}
	return out, nil
}

// DecodeBefore recovers the instruction sequence that ends exactly at site,
// starting no more than maxBytes before it. x86 has no fixed alignment, so
// every start offset is tried and the longest sequence landing on site wins.
func (r *Reader) DecodeBefore(site uint64, maxBytes int) []Inst {
	var best []Inst
	for back := maxBytes; back > 0; back-- {
		if uint64(back) > site {
			continue
		}
		start := site - uint64(back)
		var seq []Inst
		addr := start
		for addr < site {
			in, err := r.At(addr)
			if err != nil {
				break
			}
			seq = append(seq, in)
			addr = in.End()
		}
		if addr == site && len(seq) > len(best) {
			best = seq
		}
	}
	return best
}

// FollowJumps follows a chain of direct jmp trampolines starting at addr.
// It returns the final non-jump address and the address of each jump taken.
func FollowJumps(r *Reader, addr uint64, max int) (uint64, []uint64, error) {
	var hops []uint64
	seen := make(map[uint64]bool)
	for len(hops) < max {
		in, err := r.At(addr)
		if err != nil {
			return addr, hops, err
		}
		if in.Class != ClassJmp || in.Indirect || !in.HasTarget {
			return addr, hops, nil
		}
		if seen[in.Target] {
			return addr, hops, fmt.Errorf("disasm: jump loop at 0x%x", addr)
		}
		seen[addr] = true
		hops = append(hops, addr)
		addr = in.Target
	}
	return addr, hops, fmt.Errorf("disasm: trampoline chain at 0x%x exceeds %d hops", addr, max)
}
