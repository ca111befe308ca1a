package disasm

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteMatch matches one byte under a mask.
type ByteMatch struct {
	Mask  byte
	Value byte
}

// Matches reports whether b matches.
func (m ByteMatch) Matches(b byte) bool { return b&m.Mask == m.Value }

// Pattern is a sequence of masked byte matches.
type Pattern []ByteMatch

// CompilePattern parses a space separated pattern. Each token is a hex byte
// ("48"), a wildcard ("?" or "??") or a bit pattern in brackets where "."
// matches either bit ("[01001...]").
func CompilePattern(s string) (Pattern, error) {
	var p Pattern
	for _, tok := range strings.Fields(s) {
		switch {
		case tok == "?" || tok == "??":
			p = append(p, ByteMatch{})
		case strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]"):
			bits := tok[1 : len(tok)-1]
			if len(bits) != 8 {
				return nil, fmt.Errorf("disasm: pattern bit group %q must have 8 bits", tok)
			}
			var m ByteMatch
			for i, c := range bits {
				shift := 7 - i
				switch c {
				case '0':
					m.Mask |= 1 << shift
				case '1':
					m.Mask |= 1 << shift
					m.Value |= 1 << shift
				case '.':
				default:
					return nil, fmt.Errorf("disasm: bad bit %q in pattern %q", c, tok)
				}
			}
			p = append(p, m)
		default:
			v, err := strconv.ParseUint(tok, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("disasm: bad pattern byte %q: %w", tok, err)
			}
			p = append(p, ByteMatch{Mask: 0xff, Value: byte(v)})
		}
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("disasm: empty pattern")
	}
	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
func MustCompilePattern(s string) Pattern {
	p, err := CompilePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Search returns the offsets in data where the pattern matches.
func (p Pattern) Search(data []byte) []int {
	var out []int
	for off := 0; off+len(p) <= len(data); off++ {
		if p.MatchAt(data, off) {
			out = append(out, off)
		}
	}
	return out
}

// MatchAt reports whether the pattern matches data at off.
func (p Pattern) MatchAt(data []byte, off int) bool {
	if off < 0 || off+len(p) > len(data) {
		return false
	}
	for i, m := range p {
		if !m.Matches(data[off+i]) {
			return false
		}
	}
	return true
}
