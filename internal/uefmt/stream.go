package uefmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	ErrStringTooLong = errors.New("stream: string exceeds limit")
	ErrBadString     = errors.New("stream: invalid string data")
)

// Memory is the byte source a Stream reads from.
type Memory interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
}

// Encoding is the code unit encoding of a NUL-terminated string.
type Encoding uint8

const (
	UTF8 Encoding = iota + 1
	UTF16
)

func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf8"
	case UTF16:
		return "utf16"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e Encoding) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// Unit returns the code unit size in bytes.
func (e Encoding) Unit() int {
	if e == UTF16 {
		return 2
	}
	return 1
}

// DefaultStringLimit is the maximum string length in code units.
const DefaultStringLimit = 1024

// RuneCheck decides whether a decoded rune is acceptable in a string.
type RuneCheck func(r rune) bool

// Printable accepts any printable rune.
func Printable(r rune) bool { return unicode.IsPrint(r) }

// NameRune accepts the characters that appear in reflected identifiers and paths.
func NameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '_', '.', '=', '-', '+', '*', '(', ')', '/', '\\', ':', ',', ';', '#', ' ':
		return true
	}
	return false
}

// Stream reads little-endian values sequentially from a Memory.
type Stream struct {
	mem   Memory
	start uint64
	addr  uint64
}

// NewStream creates a stream positioned at addr.
func NewStream(mem Memory, addr uint64) *Stream {
	return &Stream{mem: mem, start: addr, addr: addr}
}

// Addr returns the current read address.
func (s *Stream) Addr() uint64 { return s.addr }

// Start returns the address the stream was created at.
func (s *Stream) Start() uint64 { return s.start }

// SetAddr moves the read position.
func (s *Stream) SetAddr(addr uint64) { s.addr = addr }

// Skip advances the read position by n bytes.
func (s *Stream) Skip(n int) { s.addr += uint64(n) }

// Align advances the read position to the next multiple of n.
func (s *Stream) Align(n int) {
	if n <= 1 {
		return
	}
	if r := s.addr % uint64(n); r != 0 {
		s.addr += uint64(n) - r
	}
}

// ReadBytes reads n bytes into a new slice.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	b, err := s.mem.ReadBytes(s.addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	s.addr += uint64(n)
	return out, nil
}

func (s *Stream) read(n int) ([]byte, error) {
	b, err := s.mem.ReadBytes(s.addr, n)
	if err != nil {
		return nil, err
	}
	s.addr += uint64(n)
	return b, nil
}

// ReadUint8 reads a uint8.
func (s *Stream) ReadUint8() (uint8, error) {
	b, err := s.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	b, err := s.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	b, err := s.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian uint64.
func (s *Stream) ReadUint64() (uint64, error) {
	b, err := s.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt32 reads a little-endian int32.
func (s *Stream) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a little-endian int64.
func (s *Stream) ReadInt64() (int64, error) {
	v, err := s.ReadUint64()
	return int64(v), err
}

// ReadPtrArray reads n consecutive 64-bit pointers.
func (s *Stream) ReadPtrArray(n int) ([]uint64, error) {
	if n < 0 {
		return nil, fmt.Errorf("stream: negative array length %d", n)
	}
	b, err := s.read(n * 8)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out, nil
}

// ReadUTF8Z reads a NUL-terminated UTF-8 string of at most limit bytes.
func (s *Stream) ReadUTF8Z(limit int, check RuneCheck) (string, error) {
	return s.ReadStringZ(UTF8, limit, check)
}

// ReadUTF16Z reads a NUL-terminated UTF-16LE string of at most limit code units.
func (s *Stream) ReadUTF16Z(limit int, check RuneCheck) (string, error) {
	return s.ReadStringZ(UTF16, limit, check)
}

// ReadStringZ reads a NUL-terminated string in the given encoding. The
// terminator is consumed. A nil check accepts any printable rune.
func (s *Stream) ReadStringZ(enc Encoding, limit int, check RuneCheck) (string, error) {
	if limit <= 0 {
		limit = DefaultStringLimit
	}
	if check == nil {
		check = Printable
	}
	start := s.addr
	unit := enc.Unit()

	var (
		raw   []byte
		units []uint16
	)
	for n := 0; ; n++ {
		if n > limit {
			s.addr = start
			return "", fmt.Errorf("%w at 0x%x", ErrStringTooLong, start)
		}
		b, err := s.read(unit)
		if err != nil {
			s.addr = start
			return "", err
		}
		if enc == UTF16 {
			u := binary.LittleEndian.Uint16(b)
			if u == 0 {
				break
			}
			units = append(units, u)
		} else {
			if b[0] == 0 {
				break
			}
			raw = append(raw, b[0])
		}
	}

	var text string
	if enc == UTF16 {
		runes := utf16.Decode(units)
		for _, r := range runes {
			if r == utf8.RuneError {
				s.addr = start
				return "", fmt.Errorf("%w: bad surrogate at 0x%x", ErrBadString, start)
			}
		}
		text = string(runes)
	} else {
		if !utf8.Valid(raw) {
			s.addr = start
			return "", fmt.Errorf("%w: invalid utf-8 at 0x%x", ErrBadString, start)
		}
		text = string(raw)
	}
	for _, r := range text {
		if !check(r) {
			s.addr = start
			return "", fmt.Errorf("%w: rune %q at 0x%x", ErrBadString, r, start)
		}
	}
	return text, nil
}
