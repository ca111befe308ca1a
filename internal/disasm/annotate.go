package disasm

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"golang.org/x/arch/x86/x86asm"

	"unreflect/internal/uefmt"
)

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation.
type Annotator func(inst Inst) string

// minAnnotatedString is the shortest string a StringAnnotator reports.
const minAnnotatedString = 2

// StringAnnotator annotates lea reg, [rip+disp] whose target holds a
// NUL-terminated name or path string. UTF-16 is tried first since engine TEXT()
// literals are wide.
func StringAnnotator(mem Memory, limit int) Annotator {
	if limit <= 0 {
		limit = 64
	}
	return func(inst Inst) string {
		if inst.Class != ClassLea || !inst.HasTarget {
			return ""
		}
		if s, ok := ReadString(mem, inst.Target, uefmt.UTF16, limit); ok {
			return "u" + strconv.Quote(s)
		}
		if s, ok := ReadString(mem, inst.Target, uefmt.UTF8, limit); ok {
			return strconv.Quote(s)
		}
		return ""
	}
}

// ReadString reads a string of identifier and path characters, at least two
// long, at addr.
func ReadString(mem Memory, addr uint64, enc uefmt.Encoding, limit int) (string, bool) {
	s, err := uefmt.NewStream(mem, addr).ReadStringZ(enc, limit, uefmt.NameRune)
	if err != nil || utf8.RuneCountInString(s) < minAnnotatedString {
		return "", false
	}
	return s, true
}

// NameAnnotator annotates RIP-relative data references with a name. It is
// used for data that the symbol lookup does not cover, such as caches and
// parameter structs identified during discovery.
func NameAnnotator(names map[uint64]string) Annotator {
	return func(inst Inst) string {
		if !inst.HasTarget || inst.Class == ClassCall || inst.Class == ClassJmp || inst.Class == ClassJcc {
			return ""
		}
		if name, ok := names[inst.Target]; ok {
			return name
		}
		return ""
	}
}

// FrameAnnotator marks the frame reservation of a prologue.
func FrameAnnotator() Annotator {
	return func(inst Inst) string {
		if inst.Class != ClassSub {
			return ""
		}
		if d, ok := inst.Reg(0); !ok || d != x86asm.RSP {
			return ""
		}
		if imm, ok := inst.Imm(); ok {
			return fmt.Sprintf("frame 0x%x", imm)
		}
		return ""
	}
}
