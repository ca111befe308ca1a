package synth

import (
	"debug/elf"
	"encoding/binary"

	"unreflect/internal/binx"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

// EncodeELF serialises img as an ELF64 x86-64 executable: one PT_LOAD for
// the headers at the image base, one per section, and a section header table
// ending in .shstrtab. Sections are padded with zeros to their size.
func EncodeELF(img *binx.Image) []byte {
	le := binary.LittleEndian
	nph := 1 + len(img.Sections)

	// Section names: "\x00" then each name, then ".shstrtab".
	shstr := []byte{0}
	nameOff := make([]uint32, len(img.Sections)+1)
	for i, s := range img.Sections {
		nameOff[i] = uint32(len(shstr))
		shstr = append(append(shstr, s.Name...), 0)
	}
	nameOff[len(img.Sections)] = uint32(len(shstr))
	shstr = append(append(shstr, ".shstrtab"...), 0)

	hdrEnd := uint64(ehdrSize + phdrSize*nph)
	off := alignUp(hdrEnd, 16)
	offsets := make([]uint64, len(img.Sections))
	for i, s := range img.Sections {
		offsets[i] = off
		off = alignUp(off+s.Size, 16)
	}
	shstrOff := off
	shoff := alignUp(shstrOff+uint64(len(shstr)), 8)
	shnum := len(img.Sections) + 2
	out := make([]byte, shoff+uint64(shdrSize*shnum))

	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(elf.EM_X86_64))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	if len(img.Sections) > 0 {
		le.PutUint64(out[24:], img.Sections[0].Addr)
	}
	le.PutUint64(out[32:], ehdrSize)
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(nph))
	le.PutUint16(out[58:], shdrSize)
	le.PutUint16(out[60:], uint16(shnum))
	le.PutUint16(out[62:], uint16(shnum-1))

	phdr := func(i int, flags elf.ProgFlag, offset, vaddr, filesz, memsz uint64) {
		p := out[ehdrSize+phdrSize*i:]
		le.PutUint32(p[0:], uint32(elf.PT_LOAD))
		le.PutUint32(p[4:], uint32(flags))
		le.PutUint64(p[8:], offset)
		le.PutUint64(p[16:], vaddr)
		le.PutUint64(p[24:], vaddr)
		le.PutUint64(p[32:], filesz)
		le.PutUint64(p[40:], memsz)
		le.PutUint64(p[48:], 1)
	}
	shdr := func(i int, name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, offset, size uint64) {
		p := out[shoff+uint64(shdrSize*i):]
		le.PutUint32(p[0:], name)
		le.PutUint32(p[4:], uint32(typ))
		le.PutUint64(p[8:], uint64(flags))
		le.PutUint64(p[16:], addr)
		le.PutUint64(p[24:], offset)
		le.PutUint64(p[32:], size)
		le.PutUint64(p[48:], 1)
	}

	phdr(0, elf.PF_R, 0, img.Base, hdrEnd, hdrEnd)
	for i, s := range img.Sections {
		copy(out[offsets[i]:], s.Data)
		pf, sf := elf.PF_R, elf.SHF_ALLOC
		if s.Writable {
			pf |= elf.PF_W
			sf |= elf.SHF_WRITE
		}
		if s.Exec {
			pf |= elf.PF_X
			sf |= elf.SHF_EXECINSTR
		}
		phdr(1+i, pf, offsets[i], s.Addr, s.Size, s.Size)
		shdr(1+i, nameOff[i], elf.SHT_PROGBITS, sf, s.Addr, offsets[i], s.Size)
	}
	copy(out[shstrOff:], shstr)
	shdr(shnum-1, nameOff[len(img.Sections)], elf.SHT_STRTAB, 0, 0, shstrOff, uint64(len(shstr)))
	return out
}

func alignUp(v, n uint64) uint64 { return (v + n - 1) &^ (n - 1) }
