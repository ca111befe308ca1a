// Package binx loads x86-64 PE and ELF executables into a read-only address space view.
package binx

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var (
	ErrUnsupportedImage = errors.New("binx: unsupported image")
	ErrOutOfBounds      = errors.New("binx: address out of bounds")
	ErrNoSection        = errors.New("binx: section not found")
)

// Format identifies the container format of an image.
type Format int

const (
	FormatRaw Format = iota
	FormatPE
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "pe"
	case FormatELF:
		return "elf"
	default:
		return "raw"
	}
}

// Section is one mapped region of the image.
// Size is the virtual size; bytes past len(Data) read as zero.
type Section struct {
	Name     string
	Addr     uint64
	Size     uint64
	Data     []byte
	Exec     bool
	Writable bool
}

// End returns the first address past the section.
func (s *Section) End() uint64 { return s.Addr + s.Size }

// Contains reports whether addr falls inside the section.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.End()
}

// ReadOnlyData reports whether the section holds non-executable, non-writable data.
func (s *Section) ReadOnlyData() bool { return !s.Exec && !s.Writable }

// View is the read-only address space consumed by the rest of the tool.
type View interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
	Contains(addr uint64) bool
	BaseAddress() uint64
	SectionOf(addr uint64) (*Section, bool)
	CodeSections() []*Section
	DataSections() []*Section
}

// Image is a loaded executable. It is immutable after construction and safe
// for concurrent reads.
type Image struct {
	Format        Format
	Base          uint64
	Sections      []*Section
	EngineVersion string // build branch version hint, e.g. "5.3"; "" if unknown
	Path          string
	FileSize      int64
}

var _ View = (*Image)(nil)

// New builds an in-memory image from sections. Sections are sorted by address.
func New(format Format, base uint64, sections ...*Section) *Image {
	img := &Image{Format: format, Base: base, Sections: sections}
	sort.Slice(img.Sections, func(i, j int) bool { return img.Sections[i].Addr < img.Sections[j].Addr })
	for _, s := range img.Sections {
		if s.Size < uint64(len(s.Data)) {
			s.Size = uint64(len(s.Data))
		}
	}
	return img
}

// Open reads an executable from disk and validates it is an x86-64 PE32+ or ELF64.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("binx: open: %w", err)
	}
	img, err := Load(data)
	if err != nil {
		return nil, err
	}
	img.Path = path
	return img, nil
}

// Load parses an executable image held in memory.
func Load(data []byte) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch {
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		img, err = loadPE(data)
	case len(data) >= 4 && bytes.Equal(data[:4], []byte(elf.ELFMAG)):
		img, err = loadELF(data)
	default:
		return nil, fmt.Errorf("%w: unknown file magic", ErrUnsupportedImage)
	}
	if err != nil {
		return nil, err
	}
	img.FileSize = int64(len(data))
	img.EngineVersion = DetectEngineVersion(img)
	return img, nil
}

func loadPE(data []byte) (*Image, error) {
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: pe: %v", ErrUnsupportedImage, err)
	}
	defer pf.Close()

	if pf.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("%w: pe machine 0x%x is not AMD64", ErrUnsupportedImage, pf.Machine)
	}
	oh, ok := pf.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("%w: not PE32+", ErrUnsupportedImage)
	}
	if libs, err := pf.ImportedLibraries(); err == nil {
		if lib, split := reflectionModule(libs); split {
			return nil, fmt.Errorf("%w: split binary, reflection code lives in %s", ErrUnsupportedImage, lib)
		}
	}

	var secs []*Section
	for _, s := range pf.Sections {
		raw, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("binx: pe section %s: %w", s.Name, err)
		}
		size := uint64(s.VirtualSize)
		if size == 0 {
			size = uint64(len(raw))
		}
		if uint64(len(raw)) > size {
			raw = raw[:size]
		}
		secs = append(secs, &Section{
			Name:     s.Name,
			Addr:     oh.ImageBase + uint64(s.VirtualAddress),
			Size:     size,
			Data:     raw,
			Exec:     s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0,
			Writable: s.Characteristics&pe.IMAGE_SCN_MEM_WRITE != 0,
		})
	}
	return New(FormatPE, oh.ImageBase, secs...), nil
}

func loadELF(data []byte) (*Image, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: elf: %v", ErrUnsupportedImage, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: not 64-bit ELF", ErrUnsupportedImage)
	}
	if ef.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: elf machine %v is not x86-64", ErrUnsupportedImage, ef.Machine)
	}
	if libs, err := ef.ImportedLibraries(); err == nil {
		if lib, split := reflectionModule(libs); split {
			return nil, fmt.Errorf("%w: split binary, reflection code lives in %s", ErrUnsupportedImage, lib)
		}
	}

	base := ^uint64(0)
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < base {
			base = p.Vaddr
		}
	}
	if base == ^uint64(0) {
		return nil, fmt.Errorf("%w: no PT_LOAD segments", ErrUnsupportedImage)
	}

	var secs []*Section
	for _, s := range ef.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		var raw []byte
		if s.Type != elf.SHT_NOBITS {
			raw, err = s.Data()
			if err != nil {
				return nil, fmt.Errorf("binx: elf section %s: %w", s.Name, err)
			}
		}
		secs = append(secs, &Section{
			Name:     s.Name,
			Addr:     s.Addr,
			Size:     s.Size,
			Data:     raw,
			Exec:     s.Flags&elf.SHF_EXECINSTR != 0,
			Writable: s.Flags&elf.SHF_WRITE != 0,
		})
	}
	return New(FormatELF, base, secs...), nil
}

// reflectionModule reports whether the import list names a separate
// CoreUObject module, which means the construct helpers are not in this image.
func reflectionModule(libs []string) (string, bool) {
	for _, lib := range libs {
		l := strings.ToLower(lib)
		if strings.Contains(l, "-coreuobject.") || strings.Contains(l, "-coreuobject-") {
			return lib, true
		}
	}
	return "", false
}

// BaseAddress returns the preferred load address.
func (img *Image) BaseAddress() uint64 { return img.Base }

// SectionOf returns the section containing addr.
func (img *Image) SectionOf(addr uint64) (*Section, bool) {
	i := sort.Search(len(img.Sections), func(i int) bool { return img.Sections[i].End() > addr })
	if i < len(img.Sections) && img.Sections[i].Contains(addr) {
		return img.Sections[i], true
	}
	return nil, false
}

// Contains reports whether addr is mapped by any section.
func (img *Image) Contains(addr uint64) bool {
	_, ok := img.SectionOf(addr)
	return ok
}

// Section returns the first section with the given name.
func (img *Image) Section(name string) (*Section, error) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSection, name)
}

// CodeSections returns all executable sections in address order.
func (img *Image) CodeSections() []*Section {
	var out []*Section
	for _, s := range img.Sections {
		if s.Exec {
			out = append(out, s)
		}
	}
	return out
}

// DataSections returns all non-executable sections in address order.
func (img *Image) DataSections() []*Section {
	var out []*Section
	for _, s := range img.Sections {
		if !s.Exec {
			out = append(out, s)
		}
	}
	return out
}

// ReadBytes returns n bytes at addr. The range must lie inside a single
// section. The returned slice may alias image memory and must not be modified.
func (img *Image) ReadBytes(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfBounds, n)
	}
	s, ok := img.SectionOf(addr)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x unmapped", ErrOutOfBounds, addr)
	}
	if uint64(n) > s.End()-addr {
		return nil, fmt.Errorf("%w: 0x%x+%d crosses end of %s", ErrOutOfBounds, addr, n, s.Name)
	}
	off := addr - s.Addr
	end := off + uint64(n)
	if end <= uint64(len(s.Data)) {
		return s.Data[off:end:end], nil
	}
	// Range reaches into the zero-filled tail.
	buf := make([]byte, n)
	if off < uint64(len(s.Data)) {
		copy(buf, s.Data[off:])
	}
	return buf, nil
}
