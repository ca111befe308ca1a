package export

import (
	"archive/tar"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"unreflect/internal/disasm"
)

var (
	// ErrExists is returned when the output target already holds files.
	ErrExists = errors.New("export: output exists")
	// ErrArchiveType is returned for archive names with an unknown extension.
	ErrArchiveType = errors.New("export: unsupported archive type")
)

// Output receives exported files. Paths are slash-separated and relative.
type Output interface {
	WriteFile(name string, data []byte) error
	Close() error
}

// DirOutput writes files under a directory.
type DirOutput struct {
	root string
}

// NewDirOutput creates dir if needed. Unless allowExisting, dir must hold no
// files other than dot files.
func NewDirOutput(dir string, allowExisting bool) (*DirOutput, error) {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("export: mkdir %s: %w", dir, err)
		}
	case err != nil:
		return nil, fmt.Errorf("export: %s: %w", dir, err)
	case !allowExisting:
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), ".") {
				return nil, fmt.Errorf("%w: %s is not empty", ErrExists, dir)
			}
		}
	}
	return &DirOutput{root: dir}, nil
}

func (o *DirOutput) WriteFile(name string, data []byte) error {
	p := filepath.Join(o.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("export: mkdir: %w", err)
	}
	return os.WriteFile(p, data, 0644)
}

func (o *DirOutput) Close() error { return nil }

// ZipOutput writes files into a zip archive.
type ZipOutput struct {
	f  *os.File
	zw *zip.Writer
}

// NewZipOutput creates the archive at name.
func NewZipOutput(name string, allowExisting bool) (*ZipOutput, error) {
	f, err := createArchive(name, allowExisting)
	if err != nil {
		return nil, err
	}
	return &ZipOutput{f: f, zw: zip.NewWriter(f)}, nil
}

func (o *ZipOutput) WriteFile(name string, data []byte) error {
	w, err := o.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("export: zip %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

func (o *ZipOutput) Close() error {
	if err := o.zw.Close(); err != nil {
		o.f.Close()
		return fmt.Errorf("export: zip: %w", err)
	}
	return o.f.Close()
}

// TarZstOutput writes files into a zstd-compressed tar archive.
type TarZstOutput struct {
	f  *os.File
	zw *zstd.Encoder
	tw *tar.Writer
}

// NewTarZstOutput creates the archive at name.
func NewTarZstOutput(name string, allowExisting bool) (*TarZstOutput, error) {
	f, err := createArchive(name, allowExisting)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("export: zstd: %w", err)
	}
	return &TarZstOutput{f: f, zw: zw, tw: tar.NewWriter(zw)}, nil
}

func (o *TarZstOutput) WriteFile(name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := o.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("export: tar %s: %w", name, err)
	}
	_, err := o.tw.Write(data)
	return err
}

func (o *TarZstOutput) Close() error {
	err := o.tw.Close()
	if cerr := o.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := o.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export: tar.zst: %w", err)
	}
	return nil
}

func createArchive(name string, allowExisting bool) (*os.File, error) {
	if !allowExisting {
		if _, err := os.Stat(name); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("export: create %s: %w", name, err)
	}
	return f, nil
}

// OpenArchive picks the archive writer from the extension of name: .zip or
// .tar.zst.
func OpenArchive(name string, allowExisting bool) (Output, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return NewZipOutput(name, allowExisting)
	case strings.HasSuffix(lower, ".tar.zst"):
		return NewTarZstOutput(name, allowExisting)
	}
	return nil, fmt.Errorf("%w: %s", ErrArchiveType, path.Base(name))
}

// WriteASM writes the disassembly of a function to asm/<name>.txt.
func WriteASM(out Output, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	text := disasm.Format(insts, lookup, annotators...)
	return out.WriteFile(path.Join("asm", name+".txt"), []byte(text))
}
