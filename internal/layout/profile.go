package layout

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"unreflect/internal/uefmt"
)

// ErrBadProfile wraps errors in a layout profile document.
var ErrBadProfile = errors.New("layout: bad profile")

// Profile document:
//
//	tables:
//	  - name: mygame
//	    base: ue5.3
//	    min_version: "5.3"
//	    frames:
//	      Class: [0x98, 0xa8]
//	    layouts:
//	      Enum:
//	        fields:
//	          - {name: OuterFunc, type: "func:zconstruct"}
//	          - {name: NameUTF8, type: utf8}
//	          - {name: EnumeratorParams, type: "array:Enumerator:NumEnumerators"}
//	          - {name: NumEnumerators, type: i32}
type profileDoc struct {
	Tables []tableSpec `yaml:"tables"`
}

type tableSpec struct {
	Name       string                `yaml:"name"`
	Base       string                `yaml:"base"`
	MinVersion string                `yaml:"min_version"`
	Frames     map[string][]uint32   `yaml:"frames"`
	Layouts    map[string]layoutSpec `yaml:"layouts"`
}

type layoutSpec struct {
	Fields        []fieldSpec            `yaml:"fields"`
	Discriminator string                 `yaml:"discriminator"`
	Mask          uint64                 `yaml:"mask"`
	Variants      map[string][]fieldSpec `yaml:"variants"`
}

type fieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoadProfiles reads a YAML profile document and adds its tables to ts.
// A table naming a base starts as a copy of that table; listed layouts and
// frames replace the base's.
func LoadProfiles(r io.Reader, ts *Tables) ([]*Table, error) {
	var doc profileDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBadProfile, err)
	}
	var out []*Table
	for i, td := range doc.Tables {
		t, err := td.build(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: table %d: %v", ErrBadProfile, i, err)
		}
		ts.Add(t)
		out = append(out, t)
	}
	return out, nil
}

// LoadProfileFile is LoadProfiles over a file.
func LoadProfileFile(path string, ts *Tables) ([]*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}
	defer f.Close()
	return LoadProfiles(f, ts)
}

func (s tableSpec) build(ts *Tables) (*Table, error) {
	if s.Name == "" {
		return nil, errors.New("missing name")
	}
	var t *Table
	if s.Base != "" {
		base, ok := ts.Get(s.Base)
		if !ok {
			return nil, fmt.Errorf("%s: unknown base table %q", s.Name, s.Base)
		}
		t = base.Clone(s.Name)
	} else {
		t = &Table{Name: s.Name, Layouts: make(map[Kind]*Layout), Frames: make(map[Kind][]uint32)}
	}
	if s.MinVersion != "" {
		v, err := version.NewVersion(s.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("%s: min_version: %v", s.Name, err)
		}
		t.MinVersion = v
	}
	if t.MinVersion == nil {
		t.MinVersion = version.Must(version.NewVersion("0.0"))
	}
	for name, frames := range s.Frames {
		k, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("%s: frames: %v", s.Name, err)
		}
		t.Frames[k] = append([]uint32(nil), frames...)
	}
	for name, ls := range s.Layouts {
		k, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("%s: layouts: %v", s.Name, err)
		}
		l, err := ls.build(k)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %v", s.Name, k, err)
		}
		t.Layouts[k] = l
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s layoutSpec) build(k Kind) (*Layout, error) {
	fields, err := parseFields(s.Fields)
	if err != nil {
		return nil, err
	}
	if s.Discriminator == "" {
		return NewLayout(k, fields...), nil
	}
	mask := s.Mask
	if mask == 0 {
		mask = ^uint64(0)
	}
	variants := make(map[uint64][]Field, len(s.Variants))
	for key, vs := range s.Variants {
		v, err := parseVariantKey(key)
		if err != nil {
			return nil, err
		}
		tail, err := parseFields(vs)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %v", key, err)
		}
		variants[v] = tail
	}
	return NewDiscriminated(k, fields, s.Discriminator, mask, variants), nil
}

func parseVariantKey(key string) (uint64, error) {
	for g, name := range propertyGenNames {
		if strings.EqualFold(key, name) {
			return uint64(g), nil
		}
	}
	v, err := strconv.ParseUint(key, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad variant key %q", key)
	}
	return v, nil
}

func parseFields(specs []fieldSpec) ([]Field, error) {
	out := make([]Field, 0, len(specs))
	for _, s := range specs {
		f, err := ParseField(s.Name, s.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseField builds a field from the compact type syntax:
//
//	u8 u16 u32 u64 i8 i16 i32 i64 bool
//	utf8 utf16 opaque
//	struct:Kind
//	array:Kind:CountField      inline array of structs
//	ptrs:Kind:CountField       array of struct pointers
//	func[:role[:Kind]]
//	funcs:role:Kind:CountField
//	flags:EnumName:width
func ParseField(name, typ string) (Field, error) {
	if name == "" {
		return Field{}, errors.New("field without name")
	}
	parts := strings.Split(typ, ":")
	bad := func() (Field, error) {
		return Field{}, fmt.Errorf("field %s: bad type %q", name, typ)
	}
	switch parts[0] {
	case "u8", "bool":
		return prim(name, 1, false), nil
	case "u16":
		return prim(name, 2, false), nil
	case "u32":
		return prim(name, 4, false), nil
	case "u64":
		return prim(name, 8, false), nil
	case "i8":
		return prim(name, 1, true), nil
	case "i16":
		return prim(name, 2, true), nil
	case "i32":
		return prim(name, 4, true), nil
	case "i64":
		return prim(name, 8, true), nil
	case "utf8":
		return Str(name, uefmt.UTF8), nil
	case "utf16":
		return Str(name, uefmt.UTF16), nil
	case "opaque":
		return Opaque(name), nil
	case "struct":
		if len(parts) != 2 {
			return bad()
		}
		k, err := ParseKind(parts[1])
		if err != nil {
			return Field{}, err
		}
		return Ptr(name, k), nil
	case "array", "ptrs":
		if len(parts) != 3 {
			return bad()
		}
		k, err := ParseKind(parts[1])
		if err != nil {
			return Field{}, err
		}
		if parts[0] == "array" {
			return Inline(name, k, parts[2]), nil
		}
		return Ptrs(name, k, parts[2]), nil
	case "func":
		if len(parts) > 3 {
			return bad()
		}
		role, helper := RoleAny, Invalid
		if len(parts) >= 2 {
			r, err := ParseRole(parts[1])
			if err != nil {
				return Field{}, err
			}
			role = r
		}
		if len(parts) == 3 {
			k, err := ParseKind(parts[2])
			if err != nil {
				return Field{}, err
			}
			helper = k
		}
		return Func(name, role, helper), nil
	case "funcs":
		if len(parts) != 4 {
			return bad()
		}
		role, err := ParseRole(parts[1])
		if err != nil {
			return Field{}, err
		}
		helper := Invalid
		if parts[2] != "" {
			if helper, err = ParseKind(parts[2]); err != nil {
				return Field{}, err
			}
		}
		return Funcs(name, role, helper, parts[3]), nil
	case "flags":
		if len(parts) != 3 {
			return bad()
		}
		w, err := strconv.Atoi(parts[2])
		if err != nil || (w != 1 && w != 2 && w != 4 && w != 8) {
			return bad()
		}
		return Flags(name, parts[1], w), nil
	}
	return bad()
}
