package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/hashicorp/go-version"
)

type sliceMem struct {
	base uint64
	data []byte
}

func (m *sliceMem) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr < m.base || addr+uint64(n) > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("read 0x%x+%d: out of bounds", addr, n)
	}
	off := addr - m.base
	return m.data[off : off+uint64(n)], nil
}

func mustTable(t *testing.T, name string) *Table {
	t.Helper()
	tab, ok := Builtin().Get(name)
	if !ok {
		t.Fatalf("builtin table %s missing", name)
	}
	return tab
}

func TestBuiltinSizes(t *testing.T) {
	tab := mustTable(t, "ue5.3")
	want := map[Kind]int{
		Package:              32,
		Class:                80,
		Struct:               72,
		Enum:                 56,
		Function:             72,
		Enumerator:           16,
		ImplementedInterface: 16,
		FunctionLink:         16,
	}
	for k, size := range want {
		l, ok := tab.Layout(k)
		if !ok {
			t.Errorf("%s: no layout", k)
			continue
		}
		if l.Size != size {
			t.Errorf("%s: size = %d, want %d", k.StructName(), l.Size, size)
		}
	}
}

func TestBuiltinValidate(t *testing.T) {
	for _, tab := range Builtin().List() {
		if err := tab.Validate(); err != nil {
			t.Errorf("%s: %v", tab.Name, err)
		}
	}
}

func TestClassOffsets(t *testing.T) {
	l, _ := mustTable(t, "ue5.0").Layout(Class)
	want := map[string]int{
		"ClassNoRegisterFunc":      0,
		"PropertyArray":            40,
		"NumDependencySingletons":  56,
		"NumImplementedInterfaces": 68,
		"ClassFlags":               72,
	}
	for name, off := range want {
		f, ok := l.Field(name)
		if !ok {
			t.Fatalf("field %s missing", name)
		}
		if f.Offset != off {
			t.Errorf("%s offset = %d, want %d", name, f.Offset, off)
		}
	}
}

func TestPropertyVariantSizes(t *testing.T) {
	tests := []struct {
		table string
		gen   PropertyGen
		size  int
	}{
		{"ue5.0", GenInt, 40},
		{"ue5.0", GenBool, 56},
		{"ue5.0", GenByte, 48},
		{"ue5.1", GenInt, 64},
		{"ue5.1", GenClass, 80},
		{"ue5.3", GenInt, 56},
		{"ue5.3", GenByte, 64},
		{"ue5.3", GenBool, 64},
		{"ue5.3", GenArray, 56},
	}
	for _, tt := range tests {
		l, _ := mustTable(t, tt.table).Layout(Property)
		got, ok := l.VariantSize(uint64(tt.gen))
		if !ok {
			t.Errorf("%s %s: no variant", tt.table, tt.gen)
			continue
		}
		if got != tt.size {
			t.Errorf("%s %s: size = %d, want %d", tt.table, tt.gen, got, tt.size)
		}
	}
}

func TestPropertyClassOrder(t *testing.T) {
	names := func(table string) []string {
		l, _ := mustTable(t, table).Layout(Property)
		var out []string
		for _, f := range l.Variants[uint64(GenClass)] {
			out = append(out, f.Name)
		}
		return out
	}
	if got := names("ue5.0"); !reflect.DeepEqual(got, []string{"Offset", "MetaClassFunc", "ClassFunc"}) {
		t.Errorf("ue5.0 class tail = %v", got)
	}
	if got := names("ue5.1"); !reflect.DeepEqual(got, []string{"Offset", "ClassFunc", "MetaClassFunc"}) {
		t.Errorf("ue5.1 class tail = %v", got)
	}
}

func TestDecodeEnumerator(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[0:], 0x140002000)
	binary.LittleEndian.PutUint64(data[8:], uint64(0xffffffffffffffff)) // -1
	mem := &sliceMem{base: 0x140001000, data: data}

	l, _ := mustTable(t, "ue5.3").Layout(Enumerator)
	d, err := Decode(mem, 0x140001000, l)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Uint("NameUTF8"); got != 0x140002000 {
		t.Errorf("NameUTF8 = 0x%x", got)
	}
	if got := d.Int("Value"); got != -1 {
		t.Errorf("Value = %d, want -1", got)
	}
	if d.Size != 16 {
		t.Errorf("size = %d", d.Size)
	}
}

func TestDecodeProperty(t *testing.T) {
	l, _ := mustTable(t, "ue5.3").Layout(Property)
	data := make([]byte, 64)
	binary.LittleEndian.PutUint64(data[0:], 0x1000)           // NameUTF8
	binary.LittleEndian.PutUint32(data[24:], uint32(GenEnum)) // Flags
	binary.LittleEndian.PutUint16(data[48:], 1)               // ArrayDim
	binary.LittleEndian.PutUint16(data[50:], 0x28)            // Offset
	binary.LittleEndian.PutUint64(data[56:], 0x2000)          // EnumFunc
	mem := &sliceMem{base: 0x5000, data: data}

	d, err := Decode(mem, 0x5000, l)
	if err != nil {
		t.Fatal(err)
	}
	if PropertyGen(d.Variant) != GenEnum {
		t.Errorf("variant = %v", PropertyGen(d.Variant))
	}
	if d.Size != 64 {
		t.Errorf("size = %d, want 64", d.Size)
	}
	if got := d.Uint("Offset"); got != 0x28 {
		t.Errorf("Offset = 0x%x", got)
	}
	if got := d.Uint("EnumFunc"); got != 0x2000 {
		t.Errorf("EnumFunc = 0x%x", got)
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	l, _ := mustTable(t, "ue5.3").Layout(Property)
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[24:], 0x3f)
	_, err := Decode(&sliceMem{data: data}, 0, l)
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("err = %v, want ErrUnknownVariant", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	l, _ := mustTable(t, "ue5.3").Layout(Class)
	_, err := Decode(&sliceMem{data: make([]byte, 40)}, 0, l)
	if err == nil {
		t.Fatal("expected error for truncated read")
	}
}

func TestSelect(t *testing.T) {
	ts := Builtin()
	tests := []struct {
		version string
		want    string
	}{
		{"", "ue5.3"},
		{"5.0", "ue5.0"},
		{"5.0.3", "ue5.0"},
		{"5.2.1", "ue5.1"},
		{"5.3", "ue5.3"},
		{"5.5", "ue5.3"},
		{"4.27", "ue5.3"},
	}
	for _, tt := range tests {
		tab, err := ts.SelectString(tt.version)
		if err != nil {
			t.Errorf("%q: %v", tt.version, err)
			continue
		}
		if tab.Name != tt.want {
			t.Errorf("%q: selected %s, want %s", tt.version, tab.Name, tt.want)
		}
	}
	if _, err := ts.SelectString("not-a-version"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewTables().Select(version.Must(version.NewVersion("5.3"))); !errors.Is(err, ErrNoTable) {
		t.Errorf("empty set: err = %v", err)
	}
}

func TestFrameKinds(t *testing.T) {
	tab := mustTable(t, "ue5.3")
	if got := tab.FrameKinds(0x98); !reflect.DeepEqual(got, []Kind{Class}) {
		t.Errorf("FrameKinds(0x98) = %v", got)
	}
	if got := tab.FrameKinds(0x10); got != nil {
		t.Errorf("FrameKinds(0x10) = %v", got)
	}
}

func TestFlagNames(t *testing.T) {
	tests := []struct {
		enum string
		v    uint64
		want []string
	}{
		{"EEnumFlags", 0, nil},
		{"EEnumFlags", 3, []string{"Flags", "NewerVersionExists"}},
		{"EObjectFlags", 0x1, []string{"Public"}},
		{"EPackageFlags", 0x10 | 0x8, []string{"CompiledIn", "0x8"}},
		{"EFunctionFlags", 0x2000 | 0x400, []string{"Native", "Static"}},
		{"ENoSuchEnum", 0x5, []string{"0x5"}},
	}
	for _, tt := range tests {
		got := FlagNames(tt.enum, tt.v)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("FlagNames(%s, 0x%x) = %v, want %v", tt.enum, tt.v, got, tt.want)
		}
	}
}

func TestPropertyGenString(t *testing.T) {
	if GenLargeWorldCoordinatesReal.String() != "LargeWorldCoordinatesReal" {
		t.Errorf("got %s", GenLargeWorldCoordinatesReal)
	}
	if PropertyGen(0x30).Valid() {
		t.Error("0x30 should not be valid")
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"class", "FClassParams", "CLASS"} {
		k, err := ParseKind(s)
		if err != nil || k != Class {
			t.Errorf("ParseKind(%q) = %v, %v", s, k, err)
		}
	}
	if _, err := ParseKind("widget"); err == nil {
		t.Error("expected error")
	}
}

func TestParseField(t *testing.T) {
	tests := []struct {
		typ  string
		want Field
		err  bool
	}{
		{typ: "u32", want: Field{Name: "x", Type: FieldPrimitive, Width: 4}},
		{typ: "i64", want: Field{Name: "x", Type: FieldPrimitive, Width: 8, Signed: true}},
		{typ: "struct:Enum", want: Field{Name: "x", Type: FieldStruct, Width: 8, Target: Enum}},
		{typ: "ptrs:Property:N", want: Field{Name: "x", Type: FieldPointerArray, Width: 8, Target: Property, Count: "N"}},
		{typ: "func:zconstruct:Class", want: Field{Name: "x", Type: FieldFunction, Width: 8, Role: RoleZConstruct, Helper: Class}},
		{typ: "funcs:zconstruct::N", want: Field{Name: "x", Type: FieldFunctionArray, Width: 8, Role: RoleZConstruct, Count: "N"}},
		{typ: "flags:EObjectFlags:4", want: Field{Name: "x", Type: FieldFlags, Width: 4, Enum: "EObjectFlags"}},
		{typ: "flags:EObjectFlags:3", err: true},
		{typ: "array:Enum", err: true},
		{typ: "float", err: true},
		{typ: "func:sometimes", err: true},
	}
	for _, tt := range tests {
		got, err := ParseField("x", tt.typ)
		if tt.err {
			if err == nil {
				t.Errorf("%q: expected error", tt.typ)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.typ, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%q: got %+v, want %+v", tt.typ, got, tt.want)
		}
	}
}

const profileYAML = `
tables:
  - name: mygame
    base: ue5.3
    min_version: "5.4"
    frames:
      Class: [0xa8]
    layouts:
      Enumerator:
        fields:
          - {name: NameUTF8, type: utf8}
          - {name: Value, type: i64}
          - {name: Extra, type: u32}
`

func TestLoadProfiles(t *testing.T) {
	ts := Builtin()
	added, err := LoadProfiles(strings.NewReader(profileYAML), ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0].Name != "mygame" {
		t.Fatalf("added = %v", added)
	}
	tab, err := ts.SelectString("5.4.1")
	if err != nil {
		t.Fatal(err)
	}
	if tab.Name != "mygame" {
		t.Fatalf("selected %s", tab.Name)
	}
	if got := tab.Frames[Class]; !reflect.DeepEqual(got, []uint32{0xa8}) {
		t.Errorf("class frames = %v", got)
	}
	if got := tab.Frames[Enum]; !reflect.DeepEqual(got, []uint32{0x58}) {
		t.Errorf("enum frames = %v, want inherited", got)
	}
	l, _ := tab.Layout(Enumerator)
	if l.Size != 24 {
		t.Errorf("enumerator size = %d, want 24", l.Size)
	}
	base, _ := ts.Get("ue5.3")
	if bl, _ := base.Layout(Enumerator); bl.Size != 16 {
		t.Errorf("base table modified: size = %d", bl.Size)
	}
}

func TestLoadProfilesErrors(t *testing.T) {
	tests := []string{
		"tables:\n  - base: ue5.3\n",
		"tables:\n  - name: x\n    base: ue9\n",
		"tables:\n  - name: x\n    base: ue5.3\n    frames: {Widget: [1]}\n",
		"tables:\n  - name: x\n    base: ue5.3\n    layouts:\n      Class:\n        fields:\n          - {name: A, type: \"array:Property:Missing\"}\n",
		"tables:\n  - name: x\n    unknown_key: 1\n",
		"tables:\n  - name: x\n",
	}
	for i, doc := range tests {
		if _, err := LoadProfiles(strings.NewReader(doc), Builtin()); !errors.Is(err, ErrBadProfile) {
			t.Errorf("case %d: err = %v, want ErrBadProfile", i, err)
		}
	}
}
