package layout

import (
	"fmt"
	"math/bits"
)

// PropertyGen is the EPropertyGenFlags type code stored in the low bits of
// FPropertyParams.Flags.
type PropertyGen uint8

const (
	GenByte PropertyGen = iota
	GenInt8
	GenInt16
	GenInt
	GenInt64
	GenUInt16
	GenUInt32
	GenUInt64
	GenUnsizedInt
	GenUnsizedUInt
	GenFloat
	GenDouble
	GenBool
	GenSoftClass
	GenWeakObject
	GenLazyObject
	GenSoftObject
	GenClass
	GenObject
	GenInterface
	GenName
	GenStr
	GenArray
	GenMap
	GenSet
	GenStruct
	GenDelegate
	GenInlineMulticastDelegate
	GenSparseMulticastDelegate
	GenText
	GenEnum
	GenFieldPath
	GenLargeWorldCoordinatesReal
)

// PropertyGenMask selects the type code; bit 0x40 marks ObjectPtr/NativeBool.
const (
	PropertyGenMask  = 0x3f
	PropertyTypeFlag = 0x40
)

var propertyGenNames = [...]string{
	"Byte", "Int8", "Int16", "Int", "Int64", "UInt16", "UInt32", "UInt64",
	"UnsizedInt", "UnsizedUInt", "Float", "Double", "Bool", "SoftClass",
	"WeakObject", "LazyObject", "SoftObject", "Class", "Object", "Interface",
	"Name", "Str", "Array", "Map", "Set", "Struct", "Delegate",
	"InlineMulticastDelegate", "SparseMulticastDelegate", "Text", "Enum",
	"FieldPath", "LargeWorldCoordinatesReal",
}

func (g PropertyGen) String() string {
	if int(g) < len(propertyGenNames) {
		return propertyGenNames[g]
	}
	return fmt.Sprintf("PropertyGen(0x%x)", uint8(g))
}

// Valid reports whether g is a known type code.
func (g PropertyGen) Valid() bool { return int(g) < len(propertyGenNames) }

type flagBit struct {
	value uint64
	name  string
}

func seqFlags(names ...string) []flagBit {
	out := make([]flagBit, 0, len(names))
	for i, n := range names {
		if n != "" {
			out = append(out, flagBit{1 << uint(i), n})
		}
	}
	return out
}

var flagTables = map[string][]flagBit{
	"EObjectFlags": seqFlags(
		"Public", "Standalone", "MarkAsNative", "Transactional", "ClassDefaultObject",
		"ArchetypeObject", "Transient", "MarkAsRootSet", "TagGarbageTemp", "NeedInitialization",
		"NeedLoad", "KeepForCooker", "NeedPostLoad", "NeedPostLoadSubobjects", "NewerVersionExists",
		"BeginDestroyed", "FinishDestroyed", "BeingRegenerated", "DefaultSubObject", "WasLoaded",
		"TextExportTransient", "LoadCompleted", "InheritableComponentTemplate", "DuplicateTransient",
		"StrongRefOnFrame", "NonPIEDuplicateTransient", "Dynamic", "WillBeLoaded",
		"HasExternalPackage", "PendingKill", "Garbage", "AllocatedInSharedPage"),
	"EClassFlags": seqFlags(
		"Abstract", "DefaultConfig", "Config", "Transient", "Optional", "MatchedSerializers",
		"ProjectUserConfig", "Native", "NoExport", "NotPlaceable", "PerObjectConfig",
		"ReplicationDataIsSetUp", "EditInlineNew", "CollapseCategories", "Interface",
		"CustomConstructor", "Const", "NeedsDeferredDependencyLoading", "CompiledFromBlueprint",
		"MinimalAPI", "RequiredAPI", "DefaultToInstanced", "TokenStreamAssembled",
		"HasInstancedReference", "Hidden", "Deprecated", "HideDropDown", "GlobalUserConfig",
		"Intrinsic", "Constructed", "ConfigDoNotCheckDefaults", "NewerVersionExists"),
	"EPropertyFlags": seqFlags(
		"Edit", "ConstParm", "BlueprintVisible", "ExportObject", "BlueprintReadOnly", "Net",
		"EditFixedSize", "Parm", "OutParm", "ZeroConstructor", "ReturnParm",
		"DisableEditOnTemplate", "", "Transient", "Config", "", "DisableEditOnInstance",
		"EditConst", "GlobalConfig", "InstancedReference", "", "DuplicateTransient", "", "",
		"SaveGame", "NoClear", "", "ReferenceParm", "BlueprintAssignable", "Deprecated",
		"IsPlainOldData", "RepSkip", "RepNotify", "Interp", "NonTransactional", "EditorOnly",
		"NoDestructor", "", "AutoWeak", "ContainsInstancedReference", "AssetRegistrySearchable",
		"SimpleDisplay", "AdvancedDisplay", "Protected", "BlueprintCallable",
		"BlueprintAuthorityOnly", "TextExportTransient", "NonPIEDuplicateTransient",
		"ExposeOnSpawn", "PersistentInstance", "UObjectWrapper", "HasGetValueTypeHash",
		"NativeAccessSpecifierPublic", "NativeAccessSpecifierProtected",
		"NativeAccessSpecifierPrivate", "SkipSerialization"),
	"EClassCastFlags": seqFlags(
		"UField", "FInt8Property", "UEnum", "UStruct", "UScriptStruct", "UClass",
		"FByteProperty", "FIntProperty", "FFloatProperty", "FUInt64Property", "FClassProperty",
		"FUInt32Property", "FInterfaceProperty", "FNameProperty", "FStrProperty", "FProperty",
		"FObjectProperty", "FBoolProperty", "FUInt16Property", "UFunction", "FStructProperty",
		"FArrayProperty", "FInt64Property", "FDelegateProperty", "FNumericProperty",
		"FMulticastDelegateProperty", "FObjectPropertyBase", "FWeakObjectProperty",
		"FLazyObjectProperty", "FSoftObjectProperty", "FTextProperty", "FInt16Property",
		"FDoubleProperty", "FSoftClassProperty", "UPackage", "ULevel", "AActor",
		"APlayerController", "APawn", "USceneComponent", "UPrimitiveComponent",
		"USkinnedMeshComponent", "USkeletalMeshComponent", "UBlueprint", "UDelegateFunction",
		"UStaticMeshComponent", "FMapProperty", "FSetProperty", "FEnumProperty",
		"USparseDelegateFunction", "FMulticastInlineDelegateProperty",
		"FMulticastSparseDelegateProperty", "FFieldPathProperty", "FObjectPtrProperty",
		"FClassPtrProperty", "FLargeWorldCoordinatesRealProperty"),
	"EPackageFlags": {
		{0x00000001, "NewlyCreated"}, {0x00000002, "ClientOptional"}, {0x00000004, "ServerSideOnly"},
		{0x00000010, "CompiledIn"}, {0x00000020, "ForDiffing"}, {0x00000040, "EditorOnly"},
		{0x00000080, "Developer"}, {0x00000100, "UncookedOnly"}, {0x00000200, "Cooked"},
		{0x00000400, "ContainsNoAsset"}, {0x00000800, "NotExternallyReferenceable"},
		{0x00002000, "UnversionedProperties"}, {0x00004000, "ContainsMapData"},
		{0x00008000, "IsSaving"}, {0x00010000, "Compiling"}, {0x00020000, "ContainsMap"},
		{0x00040000, "RequiresLocalizationGather"}, {0x00100000, "PlayInEditor"},
		{0x00200000, "ContainsScript"}, {0x00400000, "DisallowExport"},
		{0x08000000, "CookGenerated"}, {0x10000000, "DynamicImports"},
		{0x20000000, "RuntimeGenerated"}, {0x40000000, "ReloadingForCooker"},
		{0x80000000, "FilterEditorOnly"},
	},
	"EStructFlags": {
		{0x00000001, "Native"}, {0x00000002, "IdenticalNative"}, {0x00000004, "HasInstancedReference"},
		{0x00000008, "NoExport"}, {0x00000010, "Atomic"}, {0x00000020, "Immutable"},
		{0x00000040, "AddStructReferencedObjects"}, {0x00000200, "RequiredAPI"},
		{0x00000400, "NetSerializeNative"}, {0x00000800, "SerializeNative"},
		{0x00001000, "CopyNative"}, {0x00002000, "IsPlainOldData"}, {0x00004000, "NoDestructor"},
		{0x00008000, "ZeroConstructor"}, {0x00010000, "ExportTextItemNative"},
		{0x00020000, "ImportTextItemNative"}, {0x00040000, "PostSerializeNative"},
		{0x00080000, "SerializeFromMismatchedTag"}, {0x00100000, "NetDeltaSerializeNative"},
		{0x00200000, "PostScriptConstruct"}, {0x00400000, "NetSharedSerialization"},
		{0x00800000, "Trashed"}, {0x01000000, "NewerVersionExists"}, {0x02000000, "CanEditChange"},
	},
	"EFunctionFlags": {
		{0x1, "Final"}, {0x2, "RequiredAPI"}, {0x4, "BlueprintAuthorityOnly"}, {0x8, "BlueprintCosmetic"},
		{0x40, "Net"}, {0x80, "NetReliable"}, {0x100, "NetRequest"}, {0x200, "Exec"},
		{0x400, "Native"}, {0x800, "Event"}, {0x1000, "NetResponse"}, {0x2000, "Static"},
		{0x4000, "NetMulticast"}, {0x8000, "UbergraphFunction"}, {0x10000, "MulticastDelegate"},
		{0x20000, "Public"}, {0x40000, "Private"}, {0x80000, "Protected"}, {0x100000, "Delegate"},
		{0x200000, "NetServer"}, {0x400000, "HasOutParms"}, {0x800000, "HasDefaults"},
		{0x1000000, "NetClient"}, {0x2000000, "DLLImport"}, {0x4000000, "BlueprintCallable"},
		{0x8000000, "BlueprintEvent"}, {0x10000000, "BlueprintPure"}, {0x20000000, "EditorOnly"},
		{0x40000000, "Const"}, {0x80000000, "NetValidate"},
	},
	"EEnumFlags":          {{0x1, "Flags"}, {0x2, "NewerVersionExists"}},
	"EArrayPropertyFlags": {{0x1, "UsesMemoryImageAllocator"}},
	"EMapPropertyFlags":   {{0x1, "UsesMemoryImageAllocator"}},
}

// FlagNames returns the names of the bits set in v for the named enum.
// Unnamed bits are rendered as hex.
func FlagNames(enum string, v uint64) []string {
	table, ok := flagTables[enum]
	if !ok {
		if v == 0 {
			return nil
		}
		return []string{fmt.Sprintf("0x%x", v)}
	}
	var out []string
	rest := v
	for _, fb := range table {
		if v&fb.value == fb.value {
			out = append(out, fb.name)
			rest &^= fb.value
		}
	}
	for rest != 0 {
		b := uint64(1) << uint(bits.TrailingZeros64(rest))
		out = append(out, fmt.Sprintf("0x%x", b))
		rest &^= b
	}
	return out
}

// KnownFlagEnum reports whether enum has a name table.
func KnownFlagEnum(enum string) bool {
	_, ok := flagTables[enum]
	return ok
}

// CppForm is the declaration form of a reflected enum.
type CppForm uint8

const (
	CppFormRegular CppForm = iota
	CppFormNamespaced
	CppFormEnumClass
)

func (c CppForm) String() string {
	switch c {
	case CppFormRegular:
		return "Regular"
	case CppFormNamespaced:
		return "Namespaced"
	case CppFormEnumClass:
		return "EnumClass"
	}
	return fmt.Sprintf("CppForm(%d)", uint8(c))
}
