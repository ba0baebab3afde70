// Package types holds the resolved type graph of the traced program.
//
// Types are stored in an arena owned by a Catalog and refer to each other by
// ID, so the graph may contain forward references and cycles (through pointer
// indirection) while it is being imported.
package types

import (
	"fmt"
	"strings"
)

// ID identifies a type within one debug-info load. For DWARF it is the
// offset of the declaring entry.
type ID uint64

// Kind is the shape of a type node.
type Kind uint8

const (
	Scalar Kind = iota
	Pointer
	Array
	Struct
	Alias
	Member
)

var kindNames = [...]string{
	Scalar:  "scalar",
	Pointer: "pointer",
	Array:   "array",
	Struct:  "struct",
	Alias:   "alias",
	Member:  "member",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ScalarKind tells the decoder how to interpret the raw bytes of a scalar.
type ScalarKind uint8

const (
	ScalarUnknown ScalarKind = iota
	ScalarInt
	ScalarUint
	ScalarLong
	ScalarUlong
	ScalarLongLong
	ScalarUlongLong
	ScalarShort
	ScalarUshort
	ScalarFloat
	ScalarDouble
	ScalarChar
	ScalarUchar
	ScalarBool
)

var scalarNames = [...]string{
	ScalarUnknown:   "unknown",
	ScalarInt:       "int",
	ScalarUint:      "uint",
	ScalarLong:      "long",
	ScalarUlong:     "ulong",
	ScalarLongLong:  "longlong",
	ScalarUlongLong: "ulonglong",
	ScalarShort:     "short",
	ScalarUshort:    "ushort",
	ScalarFloat:     "float",
	ScalarDouble:    "double",
	ScalarChar:      "char",
	ScalarUchar:     "uchar",
	ScalarBool:      "bool",
}

func (k ScalarKind) String() string {
	if int(k) < len(scalarNames) {
		return scalarNames[k]
	}
	return fmt.Sprintf("scalar(%d)", k)
}

// DWARF base type encodings (DWARFv4 7.8).
const (
	EncodingBoolean      = 0x02
	EncodingFloat        = 0x04
	EncodingSigned       = 0x05
	EncodingSignedChar   = 0x06
	EncodingUnsigned     = 0x07
	EncodingUnsignedChar = 0x08
)

// PointerWidth is the size of a raw pointer in the traced process.
const PointerWidth = 8

// Type is a node of the type graph.
//
// Size semantics depend on Kind: scalars and structs carry their declared
// byte size, arrays carry element size times element count once the catalog
// has been refreshed, members carry their own byte offset until refresh and
// their computed extent afterwards. Pointers and aliases have no size of
// their own, see Catalog.ResolvedSize.
type Type struct {
	ID       ID
	Kind     Kind
	Name     string
	Size     uint64
	Count    int64 // array element count, -1 when the bound is unknown
	Offset   uint64
	Scalar   ScalarKind
	Elements []ID

	// Resolved is false for stubs created by forward references that have
	// not been declared yet.
	Resolved bool
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s id=%#x size=%d)", t.Kind, t.Name, t.ID, t.Size)
}

// ClassifyScalar derives the scalar decoding kind from a base type's DWARF
// encoding, byte size and name. Encoding 0 falls back to the name.
func ClassifyScalar(name string, encoding int64, size uint64) ScalarKind {
	switch encoding {
	case EncodingBoolean:
		return ScalarBool
	case EncodingFloat:
		switch size {
		case 4:
			return ScalarFloat
		case 8:
			return ScalarDouble
		}
		return ScalarUnknown
	case EncodingSignedChar:
		return ScalarChar
	case EncodingUnsignedChar:
		return ScalarUchar
	case EncodingSigned:
		return signedBySize(name, size)
	case EncodingUnsigned:
		return unsignedBySize(name, size)
	}
	return scalarByName(name)
}

func signedBySize(name string, size uint64) ScalarKind {
	switch size {
	case 1:
		return ScalarChar
	case 2:
		return ScalarShort
	case 4:
		return ScalarInt
	case 8:
		if strings.Contains(name, "long long") {
			return ScalarLongLong
		}
		return ScalarLong
	}
	return ScalarUnknown
}

func unsignedBySize(name string, size uint64) ScalarKind {
	switch size {
	case 1:
		return ScalarUchar
	case 2:
		return ScalarUshort
	case 4:
		return ScalarUint
	case 8:
		if strings.Contains(name, "long long") {
			return ScalarUlongLong
		}
		return ScalarUlong
	}
	return ScalarUnknown
}

var scalarByNameTable = map[string]ScalarKind{
	"int":                    ScalarInt,
	"signed int":             ScalarInt,
	"unsigned int":           ScalarUint,
	"long int":               ScalarLong,
	"long":                   ScalarLong,
	"long unsigned int":      ScalarUlong,
	"unsigned long":          ScalarUlong,
	"long long int":          ScalarLongLong,
	"long long unsigned int": ScalarUlongLong,
	"short int":              ScalarShort,
	"short unsigned int":     ScalarUshort,
	"float":                  ScalarFloat,
	"double":                 ScalarDouble,
	"char":                   ScalarChar,
	"signed char":            ScalarChar,
	"unsigned char":          ScalarUchar,
	"_Bool":                  ScalarBool,
	"bool":                   ScalarBool,
}

func scalarByName(name string) ScalarKind {
	if k, ok := scalarByNameTable[name]; ok {
		return k
	}
	return ScalarUnknown
}
