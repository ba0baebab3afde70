// Package debuginfo defines the declarations a debug-info producer yields and
// the visitor interfaces used to consume them.
//
// Consumers walk a Provider twice: once for types, then once for functions
// and variables, so that every type reference of a variable can be resolved.
package debuginfo

// ID is the identifier of a type declaration, unique within one provider.
type ID = uint64

// BaseType declares a scalar type.
type BaseType struct {
	ID       ID
	Name     string
	ByteSize uint64
	Encoding int64
}

// ArrayType declares an array. HasBound is false when no upper bound was
// emitted (flexible or extern arrays).
type ArrayType struct {
	ID         ID
	Elem       ID
	UpperBound int64
	HasBound   bool
}

// Member is a struct member with its declared byte offset.
type Member struct {
	ID     ID
	Name   string
	Type   ID
	Offset uint64
}

// StructType declares a struct with its members in declaration order.
type StructType struct {
	ID       ID
	Name     string
	ByteSize uint64
	Members  []Member
}

// PointerType declares a pointer. HasPointee is false for void pointers.
type PointerType struct {
	ID         ID
	Pointee    ID
	HasPointee bool
}

// Typedef declares an alias.
type Typedef struct {
	ID         ID
	Name       string
	Aliased    ID
	HasAliased bool
}

// Subprogram declares a function. When HighPCIsLength is set HighPC is a
// byte length relative to LowPC rather than an address.
type Subprogram struct {
	Name           string
	LowPC          uint64
	HighPC         uint64
	HighPCIsLength bool
}

// End returns the exclusive end address of the function.
func (s *Subprogram) End() uint64 {
	if s.HighPCIsLength {
		return s.LowPC + s.HighPC
	}
	return s.HighPC
}

// Variable declares a variable. Function is empty for globals. Location is
// the raw location expression bytecode.
type Variable struct {
	Name     string
	Function string
	Type     ID
	HasType  bool
	Location []byte
}

// TypeVisitor receives type declarations. An error returned by a visit
// method skips that declaration only.
type TypeVisitor interface {
	VisitBase(*BaseType) error
	VisitArray(*ArrayType) error
	VisitStruct(*StructType) error
	VisitPointer(*PointerType) error
	VisitTypedef(*Typedef) error
}

// SymbolVisitor receives function and variable declarations.
type SymbolVisitor interface {
	VisitSubprogram(*Subprogram) error
	VisitVariable(*Variable) error
}

// Provider produces declarations. Walk methods return an error only when the
// debug info cannot be read at all; per-declaration visitor errors are
// reported through the visitor's own bookkeeping.
type Provider interface {
	WalkTypes(TypeVisitor) error
	WalkSymbols(SymbolVisitor) error
}
