package debuginfo

// Static is an in-memory Provider. Declarations are replayed in the order
// they were added, which makes it handy for tests and for exercising forward
// references deliberately.
type Static struct {
	types   []interface{}
	symbols []interface{}
	Err     error // returned by both walks when set
}

func (s *Static) Base(id ID, name string, size uint64, encoding int64) *Static {
	s.types = append(s.types, &BaseType{ID: id, Name: name, ByteSize: size, Encoding: encoding})
	return s
}

func (s *Static) Array(id, elem ID, upperBound int64) *Static {
	s.types = append(s.types, &ArrayType{ID: id, Elem: elem, UpperBound: upperBound, HasBound: upperBound >= 0})
	return s
}

func (s *Static) Struct(id ID, name string, size uint64, members ...Member) *Static {
	s.types = append(s.types, &StructType{ID: id, Name: name, ByteSize: size, Members: members})
	return s
}

func (s *Static) Pointer(id, pointee ID) *Static {
	s.types = append(s.types, &PointerType{ID: id, Pointee: pointee, HasPointee: true})
	return s
}

func (s *Static) VoidPointer(id ID) *Static {
	s.types = append(s.types, &PointerType{ID: id})
	return s
}

func (s *Static) Typedef(id ID, name string, aliased ID) *Static {
	s.types = append(s.types, &Typedef{ID: id, Name: name, Aliased: aliased, HasAliased: true})
	return s
}

func (s *Static) Func(name string, low, high uint64) *Static {
	s.symbols = append(s.symbols, &Subprogram{Name: name, LowPC: low, HighPC: high})
	return s
}

// Var adds a variable. fn is empty for globals.
func (s *Static) Var(name, fn string, typ ID, location []byte) *Static {
	s.symbols = append(s.symbols, &Variable{Name: name, Function: fn, Type: typ, HasType: true, Location: location})
	return s
}

func (s *Static) WalkTypes(v TypeVisitor) error {
	if s.Err != nil {
		return s.Err
	}
	for _, d := range s.types {
		switch d := d.(type) {
		case *BaseType:
			_ = v.VisitBase(d)
		case *ArrayType:
			_ = v.VisitArray(d)
		case *StructType:
			_ = v.VisitStruct(d)
		case *PointerType:
			_ = v.VisitPointer(d)
		case *Typedef:
			_ = v.VisitTypedef(d)
		}
	}
	return nil
}

func (s *Static) WalkSymbols(v SymbolVisitor) error {
	if s.Err != nil {
		return s.Err
	}
	for _, d := range s.symbols {
		switch d := d.(type) {
		case *Subprogram:
			_ = v.VisitSubprogram(d)
		case *Variable:
			_ = v.VisitVariable(d)
		}
	}
	return nil
}

// AddrExpr encodes DW_OP_addr addr.
func AddrExpr(addr uint64) []byte {
	b := []byte{0x03, 0, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 8; i++ {
		b[1+i] = byte(addr >> (8 * i))
	}
	return b
}

// FrameExpr encodes DW_OP_fbreg off.
func FrameExpr(off int64) []byte {
	b := []byte{0x91}
	for {
		c := byte(off & 0x7f)
		off >>= 7
		if (off == 0 && c&0x40 == 0) || (off == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
