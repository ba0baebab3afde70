// Package elfdwarf reads declarations out of the DWARF sections of an ELF
// executable.
package elfdwarf

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"sync"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-delve/delve/pkg/dwarf/util"
	"github.com/hitzhangjie/ohmd/pkg/debuginfo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// File an opened executable and its DWARF data
type File struct {
	Path string

	elf   *elf.File
	dwarf *dwarf.Data

	linesOnce sync.Once
	lines     lineTable

	structsOnce sync.Once
	structs     map[string]dwarf.Offset
}

var _ debuginfo.Provider = (*File)(nil)

// Open opens executable `path` and loads its debug info
func Open(path string) (*File, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	// check info section
	if ef.Section(".debug_info") == nil && ef.Section(".zdebug_info") == nil {
		ef.Close()
		return nil, errors.Errorf("%s: no debug info, rebuild with -g", path)
	}

	data, err := ef.DWARF()
	if err != nil {
		ef.Close()
		return nil, errors.Wrapf(err, "parse dwarf of %s", path)
	}
	return &File{Path: path, elf: ef, dwarf: data}, nil
}

// Close releases the underlying file.
func (f *File) Close() error {
	return f.elf.Close()
}

// Machine returns the ELF machine, the importer only understands x86-64
// location registers.
func (f *File) Machine() elf.Machine {
	return f.elf.Machine
}

// PositionIndependent reports whether the executable is loaded at a random
// base. Its DWARF addresses would then need relocating.
func (f *File) PositionIndependent() bool {
	return f.elf.Type == elf.ET_DYN
}

// FrameEntries parses .debug_frame to build the Call Frame Information,
// falling back to .eh_frame when the former is absent.
//
// see DWARFv4 6.4 Call Frame Information.
func (f *File) FrameEntries() (frame.FrameDescriptionEntries, error) {
	var infoBytes []byte
	if s := f.elf.Section(".debug_info"); s != nil {
		infoBytes, _ = s.Data()
	}
	order := frame.DwarfEndian(infoBytes)

	if s := f.elf.Section(".debug_frame"); s != nil {
		data, err := s.Data()
		if err == nil && len(data) > 0 {
			return frame.Parse(data, order, 0, 8, 0)
		}
	}
	if s := f.elf.Section(".eh_frame"); s != nil {
		data, err := s.Data()
		if err != nil {
			return nil, errors.Wrap(err, "read .eh_frame")
		}
		return frame.Parse(data, order, 0, 8, s.Addr)
	}
	return nil, errors.New("no frame entries found")
}

// Code returns up to n bytes of the loaded image starting at addr, read from
// the executable section that contains it.
func (f *File) Code(addr uint64, n int) ([]byte, error) {
	for _, s := range f.elf.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || addr < s.Addr || addr >= s.Addr+s.Size {
			continue
		}
		if avail := s.Addr + s.Size - addr; uint64(n) > avail {
			n = int(avail)
		}
		buf := make([]byte, n)
		if _, err := s.ReadAt(buf, int64(addr-s.Addr)); err != nil {
			return nil, errors.Wrapf(err, "read %s at %#x", s.Name, addr)
		}
		return buf, nil
	}
	return nil, errors.Errorf("no code at %#x", addr)
}

// WalkTypes visits every base, array, struct, pointer and typedef entry.
// Const and volatile qualifiers are reported as typedefs of what they
// qualify.
func (f *File) WalkTypes(v debuginfo.TypeVisitor) error {
	rd := f.dwarf.Reader()
	for {
		entry, err := rd.Next()
		if err != nil {
			return errors.Wrap(err, "read debug_info")
		}
		if entry == nil { // reaches the end
			return nil
		}

		switch entry.Tag {
		case dwarf.TagBaseType:
			name, _ := entry.Val(dwarf.AttrName).(string)
			size, _ := entry.Val(dwarf.AttrByteSize).(int64)
			enc, _ := entry.Val(dwarf.AttrEncoding).(int64)
			visit(v.VisitBase(&debuginfo.BaseType{
				ID:       uint64(entry.Offset),
				Name:     name,
				ByteSize: uint64(size),
				Encoding: enc,
			}), entry)

		case dwarf.TagPointerType:
			d := &debuginfo.PointerType{ID: uint64(entry.Offset)}
			if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
				d.Pointee, d.HasPointee = uint64(off), true
			}
			visit(v.VisitPointer(d), entry)

		case dwarf.TagTypedef, dwarf.TagConstType, dwarf.TagVolatileType:
			name, _ := entry.Val(dwarf.AttrName).(string)
			if entry.Tag == dwarf.TagConstType {
				name = "const"
			} else if entry.Tag == dwarf.TagVolatileType {
				name = "volatile"
			}
			d := &debuginfo.Typedef{ID: uint64(entry.Offset), Name: name}
			if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
				d.Aliased, d.HasAliased = uint64(off), true
			}
			visit(v.VisitTypedef(d), entry)

		case dwarf.TagArrayType:
			arrays, err := readArray(rd, entry)
			if err != nil {
				return err
			}
			for _, a := range arrays {
				visit(v.VisitArray(a), entry)
			}

		case dwarf.TagStructType:
			s, err := readStruct(rd, entry)
			if err != nil {
				return err
			}
			if isDeclaration(entry) {
				if td, ok := completeDeclaration(entry, f.structDefs()); ok {
					visit(v.VisitTypedef(td), entry)
					continue
				}
			}
			visit(v.VisitStruct(s), entry)
		}
	}
}

// readArray reads the subrange children of an array entry. A multi
// dimensional array becomes a chain of one-dimensional arrays: the outer one
// keeps the entry's offset, inner ones take the offset of their subrange.
func readArray(rd *dwarf.Reader, entry *dwarf.Entry) ([]*debuginfo.ArrayType, error) {
	elem, _ := entry.Val(dwarf.AttrType).(dwarf.Offset)
	var arrays []*debuginfo.ArrayType

	if entry.Children {
		for {
			child, err := rd.Next()
			if err != nil {
				return nil, errors.Wrap(err, "read array subrange")
			}
			if child == nil || child.Tag == 0 {
				break
			}
			if child.Tag != dwarf.TagSubrangeType {
				if child.Children {
					rd.SkipChildren()
				}
				continue
			}

			id := uint64(entry.Offset)
			if len(arrays) > 0 {
				id = uint64(child.Offset)
				arrays[len(arrays)-1].Elem = id
			}
			a := &debuginfo.ArrayType{ID: id, Elem: uint64(elem)}
			if ub, ok := child.Val(dwarf.AttrUpperBound).(int64); ok {
				a.UpperBound, a.HasBound = ub, true
			} else if n, ok := child.Val(dwarf.AttrCount).(int64); ok {
				a.UpperBound, a.HasBound = n-1, true
			}
			arrays = append(arrays, a)
		}
	}
	if len(arrays) == 0 {
		arrays = append(arrays, &debuginfo.ArrayType{ID: uint64(entry.Offset), Elem: uint64(elem)})
	}
	return arrays, nil
}

func readStruct(rd *dwarf.Reader, entry *dwarf.Entry) (*debuginfo.StructType, error) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	size, _ := entry.Val(dwarf.AttrByteSize).(int64)
	s := &debuginfo.StructType{ID: uint64(entry.Offset), Name: name, ByteSize: uint64(size)}
	if !entry.Children {
		return s, nil
	}

	for {
		child, err := rd.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read struct member")
		}
		if child == nil || child.Tag == 0 {
			return s, nil
		}
		if child.Tag != dwarf.TagMember {
			// nested declarations inside a struct are not imported
			if child.Children {
				rd.SkipChildren()
			}
			continue
		}
		mname, _ := child.Val(dwarf.AttrName).(string)
		mtype, _ := child.Val(dwarf.AttrType).(dwarf.Offset)
		s.Members = append(s.Members, debuginfo.Member{
			ID:     uint64(child.Offset),
			Name:   mname,
			Type:   uint64(mtype),
			Offset: memberOffset(child),
		})
	}
}

func isDeclaration(e *dwarf.Entry) bool {
	decl, _ := e.Val(dwarf.AttrDeclaration).(bool)
	return decl
}

// structDefs maps struct names to their first complete definition. A
// compile unit that only sees `struct node;` refers to a declaration, the
// definition lives in another unit.
func (f *File) structDefs() map[string]dwarf.Offset {
	f.structsOnce.Do(func() {
		f.structs = map[string]dwarf.Offset{}
		rd := f.dwarf.Reader()
		for {
			entry, err := rd.Next()
			if err != nil || entry == nil {
				return
			}
			if entry.Tag != dwarf.TagStructType || isDeclaration(entry) {
				continue
			}
			name, _ := entry.Val(dwarf.AttrName).(string)
			if _, seen := f.structs[name]; name != "" && !seen {
				f.structs[name] = entry.Offset
			}
		}
	})
	return f.structs
}

// completeDeclaration turns a struct declaration into an alias of the
// definition with the same name.
func completeDeclaration(entry *dwarf.Entry, defs map[string]dwarf.Offset) (*debuginfo.Typedef, bool) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	def, ok := defs[name]
	if name == "" || !ok {
		return nil, false
	}
	return &debuginfo.Typedef{
		ID:         uint64(entry.Offset),
		Name:       name,
		Aliased:    uint64(def),
		HasAliased: true,
	}, true
}

// memberOffset handles both the DWARF4 constant form and the DWARF2
// "DW_OP_plus_uconst n" expression form of DW_AT_data_member_location.
func memberOffset(e *dwarf.Entry) uint64 {
	switch v := e.Val(dwarf.AttrDataMemberLoc).(type) {
	case int64:
		return uint64(v)
	case []byte:
		if len(v) > 1 && op.Opcode(v[0]) == op.DW_OP_plus_uconst {
			off, _ := util.DecodeULEB128(bytes.NewBuffer(v[1:]))
			return off
		}
	}
	return 0
}

// WalkSymbols visits subprograms with a code range, and variables and formal
// parameters. Locals are attributed to the innermost enclosing subprogram.
//
// see DWARFv4 3.3 subroutine and entry point entries
func (f *File) WalkSymbols(v debuginfo.SymbolVisitor) error {
	rd := f.dwarf.Reader()

	// fnStack tracks enclosing subprograms by the depth they opened at
	type scope struct {
		name  string
		depth int
	}
	var fnStack []scope
	depth := 0

	for {
		entry, err := rd.Next()
		if err != nil {
			return errors.Wrap(err, "read debug_info")
		}
		if entry == nil {
			return nil
		}

		if entry.Tag == 0 {
			depth--
			for len(fnStack) > 0 && fnStack[len(fnStack)-1].depth > depth {
				fnStack = fnStack[:len(fnStack)-1]
			}
			continue
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			depth = 0
			fnStack = fnStack[:0]

		case dwarf.TagSubprogram:
			name := f.entryName(entry)
			if sp, ok := subprogram(entry, name); ok {
				visit(v.VisitSubprogram(sp), entry)
			}
			if entry.Children {
				fnStack = append(fnStack, scope{name: name, depth: depth + 1})
			}

		case dwarf.TagVariable, dwarf.TagFormalParameter:
			d := f.variable(entry)
			if len(fnStack) > 0 {
				d.Function = fnStack[len(fnStack)-1].name
			}
			if d.Name != "" {
				visit(v.VisitVariable(d), entry)
			}
		}

		if entry.Children {
			depth++
		}
	}
}

func subprogram(entry *dwarf.Entry, name string) (*debuginfo.Subprogram, bool) {
	low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return nil, false
	}
	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return nil, false
	}
	sp := &debuginfo.Subprogram{Name: name, LowPC: low}
	switch hv := field.Val.(type) {
	case uint64:
		sp.HighPC = hv
	case int64:
		sp.HighPC = uint64(hv)
		sp.HighPCIsLength = field.Class == dwarf.ClassConstant
	default:
		return nil, false
	}
	return sp, true
}

func (f *File) variable(entry *dwarf.Entry) *debuginfo.Variable {
	d := &debuginfo.Variable{Name: f.entryName(entry)}

	off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		// a definition completing an extern declaration carries its type
		// on the declaration
		if spec := f.specification(entry); spec != nil {
			off, ok = spec.Val(dwarf.AttrType).(dwarf.Offset)
		}
	}
	d.Type, d.HasType = uint64(off), ok

	if field := entry.AttrField(dwarf.AttrLocation); field != nil {
		if loc, ok := field.Val.([]byte); ok {
			d.Location = loc
		}
	}
	return d
}

func (f *File) entryName(entry *dwarf.Entry) string {
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		return name
	}
	if spec := f.specification(entry); spec != nil {
		name, _ := spec.Val(dwarf.AttrName).(string)
		return name
	}
	return ""
}

func (f *File) specification(entry *dwarf.Entry) *dwarf.Entry {
	off, ok := entry.Val(dwarf.AttrSpecification).(dwarf.Offset)
	if !ok {
		off, ok = entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	}
	if !ok {
		return nil
	}
	rd := f.dwarf.Reader()
	rd.Seek(off)
	spec, err := rd.Next()
	if err != nil {
		return nil
	}
	return spec
}

func visit(err error, entry *dwarf.Entry) {
	if err != nil {
		log.WithField("offset", entry.Offset).Debugf("skip %s: %v", entry.Tag, err)
	}
}
