package types

import (
	"github.com/pkg/errors"
)

// maxDepth bounds alias/array walks so that a malformed graph cannot
// recurse forever.
const maxDepth = 64

var (
	ErrNotStructPointer = errors.New("not a pointer to struct")
	ErrNoSuchMember     = errors.New("no such struct member")
)

// Catalog owns every type imported from the debug info, in declaration order.
type Catalog struct {
	types []*Type
	index map[ID]int
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{index: map[ID]int{}}
}

// Len returns the number of types, stubs included.
func (c *Catalog) Len() int {
	return len(c.types)
}

// Types returns all types in declaration order.
func (c *Catalog) Types() []*Type {
	return c.types
}

// Get returns the type with the given id, if it has been seen.
func (c *Catalog) Get(id ID) (*Type, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.types[i], true
}

// GetOrCreate returns the type with the given id, allocating an unresolved
// stub if the id has not been seen yet. Later declarations of the same id
// fill the stub in place.
func (c *Catalog) GetOrCreate(id ID) *Type {
	if t, ok := c.Get(id); ok {
		return t
	}
	t := &Type{ID: id, Kind: Scalar, Count: 1}
	c.index[id] = len(c.types)
	c.types = append(c.types, t)
	return t
}

// AddBase declares a base (scalar) type.
func (c *Catalog) AddBase(id ID, name string, size uint64, encoding int64) *Type {
	t := c.GetOrCreate(id)
	t.Kind = Scalar
	t.Name = name
	t.Size = size
	t.Count = 1
	t.Scalar = ClassifyScalar(name, encoding, size)
	t.Elements = nil
	t.Resolved = true
	return t
}

// AddPointer declares a pointer type. A pointer without a known pointee
// (void *) becomes an "<unknown-ptr>" of size 0.
func (c *Catalog) AddPointer(id ID, pointee ID, hasPointee bool) *Type {
	t := c.GetOrCreate(id)
	t.Kind = Pointer
	t.Count = 1
	t.Size = 0
	t.Resolved = true
	if !hasPointee {
		t.Name = "<unknown-ptr>"
		t.Elements = nil
		return t
	}
	target := c.GetOrCreate(pointee)
	t.Elements = []ID{pointee}
	if target.Resolved && target.Name != "" {
		t.Name = target.Name + "*"
	}
	return t
}

// AddArray declares an array type. Its size stays 0 until
// RefreshCompoundSizes. An array whose bound is unknown is kept as an
// "<unknown-array>" stub of size 0.
func (c *Catalog) AddArray(id ID, elem ID, upperBound int64, hasBound bool) *Type {
	t := c.GetOrCreate(id)
	t.Kind = Array
	t.Size = 0
	t.Resolved = true
	c.GetOrCreate(elem)
	t.Elements = []ID{elem}
	if !hasBound {
		t.Name = "<unknown-array>"
		t.Count = -1
		return t
	}
	t.Count = upperBound + 1
	return t
}

// MemberDecl is one struct member as declared in the debug info.
type MemberDecl struct {
	ID     ID
	Name   string
	Type   ID
	Offset uint64
}

// AddStruct declares a struct type together with its members. Each member
// becomes a Member node aliasing the member's real type; its Size holds the
// member's byte offset until RefreshCompoundSizes turns it into a size.
func (c *Catalog) AddStruct(id ID, name string, size uint64, members []MemberDecl) *Type {
	elems := make([]ID, 0, len(members))
	for _, m := range members {
		mt := c.GetOrCreate(m.ID)
		mt.Kind = Member
		mt.Name = m.Name
		if mt.Name == "" {
			mt.Name = "<unknown-structmbr>"
		}
		mt.Size = m.Offset
		mt.Offset = m.Offset
		mt.Count = 1
		mt.Resolved = true
		c.GetOrCreate(m.Type)
		mt.Elements = []ID{m.Type}
		elems = append(elems, m.ID)
	}

	t := c.GetOrCreate(id)
	t.Kind = Struct
	t.Name = name
	if t.Name == "" {
		t.Name = "<unknown-struct>"
	}
	t.Size = size
	t.Count = 1
	t.Elements = elems
	t.Resolved = true
	return t
}

// AddAlias declares a typedef.
func (c *Catalog) AddAlias(id ID, name string, aliased ID, hasAliased bool) *Type {
	t := c.GetOrCreate(id)
	t.Kind = Alias
	t.Name = name
	if t.Name == "" {
		t.Name = "<unknown-typedef>"
	}
	t.Size = 0
	t.Count = 1
	t.Resolved = true
	t.Elements = nil
	if hasAliased {
		c.GetOrCreate(aliased)
		t.Elements = []ID{aliased}
	}
	return t
}

// Elem returns the i-th child of t, or nil.
func (c *Catalog) Elem(t *Type, i int) *Type {
	if t == nil || i < 0 || i >= len(t.Elements) {
		return nil
	}
	e, _ := c.Get(t.Elements[i])
	return e
}

// ResolvedSize returns the byte size of t, walking aliases. Note that the
// size of a pointer is the size of its pointee: probes read what a pointer
// points at, the raw pointer width is PointerWidth. A nil or unresolvable
// type has size 0.
func (c *Catalog) ResolvedSize(t *Type) uint64 {
	return c.resolvedSize(t, 0)
}

func (c *Catalog) resolvedSize(t *Type, depth int) uint64 {
	if t == nil || depth > maxDepth {
		return 0
	}
	switch t.Kind {
	case Alias, Pointer:
		return c.resolvedSize(c.Elem(t, 0), depth+1)
	}
	return t.Size
}

// ResolvedElementCount returns the number of scalar elements of t, walking
// aliases and flattening nested arrays. Non-array types count as 1; a nil or
// unresolvable type counts as 0.
func (c *Catalog) ResolvedElementCount(t *Type) uint64 {
	return c.resolvedCount(t, 0)
}

func (c *Catalog) resolvedCount(t *Type, depth int) uint64 {
	if t == nil || depth > maxDepth {
		return 0
	}
	switch t.Kind {
	case Alias, Member:
		if e := c.Elem(t, 0); e != nil {
			return c.resolvedCount(e, depth+1)
		}
		return 0
	case Array:
		if t.Count < 0 {
			return 0
		}
		e := c.Underlying(c.Elem(t, 0))
		if e != nil && e.Kind == Array {
			return uint64(t.Count) * c.resolvedCount(e, depth+1)
		}
		return uint64(t.Count)
	}
	return 1
}

// Underlying walks alias and member indirections to the first concrete type.
func (c *Catalog) Underlying(t *Type) *Type {
	for depth := 0; t != nil && depth <= maxDepth; depth++ {
		if t.Kind != Alias && t.Kind != Member {
			return t
		}
		t = c.Elem(t, 0)
	}
	return nil
}

// Pointee returns what t points at if t is (an alias of) a pointer.
func (c *Catalog) Pointee(t *Type) *Type {
	u := c.Underlying(t)
	if u == nil || u.Kind != Pointer {
		return nil
	}
	return c.Elem(u, 0)
}

// ArrayElem returns the element type and outer length of an array type.
func (c *Catalog) ArrayElem(t *Type) (*Type, int64, bool) {
	u := c.Underlying(t)
	if u == nil || u.Kind != Array {
		return nil, 0, false
	}
	return c.Elem(u, 0), u.Count, true
}

// Member looks up a member by name in the struct that ptr points to. The
// offset is the sum of the refreshed sizes of the preceding members.
func (c *Catalog) Member(ptr *Type, name string) (offset uint64, member *Type, err error) {
	s := c.Underlying(c.Pointee(ptr))
	if s == nil || s.Kind != Struct {
		return 0, nil, ErrNotStructPointer
	}
	for i := range s.Elements {
		m := c.Elem(s, i)
		if m == nil {
			continue
		}
		if m.Name == name {
			return offset, m, nil
		}
		offset += m.Size
	}
	return 0, nil, errors.Wrapf(ErrNoSuchMember, "%s.%s", s.Name, name)
}

// RefreshCompoundSizes fixes sizes that could not be known while importing
// because declarations arrive in arbitrary order: array sizes become element
// count times element size, and struct members turn their placeholder offsets
// into extents (next offset minus own offset, the last member extends to the
// end of the struct). Calling it again is harmless.
func (c *Catalog) RefreshCompoundSizes() {
	done := map[ID]bool{}
	for _, t := range c.types {
		if t.Kind == Array {
			c.refreshArray(t, done, 0)
		}
	}

	for _, t := range c.types {
		switch t.Kind {
		case Struct:
			c.refreshStruct(t)
		case Pointer:
			if t.Name == "" {
				if p := c.Elem(t, 0); p != nil && p.Resolved {
					t.Name = p.Name + "*"
				} else {
					t.Name = "<unknown-ptr>"
				}
			}
		}
	}
}

func (c *Catalog) refreshArray(t *Type, done map[ID]bool, depth int) {
	if done[t.ID] || depth > maxDepth {
		return
	}
	done[t.ID] = true

	e := c.Elem(t, 0)
	if u := c.Underlying(e); u != nil && u.Kind == Array {
		c.refreshArray(u, done, depth+1)
	}
	if t.Count < 0 {
		t.Size = 0
		return
	}
	t.Size = uint64(t.Count) * c.ResolvedSize(e)
	if t.Name == "" && e != nil {
		t.Name = e.Name
	}
}

func (c *Catalog) refreshStruct(s *Type) {
	n := len(s.Elements)
	for i := 0; i < n; i++ {
		m := c.Elem(s, i)
		if m == nil {
			continue
		}
		end := s.Size
		if i+1 < n {
			if next := c.Elem(s, i+1); next != nil {
				end = next.Offset
			}
		}
		if end < m.Offset {
			m.Size = 0
			continue
		}
		m.Size = end - m.Offset
	}
}
