package probe

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/hitzhangjie/ohmd/pkg/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BuiltinTick reports the current tick number.
const BuiltinTick = "@tick"

var (
	arrayRe  = regexp.MustCompile(`^([A-Za-z_][\w.]*)\[([\w.]*)(:?)([\w.]*)\]$`)
	memberRe = regexp.MustCompile(`^([A-Za-z_][\w.]*)->([A-Za-z_]\w*)$`)
	digitsRe = regexp.MustCompile(`^[0-9]+$`)
)

// Set is an ordered probe set: insertion order is reporting order.
type Set []*Probe

// Compiler compiles probe specs against loaded catalogs.
type Compiler struct {
	Types   *types.Catalog
	Symbols *symbol.Table
}

// NewCompiler returns a compiler bound to c and t.
func NewCompiler(c *types.Catalog, t *symbol.Table) *Compiler {
	return &Compiler{Types: c, Symbols: t}
}

// CompileAll compiles every spec in order. Specs that fail are dropped and
// their errors returned; they never prevent the others from compiling.
func (c *Compiler) CompileAll(specs []string) (Set, []error) {
	var (
		set  Set
		errs []error
	)
	for _, spec := range specs {
		p, err := c.Compile(spec)
		if err != nil {
			log.WithField("probe", spec).Warnf("skipping probe: %v", err)
			errs = append(errs, err)
			continue
		}
		log.WithField("probe", spec).Debugf("compiled %s", p)
		set = append(set, p)
	}
	return set, errs
}

// Compile parses spec and binds it to the catalogs.
func (c *Compiler) Compile(spec string) (*Probe, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, errors.Wrap(ErrMalformedSpec, "empty spec")
	}

	if i := strings.IndexByte(s, '*'); i >= 0 {
		return c.compileDeref(spec, s[i+1:])
	}
	if strings.HasPrefix(s, "&") {
		return c.compileAddrOf(spec, s[1:])
	}
	if strings.HasPrefix(s, "@") {
		if s != BuiltinTick {
			return nil, errors.Wrapf(ErrUnknownProbeTarget, "builtin %s", s)
		}
		return &Probe{Name: spec, Kind: Builtin}, nil
	}
	if m := arrayRe.FindStringSubmatch(s); m != nil {
		return c.compileSlice(spec, m[1], m[2], m[3] != "", m[4])
	}
	if strings.ContainsAny(s, "[]") {
		return nil, errors.Wrapf(ErrMalformedSpec, "%q", s)
	}
	if m := memberRe.FindStringSubmatch(s); m != nil {
		return c.compileMember(spec, m[1], m[2])
	}
	if strings.Contains(s, "->") {
		return nil, errors.Wrapf(ErrMalformedSpec, "%q", s)
	}
	return c.compilePlain(spec, s)
}

// variable looks name up as a variable. A name that only exists as a
// function is reported as an invalid target for this kind of probe.
func (c *Compiler) variable(name string) (*symbol.Variable, error) {
	if name == "" {
		return nil, errors.Wrap(ErrMalformedSpec, "missing operand")
	}
	if v, ok := c.Symbols.Variable(name); ok {
		return v, nil
	}
	if _, ok := c.Symbols.Function(name); ok {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s is a function", name)
	}
	return nil, errors.Wrap(ErrUnknownProbeTarget, name)
}

// sized returns the resolved size of v's type, rejecting zero-size types.
func (c *Compiler) sized(v *symbol.Variable) (uint64, error) {
	size := c.Types.ResolvedSize(v.Type)
	if size == 0 {
		return 0, errors.Wrapf(ErrInvalidProbeType, "%s: zero-size type %s", v.Name, v.Type.Name)
	}
	return size, nil
}

func (c *Compiler) layout(v *symbol.Variable, t *types.Type) (*Layout, error) {
	l, ok := LayoutOf(c.Types, t)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s: cannot decode %s", v.Name, t)
	}
	if l.Kind == LayoutScalar && l.Scalar == types.ScalarUnknown {
		log.WithField("var", v.Name).Warnf("unknown scalar type %s, values decode as zero", t.Name)
	}
	return l, nil
}

func (c *Compiler) compilePlain(spec, name string) (*Probe, error) {
	v, ok := c.Symbols.Variable(name)
	if !ok {
		if f, ok := c.Symbols.Function(name); ok {
			return &Probe{Name: spec, Kind: FunctionPresence, Func: f}, nil
		}
		return nil, errors.Wrap(ErrUnknownProbeTarget, name)
	}

	size, err := c.sized(v)
	if err != nil {
		return nil, err
	}
	l, err := c.layout(v, v.Type)
	if err != nil {
		return nil, err
	}
	return &Probe{
		Name:   spec,
		Kind:   Plain,
		Var:    v,
		Layout: l,
		Size:   size,
		buf:    make([]byte, maxSize(size, l.Size)),
	}, nil
}

func (c *Compiler) compileDeref(spec, name string) (*Probe, error) {
	v, err := c.variable(name)
	if err != nil {
		return nil, err
	}
	pointee := c.Types.Pointee(v.Type)
	if pointee == nil {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s is not a pointer", name)
	}
	size, err := c.sized(v)
	if err != nil {
		return nil, err
	}
	l, err := c.layout(v, pointee)
	if err != nil {
		return nil, err
	}
	return &Probe{
		Name:   spec,
		Kind:   Dereference,
		Var:    v,
		Layout: l,
		Size:   size,
		buf:    make([]byte, maxSize(size, l.Size, types.PointerWidth)),
	}, nil
}

func (c *Compiler) compileAddrOf(spec, name string) (*Probe, error) {
	v, err := c.variable(name)
	if err != nil {
		return nil, err
	}
	if v.Location.IsValue() {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s has no address", name)
	}
	if _, err := c.sized(v); err != nil {
		return nil, err
	}
	return &Probe{
		Name:   spec,
		Kind:   AddressOf,
		Var:    v,
		Layout: &Layout{Kind: LayoutPointer, Size: types.PointerWidth},
		Size:   types.PointerWidth,
		buf:    make([]byte, types.PointerWidth),
	}, nil
}

func (c *Compiler) compileSlice(spec, name, lo string, colon bool, hi string) (*Probe, error) {
	v, err := c.variable(name)
	if err != nil {
		return nil, err
	}
	elem, n, ok := c.Types.ArrayElem(v.Type)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s is not an array", name)
	}
	if n <= 0 {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s: unknown array length", name)
	}
	size, err := c.sized(v)
	if err != nil {
		return nil, err
	}
	el, err := c.layout(v, elem)
	if err != nil {
		return nil, err
	}

	p := &Probe{
		Name:     spec,
		Kind:     ArraySlice,
		Var:      v,
		Layout:   el,
		Size:     size,
		Length:   n,
		ElemSize: el.Size,
		Single:   !colon && lo != "",
	}
	if p.Start, err = c.bound(lo); err != nil {
		return nil, err
	}
	if colon {
		if p.Upper, err = c.bound(hi); err != nil {
			return nil, err
		}
	}

	// literal bounds can be checked once
	if !p.Start.IsDynamic() && p.Start.Literal >= n {
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s: start %d out of [0, %d)", name, p.Start.Literal, n)
	}
	if p.Upper.Set && !p.Upper.IsDynamic() {
		if p.Upper.Literal > n || (!p.Start.IsDynamic() && p.Upper.Literal <= p.Start.Literal) {
			return nil, errors.Wrapf(ErrInvalidProbeType, "%s: bad range [%s:%d] of %d", name, p.Start, p.Upper.Literal, n)
		}
	}

	p.buf = make([]byte, maxSize(size, uint64(n)*p.ElemSize))
	return p, nil
}

// bound parses one slice bound: empty, a decimal literal, or the name of an
// integer variable read at every tick.
func (c *Compiler) bound(tok string) (Bound, error) {
	if tok == "" {
		return Bound{}, nil
	}
	if digitsRe.MatchString(tok) {
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return Bound{}, errors.Wrapf(ErrMalformedSpec, "bound %s", tok)
		}
		return Bound{Literal: n, Set: true}, nil
	}

	v, err := c.variable(tok)
	if err != nil {
		return Bound{}, errors.Wrap(err, "bound")
	}
	u := c.Types.Underlying(v.Type)
	if u == nil || u.Kind != types.Scalar || u.Size == 0 || u.Size > 8 {
		return Bound{}, errors.Wrapf(ErrInvalidProbeType, "bound %s is not an integer", tok)
	}
	switch u.Scalar {
	case types.ScalarFloat, types.ScalarDouble, types.ScalarUnknown:
		return Bound{}, errors.Wrapf(ErrInvalidProbeType, "bound %s is not an integer", tok)
	}
	return Bound{Var: v, Size: u.Size, Set: true}, nil
}

func (c *Compiler) compileMember(spec, name, member string) (*Probe, error) {
	v, err := c.variable(name)
	if err != nil {
		return nil, err
	}
	off, m, err := c.Types.Member(v.Type, member)
	switch errors.Cause(err) {
	case nil:
	case types.ErrNotStructPointer:
		return nil, errors.Wrapf(ErrInvalidProbeType, "%s: %v", name, err)
	default:
		return nil, errors.Wrapf(ErrUnknownProbeTarget, "%v", err)
	}
	size, err := c.sized(v)
	if err != nil {
		return nil, err
	}

	mt := c.Types.Elem(m, 0)
	l, err := c.layout(v, mt)
	if err != nil {
		return nil, err
	}
	msize := l.Size
	if msize == 0 || (m.Size > 0 && msize > m.Size) {
		msize = m.Size
	}
	return &Probe{
		Name:         spec,
		Kind:         StructMember,
		Var:          v,
		Layout:       l,
		Size:         size,
		MemberOffset: off,
		MemberSize:   msize,
		buf:          make([]byte, maxSize(size, msize, l.Size, types.PointerWidth)),
	}, nil
}

func maxSize(sizes ...uint64) uint64 {
	var m uint64
	for _, s := range sizes {
		if s > m {
			m = s
		}
	}
	return m
}
