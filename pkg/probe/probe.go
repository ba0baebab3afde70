// Package probe compiles textual probe specifications into sampling plans
// and executes them against a stopped process.
//
// Grammar, first match wins:
//
//	*name            dereference a pointer variable
//	&name            address of a variable
//	name[lo:hi]      array slice, bounds are literals or variable names
//	name[i]          single array element
//	name->member     member of the struct a pointer points to
//	@tick            builtin: current tick number
//	name             plain variable, or function presence
package probe

import (
	"encoding/binary"
	"fmt"

	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/hitzhangjie/ohmd/pkg/types"
	"github.com/pkg/errors"
)

var (
	ErrUnknownProbeTarget = errors.New("unknown probe target")
	ErrInvalidProbeType   = errors.New("invalid probe type")
	ErrMalformedSpec      = errors.New("malformed probe spec")

	errNilPointer = errors.New("nil pointer")
	errOutOfRange = errors.New("array index out of bounds")
)

// Kind is the access plan of a probe.
type Kind uint8

const (
	Plain Kind = iota
	Dereference
	AddressOf
	ArraySlice
	StructMember
	FunctionPresence
	Builtin
)

var kindNames = [...]string{
	Plain:            "plain",
	Dereference:      "deref",
	AddressOf:        "addrof",
	ArraySlice:       "slice",
	StructMember:     "member",
	FunctionPresence: "function",
	Builtin:          "builtin",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Bound is one end of an array slice: a literal, or a variable read live at
// every tick. Set is false when the bound was omitted.
type Bound struct {
	Literal int64
	Var     *symbol.Variable
	Size    uint64 // bytes of Var to read
	Set     bool
}

// IsDynamic reports whether the bound is read from the target.
func (b Bound) IsDynamic() bool {
	return b.Var != nil
}

func (b Bound) String() string {
	switch {
	case !b.Set:
		return "-"
	case b.Var != nil:
		return b.Var.Name
	}
	return fmt.Sprint(b.Literal)
}

// Probe is a compiled probe. Its buffer is owned by the probe and reused on
// every tick.
type Probe struct {
	Name string // spec text, used as the reporting key
	Kind Kind

	Var  *symbol.Variable // nil for function and builtin probes
	Func *symbol.Function // FunctionPresence

	// ArraySlice. Upper is exclusive; when unset the slice runs to the end
	// of the array.
	Start, Upper Bound
	Single       bool  // name[i], report a scalar instead of a list
	Length       int64 // outer array length
	ElemSize     uint64

	// StructMember
	MemberOffset uint64
	MemberSize   uint64

	// Layout decodes the bytes the plan reads. For slices it describes one
	// element.
	Layout *Layout
	// Size is the resolved size of the target type: pointee size for
	// pointers, full array size for arrays.
	Size uint64

	buf []byte
}

// BufferSize returns the size of the probe's scratch buffer.
func (p *Probe) BufferSize() int {
	return len(p.buf)
}

func (p *Probe) String() string {
	switch p.Kind {
	case ArraySlice:
		return fmt.Sprintf("%s: %s %s[%s:%s]", p.Name, p.Kind, p.Var.Name, p.Start, p.Upper)
	case StructMember:
		return fmt.Sprintf("%s: %s %s+%d (%d bytes)", p.Name, p.Kind, p.Var.Name, p.MemberOffset, p.MemberSize)
	case FunctionPresence:
		return fmt.Sprintf("%s: %s %s", p.Name, p.Kind, p.Func)
	case Builtin:
		return fmt.Sprintf("%s: %s", p.Name, p.Kind)
	}
	return fmt.Sprintf("%s: %s %s (%d bytes)", p.Name, p.Kind, p.Var.Name, len(p.buf))
}

// Env is what a probe needs from the sampler during one tick.
type Env interface {
	// Resolve returns the runtime address of v, or its value when the
	// location describes a value (register or literal).
	Resolve(v *symbol.Variable) (uint64, error)
	// ReadFull reads len(buf) bytes at addr.
	ReadFull(buf []byte, addr uint64) error
	// OnStack reports whether f has a frame on the current call stack.
	OnStack(f *symbol.Function) bool
	// Tick is the current tick number.
	Tick() uint64
}

// Sample runs the probe's plan. An error means the probe has nothing to
// report on this tick.
func (p *Probe) Sample(env Env) (Value, error) {
	switch p.Kind {
	case Builtin:
		return NumberValue(float64(env.Tick())), nil

	case FunctionPresence:
		if env.OnStack(p.Func) {
			return NumberValue(1), nil
		}
		return NumberValue(0), nil

	case AddressOf:
		if p.Var.Location.IsValue() {
			return Value{}, errors.Wrapf(ErrInvalidProbeType, "%s has no address", p.Var.Name)
		}
		addr, err := env.Resolve(p.Var)
		if err != nil {
			return Value{}, err
		}
		return NumberValue(float64(addr)), nil

	case Plain:
		buf := p.buf[:p.Layout.Size]
		if err := load(env, p.Var, buf); err != nil {
			return Value{}, err
		}
		return p.Layout.Decode(buf), nil

	case Dereference:
		ptr, err := p.pointer(env)
		if err != nil {
			return Value{}, err
		}
		buf := p.buf[:p.Layout.Size]
		if err := env.ReadFull(buf, ptr); err != nil {
			return Value{}, errors.Wrapf(err, "read *%s at %#x", p.Var.Name, ptr)
		}
		return p.Layout.Decode(buf), nil

	case StructMember:
		ptr, err := p.pointer(env)
		if err != nil {
			return Value{}, err
		}
		addr := ptr + p.MemberOffset
		buf := p.buf[:p.MemberSize]
		if err := env.ReadFull(buf, addr); err != nil {
			return Value{}, errors.Wrapf(err, "read member at %#x", addr)
		}
		return p.Layout.Decode(buf), nil

	case ArraySlice:
		return p.sampleSlice(env)
	}
	return Value{}, errors.Errorf("probe %s: unknown kind %s", p.Name, p.Kind)
}

// pointer reads the raw pointer held by the probe's variable.
func (p *Probe) pointer(env Env) (uint64, error) {
	raw := p.buf[:types.PointerWidth]
	if err := load(env, p.Var, raw); err != nil {
		return 0, err
	}
	ptr := binary.LittleEndian.Uint64(raw)
	if ptr == 0 {
		return 0, errors.Wrap(errNilPointer, p.Var.Name)
	}
	return ptr, nil
}

func (p *Probe) sampleSlice(env Env) (Value, error) {
	start, err := boundValue(env, p.Start, 0)
	if err != nil {
		return Value{}, errors.Wrap(err, "lower bound")
	}
	var n int64
	switch {
	case p.Single:
		n = 1
	case p.Upper.Set:
		upper, err := boundValue(env, p.Upper, 0)
		if err != nil {
			return Value{}, errors.Wrap(err, "upper bound")
		}
		n = upper - start
	default:
		n = p.Length - start
	}
	if start < 0 || n <= 0 || start+n > p.Length {
		return Value{}, errors.Wrapf(errOutOfRange, "%s[%d:%d] of %d", p.Var.Name, start, start+n, p.Length)
	}

	addr, err := env.Resolve(p.Var)
	if err != nil {
		return Value{}, err
	}
	addr += uint64(start) * p.ElemSize
	buf := p.buf[:uint64(n)*p.ElemSize]
	if err := env.ReadFull(buf, addr); err != nil {
		return Value{}, errors.Wrapf(err, "read %s at %#x", p.Name, addr)
	}

	if p.Single {
		return p.Layout.Decode(buf), nil
	}
	if p.Layout.Kind == LayoutScalar && isChar(p.Layout.Scalar) {
		return StringValue(cstring(buf)), nil
	}
	v := Value{Kind: List, Items: make([]Value, 0, n)}
	for i := int64(0); i < n; i++ {
		off := uint64(i) * p.ElemSize
		v.Items = append(v.Items, p.Layout.Decode(buf[off:off+p.ElemSize]))
	}
	return v, nil
}

func boundValue(env Env, b Bound, def int64) (int64, error) {
	switch {
	case !b.Set:
		return def, nil
	case b.Var == nil:
		return b.Literal, nil
	}
	var raw [8]byte
	buf := raw[:b.Size]
	if err := load(env, b.Var, buf); err != nil {
		return 0, err
	}
	return signed(buf), nil
}

// load fills buf with the current contents of v. Variables living in a
// register or given as a literal have no storage: their value is used.
func load(env Env, v *symbol.Variable, buf []byte) error {
	addr, err := env.Resolve(v)
	if err != nil {
		return err
	}
	if v.Location.IsValue() {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], addr)
		n := copy(buf, raw[:])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	if err := env.ReadFull(buf, addr); err != nil {
		return errors.Wrapf(err, "read %s at %#x", v.Name, addr)
	}
	return nil
}
