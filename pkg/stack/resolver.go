package stack

import (
	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/pkg/errors"
)

// callFrameAdjust is the distance between RBP and the canonical frame
// address once `push rbp; mov rbp, rsp` has run: saved RBP plus return
// address.
const callFrameAdjust = 16

var (
	// ErrNotOnStack means the variable's function has no active frame.
	ErrNotOnStack = errors.New("variable not on stack")
	// ErrNotLive means the frame exists but has not set up its frame base.
	ErrNotLive = errors.New("frame base not set up yet")

	errNoRegister = errors.New("register not recovered")
)

// Resolver computes runtime locations of variables from a stack trace.
type Resolver struct {
	Symbols  *symbol.Table
	Unwinder Unwinder
}

// NewResolver returns a resolver unwinding with u.
func NewResolver(symbols *symbol.Table, u Unwinder) *Resolver {
	return &Resolver{Symbols: symbols, Unwinder: u}
}

// Trace starts a trace of snap for this tick.
func (r *Resolver) Trace(snap *Snapshot) *Trace {
	return NewTrace(snap, r.Unwinder)
}

// Resolve returns the address of v, or its value when v lives in a register
// or is a literal. Locals are looked up in the innermost frame of their
// function; the walk gives up at main or at the end of the stack.
func (r *Resolver) Resolve(v *symbol.Variable, t *Trace) (uint64, error) {
	if v == nil {
		return 0, errors.New("nil variable")
	}
	loc := v.Location
	if loc.Kind == symbol.LocAddress {
		return loc.Addr, nil
	}
	if v.Function == nil {
		if loc.Kind == symbol.LocLiteral {
			return uint64(loc.Value), nil
		}
		f, ok := t.Frame(0)
		if !ok {
			return 0, errors.Wrap(ErrNotOnStack, v.Name)
		}
		return locate(v, f)
	}

	f, ok := r.find(v.Function, t)
	if !ok {
		return 0, errors.Wrap(ErrNotOnStack, v.Name)
	}
	return locate(v, f)
}

// OnStack reports whether fn has a frame on the stack.
func (r *Resolver) OnStack(fn *symbol.Function, t *Trace) bool {
	_, ok := r.find(fn, t)
	return ok
}

// find walks outward for the innermost frame of fn.
func (r *Resolver) find(fn *symbol.Function, t *Trace) (Frame, bool) {
	for i := 0; ; i++ {
		f, ok := t.Frame(i)
		if !ok {
			return Frame{}, false
		}
		pc := f.LookupPC()
		if fn.Contains(pc) {
			return f, true
		}
		if r.Symbols.InMain(pc) {
			return Frame{}, false
		}
	}
}

func locate(v *symbol.Variable, f Frame) (uint64, error) {
	loc := v.Location
	switch loc.Kind {
	case symbol.LocFrameOffset:
		if !f.BaseValid {
			return 0, errors.Wrapf(ErrNotLive, "%s at pc %#x", v.Name, f.PC)
		}
		return uint64(int64(f.BP) + callFrameAdjust + loc.Offset), nil
	case symbol.LocRegister:
		val, ok := f.Reg(loc.Reg)
		if !ok {
			return 0, errors.Wrapf(errNoRegister, "%s in frame %d", v.Name, f.Index)
		}
		if loc.Relative {
			if loc.Reg == regnum.AMD64_Rbp && !f.BaseValid {
				return 0, errors.Wrapf(ErrNotLive, "%s at pc %#x", v.Name, f.PC)
			}
			val = uint64(int64(val) + loc.Offset)
		}
		return val, nil
	case symbol.LocLiteral:
		return uint64(loc.Value), nil
	}
	return 0, errors.Errorf("%s: unknown location %s", v.Name, loc)
}
