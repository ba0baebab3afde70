package symbol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-delve/delve/pkg/dwarf/util"
	"github.com/pkg/errors"
)

var (
	ErrUnsupportedOperator = errors.New("unsupported location operator")
	ErrEmptyLocation       = errors.New("empty location expression")
	ErrMalformedLocation   = errors.New("malformed location expression")
)

// gcc emits the GNU extension for TLS variables, delve does not name it.
const opGNUPushTLSAddress op.Opcode = 0xe0

// LocKind classifies where a variable lives.
type LocKind uint8

const (
	LocAddress     LocKind = iota // absolute address
	LocFrameOffset                // signed offset from the frame base
	LocRegister                   // held in (or relative to) a register
	LocLiteral                    // constant value, no storage
)

func (k LocKind) String() string {
	switch k {
	case LocAddress:
		return "addr"
	case LocFrameOffset:
		return "fbreg"
	case LocRegister:
		return "reg"
	case LocLiteral:
		return "literal"
	}
	return fmt.Sprintf("loc(%d)", k)
}

// Location is the resolved storage descriptor of a variable.
type Location struct {
	Kind   LocKind
	Addr   uint64 // LocAddress
	Offset int64  // LocFrameOffset, and the bias of a register-relative LocRegister
	Reg    uint64 // LocRegister, DWARF register number
	Value  int64  // LocLiteral

	// Relative is set when a LocRegister location addresses memory at
	// register+Offset instead of naming the register that holds the value.
	Relative bool
}

// IsValue reports whether the location describes the value itself rather
// than where it is stored.
func (l Location) IsValue() bool {
	return l.Kind == LocLiteral || (l.Kind == LocRegister && !l.Relative)
}

func (l Location) String() string {
	switch l.Kind {
	case LocAddress:
		return fmt.Sprintf("addr %#x", l.Addr)
	case LocFrameOffset:
		return fmt.Sprintf("fbreg %+d", l.Offset)
	case LocRegister:
		if l.Relative {
			return fmt.Sprintf("breg%d %+d", l.Reg, l.Offset)
		}
		return fmt.Sprintf("reg%d", l.Reg)
	case LocLiteral:
		return fmt.Sprintf("literal %d", l.Value)
	}
	return l.Kind.String()
}

// Shift returns the location moved by delta bytes. Values held in a register
// or given as literals do not move.
func (l Location) Shift(delta uint64) Location {
	switch l.Kind {
	case LocAddress:
		l.Addr += delta
	case LocFrameOffset:
		l.Offset += int64(delta)
	case LocRegister:
		if l.Relative {
			l.Offset += int64(delta)
		}
	}
	return l
}

// Op is an instruction of the location interpreter.
type Op uint8

const (
	OpAddr Op = iota
	OpFrameBase
	OpReg
	OpBreg
	OpConst
	OpDup
	OpPlus
	OpMinus
	OpPlusConst
	OpStackValue
	OpDeref
	OpTLS
	OpCallFrameCFA
)

// Instr is one decoded location operation.
type Instr struct {
	Op  Op
	Reg uint64
	Arg int64
}

// DecodeLocation decodes DWARF location expression bytecode. Operators
// outside the supported subset yield ErrUnsupportedOperator.
func DecodeLocation(expr []byte) ([]Instr, error) {
	if len(expr) == 0 {
		return nil, ErrEmptyLocation
	}

	buf := bytes.NewBuffer(expr)
	var prog []Instr
	for buf.Len() > 0 {
		b, _ := buf.ReadByte()
		opcode := op.Opcode(b)

		switch {
		case opcode >= op.DW_OP_lit0 && opcode <= op.DW_OP_lit31:
			prog = append(prog, Instr{Op: OpConst, Arg: int64(opcode - op.DW_OP_lit0)})
			continue
		case opcode >= op.DW_OP_reg0 && opcode <= op.DW_OP_reg31:
			prog = append(prog, Instr{Op: OpReg, Reg: uint64(opcode - op.DW_OP_reg0)})
			continue
		case opcode >= op.DW_OP_breg0 && opcode <= op.DW_OP_breg31:
			off, err := sleb(buf)
			if err != nil {
				return nil, errors.Wrapf(err, "op %#x", b)
			}
			prog = append(prog, Instr{Op: OpBreg, Reg: uint64(opcode - op.DW_OP_breg0), Arg: off})
			continue
		}

		var in Instr
		var err error
		switch opcode {
		case op.DW_OP_addr:
			var addr uint64
			addr, err = readFixed(buf, 8, false)
			in = Instr{Op: OpAddr, Arg: int64(addr)}
		case op.DW_OP_fbreg:
			var off int64
			off, err = sleb(buf)
			in = Instr{Op: OpFrameBase, Arg: off}
		case op.DW_OP_regx:
			var reg uint64
			reg, err = uleb(buf)
			in = Instr{Op: OpReg, Reg: reg}
		case op.DW_OP_bregx:
			var (
				reg uint64
				off int64
			)
			if reg, err = uleb(buf); err == nil {
				off, err = sleb(buf)
			}
			in = Instr{Op: OpBreg, Reg: reg, Arg: off}
		case op.DW_OP_const1u, op.DW_OP_const2u, op.DW_OP_const4u, op.DW_OP_const8u:
			var v uint64
			v, err = readFixed(buf, constWidth(opcode), false)
			in = Instr{Op: OpConst, Arg: int64(v)}
		case op.DW_OP_const1s, op.DW_OP_const2s, op.DW_OP_const4s, op.DW_OP_const8s:
			var v uint64
			v, err = readFixed(buf, constWidth(opcode), true)
			in = Instr{Op: OpConst, Arg: int64(v)}
		case op.DW_OP_constu:
			var v uint64
			v, err = uleb(buf)
			in = Instr{Op: OpConst, Arg: int64(v)}
		case op.DW_OP_consts:
			var v int64
			v, err = sleb(buf)
			in = Instr{Op: OpConst, Arg: v}
		case op.DW_OP_dup:
			in = Instr{Op: OpDup}
		case op.DW_OP_plus:
			in = Instr{Op: OpPlus}
		case op.DW_OP_minus:
			in = Instr{Op: OpMinus}
		case op.DW_OP_plus_uconst:
			var v uint64
			v, err = uleb(buf)
			in = Instr{Op: OpPlusConst, Arg: int64(v)}
		case op.DW_OP_stack_value:
			in = Instr{Op: OpStackValue}
		case op.DW_OP_deref:
			in = Instr{Op: OpDeref}
		case op.DW_OP_form_tls_address, opGNUPushTLSAddress:
			in = Instr{Op: OpTLS}
		case op.DW_OP_call_frame_cfa:
			in = Instr{Op: OpCallFrameCFA}
		default:
			return nil, errors.Wrapf(ErrUnsupportedOperator, "op %#x", b)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "op %#x", b)
		}
		prog = append(prog, in)
	}
	return prog, nil
}

func constWidth(opcode op.Opcode) int {
	switch opcode {
	case op.DW_OP_const1u, op.DW_OP_const1s:
		return 1
	case op.DW_OP_const2u, op.DW_OP_const2s:
		return 2
	case op.DW_OP_const4u, op.DW_OP_const4s:
		return 4
	}
	return 8
}

// lebComplete reports whether buf starts with a whole LEB128 number. The
// decoders in util panic past the end of their input.
func lebComplete(buf *bytes.Buffer) bool {
	for _, b := range buf.Bytes() {
		if b&0x80 == 0 {
			return true
		}
	}
	return false
}

func uleb(buf *bytes.Buffer) (uint64, error) {
	if !lebComplete(buf) {
		return 0, errors.Wrap(ErrMalformedLocation, "truncated uleb128 operand")
	}
	v, _ := util.DecodeULEB128(buf)
	return v, nil
}

func sleb(buf *bytes.Buffer) (int64, error) {
	if !lebComplete(buf) {
		return 0, errors.Wrap(ErrMalformedLocation, "truncated sleb128 operand")
	}
	v, _ := util.DecodeSLEB128(buf)
	return v, nil
}

func readFixed(buf *bytes.Buffer, width int, signed bool) (uint64, error) {
	if buf.Len() < width {
		return 0, errors.Wrap(ErrMalformedLocation, "truncated operand")
	}
	b := buf.Next(width)
	switch width {
	case 1:
		if signed {
			return uint64(int8(b[0])), nil
		}
		return uint64(b[0]), nil
	case 2:
		v := binary.LittleEndian.Uint16(b)
		if signed {
			return uint64(int16(v)), nil
		}
		return uint64(v), nil
	case 4:
		v := binary.LittleEndian.Uint32(b)
		if signed {
			return uint64(int32(v)), nil
		}
		return uint64(v), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

// operand is an entry of the evaluation stack. Arithmetic against a literal
// keeps the kind of the other operand, so "fbreg -20; plus_uconst 4" stays a
// frame offset.
type operand struct {
	kind LocKind
	reg  uint64
	val  int64
	rel  bool
}

// EvalLocation runs a decoded program and folds it into one Location. The
// location kind is taken from the operand left on top of the stack.
func EvalLocation(prog []Instr) (Location, error) {
	if len(prog) == 0 {
		return Location{}, ErrEmptyLocation
	}

	var stack []operand
	pop := func() (operand, error) {
		if len(stack) == 0 {
			return operand{}, errors.New("location stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, in := range prog {
		switch in.Op {
		case OpAddr:
			stack = append(stack, operand{kind: LocAddress, val: in.Arg})
		case OpFrameBase:
			stack = append(stack, operand{kind: LocFrameOffset, val: in.Arg})
		case OpReg:
			stack = append(stack, operand{kind: LocRegister, reg: in.Reg})
		case OpBreg:
			stack = append(stack, operand{kind: LocRegister, reg: in.Reg, val: in.Arg, rel: true})
		case OpConst:
			stack = append(stack, operand{kind: LocLiteral, val: in.Arg})
		case OpDup:
			if len(stack) == 0 {
				return Location{}, errors.New("location stack underflow")
			}
			stack = append(stack, stack[len(stack)-1])
		case OpPlus, OpMinus:
			b, err := pop()
			if err != nil {
				return Location{}, err
			}
			a, err := pop()
			if err != nil {
				return Location{}, err
			}
			r, err := combine(a, b, in.Op == OpMinus)
			if err != nil {
				return Location{}, err
			}
			stack = append(stack, r)
		case OpPlusConst:
			if len(stack) == 0 {
				return Location{}, errors.New("location stack underflow")
			}
			stack[len(stack)-1].val += in.Arg
		case OpTLS:
			if len(stack) == 0 {
				return Location{}, errors.New("location stack underflow")
			}
			stack[len(stack)-1].val++
		case OpStackValue, OpDeref, OpCallFrameCFA:
			// no-op: the value on top already describes the location
		default:
			return Location{}, errors.Wrapf(ErrUnsupportedOperator, "instr %d", in.Op)
		}
	}

	if len(stack) == 0 {
		return Location{}, ErrEmptyLocation
	}
	top := stack[len(stack)-1]
	switch top.kind {
	case LocAddress:
		return Location{Kind: LocAddress, Addr: uint64(top.val)}, nil
	case LocFrameOffset:
		return Location{Kind: LocFrameOffset, Offset: top.val}, nil
	case LocRegister:
		return Location{Kind: LocRegister, Reg: top.reg, Offset: top.val, Relative: top.rel}, nil
	}
	return Location{Kind: LocLiteral, Value: top.val}, nil
}

func combine(a, b operand, minus bool) (operand, error) {
	if minus {
		b.val = -b.val
	}
	switch {
	case b.kind == LocLiteral:
		a.val += b.val
		return a, nil
	case a.kind == LocLiteral && !minus:
		b.val += a.val
		return b, nil
	}
	return operand{}, errors.Wrapf(ErrUnsupportedOperator, "arithmetic on %s and %s", a.kind, b.kind)
}

// ParseLocation decodes and evaluates a location expression.
func ParseLocation(expr []byte) (Location, error) {
	prog, err := DecodeLocation(expr)
	if err != nil {
		return Location{}, err
	}
	return EvalLocation(prog)
}
