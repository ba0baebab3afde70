// Package stack unwinds the call stack of a stopped thread and resolves the
// runtime location of frame-relative, register and literal variables.
package stack

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"github.com/pkg/errors"
)

// Snapshot is the register file of a stopped thread, keyed by DWARF register
// number. It is never modified after creation.
type Snapshot struct {
	PC, SP, BP uint64
	Regs       map[uint64]uint64
}

// NewSnapshot builds a snapshot from a DWARF-numbered register map.
func NewSnapshot(regs map[uint64]uint64) *Snapshot {
	s := &Snapshot{Regs: make(map[uint64]uint64, len(regs))}
	for k, v := range regs {
		s.Regs[k] = v
	}
	s.PC = s.Regs[regnum.AMD64_Rip]
	s.SP = s.Regs[regnum.AMD64_Rsp]
	s.BP = s.Regs[regnum.AMD64_Rbp]
	return s
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x bp=%#x", s.PC, s.SP, s.BP)
}

// Frame is one activation record, innermost first.
type Frame struct {
	Index      int
	PC, SP, BP uint64
	// BaseValid is false while the frame's function has not yet set up its
	// frame pointer, i.e. BP still belongs to the caller.
	BaseValid bool
	// Regs holds the registers known in this frame. The innermost frame has
	// all of them, outer frames only what unwinding could recover.
	Regs map[uint64]uint64
}

// Reg returns the value of DWARF register n in this frame.
func (f Frame) Reg(n uint64) (uint64, bool) {
	switch n {
	case regnum.AMD64_Rip:
		return f.PC, true
	case regnum.AMD64_Rsp:
		return f.SP, true
	case regnum.AMD64_Rbp:
		return f.BP, true
	}
	v, ok := f.Regs[n]
	return v, ok
}

// LookupPC is the address used to find the frame's function. Outer frames
// hold a return address, which may already be past the end of the caller.
func (f Frame) LookupPC() uint64 {
	if f.Index > 0 && f.PC > 0 {
		return f.PC - 1
	}
	return f.PC
}

func (f Frame) String() string {
	return fmt.Sprintf("#%d pc=%#x sp=%#x bp=%#x", f.Index, f.PC, f.SP, f.BP)
}

// Memory reads the stopped target's memory.
type Memory interface {
	ReadAt(buf []byte, addr uint64) (int, error)
}

var errShortWord = errors.New("short stack read")

// readWords reads len(words) consecutive little-endian words at addr.
func readWords(m Memory, addr uint64, words []uint64) error {
	buf := make([]byte, 8*len(words))
	for off := 0; off < len(buf); {
		n, err := m.ReadAt(buf[off:], addr+uint64(off))
		if err != nil {
			return errors.Wrapf(err, "read stack at %#x", addr+uint64(off))
		}
		if n == 0 {
			return errors.Wrapf(errShortWord, "at %#x", addr+uint64(off))
		}
		off += n
	}
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return nil
}
