package stack

import (
	"github.com/go-delve/delve/pkg/dwarf/regnum"
)

// maxFrames bounds a walk over a corrupt frame chain.
const maxFrames = 256

// Unwinder starts walks over the stack of a snapshot.
type Unwinder interface {
	Frames(snap *Snapshot) Cursor
}

// Cursor yields frames from the innermost outward. The first call to Next
// returns the innermost frame.
type Cursor interface {
	Next() (Frame, bool)
}

// Trace is the call stack of one snapshot, unwound on demand. Unwound frames
// are kept, so every walk after the first is free and the live cursor is
// only ever advanced, never rewound.
type Trace struct {
	snap   *Snapshot
	cursor Cursor
	frames []Frame
	done   bool
}

// NewTrace starts a lazily unwound trace of snap.
func NewTrace(snap *Snapshot, u Unwinder) *Trace {
	return &Trace{snap: snap, cursor: u.Frames(snap)}
}

// Snapshot returns the registers the trace was started from.
func (t *Trace) Snapshot() *Snapshot {
	return t.snap
}

// Frame returns the i-th frame, unwinding as far as needed.
func (t *Trace) Frame(i int) (Frame, bool) {
	for !t.done && i >= len(t.frames) {
		if len(t.frames) >= maxFrames {
			t.done = true
			break
		}
		f, ok := t.cursor.Next()
		if !ok {
			t.done = true
			break
		}
		f.Index = len(t.frames)
		t.frames = append(t.frames, f)
	}
	if i < len(t.frames) {
		return t.frames[i], true
	}
	return Frame{}, false
}

// Frames unwinds the whole stack.
func (t *Trace) Frames() []Frame {
	for i := 0; ; i++ {
		if _, ok := t.Frame(i); !ok {
			break
		}
	}
	return t.frames
}

// innermost builds frame 0 from the snapshot.
func innermost(snap *Snapshot, guard *PrologueGuard) Frame {
	return Frame{
		PC:        snap.PC,
		SP:        snap.SP,
		BP:        snap.BP,
		BaseValid: guard.State(snap.PC) == InBody,
		Regs:      snap.Regs,
	}
}

// FramePointerUnwinder follows the saved RBP chain:
//
//	[rbp]   caller's rbp
//	[rbp+8] return address
type FramePointerUnwinder struct {
	Mem Memory
	// Prologue is optional. Without it a pc inside a prologue unwinds as if
	// the frame were already set up, skipping the direct caller.
	Prologue *PrologueGuard
}

// Frames implements Unwinder.
func (u *FramePointerUnwinder) Frames(snap *Snapshot) Cursor {
	return &fpCursor{u: u, snap: snap}
}

// caller returns the frame that called f.
func (u *FramePointerUnwinder) caller(f Frame) (Frame, bool) {
	if f.Index == 0 && !f.BaseValid {
		return u.callerInPrologue(f)
	}
	if f.BP == 0 {
		return Frame{}, false
	}
	var w [2]uint64
	if err := readWords(u.Mem, f.BP, w[:]); err != nil {
		return Frame{}, false
	}
	savedBP, ret := w[0], w[1]
	if ret == 0 || (savedBP != 0 && savedBP <= f.BP) {
		return Frame{}, false
	}
	return Frame{
		Index:     f.Index + 1,
		PC:        ret,
		SP:        f.BP + 16,
		BP:        savedBP,
		BaseValid: true,
		Regs:      calleeSaved(f.Regs, savedBP),
	}, true
}

// callerInPrologue handles a pc before `mov rbp, rsp`, where BP still
// belongs to the caller and the return address is at the top of the stack.
func (u *FramePointerUnwinder) callerInPrologue(f Frame) (Frame, bool) {
	sp := f.SP
	switch u.Prologue.State(f.PC) {
	case AfterPush:
		sp += 8
	case Foreign:
		return u.callerOfForeign(f)
	}
	var w [1]uint64
	if err := readWords(u.Mem, sp, w[:]); err != nil || w[0] == 0 {
		return Frame{}, false
	}
	return Frame{
		Index:     1,
		PC:        w[0],
		SP:        sp + 8,
		BP:        f.BP,
		BaseValid: true,
		Regs:      calleeSaved(f.Regs, f.BP),
	}, true
}

// foreignScan bounds how many stack words callerOfForeign searches.
const foreignScan = 1024

// callerOfForeign handles a pc in code without frame information, such as a
// libc routine blocked in a syscall. Its frames may keep anything in BP, so
// the stack above SP is searched for the nearest return address into the
// executable. Library frames in between are skipped and BP is taken to be
// preserved across them, as it is callee-saved.
func (u *FramePointerUnwinder) callerOfForeign(f Frame) (Frame, bool) {
	var w [64]uint64
	for i := 0; i < foreignScan; i += len(w) {
		base := f.SP + uint64(8*i)
		if err := readWords(u.Mem, base, w[:]); err != nil {
			return Frame{}, false
		}
		for j, ret := range w {
			if !u.Prologue.ReturnsInto(ret) {
				continue
			}
			slot := base + uint64(8*j)
			return Frame{
				Index:     1,
				PC:        ret,
				SP:        slot + 8,
				BP:        f.BP,
				BaseValid: true,
				Regs:      calleeSaved(f.Regs, f.BP),
			}, true
		}
	}
	return Frame{}, false
}

type fpCursor struct {
	u       *FramePointerUnwinder
	snap    *Snapshot
	last    Frame
	started bool
	done    bool
}

func (c *fpCursor) Next() (Frame, bool) {
	if c.done {
		return Frame{}, false
	}
	if !c.started {
		c.started = true
		c.last = innermost(c.snap, c.u.Prologue)
		return c.last, true
	}
	f, ok := c.u.caller(c.last)
	if !ok {
		c.done = true
		return Frame{}, false
	}
	c.last = f
	return f, true
}

// calleeSavedRegs survive calls in the System V AMD64 ABI.
var calleeSavedRegs = []uint64{
	regnum.AMD64_Rbx,
	regnum.AMD64_R12,
	regnum.AMD64_R13,
	regnum.AMD64_R14,
	regnum.AMD64_R15,
}

// calleeSaved carries the callee-saved registers of an inner frame over to
// its caller, which is only exact when the callee did not spill them.
func calleeSaved(regs map[uint64]uint64, bp uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(calleeSavedRegs)+1)
	for _, r := range calleeSavedRegs {
		if v, ok := regs[r]; ok {
			out[r] = v
		}
	}
	out[regnum.AMD64_Rbp] = bp
	return out
}

// StaticUnwinder replays a fixed list of frames.
type StaticUnwinder struct {
	Stack []Frame
}

// Frames implements Unwinder. The snapshot is ignored.
func (u *StaticUnwinder) Frames(*Snapshot) Cursor {
	return &staticCursor{frames: u.Stack}
}

type staticCursor struct {
	frames []Frame
	i      int
}

func (c *staticCursor) Next() (Frame, bool) {
	if c.i >= len(c.frames) {
		return Frame{}, false
	}
	f := c.frames[c.i]
	c.i++
	return f, true
}
