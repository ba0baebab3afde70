package stack

import (
	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/regnum"
	log "github.com/sirupsen/logrus"
)

// FrameTable finds the call frame information covering a pc.
// frame.FrameDescriptionEntries is one.
type FrameTable interface {
	FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error)
}

// FrameTables searches each table in turn.
type FrameTables []FrameTable

// FDEForPC implements FrameTable.
func (ts FrameTables) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	for _, t := range ts {
		if fde, err := t.FDEForPC(pc); err == nil {
			return fde, nil
		}
	}
	return nil, &frame.ErrNoFDEForPC{PC: pc}
}

// CFAUnwinder unwinds with the call frame information of the binary and the
// objects it loaded, and falls back to the frame pointer chain for code it
// does not cover.
type CFAUnwinder struct {
	FDEs     FrameTable
	Mem      Memory
	Fallback *FramePointerUnwinder
}

// NewCFAUnwinder returns an unwinder over fdes. The fallback shares mem and
// the prologue guard.
func NewCFAUnwinder(fdes FrameTable, mem Memory, guard *PrologueGuard) *CFAUnwinder {
	if fdes == nil {
		fdes = FrameTables(nil)
	}
	return &CFAUnwinder{
		FDEs:     fdes,
		Mem:      mem,
		Fallback: &FramePointerUnwinder{Mem: mem, Prologue: guard},
	}
}

// Frames implements Unwinder.
func (u *CFAUnwinder) Frames(snap *Snapshot) Cursor {
	return &cfaCursor{u: u, snap: snap}
}

func (u *CFAUnwinder) caller(f Frame) (Frame, bool) {
	pc := f.LookupPC()
	fde, err := u.FDEs.FDEForPC(pc)
	if err != nil {
		return u.Fallback.caller(f)
	}
	fctx := fde.EstablishFrame(pc)
	if fctx.CFA.Rule != frame.RuleCFA {
		log.Debugf("unwind: unsupported cfa rule %d at %#x", fctx.CFA.Rule, pc)
		return u.Fallback.caller(f)
	}
	base, ok := f.Reg(fctx.CFA.Reg)
	if !ok {
		return u.Fallback.caller(f)
	}
	cfa := uint64(int64(base) + fctx.CFA.Offset)
	if _, ok := fctx.Regs[fctx.RetAddrReg]; !ok {
		return u.Fallback.caller(f)
	}

	ret, ok := u.restore(f, cfa, fctx.RetAddrReg, fctx.Regs)
	if !ok || ret == 0 {
		return Frame{}, false
	}
	bp, ok := u.restore(f, cfa, regnum.AMD64_Rbp, fctx.Regs)
	if !ok {
		return Frame{}, false
	}

	regs := calleeSaved(f.Regs, bp)
	for _, r := range calleeSavedRegs {
		if v, ok := u.restore(f, cfa, r, fctx.Regs); ok {
			regs[r] = v
		}
	}
	return Frame{
		Index:     f.Index + 1,
		PC:        ret,
		SP:        cfa,
		BP:        bp,
		BaseValid: true,
		Regs:      regs,
	}, true
}

// restore recovers the caller's value of register r.
func (u *CFAUnwinder) restore(f Frame, cfa, r uint64, rules map[uint64]frame.DWRule) (uint64, bool) {
	rule, ok := rules[r]
	if !ok {
		return f.Reg(r)
	}
	switch rule.Rule {
	case frame.RuleOffset:
		var w [1]uint64
		if err := readWords(u.Mem, uint64(int64(cfa)+rule.Offset), w[:]); err != nil {
			return 0, false
		}
		return w[0], true
	case frame.RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true
	case frame.RuleRegister:
		return f.Reg(rule.Reg)
	case frame.RuleSameVal:
		return f.Reg(r)
	case frame.RuleCFA:
		return cfa, true
	}
	return 0, false
}

type cfaCursor struct {
	u       *CFAUnwinder
	snap    *Snapshot
	last    Frame
	started bool
	done    bool
}

func (c *cfaCursor) Next() (Frame, bool) {
	if c.done {
		return Frame{}, false
	}
	if !c.started {
		c.started = true
		c.last = innermost(c.snap, c.u.Fallback.Prologue)
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
