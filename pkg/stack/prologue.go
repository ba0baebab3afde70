package stack

import (
	"bytes"
	"sync"

	"github.com/hitzhangjie/ohmd/pkg/symbol"
	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
)

// prologueWindow is how many bytes of a function entry are decoded.
const prologueWindow = 32

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// CodeReader returns machine code from the target binary.
type CodeReader interface {
	Code(addr uint64, n int) ([]byte, error)
}

// Prologue records where a function sets up its frame pointer. Zero
// addresses mean the instruction was not found and the function is treated
// as frameless.
type Prologue struct {
	Push uint64 // address after `push rbp`
	Body uint64 // address after `mov rbp, rsp`
}

// PrologueState is where a pc sits relative to its function's prologue.
type PrologueState uint8

const (
	InBody PrologueState = iota
	BeforePush
	AfterPush
	// Foreign is a pc outside every function of the executable, in a shared
	// library or the vdso. BP may belong to any of the frames above.
	Foreign
)

// PrologueGuard decodes function entries to tell whether BP is valid yet.
type PrologueGuard struct {
	code    CodeReader
	symbols *symbol.Table

	mu    sync.Mutex
	cache map[*symbol.Function]Prologue
}

// NewPrologueGuard returns a guard reading code from r.
func NewPrologueGuard(r CodeReader, symbols *symbol.Table) *PrologueGuard {
	return &PrologueGuard{
		code:    r,
		symbols: symbols,
		cache:   map[*symbol.Function]Prologue{},
	}
}

// Analyze decodes the entry of f. Results are cached per function.
func (g *PrologueGuard) Analyze(f *symbol.Function) Prologue {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.cache[f]; ok {
		return p
	}
	p := g.analyze(f)
	g.cache[f] = p
	return p
}

func (g *PrologueGuard) analyze(f *symbol.Function) Prologue {
	n := prologueWindow
	if size := f.HighPC - f.LowPC; size < uint64(n) {
		n = int(size)
	}
	dat, err := g.code.Code(f.LowPC, n)
	if err != nil {
		log.WithField("func", f.Name).Debugf("prologue: %v", err)
		return Prologue{}
	}
	return ScanPrologue(f.LowPC, dat)
}

// ScanPrologue finds `push rbp; mov rbp, rsp` in code loaded at addr.
// Decoding stops at the first instruction that is neither.
func ScanPrologue(addr uint64, code []byte) Prologue {
	var (
		p   Prologue
		off int
	)
	if bytes.HasPrefix(code, endbr64) {
		off = len(endbr64)
	}
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return Prologue{}
		}
		off += inst.Len
		pc := addr + uint64(off)

		switch {
		case inst.Op == x86asm.NOP:
			continue
		case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP && p.Push == 0:
			p.Push = pc
		case inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP && p.Push != 0:
			p.Body = pc
			return p
		default:
			return Prologue{}
		}
	}
	return Prologue{}
}

// State reports where pc sits in the prologue of the function containing
// it. A nil guard or a frameless function is InBody, a pc in no function is
// Foreign.
func (g *PrologueGuard) State(pc uint64) PrologueState {
	if g == nil {
		return InBody
	}
	f, ok := g.symbols.FunctionContaining(pc)
	if !ok {
		return Foreign
	}
	p := g.Analyze(f)
	switch {
	case p.Body == 0 || pc >= p.Body:
		return InBody
	case pc < p.Push:
		return BeforePush
	}
	return AfterPush
}

// ReturnsInto reports whether ret is a return address into a known function:
// it lies inside one and the instruction before it is a call.
func (g *PrologueGuard) ReturnsInto(ret uint64) bool {
	if g == nil {
		return false
	}
	if _, ok := g.symbols.FunctionContaining(ret - 1); !ok {
		return false
	}
	// call rel32 is 5 bytes, indirect calls through a register or memory
	// operand take 2 to 7.
	for _, n := range []int{5, 2, 3, 6, 7, 4} {
		if uint64(n) > ret {
			continue
		}
		code, err := g.code.Code(ret-uint64(n), n)
		if err != nil || len(code) != n {
			continue
		}
		inst, err := x86asm.Decode(code, 64)
		if err == nil && inst.Len == n && inst.Op == x86asm.CALL {
			return true
		}
	}
	return false
}
