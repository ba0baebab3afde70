package stack

import (
	"encoding/binary"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordMem is sparse target memory made of 8-byte aligned words.
type wordMem map[uint64]uint64

func (m wordMem) ReadAt(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		a := addr + uint64(i)
		w, ok := m[a&^7]
		if !ok {
			if i == 0 {
				return 0, errors.Errorf("unmapped %#x", a)
			}
			return i, nil
		}
		buf[i] = byte(w >> (8 * (a & 7)))
	}
	return len(buf), nil
}

type fakeCode map[uint64][]byte

func (c fakeCode) Code(addr uint64, n int) ([]byte, error) {
	b, ok := c[addr]
	if !ok {
		return nil, errors.Errorf("no code at %#x", addr)
	}
	if n < len(b) {
		b = b[:n]
	}
	return b, nil
}

type program struct {
	symbols             *symbol.Table
	leaf, mid, main, lc *symbol.Function
	other               *symbol.Function
}

func newProgram() *program {
	p := &program{
		symbols: symbol.NewTable(),
		leaf:    &symbol.Function{Name: "leaf", LowPC: 0x401000, HighPC: 0x401100},
		mid:     &symbol.Function{Name: "mid", LowPC: 0x402000, HighPC: 0x402100},
		main:    &symbol.Function{Name: "main", LowPC: 0x403000, HighPC: 0x403100},
		lc:      &symbol.Function{Name: "__libc_start_main", LowPC: 0x404000, HighPC: 0x404100},
		other:   &symbol.Function{Name: "other", LowPC: 0x405000, HighPC: 0x405100},
	}
	for _, f := range []*symbol.Function{p.leaf, p.mid, p.main, p.lc, p.other} {
		p.symbols.AddFunction(f)
	}
	return p
}

func local(fn *symbol.Function, name string, loc symbol.Location) *symbol.Variable {
	return &symbol.Variable{Name: fn.Name + "." + name, Function: fn, Location: loc}
}

func fbreg(off int64) symbol.Location {
	return symbol.Location{Kind: symbol.LocFrameOffset, Offset: off}
}

// chain is leaf -> mid -> main -> __libc_start_main linked by saved rbp.
func chain() wordMem {
	return wordMem{
		0x7f10: 0x7f40, 0x7f18: 0x402030, // leaf frame
		0x7f40: 0x7f80, 0x7f48: 0x403010, // mid frame
		0x7f80: 0x0, 0x7f88: 0x404010,    // main frame
	}
}

func leafSnapshot(pc uint64) *Snapshot {
	return NewSnapshot(map[uint64]uint64{
		regnum.AMD64_Rip: pc,
		regnum.AMD64_Rsp: 0x7f00,
		regnum.AMD64_Rbp: 0x7f10,
		regnum.AMD64_Rbx: 42,
		regnum.AMD64_Rax: 7,
	})
}

func TestSnapshot(t *testing.T) {
	regs := map[uint64]uint64{regnum.AMD64_Rip: 1, regnum.AMD64_Rsp: 2, regnum.AMD64_Rbp: 3}
	s := NewSnapshot(regs)
	regs[regnum.AMD64_Rip] = 99

	assert.Equal(t, uint64(1), s.PC)
	assert.Equal(t, uint64(2), s.SP)
	assert.Equal(t, uint64(3), s.BP)
	assert.Equal(t, uint64(1), s.Regs[regnum.AMD64_Rip], "snapshot must not alias the caller's map")
}

func TestFramePointerUnwind(t *testing.T) {
	u := &FramePointerUnwinder{Mem: chain()}
	frames := NewTrace(leafSnapshot(0x401020), u).Frames()

	require.Len(t, frames, 4)
	want := []struct{ pc, sp, bp uint64 }{
		{0x401020, 0x7f00, 0x7f10},
		{0x402030, 0x7f20, 0x7f40},
		{0x403010, 0x7f50, 0x7f80},
		{0x404010, 0x7f90, 0x0},
	}
	for i, w := range want {
		assert.Equal(t, i, frames[i].Index)
		assert.Equal(t, w.pc, frames[i].PC, "frame %d pc", i)
		assert.Equal(t, w.sp, frames[i].SP, "frame %d sp", i)
		assert.Equal(t, w.bp, frames[i].BP, "frame %d bp", i)
		assert.True(t, frames[i].BaseValid)
	}

	rbx, ok := frames[2].Reg(regnum.AMD64_Rbx)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), rbx)
	_, ok = frames[1].Reg(regnum.AMD64_Rax)
	assert.False(t, ok, "caller-saved registers are not recovered")
}

func TestFramePointerUnwindStopsOnCorruptChain(t *testing.T) {
	mem := wordMem{0x7f10: 0x7f00, 0x7f18: 0x402030} // saved rbp below current
	frames := NewTrace(leafSnapshot(0x401020), &FramePointerUnwinder{Mem: mem}).Frames()
	assert.Len(t, frames, 1)

	frames = NewTrace(leafSnapshot(0x401020), &FramePointerUnwinder{Mem: wordMem{}}).Frames()
	assert.Len(t, frames, 1)
}

func TestResolve(t *testing.T) {
	p := newProgram()
	r := NewResolver(p.symbols, &FramePointerUnwinder{Mem: chain()})
	tr := r.Trace(leafSnapshot(0x401020))

	tests := []struct {
		name string
		v    *symbol.Variable
		want uint64
		err  error
	}{
		{"global", &symbol.Variable{Name: "g", Location: symbol.Location{Kind: symbol.LocAddress, Addr: 0x6020}}, 0x6020, nil},
		{"global literal", &symbol.Variable{Name: "k", Location: symbol.Location{Kind: symbol.LocLiteral, Value: 3}}, 3, nil},
		{"leaf fbreg", local(p.leaf, "x", fbreg(-20)), 0x7f10 + 16 - 20, nil},
		{"mid fbreg", local(p.mid, "y", fbreg(-24)), 0x7f40 + 16 - 24, nil},
		{"main fbreg", local(p.main, "z", fbreg(-4)), 0x7f80 + 16 - 4, nil},
		{"leaf reg", local(p.leaf, "r", symbol.Location{Kind: symbol.LocRegister, Reg: regnum.AMD64_Rbx}), 42, nil},
		{"leaf breg", local(p.leaf, "s", symbol.Location{Kind: symbol.LocRegister, Reg: regnum.AMD64_Rsp, Offset: 8, Relative: true}), 0x7f08, nil},
		{"mid callee saved", local(p.mid, "rb", symbol.Location{Kind: symbol.LocRegister, Reg: regnum.AMD64_Rbx}), 42, nil},
		{"mid caller saved", local(p.mid, "ra", symbol.Location{Kind: symbol.LocRegister, Reg: regnum.AMD64_Rax}), 0, errNoRegister},
		{"leaf literal", local(p.leaf, "k", symbol.Location{Kind: symbol.LocLiteral, Value: -1}), ^uint64(0), nil},
		{"inactive function", local(p.other, "w", fbreg(-8)), 0, ErrNotOnStack},
		{"inactive literal", local(p.other, "k", symbol.Location{Kind: symbol.LocLiteral, Value: 1}), 0, ErrNotOnStack},
		{"beyond main", local(p.lc, "argc", fbreg(-8)), 0, ErrNotOnStack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.v, tr)
			if tt.err != nil {
				assert.Equal(t, tt.err, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDoesNotConsumeTrace(t *testing.T) {
	p := newProgram()
	r := NewResolver(p.symbols, &FramePointerUnwinder{Mem: chain()})
	tr := r.Trace(leafSnapshot(0x401020))
	z := local(p.main, "z", fbreg(-4))
	x := local(p.leaf, "x", fbreg(-20))

	a, err := r.Resolve(z, tr)
	require.NoError(t, err)
	b, err := r.Resolve(x, tr)
	require.NoError(t, err)
	c, err := r.Resolve(z, tr)
	require.NoError(t, err)

	assert.Equal(t, a, c)
	assert.Equal(t, uint64(0x7f10+16-20), b)
}

type countingUnwinder struct {
	Unwinder
	next int
}

type countingCursor struct {
	Cursor
	u *countingUnwinder
}

func (c *countingCursor) Next() (Frame, bool) {
	c.u.next++
	return c.Cursor.Next()
}

func (u *countingUnwinder) Frames(s *Snapshot) Cursor {
	return &countingCursor{Cursor: u.Unwinder.Frames(s), u: u}
}

func TestTraceUnwindsOnce(t *testing.T) {
	p := newProgram()
	u := &countingUnwinder{Unwinder: &StaticUnwinder{Stack: []Frame{
		{PC: 0x401010, BP: 0x100, BaseValid: true},
		{PC: 0x402010, BP: 0x200, BaseValid: true},
		{PC: 0x403010, BP: 0x300, BaseValid: true},
	}}}
	r := NewResolver(p.symbols, u)
	tr := r.Trace(&Snapshot{})

	for i := 0; i < 5; i++ {
		assert.True(t, r.OnStack(p.main, tr))
		assert.False(t, r.OnStack(p.other, tr))
	}
	assert.Equal(t, 3, u.next, "frames are unwound once per trace")
	assert.Len(t, tr.Frames(), 3)
	assert.Equal(t, 4, u.next)
}

func TestOnStack(t *testing.T) {
	p := newProgram()
	r := NewResolver(p.symbols, &FramePointerUnwinder{Mem: chain()})
	tr := r.Trace(leafSnapshot(0x401020))

	assert.True(t, r.OnStack(p.leaf, tr))
	assert.True(t, r.OnStack(p.mid, tr))
	assert.True(t, r.OnStack(p.main, tr))
	assert.False(t, r.OnStack(p.other, tr))
	assert.False(t, r.OnStack(p.lc, tr), "walk stops at main")
}

func TestSkipAndResume(t *testing.T) {
	p := newProgram()
	y := local(p.mid, "y", fbreg(-24))

	// tick 1: main only
	r := NewResolver(p.symbols, &StaticUnwinder{Stack: []Frame{
		{PC: 0x403020, BP: 0x7f80, BaseValid: true},
	}})
	_, err := r.Resolve(y, r.Trace(&Snapshot{}))
	assert.Equal(t, ErrNotOnStack, errors.Cause(err))

	// tick 2: mid entered
	r.Unwinder = &StaticUnwinder{Stack: []Frame{
		{PC: 0x402040, BP: 0x7f40, BaseValid: true},
		{Index: 1, PC: 0x403021, BP: 0x7f80, BaseValid: true},
	}}
	addr, err := r.Resolve(y, r.Trace(&Snapshot{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f40+16-24), addr)
}

func TestScanPrologue(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Prologue
	}{
		{"classic", []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10}, Prologue{Push: 0x1001, Body: 0x1004}},
		{"endbr64", []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x55, 0x48, 0x89, 0xe5}, Prologue{Push: 0x1005, Body: 0x1008}},
		{"mov via 8b", []byte{0x55, 0x48, 0x8b, 0xec}, Prologue{Push: 0x1001, Body: 0x1004}},
		{"frameless", []byte{0x48, 0x83, 0xec, 0x08, 0xc3}, Prologue{}},
		{"push only", []byte{0x55, 0xc3}, Prologue{}},
		{"empty", nil, Prologue{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScanPrologue(0x1000, tt.code))
		})
	}
}

func TestPrologueGuard(t *testing.T) {
	p := newProgram()
	code := fakeCode{p.leaf.LowPC: {0x55, 0x48, 0x89, 0xe5, 0x90}}
	g := NewPrologueGuard(code, p.symbols)

	assert.Equal(t, BeforePush, g.State(0x401000))
	assert.Equal(t, AfterPush, g.State(0x401001))
	assert.Equal(t, AfterPush, g.State(0x401003))
	assert.Equal(t, InBody, g.State(0x401004))
	assert.Equal(t, InBody, g.State(0x402000), "unreadable code is treated as frameless")
	assert.Equal(t, Foreign, g.State(0x999999))

	var nilGuard *PrologueGuard
	assert.Equal(t, InBody, nilGuard.State(0x401000))
}

func TestUnwindInPrologue(t *testing.T) {
	p := newProgram()
	code := fakeCode{p.leaf.LowPC: {0x55, 0x48, 0x89, 0xe5, 0x90}}
	g := NewPrologueGuard(code, p.symbols)

	mem := chain()
	mem[0x7f00] = 0x402030 // return address at entry
	mem[0x7ef8] = 0x7f40   // rbp pushed by leaf
	x := local(p.leaf, "x", fbreg(-20))
	y := local(p.mid, "y", fbreg(-24))

	for _, tc := range []struct {
		name   string
		pc, sp uint64
	}{
		{"before push", 0x401000, 0x7f00},
		{"after push", 0x401001, 0x7ef8},
	} {
		t.Run(tc.name, func(t *testing.T) {
			snap := NewSnapshot(map[uint64]uint64{
				regnum.AMD64_Rip: tc.pc,
				regnum.AMD64_Rsp: tc.sp,
				regnum.AMD64_Rbp: 0x7f40,
			})
			r := NewResolver(p.symbols, &FramePointerUnwinder{Mem: mem, Prologue: g})
			tr := r.Trace(snap)

			frames := tr.Frames()
			require.Len(t, frames, 4)
			assert.False(t, frames[0].BaseValid)
			assert.Equal(t, uint64(0x402030), frames[1].PC)
			assert.Equal(t, uint64(0x7f08), frames[1].SP)
			assert.Equal(t, uint64(0x7f40), frames[1].BP)

			_, err := r.Resolve(x, tr)
			assert.Equal(t, ErrNotLive, errors.Cause(err))
			addr, err := r.Resolve(y, tr)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x7f40+16-24), addr)
		})
	}
}

// debugFrame assembles a .debug_frame section with one CIE and one FDE
// describing the usual push rbp; mov rbp, rsp prologue of leaf.
func debugFrame(low, size uint64) []byte {
	cie := []byte{
		0x14, 0x00, 0x00, 0x00, // length
		0xff, 0xff, 0xff, 0xff, // CIE id
		0x01,                   // version
		0x00,                   // augmentation
		0x01,                   // code alignment
		0x78,                   // data alignment -8
		0x10,                   // return address register
		0x0c, 0x07, 0x08,       // def_cfa rsp+8
		0x90, 0x01,             // offset rip, cfa-8
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	fde := []byte{
		0x1c, 0x00, 0x00, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // CIE pointer
	}
	fde = binary.LittleEndian.AppendUint64(fde, low)
	fde = binary.LittleEndian.AppendUint64(fde, size)
	fde = append(fde,
		0x41,       // advance_loc 1
		0x0e, 0x10, // def_cfa_offset 16
		0x86, 0x02, // offset rbp, cfa-16
		0x43,       // advance_loc 3
		0x0d, 0x06, // def_cfa_register rbp
	)
	return append(cie, fde...)
}

func TestCFAUnwind(t *testing.T) {
	p := newProgram()
	fdes, err := frame.Parse(debugFrame(p.leaf.LowPC, p.leaf.HighPC-p.leaf.LowPC), binary.LittleEndian, 0, 8, 0)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	mem := wordMem{
		0x7ef0: 0x7f40, 0x7ef8: 0x403010, // leaf: saved rbp, return into main
		0x7f40: 0x0, 0x7f48: 0x404010,    // main frame, unwound by frame pointer
	}
	tests := []struct {
		name       string
		pc, sp, bp uint64
	}{
		{"entry", 0x401000, 0x7ef8, 0x7f40},
		{"body", 0x401010, 0x7ee0, 0x7ef0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewCFAUnwinder(fdes, mem, nil)
			snap := NewSnapshot(map[uint64]uint64{
				regnum.AMD64_Rip: tt.pc,
				regnum.AMD64_Rsp: tt.sp,
				regnum.AMD64_Rbp: tt.bp,
			})
			frames := NewTrace(snap, u).Frames()
			require.Len(t, frames, 3)

			assert.Equal(t, uint64(0x403010), frames[1].PC)
			assert.Equal(t, uint64(0x7f00), frames[1].SP)
			assert.Equal(t, uint64(0x7f40), frames[1].BP)
			assert.Equal(t, uint64(0x404010), frames[2].PC)
		})
	}
}

func TestCFAUnwindFallsBack(t *testing.T) {
	u := NewCFAUnwinder(nil, chain(), nil)
	frames := NewTrace(leafSnapshot(0x401020), u).Frames()
	require.Len(t, frames, 4)
	assert.Equal(t, uint64(0x404010), frames[3].PC)
}

// libcPC is a pc in a shared library, where the executable has no symbols.
const libcPC = 0x7fff00001010

// blockedInLibrary is mid calling into a library routine that has pushed
// one word and left rbp alone. Stack words around the routine are filled so
// that chunked reads succeed.
func blockedInLibrary() (wordMem, fakeCode) {
	mem := chain()
	for a := uint64(0x7e00); a < 0x8000; a += 8 {
		if _, ok := mem[a]; !ok {
			mem[a] = 0
		}
	}
	mem[0x7e00] = 0x7fff00002000 // return address inside the library
	mem[0x7e08] = 0x402010       // code pointer into mid, not after a call
	mem[0x7e10] = 0x402030       // return address into mid
	code := fakeCode{
		0x402030 - 5: {0xe8, 0x00, 0x00, 0x00, 0x00}, // call rel32
	}
	return mem, code
}

func librarySnapshot() *Snapshot {
	return NewSnapshot(map[uint64]uint64{
		regnum.AMD64_Rip: libcPC,
		regnum.AMD64_Rsp: 0x7e00,
		regnum.AMD64_Rbp: 0x7f40, // still mid's
	})
}

func TestReturnsInto(t *testing.T) {
	p := newProgram()
	_, code := blockedInLibrary()
	g := NewPrologueGuard(code, p.symbols)

	assert.True(t, g.ReturnsInto(0x402030))
	assert.False(t, g.ReturnsInto(0x402010), "not preceded by a call")
	assert.False(t, g.ReturnsInto(0x7fff00002000), "outside the executable")

	var nilGuard *PrologueGuard
	assert.False(t, nilGuard.ReturnsInto(0x402030))
}

func TestFramePointerUnwindFromLibrary(t *testing.T) {
	p := newProgram()
	mem, code := blockedInLibrary()
	g := NewPrologueGuard(code, p.symbols)
	r := NewResolver(p.symbols, &FramePointerUnwinder{Mem: mem, Prologue: g})
	tr := r.Trace(librarySnapshot())

	frames := tr.Frames()
	require.Len(t, frames, 4)
	assert.False(t, frames[0].BaseValid)
	assert.Equal(t, uint64(0x402030), frames[1].PC)
	assert.Equal(t, uint64(0x7e18), frames[1].SP)
	assert.Equal(t, uint64(0x7f40), frames[1].BP)
	assert.Equal(t, uint64(0x403010), frames[2].PC)
	assert.Equal(t, uint64(0x404010), frames[3].PC)

	assert.True(t, r.OnStack(p.mid, tr), "the caller of the library routine is not skipped")
	y := local(p.mid, "y", fbreg(-24))
	addr, err := r.Resolve(y, tr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f40+16-24), addr)
}

func TestFramePointerUnwindFromLibraryWithoutCaller(t *testing.T) {
	p := newProgram()
	mem, _ := blockedInLibrary()
	g := NewPrologueGuard(fakeCode{}, p.symbols)

	frames := NewTrace(librarySnapshot(), &FramePointerUnwinder{Mem: mem, Prologue: g}).Frames()
	assert.Len(t, frames, 1)
}

// libraryFrame assembles call frame information for a library routine that
// pushes one register other than rbp.
func libraryFrame(low, size uint64) []byte {
	b := debugFrame(low, size)
	cie := b[:24]
	fde := append([]byte{}, b[24:48]...) // header up to the instructions
	fde = append(fde,
		0x41,       // advance_loc 1
		0x0e, 0x10, // def_cfa_offset 16
		0x00, 0x00, 0x00, 0x00, 0x00,
	)
	return append(append([]byte{}, cie...), fde...)
}

func TestCFAUnwindThroughLibrary(t *testing.T) {
	p := newProgram()
	lib, err := frame.Parse(libraryFrame(0x7fff00001000, 0x100), binary.LittleEndian, 0, 8, 0)
	require.NoError(t, err)
	require.Len(t, lib, 1)

	mem := chain()
	mem[0x7e00] = 77       // pushed register
	mem[0x7e08] = 0x402030 // return address into mid

	u := NewCFAUnwinder(FrameTables{frame.FrameDescriptionEntries(nil), lib}, mem, NewPrologueGuard(fakeCode{}, p.symbols))
	r := NewResolver(p.symbols, u)
	tr := r.Trace(librarySnapshot())

	frames := tr.Frames()
	require.Len(t, frames, 4)
	assert.Equal(t, uint64(0x402030), frames[1].PC)
	assert.Equal(t, uint64(0x7e10), frames[1].SP)
	assert.Equal(t, uint64(0x7f40), frames[1].BP)
	assert.True(t, frames[1].BaseValid)
	assert.Equal(t, uint64(0x403010), frames[2].PC)

	y := local(p.mid, "y", fbreg(-24))
	addr, err := r.Resolve(y, tr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f40+16-24), addr)
}

func TestFrameTables(t *testing.T) {
	p := newProgram()
	exe, err := frame.Parse(debugFrame(p.leaf.LowPC, 0x100), binary.LittleEndian, 0, 8, 0)
	require.NoError(t, err)
	lib, err := frame.Parse(libraryFrame(0x7fff00001000, 0x100), binary.LittleEndian, 0, 8, 0)
	require.NoError(t, err)

	ts := FrameTables{exe, lib}
	fde, err := ts.FDEForPC(0x401010)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), fde.Begin())
	fde, err = ts.FDEForPC(libcPC)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7fff00001000), fde.Begin())
	_, err = ts.FDEForPC(0x999999)
	assert.Error(t, err)
}
