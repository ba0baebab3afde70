package target

import (
	"encoding/binary"
	"sync"

	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/pkg/errors"
)

// MapMemory is process memory backed by byte slices, for tests and replay.
type MapMemory struct {
	mu      sync.Mutex
	regions []region
	closed  bool
}

type region struct {
	addr uint64
	data []byte
}

// NewMapMemory returns empty memory.
func NewMapMemory() *MapMemory {
	return &MapMemory{}
}

// Map makes b readable at addr. b is not copied.
func (m *MapMemory) Map(addr uint64, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, region{addr: addr, data: b})
}

// Write copies b into already mapped memory at addr.
func (m *MapMemory) Write(addr uint64, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(b) > 0 {
		r, ok := m.find(addr)
		if !ok {
			return errors.Wrapf(ErrNotRegistered, "%#x", addr)
		}
		n := copy(r.data[addr-r.addr:], b)
		b = b[n:]
		addr += uint64(n)
	}
	return nil
}

// PutUint32 stores a little-endian 32-bit value, mapping it if needed.
func (m *MapMemory) PutUint32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.put(addr, b[:])
}

// PutUint64 stores a little-endian 64-bit value, mapping it if needed.
func (m *MapMemory) PutUint64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.put(addr, b[:])
}

func (m *MapMemory) put(addr uint64, b []byte) {
	if err := m.Write(addr, b); err != nil {
		m.Map(addr, b)
	}
}

func (m *MapMemory) find(addr uint64) (region, bool) {
	// later mappings shadow earlier ones
	for i := len(m.regions) - 1; i >= 0; i-- {
		r := m.regions[i]
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return r, true
		}
	}
	return region{}, false
}

func (m *MapMemory) ReadAt(buf []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("memory closed")
	}
	r, ok := m.find(addr)
	if !ok {
		return 0, errors.Wrapf(ErrNotRegistered, "%#x", addr)
	}
	return copy(buf, r.data[addr-r.addr:]), nil
}

func (m *MapMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MapMemory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// FakeProcess is a scripted Process. Each Suspend/WaitStop pair is one stop;
// the process exits on stop number ExitAt when that is non-zero.
type FakeProcess struct {
	PID    int
	Attach bool // behave like an attached process

	// Regs returns the registers of stop n, counting from 1.
	Regs func(stop int) *stack.Snapshot
	// OnResume runs before the process resumes after stop n (0 is the
	// initial stop), letting tests change memory between ticks.
	OnResume func(stop int)
	ExitAt   int

	mu     sync.Mutex
	stops  int
	exited bool
	calls  []string
}

func (p *FakeProcess) record(call string) {
	p.calls = append(p.calls, call)
}

// Calls returns the control requests seen so far.
func (p *FakeProcess) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Stops returns how many stops have completed.
func (p *FakeProcess) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *FakeProcess) Pid() int       { return p.PID }
func (p *FakeProcess) Launched() bool { return !p.Attach }

func (p *FakeProcess) Suspend() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("suspend")
	if p.exited {
		return ErrExited
	}
	return nil
}

func (p *FakeProcess) WaitStop() (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("wait")
	p.stops++
	if p.ExitAt > 0 && p.stops >= p.ExitAt {
		p.exited = true
		return Status{Exited: true}, nil
	}
	return Status{Stopped: true}, nil
}

func (p *FakeProcess) Resume() error {
	p.mu.Lock()
	stop, exited := p.stops, p.exited
	p.record("resume")
	p.mu.Unlock()

	if exited {
		return ErrExited
	}
	if p.OnResume != nil {
		p.OnResume(stop)
	}
	return nil
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("terminate")
	p.exited = true
	return nil
}

func (p *FakeProcess) Reap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("reap")
	return nil
}

func (p *FakeProcess) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("detach")
	return nil
}

func (p *FakeProcess) Registers() (*stack.Snapshot, error) {
	p.mu.Lock()
	stop := p.stops
	p.record("regs")
	p.mu.Unlock()

	if p.Regs == nil {
		return &stack.Snapshot{}, nil
	}
	return p.Regs(stop), nil
}
