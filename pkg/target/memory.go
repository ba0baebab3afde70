package target

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrShortRead means the accessor made no progress.
	ErrShortRead = errors.New("short read")
	// ErrNotRegistered means the address is outside every registered segment.
	ErrNotRegistered = errors.New("address not in a registered segment")
)

// Memory reads the address space of the stopped process. ReadAt may return
// fewer bytes than asked for; use ReadFull to loop.
type Memory interface {
	ReadAt(buf []byte, addr uint64) (int, error)
	Close() error
}

// Accessor names.
const (
	AccessorCMA     = "cma"
	AccessorProcMem = "procmem"
	AccessorPtrace  = "ptrace"
)

// NewMemory returns the accessor called name for p.
func NewMemory(name string, p *TracedProcess) (Memory, error) {
	switch name {
	case AccessorCMA, "":
		return NewCMA(p.Pid()), nil
	case AccessorProcMem:
		return NewProcMem(p.Pid())
	case AccessorPtrace:
		return NewPeek(p), nil
	}
	return nil, errors.Errorf("unknown memory accessor %q", name)
}

// ReadFull reads exactly len(buf) bytes at addr.
func ReadFull(m Memory, buf []byte, addr uint64) error {
	for off := 0; off < len(buf); {
		n, err := m.ReadAt(buf[off:], addr+uint64(off))
		if err != nil {
			return errors.Wrapf(err, "read %d bytes at %#x", len(buf)-off, addr+uint64(off))
		}
		if n <= 0 {
			return errors.Wrapf(ErrShortRead, "at %#x", addr+uint64(off))
		}
		off += n
	}
	return nil
}

// CMA reads with process_vm_readv, one copy from the target into buf.
type CMA struct {
	pid int
}

// NewCMA returns a cross memory attach accessor for pid.
func NewCMA(pid int) *CMA {
	return &CMA{pid: pid}
}

func (m *CMA) ReadAt(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "process_vm_readv %d", m.pid)
	}
	return n, nil
}

func (m *CMA) Close() error {
	return nil
}

// Segment is one registered range of the target's address space.
type Segment struct {
	Start, End uint64
	Name       string
}

func (s Segment) contains(addr uint64) bool {
	return s.Start <= addr && addr < s.End
}

func (s Segment) String() string {
	return fmt.Sprintf("%#x-%#x %s", s.Start, s.End, s.Name)
}

// Segments picks the mappings worth registering: heap, stack and every
// other readable and writable mapping, where globals live.
func Segments(maps []*procfs.ProcMap) []Segment {
	var segs []Segment
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Read {
			continue
		}
		if m.Pathname != "[heap]" && m.Pathname != "[stack]" && !m.Perms.Write {
			continue
		}
		segs = append(segs, Segment{Start: uint64(m.StartAddr), End: uint64(m.EndAddr), Name: m.Pathname})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	return segs
}

// ProcMem reads /proc/<pid>/mem, limited to the registered segments. Reads
// never cross a segment end. An address outside every segment makes it
// register the current mappings again before giving up, since a freshly
// launched process has no heap yet.
type ProcMem struct {
	pid  int
	proc procfs.Proc
	file *os.File
	segs []Segment
}

// NewProcMem registers the segments of pid and opens its memory file.
func NewProcMem(pid int) (*ProcMem, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d", pid)
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open memory of %d", pid)
	}
	m := &ProcMem{pid: pid, proc: p, file: f}
	if err := m.register(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *ProcMem) register() error {
	maps, err := m.proc.ProcMaps()
	if err != nil {
		return errors.Wrapf(err, "maps of %d", m.pid)
	}
	m.segs = Segments(maps)
	for _, s := range m.segs {
		log.WithField("pid", m.pid).Debugf("registered segment %s", s)
	}
	return nil
}

func (m *ProcMem) segment(addr uint64) (Segment, bool) {
	i := sort.Search(len(m.segs), func(i int) bool { return m.segs[i].End > addr })
	if i == len(m.segs) || !m.segs[i].contains(addr) {
		return Segment{}, false
	}
	return m.segs[i], true
}

// Segments returns the registered segments.
func (m *ProcMem) Segments() []Segment {
	return m.segs
}

func (m *ProcMem) ReadAt(buf []byte, addr uint64) (int, error) {
	if m.file == nil {
		return 0, errors.New("memory closed")
	}
	seg, ok := m.segment(addr)
	if !ok {
		if err := m.register(); err != nil {
			return 0, err
		}
		if seg, ok = m.segment(addr); !ok {
			return 0, errors.Wrapf(ErrNotRegistered, "%#x", addr)
		}
	}
	if avail := seg.End - addr; uint64(len(buf)) > avail {
		buf = buf[:avail]
	}
	n, err := m.file.ReadAt(buf, int64(addr))
	if n > 0 {
		return n, nil
	}
	return 0, errors.Wrapf(err, "read /proc/%d/mem", m.pid)
}

// Close releases the registrations and the memory file.
func (m *ProcMem) Close() error {
	m.segs = nil
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Peek reads a word at a time with PTRACE_PEEKDATA. It is the slowest
// accessor and works wherever ptrace does.
type Peek struct {
	proc *TracedProcess
}

// NewPeek returns a ptrace accessor for p.
func NewPeek(p *TracedProcess) *Peek {
	return &Peek{proc: p}
}

func (m *Peek) ReadAt(buf []byte, addr uint64) (int, error) {
	var (
		n   int
		err error
	)
	m.proc.ExecPtrace(func() {
		// PtracePeekText and PtracePeekData behave the same on linux
		n, err = unix.PtracePeekData(m.proc.Pid(), uintptr(addr), buf)
	})
	if n > 0 {
		return n, nil
	}
	return 0, errors.Wrapf(err, "peek %#x", addr)
}

func (m *Peek) Close() error {
	return nil
}
