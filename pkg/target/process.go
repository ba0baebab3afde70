// Package target controls the traced process and reads its memory.
package target

import (
	"strconv"

	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrExited is returned by control requests once the process is gone.
	ErrExited = errors.New("process exited")
)

// Process is the control surface the sampler drives. Between Suspend and
// Resume the process is stopped and its memory is stable.
type Process interface {
	Pid() int
	Launched() bool
	Suspend() error
	WaitStop() (Status, error)
	Resume() error
	Terminate() error
	Reap() error
	Detach() error
	Registers() (*stack.Snapshot, error)
}

// Status is the outcome of waiting on the process.
type Status struct {
	Stopped  bool
	Exited   bool
	Signaled bool
	Code     int         // exit code
	Signal   unix.Signal // stop or termination signal
}

// Gone reports whether the process no longer exists.
func (s Status) Gone() bool {
	return s.Exited || s.Signaled
}

func statusOf(ws *unix.WaitStatus) Status {
	if ws == nil {
		// became a zombie while we waited
		return Status{Exited: true}
	}
	switch {
	case ws.Exited():
		return Status{Exited: true, Code: ws.ExitStatus()}
	case ws.Signaled():
		return Status{Signaled: true, Signal: ws.Signal()}
	case ws.Stopped():
		return Status{Stopped: true, Signal: ws.StopSignal()}
	}
	return Status{}
}

func (s Status) String() string {
	switch {
	case s.Exited:
		return "exited: " + strconv.Itoa(s.Code)
	case s.Signaled:
		return "signaled: " + s.Signal.String()
	case s.Stopped:
		return "stopped: " + s.Signal.String()
	}
	return "running"
}

// Registers reads the general purpose registers of the stopped process.
func (t *TracedProcess) Registers() (*stack.Snapshot, error) {
	var (
		regs unix.PtraceRegs
		err  error
	)
	t.ExecPtrace(func() {
		err = unix.PtraceGetRegs(t.Pid(), &regs)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get regs of %d", t.Pid())
	}
	return stack.NewSnapshot(DwarfRegisters(&regs)), nil
}

// DwarfRegisters maps ptrace registers to DWARF register numbers.
func DwarfRegisters(r *unix.PtraceRegs) map[uint64]uint64 {
	return map[uint64]uint64{
		regnum.AMD64_Rax: r.Rax,
		regnum.AMD64_Rdx: r.Rdx,
		regnum.AMD64_Rcx: r.Rcx,
		regnum.AMD64_Rbx: r.Rbx,
		regnum.AMD64_Rsi: r.Rsi,
		regnum.AMD64_Rdi: r.Rdi,
		regnum.AMD64_Rbp: r.Rbp,
		regnum.AMD64_Rsp: r.Rsp,
		regnum.AMD64_R8:  r.R8,
		regnum.AMD64_R9:  r.R9,
		regnum.AMD64_R10: r.R10,
		regnum.AMD64_R11: r.R11,
		regnum.AMD64_R12: r.R12,
		regnum.AMD64_R13: r.R13,
		regnum.AMD64_R14: r.R14,
		regnum.AMD64_R15: r.R15,
		regnum.AMD64_Rip: r.Rip,
	}
}
