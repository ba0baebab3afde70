package target

import (
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Kind tells how the traced process was obtained.
type Kind uint8

const (
	Launched Kind = iota
	Attached
)

func (k Kind) String() string {
	if k == Attached {
		return "attached"
	}
	return "launched"
}

// reapTimeout bounds how long Reap waits for a terminated process.
const reapTimeout = 2 * time.Second

// TracedProcess is a process under ptrace. All ptrace requests are issued
// from one goroutine locked to its OS thread, as the kernel requires that
// every request comes from the tracer thread.
type TracedProcess struct {
	Process *os.Process
	Command string
	Args    []string
	Kind    Kind

	exited atomic.Bool

	once       *sync.Once
	ptraceCh   chan func()
	ptraceDone chan int
	stopCh     chan int
}

func newTracedProcess(kind Kind) *TracedProcess {
	return &TracedProcess{
		Kind:       kind,
		once:       &sync.Once{},
		ptraceCh:   make(chan func()),
		ptraceDone: make(chan int),
		stopCh:     make(chan int),
	}
}

// Launch starts cmd under trace. It returns once the child has stopped at
// its first instruction.
func Launch(cmd string, args []string) (*TracedProcess, error) {
	t := newTracedProcess(Launched)
	t.Command = cmd
	t.Args = args

	var err error
	t.ExecPtrace(func() {
		t.Process, err = t.launchCommand(cmd, args...)
	})
	if err != nil {
		t.StopPtrace()
		return nil, err
	}
	return t, nil
}

// Attach traces the running process pid and waits for it to stop.
func Attach(pid int) (*TracedProcess, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d", pid)
	}

	t := newTracedProcess(Attached)
	if t.Command, err = p.Executable(); err != nil {
		return nil, errors.Wrapf(err, "process %d executable", pid)
	}
	if args, err := p.CmdLine(); err == nil && len(args) > 0 {
		t.Args = args[1:]
	}
	if t.Process, err = os.FindProcess(pid); err != nil {
		return nil, err
	}

	t.ExecPtrace(func() {
		err = t.attach(pid)
	})
	if err != nil {
		t.StopPtrace()
		return nil, err
	}
	return t, nil
}

// launchCommand execute `execName` with `args`. Ptrace implies
// PTRACE_TRACEME, so the child stops with SIGTRAP right after exec.
func (t *TracedProcess) launchCommand(execName string, args ...string) (*os.Process, error) {
	progCmd := exec.Command(execName, args...)
	progCmd.Stdin = os.Stdin
	progCmd.Stdout = os.Stdout
	progCmd.Stderr = os.Stderr
	progCmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:     true,
		Setpgid:    true,
		Foreground: false,
	}

	if err := progCmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", execName)
	}
	t.Process = progCmd.Process

	_, status, err := t.wait(progCmd.Process.Pid, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "wait %s", execName)
	}
	if status == nil || !status.Stopped() {
		return nil, errors.Errorf("process %d did not stop after exec: %s", progCmd.Process.Pid, desc(status))
	}
	log.WithField("pid", progCmd.Process.Pid).Debugf("process stopped: %s", desc(status))
	return progCmd.Process, nil
}

// attach attach to process pid
func (t *TracedProcess) attach(pid int) error {
	if !checkPid(pid) {
		return errors.Errorf("process %d not existed", pid)
	}
	if err := unix.PtraceAttach(pid); err != nil {
		return errors.Wrapf(err, "attach process %d", pid)
	}
	_, status, err := t.wait(pid, 0)
	if err != nil {
		return errors.Wrapf(err, "wait process %d", pid)
	}
	log.WithField("pid", pid).Debugf("process attached: %s", desc(status))
	return nil
}

// ExecPtrace runs fn on the tracer thread and waits for it to finish.
func (t *TracedProcess) ExecPtrace(fn func()) {
	t.once.Do(func() {
		go func() {
			// ensure all ptrace requests goes via the same tracer (thread)
			//
			// issue: https://github.com/golang/go/issues/7699
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-t.ptraceCh:
					reqFn()
					t.ptraceDone <- 1
				case <-t.stopCh:
					return
				}
			}
		}()
	})
	t.ptraceCh <- fn
	<-t.ptraceDone
}

// StopPtrace ends the tracer goroutine. No ptrace request may follow.
func (t *TracedProcess) StopPtrace() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// Pid returns the traced process id.
func (t *TracedProcess) Pid() int {
	return t.Process.Pid
}

// Launched reports whether the process was started by us.
func (t *TracedProcess) Launched() bool {
	return t.Kind == Launched
}

// Exited reports whether the process has been seen exiting.
func (t *TracedProcess) Exited() bool {
	return t.exited.Load()
}

// Suspend asks the process to stop. Use WaitStop to wait for it.
func (t *TracedProcess) Suspend() error {
	if t.Exited() {
		return ErrExited
	}
	if err := unix.Kill(t.Pid(), unix.SIGSTOP); err != nil {
		return errors.Wrapf(err, "stop process %d", t.Pid())
	}
	return nil
}

// WaitStop waits until the process stops on SIGSTOP or exits. Other signals
// that stop the tracee on the way are delivered to it.
func (t *TracedProcess) WaitStop() (Status, error) {
	for {
		_, ws, err := t.wait(t.Pid(), 0)
		if err != nil {
			return Status{}, errors.Wrapf(err, "wait process %d", t.Pid())
		}
		st := statusOf(ws)
		if st.Exited || st.Signaled {
			t.exited.Store(true)
			return st, nil
		}
		if !st.Stopped || st.Signal == unix.SIGSTOP {
			return st, nil
		}

		log.WithField("pid", t.Pid()).Debugf("forwarding %s", st.Signal)
		sig := int(st.Signal)
		if st.Signal == unix.SIGTRAP {
			sig = 0
		}
		t.ExecPtrace(func() {
			err = unix.PtraceCont(t.Pid(), sig)
		})
		if err != nil {
			return Status{}, errors.Wrapf(err, "continue process %d", t.Pid())
		}
	}
}

// Resume continues the stopped process.
func (t *TracedProcess) Resume() error {
	if t.Exited() {
		return ErrExited
	}
	var err error
	t.ExecPtrace(func() {
		err = unix.PtraceCont(t.Pid(), 0)
	})
	return errors.Wrapf(err, "continue process %d", t.Pid())
}

// Terminate kills the process.
func (t *TracedProcess) Terminate() error {
	if t.Exited() {
		return nil
	}
	if err := unix.Kill(t.Pid(), unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "kill process %d", t.Pid())
	}
	return nil
}

// Reap collects the exit status of a terminated process without blocking
// for longer than reapTimeout.
func (t *TracedProcess) Reap() error {
	defer t.StopPtrace()
	if t.Kind == Attached {
		return nil
	}

	deadline := time.Now().Add(reapTimeout)
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(t.Pid(), &ws, unix.WNOHANG|unix.WALL, nil)
		switch {
		case err == unix.ECHILD:
			return nil
		case err != nil:
			return errors.Wrapf(err, "reap process %d", t.Pid())
		case wpid == t.Pid() && (ws.Exited() || ws.Signaled()):
			t.exited.Store(true)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("process %d not reaped after %s", t.Pid(), reapTimeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Detach releases an attached process and lets it run. A running process is
// stopped first, since ptrace only detaches from a stopped tracee.
func (t *TracedProcess) Detach() error {
	if t.Exited() {
		return nil
	}
	if !checkPid(t.Pid()) {
		return errors.Errorf("process %d not existed", t.Pid())
	}
	if !t.Stopped() {
		if err := t.Suspend(); err != nil {
			return err
		}
		if st, err := t.WaitStop(); err != nil || st.Exited || st.Signaled {
			return err
		}
	}
	var err error
	t.ExecPtrace(func() {
		err = unix.PtraceDetach(t.Pid())
	})
	if err != nil {
		return errors.Wrapf(err, "detach process %d", t.Pid())
	}
	log.WithField("pid", t.Pid()).Debug("process detached")
	return nil
}

// wait waits for pid to change state.
//
// If we call wait4/waitpid on a thread that is the leader of its group,
// with options == 0, while ptracing and the thread leader has exited leaving
// zombies of its own then waitpid hangs forever this is apparently intended
// behaviour in the linux kernel because it's just so convenient.
// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
// calls and exiting when either wait4 succeeds or we find out that the thread
// has become a zombie.
// References:
// https://sourceware.org/bugzilla/show_bug.cgi?id=12702
// https://sourceware.org/bugzilla/show_bug.cgi?id=10095
func (t *TracedProcess) wait(pid, options int) (int, *unix.WaitStatus, error) {
	var s unix.WaitStatus
	if (t.Process != nil && t.Process.Pid != pid) || options != 0 {
		wpid, err := unix.Wait4(pid, &s, unix.WALL|options, nil)
		return wpid, &s, err
	}
	for {
		wpid, err := unix.Wait4(pid, &s, unix.WNOHANG|unix.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, nil
		}
		if state(pid) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Process statuses, as in /proc/<pid>/stat
const (
	statusTraceStop  = "t"
	statusTraceStopT = "T"
	statusZombie     = "Z"
)

// Stopped reports whether the kernel shows the process as stopped.
func (t *TracedProcess) Stopped() bool {
	s := state(t.Pid())
	return s == statusTraceStop || s == statusTraceStopT
}

func state(pid int) string {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return ""
	}
	stat, err := p.Stat()
	if err != nil {
		return ""
	}
	return stat.State
}

// checkPid reports whether pid names a live process. os.FindProcess always
// succeeds on unix, so signal 0 is used as a probe.
func checkPid(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func desc(status *unix.WaitStatus) string {
	if status == nil {
		return "zombie"
	}
	return statusOf(status).String()
}
