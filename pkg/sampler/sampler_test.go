package sampler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hitzhangjie/ohmd/pkg/debuginfo"
	"github.com/hitzhangjie/ohmd/pkg/loader"
	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/hitzhangjie/ohmd/pkg/script"
	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/hitzhangjie/ohmd/pkg/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	counterAddr = 0x6020
	frameBase   = 0x7000
	localAddr   = frameBase + 16 - 20
)

var (
	mainFrame = stack.Frame{PC: 0x1050, BP: 0x7100, BaseValid: true}
	workFrame = stack.Frame{PC: 0x1150, BP: frameBase, BaseValid: true}
)

// program has a global counter, main and work(), with work.i at fbreg -20.
type program struct {
	mem      *target.MapMemory
	unwinder *stack.StaticUnwinder
	probes   probe.Set
	resolver *stack.Resolver
}

func newProgram(t *testing.T, specs ...string) *program {
	s := &debuginfo.Static{}
	s.Base(1, "int", 4, types.EncodingSigned)
	s.Func("main", 0x1000, 0x1100).
		Func("work", 0x1100, 0x1200).
		Var("counter", "", 1, debuginfo.AddrExpr(counterAddr)).
		Var("i", "work", 1, debuginfo.FrameExpr(-20))

	r, err := loader.Load(s)
	require.NoError(t, err)
	set, errs := probe.NewCompiler(r.Types, r.Symbols).CompileAll(specs)
	require.Empty(t, errs)

	u := &stack.StaticUnwinder{Stack: []stack.Frame{mainFrame}}
	return &program{
		mem:      target.NewMapMemory(),
		unwinder: u,
		probes:   set,
		resolver: stack.NewResolver(r.Symbols, u),
	}
}

func (p *program) sampler(proc target.Process, sink Sink, opts ...Option) *Sampler {
	return New(proc, p.mem, p.resolver, p.probes, sink, time.Millisecond, opts...)
}

func numbers(vals []probe.Value, ok []bool) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		if ok[i] {
			out[i] = v.Num
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	prog := newProgram(t, "counter", "@tick")
	written := []uint32{10, 11, 12, 13, 14}

	proc := &target.FakeProcess{
		PID:    100,
		ExitAt: len(written) + 1,
		OnResume: func(stop int) {
			if stop < len(written) {
				prog.mem.PutUint32(counterAddr, written[stop])
			}
		},
	}
	sink := &script.CollectSink{}
	s := prog.sampler(proc, sink)
	assert.Equal(t, Attaching, s.State())

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []interface{}{10.0, 11.0, 12.0, 13.0, 14.0}, numbers(sink.Values("counter")))
	assert.Equal(t, []interface{}{0.0, 1.0, 2.0, 3.0, 4.0}, numbers(sink.Values("@tick")), "ticks count from 0")
	for i, r := range sink.Reports() {
		assert.Equal(t, uint64(i), r.Tick)
		assert.Equal(t, "counter", r.Table[0].Name, "probe-set order")
	}
	assert.Equal(t, uint64(5), s.Ticks())
	assert.Equal(t, Terminated, s.State())
}

func TestSkipWhenNotOnStack(t *testing.T) {
	prog := newProgram(t, "work.i", "work", "counter")
	// work is active on ticks 2, 3 and 5
	active := map[int]bool{2: true, 3: true, 5: true}

	proc := &target.FakeProcess{
		PID:    100,
		ExitAt: 7,
		OnResume: func(stop int) {
			tick := stop + 1
			prog.mem.PutUint32(counterAddr, uint32(tick))
			if active[tick] {
				prog.unwinder.Stack = []stack.Frame{workFrame, mainFrame}
				prog.mem.PutUint32(localAddr, uint32(100+tick))
			} else {
				prog.unwinder.Stack = []stack.Frame{mainFrame}
			}
		},
	}
	sink := &script.CollectSink{}
	reg := prometheus.NewRegistry()
	s := prog.sampler(proc, sink, WithRegistry(reg))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []interface{}{nil, 102.0, 103.0, nil, 105.0, nil}, numbers(sink.Values("work.i")))
	assert.Equal(t, []interface{}{0.0, 1.0, 1.0, 0.0, 1.0, 0.0}, numbers(sink.Values("work")))
	assert.Equal(t, []interface{}{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}, numbers(sink.Values("counter")))

	assert.Equal(t, 6.0, testutil.ToFloat64(s.metrics.ticks))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.skips.WithLabelValues(reasonNotOnStack)))
}

func TestSkipUnreadable(t *testing.T) {
	prog := newProgram(t, "counter")
	proc := &target.FakeProcess{PID: 100, ExitAt: 3}
	sink := &script.CollectSink{}
	s := prog.sampler(proc, sink)
	require.NoError(t, s.Run(context.Background()))

	// nothing is mapped: every tick still emits, without the probe
	require.Len(t, sink.Reports(), 2)
	for _, r := range sink.Reports() {
		assert.Empty(t, r.Table)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.skips.WithLabelValues(reasonUnmapped)))
}

func TestDrainLaunched(t *testing.T) {
	prog := newProgram(t, "counter")
	proc := &target.FakeProcess{PID: 100, ExitAt: 2}
	sink := &script.CollectSink{}
	require.NoError(t, prog.sampler(proc, sink).Run(context.Background()))

	assert.Equal(t, []string{
		"resume", "suspend", "wait", "regs",
		"resume", "suspend", "wait",
		"terminate", "reap",
	}, proc.Calls())
	assert.True(t, prog.mem.Closed())
	assert.True(t, sink.Closed())
}

func TestDrainAttachedOnCancel(t *testing.T) {
	prog := newProgram(t, "counter")
	prog.mem.PutUint32(counterAddr, 1)

	ctx, cancel := context.WithCancel(context.Background())
	proc := &target.FakeProcess{
		PID:    100,
		Attach: true,
		OnResume: func(stop int) {
			if stop == 2 {
				cancel()
			}
		},
	}
	sink := &script.CollectSink{}
	s := prog.sampler(proc, sink)
	require.NoError(t, s.Run(ctx))

	assert.Len(t, sink.Reports(), 2)
	calls := proc.Calls()
	assert.Equal(t, []string{"detach", "reap"}, calls[len(calls)-2:])
	assert.NotContains(t, calls, "terminate")
	assert.Equal(t, Terminated, s.State())
}

type failingSink struct{}

func (f *failingSink) Emit(uint64, probe.Table) error { return errors.New("sink down") }
func (f *failingSink) Close() error                   { return errors.New("flush failed") }

func TestSinkErrors(t *testing.T) {
	prog := newProgram(t, "counter")
	proc := &target.FakeProcess{PID: 100, ExitAt: 3}
	s := prog.sampler(proc, &failingSink{})
	hook := test.NewGlobal()
	defer hook.Reset()

	err := s.Run(context.Background())
	require.Error(t, err, "close error surfaces from draining")
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, uint64(2), s.Ticks(), "emit errors do not stop sampling")

	var emits int
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "sink down") {
			emits++
			assert.Equal(t, logrus.WarnLevel, e.Level)
		}
	}
	assert.Equal(t, 2, emits, "one warning per failed tick")
}

func TestAbortBeforeStart(t *testing.T) {
	prog := newProgram(t, "counter")
	sink := &script.CollectSink{}
	s := New(nil, nil, nil, prog.probes, sink, time.Millisecond)
	assert.Equal(t, Attaching, s.State())

	err := s.Abort(errors.New("operation not permitted"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation not permitted")
	assert.Equal(t, Terminated, s.State())
	assert.True(t, sink.Closed())
	assert.Zero(t, s.Ticks())
}

func TestAbortReleasesProcess(t *testing.T) {
	prog := newProgram(t, "counter")
	sink := &script.CollectSink{}

	proc := &target.FakeProcess{PID: 100, Attach: true}
	s := New(proc, nil, nil, prog.probes, sink, time.Millisecond)
	err := s.Abort(errors.New("memory accessor"))
	require.Error(t, err)
	assert.Equal(t, []string{"detach", "reap"}, proc.Calls())
	assert.Equal(t, Terminated, s.State())

	launched := &target.FakeProcess{PID: 101}
	s = New(launched, prog.mem, nil, prog.probes, &script.CollectSink{}, time.Millisecond)
	require.Error(t, s.Abort(errors.New("setup")))
	assert.Equal(t, []string{"terminate", "reap"}, launched.Calls())
	assert.True(t, prog.mem.Closed())
}

func TestAbortAfterRun(t *testing.T) {
	prog := newProgram(t, "counter")
	proc := &target.FakeProcess{PID: 100, ExitAt: 2}
	s := prog.sampler(proc, &script.CollectSink{})
	require.NoError(t, s.Run(context.Background()))

	err := s.Abort(errors.New("late"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")
	assert.Equal(t, []string{"terminate", "reap"}, proc.Calls()[len(proc.Calls())-2:], "nothing is released twice")
}

func TestSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), time.Microsecond))
}

func TestSkipReason(t *testing.T) {
	assert.Equal(t, reasonNotOnStack, skipReason(errors.Wrap(stack.ErrNotOnStack, "x")))
	assert.Equal(t, reasonNotLive, skipReason(stack.ErrNotLive))
	assert.Equal(t, reasonRead, skipReason(errors.Wrap(target.ErrShortRead, "at 0x10")))
	assert.Equal(t, reasonOther, skipReason(errors.New("boom")))
}
