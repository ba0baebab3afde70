// Package sampler runs the tick loop: stop the target, sample every probe,
// hand the table to the sink, let the target run again.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// State is the lifecycle stage of a Sampler.
type State int32

const (
	Attaching State = iota
	Sampling
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Attaching:
		return "attaching"
	case Sampling:
		return "sampling"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sink receives one table per tick, in tick order.
type Sink interface {
	Emit(tick uint64, t probe.Table) error
	Close() error
}

// Sampler owns the probe set and drives the target. The target must be
// stopped when Run is called, as it is right after launch or attach.
type Sampler struct {
	Process  target.Process
	Memory   target.Memory
	Resolver *stack.Resolver
	Probes   probe.Set
	Sink     Sink
	Interval time.Duration

	state   atomic.Int32
	tick    atomic.Uint64
	metrics *metrics
}

type Option func(*Sampler)

// WithRegistry registers the sampler metrics on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *Sampler) { s.metrics = newMetrics(reg) }
}

// New returns an Attaching sampler. The process, memory and resolver may be
// filled in later, once the target is started, but before Run.
func New(p target.Process, mem target.Memory, r *stack.Resolver, probes probe.Set, sink Sink, interval time.Duration, opts ...Option) *Sampler {
	s := &Sampler{
		Process:  p,
		Memory:   mem,
		Resolver: r,
		Probes:   probes,
		Sink:     sink,
		Interval: interval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	s.setState(Attaching)
	return s
}

// State returns the current lifecycle stage.
func (s *Sampler) State() State {
	return State(s.state.Load())
}

func (s *Sampler) setState(st State) {
	s.state.Store(int32(st))
	log.WithField("pid", s.pid()).Debugf("sampler %s", st)
}

func (s *Sampler) pid() int {
	if s.Process == nil {
		return 0
	}
	return s.Process.Pid()
}

// Ticks returns the number of ticks sampled so far. Ticks are numbered from
// 0, so it is also the number of the next one.
func (s *Sampler) Ticks() uint64 {
	return s.tick.Load()
}

// Run samples until ctx is done or the target exits, then drains. Each
// tick resumes the target, sleeps for the interval, stops the target and
// samples it.
func (s *Sampler) Run(ctx context.Context) error {
	s.setState(Sampling)
	err := s.loop(ctx)
	return s.drain(err)
}

// Abort ends a sampler that never started sampling, because the target
// could not be started or set up. Whatever was already handed over is
// released as on a normal drain. cause is returned along with any release
// error.
func (s *Sampler) Abort(cause error) error {
	if s.State() != Attaching {
		return errors.Errorf("abort in state %s", s.State())
	}
	return s.drain(cause)
}

func (s *Sampler) loop(ctx context.Context) error {
	for {
		if err := s.Process.Resume(); err != nil {
			return gone(err)
		}

		if !sleep(ctx, s.Interval) {
			log.WithField("pid", s.pid()).Info("shutdown requested")
			return nil
		}

		if err := s.Process.Suspend(); err != nil {
			return gone(err)
		}
		st, err := s.Process.WaitStop()
		if err != nil {
			return err
		}
		if st.Gone() {
			log.WithField("pid", s.pid()).Infof("target %s", st)
			return nil
		}
		s.sample()
	}
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// gone turns an exited target into a normal end of sampling.
func gone(err error) error {
	if errors.Cause(err) == target.ErrExited {
		return nil
	}
	return err
}

// env is what the probes see during one tick.
type env struct {
	s     *Sampler
	trace *stack.Trace
	tick  uint64
}

func (e *env) Resolve(v *symbol.Variable) (uint64, error) {
	return e.s.Resolver.Resolve(v, e.trace)
}

func (e *env) ReadFull(buf []byte, addr uint64) error {
	return target.ReadFull(e.s.Memory, buf, addr)
}

func (e *env) OnStack(f *symbol.Function) bool {
	return e.s.Resolver.OnStack(f, e.trace)
}

func (e *env) Tick() uint64 {
	return e.tick
}

// sample runs one tick against the stopped target. Probes that cannot be
// sampled are left out of the table.
func (s *Sampler) sample() {
	start := time.Now()
	tick := s.tick.Inc() - 1
	logger := log.WithField("tick", tick)

	snap, err := s.Process.Registers()
	if err != nil {
		logger.Warnf("read registers: %v", err)
		return
	}
	e := &env{s: s, trace: s.Resolver.Trace(snap), tick: tick}

	table := make(probe.Table, 0, len(s.Probes))
	for _, p := range s.Probes {
		v, err := p.Sample(e)
		if err != nil {
			s.metrics.skips.WithLabelValues(skipReason(err)).Inc()
			logger.WithField("probe", p.Name).Debugf("skipped: %v", err)
			continue
		}
		table = append(table, probe.Entry{Name: p.Name, Value: v})
	}

	if err := s.Sink.Emit(tick, table); err != nil {
		logger.Warnf("emit: %v", err)
	}
	s.metrics.ticks.Inc()
	s.metrics.duration.Observe(time.Since(start).Seconds())
}

// drain releases the target and everything tied to it. A launched target
// is killed, an attached one is let go.
func (s *Sampler) drain(runErr error) error {
	s.setState(Draining)
	defer s.setState(Terminated)

	var err error
	if s.Process != nil {
		if s.Process.Launched() {
			err = multierr.Append(err, s.Process.Terminate())
		} else {
			err = multierr.Append(err, s.Process.Detach())
		}
		err = multierr.Append(err, s.Process.Reap())
	}
	if s.Memory != nil {
		err = multierr.Append(err, s.Memory.Close())
	}
	err = multierr.Append(err, s.Sink.Close())
	return multierr.Combine(runErr, err)
}
