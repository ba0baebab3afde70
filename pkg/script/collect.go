package script

import (
	"sync"

	"github.com/hitzhangjie/ohmd/pkg/probe"
)

// Report is one tick as seen by CollectSink.
type Report struct {
	Tick  uint64
	Table probe.Table
}

// CollectSink keeps every emitted tick in memory.
type CollectSink struct {
	mu      sync.Mutex
	reports []Report
	closed  bool
}

func (c *CollectSink) Emit(tick uint64, t probe.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, Report{Tick: tick, Table: append(probe.Table(nil), t...)})
	return nil
}

func (c *CollectSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Reports returns the ticks emitted so far.
func (c *CollectSink) Reports() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Report(nil), c.reports...)
}

// Values returns the value of name on every tick, with ok false on ticks
// that did not report it.
func (c *CollectSink) Values(name string) (vals []probe.Value, ok []bool) {
	for _, r := range c.Reports() {
		v, found := r.Table.Get(name)
		vals = append(vals, v)
		ok = append(ok, found)
	}
	return vals, ok
}

// Closed reports whether Close was called.
func (c *CollectSink) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
