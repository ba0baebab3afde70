package sampler

import (
	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	ticks    prometheus.Counter
	skips    *prometheus.CounterVec
	duration prometheus.Histogram
}

// newMetrics registers the sampler metrics on reg. A nil reg keeps them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohmd_ticks_total",
			Help: "Sampling ticks completed.",
		}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohmd_probe_skips_total",
			Help: "Probes that reported nothing on a tick, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohmd_tick_duration_seconds",
			Help:    "Time the target spent stopped for one tick.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.skips, m.duration)
	}
	return m
}

// Skip reasons.
const (
	reasonNotOnStack = "not_on_stack"
	reasonNotLive    = "not_live"
	reasonUnmapped   = "unmapped"
	reasonRead       = "read"
	reasonOther      = "other"
)

func skipReason(err error) string {
	switch errors.Cause(err) {
	case stack.ErrNotOnStack:
		return reasonNotOnStack
	case stack.ErrNotLive:
		return reasonNotLive
	case target.ErrNotRegistered:
		return reasonUnmapped
	case target.ErrShortRead:
		return reasonRead
	}
	return reasonOther
}
