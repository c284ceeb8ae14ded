// Package metrics implements the Prometheus collectors named in
// SPEC_FULL section 6 AMBIENT STACK: in-memory queue depth per kind,
// worker busy/idle counts, load/save durations, error totals, and
// last_seq_no per queue loader.
//
// Collectors satisfies loadsave.Metrics. It uses the CounterOpts/GaugeVec
// pattern of the example pack's prometheus-instrumented code, but keeps
// the collectors on an injectable *Collectors with an error-returning
// Register instead of package-level vars and MustRegister.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FileSysOrg/jfileserver-sub003/request"
)

const namespace = "jfilecached"

// Collectors holds every gauge/counter/histogram the core exposes. A
// nil *Collectors is not valid; use New to build one and Register to
// expose it on a prometheus.Registerer.
type Collectors struct {
	queueDepth *prometheus.GaugeVec
	workerBusy *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	lastSeqNo  *prometheus.GaugeVec
}

// New builds the collector set. Call Register to attach it to a
// registry (prometheus.DefaultRegisterer or a private one in tests).
func New() *Collectors {
	return &Collectors{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current length of an in-memory FileRequestQueue.",
		}, []string{"kind", "direction"}),
		workerBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "busy",
			Help:      "1 if a worker in this direction's pool is currently dispatching a request, else 0 (summed across the pool).",
		}, []string{"direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "dispatch_duration_seconds",
			Help:      "Time a worker spent running one request to a terminal or requeue verdict.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Requests that reached a terminal (non-requeue) error verdict.",
		}, []string{"direction"}),
		lastSeqNo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queueloader",
			Name:      "last_seq_no",
			Help:      "Highest durable request SeqNo a QueueLoader has refilled from, per kind.",
		}, []string{"kind"}),
	}
}

// Register attaches every collector to reg. A collector that reg
// reports as already registered (prometheus.AlreadyRegisteredError) is
// skipped, so registering the same Collectors twice returns nil.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, coll := range []prometheus.Collector{c.queueDepth, c.workerBusy, c.duration, c.errors, c.lastSeqNo} {
		if err := reg.Register(coll); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// QueueDepth implements loadsave.Metrics.
func (c *Collectors) QueueDepth(kind request.Kind, direction string, n int) {
	c.queueDepth.WithLabelValues(kind.String(), direction).Set(float64(n))
}

// WorkerBusy implements loadsave.Metrics. The gauge is incremented on
// busy=true and decremented on busy=false so its value is the live
// count of workers in that direction's pool currently dispatching.
func (c *Collectors) WorkerBusy(direction string, busy bool) {
	g := c.workerBusy.WithLabelValues(direction)
	if busy {
		g.Inc()
	} else {
		g.Dec()
	}
}

// ObserveDuration implements loadsave.Metrics.
func (c *Collectors) ObserveDuration(direction string, d time.Duration) {
	c.duration.WithLabelValues(direction).Observe(d.Seconds())
}

// IncError implements loadsave.Metrics.
func (c *Collectors) IncError(direction string) {
	c.errors.WithLabelValues(direction).Inc()
}

// SetLastSeqNo implements loadsave.Metrics.
func (c *Collectors) SetLastSeqNo(kind request.Kind, seq int64) {
	c.lastSeqNo.WithLabelValues(kind.String()).Set(float64(seq))
}
